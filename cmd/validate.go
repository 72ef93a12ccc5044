package cmd

import (
	"errors"
	"fmt"
	"io"
	"math/rand"

	"github.com/spf13/cobra"

	"github.com/signalnine/hypertune/internal/config"
	"github.com/signalnine/hypertune/internal/pipeline"
	"github.com/signalnine/hypertune/internal/space"
)

// validateSamples is how many random configurations are built per check.
const validateSamples = 50

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the config, the dataset and the search space before a run",
		Long:  "Load the config and dataset, then build the initial configurations and a sample of the search space to catch unknown components and bad hyperparameters.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			return validateStudy(cfg, cmd.OutOrStdout())
		},
	}
}

func validateStudy(cfg *config.Config, w io.Writer) error {
	data, _, err := loadData(cfg)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Dataset: %d rows, %d features", data.Train.Len(), len(data.Train.Features))
	if data.Train.NumClasses() > 0 {
		fmt.Fprintf(w, ", %d classes", data.Train.NumClasses())
	}
	if data.Test != nil {
		fmt.Fprintf(w, ", %d test rows", data.Test.Len())
	}
	fmt.Fprintln(w)

	if _, err := newEvaluator(cfg); err != nil {
		return err
	}
	factory := pipeline.Factory{Task: cfg.Dataset.Task, NumClasses: data.Train.NumClasses()}

	var errs []error
	for i, seed := range cfg.Search.Initial {
		if _, err := factory.Build(seed.Configuration()); err != nil {
			errs = append(errs, fmt.Errorf("search.initial[%d]: %w", i, err))
		}
	}

	rng := rand.New(rand.NewSource(cfg.Search.Seed))
	failed := map[string]bool{}
	for i := 0; i < validateSamples; i++ {
		c := cfg.Search.Space.Sample(rng)
		if _, err := factory.Build(c); err != nil {
			key := c.Estimator() + "/" + c.Preprocessing()
			if !failed[key] {
				failed[key] = true
				errs = append(errs, fmt.Errorf("search.space %s: %w", configLabel(c), err))
			}
		}
	}
	if cfg.Search.Method == "grid" {
		fmt.Fprintf(w, "Grid: %d configurations\n", len(cfg.Search.Space.Grid()))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	fmt.Fprintf(w, "OK: %d initial configurations and %d sampled configurations build\n",
		len(cfg.Search.Initial), validateSamples)
	return nil
}

func configLabel(c space.Configuration) string {
	if c.Preprocessing() == space.NoPreprocessing {
		return c.Estimator()
	}
	return c.Estimator() + " with " + c.Preprocessing()
}
