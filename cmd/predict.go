package cmd

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/signalnine/hypertune/internal/config"
	"github.com/signalnine/hypertune/internal/coord"
	"github.com/signalnine/hypertune/internal/dataset"
	"github.com/signalnine/hypertune/internal/logging"
)

func newPredictCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "predict <input.csv>",
		Short: "Predict with the ensembled fold models of the best trial",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			// The training file fixes the category codes the models were fit on.
			_, enc, err := dataset.LoadCSV(cfg.Dataset.Train, &dataset.LoadOpts{Target: cfg.Dataset.Target, Task: cfg.Dataset.Task})
			if err != nil {
				return err
			}
			input, _, err := dataset.LoadCSV(args[0], &dataset.LoadOpts{
				Target:    cfg.Dataset.Target,
				Task:      cfg.Dataset.Task,
				Encoder:   enc,
				Unlabeled: true,
			})
			if err != nil {
				return err
			}

			logger, closer, err := newLogger(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer closer.Close()
			ctx := cmd.Context()
			mgr, err := newManager(ctx, cfg, coord.WorkerKey(), false, logging.Worker(logger, "predict", false))
			if err != nil {
				return err
			}
			defer mgr.Close()
			model, best, err := mgr.LoadBestEstimator(ctx, cfg.Dataset.Task)
			if err != nil {
				return err
			}
			preds, err := model.Predict(input.X)
			if err != nil {
				return fmt.Errorf("predicting with trial %s: %w", best.TrialID, err)
			}

			var w io.Writer = cmd.OutOrStdout()
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			if err := writePredictions(w, cfg.Dataset.Target, input, preds); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Predicted %d rows with trial %s (%s, loss %.4f)\n",
				len(preds), best.TrialID, best.Estimator, best.Loss)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write predictions to this file instead of stdout")
	return cmd
}

func writePredictions(w io.Writer, target string, d *dataset.Dataset, preds []float64) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"row", target}); err != nil {
		return err
	}
	for i, p := range preds {
		v := strconv.FormatFloat(p, 'g', -1, 64)
		if d.Task == dataset.Classification {
			v = d.ClassLabel(p)
		}
		if err := cw.Write([]string{strconv.Itoa(i), v}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
