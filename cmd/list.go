package cmd

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/signalnine/hypertune/internal/config"
	"github.com/signalnine/hypertune/internal/dataset"
	"github.com/signalnine/hypertune/internal/estimator"
	"github.com/signalnine/hypertune/internal/metrics"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List available estimators, preprocessors and metrics, and the configured search space",
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			listRegistry(w)

			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "\nSearch space (%s, %s):\n", cfg.Study, cfg.Search.Method)
			for _, name := range sortedNames(cfg.Search.Space.Estimators) {
				fmt.Fprintf(w, "  - %s %s\n", name, paramNames(cfg.Search.Space.Estimators[name]))
			}
			for _, name := range sortedNames(cfg.Search.Space.Preprocessing) {
				fmt.Fprintf(w, "  - preprocessing %s %s\n", name, paramNames(cfg.Search.Space.Preprocessing[name]))
			}
			if n := len(cfg.Search.Initial); n > 0 {
				fmt.Fprintf(w, "  %d initial configurations\n", n)
			}
			return nil
		},
	}
}

func listRegistry(w io.Writer) {
	fmt.Fprintln(w, "Estimators:")
	for _, name := range estimator.Names() {
		spec, _ := estimator.Lookup(name)
		tasks := make([]string, len(spec.Tasks))
		for i, t := range spec.Tasks {
			tasks[i] = string(t)
		}
		fmt.Fprintf(w, "  - %s [%s]\n", name, strings.Join(tasks, ", "))
	}
	fmt.Fprintln(w, "\nPreprocessors:")
	for _, name := range estimator.TransformerNames() {
		fmt.Fprintf(w, "  - %s\n", name)
	}
	fmt.Fprintln(w, "\nMetrics:")
	for _, task := range []dataset.Task{dataset.Classification, dataset.Regression} {
		for _, s := range metrics.ForTask(task) {
			fmt.Fprintf(w, "  - %s [%s, optimum %g]\n", s.Name, task, s.Optimum)
		}
	}
}

func sortedNames[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func paramNames[V any](c map[string]V) string {
	if len(c) == 0 {
		return ""
	}
	return "(" + strings.Join(sortedNames(c), ", ") + ")"
}
