package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/signalnine/hypertune/internal/config"
	"github.com/signalnine/hypertune/internal/report"
	"github.com/signalnine/hypertune/internal/result"
)

var flagFormat string

func newReportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report [run-dir]",
		Short: "Summarise the stored trials per estimator",
		Long:  "Summarise the stored trials per estimator. With a run directory, the worker outcomes of that run are listed too.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			store, err := result.Open(cfg.Storage.Records.Driver, cfg.Storage.Records.DSN)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := report.Generate(cmd.Context(), store, flagFormat, os.Stdout); err != nil {
				return err
			}
			if len(args) == 0 {
				return nil
			}
			resolved, err := filepath.EvalSymlinks(args[0])
			if err != nil {
				return fmt.Errorf("resolving run dir: %w", err)
			}
			metas, err := report.Workers(resolved)
			if err != nil {
				return err
			}
			fmt.Println()
			return report.WriteWorkers(metas, os.Stdout)
		},
	}
	cmd.Flags().StringVar(&flagFormat, "format", "table", "output format (table, markdown, json)")
	return cmd
}
