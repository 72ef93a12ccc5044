package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/signalnine/hypertune/internal/config"
	"github.com/signalnine/hypertune/internal/report"
	"github.com/signalnine/hypertune/internal/result"
)

func newBestCmd() *cobra.Command {
	var (
		k      int
		format string
	)
	cmd := &cobra.Command{
		Use:   "best",
		Short: "Show the best trials of the study",
		RunE: func(cmd *cobra.Command, args []string) error {
			if k < 1 {
				return fmt.Errorf("-k must be at least 1")
			}
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			store, err := result.Open(cfg.Storage.Records.Driver, cfg.Storage.Records.DSN)
			if err != nil {
				return err
			}
			defer store.Close()
			trials, err := store.Best(cmd.Context(), k)
			if err != nil {
				return err
			}
			if len(trials) == 0 {
				return fmt.Errorf("study %q has no successful trials", cfg.Study)
			}
			return report.Trials(trials, format, os.Stdout)
		},
	}
	cmd.Flags().IntVarP(&k, "k", "k", 5, "number of trials to show")
	cmd.Flags().StringVar(&format, "format", "table", "output format (table, markdown, json)")
	return cmd
}
