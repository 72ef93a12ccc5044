package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/signalnine/hypertune/internal/config"
	"github.com/signalnine/hypertune/internal/coord"
	"github.com/signalnine/hypertune/internal/logging"
)

func newEvictCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "evict",
		Short: "Apply the per-estimator retention limit to the stored trials",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			logger, closer, err := newLogger(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer closer.Close()
			ctx := cmd.Context()
			mgr, err := newManager(ctx, cfg, coord.WorkerKey(), true, logging.Worker(logger, "evict", true))
			if err != nil {
				return err
			}
			defer mgr.Close()
			n, err := mgr.Evict(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Evicted %d trials (keeping %d per estimator)\n", n, cfg.Retention.MaxPersistentModel)
			return nil
		},
	}
}
