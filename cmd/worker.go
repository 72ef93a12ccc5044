package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/signalnine/hypertune/internal/config"
	"github.com/signalnine/hypertune/internal/coord"
	"github.com/signalnine/hypertune/internal/logging"
	"github.com/signalnine/hypertune/internal/optimizer"
	"github.com/signalnine/hypertune/internal/pipeline"
	"github.com/signalnine/hypertune/internal/telemetry"
	"github.com/signalnine/hypertune/internal/tuner"
)

var (
	flagWorkerIndex  int
	flagWorkerMaster bool
)

func newWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Run one search worker (started by run)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			stats, err := runSearchWorker(ctx, cfg, flagWorkerIndex, flagWorkerMaster, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "worker %d: %d trials (%d ok, %d failed, %d duplicate), best %s loss %.4f: %s\n",
				flagWorkerIndex, stats.Trials, stats.Succeeded, stats.Failed, stats.Duplicates,
				stats.BestID, stats.BestLoss, stats.StopReason)
			return nil
		},
	}
	cmd.Flags().IntVar(&flagWorkerIndex, "index", 0, "worker index, used to shard the search")
	cmd.Flags().BoolVar(&flagWorkerMaster, "master", false, "this worker runs retention and serves metrics")
	return cmd
}

// runSearchWorker runs the search loop of one worker until its run limit,
// the stop threshold, exhaustion of its shard or cancellation of ctx.
func runSearchWorker(ctx context.Context, cfg *config.Config, index int, master bool, stderr io.Writer) (*tuner.Stats, error) {
	logger, closer, err := newLogger(cfg, stderr)
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	worker := fmt.Sprintf("%s/%d", coord.WorkerKey(), index)
	log := logging.Worker(logger, worker, master)

	data, _, err := loadData(cfg)
	if err != nil {
		return nil, err
	}
	eval, err := newEvaluator(cfg)
	if err != nil {
		return nil, err
	}

	if master && cfg.Metrics.Addr != "" {
		telemetry.Serve(ctx, cfg.Metrics.Addr, log)
	}

	mgr, err := newManager(ctx, cfg, worker, master, log)
	if err != nil {
		return nil, err
	}
	defer mgr.Close()
	if err := mgr.Connect(ctx); err != nil {
		return nil, err
	}
	if err := mgr.RegisterProcess(ctx, os.Getpid()); err != nil {
		log.WithError(err).Warn("registering process")
	}

	shard := workerShard(cfg, index)
	opt, err := optimizer.New(cfg.Search.Method, &cfg.Search.Space, cfg.Search.Seed, shard)
	if err != nil {
		return nil, err
	}
	initial, err := initialDesign(ctx, cfg, opt, shard)
	if err != nil {
		return nil, err
	}
	runLimit := cfg.Search.RunLimit
	if cfg.Search.Method == "grid" {
		// The grid shard was drained into the initial design.
		runLimit = 0
	}

	log.WithFields(logrus.Fields{
		"method":  cfg.Search.Method,
		"initial": len(initial),
		"rows":    data.Train.Len(),
	}).Info("worker starting")

	t := &tuner.Tuner{
		Factory:      pipeline.Factory{Task: cfg.Dataset.Task, NumClasses: data.Train.NumClasses()},
		Evaluator:    eval,
		Recorder:     mgr,
		Optimizer:    opt,
		Train:        data.Train,
		Test:         data.Test,
		RunLimit:     runLimit,
		TrialTimeout: cfg.Workers.PerRunTimeLimit,
		Log:          log,
	}
	return t.Run(ctx, initial)
}
