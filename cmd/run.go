package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/signalnine/hypertune/internal/config"
	"github.com/signalnine/hypertune/internal/coord"
	"github.com/signalnine/hypertune/internal/logging"
	"github.com/signalnine/hypertune/internal/report"
	"github.com/signalnine/hypertune/internal/result"
	"github.com/signalnine/hypertune/internal/runner"
)

var flagCleanupAggressive bool

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a search with the configured number of workers",
		RunE:  runSearch,
	}
	cmd.Flags().BoolVar(&flagCleanupAggressive, "cleanup-aggressive", false, "remove all hypertune Docker containers after the run")
	return cmd
}

func runSearch(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runDir, err := result.CreateRunDir(cfg.Results.Dir)
	if err != nil {
		return err
	}
	fmt.Printf("Run directory: %s\n", runDir)

	if err := resetStudy(ctx, cfg); err != nil {
		return err
	}

	workDir, err := os.Getwd()
	if err != nil {
		return err
	}
	configPath, err := workerConfigPath(workDir, cfgFile)
	if err != nil {
		return err
	}
	binary, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locating hypertune binary: %w", err)
	}

	jobs := make([]runner.Job, cfg.Workers.NJobs)
	for i := range jobs {
		opts := &runner.WorkerOpts{
			Index:         i,
			Master:        i == 0,
			ConfigPath:    configPath,
			WorkDir:       workDir,
			RunDir:        runDir,
			Binary:        binary,
			Sandbox:       cfg.Workers.Sandbox,
			Image:         cfg.Workers.Image,
			Timeout:       cfg.Workers.TimeLimit,
			MemoryLimitMB: cfg.Workers.PerRunMemoryLimitMB,
		}
		jobs[i] = func(ctx context.Context) error {
			fmt.Printf("Starting worker %d...\n", opts.Index)
			meta, err := runner.RunWorker(ctx, opts)
			if err != nil {
				return err
			}
			fmt.Printf("  worker %d: %s (duration: %ds)\n", meta.Worker, meta.ExitReason, meta.DurationS)
			return nil
		}
	}
	for _, err := range runner.RunPool(ctx, len(jobs), jobs) {
		if err != nil {
			fmt.Printf("  ERROR: %v\n", err)
		}
	}

	if flagCleanupAggressive && cfg.Workers.Sandbox == "docker" {
		cleanupDocker()
	}

	fmt.Println("\n--- Workers ---")
	metas, err := report.Workers(runDir)
	if err != nil {
		return err
	}
	if err := report.WriteWorkers(metas, os.Stdout); err != nil {
		return err
	}

	fmt.Println("\n--- Results ---")
	store, err := result.Open(cfg.Storage.Records.Driver, cfg.Storage.Records.DSN)
	if err != nil {
		return err
	}
	defer store.Close()
	return report.Generate(context.WithoutCancel(ctx), store, "table", os.Stdout)
}

// resetStudy clears the completion counter and process list left by an
// earlier run of the same study.
func resetStudy(ctx context.Context, cfg *config.Config) error {
	logger, closer, err := newLogger(cfg, nil)
	if err != nil {
		return err
	}
	defer closer.Close()
	mgr, err := newManager(ctx, cfg, coord.WorkerKey(), true, logging.Worker(logger, "run", true))
	if err != nil {
		return err
	}
	defer mgr.Close()
	if err := mgr.Connect(ctx); err != nil {
		return err
	}
	if err := mgr.ResetCounter(ctx); err != nil {
		return err
	}
	return mgr.ClearProcesses(ctx)
}

// workerConfigPath makes the config path relative to the work dir so it
// resolves both on the host and inside a worker container.
func workerConfigPath(workDir, path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(workDir, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("config %s must live under the work dir %s", path, workDir)
	}
	return rel, nil
}

// cleanupDocker prunes stopped worker containers by their hypertune label.
// A failed prune is ignored.
func cleanupDocker() {
	fmt.Println("Cleaning up Docker artifacts...")
	exec.Command("docker", "container", "prune", "-f", "--filter", "label=hypertune=true").Run()
}
