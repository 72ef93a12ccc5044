package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/signalnine/hypertune/internal/docker"
	"github.com/signalnine/hypertune/internal/result"
)

type WorkerOpts struct {
	Index  int
	Master bool
	// ConfigPath is the config file, relative to WorkDir.
	ConfigPath string
	WorkDir    string
	RunDir     string
	// Binary is the hypertune executable used by the local sandbox.
	Binary        string
	Sandbox       string
	Image         string
	Timeout       time.Duration
	MemoryLimitMB int
	Env           map[string]string
}

func ExitReasonFromCode(code int, timedOut bool) string {
	if timedOut {
		return "timeout"
	}
	switch code {
	case 0:
		return "completed"
	case 137:
		return "killed"
	default:
		return "crashed"
	}
}

// WorkerArgs are the arguments of the hidden worker command.
func WorkerArgs(opts *WorkerOpts) []string {
	args := []string{"worker", "--config", opts.ConfigPath, "--index", strconv.Itoa(opts.Index)}
	if opts.Master {
		args = append(args, "--master")
	}
	return args
}

// RunWorker launches one search worker process and waits for it. The
// worker's output and meta.json land in its directory under RunDir.
func RunWorker(ctx context.Context, opts *WorkerOpts) (*result.WorkerMeta, error) {
	workerDir := result.WorkerDir(opts.RunDir, opts.Index)
	if err := os.MkdirAll(workerDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating worker dir: %w", err)
	}
	logPath := filepath.Join(workerDir, "worker.log")

	var (
		res *docker.RunResult
		err error
	)
	switch opts.Sandbox {
	case "docker":
		res, err = runDocker(ctx, opts, logPath)
	default:
		res, err = runLocal(ctx, opts, logPath)
	}
	if err != nil {
		return nil, fmt.Errorf("running worker %d: %w", opts.Index, err)
	}

	meta := &result.WorkerMeta{
		Worker:     opts.Index,
		Master:     opts.Master,
		DurationS:  int(res.Duration.Seconds()),
		ExitCode:   res.ExitCode,
		ExitReason: ExitReasonFromCode(res.ExitCode, res.TimedOut),
		LogPath:    logPath,
	}
	if err := result.WriteWorkerMeta(workerDir, meta); err != nil {
		return nil, fmt.Errorf("writing meta: %w", err)
	}
	return meta, nil
}

func runDocker(ctx context.Context, opts *WorkerOpts, logPath string) (*docker.RunResult, error) {
	workDir, err := filepath.Abs(opts.WorkDir)
	if err != nil {
		return nil, fmt.Errorf("resolving work dir: %w", err)
	}
	return docker.RunContainer(ctx, &docker.RunOpts{
		Image:       opts.Image,
		Command:     append([]string{"hypertune"}, WorkerArgs(opts)...),
		WorkDir:     workDir,
		Env:         opts.Env,
		Timeout:     opts.Timeout,
		MemoryLimit: int64(opts.MemoryLimitMB) << 20,
		UserID:      fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid()),
		Labels:      map[string]string{"hypertune.worker": strconv.Itoa(opts.Index)},
		LogPath:     logPath,
	})
}

func runLocal(ctx context.Context, opts *WorkerOpts, logPath string) (*docker.RunResult, error) {
	logFile, err := os.Create(logPath)
	if err != nil {
		return nil, fmt.Errorf("creating worker log: %w", err)
	}
	defer logFile.Close()

	runCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, opts.Binary, WorkerArgs(opts)...)
	cmd.Dir = opts.WorkDir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = os.Environ()
	for k, v := range opts.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	// Let the worker stop between trials before it is killed.
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = 10 * time.Second

	start := time.Now()
	err = cmd.Run()
	res := &docker.RunResult{Duration: time.Since(start)}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		res.ExitCode, res.TimedOut = docker.TimeoutExitCode, true
		return res, nil
	}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		if res.ExitCode < 0 {
			// Terminated by a signal.
			res.ExitCode = 137
		}
	default:
		return nil, err
	}
	return res, nil
}
