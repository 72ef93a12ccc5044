package docker_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/signalnine/hypertune/internal/docker"
)

func skipUnlessDocker(t *testing.T) {
	t.Helper()
	if os.Getenv("HYPERTUNE_DOCKER_TESTS") == "" {
		t.Skip("set HYPERTUNE_DOCKER_TESTS=1 to run Docker tests")
	}
}

func TestRunContainer(t *testing.T) {
	skipUnlessDocker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	workDir := t.TempDir()
	logPath := filepath.Join(t.TempDir(), "worker.log")

	result, err := docker.RunContainer(ctx, &docker.RunOpts{
		Image:   "alpine:latest",
		Command: []string{"sh", "-c", "echo hello > output.txt && echo done"},
		WorkDir: workDir,
		Env:     map[string]string{"HYPERTUNE_WORKER": "0"},
		Timeout: 30 * time.Second,
		LogPath: logPath,
	})
	if err != nil {
		t.Fatalf("RunContainer: %v", err)
	}
	if result.ExitCode != 0 {
		t.Errorf("exit code: got %d, want 0", result.ExitCode)
	}
	if result.TimedOut {
		t.Error("unexpected timeout")
	}
	content, err := os.ReadFile(filepath.Join(workDir, "output.txt"))
	if err != nil {
		t.Fatalf("reading output: %v", err)
	}
	if string(content) != "hello\n" {
		t.Errorf("output: got %q, want %q", content, "hello\n")
	}
	logData, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("reading log: %v", err)
	}
	if !strings.Contains(string(logData), "done") {
		t.Errorf("log: got %q", logData)
	}
}

func TestRunContainerTimeout(t *testing.T) {
	skipUnlessDocker(t)
	ctx := context.Background()
	workDir := t.TempDir()

	result, err := docker.RunContainer(ctx, &docker.RunOpts{
		Image:   "alpine:latest",
		Command: []string{"sleep", "300"},
		WorkDir: workDir,
		Timeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("RunContainer: %v", err)
	}
	if !result.TimedOut {
		t.Error("expected timeout")
	}
	if result.ExitCode != docker.TimeoutExitCode {
		t.Errorf("exit code: got %d, want %d", result.ExitCode, docker.TimeoutExitCode)
	}
}

func TestRunContainerCrash(t *testing.T) {
	skipUnlessDocker(t)
	ctx := context.Background()
	workDir := t.TempDir()

	result, err := docker.RunContainer(ctx, &docker.RunOpts{
		Image:   "alpine:latest",
		Command: []string{"sh", "-c", "exit 1"},
		WorkDir: workDir,
		Timeout: 10 * time.Second,
	})
	if err != nil {
		t.Fatalf("RunContainer: %v", err)
	}
	if result.ExitCode != 1 {
		t.Errorf("exit code: got %d, want 1", result.ExitCode)
	}
}

func TestRunContainerMemoryLimit(t *testing.T) {
	skipUnlessDocker(t)
	ctx := context.Background()
	workDir := t.TempDir()

	// Allocating 64 MiB under a 16 MiB limit gets the process killed.
	result, err := docker.RunContainer(ctx, &docker.RunOpts{
		Image:       "alpine:latest",
		Command:     []string{"sh", "-c", "head -c 67108864 /dev/zero | tail > /dev/null"},
		WorkDir:     workDir,
		Timeout:     30 * time.Second,
		MemoryLimit: 16 << 20,
	})
	if err != nil {
		t.Fatalf("RunContainer: %v", err)
	}
	if result.ExitCode == 0 {
		t.Error("expected the memory limit to kill the container")
	}
}
