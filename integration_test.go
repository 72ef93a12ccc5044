//go:build integration

package main

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/signalnine/hypertune/internal/report"
	"github.com/signalnine/hypertune/internal/result"
)

// buildBinary compiles hypertune into a temp dir.
func buildBinary(t *testing.T) string {
	t.Helper()
	bin := filepath.Join(t.TempDir(), "hypertune")
	c := exec.Command("go", "build", "-o", bin, ".")
	if out, err := c.CombinedOutput(); err != nil {
		t.Fatalf("go build: %v: %s", err, out)
	}
	return bin
}

// createStudy writes a two-worker grid study over testdata/blobs.csv into a
// fresh work dir. workers is appended to the workers section.
func createStudy(t *testing.T, workers string) string {
	t.Helper()
	dir := t.TempDir()
	data, err := os.ReadFile("testdata/blobs.csv")
	if err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(dir, "blobs.csv"), data, 0o644)
	cfg := `study: integration
dataset:
  train: blobs.csv
  target: label
splitter:
  n_splits: 3
search:
  method: grid
  space:
    estimators:
      knn:
        n_neighbors: {choices: [1, 3, 5]}
      gaussian_nb: {}
      logistic_regression:
        C: {choices: [0.1, 1.0]}
workers:
  n_jobs: 2
  exit_processes: -1
` + workers + `retention:
  max_persistent_model: 2
`
	os.WriteFile(filepath.Join(dir, "hypertune.yaml"), []byte(cfg), 0o644)
	return dir
}

func TestLocalRunIntegration(t *testing.T) {
	bin := buildBinary(t)
	dir := createStudy(t, "")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	c := exec.CommandContext(ctx, bin, "run", "--config", "hypertune.yaml")
	c.Dir = dir
	out, err := c.CombinedOutput()
	if err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}
	if !strings.Contains(string(out), "--- Results ---") {
		t.Errorf("expected a results table:\n%s", out)
	}

	runDir, err := filepath.EvalSymlinks(filepath.Join(dir, "results", "latest"))
	if err != nil {
		t.Fatal(err)
	}
	metas, err := report.Workers(runDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(metas) != 2 {
		t.Fatalf("got %d worker metas, want 2", len(metas))
	}
	for _, m := range metas {
		if m.ExitReason != "completed" {
			t.Errorf("worker %d: exit_reason %q, want completed", m.Worker, m.ExitReason)
		}
	}

	store, err := result.Open("sqlite", filepath.Join(dir, "integration.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	// Six grid points, at most two records kept per estimator after the
	// final retention pass.
	n, err := store.Count(ctx, "knn")
	if err != nil {
		t.Fatal(err)
	}
	if n == 0 || n > 3 {
		t.Errorf("knn records = %d", n)
	}
	best, err := store.Best(ctx, 1)
	if err != nil || len(best) != 1 {
		t.Fatalf("Best: %v, %d", err, len(best))
	}
}

func TestDockerRunIntegration(t *testing.T) {
	if os.Getenv("HYPERTUNE_DOCKER_TESTS") == "" {
		t.Skip("set HYPERTUNE_DOCKER_TESTS=1 to run docker integration tests")
	}
	image := os.Getenv("HYPERTUNE_IMAGE")
	if image == "" {
		t.Skip("set HYPERTUNE_IMAGE to an image with hypertune on its PATH")
	}
	bin := buildBinary(t)
	dir := createStudy(t, "  sandbox: docker\n  image: "+image+"\n")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	c := exec.CommandContext(ctx, bin, "run", "--config", "hypertune.yaml", "--cleanup-aggressive")
	c.Dir = dir
	out, err := c.CombinedOutput()
	if err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}
	if !strings.Contains(string(out), "worker 0: completed") {
		t.Errorf("expected worker 0 to complete:\n%s", out)
	}
}
