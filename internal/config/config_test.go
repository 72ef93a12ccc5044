package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/signalnine/hypertune/internal/config"
)

func TestLoadMinimal(t *testing.T) {
	cfg, err := config.Load("../../testdata/minimal.yaml")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Study != "default" {
		t.Errorf("expected study 'default', got %q", cfg.Study)
	}
	if cfg.Metric != "accuracy" {
		t.Errorf("expected default metric accuracy, got %q", cfg.Metric)
	}
	if cfg.Splitter.Kind != "stratified_kfold" || cfg.Splitter.NSplits != 5 {
		t.Errorf("unexpected splitter defaults: %+v", cfg.Splitter)
	}
	if cfg.Search.Method != "random" || cfg.Search.RunLimit != 100 {
		t.Errorf("unexpected search defaults: %+v", cfg.Search)
	}
	if cfg.Workers.NJobs != 1 || cfg.Workers.ExitProcesses != 0 {
		t.Errorf("single worker should not set exit_processes: %+v", cfg.Workers)
	}
	if cfg.Workers.PerRunTimeLimit != 60*time.Second {
		t.Errorf("expected 60s per-run limit, got %s", cfg.Workers.PerRunTimeLimit)
	}
	if cfg.Workers.PerRunMemoryLimitMB != 3072 {
		t.Errorf("expected 3072 MB, got %d", cfg.Workers.PerRunMemoryLimitMB)
	}
	if cfg.Retention.MaxPersistentModel != 50 {
		t.Errorf("expected K=50, got %d", cfg.Retention.MaxPersistentModel)
	}
	if cfg.Storage.PersistentMode != "fs" || cfg.Storage.Records.DSN != "default.db" {
		t.Errorf("unexpected storage defaults: %+v", cfg.Storage)
	}
	if cfg.Storage.Coordination.Type != "none" {
		t.Errorf("expected no coordination, got %q", cfg.Storage.Coordination.Type)
	}
}

func TestLoadFull(t *testing.T) {
	cfg, err := config.Load("../../testdata/full.yaml")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(cfg.Search.Space.Estimators) != 4 {
		t.Errorf("expected 4 estimators, got %d", len(cfg.Search.Space.Estimators))
	}
	if len(cfg.Search.Initial) != 1 || cfg.Search.Initial[0].Params["n_neighbors"] != 3 {
		t.Errorf("unexpected initial configs: %+v", cfg.Search.Initial)
	}
	if cfg.Workers.ExitProcesses != 1 {
		t.Errorf("expected exit_processes max(4/3,1)=1, got %d", cfg.Workers.ExitProcesses)
	}
	if cfg.Workers.PerRunTimeLimit != 30*time.Second || cfg.Workers.TimeLimit != 10*time.Minute {
		t.Errorf("durations not parsed: %+v", cfg.Workers)
	}
	if cfg.Storage.Blobs.S3.Bucket != "hypertune" {
		t.Errorf("expected s3 bucket, got %q", cfg.Storage.Blobs.S3.Bucket)
	}
	if cfg.Storage.Coordination.Redis.Addr != "localhost:6379" {
		t.Errorf("expected redis addr, got %q", cfg.Storage.Coordination.Redis.Addr)
	}
	if cfg.Logging.Format != "json" || cfg.Metrics.Addr != ":9464" {
		t.Errorf("unexpected logging/metrics: %+v %+v", cfg.Logging, cfg.Metrics)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := config.Load("nonexistent.yaml")
	if err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadInvalid(t *testing.T) {
	_, err := config.Load("../../testdata/invalid.yaml")
	if err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestValidationErrors(t *testing.T) {
	base := `
dataset:
  train: x.csv
  target: y
search:
  space:
    estimators:
      ridge: {}
`
	tests := []struct {
		name  string
		extra string
		want  string
	}{
		{"bad task", "dataset:\n  train: x.csv\n  target: y\n  task: clustering\n", "dataset.task"},
		{"metric for wrong task", "metric: r2\n", "does not apply"},
		{"unknown method", "search:\n  method: smac\n  space:\n    estimators:\n      ridge: {}\n", "search.method"},
		{"docker without image", "workers:\n  sandbox: docker\n", "workers.image"},
		{"bad persistent mode", "storage:\n  persistent_mode: tape\n", "persistent_mode"},
		{"postgres without dsn", "storage:\n  records:\n    driver: postgres\n", "dsn is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "c.yaml")
			doc := merge(base, tt.extra)
			if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
				t.Fatal(err)
			}
			_, err := config.Load(path)
			if err == nil {
				t.Fatalf("expected error containing %q", tt.want)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

// merge lets a test override a top-level section of base by dropping the
// base's section of the same name.
func merge(base, extra string) string {
	override := map[string]bool{}
	for _, line := range strings.Split(extra, "\n") {
		if line != "" && !strings.HasPrefix(line, " ") {
			override[strings.TrimSuffix(strings.Fields(line)[0], ":")] = true
		}
	}
	var out []string
	skip := false
	for _, line := range strings.Split(base, "\n") {
		if line != "" && !strings.HasPrefix(line, " ") {
			skip = override[strings.TrimSuffix(strings.Fields(line)[0], ":")]
		}
		if !skip {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n") + "\n" + extra
}
