package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/signalnine/hypertune/internal/blob"
	"github.com/signalnine/hypertune/internal/coord"
	"github.com/signalnine/hypertune/internal/dataset"
	"github.com/signalnine/hypertune/internal/logging"
	"github.com/signalnine/hypertune/internal/metrics"
	"github.com/signalnine/hypertune/internal/space"
	"github.com/signalnine/hypertune/internal/split"
)

type Config struct {
	Study               string         `yaml:"study"`
	Dataset             Dataset        `yaml:"dataset"`
	Metric              string         `yaml:"metric"`
	AllScoringFunctions bool           `yaml:"all_scoring_functions"`
	Splitter            Splitter       `yaml:"splitter"`
	Evaluation          Evaluation     `yaml:"evaluation"`
	Search              Search         `yaml:"search"`
	Workers             Workers        `yaml:"workers"`
	Retention           Retention      `yaml:"retention"`
	Storage             Storage        `yaml:"storage"`
	Logging             logging.Config `yaml:"logging"`
	Metrics             Metrics        `yaml:"metrics"`
	Results             Results        `yaml:"results"`
}

type Dataset struct {
	Train  string       `yaml:"train"`
	Test   string       `yaml:"test"`
	Target string       `yaml:"target"`
	Task   dataset.Task `yaml:"task"`
	// TestSize holds out a fraction of Train when no Test file is given.
	TestSize float64 `yaml:"test_size"`
	Seed     int64   `yaml:"seed"`
}

type Splitter struct {
	Kind    string `yaml:"kind"`
	NSplits int    `yaml:"n_splits"`
	Shuffle bool   `yaml:"shuffle"`
	Seed    int64  `yaml:"seed"`
}

type Evaluation struct {
	FoldWorkers int `yaml:"fold_workers"`
}

type Search struct {
	Method      string       `yaml:"method"`
	Seed        int64        `yaml:"seed"`
	RunLimit    int          `yaml:"run_limit"`
	InitialRuns int          `yaml:"initial_runs"`
	Initial     []space.Seed `yaml:"initial"`
	Space       space.Space  `yaml:"space"`
}

type Workers struct {
	NJobs int `yaml:"n_jobs"`
	// ExitProcesses is the completed-trial count at which every worker stops.
	// Zero picks a default from NJobs; negative disables the check.
	ExitProcesses       int           `yaml:"exit_processes"`
	PerRunTimeLimit     time.Duration `yaml:"per_run_time_limit"`
	PerRunMemoryLimitMB int           `yaml:"per_run_memory_limit_mb"`
	Sandbox             string        `yaml:"sandbox"`
	Image               string        `yaml:"image"`
	// TimeLimit bounds a whole worker process; zero means no limit.
	TimeLimit time.Duration `yaml:"time_limit"`
}

type Retention struct {
	MaxPersistentModel int `yaml:"max_persistent_model"`
}

type Records struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type Storage struct {
	PersistentMode string       `yaml:"persistent_mode"`
	Records        Records      `yaml:"records"`
	Blobs          blob.Config  `yaml:"blobs"`
	Coordination   coord.Config `yaml:"coordination"`
}

type Metrics struct {
	Addr string `yaml:"addr"`
}

type Results struct {
	Dir string `yaml:"dir"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Study == "" {
		cfg.Study = "default"
	}

	d := &cfg.Dataset
	if d.Train == "" {
		return fmt.Errorf("dataset.train is required")
	}
	if d.Target == "" {
		return fmt.Errorf("dataset.target is required")
	}
	if d.Task == "" {
		d.Task = dataset.Classification
	}
	if _, err := dataset.ParseTask(string(d.Task)); err != nil {
		return fmt.Errorf("dataset.task: %w", err)
	}
	if d.TestSize < 0 || d.TestSize >= 1 {
		return fmt.Errorf("dataset.test_size must be in [0, 1)")
	}
	if d.Test != "" && d.TestSize > 0 {
		return fmt.Errorf("dataset.test and dataset.test_size are mutually exclusive")
	}

	if cfg.Metric == "" {
		cfg.Metric = metrics.Default(d.Task).Name
	}
	m, err := metrics.Get(cfg.Metric)
	if err != nil {
		return err
	}
	if m.Task != d.Task {
		return fmt.Errorf("metric %q does not apply to %s", cfg.Metric, d.Task)
	}

	s := &cfg.Splitter
	if s.Kind == "" {
		s.Kind = "kfold"
		if d.Task == dataset.Classification {
			s.Kind = "stratified_kfold"
		}
	}
	if s.NSplits == 0 {
		s.NSplits = 5
	}
	if _, err := split.New(s.Kind, s.NSplits, s.Shuffle, s.Seed); err != nil {
		return err
	}
	if s.NSplits < 2 {
		return fmt.Errorf("splitter.n_splits must be at least 2")
	}

	if cfg.Evaluation.FoldWorkers < 0 {
		return fmt.Errorf("evaluation.fold_workers must not be negative")
	}
	if cfg.Evaluation.FoldWorkers == 0 {
		cfg.Evaluation.FoldWorkers = 1
	}

	se := &cfg.Search
	switch se.Method {
	case "":
		se.Method = "random"
	case "random", "grid":
	default:
		return fmt.Errorf("search.method %q: want random or grid", se.Method)
	}
	if se.RunLimit < 0 {
		return fmt.Errorf("search.run_limit must not be negative")
	}
	if se.Method == "random" && se.RunLimit == 0 {
		se.RunLimit = 100
	}
	if se.InitialRuns == 0 {
		se.InitialRuns = 5
	}
	if err := se.Space.Validate(); err != nil {
		return fmt.Errorf("search.space: %w", err)
	}
	for i, seed := range se.Initial {
		if seed.Estimator == "" {
			return fmt.Errorf("search.initial[%d]: estimator is required", i)
		}
	}

	w := &cfg.Workers
	if w.NJobs == 0 {
		w.NJobs = 1
	}
	if w.NJobs < 0 {
		return fmt.Errorf("workers.n_jobs must be positive")
	}
	if w.ExitProcesses == 0 && w.NJobs > 1 {
		w.ExitProcesses = max(w.NJobs/3, 1)
	}
	if w.PerRunTimeLimit == 0 {
		w.PerRunTimeLimit = 60 * time.Second
	}
	if w.PerRunMemoryLimitMB == 0 {
		w.PerRunMemoryLimitMB = 3072
	}
	switch w.Sandbox {
	case "":
		w.Sandbox = "local"
	case "local":
	case "docker":
		if w.Image == "" {
			return fmt.Errorf("workers.image is required for the docker sandbox")
		}
	default:
		return fmt.Errorf("workers.sandbox %q: want local or docker", w.Sandbox)
	}

	if cfg.Retention.MaxPersistentModel == 0 {
		cfg.Retention.MaxPersistentModel = 50
	}
	if cfg.Retention.MaxPersistentModel < 0 {
		return fmt.Errorf("retention.max_persistent_model must be positive")
	}

	st := &cfg.Storage
	switch st.PersistentMode {
	case "":
		st.PersistentMode = "fs"
	case "fs", "db":
	default:
		return fmt.Errorf("storage.persistent_mode %q: want fs or db", st.PersistentMode)
	}
	if st.Records.Driver == "" {
		st.Records.Driver = "sqlite"
	}
	if st.Records.DSN == "" {
		if st.Records.Driver != "sqlite" {
			return fmt.Errorf("storage.records.dsn is required for %s", st.Records.Driver)
		}
		st.Records.DSN = cfg.Study + ".db"
	}
	if st.Blobs.Type == "" {
		st.Blobs.Type = blob.TypeLocal
	}
	if st.Blobs.Type == blob.TypeLocal && st.Blobs.Local.RootDir == "" {
		st.Blobs.Local.RootDir = cfg.Study + "-models"
	}
	if st.Blobs.Type == blob.TypeS3 && (st.Blobs.S3.Endpoint == "" || st.Blobs.S3.Bucket == "") {
		return fmt.Errorf("storage.blobs.s3 needs endpoint and bucket")
	}
	if st.Coordination.Type == "" {
		st.Coordination.Type = "none"
		if w.NJobs > 1 {
			st.Coordination.Type = "sql"
		}
	}
	if st.Coordination.Type == "redis" && st.Coordination.Redis.Addr == "" {
		st.Coordination.Redis.Addr = "localhost:6379"
	}

	if cfg.Results.Dir == "" {
		cfg.Results.Dir = "results"
	}
	return nil
}
