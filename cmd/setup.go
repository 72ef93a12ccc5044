package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/signalnine/hypertune/internal/blob"
	"github.com/signalnine/hypertune/internal/config"
	"github.com/signalnine/hypertune/internal/dataset"
	"github.com/signalnine/hypertune/internal/evaluation"
	"github.com/signalnine/hypertune/internal/logging"
	"github.com/signalnine/hypertune/internal/manager"
	"github.com/signalnine/hypertune/internal/metrics"
	"github.com/signalnine/hypertune/internal/optimizer"
	"github.com/signalnine/hypertune/internal/space"
	"github.com/signalnine/hypertune/internal/split"
)

// loadData reads the training file and the test partition, if any. The
// returned encoder carries the training file's category codes.
func loadData(cfg *config.Config) (*dataset.Split, *dataset.Encoder, error) {
	d := cfg.Dataset
	train, enc, err := dataset.LoadCSV(d.Train, &dataset.LoadOpts{Target: d.Target, Task: d.Task})
	if err != nil {
		return nil, nil, err
	}
	switch {
	case d.Test != "":
		test, _, err := dataset.LoadCSV(d.Test, &dataset.LoadOpts{Target: d.Target, Task: d.Task, Encoder: enc})
		if err != nil {
			return nil, nil, err
		}
		// Labels first seen in the test file extend the class list.
		train.Classes = test.Classes
		return &dataset.Split{Train: train, Test: test}, enc, nil
	case d.TestSize > 0:
		s, err := dataset.Holdout(train, d.TestSize, d.Seed)
		if err != nil {
			return nil, nil, err
		}
		return s, enc, nil
	}
	return &dataset.Split{Train: train}, enc, nil
}

func newEvaluator(cfg *config.Config) (*evaluation.Evaluator, error) {
	s := cfg.Splitter
	splitter, err := split.New(s.Kind, s.NSplits, s.Shuffle, s.Seed)
	if err != nil {
		return nil, err
	}
	metric, err := metrics.Get(cfg.Metric)
	if err != nil {
		return nil, err
	}
	return &evaluation.Evaluator{
		Splitter:            splitter,
		Metric:              metric,
		Task:                cfg.Dataset.Task,
		AllScoringFunctions: cfg.AllScoringFunctions,
		FoldWorkers:         cfg.Evaluation.FoldWorkers,
	}, nil
}

// newLogger writes to stderr, or os.Stderr when nil, and to the configured
// log file.
func newLogger(cfg *config.Config, stderr io.Writer) (*logrus.Logger, io.Closer, error) {
	return logging.New(cfg.Logging, stderr)
}

// newManager wires the blob store and record store settings into a manager.
// It does not connect.
func newManager(ctx context.Context, cfg *config.Config, worker string, master bool, log *logrus.Entry) (*manager.Manager, error) {
	blobs, err := blob.New(ctx, cfg.Storage.Blobs)
	if err != nil {
		return nil, fmt.Errorf("opening blob store: %w", err)
	}
	exit := cfg.Workers.ExitProcesses
	if exit < 0 {
		exit = 0
	}
	return manager.New(manager.Config{
		Driver:             cfg.Storage.Records.Driver,
		DSN:                cfg.Storage.Records.DSN,
		PersistentMode:     cfg.Storage.PersistentMode,
		MaxPersistentModel: cfg.Retention.MaxPersistentModel,
		ExitProcesses:      exit,
		Master:             master,
		Worker:             worker,
		Namespace:          cfg.Study,
		Coordination:       cfg.Storage.Coordination,
	}, blobs, log), nil
}

func workerShard(cfg *config.Config, index int) optimizer.Shard {
	return optimizer.Shard{Index: index, Count: cfg.Workers.NJobs}
}

// initialDesign is what a worker evaluates before consulting the optimizer:
// its share of the configured seeds, then either a few random draws or, for
// grid search, its whole share of the grid.
func initialDesign(ctx context.Context, cfg *config.Config, opt optimizer.Optimizer, shard optimizer.Shard) ([]space.Configuration, error) {
	seeds := make([]space.Configuration, 0, len(cfg.Search.Initial))
	for _, s := range cfg.Search.Initial {
		seeds = append(seeds, s.Configuration())
	}
	initial := optimizer.ShardConfigs(seeds, shard)

	draws := cfg.Search.InitialRuns
	if cfg.Search.Method == "grid" {
		draws = -1
	}
	for i := 0; draws < 0 || i < draws; i++ {
		c, err := opt.Propose(ctx)
		if errors.Is(err, optimizer.ErrExhausted) {
			break
		}
		if err != nil {
			return nil, err
		}
		initial = append(initial, c)
	}
	return initial, nil
}
