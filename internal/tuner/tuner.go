// Package tuner drives one worker's search loop: propose, evaluate, persist,
// report back, and ask the manager whether to keep going.
package tuner

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/signalnine/hypertune/internal/dataset"
	"github.com/signalnine/hypertune/internal/evaluation"
	"github.com/signalnine/hypertune/internal/manager"
	"github.com/signalnine/hypertune/internal/optimizer"
	"github.com/signalnine/hypertune/internal/pipeline"
	"github.com/signalnine/hypertune/internal/result"
	"github.com/signalnine/hypertune/internal/space"
	"github.com/signalnine/hypertune/internal/telemetry"
)

type State int

const (
	Idle State = iota
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Recorder is the part of the manager the loop depends on.
type Recorder interface {
	PersistTrial(ctx context.Context, t *result.Trial, models []*pipeline.Pipeline) (string, error)
	RecordCompletion(ctx context.Context) error
	RunRetentionPass(ctx context.Context) (bool, error)
}

// Why the loop stopped.
const (
	StopInitialEmpty = "no initial configurations"
	StopRunLimit     = "run limit reached"
	StopExhausted    = "search space exhausted"
	StopCancelled    = "cancelled"
	StopThreshold    = "stop threshold reached"
)

type Stats struct {
	Trials     int
	Succeeded  int
	Failed     int
	Duplicates int
	BestLoss   float64
	BestID     string
	StopReason string
}

type Tuner struct {
	Factory   pipeline.Factory
	Evaluator *evaluation.Evaluator
	Recorder  Recorder
	Optimizer optimizer.Optimizer
	Train     *dataset.Dataset
	// Test is optional; when set every trial also records test scores.
	Test *dataset.Dataset
	// RunLimit caps optimizer proposals after the initial design. Zero means
	// until the optimizer is exhausted.
	RunLimit     int
	TrialTimeout time.Duration
	Log          *logrus.Entry

	state State
	seen  map[string]bool
	stats Stats
}

func (t *Tuner) State() State { return t.state }

// Run evaluates the initial configurations, then optimizer proposals, until
// a stop condition holds. Trial failures and storage errors never end the
// loop.
func (t *Tuner) Run(ctx context.Context, initial []space.Configuration) (*Stats, error) {
	if t.Log == nil {
		t.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	t.stats = Stats{BestLoss: math.Inf(1)}
	t.seen = map[string]bool{}
	defer func() { t.state = Stopped }()

	if len(initial) == 0 {
		t.Log.Warn("initial configuration set is empty, nothing to do")
		t.stats.StopReason = StopInitialEmpty
		return &t.stats, nil
	}
	t.state = Running
	t.Log.WithField("initial", len(initial)).Info("search started")

	for _, cfg := range initial {
		if reason, stop := t.step(ctx, cfg); stop {
			return t.finish(reason), nil
		}
	}
	for proposed := 0; t.RunLimit <= 0 || proposed < t.RunLimit; proposed++ {
		cfg, err := t.Optimizer.Propose(ctx)
		switch {
		case errors.Is(err, optimizer.ErrExhausted):
			return t.finish(StopExhausted), nil
		case ctx.Err() != nil:
			return t.finish(StopCancelled), nil
		case err != nil:
			t.finish(err.Error())
			return &t.stats, fmt.Errorf("proposing configuration: %w", err)
		}
		if reason, stop := t.step(ctx, cfg); stop {
			return t.finish(reason), nil
		}
	}
	return t.finish(StopRunLimit), nil
}

func (t *Tuner) finish(reason string) *Stats {
	t.stats.StopReason = reason
	t.Log.WithFields(logrus.Fields{
		"trials":    t.stats.Trials,
		"succeeded": t.stats.Succeeded,
		"failed":    t.stats.Failed,
		"best_loss": t.stats.BestLoss,
	}).Infof("search stopped: %s", reason)
	return &t.stats
}

// step runs one trial and the retention pass after it.
func (t *Tuner) step(ctx context.Context, cfg space.Configuration) (string, bool) {
	if ctx.Err() != nil {
		return StopCancelled, true
	}
	id := cfg.ID()
	if t.seen[id] {
		t.Log.WithField("trial_id", id).Debug("configuration already evaluated in this run")
		return "", false
	}
	t.seen[id] = true

	trial, models := t.evaluate(ctx, cfg)
	if ctx.Err() != nil {
		// Interrupted trials are not recorded.
		return StopCancelled, true
	}
	log := t.Log.WithFields(logrus.Fields{"trial_id": id, "estimator": trial.Estimator})

	t.stats.Trials++
	if trial.Status == result.StatusSuccess {
		t.stats.Succeeded++
		if trial.Loss < t.stats.BestLoss {
			t.stats.BestLoss, t.stats.BestID = trial.Loss, id
			telemetry.SetBestLoss(trial.Loss)
		}
		log.WithFields(logrus.Fields{"loss": trial.Loss, "cost_time": trial.CostTime}).Info("trial finished")
	} else {
		t.stats.Failed++
		log.WithField("reason", trial.FailedInfo).Warn("trial failed")
	}
	telemetry.ObserveTrial(trial.Estimator, string(trial.Status), time.Duration(trial.CostTime*float64(time.Second)))

	_, err := t.Recorder.PersistTrial(ctx, trial, models)
	switch {
	case errors.Is(err, manager.ErrDuplicateKey):
		t.stats.Duplicates++
		log.Info("trial already recorded by another worker")
	case err != nil:
		log.WithError(err).Error("persisting trial")
	default:
		if err := t.Recorder.RecordCompletion(ctx); err != nil {
			log.WithError(err).Error("recording completion")
		}
	}
	t.Optimizer.Feedback(cfg, trial.Loss)

	keep, err := t.Recorder.RunRetentionPass(ctx)
	if err != nil {
		log.WithError(err).Error("retention pass")
	}
	if !keep {
		return StopThreshold, true
	}
	return "", false
}

// evaluate builds and scores cfg. It always returns a record; failures are
// recorded with FailureLoss.
func (t *Tuner) evaluate(ctx context.Context, cfg space.Configuration) (*result.Trial, []*pipeline.Pipeline) {
	trial := &result.Trial{
		TrialID:           cfg.ID(),
		Estimator:         cfg.Estimator(),
		Loss:              evaluation.FailureLoss,
		Status:            result.StatusFailed,
		ProgramHyperParam: cfg,
		DictHyperParam:    cfg.Dict(),
	}

	p, err := t.Factory.Build(cfg)
	if err != nil {
		trial.FailedInfo = err.Error()
		return trial, nil
	}

	tctx := ctx
	if t.TrialTimeout > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(ctx, t.TrialTimeout)
		defer cancel()
	}
	var Xtest [][]float64
	var ytest []float64
	if t.Test != nil {
		Xtest, ytest = t.Test.X, t.Test.Y
	}
	loss, res, err := t.Evaluator.Evaluate(tctx, p, t.Train.X, t.Train.Y, Xtest, ytest)
	trial.WarningInfo = res.Warnings
	trial.CostTime = res.CostTime.Seconds()
	if err != nil {
		trial.FailedInfo = err.Error()
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			trial.FailedInfo = fmt.Sprintf("timeout: exceeded per-run time limit of %s: %v", t.TrialTimeout, err)
		}
		return trial, nil
	}

	trial.Status = result.StatusSuccess
	trial.Loss = loss
	trial.Losses = res.Losses
	trial.AllScore = res.AllScore
	trial.AllScores = res.AllScores
	trial.TestLoss = res.TestLoss
	trial.TestAllScore = res.TestAllScore
	if err := trial.SetPredictions(&result.Predictions{
		YTrueIndexes: res.YTrueIndexes,
		YPreds:       res.YPreds,
		YTestTrue:    res.YTestTrue,
		YTestPred:    res.YTestPred,
	}); err != nil {
		t.Log.WithError(err).WithField("trial_id", trial.TrialID).Warn("dropping predictions")
	}
	return trial, res.Models
}
