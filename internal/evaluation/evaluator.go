// Package evaluation scores one pipeline configuration by k-fold cross
// validation and, when a held-out test set is present, by ensembling the fold
// models on it.
package evaluation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/signalnine/hypertune/internal/dataset"
	"github.com/signalnine/hypertune/internal/diag"
	"github.com/signalnine/hypertune/internal/ensemble"
	"github.com/signalnine/hypertune/internal/metrics"
	"github.com/signalnine/hypertune/internal/pipeline"
	"github.com/signalnine/hypertune/internal/runner"
	"github.com/signalnine/hypertune/internal/split"
)

// FailureLoss is recorded for trials that did not produce a loss.
const FailureLoss = 65535

// TrainingFailure is a fit or predict error in one fold.
type TrainingFailure struct {
	Fold int
	Err  error
}

func (e *TrainingFailure) Error() string {
	return fmt.Sprintf("fold %d: %v", e.Fold, e.Err)
}

func (e *TrainingFailure) Unwrap() error { return e.Err }

// Result is everything a successful evaluation produces besides the loss.
type Result struct {
	Losses    []float64
	AllScore  map[string]float64
	AllScores []map[string]float64

	Models       []*pipeline.Pipeline
	YTrueIndexes [][]int
	YPreds       [][]float64

	TestLoss     *float64
	TestAllScore map[string]float64
	YTestTrue    []float64
	YTestPred    []float64

	Warnings string
	CostTime time.Duration
}

type Evaluator struct {
	Splitter            split.Splitter
	Metric              *metrics.Scorer
	Task                dataset.Task
	AllScoringFunctions bool
	// FoldWorkers > 1 fits folds concurrently.
	FoldWorkers int
}

type foldOutcome struct {
	model    *pipeline.Pipeline
	loss     float64
	all      map[string]float64
	valid    []int
	pred     []float64
	testPred []float64
}

// Evaluate fits a fresh copy of p on every fold. Xtest may be nil. On any
// fold error it returns FailureLoss, a Result carrying only the captured
// warnings, and a *TrainingFailure.
func (e *Evaluator) Evaluate(ctx context.Context, p *pipeline.Pipeline, X [][]float64, y []float64, Xtest [][]float64, ytest []float64) (float64, *Result, error) {
	start := time.Now()
	capture := diag.NewCapture()
	ctx = diag.WithCapture(ctx, capture)
	res := &Result{}
	defer func() {
		res.Warnings = capture.String()
		res.CostTime = time.Since(start)
	}()

	folds, err := e.Splitter.Split(y)
	if err != nil {
		return FailureLoss, res, &TrainingFailure{Fold: -1, Err: err}
	}

	outcomes := make([]foldOutcome, len(folds))
	fctx, cancel := context.WithCancel(ctx)
	defer cancel()
	jobs := make([]runner.Job, len(folds))
	for i, fold := range folds {
		jobs[i] = func(ctx context.Context) error {
			out, err := e.fitFold(ctx, p, X, y, Xtest, fold)
			if err != nil {
				cancel()
				return err
			}
			outcomes[i] = out
			return nil
		}
	}
	errs := runner.RunPool(fctx, e.FoldWorkers, jobs)
	if i, err := firstFoldError(ctx, errs); err != nil {
		return FailureLoss, res, &TrainingFailure{Fold: i, Err: err}
	}

	var sum float64
	for _, o := range outcomes {
		sum += o.loss
		res.Losses = append(res.Losses, o.loss)
		res.Models = append(res.Models, o.model)
		res.YTrueIndexes = append(res.YTrueIndexes, o.valid)
		res.YPreds = append(res.YPreds, o.pred)
		if e.AllScoringFunctions {
			res.AllScores = append(res.AllScores, o.all)
		}
	}
	loss := sum / float64(len(outcomes))
	if e.AllScoringFunctions {
		res.AllScore = meanScores(res.AllScores)
	}

	if Xtest != nil && len(ytest) > 0 {
		if err := e.scoreTest(outcomes, ytest, res); err != nil {
			return FailureLoss, res, &TrainingFailure{Fold: -1, Err: err}
		}
	}
	return loss, res, nil
}

// firstFoldError prefers a real fold error over the cancellations it caused
// in sibling folds.
func firstFoldError(parent context.Context, errs []error) (int, error) {
	for i, err := range errs {
		if err != nil && parent.Err() == nil && errors.Is(err, context.Canceled) {
			continue
		}
		if err != nil {
			return i, err
		}
	}
	return runner.FirstError(errs)
}

func (e *Evaluator) fitFold(ctx context.Context, p *pipeline.Pipeline, X [][]float64, y []float64, Xtest [][]float64, fold split.Fold) (foldOutcome, error) {
	m, err := p.Fresh()
	if err != nil {
		return foldOutcome{}, err
	}
	Xtr, ytr := rows(X, y, fold.Train)
	Xva, yva := rows(X, y, fold.Valid)
	if err := m.Fit(ctx, Xtr, ytr); err != nil {
		return foldOutcome{}, err
	}
	if err := ctx.Err(); err != nil {
		return foldOutcome{}, err
	}
	pred, err := m.Predict(Xva)
	if err != nil {
		return foldOutcome{}, err
	}
	sc, err := metrics.Calculate(yva, pred, e.Task, e.Metric, e.AllScoringFunctions)
	if err != nil {
		return foldOutcome{}, err
	}
	out := foldOutcome{model: m, loss: e.Metric.Loss(sc.Score), all: sc.All, valid: fold.Valid, pred: pred}
	if Xtest != nil {
		if out.testPred, err = m.Predict(Xtest); err != nil {
			return foldOutcome{}, fmt.Errorf("predicting test set: %w", err)
		}
	}
	return out, nil
}

func (e *Evaluator) scoreTest(outcomes []foldOutcome, ytest []float64, res *Result) error {
	preds := make([][]float64, len(outcomes))
	for i, o := range outcomes {
		preds[i] = o.testPred
	}
	var (
		combined []float64
		err      error
	)
	if e.Task == dataset.Classification {
		combined, err = ensemble.Vote(preds)
	} else {
		combined, err = ensemble.Mean(preds)
	}
	if err != nil {
		return err
	}
	sc, err := metrics.Calculate(ytest, combined, e.Task, e.Metric, e.AllScoringFunctions)
	if err != nil {
		return err
	}
	tl := e.Metric.Loss(sc.Score)
	res.TestLoss = &tl
	res.TestAllScore = sc.All
	res.YTestTrue = ytest
	res.YTestPred = combined
	return nil
}

func rows(X [][]float64, y []float64, idx []int) ([][]float64, []float64) {
	xs := make([][]float64, len(idx))
	ys := make([]float64, len(idx))
	for i, j := range idx {
		xs[i], ys[i] = X[j], y[j]
	}
	return xs, ys
}

func meanScores(folds []map[string]float64) map[string]float64 {
	if len(folds) == 0 {
		return nil
	}
	out := map[string]float64{}
	for _, f := range folds {
		for k, v := range f {
			out[k] += v / float64(len(folds))
		}
	}
	return out
}
