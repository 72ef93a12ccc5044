// Package pipeline turns a search configuration into a trainable
// preprocessing+estimator pipeline and encodes fitted pipelines into model
// bundles.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/signalnine/hypertune/internal/dataset"
	"github.com/signalnine/hypertune/internal/estimator"
	"github.com/signalnine/hypertune/internal/space"
)

// ConfigurationError means a configuration cannot be turned into a pipeline:
// unknown component, bad parameter, or an estimator that does not support the
// task.
type ConfigurationError struct {
	Component string
	Err       error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration for %s: %v", e.Component, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// Pipeline is one preprocessing step followed by one estimator.
type Pipeline struct {
	Task          dataset.Task
	NumClasses    int
	Preprocessing string
	PreParams     estimator.Params
	Estimator     string
	Params        estimator.Params

	pre estimator.Transformer
	est estimator.Estimator
}

// Factory builds pipelines for one dataset.
type Factory struct {
	Task       dataset.Task
	NumClasses int
}

func (f Factory) Build(cfg space.Configuration) (*Pipeline, error) {
	p := &Pipeline{
		Task:          f.Task,
		NumClasses:    f.NumClasses,
		Preprocessing: cfg.Preprocessing(),
		PreParams:     cfg.Params(cfg.Preprocessing()),
		Estimator:     cfg.Estimator(),
		Params:        cfg.Params(cfg.Estimator()),
	}
	if p.Estimator == "" {
		return nil, &ConfigurationError{Component: "estimator", Err: errors.New("no estimator chosen")}
	}
	if err := p.init(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Pipeline) init() error {
	ts, ok := estimator.LookupTransformer(p.Preprocessing)
	if !ok {
		return &ConfigurationError{Component: p.Preprocessing, Err: errors.New("unknown preprocessor")}
	}
	pre, err := ts.New(p.PreParams)
	if err != nil {
		return &ConfigurationError{Component: p.Preprocessing, Err: err}
	}

	es, ok := estimator.Lookup(p.Estimator)
	if !ok {
		return &ConfigurationError{Component: p.Estimator, Err: errors.New("unknown estimator")}
	}
	if !es.Supports(p.Task) {
		return &ConfigurationError{Component: p.Estimator, Err: fmt.Errorf("does not support %s", p.Task)}
	}
	est, err := es.New(p.Params, p.Task)
	if err != nil {
		return &ConfigurationError{Component: p.Estimator, Err: err}
	}
	if _, binary := est.(estimator.SupportsMultWithOVR); binary && p.NumClasses > 2 {
		ovr, err := estimator.NewOneVsRest(p.Estimator, p.Params)
		if err != nil {
			return &ConfigurationError{Component: p.Estimator, Err: err}
		}
		est = ovr
	}
	p.pre, p.est = pre, est
	return nil
}

// Fresh returns an unfitted pipeline with the same configuration.
func (p *Pipeline) Fresh() (*Pipeline, error) {
	c := &Pipeline{
		Task:          p.Task,
		NumClasses:    p.NumClasses,
		Preprocessing: p.Preprocessing,
		PreParams:     p.PreParams,
		Estimator:     p.Estimator,
		Params:        p.Params,
	}
	if err := c.init(); err != nil {
		return nil, err
	}
	return c, nil
}

func (p *Pipeline) Fit(ctx context.Context, X [][]float64, y []float64) error {
	if err := p.pre.Fit(ctx, X); err != nil {
		return fmt.Errorf("%s: %w", p.Preprocessing, err)
	}
	Xt, err := p.pre.Transform(X)
	if err != nil {
		return fmt.Errorf("%s: %w", p.Preprocessing, err)
	}
	return p.est.Fit(ctx, Xt, y)
}

func (p *Pipeline) Predict(X [][]float64) ([]float64, error) {
	Xt, err := p.pre.Transform(X)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.Preprocessing, err)
	}
	return p.est.Predict(Xt)
}

// OneVsRest reports whether the estimator was wrapped for a multiclass target.
func (p *Pipeline) OneVsRest() bool {
	_, ok := p.est.(*estimator.OneVsRest)
	return ok
}

func (p *Pipeline) String() string {
	return p.Preprocessing + "+" + p.Estimator
}
