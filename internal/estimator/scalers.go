package estimator

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// NoPreprocessing passes rows through unchanged.
type NoPreprocessing struct{}

func (NoPreprocessing) Fit(context.Context, [][]float64) error { return nil }

func (NoPreprocessing) Transform(X [][]float64) ([][]float64, error) { return X, nil }

type StandardScaler struct {
	WithMean bool
	Mean     []float64
	Scale    []float64
}

func (s *StandardScaler) Fit(_ context.Context, X [][]float64) error {
	if len(X) == 0 {
		return fmt.Errorf("standard_scaler: empty input")
	}
	cols := columns(X)
	s.Mean = make([]float64, len(cols))
	s.Scale = make([]float64, len(cols))
	for f, col := range cols {
		s.Mean[f], s.Scale[f] = stat.PopMeanStdDev(col, nil)
		if s.Scale[f] == 0 {
			s.Scale[f] = 1
		}
	}
	return nil
}

func (s *StandardScaler) Transform(X [][]float64) ([][]float64, error) {
	if s.Scale == nil {
		return nil, errNotFitted("standard_scaler")
	}
	out := make([][]float64, len(X))
	for i, row := range X {
		if len(row) != len(s.Scale) {
			return nil, fmt.Errorf("standard_scaler: row has %d features, fitted on %d", len(row), len(s.Scale))
		}
		o := make([]float64, len(row))
		for f, v := range row {
			if s.WithMean {
				v -= s.Mean[f]
			}
			o[f] = v / s.Scale[f]
		}
		out[i] = o
	}
	return out, nil
}

type MinMaxScaler struct {
	Min   []float64
	Range []float64
}

func (s *MinMaxScaler) Fit(_ context.Context, X [][]float64) error {
	if len(X) == 0 {
		return fmt.Errorf("min_max_scaler: empty input")
	}
	cols := columns(X)
	s.Min = make([]float64, len(cols))
	s.Range = make([]float64, len(cols))
	for f, col := range cols {
		s.Min[f] = floats.Min(col)
		s.Range[f] = floats.Max(col) - s.Min[f]
		if s.Range[f] == 0 {
			s.Range[f] = 1
		}
	}
	return nil
}

func (s *MinMaxScaler) Transform(X [][]float64) ([][]float64, error) {
	if s.Range == nil {
		return nil, errNotFitted("min_max_scaler")
	}
	out := make([][]float64, len(X))
	for i, row := range X {
		if len(row) != len(s.Range) {
			return nil, fmt.Errorf("min_max_scaler: row has %d features, fitted on %d", len(row), len(s.Range))
		}
		o := make([]float64, len(row))
		for f, v := range row {
			o[f] = (v - s.Min[f]) / s.Range[f]
		}
		out[i] = o
	}
	return out, nil
}

func init() {
	RegisterTransformer(TransformerSpec{Name: "none", New: func(p Params) (Transformer, error) {
		if err := p.Reader("none").Err(); err != nil {
			return nil, err
		}
		return &NoPreprocessing{}, nil
	}})
	RegisterTransformer(TransformerSpec{Name: "standard_scaler", New: func(p Params) (Transformer, error) {
		r := p.Reader("standard_scaler")
		s := &StandardScaler{WithMean: r.Bool("with_mean", true)}
		if err := r.Err(); err != nil {
			return nil, err
		}
		return s, nil
	}})
	RegisterTransformer(TransformerSpec{Name: "min_max_scaler", New: func(p Params) (Transformer, error) {
		if err := p.Reader("min_max_scaler").Err(); err != nil {
			return nil, err
		}
		return &MinMaxScaler{}, nil
	}})
}
