// Package ensemble combines the per-fold models of a trial.
package ensemble

import (
	"fmt"
	"sort"

	"golang.org/x/exp/constraints"
)

type Predictor interface {
	Predict(X [][]float64) ([]float64, error)
}

type Number interface {
	constraints.Integer | constraints.Float
}

func checkShape[T any](preds [][]T) (int, error) {
	if len(preds) == 0 {
		return 0, fmt.Errorf("no predictions to combine")
	}
	n := len(preds[0])
	for i, p := range preds[1:] {
		if len(p) != n {
			return 0, fmt.Errorf("model %d predicted %d rows, model 0 predicted %d", i+1, len(p), n)
		}
	}
	return n, nil
}

// Vote is the per-row majority over models. Ties go to the smallest label.
func Vote[T constraints.Ordered](preds [][]T) ([]T, error) {
	n, err := checkShape(preds)
	if err != nil {
		return nil, err
	}
	out := make([]T, n)
	for i := 0; i < n; i++ {
		counts := map[T]int{}
		var labels []T
		for _, p := range preds {
			if counts[p[i]] == 0 {
				labels = append(labels, p[i])
			}
			counts[p[i]]++
		}
		sort.Slice(labels, func(a, b int) bool { return labels[a] < labels[b] })
		best := labels[0]
		for _, l := range labels[1:] {
			if counts[l] > counts[best] {
				best = l
			}
		}
		out[i] = best
	}
	return out, nil
}

// Mean is the per-row arithmetic mean over models.
func Mean[T Number](preds [][]T) ([]float64, error) {
	n, err := checkShape(preds)
	if err != nil {
		return nil, err
	}
	out := make([]float64, n)
	for _, p := range preds {
		for i, v := range p {
			out[i] += float64(v)
		}
	}
	for i := range out {
		out[i] /= float64(len(preds))
	}
	return out, nil
}

func predictAll(models []Predictor, X [][]float64) ([][]float64, error) {
	if len(models) == 0 {
		return nil, fmt.Errorf("ensemble has no models")
	}
	preds := make([][]float64, len(models))
	for i, m := range models {
		p, err := m.Predict(X)
		if err != nil {
			return nil, fmt.Errorf("model %d: %w", i, err)
		}
		preds[i] = p
	}
	return preds, nil
}

// VoteClassifier predicts the majority label of its fold models.
type VoteClassifier struct {
	Models []Predictor
}

func (v *VoteClassifier) Predict(X [][]float64) ([]float64, error) {
	preds, err := predictAll(v.Models, X)
	if err != nil {
		return nil, err
	}
	return Vote(preds)
}

// MeanRegressor predicts the mean of its fold models.
type MeanRegressor struct {
	Models []Predictor
}

func (m *MeanRegressor) Predict(X [][]float64) ([]float64, error) {
	preds, err := predictAll(m.Models, X)
	if err != nil {
		return nil, err
	}
	return Mean(preds)
}
