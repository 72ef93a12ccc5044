package estimator

import (
	"context"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"

	"github.com/signalnine/hypertune/internal/dataset"
	"github.com/signalnine/hypertune/internal/diag"
)

// Stump is a one-split decision tree.
type Stump struct {
	Feature   int
	Threshold float64
	Left      float64
	Right     float64
}

func (s Stump) predict(row []float64) float64 {
	if row[s.Feature] <= s.Threshold {
		return s.Left
	}
	return s.Right
}

// AdaBoost is multiclass SAMME boosting over decision stumps.
type AdaBoost struct {
	NEstimators  int
	LearningRate float64
	Classes      []float64
	Stumps       []Stump
	Alphas       []float64
}

func newAdaBoost(p Params, _ dataset.Task) (Estimator, error) {
	r := p.Reader("adaboost")
	m := &AdaBoost{
		NEstimators:  r.Int("n_estimators", 50),
		LearningRate: r.Float("learning_rate", 1.0),
	}
	r.Positive("n_estimators", float64(m.NEstimators))
	r.Positive("learning_rate", m.LearningRate)
	if err := r.Err(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *AdaBoost) Fit(ctx context.Context, X [][]float64, y []float64) error {
	if err := checkFitInput("adaboost", X, y); err != nil {
		return err
	}
	m.Classes = classesOf(y)
	m.Stumps, m.Alphas = nil, nil
	k := float64(len(m.Classes))
	n := len(X)
	w := make([]float64, n)
	for i := range w {
		w[i] = 1 / float64(n)
	}
	if k == 1 {
		m.Stumps = []Stump{{Left: m.Classes[0], Right: m.Classes[0]}}
		m.Alphas = []float64{1}
		return nil
	}
	for it := 0; it < m.NEstimators; it++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		s, errRate := bestStump(X, y, w, m.Classes)
		if errRate >= 1-1/k {
			if len(m.Stumps) == 0 {
				m.Stumps = []Stump{s}
				m.Alphas = []float64{1}
			}
			diag.Warn(ctx, "adaboost: stopped at iteration %d, weak learner no better than chance", it)
			break
		}
		if errRate <= 0 {
			m.Stumps = append(m.Stumps, s)
			m.Alphas = append(m.Alphas, 1)
			break
		}
		alpha := m.LearningRate * (math.Log((1-errRate)/errRate) + math.Log(k-1))
		m.Stumps = append(m.Stumps, s)
		m.Alphas = append(m.Alphas, alpha)
		for i, row := range X {
			if s.predict(row) != y[i] {
				w[i] *= math.Exp(alpha)
			}
		}
		floats.Scale(1/floats.Sum(w), w)
	}
	return nil
}

func bestStump(X [][]float64, y, w, classes []float64) (Stump, float64) {
	nf := len(X[0])
	best, bestErr := Stump{Left: classes[0], Right: classes[0]}, math.Inf(1)
	order := make([]int, len(X))
	for f := 0; f < nf; f++ {
		for i := range order {
			order[i] = i
		}
		sort.Slice(order, func(a, b int) bool { return X[order[a]][f] < X[order[b]][f] })

		left := map[float64]float64{}
		right := map[float64]float64{}
		for i := range X {
			right[y[i]] += w[i]
		}
		for pos := 0; pos < len(order)-1; pos++ {
			i := order[pos]
			left[y[i]] += w[i]
			right[y[i]] -= w[i]
			v, next := X[i][f], X[order[pos+1]][f]
			if v == next {
				continue
			}
			lc, lw := argmaxWeight(left, classes)
			rc, rw := argmaxWeight(right, classes)
			e := 1 - lw - rw
			if e < bestErr {
				bestErr = e
				best = Stump{Feature: f, Threshold: (v + next) / 2, Left: lc, Right: rc}
			}
		}
	}
	if math.IsInf(bestErr, 1) {
		// Every feature is constant: predict the weighted majority.
		all := map[float64]float64{}
		for i := range X {
			all[y[i]] += w[i]
		}
		c, cw := argmaxWeight(all, classes)
		return Stump{Left: c, Right: c}, 1 - cw
	}
	return best, bestErr
}

func argmaxWeight(m map[float64]float64, classes []float64) (float64, float64) {
	best, bw := classes[0], math.Inf(-1)
	for _, c := range classes {
		if m[c] > bw {
			best, bw = c, m[c]
		}
	}
	return best, bw
}

func (m *AdaBoost) Predict(X [][]float64) ([]float64, error) {
	if m.Stumps == nil {
		return nil, errNotFitted("adaboost")
	}
	out := make([]float64, len(X))
	for i, row := range X {
		score := map[float64]float64{}
		for j, s := range m.Stumps {
			score[s.predict(row)] += m.Alphas[j]
		}
		out[i], _ = argmaxWeight(score, m.Classes)
	}
	return out, nil
}

func init() {
	Register(Spec{Name: "adaboost", Tasks: []dataset.Task{dataset.Classification}, New: newAdaBoost})
}
