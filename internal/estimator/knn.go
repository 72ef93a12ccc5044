package estimator

import (
	"context"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"

	"github.com/signalnine/hypertune/internal/dataset"
	"github.com/signalnine/hypertune/internal/diag"
)

// KNN is a brute-force k-nearest-neighbours model for both tasks.
type KNN struct {
	NNeighbors int
	Weights    string
	P          float64
	Task       dataset.Task
	X          [][]float64
	Y          []float64
}

func newKNN(p Params, task dataset.Task) (Estimator, error) {
	r := p.Reader("knn")
	m := &KNN{
		NNeighbors: r.Int("n_neighbors", 5),
		Weights:    r.String("weights", "uniform", "uniform", "distance"),
		P:          r.Float("p", 2),
		Task:       task,
	}
	r.Positive("n_neighbors", float64(m.NNeighbors))
	r.Positive("p", m.P)
	if err := r.Err(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *KNN) Fit(ctx context.Context, X [][]float64, y []float64) error {
	if err := checkFitInput("knn", X, y); err != nil {
		return err
	}
	if m.NNeighbors > len(X) {
		diag.Warn(ctx, "knn: n_neighbors=%d exceeds %d training rows, using %d", m.NNeighbors, len(X), len(X))
	}
	m.X, m.Y = X, y
	return nil
}

func (m *KNN) distance(a, b []float64) float64 {
	return floats.Distance(a, b, m.P)
}

type neighbour struct {
	dist float64
	y    float64
}

func (m *KNN) Predict(X [][]float64) ([]float64, error) {
	if m.X == nil {
		return nil, errNotFitted("knn")
	}
	k := m.NNeighbors
	if k > len(m.X) {
		k = len(m.X)
	}
	out := make([]float64, len(X))
	nb := make([]neighbour, len(m.X))
	for i, row := range X {
		for j, tr := range m.X {
			nb[j] = neighbour{dist: m.distance(row, tr), y: m.Y[j]}
		}
		sort.SliceStable(nb, func(a, b int) bool { return nb[a].dist < nb[b].dist })
		out[i] = m.aggregate(nb[:k])
	}
	return out, nil
}

func (m *KNN) weight(d float64) float64 {
	if m.Weights != "distance" {
		return 1
	}
	if d == 0 {
		return math.MaxFloat64 / 1e6
	}
	return 1 / d
}

func (m *KNN) aggregate(nb []neighbour) float64 {
	if m.Task == dataset.Regression {
		var sum, wsum float64
		for _, n := range nb {
			w := m.weight(n.dist)
			sum += w * n.y
			wsum += w
		}
		return sum / wsum
	}
	votes := map[float64]float64{}
	for _, n := range nb {
		votes[n.y] += m.weight(n.dist)
	}
	var classes []float64
	for c := range votes {
		classes = append(classes, c)
	}
	sort.Float64s(classes)
	best := classes[0]
	for _, c := range classes[1:] {
		if votes[c] > votes[best] {
			best = c
		}
	}
	return best
}

func init() {
	Register(Spec{
		Name:  "knn",
		Tasks: []dataset.Task{dataset.Classification, dataset.Regression},
		New:   newKNN,
	})
}
