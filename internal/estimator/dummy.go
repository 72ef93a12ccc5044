package estimator

import (
	"context"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/signalnine/hypertune/internal/dataset"
)

// Dummy predicts a constant: the most frequent class, or the training mean
// or median for regression.
type Dummy struct {
	Strategy string
	Task     dataset.Task
	Value    float64
	Fitted   bool
}

func newDummy(p Params, task dataset.Task) (Estimator, error) {
	r := p.Reader("dummy")
	d := &Dummy{Task: task}
	if task == dataset.Classification {
		d.Strategy = r.String("strategy", "most_frequent", "most_frequent")
	} else {
		d.Strategy = r.String("strategy", "mean", "mean", "median")
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Dummy) Fit(ctx context.Context, X [][]float64, y []float64) error {
	if err := checkFitInput("dummy", X, y); err != nil {
		return err
	}
	switch d.Strategy {
	case "most_frequent":
		counts := map[float64]int{}
		for _, v := range y {
			counts[v]++
		}
		best, bestN := 0.0, -1
		for _, c := range classesOf(y) {
			if counts[c] > bestN {
				best, bestN = c, counts[c]
			}
		}
		d.Value = best
	case "median":
		s := append([]float64(nil), y...)
		sort.Float64s(s)
		m := len(s) / 2
		if len(s)%2 == 0 {
			d.Value = (s[m-1] + s[m]) / 2
		} else {
			d.Value = s[m]
		}
	default:
		d.Value = stat.Mean(y, nil)
	}
	d.Fitted = true
	return nil
}

func (d *Dummy) Predict(X [][]float64) ([]float64, error) {
	if !d.Fitted {
		return nil, errNotFitted("dummy")
	}
	out := make([]float64, len(X))
	for i := range out {
		out[i] = d.Value
	}
	return out, nil
}

func init() {
	Register(Spec{
		Name:  "dummy",
		Tasks: []dataset.Task{dataset.Classification, dataset.Regression},
		New:   newDummy,
	})
}
