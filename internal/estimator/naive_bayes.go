package estimator

import (
	"context"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/signalnine/hypertune/internal/dataset"
	"github.com/signalnine/hypertune/internal/diag"
)

type GaussianNB struct {
	VarSmoothing float64
	Classes      []float64
	LogPriors    []float64
	Means        [][]float64
	Vars         [][]float64
}

func newGaussianNB(p Params, _ dataset.Task) (Estimator, error) {
	r := p.Reader("gaussian_nb")
	m := &GaussianNB{VarSmoothing: r.Float("var_smoothing", 1e-9)}
	r.Positive("var_smoothing", m.VarSmoothing)
	if err := r.Err(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *GaussianNB) Fit(ctx context.Context, X [][]float64, y []float64) error {
	if err := checkFitInput("gaussian_nb", X, y); err != nil {
		return err
	}
	nf := len(X[0])
	m.Classes = classesOf(y)
	k := len(m.Classes)
	m.LogPriors = make([]float64, k)
	m.Means = make([][]float64, k)
	m.Vars = make([][]float64, k)

	// Smoothing is relative to the largest feature variance.
	var maxVar float64
	for _, col := range columns(X) {
		maxVar = math.Max(maxVar, stat.PopVariance(col, nil))
	}
	eps := m.VarSmoothing * maxVar
	if eps == 0 {
		eps = m.VarSmoothing
	}

	for ci, c := range m.Classes {
		var rows [][]float64
		for i, row := range X {
			if y[i] == c {
				rows = append(rows, row)
			}
		}
		mean := make([]float64, nf)
		vr := make([]float64, nf)
		for f, col := range columns(rows) {
			mean[f], vr[f] = stat.PopMeanVariance(col, nil)
			vr[f] += eps
		}
		m.Means[ci], m.Vars[ci] = mean, vr
		m.LogPriors[ci] = math.Log(float64(len(rows)) / float64(len(X)))
	}
	if k == 1 {
		diag.Warn(ctx, "gaussian_nb: only one class present in training data")
	}
	return nil
}

func (m *GaussianNB) Predict(X [][]float64) ([]float64, error) {
	if m.Classes == nil {
		return nil, errNotFitted("gaussian_nb")
	}
	out := make([]float64, len(X))
	for i, row := range X {
		best, bestLL := 0, math.Inf(-1)
		for ci := range m.Classes {
			ll := m.LogPriors[ci]
			for f, v := range row {
				d := v - m.Means[ci][f]
				ll -= 0.5*math.Log(2*math.Pi*m.Vars[ci][f]) + d*d/(2*m.Vars[ci][f])
			}
			if ll > bestLL {
				best, bestLL = ci, ll
			}
		}
		out[i] = m.Classes[best]
	}
	return out, nil
}

type BernoulliNB struct {
	Alpha    float64
	Binarize float64
	Classes  []float64
	LogPrior []float64
	LogProb  [][]float64
	LogNeg   [][]float64
}

func newBernoulliNB(p Params, _ dataset.Task) (Estimator, error) {
	r := p.Reader("bernoulli_nb")
	m := &BernoulliNB{
		Alpha:    r.Float("alpha", 1.0),
		Binarize: r.Float("binarize", 0.0),
	}
	r.Positive("alpha", m.Alpha)
	if err := r.Err(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *BernoulliNB) Fit(ctx context.Context, X [][]float64, y []float64) error {
	if err := checkFitInput("bernoulli_nb", X, y); err != nil {
		return err
	}
	nf := len(X[0])
	m.Classes = classesOf(y)
	k := len(m.Classes)
	m.LogPrior = make([]float64, k)
	m.LogProb = make([][]float64, k)
	m.LogNeg = make([][]float64, k)
	for ci, c := range m.Classes {
		ones := make([]float64, nf)
		var n float64
		for i, row := range X {
			if y[i] != c {
				continue
			}
			n++
			for f, v := range row {
				if v > m.Binarize {
					ones[f]++
				}
			}
		}
		m.LogProb[ci] = make([]float64, nf)
		m.LogNeg[ci] = make([]float64, nf)
		for f := range ones {
			p := (ones[f] + m.Alpha) / (n + 2*m.Alpha)
			m.LogProb[ci][f] = math.Log(p)
			m.LogNeg[ci][f] = math.Log(1 - p)
		}
		m.LogPrior[ci] = math.Log(n / float64(len(X)))
	}
	return nil
}

func (m *BernoulliNB) Predict(X [][]float64) ([]float64, error) {
	if m.Classes == nil {
		return nil, errNotFitted("bernoulli_nb")
	}
	out := make([]float64, len(X))
	for i, row := range X {
		best, bestLL := 0, math.Inf(-1)
		for ci := range m.Classes {
			ll := m.LogPrior[ci]
			for f, v := range row {
				if v > m.Binarize {
					ll += m.LogProb[ci][f]
				} else {
					ll += m.LogNeg[ci][f]
				}
			}
			if ll > bestLL {
				best, bestLL = ci, ll
			}
		}
		out[i] = m.Classes[best]
	}
	return out, nil
}

func init() {
	Register(Spec{Name: "gaussian_nb", Tasks: []dataset.Task{dataset.Classification}, New: newGaussianNB})
	Register(Spec{Name: "bernoulli_nb", Tasks: []dataset.Task{dataset.Classification}, New: newBernoulliNB})
}
