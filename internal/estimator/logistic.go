package estimator

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/signalnine/hypertune/internal/dataset"
	"github.com/signalnine/hypertune/internal/diag"
)

// LogisticRegression is a binary L2-regularised logistic model trained by
// full-batch gradient descent. Multiclass targets go through OneVsRest.
type LogisticRegression struct {
	C            float64
	MaxIter      int
	LearningRate float64
	Tol          float64
	Classes      []float64
	W            []float64
	B            float64
}

func newLogisticRegression(p Params, _ dataset.Task) (Estimator, error) {
	r := p.Reader("logistic_regression")
	m := &LogisticRegression{
		C:            r.Float("C", 1.0),
		MaxIter:      r.Int("max_iter", 200),
		LearningRate: r.Float("learning_rate", 0.1),
		Tol:          r.Float("tol", 1e-4),
	}
	r.Positive("C", m.C)
	r.Positive("max_iter", float64(m.MaxIter))
	r.Positive("learning_rate", m.LearningRate)
	if err := r.Err(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *LogisticRegression) SupportsMultWithOVR() {}

func sigmoid(z float64) float64 { return 1 / (1 + math.Exp(-z)) }

func (m *LogisticRegression) Fit(ctx context.Context, X [][]float64, y []float64) error {
	if err := checkFitInput("logistic_regression", X, y); err != nil {
		return err
	}
	m.Classes = classesOf(y)
	if len(m.Classes) > 2 {
		return fmt.Errorf("logistic_regression: binary model got %d classes", len(m.Classes))
	}
	nf := len(X[0])
	m.W = make([]float64, nf)
	m.B = 0
	if len(m.Classes) == 1 {
		diag.Warn(ctx, "logistic_regression: only one class present, predicting it constantly")
		return nil
	}
	t := make([]float64, len(y))
	for i, v := range y {
		if v == m.Classes[1] {
			t[i] = 1
		}
	}
	n := float64(len(X))
	gw := make([]float64, nf)
	converged := false
	for it := 0; it < m.MaxIter; it++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		floats.ScaleTo(gw, 1/(m.C*n), m.W)
		var gb float64
		for i, row := range X {
			d := sigmoid(floats.Dot(m.W, row)+m.B) - t[i]
			floats.AddScaled(gw, d/n, row)
			gb += d / n
		}
		floats.AddScaled(m.W, -m.LearningRate, gw)
		m.B -= m.LearningRate * gb
		if math.Max(floats.Norm(gw, math.Inf(1)), math.Abs(gb)) < m.Tol {
			converged = true
			break
		}
	}
	if !converged {
		diag.Warn(ctx, "logistic_regression: did not converge in %d iterations", m.MaxIter)
	}
	return nil
}

func (m *LogisticRegression) DecisionFunction(X [][]float64) ([]float64, error) {
	if m.Classes == nil {
		return nil, errNotFitted("logistic_regression")
	}
	out := make([]float64, len(X))
	for i, row := range X {
		if len(row) != len(m.W) {
			return nil, fmt.Errorf("logistic_regression: row has %d features, fitted on %d", len(row), len(m.W))
		}
		out[i] = sigmoid(floats.Dot(m.W, row) + m.B)
	}
	return out, nil
}

func (m *LogisticRegression) Predict(X [][]float64) ([]float64, error) {
	p, err := m.DecisionFunction(X)
	if err != nil {
		return nil, err
	}
	for i := range p {
		if len(m.Classes) == 1 || p[i] < 0.5 {
			p[i] = m.Classes[0]
		} else {
			p[i] = m.Classes[1]
		}
	}
	return p, nil
}

func init() {
	Register(Spec{Name: "logistic_regression", Tasks: []dataset.Task{dataset.Classification}, New: newLogisticRegression})
}
