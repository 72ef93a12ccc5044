package estimator

import (
	"context"
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/signalnine/hypertune/internal/dataset"
	"github.com/signalnine/hypertune/internal/diag"
)

// Ridge solves the regularised normal equations on centred data.
type Ridge struct {
	Alpha     float64
	Coef      []float64
	Intercept float64
	Fitted    bool
}

func newRidge(p Params, _ dataset.Task) (Estimator, error) {
	r := p.Reader("ridge")
	m := &Ridge{Alpha: r.Float("alpha", 1.0)}
	if m.Alpha < 0 {
		return nil, &ParamError{Component: "ridge", Param: "alpha", Reason: "must be non-negative"}
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Ridge) Fit(ctx context.Context, X [][]float64, y []float64) error {
	if err := checkFitInput("ridge", X, y); err != nil {
		return err
	}
	nf := len(X[0])
	cols := columns(X)
	xm := make([]float64, nf)
	for f, col := range cols {
		xm[f] = stat.Mean(col, nil)
	}
	ym := stat.Mean(y, nil)
	yc := append([]float64(nil), y...)
	floats.AddConst(-ym, yc)
	for f, col := range cols {
		floats.AddConst(-xm[f], col)
	}

	A := mat.NewSymDense(nf, nil)
	b := mat.NewVecDense(nf, nil)
	for f := 0; f < nf; f++ {
		b.SetVec(f, floats.Dot(cols[f], yc))
		for g := f; g < nf; g++ {
			v := floats.Dot(cols[f], cols[g])
			if f == g {
				v += m.Alpha
			}
			A.SetSym(f, g, v)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(A); !ok {
		return fmt.Errorf("ridge: normal equations are not positive definite (try alpha > 0)")
	}
	var coef mat.VecDense
	if err := chol.SolveVecTo(&coef, b); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return fmt.Errorf("ridge: %w", err)
		}
		diag.Warn(ctx, "ridge: ill-conditioned normal equations (condition number %.3g)", float64(cond))
	}
	m.Coef = mat.Col(nil, 0, &coef)
	m.Intercept = ym - floats.Dot(m.Coef, xm)
	m.Fitted = true
	return nil
}

func (m *Ridge) Predict(X [][]float64) ([]float64, error) {
	if !m.Fitted {
		return nil, errNotFitted("ridge")
	}
	out := make([]float64, len(X))
	for i, row := range X {
		if len(row) != len(m.Coef) {
			return nil, fmt.Errorf("ridge: row has %d features, fitted on %d", len(row), len(m.Coef))
		}
		out[i] = floats.Dot(m.Coef, row) + m.Intercept
	}
	return out, nil
}

func init() {
	Register(Spec{Name: "ridge", Tasks: []dataset.Task{dataset.Regression}, New: newRidge})
}
