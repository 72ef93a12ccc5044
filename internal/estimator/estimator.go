// Package estimator is the explicit registry of trainable model families and
// preprocessing steps. A configuration names components by tag; the registry
// maps tags to constructors, so nothing is resolved by reflection.
package estimator

import (
	"context"
	"fmt"
	"sort"

	"github.com/signalnine/hypertune/internal/dataset"
)

type Estimator interface {
	Fit(ctx context.Context, X [][]float64, y []float64) error
	Predict(X [][]float64) ([]float64, error)
}

// SupportsMultWithOVR is implemented by binary-only classifiers. The pipeline
// builder wraps them in OneVsRest when the target has more than two classes.
// DecisionFunction returns a confidence for the positive class (label 1).
type SupportsMultWithOVR interface {
	Estimator
	SupportsMultWithOVR()
	DecisionFunction(X [][]float64) ([]float64, error)
}

type Transformer interface {
	Fit(ctx context.Context, X [][]float64) error
	Transform(X [][]float64) ([][]float64, error)
}

type Spec struct {
	Name  string
	Tasks []dataset.Task
	New   func(p Params, task dataset.Task) (Estimator, error)
}

func (s Spec) Supports(task dataset.Task) bool {
	for _, t := range s.Tasks {
		if t == task {
			return true
		}
	}
	return false
}

type TransformerSpec struct {
	Name string
	New  func(p Params) (Transformer, error)
}

var (
	estimators   = map[string]Spec{}
	transformers = map[string]TransformerSpec{}
)

func Register(s Spec) {
	if _, dup := estimators[s.Name]; dup {
		panic("estimator: duplicate registration of " + s.Name)
	}
	estimators[s.Name] = s
}

func RegisterTransformer(s TransformerSpec) {
	if _, dup := transformers[s.Name]; dup {
		panic("estimator: duplicate registration of transformer " + s.Name)
	}
	transformers[s.Name] = s
}

func Lookup(name string) (Spec, bool) {
	s, ok := estimators[name]
	return s, ok
}

func LookupTransformer(name string) (TransformerSpec, bool) {
	s, ok := transformers[name]
	return s, ok
}

func Names() []string {
	var out []string
	for n := range estimators {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func TransformerNames() []string {
	var out []string
	for n := range transformers {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// ParamError reports a hyperparameter that is unknown or has a bad value.
type ParamError struct {
	Component string
	Param     string
	Reason    string
}

func (e *ParamError) Error() string {
	return fmt.Sprintf("%s: parameter %q: %s", e.Component, e.Param, e.Reason)
}

func errNotFitted(name string) error {
	return fmt.Errorf("%s: predict called before fit", name)
}

func checkFitInput(name string, X [][]float64, y []float64) error {
	if len(X) == 0 {
		return fmt.Errorf("%s: empty training set", name)
	}
	if len(X) != len(y) {
		return fmt.Errorf("%s: %d rows but %d targets", name, len(X), len(y))
	}
	return nil
}

// classesOf returns the sorted distinct values of y.
func classesOf(y []float64) []float64 {
	seen := map[float64]bool{}
	var out []float64
	for _, v := range y {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Float64s(out)
	return out
}

// columns copies X into one slice per feature.
func columns(X [][]float64) [][]float64 {
	cols := make([][]float64, len(X[0]))
	for f := range cols {
		cols[f] = make([]float64, len(X))
		for i, row := range X {
			cols[f][i] = row[f]
		}
	}
	return cols
}
