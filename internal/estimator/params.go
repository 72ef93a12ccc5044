package estimator

import (
	"fmt"
	"math"
)

// Params are a component's hyperparameters as decoded from YAML or JSON.
type Params map[string]any

// Reader validates a component's params as they are read and remembers the
// first error, so constructors can read every field and check once.
type Reader struct {
	component string
	p         Params
	used      map[string]bool
	err       error
}

func (p Params) Reader(component string) *Reader {
	return &Reader{component: component, p: p, used: map[string]bool{}}
}

func (r *Reader) fail(param, format string, args ...any) {
	if r.err == nil {
		r.err = &ParamError{Component: r.component, Param: param, Reason: fmt.Sprintf(format, args...)}
	}
}

func (r *Reader) Float(name string, def float64) float64 {
	r.used[name] = true
	v, ok := r.p[name]
	if !ok || v == nil {
		return def
	}
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int8:
		return float64(n)
	case int16:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint8:
		return float64(n)
	case uint16:
		return float64(n)
	case uint32:
		return float64(n)
	case uint64:
		return float64(n)
	}
	r.fail(name, "want a number, got %T", v)
	return def
}

func (r *Reader) Int(name string, def int) int {
	f := r.Float(name, float64(def))
	if f != math.Trunc(f) {
		r.fail(name, "want an integer, got %v", f)
		return def
	}
	return int(f)
}

func (r *Reader) String(name, def string, allowed ...string) string {
	r.used[name] = true
	v, ok := r.p[name]
	if !ok || v == nil {
		return def
	}
	s, ok := v.(string)
	if !ok {
		r.fail(name, "want a string, got %T", v)
		return def
	}
	if len(allowed) == 0 {
		return s
	}
	for _, a := range allowed {
		if s == a {
			return s
		}
	}
	r.fail(name, "%q not one of %v", s, allowed)
	return def
}

func (r *Reader) Bool(name string, def bool) bool {
	r.used[name] = true
	v, ok := r.p[name]
	if !ok || v == nil {
		return def
	}
	b, ok := v.(bool)
	if !ok {
		r.fail(name, "want a bool, got %T", v)
		return def
	}
	return b
}

// Positive flags a value that must be > 0.
func (r *Reader) Positive(name string, v float64) {
	if v <= 0 {
		r.fail(name, "must be positive, got %v", v)
	}
}

// Err reports the first read error, or an unknown-parameter error.
func (r *Reader) Err() error {
	if r.err != nil {
		return r.err
	}
	for k := range r.p {
		if !r.used[k] {
			return &ParamError{Component: r.component, Param: k, Reason: "unknown parameter"}
		}
	}
	return nil
}
