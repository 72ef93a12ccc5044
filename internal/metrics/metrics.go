// Package metrics holds the pluggable scoring functions. Every scorer reports
// a signed score where higher is better, so loss = Optimum - score is smaller
// for better models regardless of the underlying metric's direction.
package metrics

import (
	"fmt"
	"math"
	"sort"

	"github.com/signalnine/hypertune/internal/dataset"
)

type Scorer struct {
	Name    string
	Task    dataset.Task
	Optimum float64
	// Sign is +1 for greater-is-better metrics and -1 otherwise.
	Sign float64
	fn   func(yTrue, yPred []float64) float64
}

// Score returns the signed score.
func (s *Scorer) Score(yTrue, yPred []float64) float64 {
	return s.Sign * s.fn(yTrue, yPred)
}

// Loss converts a signed score into a loss.
func (s *Scorer) Loss(score float64) float64 {
	return s.Optimum - score
}

var registry = map[string]*Scorer{}

func register(s *Scorer) { registry[s.Name] = s }

func init() {
	register(&Scorer{Name: "accuracy", Task: dataset.Classification, Optimum: 1, Sign: 1, fn: accuracy})
	register(&Scorer{Name: "balanced_accuracy", Task: dataset.Classification, Optimum: 1, Sign: 1, fn: balancedAccuracy})
	register(&Scorer{Name: "f1_macro", Task: dataset.Classification, Optimum: 1, Sign: 1, fn: f1Macro})
	register(&Scorer{Name: "precision_macro", Task: dataset.Classification, Optimum: 1, Sign: 1, fn: precisionMacro})
	register(&Scorer{Name: "recall_macro", Task: dataset.Classification, Optimum: 1, Sign: 1, fn: balancedAccuracy})
	register(&Scorer{Name: "mean_squared_error", Task: dataset.Regression, Optimum: 0, Sign: -1, fn: mse})
	register(&Scorer{Name: "mean_absolute_error", Task: dataset.Regression, Optimum: 0, Sign: -1, fn: mae})
	register(&Scorer{Name: "r2", Task: dataset.Regression, Optimum: 1, Sign: 1, fn: r2})
}

func Get(name string) (*Scorer, error) {
	s, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown metric %q", name)
	}
	return s, nil
}

// Default returns the scorer used when none is configured.
func Default(task dataset.Task) *Scorer {
	if task == dataset.Regression {
		return registry["r2"]
	}
	return registry["accuracy"]
}

// ForTask lists the scorers applicable to task, ordered by name.
func ForTask(task dataset.Task) []*Scorer {
	var out []*Scorer
	for _, s := range registry {
		if s.Task == task {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Result is what Calculate returns: the primary signed score, and when all
// scoring functions were requested, every applicable metric by name.
type Result struct {
	Score float64
	All   map[string]float64
}

func Calculate(yTrue, yPred []float64, task dataset.Task, metric *Scorer, all bool) (Result, error) {
	if len(yTrue) != len(yPred) {
		return Result{}, fmt.Errorf("length mismatch: %d true vs %d predicted", len(yTrue), len(yPred))
	}
	if len(yTrue) == 0 {
		return Result{}, fmt.Errorf("no samples to score")
	}
	if metric.Task != task {
		return Result{}, fmt.Errorf("metric %s does not apply to %s", metric.Name, task)
	}
	if !all {
		return Result{Score: metric.Score(yTrue, yPred)}, nil
	}
	res := Result{All: map[string]float64{}}
	for _, s := range ForTask(task) {
		res.All[s.Name] = s.Score(yTrue, yPred)
	}
	res.Score = res.All[metric.Name]
	return res, nil
}

func accuracy(yTrue, yPred []float64) float64 {
	var hit int
	for i := range yTrue {
		if yTrue[i] == yPred[i] {
			hit++
		}
	}
	return float64(hit) / float64(len(yTrue))
}

type confusion struct {
	classes []float64
	tp, fp  map[float64]float64
	support map[float64]float64
}

func confusionOf(yTrue, yPred []float64) confusion {
	c := confusion{tp: map[float64]float64{}, fp: map[float64]float64{}, support: map[float64]float64{}}
	seen := map[float64]bool{}
	for i := range yTrue {
		t, p := yTrue[i], yPred[i]
		c.support[t]++
		if t == p {
			c.tp[t]++
		} else {
			c.fp[p]++
		}
		for _, v := range []float64{t, p} {
			if !seen[v] {
				seen[v] = true
				c.classes = append(c.classes, v)
			}
		}
	}
	sort.Float64s(c.classes)
	return c
}

func balancedAccuracy(yTrue, yPred []float64) float64 {
	c := confusionOf(yTrue, yPred)
	var sum float64
	var n int
	for _, k := range c.classes {
		if c.support[k] == 0 {
			continue
		}
		sum += c.tp[k] / c.support[k]
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func precisionMacro(yTrue, yPred []float64) float64 {
	c := confusionOf(yTrue, yPred)
	var sum float64
	for _, k := range c.classes {
		if d := c.tp[k] + c.fp[k]; d > 0 {
			sum += c.tp[k] / d
		}
	}
	return sum / float64(len(c.classes))
}

func f1Macro(yTrue, yPred []float64) float64 {
	c := confusionOf(yTrue, yPred)
	var sum float64
	for _, k := range c.classes {
		var p, r float64
		if d := c.tp[k] + c.fp[k]; d > 0 {
			p = c.tp[k] / d
		}
		if c.support[k] > 0 {
			r = c.tp[k] / c.support[k]
		}
		if p+r > 0 {
			sum += 2 * p * r / (p + r)
		}
	}
	return sum / float64(len(c.classes))
}

func mse(yTrue, yPred []float64) float64 {
	var s float64
	for i := range yTrue {
		d := yTrue[i] - yPred[i]
		s += d * d
	}
	return s / float64(len(yTrue))
}

func mae(yTrue, yPred []float64) float64 {
	var s float64
	for i := range yTrue {
		s += math.Abs(yTrue[i] - yPred[i])
	}
	return s / float64(len(yTrue))
}

func r2(yTrue, yPred []float64) float64 {
	var mean float64
	for _, v := range yTrue {
		mean += v
	}
	mean /= float64(len(yTrue))
	var ssRes, ssTot float64
	for i := range yTrue {
		ssRes += (yTrue[i] - yPred[i]) * (yTrue[i] - yPred[i])
		ssTot += (yTrue[i] - mean) * (yTrue[i] - mean)
	}
	if ssTot == 0 {
		if ssRes == 0 {
			return 1
		}
		return 0
	}
	return 1 - ssRes/ssTot
}
