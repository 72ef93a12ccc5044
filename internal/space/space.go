// Package space defines search configurations and the YAML search space they
// are drawn from.
package space

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
)

const (
	KeyEstimator     = "estimator"
	KeyPreprocessing = "preprocessing"
	NoPreprocessing  = "none"
)

// Configuration is the optimizer-native flat form of one candidate: the
// chosen component tags plus "<tag>:<param>" entries.
type Configuration map[string]any

func New(estimator string, params map[string]any, preprocessing string, preParams map[string]any) Configuration {
	if preprocessing == "" {
		preprocessing = NoPreprocessing
	}
	c := Configuration{KeyEstimator: estimator, KeyPreprocessing: preprocessing}
	for k, v := range params {
		c[estimator+":"+k] = v
	}
	for k, v := range preParams {
		c[preprocessing+":"+k] = v
	}
	return c
}

func (c Configuration) Estimator() string {
	s, _ := c[KeyEstimator].(string)
	return s
}

func (c Configuration) Preprocessing() string {
	if s, ok := c[KeyPreprocessing].(string); ok && s != "" {
		return s
	}
	return NoPreprocessing
}

// Params returns the parameters of component tag with the prefix removed.
func (c Configuration) Params(tag string) map[string]any {
	out := map[string]any{}
	prefix := tag + ":"
	for k, v := range c {
		if strings.HasPrefix(k, prefix) {
			out[strings.TrimPrefix(k, prefix)] = v
		}
	}
	return out
}

// Canonical is the JSON encoding with sorted keys.
func (c Configuration) Canonical() ([]byte, error) {
	return json.Marshal(map[string]any(c))
}

// ID is the trial id: xxhash64 of the canonical encoding, in hex.
func (c Configuration) ID() string {
	b, err := c.Canonical()
	if err != nil {
		b = []byte(fmt.Sprint(map[string]any(c)))
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(b))
}

// Dict is the nested human-readable form stored alongside each trial.
func (c Configuration) Dict() map[string]any {
	est, pre := c.Estimator(), c.Preprocessing()
	return map[string]any{
		KeyEstimator:     map[string]any{est: c.Params(est)},
		KeyPreprocessing: map[string]any{pre: c.Params(pre)},
	}
}

func (c Configuration) String() string {
	b, _ := c.Canonical()
	return string(b)
}

// Param is one hyperparameter's domain: either a list of choices or a
// numeric range.
type Param struct {
	Choices []any    `yaml:"choices,omitempty" json:"choices,omitempty"`
	Low     *float64 `yaml:"low,omitempty" json:"low,omitempty"`
	High    *float64 `yaml:"high,omitempty" json:"high,omitempty"`
	Int     bool     `yaml:"int,omitempty" json:"int,omitempty"`
	Log     bool     `yaml:"log,omitempty" json:"log,omitempty"`
	// Steps is the number of grid points for a range (default 3).
	Steps int `yaml:"steps,omitempty" json:"steps,omitempty"`
}

func (p Param) validate() error {
	if len(p.Choices) > 0 {
		if p.Low != nil || p.High != nil {
			return fmt.Errorf("choices and low/high are mutually exclusive")
		}
		return nil
	}
	if p.Low == nil || p.High == nil {
		return fmt.Errorf("need choices or both low and high")
	}
	if *p.Low > *p.High {
		return fmt.Errorf("low %v > high %v", *p.Low, *p.High)
	}
	if p.Log && *p.Low <= 0 {
		return fmt.Errorf("log range needs low > 0")
	}
	if p.Steps < 0 {
		return fmt.Errorf("steps must be positive")
	}
	return nil
}

func (p Param) cast(v float64) any {
	if p.Int {
		return int(math.Round(v))
	}
	return v
}

func (p Param) sample(rng *rand.Rand) any {
	if len(p.Choices) > 0 {
		return p.Choices[rng.Intn(len(p.Choices))]
	}
	lo, hi := *p.Low, *p.High
	if p.Log {
		return p.cast(math.Exp(math.Log(lo) + rng.Float64()*(math.Log(hi)-math.Log(lo))))
	}
	return p.cast(lo + rng.Float64()*(hi-lo))
}

// values enumerates the grid points of p.
func (p Param) values() []any {
	if len(p.Choices) > 0 {
		return p.Choices
	}
	steps := p.Steps
	if steps == 0 {
		steps = 3
	}
	lo, hi := *p.Low, *p.High
	if steps == 1 || lo == hi {
		return []any{p.cast(lo)}
	}
	var out []any
	seen := map[any]bool{}
	for i := 0; i < steps; i++ {
		t := float64(i) / float64(steps-1)
		var v float64
		if p.Log {
			v = math.Exp(math.Log(lo) + t*(math.Log(hi)-math.Log(lo)))
		} else {
			v = lo + t*(hi-lo)
		}
		c := p.cast(v)
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}

// Component maps parameter names to domains.
type Component map[string]Param

// Space lists the estimators and preprocessors to search, each with its
// parameter domains. An empty preprocessing section means "none" only.
type Space struct {
	Estimators    map[string]Component `yaml:"estimators" json:"estimators"`
	Preprocessing map[string]Component `yaml:"preprocessing,omitempty" json:"preprocessing,omitempty"`
}

func (s *Space) Validate() error {
	if len(s.Estimators) == 0 {
		return fmt.Errorf("search space has no estimators")
	}
	for _, group := range []map[string]Component{s.Estimators, s.Preprocessing} {
		for tag, comp := range group {
			for name, p := range comp {
				if err := p.validate(); err != nil {
					return fmt.Errorf("%s.%s: %w", tag, name, err)
				}
			}
		}
	}
	return nil
}

func (s *Space) preprocessing() map[string]Component {
	if len(s.Preprocessing) == 0 {
		return map[string]Component{NoPreprocessing: nil}
	}
	return s.Preprocessing
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Sample draws one configuration uniformly over components and parameters.
func (s *Space) Sample(rng *rand.Rand) Configuration {
	estTags := sortedKeys(s.Estimators)
	est := estTags[rng.Intn(len(estTags))]
	pres := s.preprocessing()
	preTags := sortedKeys(pres)
	pre := preTags[rng.Intn(len(preTags))]

	c := Configuration{KeyEstimator: est, KeyPreprocessing: pre}
	for _, name := range sortedKeys(s.Estimators[est]) {
		c[est+":"+name] = s.Estimators[est][name].sample(rng)
	}
	for _, name := range sortedKeys(pres[pre]) {
		c[pre+":"+name] = pres[pre][name].sample(rng)
	}
	return c
}

// Grid enumerates the full cartesian product in a deterministic order.
func (s *Space) Grid() []Configuration {
	var out []Configuration
	pres := s.preprocessing()
	for _, est := range sortedKeys(s.Estimators) {
		for _, pre := range sortedKeys(pres) {
			base := []Configuration{{KeyEstimator: est, KeyPreprocessing: pre}}
			base = expand(base, est, s.Estimators[est])
			base = expand(base, pre, pres[pre])
			out = append(out, base...)
		}
	}
	return out
}

func expand(in []Configuration, tag string, comp Component) []Configuration {
	for _, name := range sortedKeys(comp) {
		vals := comp[name].values()
		next := make([]Configuration, 0, len(in)*len(vals))
		for _, c := range in {
			for _, v := range vals {
				n := make(Configuration, len(c)+1)
				for k, x := range c {
					n[k] = x
				}
				n[tag+":"+name] = v
				next = append(next, n)
			}
		}
		in = next
	}
	return in
}

// Seed is a hand-written initial configuration from the config file.
type Seed struct {
	Estimator           string         `yaml:"estimator" json:"estimator"`
	Params              map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
	Preprocessing       string         `yaml:"preprocessing,omitempty" json:"preprocessing,omitempty"`
	PreprocessingParams map[string]any `yaml:"preprocessing_params,omitempty" json:"preprocessing_params,omitempty"`
}

func (s Seed) Configuration() Configuration {
	return New(s.Estimator, s.Params, s.Preprocessing, s.PreprocessingParams)
}
