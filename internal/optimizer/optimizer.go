// Package optimizer proposes configurations from a search space.
package optimizer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/signalnine/hypertune/internal/space"
)

// ErrExhausted means the optimizer has nothing left to propose.
var ErrExhausted = errors.New("search space exhausted")

type Optimizer interface {
	Propose(ctx context.Context) (space.Configuration, error)
	// Feedback reports the loss of a proposed configuration.
	Feedback(cfg space.Configuration, loss float64)
}

// Shard restricts a search to one worker's share of it.
type Shard struct {
	Index int
	Count int
}

func (s Shard) owns(i int) bool {
	if s.Count <= 1 {
		return true
	}
	return i%s.Count == s.Index
}

// New builds the optimizer for method "random" or "grid".
func New(method string, sp *space.Space, seed int64, shard Shard) (Optimizer, error) {
	switch method {
	case "", "random":
		return NewRandom(sp, seed+int64(shard.Index)), nil
	case "grid":
		return NewGrid(sp, shard), nil
	}
	return nil, fmt.Errorf("unknown search method %q (want random or grid)", method)
}

// history is the feedback shared by both optimizers.
type history struct {
	mu     sync.Mutex
	seen   map[string]bool
	best   float64
	bestID string
	n      int
}

func newHistory() *history {
	return &history{seen: map[string]bool{}, best: math.Inf(1)}
}

func (h *history) Feedback(cfg space.Configuration, loss float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seen[cfg.ID()] = true
	h.n++
	if loss < h.best {
		h.best, h.bestID = loss, cfg.ID()
	}
}

// Best returns the lowest loss reported so far and its trial id.
func (h *history) Best() (float64, string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.best, h.bestID
}

func (h *history) Observed() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.n
}

// maxDraws bounds consecutive duplicate samples before giving up.
const maxDraws = 200

// Random samples the space uniformly, skipping configurations already
// proposed or reported.
type Random struct {
	*history
	sp  *space.Space
	rng *rand.Rand
}

func NewRandom(sp *space.Space, seed int64) *Random {
	return &Random{history: newHistory(), sp: sp, rng: rand.New(rand.NewSource(seed))}
}

func (r *Random) Propose(ctx context.Context) (space.Configuration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := 0; i < maxDraws; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cfg := r.sp.Sample(r.rng)
		id := cfg.ID()
		if r.seen[id] {
			continue
		}
		r.seen[id] = true
		return cfg, nil
	}
	return nil, ErrExhausted
}

// Grid walks the full grid in a fixed order. With a shard each worker takes
// every Count-th point starting at Index.
type Grid struct {
	*history
	points []space.Configuration
	next   int
}

func NewGrid(sp *space.Space, shard Shard) *Grid {
	var points []space.Configuration
	for i, cfg := range sp.Grid() {
		if shard.owns(i) {
			points = append(points, cfg)
		}
	}
	return &Grid{history: newHistory(), points: points}
}

func (g *Grid) Len() int { return len(g.points) }

func (g *Grid) Propose(ctx context.Context) (space.Configuration, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for g.next < len(g.points) {
		cfg := g.points[g.next]
		g.next++
		if !g.seen[cfg.ID()] {
			return cfg, nil
		}
	}
	return nil, ErrExhausted
}

// ShardConfigs returns the initial configurations owned by shard.
func ShardConfigs(cfgs []space.Configuration, shard Shard) []space.Configuration {
	var out []space.Configuration
	for i, c := range cfgs {
		if shard.owns(i) {
			out = append(out, c)
		}
	}
	return out
}
