// Package split produces the train/validation folds the evaluator iterates.
package split

import (
	"fmt"
	"math/rand"
	"sort"
)

type Fold struct {
	Train []int
	Valid []int
}

type Splitter interface {
	Split(y []float64) ([]Fold, error)
	NumSplits() int
}

type KFold struct {
	NSplits int
	Shuffle bool
	Seed    int64
}

func (k *KFold) NumSplits() int { return k.NSplits }

func (k *KFold) Split(y []float64) ([]Fold, error) {
	n := len(y)
	if err := checkSplits(k.NSplits, n); err != nil {
		return nil, err
	}
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	if k.Shuffle {
		r := rand.New(rand.NewSource(k.Seed))
		r.Shuffle(n, func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })
	}
	// first n%k folds get one extra sample
	folds := make([][]int, k.NSplits)
	start := 0
	for f := 0; f < k.NSplits; f++ {
		size := n / k.NSplits
		if f < n%k.NSplits {
			size++
		}
		folds[f] = idx[start : start+size]
		start += size
	}
	return assemble(folds, n), nil
}

// StratifiedKFold keeps each class's share roughly equal across folds.
type StratifiedKFold struct {
	NSplits int
	Shuffle bool
	Seed    int64
}

func (s *StratifiedKFold) NumSplits() int { return s.NSplits }

func (s *StratifiedKFold) Split(y []float64) ([]Fold, error) {
	n := len(y)
	if err := checkSplits(s.NSplits, n); err != nil {
		return nil, err
	}
	byClass := map[float64][]int{}
	var classes []float64
	for i, v := range y {
		if _, ok := byClass[v]; !ok {
			classes = append(classes, v)
		}
		byClass[v] = append(byClass[v], i)
	}
	sort.Float64s(classes)
	r := rand.New(rand.NewSource(s.Seed))
	folds := make([][]int, s.NSplits)
	next := 0
	for _, c := range classes {
		members := byClass[c]
		if s.Shuffle {
			r.Shuffle(len(members), func(i, j int) { members[i], members[j] = members[j], members[i] })
		}
		// deal round-robin, continuing where the previous class stopped so
		// fold sizes stay balanced
		for _, m := range members {
			folds[next] = append(folds[next], m)
			next = (next + 1) % s.NSplits
		}
	}
	for f := range folds {
		if len(folds[f]) == 0 {
			return nil, fmt.Errorf("fold %d is empty", f)
		}
	}
	return assemble(folds, n), nil
}

func checkSplits(k, n int) error {
	if k < 2 {
		return fmt.Errorf("n_splits must be at least 2, got %d", k)
	}
	if k > n {
		return fmt.Errorf("n_splits=%d greater than number of samples %d", k, n)
	}
	return nil
}

func assemble(folds [][]int, n int) []Fold {
	out := make([]Fold, len(folds))
	for f, valid := range folds {
		inValid := make([]bool, n)
		v := append([]int(nil), valid...)
		sort.Ints(v)
		for _, i := range v {
			inValid[i] = true
		}
		train := make([]int, 0, n-len(v))
		for i := 0; i < n; i++ {
			if !inValid[i] {
				train = append(train, i)
			}
		}
		out[f] = Fold{Train: train, Valid: v}
	}
	return out
}

// New builds a splitter by kind name.
func New(kind string, nSplits int, shuffle bool, seed int64) (Splitter, error) {
	switch kind {
	case "", "kfold":
		return &KFold{NSplits: nSplits, Shuffle: shuffle, Seed: seed}, nil
	case "stratified_kfold":
		return &StratifiedKFold{NSplits: nSplits, Shuffle: shuffle, Seed: seed}, nil
	}
	return nil, fmt.Errorf("unknown splitter %q", kind)
}
