package dataset

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"sort"
	"strconv"
	"strings"
)

type Task string

const (
	Classification Task = "classification"
	Regression     Task = "regression"
)

func ParseTask(s string) (Task, error) {
	switch Task(s) {
	case Classification, Regression:
		return Task(s), nil
	}
	return "", fmt.Errorf("unknown task %q (want classification or regression)", s)
}

// Dataset is a dense numeric feature matrix with its target. For
// classification the target holds class indexes into Classes.
type Dataset struct {
	Features []string
	X        [][]float64
	Y        []float64
	Classes  []string
	Task     Task
}

func (d *Dataset) Len() int { return len(d.X) }

func (d *Dataset) NumClasses() int { return len(d.Classes) }

// Subset returns the rows at idx. Rows are shared, not copied.
func (d *Dataset) Subset(idx []int) *Dataset {
	out := &Dataset{
		Features: d.Features,
		X:        make([][]float64, len(idx)),
		Y:        make([]float64, len(idx)),
		Classes:  d.Classes,
		Task:     d.Task,
	}
	for i, j := range idx {
		out.X[i] = d.X[j]
		out.Y[i] = d.Y[j]
	}
	return out
}

// Split is the train/test partition handed to the evaluator.
type Split struct {
	Train *Dataset
	Test  *Dataset
}

type LoadOpts struct {
	Target string
	Task   Task
	// Encoder carries category mappings learned from the training file so a
	// test file is encoded identically. Nil creates a fresh encoder.
	Encoder *Encoder
	// Unlabeled accepts a file without the target column; Y is then zero.
	Unlabeled bool
}

func LoadCSV(path string, opts *LoadOpts) (*Dataset, *Encoder, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening dataset %s: %w", path, err)
	}
	defer f.Close()
	ds, enc, err := ReadCSV(f, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("reading dataset %s: %w", path, err)
	}
	return ds, enc, nil
}

func ReadCSV(r io.Reader, opts *LoadOpts) (*Dataset, *Encoder, error) {
	rows, err := csv.NewReader(r).ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("parsing csv: %w", err)
	}
	if len(rows) < 2 {
		return nil, nil, fmt.Errorf("csv needs a header and at least one row")
	}
	header := rows[0]
	targetCol := -1
	for i, h := range header {
		if strings.TrimSpace(h) == opts.Target {
			targetCol = i
		}
	}
	if targetCol < 0 && !opts.Unlabeled {
		return nil, nil, fmt.Errorf("target column %q not found", opts.Target)
	}

	enc := opts.Encoder
	if enc == nil {
		enc = NewEncoder()
	}
	ds := &Dataset{Task: opts.Task}
	for i, h := range header {
		if i != targetCol {
			ds.Features = append(ds.Features, strings.TrimSpace(h))
		}
	}

	body := rows[1:]
	ds.X = make([][]float64, len(body))
	ds.Y = make([]float64, len(body))
	for r, row := range body {
		if len(row) != len(header) {
			return nil, nil, fmt.Errorf("row %d: got %d fields, want %d", r+2, len(row), len(header))
		}
		x := make([]float64, 0, len(header)-1)
		for c, cell := range row {
			cell = strings.TrimSpace(cell)
			if c == targetCol {
				y, err := enc.target(cell, opts.Task)
				if err != nil {
					return nil, nil, fmt.Errorf("row %d: %w", r+2, err)
				}
				ds.Y[r] = y
				continue
			}
			x = append(x, enc.feature(header[c], cell))
		}
		ds.X[r] = x
	}
	imputeMean(ds.X)
	if opts.Task == Classification {
		ds.Classes = enc.Classes()
	}
	return ds, enc, nil
}

// imputeMean replaces NaN cells with their column mean.
func imputeMean(X [][]float64) {
	if len(X) == 0 {
		return
	}
	for c := range X[0] {
		var sum float64
		var n int
		for _, row := range X {
			if !math.IsNaN(row[c]) {
				sum += row[c]
				n++
			}
		}
		mean := 0.0
		if n > 0 {
			mean = sum / float64(n)
		}
		for _, row := range X {
			if math.IsNaN(row[c]) {
				row[c] = mean
			}
		}
	}
}

// Encoder label-encodes non-numeric feature cells and classification
// targets. Codes are assigned in first-seen order.
type Encoder struct {
	features map[string]map[string]float64
	classes  map[string]int
	order    []string
}

func NewEncoder() *Encoder {
	return &Encoder{
		features: map[string]map[string]float64{},
		classes:  map[string]int{},
	}
}

func (e *Encoder) feature(col, cell string) float64 {
	if cell == "" || strings.EqualFold(cell, "nan") || cell == "?" {
		return math.NaN()
	}
	if v, err := strconv.ParseFloat(cell, 64); err == nil {
		return v
	}
	codes, ok := e.features[col]
	if !ok {
		codes = map[string]float64{}
		e.features[col] = codes
	}
	code, ok := codes[cell]
	if !ok {
		code = float64(len(codes))
		codes[cell] = code
	}
	return code
}

func (e *Encoder) target(cell string, task Task) (float64, error) {
	if task == Regression {
		v, err := strconv.ParseFloat(cell, 64)
		if err != nil {
			return 0, fmt.Errorf("regression target %q is not numeric", cell)
		}
		return v, nil
	}
	if cell == "" {
		return 0, fmt.Errorf("empty class label")
	}
	idx, ok := e.classes[cell]
	if !ok {
		idx = len(e.order)
		e.classes[cell] = idx
		e.order = append(e.order, cell)
	}
	return float64(idx), nil
}

func (e *Encoder) Classes() []string {
	return append([]string(nil), e.order...)
}

// ClassLabel maps a predicted class index back to its label.
func (d *Dataset) ClassLabel(v float64) string {
	i := int(math.Round(v))
	if i < 0 || i >= len(d.Classes) {
		return strconv.FormatFloat(v, 'g', -1, 64)
	}
	return d.Classes[i]
}

// Holdout shuffles the rows with seed and moves testSize of them into a test
// partition.
func Holdout(d *Dataset, testSize float64, seed int64) (*Split, error) {
	if testSize <= 0 || testSize >= 1 {
		return nil, fmt.Errorf("test_size must be in (0, 1), got %v", testSize)
	}
	n := d.Len()
	nTest := int(math.Round(float64(n) * testSize))
	if nTest < 1 || nTest >= n {
		return nil, fmt.Errorf("test_size %v leaves an empty partition for %d rows", testSize, n)
	}
	perm := rand.New(rand.NewSource(seed)).Perm(n)
	test := append([]int(nil), perm[:nTest]...)
	train := append([]int(nil), perm[nTest:]...)
	sort.Ints(test)
	sort.Ints(train)
	return &Split{Train: d.Subset(train), Test: d.Subset(test)}, nil
}
