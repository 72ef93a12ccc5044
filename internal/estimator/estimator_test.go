package estimator

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/signalnine/hypertune/internal/dataset"
	"github.com/signalnine/hypertune/internal/diag"
)

// blobs returns three well separated clusters along both axes.
func blobs() ([][]float64, []float64) {
	var X [][]float64
	var y []float64
	centres := [][2]float64{{0, 0}, {10, 10}, {20, 0}}
	for c, ctr := range centres {
		for i := 0; i < 10; i++ {
			dx := float64(i%3) * 0.3
			dy := float64(i%5) * 0.2
			X = append(X, []float64{ctr[0] + dx, ctr[1] + dy})
			y = append(y, float64(c))
		}
	}
	return X, y
}

func binary(X [][]float64, y []float64) ([][]float64, []float64) {
	var bx [][]float64
	var by []float64
	for i := range y {
		if y[i] < 2 {
			bx = append(bx, X[i])
			by = append(by, y[i])
		}
	}
	return bx, by
}

func accuracy(t *testing.T, e Estimator, X [][]float64, y []float64) float64 {
	t.Helper()
	pred, err := e.Predict(X)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	var hit int
	for i := range y {
		if pred[i] == y[i] {
			hit++
		}
	}
	return float64(hit) / float64(len(y))
}

func build(t *testing.T, tag string, p Params, task dataset.Task) Estimator {
	t.Helper()
	spec, ok := Lookup(tag)
	if !ok {
		t.Fatalf("estimator %q not registered", tag)
	}
	e, err := spec.New(p, task)
	if err != nil {
		t.Fatalf("New(%s): %v", tag, err)
	}
	return e
}

func TestClassifiersSeparateBlobs(t *testing.T) {
	X, y := blobs()
	tests := []struct {
		tag    string
		params Params
		binary bool
	}{
		{tag: "gaussian_nb"},
		{tag: "knn", params: Params{"n_neighbors": 3}},
		{tag: "adaboost", params: Params{"n_estimators": 10}},
		{tag: "logistic_regression", params: Params{"max_iter": 500}, binary: true},
		{tag: "bernoulli_nb", params: Params{"binarize": 5.0}, binary: true},
	}
	for _, tt := range tests {
		t.Run(tt.tag, func(t *testing.T) {
			tx, ty := X, y
			if tt.binary {
				tx, ty = binary(X, y)
			}
			e := build(t, tt.tag, tt.params, dataset.Classification)
			if err := e.Fit(context.Background(), tx, ty); err != nil {
				t.Fatalf("Fit: %v", err)
			}
			if acc := accuracy(t, e, tx, ty); acc < 0.9 {
				t.Errorf("training accuracy %f, want >= 0.9", acc)
			}
		})
	}
}

func TestRidgeRecoversLinearModel(t *testing.T) {
	var X [][]float64
	var y []float64
	for i := 0; i < 20; i++ {
		a, b := float64(i), float64(i*i%7)
		X = append(X, []float64{a, b})
		y = append(y, 3*a-2*b+5)
	}
	e := build(t, "ridge", Params{"alpha": 0.0}, dataset.Regression)
	if err := e.Fit(context.Background(), X, y); err != nil {
		t.Fatal(err)
	}
	r := e.(*Ridge)
	if math.Abs(r.Coef[0]-3) > 1e-6 || math.Abs(r.Coef[1]+2) > 1e-6 || math.Abs(r.Intercept-5) > 1e-6 {
		t.Errorf("got coef %v intercept %f, want [3 -2] 5", r.Coef, r.Intercept)
	}
}

func TestRidgeSplitsCollinearFeatures(t *testing.T) {
	var X [][]float64
	var y []float64
	for i := 0; i < 10; i++ {
		X = append(X, []float64{float64(i), float64(i)})
		y = append(y, 2*float64(i))
	}
	e := build(t, "ridge", Params{"alpha": 1e-3}, dataset.Regression)
	if err := e.Fit(context.Background(), X, y); err != nil {
		t.Fatal(err)
	}
	r := e.(*Ridge)
	if math.Abs(r.Coef[0]-1) > 1e-3 || math.Abs(r.Coef[1]-1) > 1e-3 {
		t.Errorf("got coef %v, want [1 1]", r.Coef)
	}
	if _, err := e.Predict([][]float64{{1}}); err == nil {
		t.Error("expected an error for a row with the wrong width")
	}
}

func TestDummyStrategies(t *testing.T) {
	X := [][]float64{{0}, {0}, {0}, {0}}
	clf := build(t, "dummy", nil, dataset.Classification)
	if err := clf.Fit(context.Background(), X, []float64{1, 2, 2, 0}); err != nil {
		t.Fatal(err)
	}
	if p, _ := clf.Predict(X[:1]); p[0] != 2 {
		t.Errorf("most_frequent: got %v, want 2", p[0])
	}
	reg := build(t, "dummy", Params{"strategy": "median"}, dataset.Regression)
	if err := reg.Fit(context.Background(), X, []float64{1, 9, 3, 4}); err != nil {
		t.Fatal(err)
	}
	if p, _ := reg.Predict(X[:1]); p[0] != 3.5 {
		t.Errorf("median: got %v, want 3.5", p[0])
	}
}

func TestParamErrors(t *testing.T) {
	tests := []struct {
		name   string
		tag    string
		params Params
		param  string
	}{
		{"unknown parameter", "gaussian_nb", Params{"bogus": 1}, "bogus"},
		{"wrong type", "knn", Params{"n_neighbors": "five"}, "n_neighbors"},
		{"non-integer", "knn", Params{"n_neighbors": 2.5}, "n_neighbors"},
		{"not in choices", "knn", Params{"weights": "cosine"}, "weights"},
		{"not positive", "adaboost", Params{"learning_rate": 0.0}, "learning_rate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, _ := Lookup(tt.tag)
			_, err := spec.New(tt.params, dataset.Classification)
			var pe *ParamError
			if !errors.As(err, &pe) {
				t.Fatalf("want *ParamError, got %v", err)
			}
			if pe.Param != tt.param {
				t.Errorf("param: got %q, want %q", pe.Param, tt.param)
			}
		})
	}
}

func TestLogisticRejectsMulticlass(t *testing.T) {
	X, y := blobs()
	e := build(t, "logistic_regression", nil, dataset.Classification)
	if _, ok := e.(SupportsMultWithOVR); !ok {
		t.Fatal("logistic_regression must be OVR-capable")
	}
	if err := e.Fit(context.Background(), X, y); err == nil {
		t.Error("expected error fitting three classes")
	}
}

func TestOneVsRestRoundTrip(t *testing.T) {
	X, y := blobs()
	ovr, err := NewOneVsRest("logistic_regression", Params{"max_iter": 300})
	if err != nil {
		t.Fatal(err)
	}
	if err := ovr.Fit(context.Background(), X, y); err != nil {
		t.Fatal(err)
	}
	if len(ovr.Members) != 3 {
		t.Fatalf("members: got %d, want 3", len(ovr.Members))
	}
	want, _ := ovr.Predict(X)

	b, err := msgpack.Marshal(ovr)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var back OneVsRest
	if err := msgpack.Unmarshal(b, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	got, err := back.Predict(X)
	if err != nil {
		t.Fatal(err)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("row %d: decoded model predicts %v, original %v", i, got[i], want[i])
		}
	}
}

func TestOneVsRestRejectsMulticlassNative(t *testing.T) {
	if _, err := NewOneVsRest("knn", nil); err == nil {
		t.Error("expected error wrapping a natively multiclass estimator")
	}
}

func TestWarningsReachCapture(t *testing.T) {
	c := diag.NewCapture()
	ctx := diag.WithCapture(context.Background(), c)
	e := build(t, "knn", Params{"n_neighbors": 10}, dataset.Classification)
	if err := e.Fit(ctx, [][]float64{{1}, {2}}, []float64{0, 1}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(c.String(), "n_neighbors=10") {
		t.Errorf("capture missing knn warning: %q", c.String())
	}
}

func TestFitHonoursCancellation(t *testing.T) {
	X, y := binary(blobs())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e := build(t, "logistic_regression", nil, dataset.Classification)
	if err := e.Fit(ctx, X, y); !errors.Is(err, context.Canceled) {
		t.Errorf("want context.Canceled, got %v", err)
	}
}

func TestScalers(t *testing.T) {
	X := [][]float64{{1, 10}, {3, 10}}
	tests := []struct {
		tag  string
		want [][]float64
	}{
		{"standard_scaler", [][]float64{{-1, 0}, {1, 0}}},
		{"min_max_scaler", [][]float64{{0, 0}, {1, 0}}},
		{"none", X},
	}
	for _, tt := range tests {
		t.Run(tt.tag, func(t *testing.T) {
			spec, ok := LookupTransformer(tt.tag)
			if !ok {
				t.Fatalf("%s not registered", tt.tag)
			}
			tr, err := spec.New(nil)
			if err != nil {
				t.Fatal(err)
			}
			if err := tr.Fit(context.Background(), X); err != nil {
				t.Fatal(err)
			}
			got, err := tr.Transform(X)
			if err != nil {
				t.Fatal(err)
			}
			for i := range got {
				for j := range got[i] {
					if math.Abs(got[i][j]-tt.want[i][j]) > 1e-9 {
						t.Errorf("[%d][%d]: got %f, want %f", i, j, got[i][j], tt.want[i][j])
					}
				}
			}
		})
	}
}
