package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalnine/hypertune/internal/dataset"
	"github.com/signalnine/hypertune/internal/space"
)

func threeClasses() ([][]float64, []float64) {
	var X [][]float64
	var y []float64
	for c := 0; c < 3; c++ {
		for i := 0; i < 8; i++ {
			X = append(X, []float64{float64(c*10) + float64(i%4)*0.1, float64(i%2)})
			y = append(y, float64(c))
		}
	}
	return X, y
}

func TestBuildErrors(t *testing.T) {
	f := Factory{Task: dataset.Regression}
	tests := []struct {
		name      string
		cfg       space.Configuration
		component string
	}{
		{"no estimator", space.Configuration{}, "estimator"},
		{"unknown estimator", space.New("forest", nil, "", nil), "forest"},
		{"unknown preprocessor", space.New("ridge", nil, "pca", nil), "pca"},
		{"task mismatch", space.New("gaussian_nb", nil, "", nil), "gaussian_nb"},
		{"bad param", space.New("ridge", map[string]any{"alpha": "big"}, "", nil), "ridge"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.Build(tt.cfg)
			var ce *ConfigurationError
			require.True(t, errors.As(err, &ce), "want ConfigurationError, got %v", err)
			assert.Equal(t, tt.component, ce.Component)
		})
	}
}

func TestBinaryEstimatorWrappedForMulticlass(t *testing.T) {
	cfg := space.New("logistic_regression", map[string]any{"max_iter": 300}, "standard_scaler", nil)

	multi, err := Factory{Task: dataset.Classification, NumClasses: 3}.Build(cfg)
	require.NoError(t, err)
	assert.True(t, multi.OneVsRest())

	bin, err := Factory{Task: dataset.Classification, NumClasses: 2}.Build(cfg)
	require.NoError(t, err)
	assert.False(t, bin.OneVsRest())

	X, y := threeClasses()
	require.NoError(t, multi.Fit(context.Background(), X, y))
	pred, err := multi.Predict(X)
	require.NoError(t, err)
	var hit int
	for i := range y {
		if pred[i] == y[i] {
			hit++
		}
	}
	assert.GreaterOrEqual(t, float64(hit)/float64(len(y)), 0.9)
}

func TestFreshIsUnfitted(t *testing.T) {
	p, err := Factory{Task: dataset.Classification, NumClasses: 3}.Build(space.New("gaussian_nb", nil, "", nil))
	require.NoError(t, err)
	X, y := threeClasses()
	require.NoError(t, p.Fit(context.Background(), X, y))

	c, err := p.Fresh()
	require.NoError(t, err)
	_, err = c.Predict(X)
	assert.Error(t, err, "a fresh copy must not share fitted state")
	_, err = p.Predict(X)
	assert.NoError(t, err)
}

func TestBundleRoundTrip(t *testing.T) {
	X, y := threeClasses()
	cfgs := []space.Configuration{
		space.New("knn", map[string]any{"n_neighbors": 3, "weights": "distance"}, "min_max_scaler", nil),
		space.New("logistic_regression", nil, "standard_scaler", map[string]any{"with_mean": true}),
		space.New("adaboost", map[string]any{"n_estimators": 5}, "", nil),
	}
	f := Factory{Task: dataset.Classification, NumClasses: 3}
	var models []*Pipeline
	var want [][]float64
	for _, cfg := range cfgs {
		p, err := f.Build(cfg)
		require.NoError(t, err)
		require.NoError(t, p.Fit(context.Background(), X, y))
		pred, err := p.Predict(X)
		require.NoError(t, err)
		models = append(models, p)
		want = append(want, pred)
	}

	b, err := EncodeBundle(models)
	require.NoError(t, err)
	back, err := DecodeBundle(b)
	require.NoError(t, err)
	require.Len(t, back, len(models))
	for i, m := range back {
		assert.Equal(t, models[i].String(), m.String())
		got, err := m.Predict(X)
		require.NoError(t, err)
		assert.Equal(t, want[i], got, "model %d predictions changed after decoding", i)
	}
}

func TestDecodeBundleRejectsGarbage(t *testing.T) {
	_, err := DecodeBundle([]byte("not a bundle"))
	assert.Error(t, err)
}
