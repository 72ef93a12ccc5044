package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/signalnine/hypertune/internal/blob"
	"github.com/signalnine/hypertune/internal/coord"
	"github.com/signalnine/hypertune/internal/dataset"
	"github.com/signalnine/hypertune/internal/ensemble"
	"github.com/signalnine/hypertune/internal/pipeline"
	"github.com/signalnine/hypertune/internal/result"
	"github.com/signalnine/hypertune/internal/space"
)

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return logrus.NewEntry(l)
}

type fixture struct {
	m     *Manager
	blobs *blob.LocalStore
	root  string
	dsn   string
}

func newFixture(t *testing.T, cfg Config, opts ...Option) *fixture {
	t.Helper()
	dir := t.TempDir()
	root := filepath.Join(dir, "blobs")
	blobs, err := blob.NewLocalStore(blob.LocalConfig{RootDir: root})
	require.NoError(t, err)
	cfg.Driver = "sqlite"
	cfg.DSN = filepath.Join(dir, "trials.db")
	if cfg.Worker == "" {
		cfg.Worker = "w0"
	}
	cfg.RetryInterval = 1
	m := New(cfg, blobs, quietLog(), opts...)
	t.Cleanup(func() { m.Close() })
	return &fixture{m: m, blobs: blobs, root: root, dsn: cfg.DSN}
}

// bundles lists the bundle keys present in the blob store.
func (f *fixture) bundles(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(f.root, "trials"))
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	var keys []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".bundle") {
			keys = append(keys, "trials/"+e.Name())
		}
	}
	return keys
}

// hookedStore runs beforeSave once ahead of the next Save and fails the
// first failDeletes deletes.
type hookedStore struct {
	blob.Store
	beforeSave  func()
	failDeletes int
}

func (h *hookedStore) Save(ctx context.Context, key string, data []byte) error {
	if f := h.beforeSave; f != nil {
		h.beforeSave = nil
		f()
	}
	return h.Store.Save(ctx, key, data)
}

func (h *hookedStore) Delete(ctx context.Context, key string) error {
	if h.failDeletes > 0 {
		h.failDeletes--
		return errors.New("connection reset")
	}
	return h.Store.Delete(ctx, key)
}

func fittedRidge(t *testing.T) []*pipeline.Pipeline {
	t.Helper()
	X := [][]float64{{0}, {1}, {2}, {3}, {4}, {5}}
	y := []float64{1, 3, 5, 7, 9, 11}
	p, err := pipeline.Factory{Task: dataset.Regression}.Build(space.New("ridge", map[string]any{"alpha": 1e-6}, "", nil))
	require.NoError(t, err)
	require.NoError(t, p.Fit(context.Background(), X, y))
	return []*pipeline.Pipeline{p}
}

func trial(id, est string, loss float64) *result.Trial {
	return &result.Trial{
		TrialID:   id,
		Estimator: est,
		Loss:      loss,
		CostTime:  1,
		Status:    result.StatusSuccess,
	}
}

func TestConnectIsIdempotent(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	assert.False(t, f.m.Connected())
	require.NoError(t, f.m.Connect(ctx))
	require.NoError(t, f.m.Connect(ctx))
	assert.True(t, f.m.Connected())

	require.NoError(t, f.m.Close())
	assert.False(t, f.m.Connected())
	// Operations reconnect lazily.
	_, err := f.m.BestK(ctx, 1)
	require.NoError(t, err)
}

func TestPersistTrialModes(t *testing.T) {
	for _, mode := range []string{ModeFS, ModeDB} {
		t.Run(mode, func(t *testing.T) {
			f := newFixture(t, Config{PersistentMode: mode})
			ctx := context.Background()
			id, err := f.m.PersistTrial(ctx, trial("a1", "ridge", 0.5), fittedRidge(t))
			require.NoError(t, err)
			assert.Equal(t, "a1", id)

			store, err := f.m.Store(ctx)
			require.NoError(t, err)
			got, err := store.Get(ctx, "a1")
			require.NoError(t, err)
			assert.Equal(t, "w0", got.Worker)
			if mode == ModeFS {
				assert.True(t, strings.HasPrefix(got.ModelsPath, "trials/a1-w0-"), got.ModelsPath)
				assert.Empty(t, got.ModelsBit)
				assert.Equal(t, []string{got.ModelsPath}, f.bundles(t))
			} else {
				assert.Empty(t, got.ModelsPath)
				assert.NotEmpty(t, got.ModelsBit)
				assert.Empty(t, f.bundles(t))
			}

			loaded, err := f.m.LoadEstimatorsInTrials(ctx, []string{"a1"})
			require.NoError(t, err)
			require.Len(t, loaded, 1)
			pred, err := loaded[0].Models[0].Predict([][]float64{{10}})
			require.NoError(t, err)
			assert.InDelta(t, 21, pred[0], 1e-3)
		})
	}
}

func TestPersistTrialWithoutModels(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	failed := trial("f1", "ridge", 65535)
	failed.Status = result.StatusFailed
	_, err := f.m.PersistTrial(ctx, failed, nil)
	require.NoError(t, err)

	store, _ := f.m.Store(ctx)
	got, err := store.Get(ctx, "f1")
	require.NoError(t, err)
	assert.False(t, got.HasModels())
}

func TestPersistDuplicateWritesNothing(t *testing.T) {
	f := newFixture(t, Config{PersistentMode: ModeDB})
	ctx := context.Background()
	_, err := f.m.PersistTrial(ctx, trial("d1", "ridge", 0.5), fittedRidge(t))
	require.NoError(t, err)

	_, err = f.m.PersistTrial(ctx, trial("d1", "ridge", 0.1), fittedRidge(t))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicateKey))
	var se *StorageError
	assert.True(t, errors.As(err, &se))

	store, _ := f.m.Store(ctx)
	got, err := store.Get(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, 0.5, got.Loss)
	n, err := store.Count(ctx, "")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestConcurrentDuplicatePersist(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	models := fittedRidge(t)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.m.PersistTrial(ctx, trial("same", "ridge", 0.2), models)
		}()
	}
	wg.Wait()

	var ok int
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, ErrDuplicateKey)
	}
	assert.Equal(t, 1, ok)
	store, err := f.m.Store(ctx)
	require.NoError(t, err)
	got, err := store.Get(ctx, "same")
	require.NoError(t, err)
	assert.Equal(t, []string{got.ModelsPath}, f.bundles(t), "only the winning record's bundle remains")
}

func TestFailedAttemptLeavesWinnerBundle(t *testing.T) {
	a := newFixture(t, Config{Worker: "host/1"})
	ctx := context.Background()
	require.NoError(t, a.m.Connect(ctx))
	models := fittedRidge(t)

	// Worker b's first insert fails after worker a has persisted the same id
	// between b's existence check and b's insert.
	db, err := result.OpenDB("sqlite", a.dsn)
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	failed := false
	require.NoError(t, db.Callback().Create().Before("gorm:create").Register("fail_first_insert", func(tx *gorm.DB) {
		if !failed {
			failed = true
			tx.AddError(errors.New("connection reset"))
		}
	}))
	hooked := &hookedStore{Store: a.blobs, beforeSave: func() {
		_, err := a.m.PersistTrial(ctx, trial("x", "ridge", 0.3), models)
		require.NoError(t, err)
	}}
	b := New(Config{Driver: "sqlite", DSN: a.dsn, Worker: "host/2", RetryInterval: 1}, hooked, quietLog(), WithDB(db))
	t.Cleanup(func() { b.Close() })

	_, err = b.PersistTrial(ctx, trial("x", "ridge", 0.1), models)
	assert.ErrorIs(t, err, ErrDuplicateKey)
	assert.True(t, failed)

	store, err := a.m.Store(ctx)
	require.NoError(t, err)
	got, err := store.Get(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, "host/1", got.Worker)
	assert.Equal(t, 0.3, got.Loss)
	exists, err := a.blobs.Exists(ctx, got.ModelsPath)
	require.NoError(t, err)
	assert.True(t, exists, "the retained record must resolve to its bundle")
	assert.Equal(t, []string{got.ModelsPath}, a.bundles(t))
}

func TestBestKAndLoadBest(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	models := fittedRidge(t)
	for i, loss := range []float64{0.3, 0.1, 0.2} {
		_, err := f.m.PersistTrial(ctx, trial(fmt.Sprintf("t%d", i), "ridge", loss), models)
		require.NoError(t, err)
	}
	failed := trial("bad", "ridge", 0)
	failed.Status = result.StatusFailed
	_, err := f.m.PersistTrial(ctx, failed, nil)
	require.NoError(t, err)

	ids, err := f.m.BestK(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t2"}, ids)

	est, best, err := f.m.LoadBestEstimator(ctx, dataset.Regression)
	require.NoError(t, err)
	assert.Equal(t, "t1", best.TrialID)
	require.IsType(t, &ensemble.MeanRegressor{}, est)
	pred, err := est.Predict([][]float64{{2}})
	require.NoError(t, err)
	assert.InDelta(t, 5, pred[0], 1e-3)
}

func TestLoadBestWithoutTrials(t *testing.T) {
	f := newFixture(t, Config{})
	_, _, err := f.m.LoadBestEstimator(context.Background(), dataset.Classification)
	assert.ErrorIs(t, err, result.ErrNotFound)
	_, err = f.m.LoadBestConfig(context.Background())
	assert.ErrorIs(t, err, result.ErrNotFound)
}

func TestLoadBestConfig(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	cfg := space.New("ridge", map[string]any{"alpha": 0.5}, "", nil)
	tr := trial("c1", "ridge", 0.1)
	tr.DictHyperParam = cfg.Dict()
	_, err := f.m.PersistTrial(ctx, tr, nil)
	require.NoError(t, err)

	got, err := f.m.LoadBestConfig(ctx)
	require.NoError(t, err)
	assert.Contains(t, got["estimator"], "ridge")
}

func TestRetentionKeepsBestPerEstimator(t *testing.T) {
	f := newFixture(t, Config{Master: true, MaxPersistentModel: 2})
	ctx := context.Background()
	models := fittedRidge(t)
	for i := 0; i < 5; i++ {
		_, err := f.m.PersistTrial(ctx, trial(fmt.Sprintf("r%d", i), "ridge", float64(5-i)), models)
		require.NoError(t, err)
	}
	_, err := f.m.PersistTrial(ctx, trial("k0", "knn", 9), nil)
	require.NoError(t, err)

	cont, err := f.m.RunRetentionPass(ctx)
	require.NoError(t, err)
	assert.True(t, cont)

	store, _ := f.m.Store(ctx)
	n, err := store.Count(ctx, "ridge")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	n, err = store.Count(ctx, "knn")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	ids, err := f.m.BestK(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"r4", "r3", "k0"}, ids)

	// Every retained record resolves to a bundle and every evicted bundle is gone.
	var kept []string
	for _, id := range []string{"r4", "r3"} {
		got, err := store.Get(ctx, id)
		require.NoError(t, err)
		kept = append(kept, got.ModelsPath)
	}
	assert.ElementsMatch(t, kept, f.bundles(t))
}

func TestEvictRetriesOnce(t *testing.T) {
	f := newFixture(t, Config{})
	flaky := &hookedStore{Store: f.blobs, failDeletes: 1}
	m := New(Config{Driver: "sqlite", DSN: f.dsn, Worker: "w0", Master: true, MaxPersistentModel: 1, RetryInterval: 1}, flaky, quietLog())
	t.Cleanup(func() { m.Close() })
	ctx := context.Background()
	models := fittedRidge(t)
	for i, loss := range []float64{0.1, 0.2} {
		_, err := m.PersistTrial(ctx, trial(fmt.Sprintf("e%d", i), "ridge", loss), models)
		require.NoError(t, err)
	}
	store, err := m.Store(ctx)
	require.NoError(t, err)
	best, err := store.Get(ctx, "e0")
	require.NoError(t, err)

	n, err := m.Evict(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, flaky.failDeletes)
	assert.Equal(t, []string{best.ModelsPath}, f.bundles(t))

	// A delete that keeps failing surfaces as a StorageError.
	_, err = m.PersistTrial(ctx, trial("e2", "ridge", 0.3), models)
	require.NoError(t, err)
	flaky.failDeletes = 2
	_, err = m.Evict(ctx)
	var se *StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "evict", se.Op)
	n64, err := store.Count(ctx, "ridge")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n64)
}

func TestNonMasterDoesNotEvict(t *testing.T) {
	f := newFixture(t, Config{MaxPersistentModel: 1})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := f.m.PersistTrial(ctx, trial(fmt.Sprintf("n%d", i), "ridge", float64(i)), nil)
		require.NoError(t, err)
	}
	cont, err := f.m.RunRetentionPass(ctx)
	require.NoError(t, err)
	assert.True(t, cont)
	store, _ := f.m.Store(ctx)
	n, err := store.Count(ctx, "ridge")
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}

func redisCoord(t *testing.T) coord.Coordinator {
	t.Helper()
	mr := miniredis.RunT(t)
	c := coord.NewRedisFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "study")
	t.Cleanup(func() { c.Close() })
	return c
}

func TestStopThreshold(t *testing.T) {
	c := redisCoord(t)
	ctx := context.Background()
	master := newFixture(t, Config{Master: true, ExitProcesses: 3, MaxPersistentModel: 1}, WithCoordinator(c))
	worker := newFixture(t, Config{Worker: "w1", ExitProcesses: 3}, WithCoordinator(c))

	require.NoError(t, worker.m.RecordCompletion(ctx))
	require.NoError(t, worker.m.RecordCompletion(ctx))
	cont, err := worker.m.RunRetentionPass(ctx)
	require.NoError(t, err)
	assert.True(t, cont)

	// The master's pass evicts and zeroes the counter.
	cont, err = master.m.RunRetentionPass(ctx)
	require.NoError(t, err)
	assert.True(t, cont)
	sum, err := c.SumAll(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, sum)

	for i := 0; i < 3; i++ {
		require.NoError(t, worker.m.RecordCompletion(ctx))
	}
	for _, f := range []*fixture{worker, master} {
		cont, err := f.m.RunRetentionPass(ctx)
		require.NoError(t, err)
		assert.False(t, cont)
	}
}

func TestStopThresholdWithSQLCoordinator(t *testing.T) {
	f := newFixture(t, Config{ExitProcesses: 1, Coordination: coord.Config{Type: "sql"}, Namespace: "s"})
	ctx := context.Background()
	cont, err := f.m.RunRetentionPass(ctx)
	require.NoError(t, err)
	assert.True(t, cont)

	require.NoError(t, f.m.RecordCompletion(ctx))
	cont, err = f.m.RunRetentionPass(ctx)
	require.NoError(t, err)
	assert.False(t, cont)
}

func TestProcessRegistry(t *testing.T) {
	f := newFixture(t, Config{}, WithCoordinator(redisCoord(t)))
	ctx := context.Background()
	require.NoError(t, f.m.RegisterProcess(ctx, 41))
	require.NoError(t, f.m.RegisterProcess(ctx, 42))
	pids, err := f.m.Processes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{41, 42}, pids)
	require.NoError(t, f.m.ClearProcesses(ctx))
	pids, err = f.m.Processes(ctx)
	require.NoError(t, err)
	assert.Empty(t, pids)
}

func TestWithoutCoordinatorIsNoop(t *testing.T) {
	f := newFixture(t, Config{ExitProcesses: 1})
	ctx := context.Background()
	require.NoError(t, f.m.RecordCompletion(ctx))
	require.NoError(t, f.m.RegisterProcess(ctx, 1))
	cont, err := f.m.RunRetentionPass(ctx)
	require.NoError(t, err)
	assert.True(t, cont)
}
