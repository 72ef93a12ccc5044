// Package manager persists trials and their model bundles, enforces the
// per-estimator retention limit, and runs the workers' stop protocol.
package manager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/signalnine/hypertune/internal/blob"
	"github.com/signalnine/hypertune/internal/coord"
	"github.com/signalnine/hypertune/internal/dataset"
	"github.com/signalnine/hypertune/internal/ensemble"
	"github.com/signalnine/hypertune/internal/pipeline"
	"github.com/signalnine/hypertune/internal/result"
	"github.com/signalnine/hypertune/internal/telemetry"
)

var ErrDuplicateKey = errors.New("duplicate trial id")

// StorageError is a record, blob or coordination store failure.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

const (
	ModeFS = "fs"
	ModeDB = "db"

	DefaultMaxPersistentModel = 50
)

type Config struct {
	Driver string
	DSN    string
	// PersistentMode "fs" keeps bundles in the blob store, "db" inline.
	PersistentMode string
	// MaxPersistentModel is K: records kept per estimator.
	MaxPersistentModel int
	// ExitProcesses <= 0 disables the stop check.
	ExitProcesses int
	Master        bool
	Worker        string
	Namespace     string
	Coordination  coord.Config
	// RetryInterval separates the first attempt from the single retry.
	RetryInterval time.Duration
}

type Manager struct {
	cfg   Config
	blobs blob.Store
	log   *logrus.Entry

	seq atomic.Uint64

	mu        sync.Mutex
	store     *result.Store
	coord     coord.Coordinator
	ownsCoord bool
	injected  *gorm.DB
}

type Option func(*Manager)

// WithCoordinator injects a coordinator instead of building one on Connect.
func WithCoordinator(c coord.Coordinator) Option {
	return func(m *Manager) { m.coord = c }
}

// WithDB injects an open record store connection.
func WithDB(db *gorm.DB) Option {
	return func(m *Manager) { m.injected = db }
}

func New(cfg Config, blobs blob.Store, log *logrus.Entry, opts ...Option) *Manager {
	if cfg.PersistentMode == "" {
		cfg.PersistentMode = ModeFS
	}
	if cfg.MaxPersistentModel <= 0 {
		cfg.MaxPersistentModel = DefaultMaxPersistentModel
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = 200 * time.Millisecond
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	m := &Manager{cfg: cfg, blobs: blobs, log: log}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Manager) Config() Config { return m.cfg }

// Connect opens and migrates the record store. It is a no-op when already
// connected.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.store != nil {
		return nil
	}
	var store *result.Store
	if m.injected != nil {
		store = result.NewStore(m.injected)
		if err := store.Migrate(); err != nil {
			return &StorageError{Op: "connect", Err: err}
		}
	} else {
		s, err := result.Open(m.cfg.Driver, m.cfg.DSN)
		if err != nil {
			return &StorageError{Op: "connect", Err: err}
		}
		store = s
	}
	if m.coord == nil {
		c, err := coord.New(m.cfg.Coordination, m.cfg.Namespace, store.DB())
		if err != nil {
			if m.injected == nil {
				store.Close()
			}
			return &StorageError{Op: "connect", Err: err}
		}
		m.coord, m.ownsCoord = c, c != nil
	}
	m.store = store
	m.log.WithFields(logrus.Fields{"driver": m.cfg.Driver, "mode": m.cfg.PersistentMode}).Debug("record store connected")
	return nil
}

// Close releases the connection. A later Connect reopens it.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	if m.ownsCoord && m.coord != nil {
		errs = append(errs, m.coord.Close())
		m.coord, m.ownsCoord = nil, false
	}
	if m.store != nil && m.injected == nil {
		errs = append(errs, m.store.Close())
	}
	m.store = nil
	return errors.Join(errs...)
}

func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store != nil
}

// Store connects if needed and returns the record store.
func (m *Manager) Store(ctx context.Context) (*result.Store, error) {
	if err := m.Connect(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store, nil
}

func (m *Manager) coordinator() coord.Coordinator {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.coord
}

// retry runs op, and once more after RetryInterval if it fails with a
// retryable error.
func (m *Manager) retry(ctx context.Context, op string, fn func() error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(m.cfg.RetryInterval), 1), ctx)
	err := backoff.RetryNotify(fn, b, func(err error, d time.Duration) {
		m.log.WithError(err).WithField("op", op).Warnf("storage operation failed, retrying in %s", d)
	})
	if err == nil {
		return nil
	}
	telemetry.ObserveStorageError(op)
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// bundleKey names the blob of one persist attempt. Concurrent writers of the
// same trial id never share a key.
func (m *Manager) bundleKey(trialID string) string {
	worker := strings.ReplaceAll(m.cfg.Worker, "/", "_")
	return blob.BundleKey(trialID, fmt.Sprintf("%s-%d-%d", worker, time.Now().UnixNano(), m.seq.Add(1)))
}

// PersistTrial stores t and, when models is non-empty, its model bundle.
// An existing trial id fails with ErrDuplicateKey before anything is written.
func (m *Manager) PersistTrial(ctx context.Context, t *result.Trial, models []*pipeline.Pipeline) (string, error) {
	store, err := m.Store(ctx)
	if err != nil {
		return "", err
	}
	var bundle []byte
	if len(models) > 0 {
		if bundle, err = pipeline.EncodeBundle(models); err != nil {
			return "", &StorageError{Op: "persist", Err: err}
		}
	}
	if t.Worker == "" {
		t.Worker = m.cfg.Worker
	}

	err = m.retry(ctx, "persist", func() error {
		exists, err := store.Exists(ctx, t.TrialID)
		if err != nil {
			return err
		}
		if exists {
			return backoff.Permanent(fmt.Errorf("%w: %s", ErrDuplicateKey, t.TrialID))
		}

		var written string
		t.ModelsBit, t.ModelsPath = nil, ""
		if bundle != nil {
			if m.cfg.PersistentMode == ModeDB {
				t.ModelsBit = bundle
			} else {
				key := m.bundleKey(t.TrialID)
				if err := m.blobs.Save(ctx, key, bundle); err != nil {
					return err
				}
				t.ModelsPath, written = key, key
			}
		}

		err = store.Insert(ctx, t)
		if err != nil && written != "" {
			// The key is this attempt's own; a racing winner wrote elsewhere.
			if derr := m.blobs.Delete(ctx, written); derr != nil {
				m.log.WithError(derr).WithField("key", written).Warn("removing orphaned bundle")
			}
			t.ModelsPath = ""
		}
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return backoff.Permanent(fmt.Errorf("%w: %s", ErrDuplicateKey, t.TrialID))
		}
		return err
	})
	if err != nil {
		return "", err
	}
	return t.TrialID, nil
}

// RecordCompletion counts one persisted trial for this worker.
func (m *Manager) RecordCompletion(ctx context.Context) error {
	c := m.coordinator()
	if c == nil {
		return nil
	}
	return m.retry(ctx, "increment", func() error {
		return c.Increment(ctx, m.cfg.Worker)
	})
}

// RunRetentionPass reports whether this worker should keep searching. The
// master evicts surplus trials when the stop threshold is not reached. An
// eviction error aborts only this pass and still reports keep running.
func (m *Manager) RunRetentionPass(ctx context.Context) (bool, error) {
	if err := m.Connect(ctx); err != nil {
		return true, err
	}
	if c := m.coordinator(); c != nil && m.cfg.ExitProcesses > 0 {
		var sum int64
		err := m.retry(ctx, "sum", func() error {
			var err error
			sum, err = c.SumAll(ctx)
			return err
		})
		if err != nil {
			telemetry.ObserveRetention(telemetry.OutcomeFailed)
			return true, err
		}
		if sum >= int64(m.cfg.ExitProcesses) {
			telemetry.ObserveRetention(telemetry.OutcomeStop)
			m.log.WithFields(logrus.Fields{"completed": sum, "exit_processes": m.cfg.ExitProcesses}).Info("stop threshold reached")
			return false, nil
		}
	}
	if !m.cfg.Master {
		telemetry.ObserveRetention(telemetry.OutcomeSkipped)
		return true, nil
	}
	n, err := m.Evict(ctx)
	if err != nil {
		telemetry.ObserveRetention(telemetry.OutcomeFailed)
		return true, err
	}
	telemetry.ObserveRetention(telemetry.OutcomeEvicted)
	if c := m.coordinator(); c != nil {
		if err := m.retry(ctx, "reset", func() error { return c.Reset(ctx) }); err != nil {
			return true, err
		}
	}
	if n > 0 {
		m.log.WithField("evicted", n).Info("retention pass")
	}
	return true, nil
}

// Evict keeps the best MaxPersistentModel records of every estimator and
// deletes the rest, blob first. It returns the number of records removed.
func (m *Manager) Evict(ctx context.Context) (int, error) {
	store, err := m.Store(ctx)
	if err != nil {
		return 0, err
	}
	var ests []string
	err = m.retry(ctx, "evict", func() error {
		var err error
		ests, err = store.Estimators(ctx)
		return err
	})
	if err != nil {
		return 0, err
	}
	var total int
	for _, est := range ests {
		var surplus []*result.Trial
		err := m.retry(ctx, "evict", func() error {
			var err error
			surplus, err = store.Surplus(ctx, est, m.cfg.MaxPersistentModel)
			return err
		})
		if err != nil {
			return total, err
		}
		if len(surplus) == 0 {
			continue
		}
		ids := make([]string, 0, len(surplus))
		for _, t := range surplus {
			if t.ModelsPath != "" {
				if err := m.retry(ctx, "evict", func() error { return m.blobs.Delete(ctx, t.ModelsPath) }); err != nil {
					return total, err
				}
			}
			ids = append(ids, t.TrialID)
		}
		if err := m.retry(ctx, "evict", func() error { return store.Delete(ctx, ids) }); err != nil {
			return total, err
		}
		total += len(ids)
		telemetry.AddEvicted(len(ids))
		m.log.WithFields(logrus.Fields{"estimator": est, "evicted": len(ids)}).Debug("evicted surplus trials")
	}
	return total, nil
}

// BestK returns the ids of the k best successful trials.
func (m *Manager) BestK(ctx context.Context, k int) ([]string, error) {
	store, err := m.Store(ctx)
	if err != nil {
		return nil, err
	}
	best, err := store.Best(ctx, k)
	if err != nil {
		return nil, &StorageError{Op: "best", Err: err}
	}
	ids := make([]string, len(best))
	for i, t := range best {
		ids[i] = t.TrialID
	}
	return ids, nil
}

func (m *Manager) loadBundle(ctx context.Context, t *result.Trial) ([]*pipeline.Pipeline, error) {
	var data []byte
	switch {
	case len(t.ModelsBit) > 0:
		data = t.ModelsBit
	case t.ModelsPath != "":
		b, err := m.blobs.Load(ctx, t.ModelsPath)
		if err != nil {
			return nil, &StorageError{Op: "load", Err: err}
		}
		data = b
	default:
		return nil, fmt.Errorf("trial %s has no model bundle", t.TrialID)
	}
	return pipeline.DecodeBundle(data)
}

func (m *Manager) best(ctx context.Context) (*result.Trial, error) {
	store, err := m.Store(ctx)
	if err != nil {
		return nil, err
	}
	best, err := store.Best(ctx, 1)
	if err != nil {
		return nil, &StorageError{Op: "best", Err: err}
	}
	if len(best) == 0 {
		return nil, fmt.Errorf("no successful trials: %w", result.ErrNotFound)
	}
	return best[0], nil
}

// LoadBestEstimator wraps the best trial's fold models in a VoteClassifier or
// MeanRegressor.
func (m *Manager) LoadBestEstimator(ctx context.Context, task dataset.Task) (ensemble.Predictor, *result.Trial, error) {
	t, err := m.best(ctx)
	if err != nil {
		return nil, nil, err
	}
	models, err := m.loadBundle(ctx, t)
	if err != nil {
		return nil, nil, err
	}
	preds := make([]ensemble.Predictor, len(models))
	for i, p := range models {
		preds[i] = p
	}
	if task == dataset.Regression {
		return &ensemble.MeanRegressor{Models: preds}, t, nil
	}
	return &ensemble.VoteClassifier{Models: preds}, t, nil
}

// LoadBestConfig returns the nested configuration of the best trial.
func (m *Manager) LoadBestConfig(ctx context.Context) (map[string]any, error) {
	t, err := m.best(ctx)
	if err != nil {
		return nil, err
	}
	return t.DictHyperParam, nil
}

// TrialModels are the fold models and validation predictions of one trial.
type TrialModels struct {
	TrialID     string
	Models      []*pipeline.Pipeline
	Predictions *result.Predictions
}

// LoadEstimatorsInTrials loads the bundles and predictions of ids, in order.
func (m *Manager) LoadEstimatorsInTrials(ctx context.Context, ids []string) ([]TrialModels, error) {
	store, err := m.Store(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]TrialModels, 0, len(ids))
	for _, id := range ids {
		t, err := store.Get(ctx, id)
		if err != nil {
			return nil, &StorageError{Op: "load", Err: err}
		}
		models, err := m.loadBundle(ctx, t)
		if err != nil {
			return nil, err
		}
		preds, err := t.Predictions()
		if err != nil {
			return nil, err
		}
		out = append(out, TrialModels{TrialID: id, Models: models, Predictions: preds})
	}
	return out, nil
}

// RegisterProcess appends pid to the shared process registry.
func (m *Manager) RegisterProcess(ctx context.Context, pid int) error {
	if err := m.Connect(ctx); err != nil {
		return err
	}
	c := m.coordinator()
	if c == nil {
		return nil
	}
	return m.retry(ctx, "register", func() error { return c.PushPID(ctx, pid) })
}

func (m *Manager) Processes(ctx context.Context) ([]int, error) {
	if err := m.Connect(ctx); err != nil {
		return nil, err
	}
	c := m.coordinator()
	if c == nil {
		return nil, nil
	}
	pids, err := c.ListPIDs(ctx)
	if err != nil {
		return nil, &StorageError{Op: "processes", Err: err}
	}
	return pids, nil
}

func (m *Manager) ClearProcesses(ctx context.Context) error {
	if err := m.Connect(ctx); err != nil {
		return err
	}
	c := m.coordinator()
	if c == nil {
		return nil
	}
	if err := c.ClearPIDs(ctx); err != nil {
		return &StorageError{Op: "processes", Err: err}
	}
	return nil
}

// ResetCounter zeroes the coordination counter, used by the launcher before
// starting a fresh set of workers.
func (m *Manager) ResetCounter(ctx context.Context) error {
	if err := m.Connect(ctx); err != nil {
		return err
	}
	c := m.coordinator()
	if c == nil {
		return nil
	}
	if err := c.Reset(ctx); err != nil {
		return &StorageError{Op: "reset", Err: err}
	}
	return nil
}
