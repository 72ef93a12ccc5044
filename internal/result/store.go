package result

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var ErrNotFound = errors.New("trial not found")

// Store is the trial record store.
type Store struct {
	db *gorm.DB
}

// OpenDB opens a gorm connection for driver "sqlite" or "postgres". Unique
// violations are translated to gorm.ErrDuplicatedKey.
func OpenDB(driver, dsn string) (*gorm.DB, error) {
	var dial gorm.Dialector
	switch driver {
	case "", "sqlite":
		dial = sqlite.Open(dsn)
	case "postgres":
		dial = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unknown record store driver %q", driver)
	}
	db, err := gorm.Open(dial, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening %s record store: %w", driver, err)
	}
	if driver != "postgres" {
		// SQLite allows one writer; serialise through a single connection.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
		// Worker processes share the file; wait for their locks.
		for _, pragma := range []string{"PRAGMA busy_timeout = 10000", "PRAGMA journal_mode = WAL"} {
			if err := db.Exec(pragma).Error; err != nil {
				return nil, fmt.Errorf("configuring sqlite: %w", err)
			}
		}
	}
	return db, nil
}

// Open connects and migrates the trials table.
func Open(driver, dsn string) (*Store, error) {
	db, err := OpenDB(driver, dsn)
	if err != nil {
		return nil, err
	}
	s := NewStore(db)
	if err := s.Migrate(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) DB() *gorm.DB { return s.db }

func (s *Store) Migrate() error {
	if err := s.db.AutoMigrate(&Trial{}); err != nil {
		return fmt.Errorf("migrating trials: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&Trial{}).Where("trial_id = ?", id).Count(&n).Error; err != nil {
		return false, fmt.Errorf("checking trial %s: %w", id, err)
	}
	return n > 0, nil
}

// Insert adds a new record. A duplicate id yields gorm.ErrDuplicatedKey.
func (s *Store) Insert(ctx context.Context, t *Trial) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(t).Error; err != nil {
		return fmt.Errorf("inserting trial %s: %w", t.TrialID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*Trial, error) {
	var t Trial
	err := s.db.WithContext(ctx).Where("trial_id = ?", id).Take(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading trial %s: %w", id, err)
	}
	return &t, nil
}

func ranked(db *gorm.DB) *gorm.DB {
	return db.Order("loss ASC").Order("cost_time ASC").Order("trial_id ASC")
}

// Best returns the k best successful trials by (loss, cost_time). Equal keys
// are kept as separate entries, ordered by trial id.
func (s *Store) Best(ctx context.Context, k int) ([]*Trial, error) {
	var out []*Trial
	q := ranked(s.db.WithContext(ctx).Where("status = ?", StatusSuccess))
	if k > 0 {
		q = q.Limit(k)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("ranking trials: %w", err)
	}
	return out, nil
}

func (s *Store) Estimators(ctx context.Context) ([]string, error) {
	var out []string
	err := s.db.WithContext(ctx).Model(&Trial{}).Distinct("estimator").Order("estimator").Pluck("estimator", &out).Error
	if err != nil {
		return nil, fmt.Errorf("listing estimators: %w", err)
	}
	return out, nil
}

// Surplus returns the records of estimator ranked after the first keep, in
// one ordered query. Only the id and blob key are loaded.
func (s *Store) Surplus(ctx context.Context, estimator string, keep int) ([]*Trial, error) {
	var out []*Trial
	q := ranked(s.db.WithContext(ctx).Select("trial_id", "models_path").Where("estimator = ?", estimator))
	if err := q.Offset(keep).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("selecting surplus %s trials: %w", estimator, err)
	}
	return out, nil
}

func (s *Store) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Where("trial_id IN ?", ids).Delete(&Trial{}).Error; err != nil {
		return fmt.Errorf("deleting %d trials: %w", len(ids), err)
	}
	return nil
}

func (s *Store) Count(ctx context.Context, estimator string) (int64, error) {
	var n int64
	q := s.db.WithContext(ctx).Model(&Trial{})
	if estimator != "" {
		q = q.Where("estimator = ?", estimator)
	}
	if err := q.Count(&n).Error; err != nil {
		return 0, fmt.Errorf("counting trials: %w", err)
	}
	return n, nil
}

// List returns every record without model or prediction blobs, newest first.
func (s *Store) List(ctx context.Context) ([]*Trial, error) {
	var out []*Trial
	err := s.db.WithContext(ctx).
		Omit("models_bit", "y_true_indexes", "y_preds", "y_test_true", "y_test_pred").
		Order("created_at DESC").Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("listing trials: %w", err)
	}
	return out, nil
}

// Summary aggregates the records of one estimator.
type Summary struct {
	Estimator string
	Trials    int
	Succeeded int
	BestLoss  *float64
	MeanLoss  *float64
	MeanCost  float64
}

func (s *Store) Summaries(ctx context.Context) ([]Summary, error) {
	var out []Summary
	err := s.db.WithContext(ctx).Model(&Trial{}).
		Select(`estimator,
			count(*) AS trials,
			sum(CASE WHEN status = ? THEN 1 ELSE 0 END) AS succeeded,
			min(CASE WHEN status = ? THEN loss END) AS best_loss,
			avg(CASE WHEN status = ? THEN loss END) AS mean_loss,
			avg(cost_time) AS mean_cost`, StatusSuccess, StatusSuccess, StatusSuccess).
		Group("estimator").Order("estimator").Scan(&out).Error
	if err != nil {
		return nil, fmt.Errorf("summarising trials: %w", err)
	}
	return out, nil
}
