package coord

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type counterRow struct {
	Namespace string `gorm:"column:namespace;primaryKey;size:128"`
	Worker    string `gorm:"column:worker;primaryKey;size:128"`
	Completed int64  `gorm:"column:completed;not null"`
}

func (counterRow) TableName() string { return "coordination_counters" }

type pidRow struct {
	ID        uint   `gorm:"column:id;primaryKey;autoIncrement"`
	Namespace string `gorm:"column:namespace;size:128;index"`
	PID       int    `gorm:"column:pid"`
}

func (pidRow) TableName() string { return "coordination_pids" }

// SQLCoordinator keeps the counter in the record store database. Increments
// are single upserts so concurrent workers never lose an update.
type SQLCoordinator struct {
	db        *gorm.DB
	namespace string
}

func NewSQL(db *gorm.DB, namespace string) (*SQLCoordinator, error) {
	if err := db.AutoMigrate(&counterRow{}, &pidRow{}); err != nil {
		return nil, fmt.Errorf("migrating coordination tables: %w", err)
	}
	return &SQLCoordinator{db: db, namespace: namespace}, nil
}

func (s *SQLCoordinator) Increment(ctx context.Context, worker string) error {
	row := counterRow{Namespace: s.namespace, Worker: worker, Completed: 1}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "namespace"}, {Name: "worker"}},
		DoUpdates: clause.Assignments(map[string]any{
			"completed": gorm.Expr("coordination_counters.completed + 1"),
		}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("incrementing %s: %w", worker, err)
	}
	return nil
}

func (s *SQLCoordinator) SumAll(ctx context.Context) (int64, error) {
	var sum int64
	err := s.db.WithContext(ctx).Model(&counterRow{}).
		Where("namespace = ?", s.namespace).
		Select("COALESCE(SUM(completed), 0)").Scan(&sum).Error
	if err != nil {
		return 0, fmt.Errorf("reading counter: %w", err)
	}
	return sum, nil
}

func (s *SQLCoordinator) Reset(ctx context.Context) error {
	if err := s.db.WithContext(ctx).Where("namespace = ?", s.namespace).Delete(&counterRow{}).Error; err != nil {
		return fmt.Errorf("resetting counter: %w", err)
	}
	return nil
}

func (s *SQLCoordinator) PushPID(ctx context.Context, pid int) error {
	if err := s.db.WithContext(ctx).Create(&pidRow{Namespace: s.namespace, PID: pid}).Error; err != nil {
		return fmt.Errorf("registering pid %d: %w", pid, err)
	}
	return nil
}

func (s *SQLCoordinator) ListPIDs(ctx context.Context) ([]int, error) {
	var out []int
	err := s.db.WithContext(ctx).Model(&pidRow{}).
		Where("namespace = ?", s.namespace).Order("id").Pluck("pid", &out).Error
	if err != nil {
		return nil, fmt.Errorf("listing pids: %w", err)
	}
	return out, nil
}

func (s *SQLCoordinator) ClearPIDs(ctx context.Context) error {
	if err := s.db.WithContext(ctx).Where("namespace = ?", s.namespace).Delete(&pidRow{}).Error; err != nil {
		return fmt.Errorf("clearing pids: %w", err)
	}
	return nil
}

// Close is a no-op: the connection belongs to the record store.
func (s *SQLCoordinator) Close() error { return nil }
