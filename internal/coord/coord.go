// Package coord holds the state search workers share to agree on when to
// stop: a per-worker completion counter and the registry of worker PIDs.
package coord

import (
	"context"
	"fmt"
	"os"

	"gorm.io/gorm"
)

type Coordinator interface {
	// Increment adds one completed trial to worker's slot.
	Increment(ctx context.Context, worker string) error
	SumAll(ctx context.Context) (int64, error)
	// Reset zeroes every slot.
	Reset(ctx context.Context) error
	PushPID(ctx context.Context, pid int) error
	ListPIDs(ctx context.Context) ([]int, error)
	ClearPIDs(ctx context.Context) error
	Close() error
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type Config struct {
	// Type is "redis", "sql" or "none".
	Type  string      `yaml:"type"`
	Redis RedisConfig `yaml:"redis"`
}

// New builds the configured coordinator. The SQL coordinator shares db with
// the record store. A nil Coordinator with no error means coordination is
// disabled.
func New(cfg Config, namespace string, db *gorm.DB) (Coordinator, error) {
	switch cfg.Type {
	case "", "none":
		return nil, nil
	case "redis":
		return NewRedis(cfg.Redis, namespace), nil
	case "sql":
		if db == nil {
			return nil, fmt.Errorf("sql coordinator needs a record store connection")
		}
		s, err := NewSQL(db, namespace)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown coordination type %q", cfg.Type)
}

// WorkerKey identifies this process in the counter.
func WorkerKey() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
