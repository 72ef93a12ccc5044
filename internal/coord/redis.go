package coord

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// RedisCoordinator keeps the counter in a hash (HINCRBY per worker) and the
// PIDs in a list.
type RedisCoordinator struct {
	client     *redis.Client
	counterKey string
	pidKey     string
}

func NewRedis(cfg RedisConfig, namespace string) *RedisCoordinator {
	return NewRedisFromClient(redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}), namespace)
}

func NewRedisFromClient(client *redis.Client, namespace string) *RedisCoordinator {
	return &RedisCoordinator{
		client:     client,
		counterKey: "hypertune:" + namespace + ":completed",
		pidKey:     "hypertune:" + namespace + ":pid_list",
	}
}

func (r *RedisCoordinator) Increment(ctx context.Context, worker string) error {
	if err := r.client.HIncrBy(ctx, r.counterKey, worker, 1).Err(); err != nil {
		return fmt.Errorf("incrementing %s: %w", worker, err)
	}
	return nil
}

func (r *RedisCoordinator) SumAll(ctx context.Context) (int64, error) {
	vals, err := r.client.HVals(ctx, r.counterKey).Result()
	if err != nil {
		return 0, fmt.Errorf("reading counter: %w", err)
	}
	var sum int64
	for _, v := range vals {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("counter slot %q is not an integer", v)
		}
		sum += n
	}
	return sum, nil
}

func (r *RedisCoordinator) Reset(ctx context.Context) error {
	if err := r.client.Del(ctx, r.counterKey).Err(); err != nil {
		return fmt.Errorf("resetting counter: %w", err)
	}
	return nil
}

func (r *RedisCoordinator) PushPID(ctx context.Context, pid int) error {
	if err := r.client.RPush(ctx, r.pidKey, pid).Err(); err != nil {
		return fmt.Errorf("registering pid %d: %w", pid, err)
	}
	return nil
}

func (r *RedisCoordinator) ListPIDs(ctx context.Context) ([]int, error) {
	vals, err := r.client.LRange(ctx, r.pidKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("listing pids: %w", err)
	}
	out := make([]int, 0, len(vals))
	for _, v := range vals {
		pid, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("pid entry %q is not an integer", v)
		}
		out = append(out, pid)
	}
	return out, nil
}

func (r *RedisCoordinator) ClearPIDs(ctx context.Context) error {
	if err := r.client.Del(ctx, r.pidKey).Err(); err != nil {
		return fmt.Errorf("clearing pids: %w", err)
	}
	return nil
}

func (r *RedisCoordinator) Close() error {
	return r.client.Close()
}
