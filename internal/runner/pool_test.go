package runner_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/signalnine/hypertune/internal/runner"
)

func TestPool(t *testing.T) {
	var count atomic.Int32
	jobs := make([]runner.Job, 10)
	for i := range jobs {
		jobs[i] = func(context.Context) error {
			count.Add(1)
			return nil
		}
	}
	errs := runner.RunPool(context.Background(), 3, jobs)
	if _, err := runner.FirstError(errs); err != nil {
		t.Errorf("expected no errors, got %v", errs)
	}
	if count.Load() != 10 {
		t.Errorf("expected 10 jobs, got %d", count.Load())
	}
}

func TestPoolWithErrors(t *testing.T) {
	jobs := []runner.Job{
		func(context.Context) error { return nil },
		func(context.Context) error { return fmt.Errorf("fail") },
		func(context.Context) error { return nil },
	}
	errs := runner.RunPool(context.Background(), 2, jobs)
	if len(errs) != 3 {
		t.Fatalf("expected one slot per job, got %d", len(errs))
	}
	idx, err := runner.FirstError(errs)
	if idx != 1 || err == nil {
		t.Errorf("expected error at index 1, got %d %v", idx, err)
	}
}

func TestPoolBoundsConcurrency(t *testing.T) {
	var running, peak atomic.Int32
	release := make(chan struct{})
	jobs := make([]runner.Job, 6)
	for i := range jobs {
		jobs[i] = func(context.Context) error {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-release
			running.Add(-1)
			return nil
		}
	}
	done := make(chan struct{})
	go func() {
		runner.RunPool(context.Background(), 2, jobs)
		close(done)
	}()
	close(release)
	<-done
	if peak.Load() > 2 {
		t.Errorf("peak concurrency %d exceeds 2", peak.Load())
	}
}

func TestPoolSkipsAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var ran atomic.Int32
	jobs := []runner.Job{
		func(context.Context) error { ran.Add(1); return nil },
		func(context.Context) error { ran.Add(1); return nil },
	}
	errs := runner.RunPool(ctx, 1, jobs)
	if ran.Load() != 0 {
		t.Errorf("expected no job to start, %d ran", ran.Load())
	}
	for i, err := range errs {
		if err != context.Canceled {
			t.Errorf("job %d: got %v, want context.Canceled", i, err)
		}
	}
}
