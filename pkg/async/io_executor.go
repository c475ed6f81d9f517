package async

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// IOExecutor bounds concurrent blob/NoSQL/HTTP calls by weight rather
// than by a fixed goroutine count, so I/O concurrency can exceed the
// CPU worker pool's size without unbounded goroutine growth.
type IOExecutor struct {
	sem *semaphore.Weighted
}

// NewIOExecutor creates an IOExecutor admitting up to maxConcurrent
// outstanding I/O calls at once.
func NewIOExecutor(maxConcurrent int64) *IOExecutor {
	if maxConcurrent <= 0 {
		maxConcurrent = 64
	}
	return &IOExecutor{sem: semaphore.NewWeighted(maxConcurrent)}
}

// Run acquires a slot (blocking until one is free or ctx is done) and
// runs fn, releasing the slot afterward.
func (e *IOExecutor) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer e.sem.Release(1)
	return fn(ctx)
}

// TryRun attempts to acquire a slot without blocking; it runs fn and
// returns true if a slot was available, false otherwise.
func (e *IOExecutor) TryRun(ctx context.Context, fn func(ctx context.Context) error) (bool, error) {
	if !e.sem.TryAcquire(1) {
		return false, nil
	}
	defer e.sem.Release(1)
	return true, fn(ctx)
}
