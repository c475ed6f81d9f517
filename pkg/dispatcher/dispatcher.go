// Package dispatcher implements the operation dispatcher (C3): it
// drives a retryable operation through exponential backoff scheduled
// on the async executor (C1), terminating with EXHAUSTED_RETRIES or
// OPERATION_EXPIRED.
package dispatcher

import (
	"context"
	"time"

	"github.com/cuemby/pbs/pkg/async"
	"github.com/cuemby/pbs/pkg/metrics"
	"github.com/cuemby/pbs/pkg/pbserr"
)

// Config controls backoff shape and retry budget.
type Config struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxRetries int
}

// DefaultConfig matches the values used throughout the component design.
func DefaultConfig() Config {
	return Config{BaseDelay: 10 * time.Millisecond, MaxDelay: 2 * time.Second, MaxRetries: 8}
}

// AsyncContext carries the operation's deadline and the retry count
// exposed to the final callback.
type AsyncContext struct {
	ExpirationTime time.Time
	RetryCount     int
}

// Fn is the operation to dispatch. It returns nil on success, a
// *pbserr.Result with Kind Retry to request a retry, or any other
// error (including a Failure Result) to short-circuit.
type Fn func(ctx context.Context, actx *AsyncContext) error

// Dispatcher retries a Fn with exponential backoff via an Executor.
type Dispatcher struct {
	cfg Config
	ex  *async.Executor

	operation string // label for metrics
}

// New constructs a Dispatcher bound to ex, labeling its metrics with operation.
func New(ex *async.Executor, operation string, cfg Config) *Dispatcher {
	return &Dispatcher{cfg: cfg, ex: ex, operation: operation}
}

// Dispatch runs fn, retrying on Retry results until success, Failure,
// EXHAUSTED_RETRIES, or OPERATION_EXPIRED. It blocks until a terminal
// outcome is reached or ctx is cancelled.
func (d *Dispatcher) Dispatch(ctx context.Context, fn Fn) error {
	actx := &AsyncContext{ExpirationTime: deadlineOf(ctx)}
	return d.attempt(ctx, fn, actx)
}

func deadlineOf(ctx context.Context) time.Time {
	if dl, ok := ctx.Deadline(); ok {
		return dl
	}
	return time.Time{}
}

func (d *Dispatcher) attempt(ctx context.Context, fn Fn, actx *AsyncContext) error {
	err := fn(ctx, actx)
	if err == nil {
		return nil
	}
	if !pbserr.IsRetry(err) {
		return err
	}

	if actx.RetryCount >= d.cfg.MaxRetries {
		metrics.DispatcherExhaustedTotal.WithLabelValues(d.operation, "retries").Inc()
		return pbserr.NewFailure(pbserr.CodeExhaustedRetries, err)
	}
	if !actx.ExpirationTime.IsZero() && time.Now().After(actx.ExpirationTime) {
		metrics.DispatcherExhaustedTotal.WithLabelValues(d.operation, "expired").Inc()
		return pbserr.NewFailure(pbserr.CodeOperationExpired, err)
	}

	delay := d.backoffDelay(actx.RetryCount)
	notBefore := time.Now().Add(delay)
	if !actx.ExpirationTime.IsZero() && notBefore.After(actx.ExpirationTime) {
		notBefore = actx.ExpirationTime
	}

	actx.RetryCount++
	metrics.DispatcherRetriesTotal.WithLabelValues(d.operation).Inc()

	resultCh := make(chan error, 1)
	d.ex.ScheduleFor(func() {
		resultCh <- d.attempt(ctx, fn, actx)
	}, notBefore)

	select {
	case res := <-resultCh:
		return res
	case <-ctx.Done():
		return pbserr.NewFailure(pbserr.CodeOperationExpired, ctx.Err())
	}
}

func (d *Dispatcher) backoffDelay(retryCount int) time.Duration {
	delay := d.cfg.BaseDelay
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= d.cfg.MaxDelay {
			return d.cfg.MaxDelay
		}
	}
	if delay > d.cfg.MaxDelay {
		delay = d.cfg.MaxDelay
	}
	return delay
}
