package dispatcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cuemby/pbs/pkg/async"
	"github.com/cuemby/pbs/pkg/pbserr"
)

func newTestDispatcher(t *testing.T, cfg Config) *Dispatcher {
	ex := async.NewExecutor(async.Config{Workers: 2, NormalQueue: 16, UrgentQueue: 4, PollInterval: time.Millisecond})
	t.Cleanup(ex.Stop)
	return New(ex, "test-op", cfg)
}

func TestDispatchSucceedsWithoutRetry(t *testing.T) {
	d := newTestDispatcher(t, DefaultConfig())
	calls := 0
	err := d.Dispatch(context.Background(), func(ctx context.Context, actx *AsyncContext) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestDispatchRetriesUntilSuccess(t *testing.T) {
	d := newTestDispatcher(t, Config{BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, MaxRetries: 5})
	calls := 0
	err := d.Dispatch(context.Background(), func(ctx context.Context, actx *AsyncContext) error {
		calls++
		if calls < 3 {
			return pbserr.NewRetry(pbserr.CodeAdmissionRejected, errors.New("not yet"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestDispatchExhaustsRetries(t *testing.T) {
	d := newTestDispatcher(t, Config{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, MaxRetries: 2})
	calls := 0
	err := d.Dispatch(context.Background(), func(ctx context.Context, actx *AsyncContext) error {
		calls++
		return pbserr.NewRetry(pbserr.CodeAdmissionRejected, errors.New("always retry"))
	})
	if pbserr.CodeOf(err) != pbserr.CodeExhaustedRetries {
		t.Fatalf("CodeOf(err) = %s, want CodeExhaustedRetries", pbserr.CodeOf(err))
	}
	if calls != 3 { // initial attempt + 2 retries
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestDispatchFailureShortCircuits(t *testing.T) {
	d := newTestDispatcher(t, DefaultConfig())
	calls := 0
	wantErr := pbserr.NewFailure(pbserr.CodeBudgetExhausted, nil)
	err := d.Dispatch(context.Background(), func(ctx context.Context, actx *AsyncContext) error {
		calls++
		return wantErr
	})
	if err != wantErr {
		t.Fatalf("Dispatch error = %v, want %v", err, wantErr)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestDispatchOperationExpired(t *testing.T) {
	d := newTestDispatcher(t, Config{BaseDelay: 50 * time.Millisecond, MaxDelay: time.Second, MaxRetries: 100})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := d.Dispatch(ctx, func(ctx context.Context, actx *AsyncContext) error {
		return pbserr.NewRetry(pbserr.CodeAdmissionRejected, errors.New("still retrying"))
	})
	if pbserr.CodeOf(err) != pbserr.CodeOperationExpired {
		t.Fatalf("CodeOf(err) = %s, want CodeOperationExpired", pbserr.CodeOf(err))
	}
}

func TestRetryCountExposedToCaller(t *testing.T) {
	d := newTestDispatcher(t, Config{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, MaxRetries: 5})
	var lastSeenRetryCount int
	_ = d.Dispatch(context.Background(), func(ctx context.Context, actx *AsyncContext) error {
		lastSeenRetryCount = actx.RetryCount
		if actx.RetryCount < 2 {
			return pbserr.NewRetry(pbserr.CodeAdmissionRejected, nil)
		}
		return nil
	})
	if lastSeenRetryCount != 2 {
		t.Fatalf("final RetryCount = %d, want 2", lastSeenRetryCount)
	}
}
