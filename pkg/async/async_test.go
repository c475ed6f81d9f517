package async

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestExecutor(t *testing.T) *Executor {
	e := NewExecutor(Config{Workers: 2, NormalQueue: 4, UrgentQueue: 4, PollInterval: time.Millisecond})
	t.Cleanup(e.Stop)
	return e
}

func TestScheduleRunsWork(t *testing.T) {
	e := newTestExecutor(t)
	done := make(chan struct{})
	if err := e.Schedule(func() { close(done) }, Normal); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("work never ran")
	}
}

func TestScheduleRejectsWhenQueueFull(t *testing.T) {
	e := NewExecutor(Config{Workers: 1, NormalQueue: 1, UrgentQueue: 1, PollInterval: time.Millisecond})
	defer e.Stop()

	block := make(chan struct{})
	if err := e.Schedule(func() { <-block }, Normal); err != nil {
		t.Fatalf("first Schedule: %v", err)
	}
	// worker is now blocked; fill the one remaining queue slot
	if err := e.Schedule(func() {}, Normal); err != nil {
		t.Fatalf("second Schedule: %v", err)
	}
	if err := e.Schedule(func() {}, Normal); err == nil {
		t.Fatal("expected third Schedule to return QUEUE_FULL")
	}
	close(block)
}

func TestScheduleRejectsAfterStop(t *testing.T) {
	e := NewExecutor(Config{Workers: 1, NormalQueue: 1, UrgentQueue: 1, PollInterval: time.Millisecond})
	e.Stop()
	if err := e.Schedule(func() {}, Normal); err == nil {
		t.Fatal("expected Schedule to fail after Stop")
	}
}

func TestScheduleForRunsAfterDelay(t *testing.T) {
	e := newTestExecutor(t)
	var ran int32
	e.ScheduleFor(func() { atomic.StoreInt32(&ran, 1) }, time.Now().Add(20*time.Millisecond))

	time.Sleep(5 * time.Millisecond)
	if atomic.LoadInt32(&ran) != 0 {
		t.Fatal("work ran before its scheduled time")
	}
	time.Sleep(60 * time.Millisecond)
	if atomic.LoadInt32(&ran) == 0 {
		t.Fatal("delayed work never ran")
	}
}

func TestScheduleForCancelBeforeFire(t *testing.T) {
	e := newTestExecutor(t)
	var ran int32
	handle := e.ScheduleFor(func() { atomic.StoreInt32(&ran, 1) }, time.Now().Add(50*time.Millisecond))

	if !handle.Cancel() {
		t.Fatal("expected Cancel to succeed before fire")
	}
	time.Sleep(80 * time.Millisecond)
	if atomic.LoadInt32(&ran) != 0 {
		t.Fatal("cancelled work ran anyway")
	}
	if handle.Cancel() {
		t.Fatal("second Cancel should report false")
	}
}

func TestUrgentPreferredOverNormal(t *testing.T) {
	e := NewExecutor(Config{Workers: 1, NormalQueue: 8, UrgentQueue: 8, PollInterval: time.Millisecond})
	defer e.Stop()

	var mu sync.Mutex
	var order []string

	block := make(chan struct{})
	_ = e.Schedule(func() { <-block }, Normal)

	for i := 0; i < 3; i++ {
		_ = e.Schedule(func() {
			mu.Lock()
			order = append(order, "normal")
			mu.Unlock()
		}, Normal)
	}
	for i := 0; i < 3; i++ {
		_ = e.Schedule(func() {
			mu.Lock()
			order = append(order, "urgent")
			mu.Unlock()
		}, Urgent)
	}
	close(block)

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 6 {
		t.Fatalf("expected 6 items run, got %d", len(order))
	}
	if order[0] != "urgent" {
		t.Fatalf("expected first drained item to be urgent, got %v", order)
	}
}

func TestIOExecutorBoundsConcurrency(t *testing.T) {
	io := NewIOExecutor(2)
	var inFlight, maxSeen int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = io.Run(context.Background(), func(ctx context.Context) error {
				n := atomic.AddInt32(&inFlight, 1)
				for {
					max := atomic.LoadInt32(&maxSeen)
					if n <= max || atomic.CompareAndSwapInt32(&maxSeen, max, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&inFlight, -1)
				return nil
			})
		}()
	}
	wg.Wait()
	if atomic.LoadInt32(&maxSeen) > 2 {
		t.Fatalf("max concurrent = %d, want <= 2", maxSeen)
	}
}
