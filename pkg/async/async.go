// Package async implements the fixed-size worker pool every other
// component schedules its work on: two priority lanes (Normal, Urgent)
// plus a time-ordered min-heap for delayed work.
package async

import (
	"container/heap"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/pbs/pkg/log"
	"github.com/cuemby/pbs/pkg/metrics"
	"github.com/cuemby/pbs/pkg/pbserr"
)

var (
	errExecutorStopped = errors.New("async: executor stopped")
	errQueueFull        = errors.New("async: queue full")
)

// Priority selects which lane a work item is queued on.
type Priority int

const (
	Normal Priority = iota
	Urgent
)

// Work is a unit of schedulable work.
type Work func()

// CancelHandle cancels a delayed work item if it has not yet fired.
// Cancel returns false if the work already began dispatch.
type CancelHandle struct {
	cancelled *int32
	mu        *sync.Mutex
}

// Cancel atomically suppresses the delayed work. Returns true if the
// work had not yet started; false if it was already dispatched (or
// already cancelled).
func (h CancelHandle) Cancel() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if *h.cancelled != 0 {
		return false
	}
	*h.cancelled = 1
	return true
}

type delayedItem struct {
	notBefore time.Time
	work      Work
	cancelled *int32
	mu        *sync.Mutex
	index     int
}

type delayedQueue []*delayedItem

func (q delayedQueue) Len() int            { return len(q) }
func (q delayedQueue) Less(i, j int) bool  { return q[i].notBefore.Before(q[j].notBefore) }
func (q delayedQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i]; q[i].index = i; q[j].index = j }
func (q *delayedQueue) Push(x interface{}) {
	item := x.(*delayedItem)
	item.index = len(*q)
	*q = append(*q, item)
}
func (q *delayedQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

// Config configures an Executor.
type Config struct {
	Workers       int
	NormalQueue   int
	UrgentQueue   int
	PollInterval  time.Duration // how often the delayed-work heap is checked
}

// Executor is the fixed-size worker pool described by the component
// design: a bounded Normal queue, a bounded Urgent queue (always
// drained first), and a min-heap of delayed work serviced by a single
// timer goroutine that re-injects work once due.
type Executor struct {
	cfg    Config
	logger zerolog.Logger

	normal chan Work
	urgent chan Work

	delayedMu sync.Mutex
	delayed   delayedQueue
	wake      chan struct{}

	stopped   chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewExecutor constructs and starts an Executor with cfg.Workers workers.
func NewExecutor(cfg Config) *Executor {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.NormalQueue <= 0 {
		cfg.NormalQueue = 1024
	}
	if cfg.UrgentQueue <= 0 {
		cfg.UrgentQueue = 256
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Millisecond
	}
	e := &Executor{
		cfg:     cfg,
		logger:  log.WithComponent("async"),
		normal:  make(chan Work, cfg.NormalQueue),
		urgent:  make(chan Work, cfg.UrgentQueue),
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	for i := 0; i < cfg.Workers; i++ {
		e.wg.Add(1)
		go e.runWorker()
	}
	e.wg.Add(1)
	go e.runDelayedDispatcher()
	return e
}

// Schedule enqueues work on the given priority lane. Returns nil on
// success or a Retry result with CodeAdmissionRejected
// ("QUEUE_FULL") if the lane is saturated.
func (e *Executor) Schedule(work Work, priority Priority) error {
	select {
	case <-e.stopped:
		return pbserr.NewFailure(pbserr.CodeInternal, errExecutorStopped)
	default:
	}
	lane := e.normal
	if priority == Urgent {
		lane = e.urgent
	}
	select {
	case lane <- work:
		return nil
	default:
		return pbserr.NewRetry(pbserr.CodeAdmissionRejected, errQueueFull)
	}
}

// ScheduleFor schedules work to run no earlier than notBefore, returning
// a handle that can cancel it before dispatch.
func (e *Executor) ScheduleFor(work Work, notBefore time.Time) CancelHandle {
	cancelled := new(int32)
	mu := &sync.Mutex{}
	item := &delayedItem{notBefore: notBefore, work: work, cancelled: cancelled, mu: mu}

	e.delayedMu.Lock()
	heap.Push(&e.delayed, item)
	e.delayedMu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}

	return CancelHandle{cancelled: cancelled, mu: mu}
}

func (e *Executor) runDelayedDispatcher() {
	defer e.wg.Done()
	timer := time.NewTimer(e.cfg.PollInterval)
	defer timer.Stop()

	for {
		select {
		case <-e.stopped:
			return
		case <-e.wake:
		case <-timer.C:
		}

		now := time.Now()
		for {
			e.delayedMu.Lock()
			if e.delayed.Len() == 0 {
				e.delayedMu.Unlock()
				break
			}
			next := e.delayed[0]
			if next.notBefore.After(now) {
				e.delayedMu.Unlock()
				break
			}
			heap.Pop(&e.delayed)
			e.delayedMu.Unlock()

			next.mu.Lock()
			alreadyCancelled := *next.cancelled != 0
			if !alreadyCancelled {
				*next.cancelled = 2 // dispatched: Cancel() now returns false
			}
			next.mu.Unlock()
			if !alreadyCancelled {
				_ = e.Schedule(next.work, Normal)
			}
		}
		timer.Reset(e.cfg.PollInterval)
	}
}

func (e *Executor) runWorker() {
	defer e.wg.Done()
	for {
		select {
		case <-e.stopped:
			return
		case w := <-e.urgent:
			e.run(w)
		default:
		}

		select {
		case <-e.stopped:
			return
		case w := <-e.urgent:
			e.run(w)
		case w := <-e.normal:
			e.run(w)
		}
	}
}

func (e *Executor) run(w Work) {
	timer := metrics.NewTimer()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Interface("panic", r).Msg("work item panicked")
		}
	}()
	w()
	_ = timer.Duration()
}

// Stop halts dispatch; queued work submitted after Stop is rejected.
// Workers finish their current item and exit.
func (e *Executor) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopped)
	})
	e.wg.Wait()
}
