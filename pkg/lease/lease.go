// Package lease implements the leasable lock and lease manager (C11):
// a single NoSQL row electing one active holder per partition, and a
// background loop that acquires, renews, and reports on it.
package lease

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/pbs/pkg/log"
	"github.com/cuemby/pbs/pkg/metrics"
	"github.com/cuemby/pbs/pkg/pbserr"
	"github.com/cuemby/pbs/pkg/storage"
	"github.com/cuemby/pbs/pkg/types"
)

type row struct {
	HolderID       string    `json:"holder_id"`
	HolderEndpoint string    `json:"holder_endpoint"`
	LeaseExpiryUTC time.Time `json:"lease_expiry_utc"`
}

// LeasableLock is a single NoSQL row (row_key = global partition id)
// electing one holder at a time via conditional writes.
type LeasableLock struct {
	table     storage.NoSqlTable
	tableName string
	lockID    string

	holderID       string
	holderEndpoint string
	duration       time.Duration

	version uint64
}

// NewLeasableLock builds a lock over table/tableName at row key lockID,
// identifying this holder as (holderID, holderEndpoint).
func NewLeasableLock(table storage.NoSqlTable, tableName, lockID, holderID, holderEndpoint string, duration time.Duration) *LeasableLock {
	return &LeasableLock{
		table: table, tableName: tableName, lockID: lockID,
		holderID: holderID, holderEndpoint: holderEndpoint, duration: duration,
	}
}

func (l *LeasableLock) read(ctx context.Context) (types.PartitionLease, uint64, error) {
	data, version, err := l.table.GetRow(ctx, l.tableName, l.lockID)
	if errors.Is(err, storage.ErrNotFound) {
		return types.PartitionLease{LockID: l.lockID}, 0, nil
	}
	if err != nil {
		return types.PartitionLease{}, 0, err
	}
	var r row
	if err := json.Unmarshal(data, &r); err != nil {
		return types.PartitionLease{}, 0, err
	}
	return types.PartitionLease{LockID: l.lockID, HolderID: r.HolderID, HolderEndpoint: r.HolderEndpoint, LeaseExpiryUTC: r.LeaseExpiryUTC}, version, nil
}

func (l *LeasableLock) write(ctx context.Context, version uint64, expiry time.Time) (uint64, error) {
	data, err := json.Marshal(row{HolderID: l.holderID, HolderEndpoint: l.holderEndpoint, LeaseExpiryUTC: expiry})
	if err != nil {
		return 0, err
	}
	return l.table.PutRowIfVersion(ctx, l.tableName, l.lockID, data, version)
}

// Attempt tries to acquire or renew the lease once: acquisition
// succeeds if the lease is unset or past expiry; renewal succeeds if
// this instance is already the holder. Either way it is a single
// conditional write, retried by the caller (LeaseManager) on the next
// tick if it loses the race.
func (l *LeasableLock) Attempt(ctx context.Context, now time.Time) (Transition, error) {
	current, version, err := l.read(ctx)
	if err != nil {
		return Transition{}, pbserr.NewFailure(pbserr.CodeInternal, err)
	}

	isUnheld := current.HolderID == "" || current.Expired(now)
	isSelf := current.HolderID == l.holderID

	if !isUnheld && !isSelf {
		return Transition{Kind: NotAcquired, HolderID: current.HolderID, HolderEndpoint: current.HolderEndpoint}, nil
	}

	expiry := now.Add(l.duration)
	newVersion, err := l.write(ctx, version, expiry)
	if errors.Is(err, storage.ErrVersionConflict) {
		// Lost the race to another instance between read and write.
		return Transition{Kind: NotAcquired}, nil
	}
	if err != nil {
		return Transition{}, pbserr.NewFailure(pbserr.CodeInternal, err)
	}
	l.version = newVersion

	if isSelf {
		return Transition{Kind: Renewed}, nil
	}
	return Transition{Kind: Acquired}, nil
}

// Kind enumerates the lease transitions delivered to a Handler.
type Kind int

const (
	Acquired Kind = iota
	Renewed
	Lost
	NotAcquired
)

func (k Kind) String() string {
	switch k {
	case Acquired:
		return "ACQUIRED"
	case Renewed:
		return "RENEWED"
	case Lost:
		return "LOST"
	case NotAcquired:
		return "NOT_ACQUIRED"
	default:
		return "UNKNOWN"
	}
}

// Transition describes one lease state change. HolderID/HolderEndpoint
// name the current holder for NotAcquired (and Lost) when another
// holder was read from the row; they are empty when the conditional
// write lost a race, and for Acquired and Renewed.
type Transition struct {
	Kind           Kind
	HolderID       string
	HolderEndpoint string
}

// Handler reacts to lease transitions. It must return promptly — it
// runs on the LeaseManager's own loop goroutine.
type Handler func(Transition)

// Manager loops at period = duration/2, attempting to acquire or renew
// the lock and reporting the outcome to a Handler (spec §4.11).
type Manager struct {
	lock    *LeasableLock
	period  time.Duration
	handler Handler
	logger  zerolog.Logger

	heldMu sync.Mutex
	held   bool

	stop chan struct{}
	done chan struct{}
}

// NewManager builds a Manager polling lock every duration/2, reporting
// transitions to handler.
func NewManager(lock *LeasableLock, duration time.Duration, handler Handler) *Manager {
	return &Manager{
		lock:    lock,
		period:  duration / 2,
		handler: handler,
		logger:  log.WithComponent("lease"),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Run starts the polling loop in a new goroutine. Call Stop to halt it.
func (m *Manager) Run(ctx context.Context) {
	go m.loop(ctx)
}

func (m *Manager) loop(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.period)
	defer ticker.Stop()

	m.tick(ctx)
	for {
		select {
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Manager) tick(ctx context.Context) {
	transition, err := m.lock.Attempt(ctx, time.Now())
	if err != nil {
		m.logger.Error().Err(err).Msg("lease attempt failed")
		return
	}

	m.heldMu.Lock()
	wasHeld := m.held
	if transition.Kind == NotAcquired && wasHeld {
		transition.Kind = Lost
	}
	nowHeld := transition.Kind == Acquired || transition.Kind == Renewed
	m.held = nowHeld
	m.heldMu.Unlock()

	metrics.LeaseStateTransitionsTotal.WithLabelValues(transition.Kind.String()).Inc()
	if nowHeld {
		metrics.LeaseIsHeld.Set(1)
	} else {
		metrics.LeaseIsHeld.Set(0)
	}
	m.handler(transition)
}

// IsHeld reports whether this instance currently holds the lease.
func (m *Manager) IsHeld() bool {
	m.heldMu.Lock()
	defer m.heldMu.Unlock()
	return m.held
}

// Stop halts the polling loop and waits for it to exit.
func (m *Manager) Stop() {
	close(m.stop)
	<-m.done
}
