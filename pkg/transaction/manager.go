package transaction

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cuemby/pbs/pkg/journal"
	"github.com/cuemby/pbs/pkg/metrics"
	"github.com/cuemby/pbs/pkg/pbserr"
	"github.com/cuemby/pbs/pkg/types"
)

var errNotRunning = errors.New("transaction: manager is not running")

// ManagerStatus is the snapshot returned by GetTransactionManagerStatus.
type ManagerStatus struct {
	PendingTransactionsCount int
}

// Manager wraps Engine with admission control and an Init/Run/Stop
// lifecycle (C9).
type Manager struct {
	engine    *Engine
	maxActive int

	mu      sync.Mutex
	active  int
	running bool
}

// NewManager constructs a Manager admitting at most maxActive
// concurrent transactions.
func NewManager(engine *Engine, maxActive int) *Manager {
	if maxActive <= 0 {
		maxActive = 100000
	}
	return &Manager{engine: engine, maxActive: maxActive}
}

// RegisterWithJournal delegates to the wrapped Engine; call before
// the journal's Recover runs.
func (m *Manager) RegisterWithJournal(j *journal.Service) error {
	return m.engine.RegisterWithJournal(j)
}

// Run marks the manager ready to accept requests.
func (m *Manager) Run() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = true
}

// Stop blocks until active_transactions_count reaches zero (production
// drain semantics) or ctx is cancelled first, in which case it returns
// ctx.Err() without having stopped — the behavior the component design
// calls "refuses to complete while active_transactions_count > 0"
// under a short-deadline test context.
func (m *Manager) Stop(ctx context.Context) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		m.mu.Lock()
		if m.active == 0 {
			m.running = false
			m.mu.Unlock()
			return nil
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Manager) acquireSlot() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return pbserr.NewRetry(pbserr.CodePartitionNotLoaded, errNotRunning)
	}
	if m.active >= m.maxActive {
		metrics.TransactionsRejectedTotal.WithLabelValues("admission").Inc()
		return pbserr.NewRetry(pbserr.CodeCannotAcceptNewRequests, errors.New("transaction: active_transactions_count at capacity"))
	}
	m.active++
	return nil
}

func (m *Manager) releaseSlot() {
	m.mu.Lock()
	if m.active > 0 {
		m.active--
	}
	m.mu.Unlock()
}

// Begin admits and starts a new transaction. A locally-coordinated
// transaction occupies its slot only until Engine.Begin returns
// (it runs to completion internally); a remote-coordinated one keeps
// its slot until ExecutePhase drives it to PhaseEnd.
func (m *Manager) Begin(ctx context.Context, req BeginRequest) (types.Transaction, error) {
	if err := m.acquireSlot(); err != nil {
		return types.Transaction{}, err
	}
	txn, err := m.engine.Begin(ctx, req)
	if err != nil || txn.Phase == types.PhaseEnd {
		m.releaseSlot()
	}
	return txn, err
}

// ExecutePhase delegates to the wrapped Engine, releasing the
// transaction's admission slot once it reaches PhaseEnd.
func (m *Manager) ExecutePhase(ctx context.Context, id types.UUID, req Request, lastExecutionTimestamp uint64) (types.Transaction, error) {
	txn, err := m.engine.ExecutePhase(ctx, id, req, lastExecutionTimestamp)
	if err == nil && txn.Phase == types.PhaseEnd {
		m.releaseSlot()
	}
	return txn, err
}

// GetTransactionStatus delegates to the wrapped Engine.
func (m *Manager) GetTransactionStatus(id types.UUID) (phase types.TransactionPhase, lastExecutionTimestamp uint64, isExpired bool, hasFailures bool, found bool) {
	return m.engine.GetTransactionStatus(id)
}

// GetTransactionManagerStatus reports admission state. Allowed only
// while the manager is running.
func (m *Manager) GetTransactionManagerStatus() (ManagerStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return ManagerStatus{}, pbserr.NewFailure(pbserr.CodePartitionNotLoaded, errNotRunning)
	}
	return ManagerStatus{PendingTransactionsCount: m.active}, nil
}
