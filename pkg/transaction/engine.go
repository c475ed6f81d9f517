// Package transaction implements the 2PC state machine (C8): the
// per-transaction Begin/Prepare/Commit/Notify/Abort/End lifecycle,
// driven either internally (a local-only transaction runs straight
// through in one Begin call) or phase-by-phase by a remote
// coordinator through ExecutePhase.
package transaction

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/pbs/pkg/budgetkey"
	"github.com/cuemby/pbs/pkg/command"
	"github.com/cuemby/pbs/pkg/journal"
	"github.com/cuemby/pbs/pkg/log"
	"github.com/cuemby/pbs/pkg/metrics"
	"github.com/cuemby/pbs/pkg/pbserr"
	"github.com/cuemby/pbs/pkg/types"
)

// Request names the phase a caller is asking the engine to execute.
// It is distinct from types.TransactionPhase, which names the state
// the transaction sits in while waiting for that request.
type Request string

const (
	ReqBegin   Request = "BEGIN"
	ReqPrepare Request = "PREPARE"
	ReqCommit  Request = "COMMIT"
	ReqNotify  Request = "NOTIFY"
	ReqAbort   Request = "ABORT"
	ReqEnd     Request = "END"
)

const defaultTTL = 30 * time.Second

func isAllowedRequest(phase types.TransactionPhase, req Request) bool {
	switch phase {
	case types.PhaseBegin:
		return req == ReqBegin || req == ReqAbort
	case types.PhasePrepare:
		return req == ReqPrepare || req == ReqAbort
	case types.PhaseCommit:
		return req == ReqCommit || req == ReqAbort
	case types.PhaseCommitNotify:
		return req == ReqNotify || req == ReqAbort
	case types.PhaseCommitted, types.PhaseAborted, types.PhaseEnd:
		return req == ReqEnd
	default:
		return false
	}
}

func nextPhaseFor(req Request) types.TransactionPhase {
	switch req {
	case ReqBegin:
		return types.PhasePrepare
	case ReqPrepare:
		return types.PhaseCommit
	case ReqCommit:
		return types.PhaseCommitNotify
	case ReqNotify:
		return types.PhaseCommitted
	case ReqAbort:
		return types.PhaseAborted
	case ReqEnd:
		return types.PhaseEnd
	default:
		return types.PhaseUnknown
	}
}

// BeginRequest describes a new transaction.
type BeginRequest struct {
	Secret                string
	Origin                types.TransactionOrigin
	Commands              []types.ConsumeBudgetCommandSpec
	IsCoordinatedRemotely bool
	TTL                   time.Duration
}

type txnEntry struct {
	mu       sync.Mutex
	txn      types.Transaction
	commands []*command.ConsumeBudgetCommand
}

// Engine is the 2PC state machine (C8), scoped to one partition.
type Engine struct {
	provider  *budgetkey.Provider
	j         *journal.Service
	component types.UUID
	logger    zerolog.Logger

	mu   sync.Mutex
	txns map[types.UUID]*txnEntry
}

// NewEngine constructs an Engine resolving commands against provider
// and journaling transitions under component.
func NewEngine(provider *budgetkey.Provider, j *journal.Service, component types.UUID) *Engine {
	return &Engine{
		provider:  provider,
		j:         j,
		component: component,
		logger:    log.WithComponent("transaction"),
		txns:      make(map[types.UUID]*txnEntry),
	}
}

// RegisterWithJournal subscribes the engine for recovery. Must be
// called before the journal's Recover runs.
func (e *Engine) RegisterWithJournal(j *journal.Service) error {
	return j.SubscribeForRecovery(e.component, e.apply)
}

// ComponentID returns the fixed id this engine journals and recovers
// under.
func (e *Engine) ComponentID() types.UUID {
	return e.component
}

func (e *Engine) lookup(id types.UUID) *txnEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.txns[id]
}

func (e *Engine) finalize(id types.UUID) {
	e.mu.Lock()
	delete(e.txns, id)
	e.mu.Unlock()
}

// ActiveCount reports the number of transactions not yet at PhaseEnd.
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.txns)
}

// Begin creates a new transaction and journals its Begin record. A
// locally-coordinated transaction (IsCoordinatedRemotely == false) is
// then driven straight through to its terminal phase and End before
// Begin returns, matching "for local transactions, enqueue the next
// phase automatically" with no external driving at all. A remote
// transaction stops after Begin, waiting for ExecutePhase calls.
func (e *Engine) Begin(ctx context.Context, req BeginRequest) (types.Transaction, error) {
	id, err := types.NewUUID()
	if err != nil {
		return types.Transaction{}, pbserr.NewFailure(pbserr.CodeInternal, err)
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}

	cmds := make([]*command.ConsumeBudgetCommand, len(req.Commands))
	for i, spec := range req.Commands {
		cmds[i] = command.New(e.provider, spec, id)
	}

	txn := types.Transaction{
		ID:                     id,
		Secret:                 req.Secret,
		Origin:                 req.Origin,
		Phase:                  types.PhaseBegin,
		Commands:               req.Commands,
		LastExecutionTimestamp: 1,
		IsCoordinatedRemotely:  req.IsCoordinatedRemotely,
		IsWaitingForRemote:     req.IsCoordinatedRemotely,
		ExpirationTime:         time.Now().Add(ttl),
	}

	body, err := encodeRecord(kindBegin, beginPayload{
		ID:                    id,
		Secret:                req.Secret,
		Origin:                req.Origin,
		Commands:              req.Commands,
		IsCoordinatedRemotely: req.IsCoordinatedRemotely,
		ExpirationUnixNano:    txn.ExpirationTime.UnixNano(),
	})
	if err != nil {
		return types.Transaction{}, pbserr.NewFailure(pbserr.CodeInternal, err)
	}
	logID, err := types.NewUUID()
	if err != nil {
		return types.Transaction{}, pbserr.NewFailure(pbserr.CodeInternal, err)
	}
	if err := <-e.j.Log(ctx, types.JournalRecord{ComponentID: e.component, LogID: logID, Body: body}); err != nil {
		return types.Transaction{}, err
	}

	entry := &txnEntry{txn: txn, commands: cmds}
	e.mu.Lock()
	e.txns[id] = entry
	e.mu.Unlock()
	metrics.TransactionsInFlight.Inc()

	if !req.IsCoordinatedRemotely {
		return e.runLocalToCompletion(ctx, entry)
	}
	return txn, nil
}

func (e *Engine) runLocalToCompletion(ctx context.Context, entry *txnEntry) (types.Transaction, error) {
	entry.mu.Lock()
	defer entry.mu.Unlock()

	for _, req := range []Request{ReqPrepare, ReqCommit, ReqNotify} {
		if err := e.runPhaseWorkLocked(ctx, entry, req); err != nil {
			return entry.txn, err
		}
		if entry.txn.CurrentPhaseFailed {
			if err := e.runPhaseWorkLocked(ctx, entry, ReqAbort); err != nil {
				return entry.txn, err
			}
			break
		}
	}
	if err := e.runPhaseWorkLocked(ctx, entry, ReqEnd); err != nil {
		return entry.txn, err
	}
	result := entry.txn
	e.finalize(result.ID)
	return result, nil
}

// ExecutePhase drives one phase of a remote-coordinated transaction,
// enforcing the contract: transaction existence, remote coordination,
// the caller not racing an in-flight phase, the requested phase being
// valid from the current state, and the caller's view of
// last_execution_timestamp being current.
func (e *Engine) ExecutePhase(ctx context.Context, id types.UUID, req Request, lastExecutionTimestamp uint64) (types.Transaction, error) {
	entry := e.lookup(id)
	if entry == nil {
		return types.Transaction{}, pbserr.NewFailure(pbserr.CodeTransactionNotFound, nil)
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if !entry.txn.IsCoordinatedRemotely {
		return types.Transaction{}, pbserr.NewFailure(pbserr.CodeTransactionNotCoordinated, nil)
	}
	if !entry.txn.IsWaitingForRemote {
		return types.Transaction{}, pbserr.NewFailure(pbserr.CodeCurrentTransactionRunning, nil)
	}
	if !isAllowedRequest(entry.txn.Phase, req) {
		return types.Transaction{}, pbserr.NewFailure(pbserr.CodeInvalidTransactionPhase, nil)
	}
	if lastExecutionTimestamp != entry.txn.LastExecutionTimestamp {
		return types.Transaction{}, pbserr.NewFailure(pbserr.CodeInvalidTransactionTS, nil)
	}

	entry.txn.IsWaitingForRemote = false
	if err := e.runPhaseWorkLocked(ctx, entry, req); err != nil {
		entry.txn.IsWaitingForRemote = true
		return types.Transaction{}, err
	}
	entry.txn.IsWaitingForRemote = true

	result := entry.txn
	if result.Phase == types.PhaseEnd {
		e.finalize(result.ID)
	}
	return result, nil
}

// runPhaseWorkLocked dispatches req's per-command callbacks, journals
// the phase transition, and only on log success advances the
// in-memory phase. entry.mu must already be held.
func (e *Engine) runPhaseWorkLocked(ctx context.Context, entry *txnEntry, req Request) error {
	timer := metrics.NewTimer()
	failed, cause := e.dispatchCommands(ctx, entry.commands, req)
	newTimestamp := entry.txn.LastExecutionTimestamp + 1
	newPhase := nextPhaseFor(req)

	body, err := encodeRecord(kindPhaseTransition, phaseTransitionPayload{
		ID:                     entry.txn.ID,
		Request:                req,
		NewPhase:               newPhase,
		LastExecutionTimestamp: newTimestamp,
		Failed:                 failed,
		FailureCause:           cause,
	})
	if err != nil {
		return pbserr.NewFailure(pbserr.CodeInternal, err)
	}
	logID, err := types.NewUUID()
	if err != nil {
		return pbserr.NewFailure(pbserr.CodeInternal, err)
	}
	if err := <-e.j.Log(ctx, types.JournalRecord{ComponentID: e.component, LogID: logID, Body: body}); err != nil {
		return err
	}

	entry.txn.CurrentPhaseFailed = failed
	entry.txn.CurrentPhaseFailureCause = cause
	entry.txn.Phase = newPhase
	entry.txn.LastExecutionTimestamp = newTimestamp

	timer.ObserveDurationVec(metrics.TransactionPhaseDuration, string(req))
	if newPhase == types.PhaseCommitted || newPhase == types.PhaseAborted {
		metrics.TransactionsTotal.WithLabelValues(string(newPhase)).Inc()
	}
	return nil
}

func (e *Engine) dispatchCommands(ctx context.Context, cmds []*command.ConsumeBudgetCommand, req Request) (failed bool, cause string) {
	if len(cmds) == 0 || req == ReqBegin || req == ReqEnd {
		return false, ""
	}
	results := make([]error, len(cmds))
	var wg sync.WaitGroup
	for i, c := range cmds {
		wg.Add(1)
		go func(i int, c *command.ConsumeBudgetCommand) {
			defer wg.Done()
			results[i] = invokeCommand(ctx, c, req)
		}(i, c)
	}
	wg.Wait()
	for _, err := range results {
		if err != nil {
			return true, err.Error()
		}
	}
	return false, ""
}

func invokeCommand(ctx context.Context, c *command.ConsumeBudgetCommand, req Request) error {
	switch req {
	case ReqPrepare:
		return c.Prepare(ctx)
	case ReqCommit:
		return c.Commit(ctx)
	case ReqNotify:
		return c.Notify(ctx)
	case ReqAbort:
		return c.Abort(ctx)
	default:
		return nil
	}
}

// GetTransactionStatus returns the phase, last execution timestamp,
// expiration state, and whether the current phase has failed for id.
// found is false if id is unknown (including already-ended
// transactions), in which case phase is types.PhaseUnknown.
func (e *Engine) GetTransactionStatus(id types.UUID) (phase types.TransactionPhase, lastExecutionTimestamp uint64, isExpired bool, hasFailures bool, found bool) {
	entry := e.lookup(id)
	if entry == nil {
		return types.PhaseUnknown, 0, false, false, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.txn.Phase, entry.txn.LastExecutionTimestamp, time.Now().After(entry.txn.ExpirationTime), entry.txn.CurrentPhaseFailed, true
}

func (e *Engine) apply(body []byte) error {
	kind, rest, err := decodeKind(body)
	if err != nil {
		return err
	}
	switch kind {
	case kindBegin:
		var p beginPayload
		if err := unmarshal(rest, &p); err != nil {
			return err
		}
		cmds := make([]*command.ConsumeBudgetCommand, len(p.Commands))
		for i, spec := range p.Commands {
			cmds[i] = command.New(e.provider, spec, p.ID)
		}
		e.mu.Lock()
		e.txns[p.ID] = &txnEntry{commands: cmds, txn: types.Transaction{
			ID:                     p.ID,
			Secret:                 p.Secret,
			Origin:                 p.Origin,
			Phase:                  types.PhaseBegin,
			Commands:               p.Commands,
			LastExecutionTimestamp: 1,
			IsCoordinatedRemotely:  p.IsCoordinatedRemotely,
			IsWaitingForRemote:     p.IsCoordinatedRemotely,
			ExpirationTime:         time.Unix(0, p.ExpirationUnixNano),
		}}
		e.mu.Unlock()
		return nil
	case kindPhaseTransition:
		var p phaseTransitionPayload
		if err := unmarshal(rest, &p); err != nil {
			return err
		}
		entry := e.lookup(p.ID)
		if entry == nil {
			return nil
		}
		entry.mu.Lock()
		entry.txn.Phase = p.NewPhase
		entry.txn.LastExecutionTimestamp = p.LastExecutionTimestamp
		entry.txn.CurrentPhaseFailed = p.Failed
		entry.txn.CurrentPhaseFailureCause = p.FailureCause
		ended := p.NewPhase == types.PhaseEnd
		entry.mu.Unlock()
		if ended {
			e.finalize(p.ID)
		}
		return nil
	default:
		return nil
	}
}
