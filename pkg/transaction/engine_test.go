package transaction

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/pbs/pkg/budgetkey"
	"github.com/cuemby/pbs/pkg/journal"
	"github.com/cuemby/pbs/pkg/pbserr"
	"github.com/cuemby/pbs/pkg/storage"
	"github.com/cuemby/pbs/pkg/types"
)

func mustUUID(t *testing.T) types.UUID {
	u, err := types.NewUUID()
	if err != nil {
		t.Fatalf("NewUUID: %v", err)
	}
	return u
}

func newTestEngine(t *testing.T) *Engine {
	dir := t.TempDir()
	blobs, err := storage.NewBoltBlobStore(dir)
	if err != nil {
		t.Fatalf("NewBoltBlobStore: %v", err)
	}
	t.Cleanup(func() { blobs.Close() })
	table, err := storage.NewBoltNoSqlTable(dir)
	if err != nil {
		t.Fatalf("NewBoltNoSqlTable: %v", err)
	}
	t.Cleanup(func() { table.Close() })

	j := journal.New("p1", "bucket", blobs, 5*time.Millisecond)
	bkMgr := budgetkey.NewManager(table, "budget_keys", j, mustUUID(t))
	if err := bkMgr.RegisterWithJournal(j); err != nil {
		t.Fatalf("budgetkey RegisterWithJournal: %v", err)
	}
	engine := NewEngine(bkMgr.Provider, j, mustUUID(t))
	if err := engine.RegisterWithJournal(j); err != nil {
		t.Fatalf("engine RegisterWithJournal: %v", err)
	}
	if _, err := j.Recover(context.Background(), journal.RecoverRequest{}); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	t.Cleanup(j.Stop)
	return engine
}

const testDay = 1_704_067_200_000_000_000 // 2024-01-01T00:00:00Z, nanos

func rt(hour int) types.ReportingTime {
	return types.ReportingTime(testDay + int64(hour)*3_600_000_000_000)
}

func TestLocalTransactionRunsToCompletionInOneBeginCall(t *testing.T) {
	e := newTestEngine(t)
	txn, err := e.Begin(context.Background(), BeginRequest{
		Commands: []types.ConsumeBudgetCommandSpec{{BudgetKeyName: "k1", ReportingTime: rt(1), TokenCount: 1}},
	})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if txn.Phase != types.PhaseEnd {
		t.Fatalf("Phase = %s, want End", txn.Phase)
	}
	if txn.CurrentPhaseFailed {
		t.Fatalf("CurrentPhaseFailed = true, want false")
	}
	if e.ActiveCount() != 0 {
		t.Fatalf("ActiveCount = %d, want 0 after local completion", e.ActiveCount())
	}
}

func TestLocalTransactionAbortsOnInsufficientBudget(t *testing.T) {
	e := newTestEngine(t)
	txn, err := e.Begin(context.Background(), BeginRequest{
		Commands: []types.ConsumeBudgetCommandSpec{{BudgetKeyName: "k2", ReportingTime: rt(2), TokenCount: types.MaxTokenCount + 1}},
	})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if txn.Phase != types.PhaseEnd {
		t.Fatalf("Phase = %s, want End", txn.Phase)
	}
}

func TestRemoteTransactionIsDrivenPhaseByPhase(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	txn, err := e.Begin(ctx, BeginRequest{
		IsCoordinatedRemotely: true,
		Commands:              []types.ConsumeBudgetCommandSpec{{BudgetKeyName: "k3", ReportingTime: rt(3), TokenCount: 1}},
	})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if txn.Phase != types.PhaseBegin {
		t.Fatalf("Phase = %s, want Begin", txn.Phase)
	}
	if !txn.IsWaitingForRemote {
		t.Fatal("IsWaitingForRemote should be true immediately after Begin for a remote transaction")
	}

	txn, err = e.ExecutePhase(ctx, txn.ID, ReqBegin, txn.LastExecutionTimestamp)
	if err != nil {
		t.Fatalf("ExecutePhase(Begin): %v", err)
	}
	if txn.Phase != types.PhasePrepare {
		t.Fatalf("Phase after ReqBegin = %s, want Prepare", txn.Phase)
	}

	txn, err = e.ExecutePhase(ctx, txn.ID, ReqPrepare, txn.LastExecutionTimestamp)
	if err != nil {
		t.Fatalf("ExecutePhase(Prepare): %v", err)
	}
	if txn.Phase != types.PhaseCommit {
		t.Fatalf("Phase after ReqPrepare = %s, want Commit", txn.Phase)
	}

	txn, err = e.ExecutePhase(ctx, txn.ID, ReqCommit, txn.LastExecutionTimestamp)
	if err != nil {
		t.Fatalf("ExecutePhase(Commit): %v", err)
	}
	if txn.Phase != types.PhaseCommitNotify {
		t.Fatalf("Phase after ReqCommit = %s, want CommitNotify", txn.Phase)
	}

	txn, err = e.ExecutePhase(ctx, txn.ID, ReqNotify, txn.LastExecutionTimestamp)
	if err != nil {
		t.Fatalf("ExecutePhase(Notify): %v", err)
	}
	if txn.Phase != types.PhaseCommitted {
		t.Fatalf("Phase after ReqNotify = %s, want Committed", txn.Phase)
	}

	txn, err = e.ExecutePhase(ctx, txn.ID, ReqEnd, txn.LastExecutionTimestamp)
	if err != nil {
		t.Fatalf("ExecutePhase(End): %v", err)
	}
	if txn.Phase != types.PhaseEnd {
		t.Fatalf("Phase after ReqEnd = %s, want End", txn.Phase)
	}
	if e.ActiveCount() != 0 {
		t.Fatalf("ActiveCount = %d, want 0 after End", e.ActiveCount())
	}
}

func TestExecutePhaseRejectsUnknownTransaction(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.ExecutePhase(context.Background(), mustUUID(t), ReqPrepare, 1)
	if pbserr.CodeOf(err) != pbserr.CodeTransactionNotFound {
		t.Fatalf("CodeOf(err) = %s, want CodeTransactionNotFound", pbserr.CodeOf(err))
	}
}

func TestExecutePhaseRejectsPhaseNotValidFromCurrentState(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	txn, err := e.Begin(ctx, BeginRequest{
		IsCoordinatedRemotely: true,
		Commands:              []types.ConsumeBudgetCommandSpec{{BudgetKeyName: "k4", ReportingTime: rt(4), TokenCount: 1}},
	})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	// drive it to Prepare, then try to request Begin again (invalid from Prepare).
	txn, err = e.ExecutePhase(ctx, txn.ID, ReqBegin, txn.LastExecutionTimestamp)
	if err != nil {
		t.Fatalf("ExecutePhase(Begin): %v", err)
	}
	_, err = e.ExecutePhase(ctx, txn.ID, ReqBegin, txn.LastExecutionTimestamp)
	if pbserr.CodeOf(err) != pbserr.CodeInvalidTransactionPhase {
		t.Fatalf("CodeOf(err) = %s, want CodeInvalidTransactionPhase", pbserr.CodeOf(err))
	}
}

func TestExecutePhaseRejectsStaleTimestamp(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	txn, err := e.Begin(ctx, BeginRequest{
		IsCoordinatedRemotely: true,
		Commands:              []types.ConsumeBudgetCommandSpec{{BudgetKeyName: "k5", ReportingTime: rt(5), TokenCount: 1}},
	})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	_, err = e.ExecutePhase(ctx, txn.ID, ReqBegin, txn.LastExecutionTimestamp+99)
	if pbserr.CodeOf(err) != pbserr.CodeInvalidTransactionTS {
		t.Fatalf("CodeOf(err) = %s, want CodeInvalidTransactionTS", pbserr.CodeOf(err))
	}
}

func TestExecutePhaseRejectsConcurrentCallWhileRunning(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	txn, err := e.Begin(ctx, BeginRequest{
		IsCoordinatedRemotely: true,
		Commands:              []types.ConsumeBudgetCommandSpec{{BudgetKeyName: "k6", ReportingTime: rt(6), TokenCount: 1}},
	})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	// Manually flip IsWaitingForRemote off to simulate an in-flight phase,
	// then assert a second caller gets CURRENT_TRANSACTION_IS_RUNNING.
	entry := e.lookup(txn.ID)
	entry.mu.Lock()
	entry.txn.IsWaitingForRemote = false
	entry.mu.Unlock()

	_, err = e.ExecutePhase(ctx, txn.ID, ReqBegin, txn.LastExecutionTimestamp)
	if pbserr.CodeOf(err) != pbserr.CodeCurrentTransactionRunning {
		t.Fatalf("CodeOf(err) = %s, want CodeCurrentTransactionRunning", pbserr.CodeOf(err))
	}
}

func TestGetTransactionStatusUnknownAfterEnd(t *testing.T) {
	e := newTestEngine(t)
	txn, err := e.Begin(context.Background(), BeginRequest{
		Commands: []types.ConsumeBudgetCommandSpec{{BudgetKeyName: "k7", ReportingTime: rt(7), TokenCount: 1}},
	})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	phase, _, _, _, found := e.GetTransactionStatus(txn.ID)
	if found {
		t.Fatal("expected found = false for an ended transaction")
	}
	if phase != types.PhaseUnknown {
		t.Fatalf("phase = %s, want Unknown", phase)
	}
}

func TestGetTransactionStatusReportsHasFailuresDuringRemotePhase(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	txn, err := e.Begin(ctx, BeginRequest{
		IsCoordinatedRemotely: true,
		Commands:              []types.ConsumeBudgetCommandSpec{{BudgetKeyName: "k8", ReportingTime: rt(8), TokenCount: types.MaxTokenCount + 1}},
	})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	txn, err = e.ExecutePhase(ctx, txn.ID, ReqBegin, txn.LastExecutionTimestamp)
	if err != nil {
		t.Fatalf("ExecutePhase(Begin): %v", err)
	}
	txn, err = e.ExecutePhase(ctx, txn.ID, ReqPrepare, txn.LastExecutionTimestamp)
	if err != nil {
		t.Fatalf("ExecutePhase(Prepare): %v", err)
	}

	_, _, _, hasFailures, found := e.GetTransactionStatus(txn.ID)
	if !found {
		t.Fatal("expected found = true while the transaction is still waiting on the remote coordinator")
	}
	if !hasFailures {
		t.Fatal("hasFailures = false, want true after an over-budget command fails its phase")
	}
}
