package budgetkey

import (
	"context"

	"github.com/cuemby/pbs/pkg/expiringmap"
	"github.com/cuemby/pbs/pkg/pbserr"
	"github.com/cuemby/pbs/pkg/types"
)

// Mutate reads the current state of one hour, lets fn decide the next
// state, and if fn proceeds, journals and applies it. fn sees a copy of
// the current timeframe; it never observes a partially-applied write.
//
// The read, decision, and journal append happen under the day-group's
// lock, not just the final apply: splitting them would let two
// concurrent callers both observe a free active_transaction_id and
// both proceed, violating the at-most-one-holder invariant on a given
// hour. Holding the lock here is safe only because this journal append
// is a synchronous local write (pkg/journal batches and flushes to an
// embedded bbolt store); it is not the kind of cross-network I/O the
// no-mutex-across-I/O guideline targets.
func (m *TimeframeManager) Mutate(ctx context.Context, rt types.ReportingTime, fn func(current types.BudgetKeyTimeframe) (next TimeframeUpdate, proceed bool, err error)) error {
	tg := rt.Group()
	entry, err := m.ensureLoaded(ctx, tg)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	b := rt.Bucket()
	tf, ok := entry.group.Timeframes[b]
	if !ok {
		tf = &types.BudgetKeyTimeframe{HourIndex: b, TokenCount: types.MaxTokenCount}
		entry.group.Timeframes[b] = tf
	}
	current := *tf

	next, proceed, fnErr := fn(current)
	if !proceed {
		entry.mu.Unlock()
		return fnErr
	}

	if err := m.cache.DisableEviction(tg); err != nil && err != expiringmap.ErrNotFound {
		entry.mu.Unlock()
		return pbserr.NewFailure(pbserr.CodeInternal, err)
	}

	payload := updateTimeframePayload{Name: m.name, TimeGroup: tg, Updates: []timeframeUpdate{{
		Hour:                b,
		TokenCount:          next.NewTokenCount,
		ActiveTokenCount:    next.NewActiveTokenCount,
		ActiveTransactionID: next.NewActiveTransactionID,
	}}}
	body, err := encodePayload(kindUpdateTimeframe, payload)
	if err != nil {
		m.cache.EnableEviction(tg)
		entry.mu.Unlock()
		return pbserr.NewFailure(pbserr.CodeInternal, err)
	}
	logID, err := types.NewUUID()
	if err != nil {
		m.cache.EnableEviction(tg)
		entry.mu.Unlock()
		return pbserr.NewFailure(pbserr.CodeInternal, err)
	}

	logErr := <-m.j.Log(ctx, types.JournalRecord{ComponentID: m.component, LogID: logID, Body: body})
	m.cache.EnableEviction(tg)
	if logErr != nil {
		entry.mu.Unlock()
		return logErr
	}

	applyTimeframeUpdates(entry.group, payload.Updates)
	entry.mu.Unlock()
	return nil
}
