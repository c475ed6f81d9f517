package budgetkey

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/pbs/pkg/expiringmap"
	"github.com/cuemby/pbs/pkg/journal"
	"github.com/cuemby/pbs/pkg/pbserr"
	"github.com/cuemby/pbs/pkg/storage"
	"github.com/cuemby/pbs/pkg/types"
)

// timeframeGroupTTL is the idle duration a loaded day-group survives
// once nothing touches it, absent any active-transaction veto.
const timeframeGroupTTL = 10 * time.Minute

type timeframeEntry struct {
	mu         sync.Mutex
	group      *types.BudgetKeyTimeframeGroup
	rowVersion uint64
}

// TimeframeManager owns the cached daily data for one budget key (C5).
type TimeframeManager struct {
	name      types.BudgetKeyName
	table     storage.NoSqlTable
	tableName string
	j         *journal.Service
	component types.UUID

	cache *expiringmap.Map[types.TimeGroup, *timeframeEntry]
}

// NewTimeframeManager constructs the manager for a single budget key.
// component is the componentID this manager's owning Manager registered
// with the journal; it is stamped on every record this manager writes.
func NewTimeframeManager(name types.BudgetKeyName, table storage.NoSqlTable, tableName string, j *journal.Service, component types.UUID) *TimeframeManager {
	tm := &TimeframeManager{
		name:      name,
		table:     table,
		tableName: tableName,
		j:         j,
		component: component,
	}
	tm.cache = expiringmap.New[types.TimeGroup, *timeframeEntry](timeframeGroupTTL, expiringmap.SlideOnAccess, tm.veto, 0)
	return tm
}

func rowKey(name types.BudgetKeyName, tg types.TimeGroup) string {
	return fmt.Sprintf("%s#%d", name, int64(tg))
}

// Load ensures the day-group covering reportingTimes is cached and
// returns the requested hourly timeframes. All times must fall in the
// same day and map to distinct hours.
func (m *TimeframeManager) Load(ctx context.Context, reportingTimes []types.ReportingTime) (map[types.TimeBucket]*types.BudgetKeyTimeframe, error) {
	if len(reportingTimes) == 0 {
		return map[types.TimeBucket]*types.BudgetKeyTimeframe{}, nil
	}
	tg := reportingTimes[0].Group()
	seen := make(map[types.TimeBucket]bool, len(reportingTimes))
	for _, rt := range reportingTimes {
		if rt.Group() != tg {
			return nil, pbserr.NewFailure(pbserr.CodeMultipleTimeframeGroups,
				fmt.Errorf("reporting times span more than one day"))
		}
		b := rt.Bucket()
		if seen[b] {
			return nil, pbserr.NewFailure(pbserr.CodeRepeatedTimebuckets,
				fmt.Errorf("reporting times repeat hour bucket %d", b))
		}
		seen[b] = true
	}

	entry, err := m.ensureLoaded(ctx, tg)
	if err != nil {
		return nil, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	out := make(map[types.TimeBucket]*types.BudgetKeyTimeframe, len(seen))
	for b := range seen {
		tf, ok := entry.group.Timeframes[b]
		if !ok {
			tf = &types.BudgetKeyTimeframe{HourIndex: b, TokenCount: types.MaxTokenCount}
			entry.group.Timeframes[b] = tf
		}
		out[b] = tf
	}
	return out, nil
}

// ensureLoaded returns the cached entry for tg, running the single-loader
// protocol if no one has loaded it yet.
func (m *TimeframeManager) ensureLoaded(ctx context.Context, tg types.TimeGroup) (*timeframeEntry, error) {
	entry, ok := m.cache.Find(tg)
	if !ok {
		fresh := &timeframeEntry{group: types.NewBudgetKeyTimeframeGroup(tg)}
		cur, err := m.cache.Insert(tg, fresh)
		if err != nil {
			if err == expiringmap.ErrBeingDeleted {
				return nil, pbserr.NewRetry(pbserr.CodeEntryLoading, err)
			}
			if err != expiringmap.ErrAlreadyExists {
				return nil, pbserr.NewFailure(pbserr.CodeInternal, err)
			}
		}
		entry = cur
	}

	entry.mu.Lock()
	if entry.group.IsLoaded {
		entry.mu.Unlock()
		return entry, nil
	}
	if !entry.group.NeedsLoader {
		// Someone else already won the race and is loading.
		entry.mu.Unlock()
		return nil, pbserr.NewRetry(pbserr.CodeEntryLoading, fmt.Errorf("timegroup %d is loading", tg))
	}
	entry.group.NeedsLoader = false
	entry.mu.Unlock()

	if err := m.cache.DisableEviction(tg); err != nil && err != expiringmap.ErrNotFound {
		return nil, pbserr.NewFailure(pbserr.CodeInternal, err)
	}
	defer m.cache.EnableEviction(tg)

	counts, version, err := m.readRow(ctx, tg)
	if err != nil {
		return nil, err
	}

	entry.mu.Lock()
	entry.rowVersion = version
	for i := 0; i < types.HoursPerDay; i++ {
		entry.group.Timeframes[types.TimeBucket(i)] = &types.BudgetKeyTimeframe{
			HourIndex:  types.TimeBucket(i),
			TokenCount: counts[i],
		}
	}
	entry.mu.Unlock()

	body, err := encodePayload(kindInsertTimegroup, insertTimegroupPayload{Name: m.name, TimeGroup: tg, Counts: counts})
	if err != nil {
		return nil, pbserr.NewFailure(pbserr.CodeInternal, err)
	}
	logID, err := types.NewUUID()
	if err != nil {
		return nil, pbserr.NewFailure(pbserr.CodeInternal, err)
	}
	if err := <-m.j.Log(ctx, types.JournalRecord{ComponentID: m.component, LogID: logID, Body: body}); err != nil {
		return nil, err
	}

	entry.mu.Lock()
	entry.group.IsLoaded = true
	entry.mu.Unlock()

	return entry, nil
}

func (m *TimeframeManager) readRow(ctx context.Context, tg types.TimeGroup) ([types.HoursPerDay]types.TokenCount, uint64, error) {
	var counts [types.HoursPerDay]types.TokenCount
	for i := range counts {
		counts[i] = types.MaxTokenCount
	}

	raw, version, err := m.table.GetRow(ctx, m.tableName, rowKey(m.name, tg))
	if errors.Is(err, storage.ErrNotFound) {
		return counts, 0, nil
	}
	if err != nil {
		return counts, 0, pbserr.NewRetry(pbserr.CodeInternal, err)
	}
	parsed, err := types.DeserializeTokenCounts(string(raw))
	if err != nil {
		return counts, version, pbserr.NewFailure(pbserr.CodeInternal, err)
	}
	return parsed, version, nil
}

// TimeframeUpdate describes one hour's new state, applied atomically
// with the rest of the batch.
type TimeframeUpdate struct {
	ReportingTime          types.ReportingTime
	NewTokenCount          types.TokenCount
	NewActiveTokenCount    types.TokenCount
	NewActiveTransactionID types.UUID
}

// Update journals and applies updates to an already-loaded day-group.
// All reporting times must fall in the same day and map to distinct hours.
func (m *TimeframeManager) Update(ctx context.Context, updates []TimeframeUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	tg := updates[0].ReportingTime.Group()
	seen := make(map[types.TimeBucket]bool, len(updates))
	for _, u := range updates {
		if u.ReportingTime.Group() != tg {
			return pbserr.NewFailure(pbserr.CodeMultipleTimeframeGroups, fmt.Errorf("updates span more than one day"))
		}
		b := u.ReportingTime.Bucket()
		if seen[b] {
			return pbserr.NewFailure(pbserr.CodeRepeatedTimebuckets, fmt.Errorf("updates repeat hour bucket %d", b))
		}
		seen[b] = true
	}

	entry, ok := m.cache.Find(tg)
	if !ok {
		return pbserr.NewFailure(pbserr.CodeInternal, fmt.Errorf("timegroup %d not loaded", tg))
	}

	if err := m.cache.DisableEviction(tg); err != nil && err != expiringmap.ErrNotFound {
		return pbserr.NewFailure(pbserr.CodeInternal, err)
	}
	defer m.cache.EnableEviction(tg)

	payload := updateTimeframePayload{Name: m.name, TimeGroup: tg, Updates: make([]timeframeUpdate, len(updates))}
	for i, u := range updates {
		payload.Updates[i] = timeframeUpdate{
			Hour:                u.ReportingTime.Bucket(),
			TokenCount:          u.NewTokenCount,
			ActiveTokenCount:    u.NewActiveTokenCount,
			ActiveTransactionID: u.NewActiveTransactionID,
		}
	}
	body, err := encodePayload(kindUpdateTimeframe, payload)
	if err != nil {
		return pbserr.NewFailure(pbserr.CodeInternal, err)
	}
	logID, err := types.NewUUID()
	if err != nil {
		return pbserr.NewFailure(pbserr.CodeInternal, err)
	}
	if err := <-m.j.Log(ctx, types.JournalRecord{ComponentID: m.component, LogID: logID, Body: body}); err != nil {
		return err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	applyTimeframeUpdates(entry.group, payload.Updates)
	return nil
}

func applyTimeframeUpdates(group *types.BudgetKeyTimeframeGroup, updates []timeframeUpdate) {
	for _, u := range updates {
		tf, ok := group.Timeframes[u.Hour]
		if !ok {
			tf = &types.BudgetKeyTimeframe{HourIndex: u.Hour}
			group.Timeframes[u.Hour] = tf
		}
		tf.TokenCount = u.TokenCount
		tf.ActiveTokenCount = u.ActiveTokenCount
		tf.ActiveTransactionID = u.ActiveTransactionID
	}
}

// Stop halts this manager's background eviction sweeper. Called by the
// owning Provider when the partition unloads.
func (m *TimeframeManager) Stop() {
	m.cache.Stop()
}

// CanUnload reports whether no day-group is presently cached.
func (m *TimeframeManager) CanUnload() bool {
	return len(m.cache.Keys()) == 0
}

// veto implements the C2 eviction hook: refuse while any hour holds a
// lock, else persist the row and journal the removal before voting delete.
func (m *TimeframeManager) veto(tg types.TimeGroup, e *timeframeEntry, decide func(bool)) {
	e.mu.Lock()
	if e.group.AnyActiveTransaction() {
		e.mu.Unlock()
		decide(false)
		return
	}
	counts := e.group.ToCounts()
	rowVersion := e.rowVersion
	e.mu.Unlock()

	ctx := context.Background()
	newVersion, err := m.table.PutRowIfVersion(ctx, m.tableName, rowKey(m.name, tg), []byte(types.SerializeTokenCounts(counts)), rowVersion)
	if err != nil {
		decide(false)
		return
	}

	body, err := encodePayload(kindRemoveTimegroup, removeTimegroupPayload{Name: m.name, TimeGroup: tg})
	if err != nil {
		decide(false)
		return
	}
	logID, err := types.NewUUID()
	if err != nil {
		decide(false)
		return
	}
	if err := <-m.j.Log(ctx, types.JournalRecord{ComponentID: m.component, LogID: logID, Body: body}); err != nil {
		decide(false)
		return
	}

	e.mu.Lock()
	e.rowVersion = newVersion
	e.mu.Unlock()
	decide(true)
}

// applyInsert restores a cached group from a replayed INSERT_TIMEGROUP_INTO_CACHE record.
func (m *TimeframeManager) applyInsert(p insertTimegroupPayload) {
	entry := &timeframeEntry{group: types.NewBudgetKeyTimeframeGroup(p.TimeGroup)}
	entry.group.NeedsLoader = false
	entry.group.IsLoaded = true
	for i := 0; i < types.HoursPerDay; i++ {
		entry.group.Timeframes[types.TimeBucket(i)] = &types.BudgetKeyTimeframe{
			HourIndex:  types.TimeBucket(i),
			TokenCount: p.Counts[i],
		}
	}
	if _, err := m.cache.Insert(p.TimeGroup, entry); err == expiringmap.ErrAlreadyExists {
		m.cache.Update(p.TimeGroup, entry)
	}
}

// applyUpdate applies a replayed UPDATE_TIMEFRAME_RECORD /
// BATCH_UPDATE_TIMEFRAME_RECORDS_OF_TIMEGROUP record.
func (m *TimeframeManager) applyUpdate(p updateTimeframePayload) {
	entry, ok := m.cache.Find(p.TimeGroup)
	if !ok {
		entry = &timeframeEntry{group: types.NewBudgetKeyTimeframeGroup(p.TimeGroup)}
		entry.group.IsLoaded = true
		m.cache.Insert(p.TimeGroup, entry)
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	applyTimeframeUpdates(entry.group, p.Updates)
}

// applyRemove applies a replayed REMOVE_TIMEGROUP_FROM_CACHE record.
func (m *TimeframeManager) applyRemove(p removeTimegroupPayload) {
	m.cache.Erase(p.TimeGroup)
}
