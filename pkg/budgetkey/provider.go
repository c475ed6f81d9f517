package budgetkey

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/pbs/pkg/expiringmap"
	"github.com/cuemby/pbs/pkg/journal"
	"github.com/cuemby/pbs/pkg/pbserr"
	"github.com/cuemby/pbs/pkg/storage"
	"github.com/cuemby/pbs/pkg/types"
)

// keyTTL is the idle duration a BudgetKey survives in the provider's
// cache, absent an active day-group vetoing eviction.
const keyTTL = 150 * time.Second

// BudgetKey pairs a key's identity with the timeframe manager that
// owns its cached daily data.
type BudgetKey struct {
	Name types.BudgetKeyName
	ID   types.UUID
	tfm  *TimeframeManager
}

// Timeframes returns the manager owning this key's day-group cache.
func (k *BudgetKey) Timeframes() *TimeframeManager { return k.tfm }

type keyEntry struct {
	mu          sync.Mutex
	needsLoader bool
	loaded      bool
	key         *BudgetKey
}

// Provider maps BudgetKeyName to BudgetKey (C6), lazily constructing
// each key's TimeframeManager on first access.
type Provider struct {
	table     storage.NoSqlTable
	tableName string
	j         *journal.Service
	component types.UUID

	cache *expiringmap.Map[types.BudgetKeyName, *keyEntry]

	tfmsMu sync.Mutex
	tfms   []*TimeframeManager
}

// NewProvider constructs the provider. component is the componentID
// this provider's owning Manager registered with the journal.
func NewProvider(table storage.NoSqlTable, tableName string, j *journal.Service, component types.UUID) *Provider {
	p := &Provider{table: table, tableName: tableName, j: j, component: component}
	p.cache = expiringmap.New[types.BudgetKeyName, *keyEntry](keyTTL, expiringmap.SlideOnAccess, p.veto, 0)
	return p
}

// GetBudgetKey returns the BudgetKey for name, constructing and
// journaling it on first access via the single-loader race.
func (p *Provider) GetBudgetKey(ctx context.Context, name types.BudgetKeyName) (*BudgetKey, error) {
	entry, ok := p.cache.Find(name)
	if !ok {
		fresh := &keyEntry{needsLoader: true}
		cur, err := p.cache.Insert(name, fresh)
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
	if entry.loaded {
		key := entry.key
		entry.mu.Unlock()
		return key, nil
	}
	if !entry.needsLoader {
		entry.mu.Unlock()
		return nil, pbserr.NewRetry(pbserr.CodeEntryLoading, fmt.Errorf("budget key %s is loading", name))
	}
	entry.needsLoader = false
	entry.mu.Unlock()

	if err := p.cache.DisableEviction(name); err != nil && err != expiringmap.ErrNotFound {
		return nil, pbserr.NewFailure(pbserr.CodeInternal, err)
	}
	defer p.cache.EnableEviction(name)

	id, err := types.NewUUID()
	if err != nil {
		return nil, pbserr.NewFailure(pbserr.CodeInternal, err)
	}

	body, err := encodePayload(kindLoadKeyIntoCache, loadKeyPayload{Name: name, ID: id})
	if err != nil {
		return nil, pbserr.NewFailure(pbserr.CodeInternal, err)
	}
	logID, err := types.NewUUID()
	if err != nil {
		return nil, pbserr.NewFailure(pbserr.CodeInternal, err)
	}
	if err := <-p.j.Log(ctx, types.JournalRecord{ComponentID: p.component, LogID: logID, Body: body}); err != nil {
		return nil, err
	}

	key := &BudgetKey{
		Name: name,
		ID:   id,
		tfm:  p.newTrackedTimeframeManager(name),
	}

	entry.mu.Lock()
	entry.key = key
	entry.loaded = true
	entry.mu.Unlock()

	return key, nil
}

// newTrackedTimeframeManager builds a TimeframeManager for name and
// records it so Stop can halt its sweeper during partition unload.
func (p *Provider) newTrackedTimeframeManager(name types.BudgetKeyName) *TimeframeManager {
	tfm := NewTimeframeManager(name, p.table, p.tableName, p.j, p.component)
	p.tfmsMu.Lock()
	p.tfms = append(p.tfms, tfm)
	p.tfmsMu.Unlock()
	return tfm
}

// Stop halts the provider's own eviction sweeper and every timeframe
// manager's sweeper it has ever constructed. Called during partition
// unload, after the transaction manager has drained.
func (p *Provider) Stop() {
	p.cache.Stop()
	p.tfmsMu.Lock()
	defer p.tfmsMu.Unlock()
	for _, tfm := range p.tfms {
		tfm.Stop()
	}
}

// veto implements the C2 eviction hook for the key registry: refuse
// while the key's timeframe manager still has a cached day-group,
// else journal the removal before voting delete.
func (p *Provider) veto(name types.BudgetKeyName, e *keyEntry, decide func(bool)) {
	e.mu.Lock()
	key := e.key
	e.mu.Unlock()

	if key != nil && !key.tfm.CanUnload() {
		decide(false)
		return
	}

	body, err := encodePayload(kindDeleteKeyFromCache, deleteKeyPayload{Name: name})
	if err != nil {
		decide(false)
		return
	}
	logID, err := types.NewUUID()
	if err != nil {
		decide(false)
		return
	}
	if err := <-p.j.Log(context.Background(), types.JournalRecord{ComponentID: p.component, LogID: logID, Body: body}); err != nil {
		decide(false)
		return
	}
	decide(true)
}

// applyLoadKey restores a cached key from a replayed LOAD_INTO_CACHE record.
func (p *Provider) applyLoadKey(payload loadKeyPayload) {
	key := &BudgetKey{
		Name: payload.Name,
		ID:   payload.ID,
		tfm:  p.newTrackedTimeframeManager(payload.Name),
	}
	entry := &keyEntry{loaded: true, key: key}
	if _, err := p.cache.Insert(payload.Name, entry); err == expiringmap.ErrAlreadyExists {
		p.cache.Update(payload.Name, entry)
	}
}

// applyDeleteKey applies a replayed DELETE_FROM_CACHE record.
func (p *Provider) applyDeleteKey(payload deleteKeyPayload) {
	p.cache.Erase(payload.Name)
}

// timeframeManagerFor returns the manager for name, creating an
// uninitialized cache entry for it if none exists yet. Used by the
// top-level Manager to route replayed timeframe records; under the
// normal log ordering a LOAD_INTO_CACHE record always precedes any
// timeframe record for the same key, but this stays safe if it doesn't.
func (p *Provider) timeframeManagerFor(name types.BudgetKeyName) *TimeframeManager {
	entry, ok := p.cache.Find(name)
	if !ok {
		key := &BudgetKey{Name: name, tfm: p.newTrackedTimeframeManager(name)}
		entry = &keyEntry{loaded: true, key: key}
		if cur, err := p.cache.Insert(name, entry); err == expiringmap.ErrAlreadyExists {
			entry = cur
		}
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.key == nil {
		entry.key = &BudgetKey{Name: name, tfm: p.newTrackedTimeframeManager(name)}
	}
	return entry.key.tfm
}
