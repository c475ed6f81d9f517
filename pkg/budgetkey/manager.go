// Package budgetkey implements the budget-key provider (C6) and its
// per-key timeframe managers (C5): the cached daily token balances
// every transaction command reads and mutates.
package budgetkey

import (
	"fmt"

	"github.com/cuemby/pbs/pkg/journal"
	"github.com/cuemby/pbs/pkg/storage"
	"github.com/cuemby/pbs/pkg/types"
)

// Manager is the single journal subscriber covering both C5 and C6
// record kinds. One Manager exists per partition.
type Manager struct {
	Provider *Provider

	componentID types.UUID
}

// NewManager constructs a Manager and its Provider. Call
// RegisterWithJournal before the journal's Recover runs.
func NewManager(table storage.NoSqlTable, tableName string, j *journal.Service, componentID types.UUID) *Manager {
	return &Manager{
		Provider:    NewProvider(table, tableName, j, componentID),
		componentID: componentID,
	}
}

// RegisterWithJournal subscribes this manager's dispatch function under
// its component id. Must be called before j.Recover.
func (m *Manager) RegisterWithJournal(j *journal.Service) error {
	return j.SubscribeForRecovery(m.componentID, m.apply)
}

// ComponentID returns the fixed id this manager journals and recovers
// under.
func (m *Manager) ComponentID() types.UUID {
	return m.componentID
}

// Stop halts the provider's and every timeframe manager's background
// eviction sweeper. Called during partition unload.
func (m *Manager) Stop() {
	m.Provider.Stop()
}

// apply decodes one replayed record and dispatches it to the matching
// handler, restoring in-memory state exactly without touching the
// journal or NoSQL row again.
func (m *Manager) apply(body []byte) error {
	kind, rest, err := decodeKind(body)
	if err != nil {
		return err
	}

	switch kind {
	case kindLoadKeyIntoCache:
		var p loadKeyPayload
		if err := unmarshal(rest, &p); err != nil {
			return err
		}
		m.Provider.applyLoadKey(p)
	case kindDeleteKeyFromCache:
		var p deleteKeyPayload
		if err := unmarshal(rest, &p); err != nil {
			return err
		}
		m.Provider.applyDeleteKey(p)
	case kindInsertTimegroup:
		var p insertTimegroupPayload
		if err := unmarshal(rest, &p); err != nil {
			return err
		}
		m.Provider.timeframeManagerFor(p.Name).applyInsert(p)
	case kindUpdateTimeframe:
		var p updateTimeframePayload
		if err := unmarshal(rest, &p); err != nil {
			return err
		}
		m.Provider.timeframeManagerFor(p.Name).applyUpdate(p)
	case kindRemoveTimegroup:
		var p removeTimegroupPayload
		if err := unmarshal(rest, &p); err != nil {
			return err
		}
		m.Provider.timeframeManagerFor(p.Name).applyRemove(p)
	default:
		return fmt.Errorf("budgetkey: unknown record kind %d", kind)
	}
	return nil
}
