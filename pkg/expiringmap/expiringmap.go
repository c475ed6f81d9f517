// Package expiringmap implements the generic auto-expiring concurrent
// map primitive (C2): a key/value store with reference-counted
// eviction guards and a veto hook invoked before garbage collection.
package expiringmap

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrAlreadyExists is returned by Insert on a key collision.
	ErrAlreadyExists = errors.New("expiringmap: entry already exists")
	// ErrBeingDeleted is returned by Insert while the veto hook is
	// outstanding for that key; it is retryable.
	ErrBeingDeleted = errors.New("expiringmap: entry is being deleted")
	// ErrNotFound is returned by Erase/DisableEviction/EnableEviction/Update.
	ErrNotFound = errors.New("expiringmap: entry not found")
)

// TTLMode selects how an entry's expiry is computed.
type TTLMode int

const (
	// SlideOnAccess resets the expiry clock on every Find hit; an Insert
	// that collides with an existing key leaves its expiry unchanged.
	SlideOnAccess TTLMode = iota
	// Fixed expires exactly TTL after insertion, regardless of access.
	Fixed
)

// VetoFunc is invoked before an entry is evicted. It must call decide
// exactly once; decide(true) allows eviction, decide(false) keeps the
// entry (the caller retains it for another TTL period).
type VetoFunc[K comparable, V any] func(key K, value V, decide func(delete bool))

type entry[V any] struct {
	value       V
	expiresAt   time.Time
	refCount    int
	beingDelete bool
}

// Map is a generic, TTL-evicted concurrent map matching the component
// design's auto-expiring map: Insert/Find/Erase/Keys, per-key eviction
// guards, and an owner-supplied veto hook run by a background sweeper.
type Map[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]*entry[V]

	ttl     time.Duration
	ttlMode TTLMode
	veto    VetoFunc[K, V]

	stop chan struct{}
	once sync.Once
}

// New constructs a Map with the given TTL, eviction mode, and veto hook.
// A nil veto always allows eviction. The sweeper runs every sweepEvery;
// a reasonable default of ttl/4 is used if sweepEvery is zero.
func New[K comparable, V any](ttl time.Duration, mode TTLMode, veto VetoFunc[K, V], sweepEvery time.Duration) *Map[K, V] {
	if sweepEvery <= 0 {
		sweepEvery = ttl / 4
		if sweepEvery <= 0 {
			sweepEvery = time.Second
		}
	}
	m := &Map[K, V]{
		entries: make(map[K]*entry[V]),
		ttl:     ttl,
		ttlMode: mode,
		veto:    veto,
		stop:    make(chan struct{}),
	}
	go m.sweepLoop(sweepEvery)
	return m
}

// Insert inserts v under k. On collision it returns ErrAlreadyExists
// (or ErrBeingDeleted if the existing entry's veto hook is in flight)
// and currentV is the value currently held for k.
func (m *Map[K, V]) Insert(k K, v V) (currentV V, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[k]; ok {
		if e.beingDelete {
			return e.value, ErrBeingDeleted
		}
		return e.value, ErrAlreadyExists
	}
	m.entries[k] = &entry[V]{value: v, expiresAt: time.Now().Add(m.ttl)}
	return v, nil
}

// Find returns the value for k and whether it was present. A hit slides
// the TTL forward if the map uses SlideOnAccess.
func (m *Map[K, V]) Find(k K) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[k]
	if !ok {
		var zero V
		return zero, false
	}
	if m.ttlMode == SlideOnAccess {
		e.expiresAt = time.Now().Add(m.ttl)
	}
	return e.value, true
}

// Erase removes k unconditionally, bypassing the veto hook. Callers
// that must respect the veto protocol should let the sweeper evict.
func (m *Map[K, V]) Erase(k K) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[k]; !ok {
		return ErrNotFound
	}
	delete(m.entries, k)
	return nil
}

// Keys returns a snapshot of all keys currently present, sorted is not
// guaranteed; callers needing deterministic order should sort themselves.
func (m *Map[K, V]) Keys() []K {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]K, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	return keys
}

// DisableEviction increments k's reference count, preventing the
// sweeper from invoking the veto hook for it until EnableEviction
// brings the count back to zero.
func (m *Map[K, V]) DisableEviction(k K) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[k]
	if !ok {
		return ErrNotFound
	}
	e.refCount++
	return nil
}

// EnableEviction decrements k's reference count.
func (m *Map[K, V]) EnableEviction(k K) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[k]
	if !ok {
		return ErrNotFound
	}
	if e.refCount > 0 {
		e.refCount--
	}
	return nil
}

// Update replaces the stored value for an existing key without
// touching its TTL or refcount. Used by callers (e.g. the budget-key
// timeframe manager) that mutate a cached entry in place.
func (m *Map[K, V]) Update(k K, v V) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[k]
	if !ok {
		return ErrNotFound
	}
	e.value = v
	return nil
}

func (m *Map[K, V]) sweepLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweepOnce()
		}
	}
}

func (m *Map[K, V]) sweepOnce() {
	now := time.Now()
	var candidates []K

	m.mu.Lock()
	for k, e := range m.entries {
		if e.beingDelete || e.refCount > 0 {
			continue
		}
		if now.After(e.expiresAt) {
			candidates = append(candidates, k)
		}
	}
	m.mu.Unlock()

	for _, k := range candidates {
		m.tryEvict(k)
	}
}

func (m *Map[K, V]) tryEvict(k K) {
	m.mu.Lock()
	e, ok := m.entries[k]
	if !ok || e.beingDelete || e.refCount > 0 {
		m.mu.Unlock()
		return
	}
	e.beingDelete = true
	value := e.value
	m.mu.Unlock()

	decideCalled := make(chan bool, 1)
	decide := func(del bool) {
		select {
		case decideCalled <- del:
		default:
		}
	}

	if m.veto == nil {
		decide(true)
	} else {
		m.veto(k, value, decide)
	}

	del := <-decideCalled

	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.entries[k]
	if !ok {
		return
	}
	if del {
		delete(m.entries, k)
		return
	}
	cur.beingDelete = false
	cur.expiresAt = time.Now().Add(m.ttl)
}

// Stop halts the background sweeper. The map remains usable afterward;
// entries simply stop expiring.
func (m *Map[K, V]) Stop() {
	m.once.Do(func() { close(m.stop) })
}
