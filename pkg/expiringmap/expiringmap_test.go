package expiringmap

import (
	"errors"
	"testing"
	"time"
)

func TestInsertCollisionReturnsCurrentValue(t *testing.T) {
	m := New[string, int](time.Hour, Fixed, nil, time.Hour)
	defer m.Stop()

	if _, err := m.Insert("k", 1); err != nil {
		t.Fatalf("first Insert: %v", err)
	}
	cur, err := m.Insert("k", 2)
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("second Insert error = %v, want ErrAlreadyExists", err)
	}
	if cur != 1 {
		t.Fatalf("current value = %d, want 1", cur)
	}
}

func TestFindMissing(t *testing.T) {
	m := New[string, int](time.Hour, Fixed, nil, time.Hour)
	defer m.Stop()
	if _, ok := m.Find("missing"); ok {
		t.Fatal("expected Find to report absent")
	}
}

func TestEraseRemovesEntry(t *testing.T) {
	m := New[string, int](time.Hour, Fixed, nil, time.Hour)
	defer m.Stop()
	_, _ = m.Insert("k", 1)
	if err := m.Erase("k"); err != nil {
		t.Fatalf("Erase: %v", err)
	}
	if _, ok := m.Find("k"); ok {
		t.Fatal("entry should be gone after Erase")
	}
}

func TestSweepEvictsExpiredEntryWhenVetoAllows(t *testing.T) {
	m := New[string, int](20*time.Millisecond, Fixed, func(k string, v int, decide func(bool)) {
		decide(true)
	}, 10*time.Millisecond)
	defer m.Stop()

	_, _ = m.Insert("k", 1)
	time.Sleep(100 * time.Millisecond)

	if _, ok := m.Find("k"); ok {
		t.Fatal("expected entry to be evicted")
	}
}

func TestSweepVetoKeepsEntry(t *testing.T) {
	var vetoCalls int
	m := New[string, int](10*time.Millisecond, Fixed, func(k string, v int, decide func(bool)) {
		vetoCalls++
		decide(false)
	}, 5*time.Millisecond)
	defer m.Stop()

	_, _ = m.Insert("k", 1)
	time.Sleep(60 * time.Millisecond)

	if _, ok := m.Find("k"); !ok {
		t.Fatal("vetoed entry should still be present")
	}
	if vetoCalls == 0 {
		t.Fatal("expected veto hook to be invoked")
	}
}

func TestDisableEvictionPreventsSweep(t *testing.T) {
	m := New[string, int](10*time.Millisecond, Fixed, func(k string, v int, decide func(bool)) {
		decide(true)
	}, 5*time.Millisecond)
	defer m.Stop()

	_, _ = m.Insert("k", 1)
	if err := m.DisableEviction("k"); err != nil {
		t.Fatalf("DisableEviction: %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	if _, ok := m.Find("k"); !ok {
		t.Fatal("entry guarded by DisableEviction should not be evicted")
	}

	if err := m.EnableEviction("k"); err != nil {
		t.Fatalf("EnableEviction: %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	if _, ok := m.Find("k"); ok {
		t.Fatal("entry should be evicted once eviction is re-enabled")
	}
}

func TestInsertDuringBeingDeletedReturnsRetryable(t *testing.T) {
	release := make(chan struct{})
	m := New[string, int](10*time.Millisecond, Fixed, func(k string, v int, decide func(bool)) {
		<-release
		decide(false)
	}, 5*time.Millisecond)
	defer m.Stop()
	defer close(release)

	_, _ = m.Insert("k", 1)
	time.Sleep(30 * time.Millisecond) // let the sweeper enter the veto hook

	_, err := m.Insert("k", 2)
	if !errors.Is(err, ErrBeingDeleted) {
		t.Fatalf("Insert during veto = %v, want ErrBeingDeleted", err)
	}
}

func TestKeys(t *testing.T) {
	m := New[string, int](time.Hour, Fixed, nil, time.Hour)
	defer m.Stop()
	_, _ = m.Insert("a", 1)
	_, _ = m.Insert("b", 2)
	keys := m.Keys()
	if len(keys) != 2 {
		t.Fatalf("Keys() = %v, want 2 entries", keys)
	}
}
