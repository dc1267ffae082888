package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestWorkingManager_AdmitWithinCapacity(t *testing.T) {
	ctx := context.Background()
	cfg := Config{WorkingCapacity: 3}
	store := newTestStore(t)
	wm := NewWorkingManager(cfg, store, NewManualClock(10_000), NewClassifier(cfg))

	for i, id := range []string{"mem-1", "mem-2", "mem-3"} {
		it := seedItem(t, store, id, TierFresh, 0.5)
		res, err := wm.Admit(ctx, it)
		if err != nil {
			t.Fatalf("admit %s: %v", id, err)
		}
		if !res.Admitted || res.EvictedID != "" {
			t.Fatalf("admit %s: unexpected result %#v", id, res)
		}
		if res.OccupancyNow != i+1 {
			t.Fatalf("admit %s: expected occupancy %d, got %d", id, i+1, res.OccupancyNow)
		}
	}

	n, err := store.CountByTier(ctx, TierWorking)
	if err != nil {
		t.Fatalf("count working: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 working items, got %d", n)
	}
}

func TestWorkingManager_EvictsLowestScoreWhenFull(t *testing.T) {
	ctx := context.Background()
	cfg := Config{WorkingCapacity: 2}
	clock := NewManualClock(10_000)
	store := newTestStore(t)
	wm := NewWorkingManager(cfg, store, clock, NewClassifier(cfg))

	strong := seedItem(t, store, "mem-strong", TierFresh, 0.8)
	weak := seedItem(t, store, "mem-weak", TierFresh, 0.3)
	for _, it := range []MemoryItem{strong, weak} {
		if _, err := wm.Admit(ctx, it); err != nil {
			t.Fatalf("admit %s: %v", it.ID, err)
		}
	}

	incoming := seedItem(t, store, "mem-new", TierFresh, 0.6)
	res, err := wm.Admit(ctx, incoming)
	if err != nil {
		t.Fatalf("admit over capacity: %v", err)
	}
	if res.EvictedID != "mem-weak" {
		t.Fatalf("expected mem-weak evicted, got %q", res.EvictedID)
	}
	if res.EvictedTier != TierLongTerm {
		t.Fatalf("expected eviction to long-term, got %s", res.EvictedTier)
	}

	evicted, err := store.GetItem(ctx, "mem-weak")
	if err != nil {
		t.Fatalf("get evicted: %v", err)
	}
	if evicted.Tier != TierLongTerm {
		t.Fatalf("expected evicted item in long-term, got %s", evicted.Tier)
	}
	due, err := store.ListDueSchedules(ctx, TierLongTerm, clock.NowMS()+(4*24*time.Hour).Milliseconds(), 10)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(due) != 1 || due[0].ItemID != "mem-weak" {
		t.Fatalf("expected decay schedule for evicted item, got %#v", due)
	}

	n, err := store.CountByTier(ctx, TierWorking)
	if err != nil {
		t.Fatalf("count working: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected occupancy to stay at capacity, got %d", n)
	}
}

func TestWorkingManager_EvictionTieBreaksOldest(t *testing.T) {
	ctx := context.Background()
	cfg := Config{WorkingCapacity: 2}
	store := newTestStore(t)
	wm := NewWorkingManager(cfg, store, NewManualClock(10_000), NewClassifier(cfg))

	older := seedItem(t, store, "mem-older", TierFresh, 0.5)
	newer := MemoryItem{
		ID: "mem-newer", Content: "content", Tier: TierFresh, Phase: PhaseFresh,
		ImportanceScore: 0.5, Version: 1,
		CreatedAtMS: 2000, LastAccessedAtMS: 1000, LastTransitionAtMS: 1000,
	}
	if err := store.PutItem(ctx, newer); err != nil {
		t.Fatalf("put newer: %v", err)
	}
	for _, it := range []MemoryItem{older, newer} {
		if _, err := wm.Admit(ctx, it); err != nil {
			t.Fatalf("admit %s: %v", it.ID, err)
		}
	}

	incoming := seedItem(t, store, "mem-new", TierFresh, 0.5)
	res, err := wm.Admit(ctx, incoming)
	if err != nil {
		t.Fatalf("admit over capacity: %v", err)
	}
	if res.EvictedID != "mem-older" {
		t.Fatalf("expected the older of the tied pair evicted, got %q", res.EvictedID)
	}
}

// failTransitionStore refuses to move one specific item, standing in
// for a write failure during eviction rerouting.
type failTransitionStore struct {
	Store
	failID string
}

func (s *failTransitionStore) TransitionItem(ctx context.Context, id string, expectedVersion int64, patch ItemPatch, sched *DecaySchedule) (MemoryItem, error) {
	if id == s.failID {
		return MemoryItem{}, fmt.Errorf("simulated write failure for %s", id)
	}
	return s.Store.TransitionItem(ctx, id, expectedVersion, patch, sched)
}

func TestWorkingManager_FailedEvictionIsCapacityExceeded(t *testing.T) {
	ctx := context.Background()
	cfg := Config{WorkingCapacity: 1}
	store := newTestStore(t)
	failing := &failTransitionStore{Store: store}
	wm := NewWorkingManager(cfg, failing, NewManualClock(10_000), NewClassifier(cfg))

	victim := seedItem(t, store, "mem-victim", TierFresh, 0.3)
	if _, err := wm.Admit(ctx, victim); err != nil {
		t.Fatalf("admit victim: %v", err)
	}
	failing.failID = "mem-victim"

	incoming := seedItem(t, store, "mem-new", TierFresh, 0.6)
	_, err := wm.Admit(ctx, incoming)
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}

	// The occupant stays put and the incoming item is untouched.
	kept, err := store.GetItem(ctx, "mem-victim")
	if err != nil {
		t.Fatalf("get victim: %v", err)
	}
	if kept.Tier != TierWorking {
		t.Fatalf("expected victim still in working, got %s", kept.Tier)
	}
	held, err := store.GetItem(ctx, "mem-new")
	if err != nil {
		t.Fatalf("get incoming: %v", err)
	}
	if held.Tier != TierFresh {
		t.Fatalf("expected incoming item still fresh, got %s", held.Tier)
	}
}

func TestWorkingManager_SnapshotOrdersByScore(t *testing.T) {
	ctx := context.Background()
	cfg := Config{WorkingCapacity: 3}
	store := newTestStore(t)
	wm := NewWorkingManager(cfg, store, NewManualClock(10_000), NewClassifier(cfg))

	for id, importance := range map[string]float64{"mem-low": 0.2, "mem-high": 0.9, "mem-mid": 0.5} {
		it := seedItem(t, store, id, TierFresh, importance)
		if _, err := wm.Admit(ctx, it); err != nil {
			t.Fatalf("admit %s: %v", id, err)
		}
	}

	snapshot, err := wm.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snapshot) != 3 {
		t.Fatalf("expected 3 items, got %d", len(snapshot))
	}
	if snapshot[0].ID != "mem-high" || snapshot[2].ID != "mem-low" {
		t.Fatalf("unexpected ordering: %s, %s, %s", snapshot[0].ID, snapshot[1].ID, snapshot[2].ID)
	}
}
