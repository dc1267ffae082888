package engine

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryStale_ReReadsAfterLosingRace(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedItem(t, store, "mem-1", TierLongTerm, 0.5)

	calls := 0
	err := retryStale(ctx, store, "mem-1", 3, time.Millisecond, func(current MemoryItem) error {
		calls++
		if calls == 1 {
			// A competing writer lands between our read and our write.
			importance := 0.9
			if _, err := store.UpdateItem(ctx, current.ID, current.Version, ItemPatch{ImportanceScore: &importance}); err != nil {
				t.Fatalf("competing update: %v", err)
			}
			_, err := store.UpdateItem(ctx, current.ID, current.Version, ItemPatch{ImportanceScore: &importance})
			return err
		}
		if current.Version != 2 {
			t.Fatalf("expected re-read at version 2, got %d", current.Version)
		}
		pinned := true
		_, err := store.UpdateItem(ctx, current.ID, current.Version, ItemPatch{Pinned: &pinned})
		return err
	})
	if err != nil {
		t.Fatalf("retryStale: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls)
	}

	got, err := store.GetItem(ctx, "mem-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Pinned || got.Version != 3 {
		t.Fatalf("expected pinned item at version 3, got version=%d pinned=%v", got.Version, got.Pinned)
	}
}

func TestRetryStale_GivesUpAfterBoundedAttempts(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedItem(t, store, "mem-1", TierLongTerm, 0.5)

	calls := 0
	err := retryStale(ctx, store, "mem-1", 3, time.Millisecond, func(current MemoryItem) error {
		calls++
		return ErrStaleVersion
	})
	if !errors.Is(err, ErrStaleVersion) {
		t.Fatalf("expected ErrStaleVersion, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestRetryStale_PassesThroughOtherErrors(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedItem(t, store, "mem-1", TierLongTerm, 0.5)

	boom := errors.New("boom")
	calls := 0
	err := retryStale(ctx, store, "mem-1", 3, time.Millisecond, func(current MemoryItem) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) || calls != 1 {
		t.Fatalf("expected one attempt ending in the callback error, got calls=%d err=%v", calls, err)
	}
}
