package engine

import (
	"context"
	"errors"
	"time"
)

// retryStale re-reads an item and reapplies fn while it loses the
// version race, up to attempts. Non-stale errors pass through
// immediately.
func retryStale(ctx context.Context, store Store, id string, attempts int, backoff time.Duration, fn func(current MemoryItem) error) error {
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
		var current MemoryItem
		current, err = store.GetItem(ctx, id)
		if err != nil {
			return err
		}
		err = fn(current)
		if err == nil || !errors.Is(err, ErrStaleVersion) {
			return err
		}
	}
	return err
}
