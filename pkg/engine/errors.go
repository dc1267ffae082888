package engine

import (
	"errors"
	"fmt"
)

// Sentinel errors. Callers branch with errors.Is; wrap sites add the
// item id and operation.
var (
	// ErrNotFound reports a missing item id.
	ErrNotFound = errors.New("memory item not found")

	// ErrStaleVersion reports a compare-and-set write that lost to a
	// concurrent writer. The caller re-reads and retries or surfaces it.
	ErrStaleVersion = errors.New("stale version conflict")

	// ErrCapacityExceeded reports that working memory was full and the
	// eviction write could not be applied even after retries.
	ErrCapacityExceeded = errors.New("working memory capacity exceeded")

	// ErrCompressTimeout reports that the encoder or compressor missed
	// its deadline; the affected item is marked pending_retry.
	ErrCompressTimeout = errors.New("encode or compress timed out")

	// ErrCorruptEntry reports an undecodable stored entry. The row is
	// quarantined and excluded from queries.
	ErrCorruptEntry = errors.New("corrupt memory entry")

	// ErrNotShockTier guards explicit shock deletion against ids that
	// live in other tiers.
	ErrNotShockTier = errors.New("item is not in the shock tier")

	// ErrUnknownSourceKind reports a source kind the classifier has no
	// arm for.
	ErrUnknownSourceKind = errors.New("unknown source kind")

	// ErrQuarantined reports a read against a quarantined entry.
	ErrQuarantined = errors.New("entry quarantined")

	// ErrEngineClosed reports a call after Close.
	ErrEngineClosed = errors.New("engine closed")
)

// SweepPartialError reports a scheduler pass in which some per-item
// transactions failed while others committed. The pass is not rolled
// back; failed items are retried on the next tick.
type SweepPartialError struct {
	Tier      Tier
	Attempted int
	Failed    int
	First     error
}

func (e *SweepPartialError) Error() string {
	return fmt.Sprintf("decay sweep on %s: %d of %d item transactions failed (first: %v)",
		e.Tier, e.Failed, e.Attempted, e.First)
}

func (e *SweepPartialError) Unwrap() error { return e.First }
