package engine

import (
	"context"
	"time"
)

// Store persists memory items, schedules, embeddings, routing records,
// and token economics. Implementations must be safe for concurrent use.
// Reads never observe quarantined rows unless the method says otherwise.
type Store interface {
	// PutItem inserts a new item at version 1.
	PutItem(ctx context.Context, item MemoryItem) error

	// GetItem loads one item. ErrNotFound for missing ids,
	// ErrQuarantined for quarantined rows, ErrCorruptEntry when the row
	// cannot be decoded.
	GetItem(ctx context.Context, id string) (MemoryItem, error)

	// GetItems loads a batch by id, skipping missing and quarantined
	// rows.
	GetItems(ctx context.Context, ids []string) ([]MemoryItem, error)

	// UpdateItem applies patch if the stored version equals
	// expectedVersion, bumping version by one. ErrStaleVersion on
	// mismatch.
	UpdateItem(ctx context.Context, id string, expectedVersion int64, patch ItemPatch) (MemoryItem, error)

	// TransitionItem applies patch under version CAS and, in the same
	// transaction, upserts sched (or deletes the schedule row when sched
	// is nil).
	TransitionItem(ctx context.Context, id string, expectedVersion int64, patch ItemPatch, sched *DecaySchedule) (MemoryItem, error)

	// ForgetItem deletes the item, its embedding, and its schedule row
	// in one transaction, conditional on version.
	ForgetItem(ctx context.Context, id string, expectedVersion int64) error

	// DeleteItem removes an item unconditionally with its embedding and
	// schedule row.
	DeleteItem(ctx context.Context, id string) error

	// ListByTier returns live items in a tier, oldest first.
	ListByTier(ctx context.Context, tier Tier, limit int) ([]MemoryItem, error)

	// CountByTier counts live items in a tier.
	CountByTier(ctx context.Context, tier Tier) (int, error)

	// ListAgedFresh returns fresh-tier items created at or before
	// cutoffMS, oldest first.
	ListAgedFresh(ctx context.Context, cutoffMS int64, limit int) ([]MemoryItem, error)

	// FindProceduralBySignature resolves a procedural item by its
	// pattern signature. ErrNotFound when absent.
	FindProceduralBySignature(ctx context.Context, signature string) (MemoryItem, error)

	// UpsertSchedule writes an item's next-transition row.
	UpsertSchedule(ctx context.Context, sched DecaySchedule) error

	// DeleteSchedule drops an item's schedule row if present.
	DeleteSchedule(ctx context.Context, itemID string) error

	// ListDueSchedules returns schedule rows for a tier whose
	// next_transition_at is at or before nowMS, soonest first.
	ListDueSchedules(ctx context.Context, tier Tier, nowMS int64, limit int) ([]DecaySchedule, error)

	// DecayStatus summarizes phase occupancy and due counts for a tier.
	DecayStatus(ctx context.Context, tier Tier, nowMS int64) (DecayStatusSummary, error)

	// Quarantine flags a row corrupt and removes it from query paths.
	Quarantine(ctx context.Context, id, note string) error

	// ListQuarantined returns quarantined rows for operator review.
	ListQuarantined(ctx context.Context, limit int) ([]MemoryItem, error)

	// UpsertEmbedding stores an item's vector.
	UpsertEmbedding(ctx context.Context, itemID, model string, vec []float32) error

	// GetEmbedding loads an item's vector. ErrNotFound when absent.
	GetEmbedding(ctx context.Context, itemID string) ([]float32, error)

	// ListEmbeddings returns vectors for live items in the given tiers.
	// Rows whose blobs fail to decode are skipped and reported in
	// corrupt so the caller can quarantine them.
	ListEmbeddings(ctx context.Context, tiers []Tier, limit int) (vecs []ItemVector, corrupt []string, err error)

	// SearchText runs a full-text match over live items.
	SearchText(ctx context.Context, query string, limit int) ([]MemoryItem, error)

	// AppendRouting inserts one routing decision. The log is
	// append-only; there is no update or delete.
	AppendRouting(ctx context.Context, dec RoutingDecision) error

	// QueryRouting returns routing decisions matching the query's time
	// window and reason set, newest first. The CEL filter is applied by
	// the caller, not the storage layer.
	QueryRouting(ctx context.Context, q RoutingQuery) ([]RoutingDecision, error)

	// CountRouting counts routing rows.
	CountRouting(ctx context.Context) (int64, error)

	// AppendEconomics inserts one flushed accounting window.
	AppendEconomics(ctx context.Context, rec TokenEconomicsRecord) error

	// SumEconomics aggregates economics records overlapping the window.
	SumEconomics(ctx context.Context, sinceMS, untilMS int64) (TokenSavings, error)

	// CountEconomics counts economics rows.
	CountEconomics(ctx context.Context) (int64, error)

	Close() error
}

// Embedder turns text into a fixed-width vector.
type Embedder interface {
	// Embed encodes text. Implementations respect ctx deadlines.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dims reports the vector width.
	Dims() int

	// Model names the encoding, stored alongside each vector.
	Model() string
}

// Compressor rewrites content into a shorter form. The engine verifies
// the result against the semantic similarity bound and falls back or
// marks pending_retry when the bound or deadline is missed.
type Compressor interface {
	Compress(ctx context.Context, content string, targetRatio float64) (string, error)
	Name() string
}

// TickSource produces scheduler wakeups. Tick generation is separated
// from sweep logic so tests can drive sweeps directly and cadence can
// be interval or cron without touching the scheduler.
type TickSource interface {
	// Ticks is the wakeup channel. After Stop it stops delivering; it
	// may or may not be closed.
	Ticks() <-chan time.Time

	Stop()
}
