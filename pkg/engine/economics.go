package engine

import (
	"context"
	"sync"

	"github.com/mnemolabs/strata/pkg/logger"
)

// Economics accumulates compression token accounting in memory and
// flushes one record per accounting window. Flushing happens at the end
// of every scheduler pass, so a window is at most one sweep interval
// long.
type Economics struct {
	store Store
	clock Clock

	mu            sync.Mutex
	windowStartMS int64
	items         int
	rawTokens     int64
	compTokens    int64
}

func NewEconomics(store Store, clock Clock) *Economics {
	return &Economics{store: store, clock: clock, windowStartMS: clock.NowMS()}
}

// NoteCompression records one compressed item in the open window.
func (e *Economics) NoteCompression(rawTokens, compressedTokens int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.items == 0 {
		e.windowStartMS = e.clock.NowMS()
	}
	e.items++
	e.rawTokens += int64(rawTokens)
	e.compTokens += int64(compressedTokens)
}

// Flush persists the open window if it saw any compression and starts a
// new one. An empty window writes nothing.
func (e *Economics) Flush(ctx context.Context) error {
	e.mu.Lock()
	rec := TokenEconomicsRecord{
		WindowStartMS:           e.windowStartMS,
		WindowEndMS:             e.clock.NowMS(),
		ItemsCompressed:         e.items,
		RawTokenEstimate:        e.rawTokens,
		CompressedTokenEstimate: e.compTokens,
	}
	e.items = 0
	e.rawTokens = 0
	e.compTokens = 0
	e.windowStartMS = rec.WindowEndMS
	e.mu.Unlock()

	if rec.ItemsCompressed == 0 {
		return nil
	}
	if err := e.store.AppendEconomics(ctx, rec); err != nil {
		return err
	}
	logger.DebugCF("economics", "window flushed", map[string]any{
		"items":      rec.ItemsCompressed,
		"raw":        rec.RawTokenEstimate,
		"compressed": rec.CompressedTokenEstimate,
	})
	return nil
}

// Savings aggregates flushed windows overlapping [sinceMS, untilMS].
// The open in-memory window is flushed first so recent compressions are
// not invisible to the caller.
func (e *Economics) Savings(ctx context.Context, sinceMS, untilMS int64) (TokenSavings, error) {
	if err := e.Flush(ctx); err != nil {
		return TokenSavings{}, err
	}
	return e.store.SumEconomics(ctx, sinceMS, untilMS)
}
