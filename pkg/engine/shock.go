package engine

import (
	"context"
	"fmt"

	"github.com/mnemolabs/strata/pkg/bus"
)

// ShockVault holds high-salience items that bypass the decay chain
// entirely. Phase and content are fixed at commit time; the only way
// out is explicit deletion.
type ShockVault struct {
	store   Store
	clock   Clock
	routing *RoutingLog
	bus     *bus.EventBus
}

func NewShockVault(store Store, clock Clock, routing *RoutingLog, eventBus *bus.EventBus) *ShockVault {
	return &ShockVault{store: store, clock: clock, routing: routing, bus: eventBus}
}

// Commit stores a new shock item. No schedule row is written; nothing
// ever transitions a shock entry.
func (v *ShockVault) Commit(ctx context.Context, it MemoryItem) (MemoryItem, error) {
	it.Tier = TierShock
	it.Phase = PhaseShock
	if err := v.store.PutItem(ctx, it); err != nil {
		return MemoryItem{}, err
	}
	v.routing.Record(ctx, it.ID, TierShock, ReasonShockCommitted,
		fmt.Sprintf("salience %.2f", it.Salience()))
	return it, nil
}

// List returns shock entries oldest first.
func (v *ShockVault) List(ctx context.Context, limit int) ([]MemoryItem, error) {
	return v.store.ListByTier(ctx, TierShock, limit)
}

// Delete removes one shock entry. Ids living in any other tier are
// refused; the decay machine owns their lifecycle.
func (v *ShockVault) Delete(ctx context.Context, id string) error {
	it, err := v.store.GetItem(ctx, id)
	if err != nil {
		return err
	}
	if it.Tier != TierShock {
		return fmt.Errorf("item %s in tier %s: %w", id, it.Tier, ErrNotShockTier)
	}
	if err := v.store.DeleteItem(ctx, id); err != nil {
		return err
	}
	if v.bus != nil {
		v.bus.Publish(bus.Event{
			Topic:  bus.TopicItemForgotten,
			ItemID: id,
			Tier:   string(TierShock),
			Detail: "explicit delete",
		})
	}
	return nil
}
