package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/mnemolabs/strata/pkg/bus"
	"github.com/mnemolabs/strata/pkg/logger"
)

// FreshBuffer is the staging area for just-recorded items. Items sit in
// the fresh tier for the configured window; the sweep then routes each
// one by salience or discards it below the classification floor.
type FreshBuffer struct {
	cfg        Config
	store      Store
	clock      Clock
	classifier *Classifier
	working    *WorkingManager
	routing    *RoutingLog
	bus        *bus.EventBus
}

func NewFreshBuffer(cfg Config, store Store, clock Clock, classifier *Classifier, working *WorkingManager, routing *RoutingLog, eventBus *bus.EventBus) *FreshBuffer {
	return &FreshBuffer{
		cfg:        cfg.normalize(),
		store:      store,
		clock:      clock,
		classifier: classifier,
		working:    working,
		routing:    routing,
		bus:        eventBus,
	}
}

// Sweep classifies every fresh item older than the window. Items are
// handled independently: a failure on one is counted and the rest
// still commit.
func (b *FreshBuffer) Sweep(ctx context.Context) (SweepReport, error) {
	report := SweepReport{StartedAtMS: b.clock.NowMS()}
	cutoff := b.clock.NowMS() - b.cfg.FreshWindow.Milliseconds()

	items, err := b.store.ListAgedFresh(ctx, cutoff, b.cfg.SweepBatchLimit)
	if err != nil {
		report.FinishedAtMS = b.clock.NowMS()
		return report, err
	}

	var firstErr error
	for _, it := range items {
		if err := ctx.Err(); err != nil {
			report.FinishedAtMS = b.clock.NowMS()
			return report, err
		}
		report.FreshExamined++
		if err := b.routeOne(ctx, it, &report); err != nil {
			report.Failures++
			if errors.Is(err, ErrStaleVersion) {
				report.Conflicts++
			}
			if firstErr == nil {
				firstErr = err
			}
			logger.WarnCF("buffer", "fresh routing failed", map[string]any{
				"item_id": it.ID,
				"error":   err.Error(),
			})
		}
	}

	report.FinishedAtMS = b.clock.NowMS()
	if report.Failures > 0 {
		return report, &SweepPartialError{
			Tier:      TierFresh,
			Attempted: report.FreshExamined,
			Failed:    report.Failures,
			First:     firstErr,
		}
	}
	return report, nil
}

func (b *FreshBuffer) routeOne(ctx context.Context, it MemoryItem, report *SweepReport) error {
	tier, reason, ok := b.classifier.ClassifyAged(it)
	if !ok {
		if it.Pinned {
			// Pinned items are never physically deleted; park them in
			// long-term instead of discarding.
			tier, reason = TierLongTerm, ReasonLongTermAdmitted
		} else {
			return b.discard(ctx, it, report)
		}
	}

	now := b.clock.NowMS()
	switch tier {
	case TierShock:
		shock, phase := TierShock, PhaseShock
		err := retryStale(ctx, b.store, it.ID, b.cfg.RetryAttempts, b.cfg.RetryBackoff, func(current MemoryItem) error {
			patch := ItemPatch{Tier: &shock, Phase: &phase, LastTransitionAtMS: &now}
			_, err := b.store.TransitionItem(ctx, current.ID, current.Version, patch, nil)
			return err
		})
		if err != nil {
			return err
		}
		b.routing.Record(ctx, it.ID, TierShock, reason, "routed from fresh buffer")

	case TierWorking:
		res, err := b.working.Admit(ctx, it)
		if res.EvictedID != "" {
			b.routing.Record(ctx, res.EvictedID, res.EvictedTier, ReasonWorkingEvicted, "displaced by "+it.ID)
			if b.bus != nil {
				b.bus.Publish(bus.Event{
					Topic:  bus.TopicItemEvicted,
					ItemID: res.EvictedID,
					Tier:   string(res.EvictedTier),
					Reason: ReasonWorkingEvicted,
				})
			}
		}
		if err != nil {
			return err
		}
		b.routing.Record(ctx, it.ID, TierWorking, reason, fmt.Sprintf("occupancy %d/%d", res.OccupancyNow, b.cfg.WorkingCapacity))

	case TierLongTerm:
		longTerm := TierLongTerm
		err := retryStale(ctx, b.store, it.ID, b.cfg.RetryAttempts, b.cfg.RetryBackoff, func(current MemoryItem) error {
			patch := ItemPatch{Tier: &longTerm, LastTransitionAtMS: &now}
			sched := &DecaySchedule{
				ItemID:             current.ID,
				Tier:               TierLongTerm,
				CurrentPhase:       current.Phase,
				NextTransitionAtMS: now + b.cfg.Decay.Threshold(current.Phase).Milliseconds(),
			}
			_, err := b.store.TransitionItem(ctx, current.ID, current.Version, patch, sched)
			return err
		})
		if err != nil {
			return err
		}
		b.routing.Record(ctx, it.ID, TierLongTerm, reason, "routed from fresh buffer")

	default:
		return fmt.Errorf("fresh sweep routed %s to unexpected tier %q", it.ID, tier)
	}

	report.FreshRouted++
	return nil
}

func (b *FreshBuffer) discard(ctx context.Context, it MemoryItem, report *SweepReport) error {
	err := b.store.ForgetItem(ctx, it.ID, it.Version)
	if err != nil {
		if errors.Is(err, ErrStaleVersion) {
			// A concurrent access bumped the item; leave it for the
			// next sweep rather than fighting over a discard.
			return nil
		}
		return err
	}
	b.routing.Record(ctx, it.ID, "", ReasonExpiredLowImportance,
		fmt.Sprintf("importance %.2f below floor %.2f", it.ImportanceScore, b.cfg.ClassifyFloor))
	if b.bus != nil {
		b.bus.Publish(bus.Event{
			Topic:  bus.TopicItemForgotten,
			ItemID: it.ID,
			Tier:   string(TierFresh),
			Reason: ReasonExpiredLowImportance,
		})
	}
	report.FreshDiscarded++
	return nil
}
