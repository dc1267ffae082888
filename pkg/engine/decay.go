package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/mnemolabs/strata/pkg/bus"
	"github.com/mnemolabs/strata/pkg/logger"
)

// pendingRetryDelay spaces out re-attempts after a compression timeout
// or similarity-bound miss so a flaky backend is not hammered every
// tick.
const pendingRetryDelay = 5 * time.Minute

// DecayMachine advances long-term and procedural items along the phase
// chain. Every item is its own transaction: a failed transition leaves
// that item where it was and the rest of the batch still commits.
type DecayMachine struct {
	cfg         Config
	store       Store
	clock       Clock
	compression *CompressionStep
	economics   *Economics
	bus         *bus.EventBus
}

func NewDecayMachine(cfg Config, store Store, clock Clock, compression *CompressionStep, economics *Economics, eventBus *bus.EventBus) *DecayMachine {
	return &DecayMachine{
		cfg:         cfg.normalize(),
		store:       store,
		clock:       clock,
		compression: compression,
		economics:   economics,
		bus:         eventBus,
	}
}

// SweepTier processes every due schedule row for one tier. Back-to-back
// calls are idempotent: a transition reschedules the item into the
// future, so the second pass finds nothing due.
func (d *DecayMachine) SweepTier(ctx context.Context, tier Tier) (SweepReport, error) {
	report := SweepReport{StartedAtMS: d.clock.NowMS()}
	if tier != TierLongTerm && tier != TierProcedural {
		report.FinishedAtMS = d.clock.NowMS()
		return report, fmt.Errorf("decay sweep does not apply to tier %q", tier)
	}

	due, err := d.store.ListDueSchedules(ctx, tier, d.clock.NowMS(), d.cfg.SweepBatchLimit)
	if err != nil {
		report.FinishedAtMS = d.clock.NowMS()
		return report, err
	}

	var firstErr error
	attempted := 0
	for _, sched := range due {
		if err := ctx.Err(); err != nil {
			report.FinishedAtMS = d.clock.NowMS()
			return report, err
		}
		attempted++
		if err := d.processOne(ctx, tier, sched, &report); err != nil {
			report.Failures++
			if errors.Is(err, ErrStaleVersion) {
				report.Conflicts++
			}
			if firstErr == nil {
				firstErr = err
			}
			logger.WarnCF("decay", "transition failed", map[string]any{
				"item_id": sched.ItemID,
				"tier":    string(tier),
				"phase":   string(sched.CurrentPhase),
				"error":   err.Error(),
			})
		}
	}

	report.FinishedAtMS = d.clock.NowMS()
	if report.Failures > 0 {
		return report, &SweepPartialError{Tier: tier, Attempted: attempted, Failed: report.Failures, First: firstErr}
	}
	return report, nil
}

func (d *DecayMachine) processOne(ctx context.Context, tier Tier, sched DecaySchedule, report *SweepReport) error {
	it, err := d.store.GetItem(ctx, sched.ItemID)
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrQuarantined):
		// The item left the tier or the query surface; its schedule
		// row is stale.
		return d.store.DeleteSchedule(ctx, sched.ItemID)
	case errors.Is(err, ErrCorruptEntry):
		QuarantineEntry(ctx, d.store, d.bus, sched.ItemID, err)
		return d.store.DeleteSchedule(ctx, sched.ItemID)
	case err != nil:
		return err
	}

	if it.Tier != tier {
		return d.store.DeleteSchedule(ctx, sched.ItemID)
	}

	now := d.clock.NowMS()
	if tier == TierProcedural {
		return d.stepProcedural(ctx, it, now, report)
	}
	return d.stepLongTerm(ctx, it, now, report)
}

// stepLongTerm applies one decay decision to a long-term item.
func (d *DecayMachine) stepLongTerm(ctx context.Context, it MemoryItem, now int64, report *SweepReport) error {
	threshold := d.cfg.Decay.Threshold(it.Phase).Milliseconds()
	elapsed := now - it.LastTransitionAtMS

	if elapsed < threshold || it.ImportanceScore >= d.cfg.Decay.RetainFloor(it.Phase) {
		// Held in place. Push the next check out a full threshold so
		// the row leaves the due window.
		return d.store.UpsertSchedule(ctx, DecaySchedule{
			ItemID:             it.ID,
			Tier:               TierLongTerm,
			CurrentPhase:       it.Phase,
			NextTransitionAtMS: now + threshold,
		})
	}

	next, ok := NextPhase(it.Phase)
	if !ok {
		return d.store.DeleteSchedule(ctx, it.ID)
	}

	if next == PhaseForgotten {
		if it.Pinned {
			return d.store.UpsertSchedule(ctx, DecaySchedule{
				ItemID:             it.ID,
				Tier:               TierLongTerm,
				CurrentPhase:       it.Phase,
				NextTransitionAtMS: now + threshold,
			})
		}
		if err := d.store.ForgetItem(ctx, it.ID, it.Version); err != nil {
			return err
		}
		d.publish(bus.TopicItemForgotten, it, it.Phase, PhaseForgotten, "")
		report.Forgotten++
		return nil
	}

	patch := ItemPatch{Phase: &next, LastTransitionAtMS: &now}
	detail := ""
	if compressedPhase(next) {
		outcome, err := d.compression.Rewrite(ctx, it)
		switch {
		case errors.Is(err, ErrCompressTimeout), errors.Is(err, ErrSimilarityBound):
			report.PendingRetries++
			return d.markPendingRetry(ctx, it, now, err)
		case err != nil:
			return err
		}
		patch.Content = &outcome.content
		patch.CompressedTokens = &outcome.compressedTokens
		if d.economics != nil {
			d.economics.NoteCompression(outcome.rawTokens, outcome.compressedTokens)
		}
		report.Compressed++
		report.RawTokens += outcome.rawTokens
		report.CompressedTokens += outcome.compressedTokens
		if outcome.usedFallback {
			detail = "extractive fallback"
		}
	}
	clearRetry := false
	patch.PendingRetry = &clearRetry

	sched := &DecaySchedule{
		ItemID:             it.ID,
		Tier:               TierLongTerm,
		CurrentPhase:       next,
		NextTransitionAtMS: now + d.cfg.Decay.Threshold(next).Milliseconds(),
	}
	if _, err := d.store.TransitionItem(ctx, it.ID, it.Version, patch, sched); err != nil {
		return err
	}
	d.publish(bus.TopicItemTransitioned, it, it.Phase, next, detail)
	report.Transitions++
	return nil
}

// stepProcedural applies confidence decay and, far more slowly, the
// same phase walk. Procedural knowledge stabilizes at archived and is
// never physically forgotten.
func (d *DecayMachine) stepProcedural(ctx context.Context, it MemoryItem, now int64, report *SweepReport) error {
	rules := d.cfg.Decay
	elapsed := now - it.LastTransitionAtMS
	threshold := int64(float64(rules.Threshold(it.Phase).Milliseconds()) * rules.ProceduralScale)

	conf := decayedConfidence(it.Confidence, elapsed, rules.ProceduralHalfLife, rules.ConfidenceFloor)

	if elapsed < threshold || conf >= rules.RetainFloor(it.Phase) {
		if conf != it.Confidence {
			err := retryStale(ctx, d.store, it.ID, d.cfg.RetryAttempts, d.cfg.RetryBackoff, func(current MemoryItem) error {
				_, err := d.store.UpdateItem(ctx, current.ID, current.Version, ItemPatch{Confidence: &conf})
				return err
			})
			if err != nil {
				return err
			}
		}
		return d.store.UpsertSchedule(ctx, DecaySchedule{
			ItemID:             it.ID,
			Tier:               TierProcedural,
			CurrentPhase:       it.Phase,
			NextTransitionAtMS: now + threshold,
		})
	}

	next, ok := NextPhase(it.Phase)
	if !ok || next == PhaseForgotten {
		// Terminal for procedural: the item stays archived and leaves
		// the schedule entirely.
		patch := ItemPatch{Confidence: &conf}
		if _, err := d.store.TransitionItem(ctx, it.ID, it.Version, patch, nil); err != nil {
			return err
		}
		report.Stabilized++
		return nil
	}

	patch := ItemPatch{Phase: &next, Confidence: &conf, LastTransitionAtMS: &now}
	detail := ""
	if compressedPhase(next) {
		outcome, err := d.compression.Rewrite(ctx, it)
		switch {
		case errors.Is(err, ErrCompressTimeout), errors.Is(err, ErrSimilarityBound):
			report.PendingRetries++
			return d.markPendingRetry(ctx, it, now, err)
		case err != nil:
			return err
		}
		patch.Content = &outcome.content
		patch.CompressedTokens = &outcome.compressedTokens
		if d.economics != nil {
			d.economics.NoteCompression(outcome.rawTokens, outcome.compressedTokens)
		}
		report.Compressed++
		report.RawTokens += outcome.rawTokens
		report.CompressedTokens += outcome.compressedTokens
		if outcome.usedFallback {
			detail = "extractive fallback"
		}
	}
	clearRetry := false
	patch.PendingRetry = &clearRetry

	sched := &DecaySchedule{
		ItemID:             it.ID,
		Tier:               TierProcedural,
		CurrentPhase:       next,
		NextTransitionAtMS: now + int64(float64(rules.Threshold(next).Milliseconds())*rules.ProceduralScale),
	}
	if _, err := d.store.TransitionItem(ctx, it.ID, it.Version, patch, sched); err != nil {
		return err
	}
	d.publish(bus.TopicItemTransitioned, it, it.Phase, next, detail)
	report.Transitions++
	return nil
}

func (d *DecayMachine) markPendingRetry(ctx context.Context, it MemoryItem, now int64, cause error) error {
	pending := true
	err := retryStale(ctx, d.store, it.ID, d.cfg.RetryAttempts, d.cfg.RetryBackoff, func(current MemoryItem) error {
		_, err := d.store.UpdateItem(ctx, current.ID, current.Version, ItemPatch{PendingRetry: &pending})
		return err
	})
	if err != nil {
		return err
	}
	logger.InfoCF("decay", "compression deferred", map[string]any{
		"item_id": it.ID,
		"phase":   string(it.Phase),
		"cause":   cause.Error(),
	})
	return d.store.UpsertSchedule(ctx, DecaySchedule{
		ItemID:             it.ID,
		Tier:               it.Tier,
		CurrentPhase:       it.Phase,
		NextTransitionAtMS: now + pendingRetryDelay.Milliseconds(),
	})
}

func (d *DecayMachine) publish(topic bus.Topic, it MemoryItem, from, to Phase, detail string) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(bus.Event{
		Topic:     topic,
		ItemID:    it.ID,
		Tier:      string(it.Tier),
		FromPhase: string(from),
		ToPhase:   string(to),
		Detail:    detail,
	})
}

// compressedPhase reports whether entering p rewrites content.
func compressedPhase(p Phase) bool {
	return p == PhaseConsolidated || p == PhaseSummarized
}

// decayedConfidence halves confidence every halfLife, clamped at floor.
func decayedConfidence(conf float64, elapsedMS int64, halfLife time.Duration, floor float64) float64 {
	if elapsedMS <= 0 || conf <= floor {
		return conf
	}
	hl := float64(halfLife.Milliseconds())
	if hl <= 0 {
		return conf
	}
	decayed := conf * math.Exp(-math.Ln2*float64(elapsedMS)/hl)
	if decayed < floor {
		return floor
	}
	return decayed
}

// QuarantineEntry flags a row the engine could not decode, removes it
// from query paths, and announces it on the diagnostics channel.
func QuarantineEntry(ctx context.Context, store Store, eventBus *bus.EventBus, id string, cause error) {
	note := "undecodable entry"
	if cause != nil {
		note = cause.Error()
	}
	if err := store.Quarantine(ctx, id, note); err != nil {
		logger.ErrorCF("engine", "quarantine failed", map[string]any{
			"item_id": id,
			"error":   err.Error(),
		})
		return
	}
	logger.WarnCF("engine", "entry quarantined", map[string]any{
		"item_id": id,
		"cause":   note,
	})
	if eventBus != nil {
		eventBus.Publish(bus.Event{
			Topic:  bus.TopicCorruptEntry,
			ItemID: id,
			Detail: note,
		})
	}
}
