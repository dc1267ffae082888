package engine

import (
	"context"
	"errors"
	"fmt"
)

// ProceduralMemory manages pattern-keyed behavioral knowledge. Each
// signature maps to at most one item; repeated observations reinforce
// confidence instead of creating duplicates.
type ProceduralMemory struct {
	cfg     Config
	store   Store
	clock   Clock
	routing *RoutingLog
}

func NewProceduralMemory(cfg Config, store Store, clock Clock, routing *RoutingLog) *ProceduralMemory {
	return &ProceduralMemory{cfg: cfg.normalize(), store: store, clock: clock, routing: routing}
}

// Observe records one occurrence of a pattern. A new signature creates
// a procedural item seeded from the event's importance; a known one
// bumps confidence by the reinforcement step, capped, and refreshes the
// transition clock without reverting phase.
func (p *ProceduralMemory) Observe(ctx context.Context, itemID string, src PatternSource, content string, seedConfidence float64) (MemoryItem, bool, error) {
	existing, err := p.store.FindProceduralBySignature(ctx, src.Signature)
	switch {
	case errors.Is(err, ErrNotFound):
		return p.create(ctx, itemID, src, content, seedConfidence)
	case err != nil:
		return MemoryItem{}, false, err
	}
	it, err := p.reinforce(ctx, existing)
	return it, false, err
}

func (p *ProceduralMemory) create(ctx context.Context, itemID string, src PatternSource, content string, seedConfidence float64) (MemoryItem, bool, error) {
	rules := p.cfg.Decay
	now := p.clock.NowMS()
	it := MemoryItem{
		ID:                 itemID,
		Content:            content,
		Tier:               TierProcedural,
		Phase:              PhaseFresh,
		Confidence:         clamp(seedConfidence, rules.ConfidenceFloor, rules.ConfidenceCap),
		PatternSignature:   src.Signature,
		SourceKind:         src.Kind(),
		SourceRef:          src.Ref(),
		RawTokens:          EstimateTokens(content),
		Version:            1,
		CreatedAtMS:        now,
		LastAccessedAtMS:   now,
		LastTransitionAtMS: now,
	}
	if err := p.store.PutItem(ctx, it); err != nil {
		return MemoryItem{}, false, err
	}
	if err := p.store.UpsertSchedule(ctx, p.scheduleFor(it, now)); err != nil {
		return MemoryItem{}, false, err
	}
	p.routing.Record(ctx, it.ID, TierProcedural, ReasonProceduralAdmitted, "signature "+src.Signature)
	return it, true, nil
}

func (p *ProceduralMemory) reinforce(ctx context.Context, existing MemoryItem) (MemoryItem, error) {
	rules := p.cfg.Decay
	now := p.clock.NowMS()
	var out MemoryItem
	err := retryStale(ctx, p.store, existing.ID, p.cfg.RetryAttempts, p.cfg.RetryBackoff, func(current MemoryItem) error {
		conf := current.Confidence + rules.ReinforceStep
		if conf > rules.ConfidenceCap {
			conf = rules.ConfidenceCap
		}
		accesses := current.AccessCount + 1
		patch := ItemPatch{
			Confidence:         &conf,
			AccessCount:        &accesses,
			LastAccessedAtMS:   &now,
			LastTransitionAtMS: &now,
		}
		sched := p.scheduleFor(current, now)
		updated, err := p.store.TransitionItem(ctx, current.ID, current.Version, patch, &sched)
		if err != nil {
			return err
		}
		out = updated
		return nil
	})
	if err != nil {
		return MemoryItem{}, fmt.Errorf("reinforce %s: %w", existing.ID, err)
	}
	p.routing.Record(ctx, out.ID, TierProcedural, ReasonProceduralReinforced,
		fmt.Sprintf("confidence %.2f", out.Confidence))
	return out, nil
}

// scheduleFor pushes the next decay check out by the phase threshold
// stretched by the procedural scale.
func (p *ProceduralMemory) scheduleFor(it MemoryItem, nowMS int64) DecaySchedule {
	rules := p.cfg.Decay
	return DecaySchedule{
		ItemID:             it.ID,
		Tier:               TierProcedural,
		CurrentPhase:       it.Phase,
		NextTransitionAtMS: nowMS + int64(float64(rules.Threshold(it.Phase).Milliseconds())*rules.ProceduralScale),
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
