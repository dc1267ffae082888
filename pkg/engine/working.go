package engine

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// WorkingManager enforces the fixed working-memory capacity. Admission
// and eviction run under one mutex so occupancy never exceeds the
// configured slot count; reads bypass the lock entirely.
type WorkingManager struct {
	cfg        Config
	store      Store
	clock      Clock
	classifier *Classifier

	mu sync.Mutex
}

func NewWorkingManager(cfg Config, store Store, clock Clock, classifier *Classifier) *WorkingManager {
	return &WorkingManager{
		cfg:        cfg.normalize(),
		store:      store,
		clock:      clock,
		classifier: classifier,
	}
}

// Admit moves an already-stored item into the working tier, evicting
// the lowest-scoring occupant when the tier is full. The evicted item
// is rerouted first; only when that rerouting write cannot be applied
// does Admit give up with ErrCapacityExceeded.
func (w *WorkingManager) Admit(ctx context.Context, item MemoryItem) (AdmissionResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	count, err := w.store.CountByTier(ctx, TierWorking)
	if err != nil {
		return AdmissionResult{}, err
	}

	var res AdmissionResult
	if count >= w.cfg.WorkingCapacity {
		victim, found, err := w.pickVictim(ctx)
		if err != nil {
			return AdmissionResult{}, err
		}
		if !found {
			return AdmissionResult{}, fmt.Errorf("working tier full with no evictable occupant: %w", ErrCapacityExceeded)
		}
		dest, _ := w.classifier.ClassifyEvicted(victim)
		if err := w.reroute(ctx, victim, dest); err != nil {
			return AdmissionResult{}, fmt.Errorf("evict %s to %s: %v: %w", victim.ID, dest, err, ErrCapacityExceeded)
		}
		res.EvictedID = victim.ID
		res.EvictedTier = dest
	}

	if err := w.placeInWorking(ctx, item); err != nil {
		return res, err
	}
	res.Admitted = true
	res.OccupancyNow = minInt(count+1, w.cfg.WorkingCapacity)
	return res, nil
}

// pickVictim selects the working occupant with the lowest eviction
// score, breaking ties toward the oldest item.
func (w *WorkingManager) pickVictim(ctx context.Context) (MemoryItem, bool, error) {
	occupants, err := w.store.ListByTier(ctx, TierWorking, w.cfg.WorkingCapacity*2)
	if err != nil {
		return MemoryItem{}, false, err
	}
	if len(occupants) == 0 {
		return MemoryItem{}, false, nil
	}
	now := w.clock.NowMS()
	victim := occupants[0]
	best := w.EvictionScore(victim, now)
	for _, it := range occupants[1:] {
		score := w.EvictionScore(it, now)
		if score < best || (score == best && it.CreatedAtMS < victim.CreatedAtMS) {
			victim = it
			best = score
		}
	}
	return victim, true, nil
}

// EvictionScore blends recency, importance, and access frequency.
// Higher scores survive longer.
func (w *WorkingManager) EvictionScore(it MemoryItem, nowMS int64) float64 {
	recency := recencyWeight(nowMS, it.LastAccessedAtMS, w.cfg.RecencyHalfLife)
	frequency := math.Log(1 + float64(it.AccessCount))
	return w.cfg.EvictRecencyWeight*recency +
		w.cfg.EvictImportWeight*it.ImportanceScore +
		w.cfg.EvictFreqWeight*frequency
}

func (w *WorkingManager) reroute(ctx context.Context, victim MemoryItem, dest Tier) error {
	now := w.clock.NowMS()
	return retryStale(ctx, w.store, victim.ID, w.cfg.RetryAttempts, w.cfg.RetryBackoff, func(current MemoryItem) error {
		patch := ItemPatch{Tier: &dest, LastTransitionAtMS: &now}
		var sched *DecaySchedule
		if dest == TierLongTerm {
			sched = &DecaySchedule{
				ItemID:             victim.ID,
				Tier:               TierLongTerm,
				CurrentPhase:       current.Phase,
				NextTransitionAtMS: now + w.cfg.Decay.Threshold(current.Phase).Milliseconds(),
			}
		}
		_, err := w.store.TransitionItem(ctx, victim.ID, current.Version, patch, sched)
		return err
	})
}

func (w *WorkingManager) placeInWorking(ctx context.Context, item MemoryItem) error {
	working := TierWorking
	now := w.clock.NowMS()
	return retryStale(ctx, w.store, item.ID, w.cfg.RetryAttempts, w.cfg.RetryBackoff, func(current MemoryItem) error {
		if current.Tier == TierWorking {
			return nil
		}
		patch := ItemPatch{Tier: &working, LastTransitionAtMS: &now}
		_, err := w.store.TransitionItem(ctx, item.ID, current.Version, patch, nil)
		return err
	})
}

// Snapshot returns the working set ordered most valuable first. It
// takes no lock; a sweep running concurrently just means the snapshot
// is a moment old.
func (w *WorkingManager) Snapshot(ctx context.Context) ([]MemoryItem, error) {
	occupants, err := w.store.ListByTier(ctx, TierWorking, w.cfg.WorkingCapacity*2)
	if err != nil {
		return nil, err
	}
	now := w.clock.NowMS()
	sort.SliceStable(occupants, func(i, j int) bool {
		si, sj := w.EvictionScore(occupants[i], now), w.EvictionScore(occupants[j], now)
		if si != sj {
			return si > sj
		}
		return occupants[i].CreatedAtMS > occupants[j].CreatedAtMS
	})
	return occupants, nil
}

func recencyWeight(nowMS, seenMS int64, halfLife time.Duration) float64 {
	deltaMS := float64(nowMS - seenMS)
	if deltaMS < 0 {
		deltaMS = 0
	}
	hl := float64(halfLife / time.Millisecond)
	if hl <= 0 {
		hl = float64((6 * time.Hour) / time.Millisecond)
	}
	return math.Exp(-math.Ln2 * deltaMS / hl)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
