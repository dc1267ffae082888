package engine

import "time"

// Config tunes the engine. Zero values are filled with defaults by
// normalize, so callers only set what they care about.
type Config struct {
	// WorkingCapacity is the working-memory slot count K. The default
	// follows the seven-plus-or-minus-two span at its upper bound.
	WorkingCapacity int

	// FreshWindow is how long an item may sit in the fresh buffer
	// before the sweep classifies it.
	FreshWindow time.Duration

	// Routing thresholds, checked in descending order.
	ShockThreshold   float64
	WorkingThreshold float64
	ClassifyFloor    float64

	// Eviction score weights over recency, importance, and access
	// frequency.
	EvictRecencyWeight float64
	EvictImportWeight  float64
	EvictFreqWeight    float64

	// RecencyHalfLife controls how fast the recency component of the
	// eviction score fades.
	RecencyHalfLife time.Duration

	// ReinforceBonus is added to importance on access, up to
	// ImportanceCap.
	ReinforceBonus float64
	ImportanceCap  float64

	// RetryAttempts bounds optimistic-concurrency retries before a
	// conflict is surfaced.
	RetryAttempts int
	RetryBackoff  time.Duration

	EmbeddingModel string

	Decay DecayRules

	// MinCompressSimilarity is the semantic bound a compressed rewrite
	// must meet against the original.
	MinCompressSimilarity float64
	CompressTargetRatio   float64
	CompressTimeout       time.Duration

	SweepBatchLimit int
}

// DecayRules governs phase transitions for long-term and procedural
// items.
type DecayRules struct {
	// Minimum residence per phase before a transition fires.
	FreshAfter        time.Duration
	ConsolidatedAfter time.Duration
	SummarizedAfter   time.Duration
	ArchivedAfter     time.Duration

	// Retention floors per phase. An item whose importance meets the
	// floor stays put even when its residence time has elapsed.
	RetainFresh        float64
	RetainConsolidated float64
	RetainSummarized   float64
	RetainArchived     float64

	// ProceduralScale stretches the residence thresholds for
	// procedural items.
	ProceduralScale float64

	// Procedural confidence dynamics.
	ProceduralHalfLife time.Duration
	ConfidenceFloor    float64
	ConfidenceCap      float64
	ReinforceStep      float64
}

// Threshold returns the residence time required before phase advances.
func (d DecayRules) Threshold(p Phase) time.Duration {
	switch p {
	case PhaseFresh:
		return d.FreshAfter
	case PhaseConsolidated:
		return d.ConsolidatedAfter
	case PhaseSummarized:
		return d.SummarizedAfter
	case PhaseArchived:
		return d.ArchivedAfter
	}
	return 0
}

// RetainFloor returns the importance floor that holds an item in phase.
func (d DecayRules) RetainFloor(p Phase) float64 {
	switch p {
	case PhaseFresh:
		return d.RetainFresh
	case PhaseConsolidated:
		return d.RetainConsolidated
	case PhaseSummarized:
		return d.RetainSummarized
	case PhaseArchived:
		return d.RetainArchived
	}
	return 0
}

func (c Config) normalize() Config {
	if c.WorkingCapacity <= 0 {
		c.WorkingCapacity = 9
	}
	if c.FreshWindow <= 0 {
		c.FreshWindow = 30 * time.Minute
	}
	if c.ShockThreshold <= 0 {
		c.ShockThreshold = 0.92
	}
	if c.WorkingThreshold <= 0 {
		c.WorkingThreshold = 0.65
	}
	if c.ClassifyFloor <= 0 {
		c.ClassifyFloor = 0.25
	}
	if c.EvictRecencyWeight <= 0 {
		c.EvictRecencyWeight = 0.45
	}
	if c.EvictImportWeight <= 0 {
		c.EvictImportWeight = 0.35
	}
	if c.EvictFreqWeight <= 0 {
		c.EvictFreqWeight = 0.20
	}
	if c.RecencyHalfLife <= 0 {
		c.RecencyHalfLife = 6 * time.Hour
	}
	if c.ReinforceBonus <= 0 {
		c.ReinforceBonus = 0.05
	}
	if c.ImportanceCap <= 0 {
		c.ImportanceCap = 1.0
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 25 * time.Millisecond
	}
	if c.EmbeddingModel == "" {
		c.EmbeddingModel = DefaultEmbeddingModel
	}
	if c.MinCompressSimilarity <= 0 {
		c.MinCompressSimilarity = 0.62
	}
	if c.CompressTargetRatio <= 0 {
		c.CompressTargetRatio = 0.4
	}
	if c.CompressTimeout <= 0 {
		c.CompressTimeout = 10 * time.Second
	}
	if c.SweepBatchLimit <= 0 {
		c.SweepBatchLimit = 256
	}
	c.Decay = c.Decay.normalize()
	return c
}

func (d DecayRules) normalize() DecayRules {
	if d.FreshAfter <= 0 {
		d.FreshAfter = 3 * 24 * time.Hour
	}
	if d.ConsolidatedAfter <= 0 {
		d.ConsolidatedAfter = 7 * 24 * time.Hour
	}
	if d.SummarizedAfter <= 0 {
		d.SummarizedAfter = 30 * 24 * time.Hour
	}
	if d.ArchivedAfter <= 0 {
		d.ArchivedAfter = 90 * 24 * time.Hour
	}
	if d.RetainFresh <= 0 {
		d.RetainFresh = 0.90
	}
	if d.RetainConsolidated <= 0 {
		d.RetainConsolidated = 0.75
	}
	if d.RetainSummarized <= 0 {
		d.RetainSummarized = 0.60
	}
	if d.RetainArchived <= 0 {
		d.RetainArchived = 0.45
	}
	if d.ProceduralScale <= 0 {
		d.ProceduralScale = 6.0
	}
	if d.ProceduralHalfLife <= 0 {
		d.ProceduralHalfLife = 60 * 24 * time.Hour
	}
	if d.ConfidenceFloor <= 0 {
		d.ConfidenceFloor = 0.15
	}
	if d.ConfidenceCap <= 0 {
		d.ConfidenceCap = 0.98
	}
	if d.ReinforceStep <= 0 {
		d.ReinforceStep = 0.04
	}
	return d
}
