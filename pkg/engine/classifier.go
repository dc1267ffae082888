package engine

import "fmt"

// Classifier routes events and aged items to tiers using the
// configured thresholds. All branching lives here so threshold tuning
// has one home.
type Classifier struct {
	cfg Config
}

func NewClassifier(cfg Config) *Classifier {
	return &Classifier{cfg: cfg.normalize()}
}

// ClassifyNew decides the landing tier for a just-recorded event. The
// source match is exhaustive; an unknown source kind is an error, not a
// silent default.
func (c *Classifier) ClassifyNew(src Source, importance, intensity float64) (Tier, string, error) {
	switch src.(type) {
	case PatternSource:
		return TierProcedural, ReasonProceduralAdmitted, nil
	case ConversationSource, IngestSource, SystemSource, OperatorSource:
		if maxOf(importance, intensity) >= c.cfg.ShockThreshold {
			return TierShock, ReasonShockCommitted, nil
		}
		return TierFresh, ReasonFreshStaged, nil
	case nil:
		return "", "", fmt.Errorf("nil source: %w", ErrUnknownSourceKind)
	default:
		return "", "", fmt.Errorf("source %T: %w", src, ErrUnknownSourceKind)
	}
}

// ClassifyAged routes an item whose fresh-buffer window has elapsed.
// ok is false when the item falls below the classification floor and
// should be discarded.
func (c *Classifier) ClassifyAged(it MemoryItem) (tier Tier, reason string, ok bool) {
	switch {
	case it.Salience() >= c.cfg.ShockThreshold:
		return TierShock, ReasonShockCommitted, true
	case it.ImportanceScore >= c.cfg.WorkingThreshold:
		return TierWorking, ReasonWorkingAdmitted, true
	case it.ImportanceScore >= c.cfg.ClassifyFloor:
		return TierLongTerm, ReasonLongTermAdmitted, true
	default:
		return "", ReasonExpiredLowImportance, false
	}
}

// ClassifyEvicted reroutes an item displaced from working memory.
// Items still above the floor settle into long-term; the rest return
// to the fresh buffer and take their chances with the next sweep.
func (c *Classifier) ClassifyEvicted(it MemoryItem) (Tier, string) {
	if it.ImportanceScore >= c.cfg.ClassifyFloor {
		return TierLongTerm, ReasonLongTermAdmitted
	}
	return TierFresh, ReasonFreshStaged
}

func maxOf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
