package engine

// Tier identifies the steady-state home of a memory item.
type Tier string

const (
	TierFresh      Tier = "fresh"
	TierWorking    Tier = "working"
	TierLongTerm   Tier = "long_term"
	TierProcedural Tier = "procedural"
	TierShock      Tier = "shock"
)

// Tiers lists every valid tier, in classification priority order.
var Tiers = []Tier{TierFresh, TierWorking, TierLongTerm, TierProcedural, TierShock}

func ValidTier(t Tier) bool {
	switch t {
	case TierFresh, TierWorking, TierLongTerm, TierProcedural, TierShock:
		return true
	}
	return false
}

// Phase is a stage in an item's degradation lifecycle. Long-term and
// procedural items walk the chain fresh → consolidated → summarized →
// archived; forgotten is terminal and physical (the row is deleted, so
// the phase itself is never observable). Shock is absorbing and only
// ever assigned at creation.
type Phase string

const (
	PhaseFresh        Phase = "fresh"
	PhaseConsolidated Phase = "consolidated"
	PhaseSummarized   Phase = "summarized"
	PhaseArchived     Phase = "archived"
	PhaseForgotten    Phase = "forgotten"
	PhaseShock        Phase = "shock"
)

// phaseChain orders the decaying phases. NextPhase walks it one step.
var phaseChain = []Phase{PhaseFresh, PhaseConsolidated, PhaseSummarized, PhaseArchived, PhaseForgotten}

// NextPhase returns the successor phase in the decay chain. ok is false
// for terminal or non-decaying phases.
func NextPhase(p Phase) (Phase, bool) {
	for i, ph := range phaseChain {
		if ph == p && i+1 < len(phaseChain) {
			return phaseChain[i+1], true
		}
	}
	return p, false
}

// PhaseRank reports the position of a phase along the chain; the chain
// being monotonic means rank never decreases for a live item.
func PhaseRank(p Phase) int {
	for i, ph := range phaseChain {
		if ph == p {
			return i
		}
	}
	return -1
}

// SourceKind tags the origin of a recorded event.
type SourceKind string

const (
	SourceConversation SourceKind = "conversation"
	SourceIngest       SourceKind = "ingest"
	SourcePattern      SourceKind = "pattern"
	SourceSystem       SourceKind = "system"
	SourceOperator     SourceKind = "operator"
)

// Source is the sealed union of event origins. The classifier matches
// the concrete types exhaustively; new kinds must be added both here
// and there.
type Source interface {
	Kind() SourceKind
	Ref() string
	isSource()
}

// ConversationSource marks events produced by a live conversation turn.
type ConversationSource struct {
	SessionKey string
	Role       string
}

func (s ConversationSource) Kind() SourceKind { return SourceConversation }
func (s ConversationSource) Ref() string      { return s.SessionKey + "/" + s.Role }
func (ConversationSource) isSource()          {}

// IngestSource marks events recorded by a channel adapter.
type IngestSource struct {
	Channel  string
	SenderID string
	ChatID   string
}

func (s IngestSource) Kind() SourceKind { return SourceIngest }
func (s IngestSource) Ref() string      { return s.Channel + ":" + s.ChatID + ":" + s.SenderID }
func (IngestSource) isSource()          {}

// PatternSource marks a learned behavioral pattern; Signature keys the
// procedural entry it reinforces or creates.
type PatternSource struct {
	Signature string
}

func (s PatternSource) Kind() SourceKind { return SourcePattern }
func (s PatternSource) Ref() string      { return s.Signature }
func (PatternSource) isSource()          {}

// SystemSource marks events minted by background jobs.
type SystemSource struct {
	Job string
}

func (s SystemSource) Kind() SourceKind { return SourceSystem }
func (s SystemSource) Ref() string      { return s.Job }
func (SystemSource) isSource()          {}

// OperatorSource marks events recorded through operational tooling.
type OperatorSource struct {
	Operator string
}

func (s OperatorSource) Kind() SourceKind { return SourceOperator }
func (s OperatorSource) Ref() string      { return s.Operator }
func (OperatorSource) isSource()          {}

// MemoryItem is the central entity: one remembered artifact with its
// tier placement, decay phase, and concurrency version.
type MemoryItem struct {
	ID                 string
	Content            string
	Tier               Tier
	Phase              Phase
	ImportanceScore    float64
	EmotionalIntensity float64

	// Confidence replaces importance for procedural items; it rises
	// monotonically under reinforcement up to the configured cap and
	// decays down to the configured floor.
	Confidence       float64
	PatternSignature string

	SourceKind SourceKind
	SourceRef  string

	Pinned       bool
	PendingRetry bool

	// Quarantined rows are invisible to every read and sweep path except
	// ListQuarantined; the note records what failed validation.
	Quarantined    bool
	QuarantineNote string

	RawTokens        int
	CompressedTokens int

	Version            int64
	AccessCount        int64
	CreatedAtMS        int64
	LastAccessedAtMS   int64
	LastTransitionAtMS int64
}

// Salience is the score the shock threshold is checked against: the
// stronger of importance and emotional intensity.
func (m MemoryItem) Salience() float64 {
	if m.EmotionalIntensity > m.ImportanceScore {
		return m.EmotionalIntensity
	}
	return m.ImportanceScore
}

// ItemPatch mutates selected fields of an item under version CAS. Nil
// pointers leave the column untouched.
type ItemPatch struct {
	Content            *string
	Tier               *Tier
	Phase              *Phase
	ImportanceScore    *float64
	Confidence         *float64
	Pinned             *bool
	PendingRetry       *bool
	CompressedTokens   *int
	AccessCount        *int64
	LastAccessedAtMS   *int64
	LastTransitionAtMS *int64
}

// DecaySchedule is the due-tracking row for one long-term or procedural
// item; the scheduler scans it for next_transition_at <= now.
type DecaySchedule struct {
	ItemID             string
	Tier               Tier
	CurrentPhase       Phase
	NextTransitionAtMS int64
}

// Routing reason codes. expired_low_importance is part of the routing
// log contract consumed by threshold-tuning operators.
const (
	ReasonShockCommitted       = "shock_committed"
	ReasonFreshStaged          = "fresh_staged"
	ReasonWorkingAdmitted      = "working_admitted"
	ReasonWorkingEvicted       = "working_evicted"
	ReasonLongTermAdmitted     = "longterm_admitted"
	ReasonProceduralAdmitted   = "procedural_admitted"
	ReasonProceduralReinforced = "procedural_reinforced"
	ReasonExpiredLowImportance = "expired_low_importance"
)

// RoutingDecision is one append-only audit record of an admission or
// rerouting decision. Records are inserted and queried, never mutated.
type RoutingDecision struct {
	ID          string
	EventID     string
	ChosenTier  Tier
	ReasonCode  string
	Detail      string
	DecidedAtMS int64
}

// RoutingQuery filters the routing log. Filter, when set, is a CEL
// expression over event_id, tier, reason, and decided_at.
type RoutingQuery struct {
	SinceMS int64
	UntilMS int64
	Reasons []string
	Filter  string
	Limit   int
}

// TokenEconomicsRecord is one flushed accounting window.
type TokenEconomicsRecord struct {
	ID                      string
	WindowStartMS           int64
	WindowEndMS             int64
	ItemsCompressed         int
	RawTokenEstimate        int64
	CompressedTokenEstimate int64
}

// TokenSavings aggregates economics records over a query window.
type TokenSavings struct {
	WindowStartMS           int64
	WindowEndMS             int64
	ItemsCompressed         int
	RawTokenEstimate        int64
	CompressedTokenEstimate int64
	SavedTokens             int64
	Records                 int
}

// AdmissionResult reports what Admit did with an item.
type AdmissionResult struct {
	Admitted     bool
	EvictedID    string
	EvictedTier  Tier
	OccupancyNow int
}

// DecayStatusSummary is the read-only view behind GetDecayStatus.
type DecayStatusSummary struct {
	Tier         Tier
	TotalItems   int
	PhaseCounts  map[Phase]int
	DueNow       int
	NextDueAtMS  int64
	PendingRetry int
	Pinned       int
	Quarantined  int
}

// SweepReport summarizes one scheduler pass.
type SweepReport struct {
	StartedAtMS  int64
	FinishedAtMS int64

	FreshExamined  int
	FreshRouted    int
	FreshDiscarded int

	Transitions int
	Compressed  int
	Forgotten   int
	Stabilized  int

	// Token totals across the pass's accepted rewrites.
	RawTokens        int
	CompressedTokens int

	PendingRetries int
	Conflicts      int
	Failures       int
}

// Merge folds tier-sweep counters into an aggregate report.
func (r *SweepReport) Merge(other SweepReport) {
	r.FreshExamined += other.FreshExamined
	r.FreshRouted += other.FreshRouted
	r.FreshDiscarded += other.FreshDiscarded
	r.Transitions += other.Transitions
	r.Compressed += other.Compressed
	r.Forgotten += other.Forgotten
	r.Stabilized += other.Stabilized
	r.RawTokens += other.RawTokens
	r.CompressedTokens += other.CompressedTokens
	r.PendingRetries += other.PendingRetries
	r.Conflicts += other.Conflicts
	r.Failures += other.Failures
}

// ItemVector pairs an item id with its stored embedding for retrieval
// scans.
type ItemVector struct {
	ItemID string
	Tier   Tier
	Vector []float32
}

// EngineStats is the operational snapshot served by Stats and the
// status CLI.
type EngineStats struct {
	TierCounts    map[Tier]int
	WorkingSize   int
	WorkingCap    int
	DueLongTerm   int
	DueProcedural int
	Quarantined   int
	RoutingRows   int64
	EconomicsRows int64
}
