package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mnemolabs/strata/pkg/bus"
	"github.com/mnemolabs/strata/pkg/logger"
)

// RecordRequest is one event offered to the engine.
type RecordRequest struct {
	Content            string
	Source             Source
	Importance         float64
	EmotionalIntensity float64
	Pinned             bool
}

// Options injects the engine's collaborators. Zero values get working
// defaults; DBPath is required unless Store is provided.
type Options struct {
	DBPath     string
	Store      Store
	Clock      Clock
	Compressor Compressor
	Bus        *bus.EventBus
	Metrics    *Metrics
}

// Engine wires the tiers together behind the public API.
type Engine struct {
	cfg        Config
	store      Store
	clock      Clock
	embedder   Embedder
	classifier *Classifier
	working    *WorkingManager
	buffer     *FreshBuffer
	decay      *DecayMachine
	procedural *ProceduralMemory
	shock      *ShockVault
	retriever  *Retriever
	routing    *RoutingLog
	economics  *Economics
	packer     *ContextPacker
	bus        *bus.EventBus
	metrics    *Metrics
	ownStore   bool
	ownBus     bool

	schedMu   sync.Mutex
	scheduler *Scheduler

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// New assembles an engine. The caller owns any injected store or bus;
// defaults created here are closed by Close.
func New(cfg Config, opts Options) (*Engine, error) {
	cfg = cfg.normalize()

	clock := opts.Clock
	if clock == nil {
		clock = SystemClock{}
	}

	store := opts.Store
	ownStore := false
	if store == nil {
		if strings.TrimSpace(opts.DBPath) == "" {
			return nil, fmt.Errorf("engine requires a store or a database path")
		}
		var err error
		store, err = NewSQLiteStore(opts.DBPath)
		if err != nil {
			return nil, err
		}
		ownStore = true
	}

	eventBus := opts.Bus
	ownBus := false
	if eventBus == nil {
		eventBus = bus.NewEventBus()
		ownBus = true
	}

	embedder := NewEmbedder(cfg.EmbeddingModel)
	classifier := NewClassifier(cfg)
	routing := NewRoutingLog(store, eventBus, clock)
	working := NewWorkingManager(cfg, store, clock, classifier)
	economics := NewEconomics(store, clock)
	compression := NewCompressionStep(cfg, embedder, opts.Compressor)

	e := &Engine{
		cfg:        cfg,
		store:      store,
		clock:      clock,
		embedder:   embedder,
		classifier: classifier,
		working:    working,
		buffer:     NewFreshBuffer(cfg, store, clock, classifier, working, routing, eventBus),
		decay:      NewDecayMachine(cfg, store, clock, compression, economics, eventBus),
		procedural: NewProceduralMemory(cfg, store, clock, routing),
		shock:      NewShockVault(store, clock, routing, eventBus),
		routing:    routing,
		economics:  economics,
		bus:        eventBus,
		metrics:    opts.Metrics,
		ownStore:   ownStore,
		ownBus:     ownBus,
	}
	e.retriever = NewRetriever(cfg, store, embedder, clock, eventBus)
	e.packer = NewContextPacker(e.shock, working, e.retriever)
	return e, nil
}

// Config returns the normalized configuration the engine runs with.
func (e *Engine) Config() Config { return e.cfg }

// RecordEvent classifies and stores one event. High-salience events
// commit straight to shock, pattern observations reinforce or create
// procedural entries, and everything else stages in the fresh buffer
// for the next sweep.
func (e *Engine) RecordEvent(ctx context.Context, req RecordRequest) (MemoryItem, error) {
	if e.closed.Load() {
		return MemoryItem{}, ErrEngineClosed
	}
	if strings.TrimSpace(req.Content) == "" {
		return MemoryItem{}, fmt.Errorf("record event: empty content")
	}
	importance := clamp(req.Importance, 0, 1)
	intensity := clamp(req.EmotionalIntensity, 0, 1)

	tier, reason, err := e.classifier.ClassifyNew(req.Source, importance, intensity)
	if err != nil {
		return MemoryItem{}, err
	}

	id := "mem-" + uuid.NewString()
	now := e.clock.NowMS()
	it := MemoryItem{
		ID:                 id,
		Content:            req.Content,
		Tier:               tier,
		Phase:              PhaseFresh,
		ImportanceScore:    importance,
		EmotionalIntensity: intensity,
		SourceKind:         req.Source.Kind(),
		SourceRef:          req.Source.Ref(),
		Pinned:             req.Pinned,
		RawTokens:          EstimateTokens(req.Content),
		Version:            1,
		CreatedAtMS:        now,
		LastAccessedAtMS:   now,
		LastTransitionAtMS: now,
	}

	created := true
	switch tier {
	case TierShock:
		it, err = e.shock.Commit(ctx, it)
	case TierProcedural:
		pattern, ok := req.Source.(PatternSource)
		if !ok {
			return MemoryItem{}, fmt.Errorf("procedural routing without pattern source: %w", ErrUnknownSourceKind)
		}
		it, created, err = e.procedural.Observe(ctx, id, pattern, req.Content, importance)
	default:
		if err = e.store.PutItem(ctx, it); err == nil {
			e.routing.Record(ctx, it.ID, TierFresh, reason, "")
		}
	}
	if err != nil {
		return MemoryItem{}, err
	}

	if created {
		e.embedItem(ctx, it)
	}
	e.bus.Publish(bus.Event{
		Topic:  bus.TopicItemRecorded,
		ItemID: it.ID,
		Tier:   string(it.Tier),
		Reason: reason,
	})
	return it, nil
}

// embedItem computes and stores the item's vector. A failure leaves
// the item findable through full text only.
func (e *Engine) embedItem(ctx context.Context, it MemoryItem) {
	vec, err := e.embedder.Embed(ctx, it.Content)
	if err != nil {
		logger.WarnCF("engine", "embedding failed", map[string]any{"item_id": it.ID, "error": err.Error()})
		return
	}
	if err := e.store.UpsertEmbedding(ctx, it.ID, e.embedder.Model(), vec); err != nil {
		logger.WarnCF("engine", "store embedding failed", map[string]any{"item_id": it.ID, "error": err.Error()})
	}
}

// GetWorkingMemory returns the working set, most valuable first.
func (e *Engine) GetWorkingMemory(ctx context.Context) ([]MemoryItem, error) {
	return e.working.Snapshot(ctx)
}

// GetRelevant returns the topK items most similar to the query
// embedding and reinforces each hit.
func (e *Engine) GetRelevant(ctx context.Context, queryVec []float32, topK int) ([]ScoredItem, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	started := time.Now()
	hits, err := e.retriever.Relevant(ctx, queryVec, topK)
	if err != nil {
		return nil, err
	}
	if e.metrics != nil {
		e.metrics.ObserveRetrieval(time.Since(started))
	}
	e.touchHits(ctx, hits)
	return hits, nil
}

// Recall is the text-query companion to GetRelevant.
func (e *Engine) Recall(ctx context.Context, query string, topK int) ([]ScoredItem, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	started := time.Now()
	hits, err := e.retriever.Recall(ctx, query, topK)
	if err != nil {
		return nil, err
	}
	if e.metrics != nil {
		e.metrics.ObserveRetrieval(time.Since(started))
	}
	e.touchHits(ctx, hits)
	return hits, nil
}

// GetByID loads one item and reinforces it. Undecodable rows are
// quarantined on sight.
func (e *Engine) GetByID(ctx context.Context, id string) (MemoryItem, error) {
	it, err := e.store.GetItem(ctx, id)
	if err != nil {
		if errors.Is(err, ErrCorruptEntry) {
			QuarantineEntry(ctx, e.store, e.bus, id, err)
		}
		return MemoryItem{}, err
	}
	e.touchItem(ctx, it)
	// Re-read so the caller sees the bumped access stats.
	touched, err := e.store.GetItem(ctx, id)
	if err != nil {
		return it, nil
	}
	return touched, nil
}

// touchHits reinforces retrieval hits best-effort.
func (e *Engine) touchHits(ctx context.Context, hits []ScoredItem) {
	for _, h := range hits {
		e.touchItem(ctx, h.Item)
	}
}

// touchItem bumps access stats and nudges importance upward for
// non-procedural tiers. One CAS attempt only; losing a race to another
// toucher is fine.
func (e *Engine) touchItem(ctx context.Context, it MemoryItem) {
	now := e.clock.NowMS()
	accesses := it.AccessCount + 1
	patch := ItemPatch{AccessCount: &accesses, LastAccessedAtMS: &now}
	if it.Tier != TierProcedural {
		importance := clamp(it.ImportanceScore+e.cfg.ReinforceBonus, 0, e.cfg.ImportanceCap)
		patch.ImportanceScore = &importance
	}
	if it.Tier == TierLongTerm || it.Tier == TierProcedural {
		// A read is a reinforcement event: the decay clock starts over
		// without reverting phase.
		patch.LastTransitionAtMS = &now
	}
	if _, err := e.store.UpdateItem(ctx, it.ID, it.Version, patch); err != nil {
		if !errors.Is(err, ErrStaleVersion) && !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrQuarantined) {
			logger.DebugCF("engine", "touch failed", map[string]any{"item_id": it.ID, "error": err.Error()})
		}
	}
}

// GetDecayStatus summarizes phase occupancy and due work for one tier.
func (e *Engine) GetDecayStatus(ctx context.Context, tier Tier) (DecayStatusSummary, error) {
	if !ValidTier(tier) {
		return DecayStatusSummary{}, fmt.Errorf("unknown tier %q", tier)
	}
	return e.store.DecayStatus(ctx, tier, e.clock.NowMS())
}

// GetTokenSavings aggregates compression accounting over a window. A
// zero until means now.
func (e *Engine) GetTokenSavings(ctx context.Context, since, until time.Time) (TokenSavings, error) {
	untilMS := until.UnixMilli()
	if until.IsZero() {
		untilMS = e.clock.NowMS()
	}
	sinceMS := int64(0)
	if !since.IsZero() {
		sinceMS = since.UnixMilli()
	}
	return e.economics.Savings(ctx, sinceMS, untilMS)
}

// TriggerDecayPass runs one sweep for a single tier, outside the
// scheduler cadence.
func (e *Engine) TriggerDecayPass(ctx context.Context, tier Tier) (SweepReport, error) {
	if e.closed.Load() {
		return SweepReport{}, ErrEngineClosed
	}
	switch tier {
	case TierFresh:
		return e.buffer.Sweep(ctx)
	case TierLongTerm, TierProcedural:
		return e.decay.SweepTier(ctx, tier)
	case TierWorking, TierShock:
		return SweepReport{}, fmt.Errorf("tier %s has no decay pass", tier)
	default:
		return SweepReport{}, fmt.Errorf("unknown tier %q", tier)
	}
}

// DeleteShockItem removes one shock entry by explicit request.
func (e *Engine) DeleteShockItem(ctx context.Context, id string) error {
	return e.shock.Delete(ctx, id)
}

// SetPinned pins or unpins an item. Pinned items survive the forgotten
// transition and fresh-buffer discard.
func (e *Engine) SetPinned(ctx context.Context, id string, pinned bool) (MemoryItem, error) {
	var out MemoryItem
	err := retryStale(ctx, e.store, id, e.cfg.RetryAttempts, e.cfg.RetryBackoff, func(current MemoryItem) error {
		updated, err := e.store.UpdateItem(ctx, current.ID, current.Version, ItemPatch{Pinned: &pinned})
		if err != nil {
			return err
		}
		out = updated
		return nil
	})
	return out, err
}

// QueryRouting filters the append-only routing log.
func (e *Engine) QueryRouting(ctx context.Context, q RoutingQuery) ([]RoutingDecision, error) {
	return e.routing.Query(ctx, q)
}

// ListQuarantined returns quarantined rows for operator review.
func (e *Engine) ListQuarantined(ctx context.Context, limit int) ([]MemoryItem, error) {
	return e.store.ListQuarantined(ctx, limit)
}

// BuildContextPack assembles a token-budgeted prompt block for a query.
func (e *Engine) BuildContextPack(ctx context.Context, query string, maxTokens int) (ContextPack, error) {
	return e.packer.Build(ctx, query, maxTokens)
}

// Stats snapshots tier occupancy and log sizes, refreshing the
// occupancy gauges on the way through.
func (e *Engine) Stats(ctx context.Context) (EngineStats, error) {
	out := EngineStats{
		TierCounts: map[Tier]int{},
		WorkingCap: e.cfg.WorkingCapacity,
	}
	for _, tier := range Tiers {
		n, err := e.store.CountByTier(ctx, tier)
		if err != nil {
			return out, err
		}
		out.TierCounts[tier] = n
		if e.metrics != nil {
			e.metrics.SetTierOccupancy(tier, n)
		}
	}
	out.WorkingSize = out.TierCounts[TierWorking]

	now := e.clock.NowMS()
	lt, err := e.store.ListDueSchedules(ctx, TierLongTerm, now, e.cfg.SweepBatchLimit)
	if err != nil {
		return out, err
	}
	out.DueLongTerm = len(lt)
	pr, err := e.store.ListDueSchedules(ctx, TierProcedural, now, e.cfg.SweepBatchLimit)
	if err != nil {
		return out, err
	}
	out.DueProcedural = len(pr)

	quarantined, err := e.store.ListQuarantined(ctx, 1000)
	if err != nil {
		return out, err
	}
	out.Quarantined = len(quarantined)

	if out.RoutingRows, err = e.store.CountRouting(ctx); err != nil {
		return out, err
	}
	if out.EconomicsRows, err = e.store.CountEconomics(ctx); err != nil {
		return out, err
	}
	return out, nil
}

// RunSweep is one full decay pass: the fresh buffer first, since it
// feeds the other tiers, then the long-term and procedural chains, then
// the economics flush. Per-tier failures are partial, never fatal to
// the pass.
func (e *Engine) RunSweep(ctx context.Context) (SweepReport, error) {
	if e.closed.Load() {
		return SweepReport{}, ErrEngineClosed
	}
	var partials []error

	report, err := e.buffer.Sweep(ctx)
	if err != nil {
		var partial *SweepPartialError
		if !errors.As(err, &partial) {
			return report, err
		}
		partials = append(partials, err)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	tierReports := make([]SweepReport, 2)
	for i, tier := range []Tier{TierLongTerm, TierProcedural} {
		g.Go(func() error {
			rep, err := e.decay.SweepTier(gctx, tier)
			tierReports[i] = rep
			if err != nil {
				var partial *SweepPartialError
				if errors.As(err, &partial) {
					mu.Lock()
					partials = append(partials, err)
					mu.Unlock()
					return nil
				}
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		report.Merge(tierReports[0])
		report.Merge(tierReports[1])
		return report, err
	}
	report.Merge(tierReports[0])
	report.Merge(tierReports[1])

	if err := e.economics.Flush(ctx); err != nil {
		logger.WarnCF("engine", "economics flush failed", map[string]any{"error": err.Error()})
	}
	if e.metrics != nil {
		e.metrics.ObserveSweep(report)
	}
	if len(partials) > 0 {
		return report, errors.Join(partials...)
	}
	return report, nil
}

// StartScheduler begins periodic sweeps on the given tick source.
func (e *Engine) StartScheduler(ticks TickSource) error {
	e.schedMu.Lock()
	defer e.schedMu.Unlock()
	if e.scheduler != nil {
		return fmt.Errorf("scheduler already running")
	}
	e.scheduler = NewScheduler(e.RunSweep, ticks, e.bus)
	e.scheduler.Start()
	logger.InfoC("engine", "decay scheduler started")
	return nil
}

// StopScheduler halts periodic sweeps, waiting out any in-flight pass.
func (e *Engine) StopScheduler() {
	e.schedMu.Lock()
	sched := e.scheduler
	e.scheduler = nil
	e.schedMu.Unlock()
	if sched != nil {
		sched.Stop()
	}
}

// Close stops the scheduler and releases owned resources. Idempotent.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		e.StopScheduler()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.economics.Flush(ctx); err != nil {
			logger.WarnCF("engine", "final economics flush failed", map[string]any{"error": err.Error()})
		}

		if e.ownBus {
			e.bus.Close()
		}
		if e.ownStore {
			e.closeErr = e.store.Close()
		}
	})
	return e.closeErr
}
