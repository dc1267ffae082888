package engine

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mnemolabs/strata/pkg/bus"
)

func newTestEngine(t *testing.T, cfg Config) (*Engine, *ManualClock) {
	t.Helper()
	clock := NewManualClock(1_700_000_000_000)
	eng, err := New(cfg, Options{
		DBPath: filepath.Join(t.TempDir(), "memory.db"),
		Clock:  clock,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() { _ = eng.Close() })
	return eng, clock
}

func TestEngine_RequiresStoreOrPath(t *testing.T) {
	if _, err := New(Config{}, Options{}); err == nil {
		t.Fatal("expected error without store or database path")
	}
}

func TestEngine_RecordEventRoutesByTier(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t, Config{})

	conv, err := eng.RecordEvent(ctx, RecordRequest{
		Content:    "sprint review moved to thursday",
		Source:     ConversationSource{SessionKey: "s1", Role: "user"},
		Importance: 0.5,
	})
	if err != nil {
		t.Fatalf("record conversation: %v", err)
	}
	if conv.Tier != TierFresh || conv.Phase != PhaseFresh {
		t.Fatalf("expected fresh staging, got tier=%s phase=%s", conv.Tier, conv.Phase)
	}
	if !strings.HasPrefix(conv.ID, "mem-") || conv.Version != 1 || conv.RawTokens <= 0 {
		t.Fatalf("unexpected item shape: %+v", conv)
	}

	shock, err := eng.RecordEvent(ctx, RecordRequest{
		Content:            "production database dropped, restore underway",
		Source:             ConversationSource{SessionKey: "s1", Role: "user"},
		Importance:         0.8,
		EmotionalIntensity: 0.97,
	})
	if err != nil {
		t.Fatalf("record shock: %v", err)
	}
	if shock.Tier != TierShock || shock.Phase != PhaseShock {
		t.Fatalf("expected shock commit, got tier=%s phase=%s", shock.Tier, shock.Phase)
	}

	if _, err := eng.RecordEvent(ctx, RecordRequest{
		Content: "   ",
		Source:  ConversationSource{SessionKey: "s1", Role: "user"},
	}); err == nil {
		t.Fatal("expected error for empty content")
	}
}

func TestEngine_RecordEventReinforcesProcedural(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t, Config{})
	src := PatternSource{Signature: "deploy-after-migration"}

	first, err := eng.RecordEvent(ctx, RecordRequest{
		Content:    "always run migrations before rolling the deploy",
		Source:     src,
		Importance: 0.5,
	})
	if err != nil {
		t.Fatalf("first observation: %v", err)
	}
	if first.Tier != TierProcedural || first.Confidence != 0.5 {
		t.Fatalf("unexpected created item: tier=%s confidence=%f", first.Tier, first.Confidence)
	}

	second, err := eng.RecordEvent(ctx, RecordRequest{
		Content:    "migration ordering observed again on the billing deploy",
		Source:     src,
		Importance: 0.5,
	})
	if err != nil {
		t.Fatalf("second observation: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected reinforcement of %s, got new item %s", first.ID, second.ID)
	}
	if second.Confidence <= first.Confidence {
		t.Fatalf("expected confidence to rise, got %f -> %f", first.Confidence, second.Confidence)
	}
	if second.AccessCount != first.AccessCount+1 {
		t.Fatalf("expected access count bump, got %d -> %d", first.AccessCount, second.AccessCount)
	}

	n, err := eng.store.CountByTier(ctx, TierProcedural)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected a single procedural item per signature, got %d", n)
	}
}

func TestEngine_GetByIDReinforcesItem(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t, Config{})

	it, err := eng.RecordEvent(ctx, RecordRequest{
		Content:    "the staging cluster lives in us-east-2",
		Source:     ConversationSource{SessionKey: "s1", Role: "assistant"},
		Importance: 0.5,
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	got, err := eng.GetByID(ctx, it.ID)
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if got.AccessCount != 1 {
		t.Fatalf("expected access count 1, got %d", got.AccessCount)
	}
	if got.ImportanceScore <= it.ImportanceScore {
		t.Fatalf("expected importance reinforcement, got %f -> %f", it.ImportanceScore, got.ImportanceScore)
	}

	if _, err := eng.GetByID(ctx, "mem-missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEngine_ReadReinforcementDelaysDecay(t *testing.T) {
	ctx := context.Background()
	eng, clock := newTestEngine(t, Config{})

	it, err := eng.RecordEvent(ctx, RecordRequest{
		Content:    decayContent,
		Source:     ConversationSource{SessionKey: "s1", Role: "user"},
		Importance: 0.4,
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	clock.Advance(31 * time.Minute)
	if _, err := eng.RunSweep(ctx); err != nil {
		t.Fatalf("routing sweep: %v", err)
	}

	// Reading the item two days in resets its decay clock.
	clock.Advance(2 * 24 * time.Hour)
	routed, err := eng.GetByID(ctx, it.ID)
	if err != nil {
		t.Fatalf("reinforcing read: %v", err)
	}
	if routed.Tier != TierLongTerm || routed.Phase != PhaseFresh {
		t.Fatalf("expected long_term fresh item, got tier=%s phase=%s", routed.Tier, routed.Phase)
	}

	// Past the original three-day dwell, but only one day past the
	// reinforcement, so the sweep holds the item in place.
	clock.Advance(24*time.Hour + 2*time.Hour)
	if _, err := eng.RunSweep(ctx); err != nil {
		t.Fatalf("held sweep: %v", err)
	}
	held, err := eng.GetByID(ctx, it.ID)
	if err != nil {
		t.Fatalf("get held item: %v", err)
	}
	if held.Phase != PhaseFresh {
		t.Fatalf("expected reinforced item still fresh, got %s", held.Phase)
	}

	// With no further reads, a full dwell later the transition fires.
	clock.Advance(3*24*time.Hour + time.Hour)
	if _, err := eng.RunSweep(ctx); err != nil {
		t.Fatalf("final sweep: %v", err)
	}
	aged, err := eng.GetByID(ctx, it.ID)
	if err != nil {
		t.Fatalf("get aged item: %v", err)
	}
	if aged.Phase != PhaseConsolidated {
		t.Fatalf("expected consolidated after the dwell elapsed, got %s", aged.Phase)
	}
}

func TestEngine_RunSweepMovesFreshForward(t *testing.T) {
	ctx := context.Background()
	eng, clock := newTestEngine(t, Config{})

	record := func(content string, importance float64) MemoryItem {
		t.Helper()
		it, err := eng.RecordEvent(ctx, RecordRequest{
			Content:    content,
			Source:     ConversationSource{SessionKey: "s1", Role: "user"},
			Importance: importance,
		})
		if err != nil {
			t.Fatalf("record %q: %v", content, err)
		}
		return it
	}
	hot := record("incident runbook for the payments outage", 0.7)
	warm := record("yearly planning notes from the offsite", 0.4)
	junk := record("ok", 0.05)

	clock.Advance(31 * time.Minute)
	report, err := eng.RunSweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.FreshExamined != 3 || report.FreshRouted != 2 || report.FreshDiscarded != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}

	workingSet, err := eng.GetWorkingMemory(ctx)
	if err != nil {
		t.Fatalf("working memory: %v", err)
	}
	if len(workingSet) != 1 || workingSet[0].ID != hot.ID {
		t.Fatalf("expected %s in working memory, got %#v", hot.ID, workingSet)
	}
	if got, err := eng.GetByID(ctx, warm.ID); err != nil || got.Tier != TierLongTerm {
		t.Fatalf("expected %s in long_term, got tier=%s err=%v", warm.ID, got.Tier, err)
	}
	if _, err := eng.GetByID(ctx, junk.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected discarded item gone, got %v", err)
	}

	// The discard leaves its trace in the routing log.
	rows, err := eng.QueryRouting(ctx, RoutingQuery{Reasons: []string{ReasonExpiredLowImportance}})
	if err != nil {
		t.Fatalf("query routing: %v", err)
	}
	if len(rows) != 1 || rows[0].EventID != junk.ID {
		t.Fatalf("expected a discard decision for %s, got %#v", junk.ID, rows)
	}

	// Nothing is due right after, so a back-to-back pass is a no-op.
	again, err := eng.RunSweep(ctx)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if again.FreshExamined != 0 || again.Transitions != 0 || again.Forgotten != 0 {
		t.Fatalf("expected idempotent back-to-back sweep, got %+v", again)
	}
}

func TestEngine_SweepNeverTouchesShock(t *testing.T) {
	ctx := context.Background()
	eng, clock := newTestEngine(t, Config{})

	shock, err := eng.RecordEvent(ctx, RecordRequest{
		Content:            "primary region lost, failover to eu-west engaged",
		Source:             OperatorSource{Operator: "oncall"},
		Importance:         0.95,
		EmotionalIntensity: 0.99,
	})
	if err != nil {
		t.Fatalf("record shock: %v", err)
	}
	if shock.Tier != TierShock {
		t.Fatalf("expected shock commit, got tier=%s", shock.Tier)
	}

	// A year of sweeps, far past every dwell threshold in the chain.
	for i := 0; i < 4; i++ {
		clock.Advance(90 * 24 * time.Hour)
		if _, err := eng.RunSweep(ctx); err != nil {
			t.Fatalf("sweep %d: %v", i, err)
		}
	}

	got, err := eng.GetByID(ctx, shock.ID)
	if err != nil {
		t.Fatalf("get shock item: %v", err)
	}
	if got.Tier != TierShock || got.Phase != PhaseShock {
		t.Fatalf("expected untouched shock entry, got tier=%s phase=%s", got.Tier, got.Phase)
	}
	if got.Content != shock.Content {
		t.Fatalf("shock content changed: %q", got.Content)
	}
}

func TestEngine_TriggerDecayPassValidatesTier(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t, Config{})

	if _, err := eng.TriggerDecayPass(ctx, TierWorking); err == nil {
		t.Fatal("expected error for working tier")
	}
	if _, err := eng.TriggerDecayPass(ctx, TierShock); err == nil {
		t.Fatal("expected error for shock tier")
	}
	if _, err := eng.TriggerDecayPass(ctx, Tier("hippocampus")); err == nil {
		t.Fatal("expected error for unknown tier")
	}
	if _, err := eng.TriggerDecayPass(ctx, TierFresh); err != nil {
		t.Fatalf("fresh pass: %v", err)
	}
	if _, err := eng.TriggerDecayPass(ctx, TierLongTerm); err != nil {
		t.Fatalf("long_term pass: %v", err)
	}
}

func TestEngine_SetPinnedRoundTrip(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t, Config{})

	it, err := eng.RecordEvent(ctx, RecordRequest{
		Content:    "keep the postmortem draft until legal signs off",
		Source:     OperatorSource{Operator: "sre-oncall"},
		Importance: 0.5,
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	pinned, err := eng.SetPinned(ctx, it.ID, true)
	if err != nil {
		t.Fatalf("pin: %v", err)
	}
	if !pinned.Pinned || pinned.Version != it.Version+1 {
		t.Fatalf("expected pinned item at version %d, got %+v", it.Version+1, pinned)
	}

	unpinned, err := eng.SetPinned(ctx, it.ID, false)
	if err != nil {
		t.Fatalf("unpin: %v", err)
	}
	if unpinned.Pinned {
		t.Fatal("expected item unpinned")
	}
}

func TestEngine_DeleteShockItemRefusesOtherTiers(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t, Config{})

	fresh, err := eng.RecordEvent(ctx, RecordRequest{
		Content:    "ordinary note about the deploy window",
		Source:     ConversationSource{SessionKey: "s1", Role: "user"},
		Importance: 0.5,
	})
	if err != nil {
		t.Fatalf("record fresh: %v", err)
	}
	if err := eng.DeleteShockItem(ctx, fresh.ID); !errors.Is(err, ErrNotShockTier) {
		t.Fatalf("expected ErrNotShockTier, got %v", err)
	}

	shock, err := eng.RecordEvent(ctx, RecordRequest{
		Content:            "credentials committed to the public repo",
		Source:             ConversationSource{SessionKey: "s1", Role: "user"},
		EmotionalIntensity: 0.97,
	})
	if err != nil {
		t.Fatalf("record shock: %v", err)
	}
	if err := eng.DeleteShockItem(ctx, shock.ID); err != nil {
		t.Fatalf("delete shock: %v", err)
	}
	if _, err := eng.GetByID(ctx, shock.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected item gone, got %v", err)
	}
}

func TestEngine_StatsCountsTiersAndLogs(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t, Config{})

	for _, req := range []RecordRequest{
		{Content: "first note", Source: ConversationSource{SessionKey: "s1", Role: "user"}, Importance: 0.5},
		{Content: "second note", Source: ConversationSource{SessionKey: "s1", Role: "user"}, Importance: 0.5},
		{Content: "sev1 paged the whole team", Source: ConversationSource{SessionKey: "s1", Role: "user"}, EmotionalIntensity: 0.97},
		{Content: "retry flaky publishes once", Source: PatternSource{Signature: "retry-flaky-publish"}, Importance: 0.5},
	} {
		if _, err := eng.RecordEvent(ctx, req); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	stats, err := eng.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TierCounts[TierFresh] != 2 || stats.TierCounts[TierShock] != 1 || stats.TierCounts[TierProcedural] != 1 {
		t.Fatalf("unexpected tier counts: %#v", stats.TierCounts)
	}
	if stats.WorkingCap != eng.Config().WorkingCapacity {
		t.Fatalf("expected working cap %d, got %d", eng.Config().WorkingCapacity, stats.WorkingCap)
	}
	if stats.DueProcedural != 0 {
		t.Fatalf("expected no procedural work due yet, got %d", stats.DueProcedural)
	}
	if stats.RoutingRows != 4 {
		t.Fatalf("expected 4 routing decisions, got %d", stats.RoutingRows)
	}
	if stats.Quarantined != 0 {
		t.Fatalf("expected no quarantined rows, got %d", stats.Quarantined)
	}
}

func TestEngine_GetTokenSavingsEmptyWindow(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t, Config{})

	savings, err := eng.GetTokenSavings(ctx, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("savings: %v", err)
	}
	if savings.Records != 0 || savings.SavedTokens != 0 {
		t.Fatalf("expected empty savings, got %+v", savings)
	}
}

func TestEngine_SchedulerLifecycle(t *testing.T) {
	eventBus := bus.NewEventBus()
	defer eventBus.Close()
	clock := NewManualClock(1_700_000_000_000)
	eng, err := New(Config{}, Options{
		DBPath: filepath.Join(t.TempDir(), "memory.db"),
		Clock:  clock,
		Bus:    eventBus,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() { _ = eng.Close() })

	ticks := NewManualTicks()
	if err := eng.StartScheduler(ticks); err != nil {
		t.Fatalf("start scheduler: %v", err)
	}
	if err := eng.StartScheduler(NewManualTicks()); err == nil {
		t.Fatal("expected second start to fail while running")
	}

	ticks.Fire(time.Now())
	waitCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		ev, ok := eventBus.Consume(waitCtx)
		if !ok {
			t.Fatal("no sweep completion event before timeout")
		}
		if ev.Topic == bus.TopicSweepCompleted {
			break
		}
	}

	eng.StopScheduler()
	if err := eng.StartScheduler(NewManualTicks()); err != nil {
		t.Fatalf("restart scheduler: %v", err)
	}
	eng.StopScheduler()
}

func TestEngine_CloseIsIdempotentAndFinal(t *testing.T) {
	ctx := context.Background()
	clock := NewManualClock(1_700_000_000_000)
	eng, err := New(Config{}, Options{
		DBPath: filepath.Join(t.TempDir(), "memory.db"),
		Clock:  clock,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	if _, err := eng.RecordEvent(ctx, RecordRequest{
		Content:    "note recorded before shutdown",
		Source:     ConversationSource{SessionKey: "s1", Role: "user"},
		Importance: 0.5,
	}); err != nil {
		t.Fatalf("record: %v", err)
	}

	if err := eng.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := eng.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	if _, err := eng.RecordEvent(ctx, RecordRequest{
		Content: "late event",
		Source:  ConversationSource{SessionKey: "s1", Role: "user"},
	}); !errors.Is(err, ErrEngineClosed) {
		t.Fatalf("expected ErrEngineClosed, got %v", err)
	}
	if _, err := eng.Recall(ctx, "anything", 4); !errors.Is(err, ErrEngineClosed) {
		t.Fatalf("expected ErrEngineClosed from recall, got %v", err)
	}
	if _, err := eng.RunSweep(ctx); !errors.Is(err, ErrEngineClosed) {
		t.Fatalf("expected ErrEngineClosed from sweep, got %v", err)
	}
}
