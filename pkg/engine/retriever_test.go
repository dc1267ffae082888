package engine

import (
	"context"
	"errors"
	"testing"
)

func seedEmbedded(t *testing.T, store *SQLiteStore, embedder Embedder, id string, tier Tier, content string) {
	t.Helper()
	ctx := context.Background()
	it := MemoryItem{
		ID: id, Content: content, Tier: tier, Phase: PhaseFresh,
		ImportanceScore: 0.5, Version: 1,
		CreatedAtMS: 1000, LastAccessedAtMS: 1000, LastTransitionAtMS: 1000,
	}
	if tier == TierShock {
		it.Phase = PhaseShock
	}
	if err := store.PutItem(ctx, it); err != nil {
		t.Fatalf("put %s: %v", id, err)
	}
	vec, err := embedder.Embed(ctx, content)
	if err != nil {
		t.Fatalf("embed %s: %v", id, err)
	}
	if err := store.UpsertEmbedding(ctx, id, embedder.Model(), vec); err != nil {
		t.Fatalf("upsert embedding %s: %v", id, err)
	}
}

func TestRetriever_RecallRanksRelatedContent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	embedder := NewEmbedder("")
	r := NewRetriever(Config{}, store, embedder, NewManualClock(10_000), nil)

	seedEmbedded(t, store, embedder, "mem-deploy", TierLongTerm, "kubernetes deploy pipeline configuration for staging")
	seedEmbedded(t, store, embedder, "mem-cats", TierLongTerm, "cat photos from the weekend picnic")
	seedEmbedded(t, store, embedder, "mem-rollback", TierLongTerm, "deploy rollback runbook for the staging cluster")

	hits, err := r.Recall(ctx, "deploy staging pipeline", 2)
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	for _, h := range hits {
		if h.Item.ID == "mem-cats" {
			t.Fatalf("unrelated item outranked related ones: %#v", hits)
		}
		if h.Score <= 0 {
			t.Fatalf("expected positive score, got %f for %s", h.Score, h.Item.ID)
		}
	}
}

func TestRetriever_WorkingTierOutranksLongTermOnTie(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	embedder := NewEmbedder("")
	r := NewRetriever(Config{}, store, embedder, NewManualClock(10_000), nil)

	content := "postgres connection pool exhaustion during peak traffic"
	seedEmbedded(t, store, embedder, "mem-longterm", TierLongTerm, content)
	seedEmbedded(t, store, embedder, "mem-working", TierWorking, content)

	queryVec, err := embedder.Embed(ctx, "connection pool exhaustion")
	if err != nil {
		t.Fatalf("embed query: %v", err)
	}
	hits, err := r.Relevant(ctx, queryVec, 2)
	if err != nil {
		t.Fatalf("relevant: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if hits[0].Item.ID != "mem-working" {
		t.Fatalf("expected working-tier item first, got %s", hits[0].Item.ID)
	}
}

func TestRetriever_QuarantinesCorruptVectors(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	embedder := NewEmbedder("")
	r := NewRetriever(Config{}, store, embedder, NewManualClock(10_000), nil)

	seedEmbedded(t, store, embedder, "mem-good", TierLongTerm, "incident review for the march outage")
	seedItem(t, store, "mem-bad", TierLongTerm, 0.5)
	if _, err := store.db.ExecContext(ctx, `
INSERT INTO memory_embeddings(item_id, model, dims, vector, updated_at_ms)
VALUES(?, ?, ?, ?, ?)`, "mem-bad", "test-model", 64, []byte{1, 2, 3}, 1000); err != nil {
		t.Fatalf("plant corrupt vector: %v", err)
	}

	queryVec, err := embedder.Embed(ctx, "march outage incident")
	if err != nil {
		t.Fatalf("embed query: %v", err)
	}
	hits, err := r.Relevant(ctx, queryVec, 5)
	if err != nil {
		t.Fatalf("relevant: %v", err)
	}
	if len(hits) != 1 || hits[0].Item.ID != "mem-good" {
		t.Fatalf("expected the query to answer from healthy entries, got %#v", hits)
	}

	// The corrupt row is out of the query surface from now on.
	if _, err := store.GetItem(ctx, "mem-bad"); !errors.Is(err, ErrQuarantined) {
		t.Fatalf("expected corrupt entry quarantined, got %v", err)
	}
}

func TestBuildFTSQuery_QuotesTokens(t *testing.T) {
	got := buildFTSQuery(`Hello, World! "quoted"`)
	want := `"hello" OR "world" OR "quoted"`
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestBuildFTSQuery_DropsPunctuationOnlyInput(t *testing.T) {
	if got := buildFTSQuery(`!!! --- ""`); got != "" {
		t.Fatalf("expected empty query, got %q", got)
	}
}
