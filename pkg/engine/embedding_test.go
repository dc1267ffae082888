package engine

import (
	"context"
	"math"
	"testing"
)

func TestChargramEmbedder_IsDeterministic(t *testing.T) {
	ctx := context.Background()
	e := NewEmbedder("")

	a, err := e.Embed(ctx, "rolling restart of the ingest workers")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	b, err := e.Embed(ctx, "rolling restart of the ingest workers")
	if err != nil {
		t.Fatalf("embed again: %v", err)
	}
	if len(a) != e.Dims() {
		t.Fatalf("expected %d dims, got %d", e.Dims(), len(a))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("vectors differ at %d: %f vs %f", i, a[i], b[i])
		}
	}
	if n := vectorNorm(a); math.Abs(n-1) > 1e-4 {
		t.Fatalf("expected unit norm, got %f", n)
	}
}

func TestChargramEmbedder_SimilarTextScoresHigher(t *testing.T) {
	ctx := context.Background()
	e := NewEmbedder("")

	pipeline, _ := e.Embed(ctx, "deploy pipeline failed on the staging cluster")
	rollback, _ := e.Embed(ctx, "deploy rollback started on the staging cluster")
	cats, _ := e.Embed(ctx, "weekend cat photos from the picnic")

	related := Cosine(pipeline, rollback)
	unrelated := Cosine(pipeline, cats)
	if related <= unrelated {
		t.Fatalf("expected related text to score higher: related=%f unrelated=%f", related, unrelated)
	}
}

func TestVectorCodec_RoundTripAndCorruption(t *testing.T) {
	vec := []float32{0.25, -1.5, 3.75}
	blob, err := EncodeVector(vec)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	back, err := DecodeVector(blob)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(back) != len(vec) {
		t.Fatalf("expected %d values, got %d", len(vec), len(back))
	}
	for i := range vec {
		if back[i] != vec[i] {
			t.Fatalf("value %d changed: %f vs %f", i, vec[i], back[i])
		}
	}

	if _, err := DecodeVector(blob[:5]); err == nil {
		t.Fatal("expected error for truncated blob")
	}
	if _, err := DecodeVector([]byte{1, 2}); err == nil {
		t.Fatal("expected error for blob shorter than its header")
	}
	nan, err := EncodeVector([]float32{float32(math.NaN())})
	if err != nil {
		t.Fatalf("encode nan: %v", err)
	}
	if _, err := DecodeVector(nan); err == nil {
		t.Fatal("expected error for non-finite value")
	}
}

func TestCosine_DegenerateInputs(t *testing.T) {
	if got := Cosine([]float32{1, 0}, []float32{1, 0, 0}); got != 0 {
		t.Fatalf("expected 0 for mismatched dims, got %f", got)
	}
	if got := Cosine([]float32{0, 0}, []float32{0, 0}); got != 0 {
		t.Fatalf("expected 0 for zero vectors, got %f", got)
	}
	if got := Cosine([]float32{2, 0}, []float32{4, 0}); math.Abs(got-1) > 1e-6 {
		t.Fatalf("expected 1 for parallel vectors, got %f", got)
	}
}
