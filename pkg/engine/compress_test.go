package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// fixedCompressor returns a canned rewrite or error, standing in for a
// remote summarization backend.
type fixedCompressor struct {
	name string
	out  string
	err  error
}

func (c fixedCompressor) Name() string { return c.name }

func (c fixedCompressor) Compress(_ context.Context, _ string, _ float64) (string, error) {
	return c.out, c.err
}

func TestEstimateTokens(t *testing.T) {
	if got := EstimateTokens(""); got != 0 {
		t.Fatalf("empty content: expected 0, got %d", got)
	}
	if got := EstimateTokens("hi"); got != 8 {
		t.Fatalf("short content: expected floor of 8, got %d", got)
	}
	long := strings.Repeat("a", 100)
	if got := EstimateTokens(long); got != 40 {
		t.Fatalf("long content: expected 40, got %d", got)
	}
}

func TestExtractiveCompressor_KeepsLeadingSentences(t *testing.T) {
	comp := NewExtractiveCompressor()
	out, err := comp.Compress(context.Background(), decayContent, 0.4)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	if out == "" || len(out) >= len(decayContent) {
		t.Fatalf("expected a shorter non-empty rewrite, got %d bytes", len(out))
	}
	if !strings.HasPrefix(out, "The deploy pipeline failed on the staging cluster") {
		t.Fatalf("expected leading sentence kept, got %q", out)
	}
}

func TestCompressionStep_RewriteWithinBound(t *testing.T) {
	step := NewCompressionStep(Config{}, NewEmbedder(""), nil)

	outcome, err := step.Rewrite(context.Background(), MemoryItem{ID: "mem-1", Content: decayContent})
	if err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if outcome.usedFallback {
		t.Fatalf("extractive primary should not report a fallback")
	}
	if outcome.compressedTokens <= 0 || outcome.compressedTokens >= outcome.rawTokens {
		t.Fatalf("expected token reduction, got %d/%d", outcome.compressedTokens, outcome.rawTokens)
	}
}

func TestCompressionStep_FallsBackWhenRewriteDrifts(t *testing.T) {
	drifting := fixedCompressor{name: "llm-summarizer", out: "unrelated zz qq words entirely"}
	step := NewCompressionStep(Config{}, NewEmbedder(""), drifting)

	outcome, err := step.Rewrite(context.Background(), MemoryItem{ID: "mem-1", Content: decayContent})
	if err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if !outcome.usedFallback {
		t.Fatalf("expected the extractive fallback to take over")
	}
	if !strings.HasPrefix(outcome.content, "The deploy pipeline failed") {
		t.Fatalf("expected fallback output, got %q", outcome.content)
	}
}

func TestCompressionStep_TimeoutMapsToErrCompressTimeout(t *testing.T) {
	stalled := fixedCompressor{name: "llm-summarizer", err: context.DeadlineExceeded}
	step := NewCompressionStep(Config{}, NewEmbedder(""), stalled)

	_, err := step.Rewrite(context.Background(), MemoryItem{ID: "mem-1", Content: decayContent})
	if !errors.Is(err, ErrCompressTimeout) {
		t.Fatalf("expected ErrCompressTimeout, got %v", err)
	}
}

func TestCompressionStep_UnrecoverableDriftIsSimilarityBound(t *testing.T) {
	// Naming the primary after the fallback removes the second chance.
	drifting := fixedCompressor{name: "extractive", out: "unrelated zz qq words entirely"}
	step := NewCompressionStep(Config{}, NewEmbedder(""), drifting)

	_, err := step.Rewrite(context.Background(), MemoryItem{ID: "mem-1", Content: decayContent})
	if !errors.Is(err, ErrSimilarityBound) {
		t.Fatalf("expected ErrSimilarityBound, got %v", err)
	}
}

func TestCompressionStep_EmptyRewriteFailsBound(t *testing.T) {
	empty := fixedCompressor{name: "extractive", out: "   "}
	step := NewCompressionStep(Config{}, NewEmbedder(""), empty)

	_, err := step.Rewrite(context.Background(), MemoryItem{ID: "mem-1", Content: decayContent})
	if !errors.Is(err, ErrSimilarityBound) {
		t.Fatalf("expected ErrSimilarityBound for blank rewrite, got %v", err)
	}
}
