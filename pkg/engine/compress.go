package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrSimilarityBound reports a compressed rewrite that drifted too far
// from the original meaning, even after the extractive fallback.
var ErrSimilarityBound = errors.New("compressed rewrite below similarity bound")

// EstimateTokens approximates the token cost of content. The ratio is
// tuned for mixed English prose and identifiers.
func EstimateTokens(content string) int {
	chars := len([]rune(content))
	if chars == 0 {
		return 0
	}
	est := chars * 2 / 5
	if est < 8 {
		est = 8
	}
	return est
}

// compressOutcome is one accepted rewrite with its token accounting.
type compressOutcome struct {
	content          string
	rawTokens        int
	compressedTokens int
	usedFallback     bool
}

// CompressionStep produces phase-transition rewrites and enforces the
// semantic similarity bound. The configured compressor runs first; when
// its output drifts below the bound the local extractive pass gets one
// chance before the item is left for retry.
type CompressionStep struct {
	cfg        Config
	embedder   Embedder
	compressor Compressor
	fallback   Compressor
}

func NewCompressionStep(cfg Config, embedder Embedder, compressor Compressor) *CompressionStep {
	cfg = cfg.normalize()
	if compressor == nil {
		compressor = NewExtractiveCompressor()
	}
	return &CompressionStep{
		cfg:        cfg,
		embedder:   embedder,
		compressor: compressor,
		fallback:   NewExtractiveCompressor(),
	}
}

// Rewrite compresses an item's content under the configured deadline.
// Deadline misses map to ErrCompressTimeout and bound misses to
// ErrSimilarityBound; the caller marks the item pending_retry for both.
func (c *CompressionStep) Rewrite(ctx context.Context, it MemoryItem) (compressOutcome, error) {
	out := compressOutcome{rawTokens: EstimateTokens(it.Content)}

	cctx, cancel := context.WithTimeout(ctx, c.cfg.CompressTimeout)
	defer cancel()

	compressed, err := c.compressor.Compress(cctx, it.Content, c.cfg.CompressTargetRatio)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return out, fmt.Errorf("compressor %s on %s: %w", c.compressor.Name(), it.ID, ErrCompressTimeout)
		}
		return out, fmt.Errorf("compressor %s on %s: %w", c.compressor.Name(), it.ID, err)
	}

	ok, err := c.meetsBound(cctx, it.Content, compressed)
	if err != nil {
		return out, err
	}
	if !ok && c.compressor.Name() != c.fallback.Name() {
		compressed, err = c.fallback.Compress(cctx, it.Content, c.cfg.CompressTargetRatio)
		if err != nil {
			return out, fmt.Errorf("fallback compressor on %s: %w", it.ID, err)
		}
		out.usedFallback = true
		ok, err = c.meetsBound(cctx, it.Content, compressed)
		if err != nil {
			return out, err
		}
	}
	if !ok {
		return out, fmt.Errorf("item %s: %w", it.ID, ErrSimilarityBound)
	}

	out.content = compressed
	out.compressedTokens = EstimateTokens(compressed)
	return out, nil
}

func (c *CompressionStep) meetsBound(ctx context.Context, original, compressed string) (bool, error) {
	if strings.TrimSpace(compressed) == "" {
		return false, nil
	}
	origVec, err := c.embedder.Embed(ctx, original)
	if err != nil {
		return false, fmt.Errorf("embed original: %w", err)
	}
	compVec, err := c.embedder.Embed(ctx, compressed)
	if err != nil {
		return false, fmt.Errorf("embed rewrite: %w", err)
	}
	return Cosine(origVec, compVec) >= c.cfg.MinCompressSimilarity, nil
}

// ExtractiveCompressor keeps the leading sentences of the original up
// to the target ratio. It never leaves the process, so it also serves
// as the offline default backend.
type ExtractiveCompressor struct{}

func NewExtractiveCompressor() *ExtractiveCompressor { return &ExtractiveCompressor{} }

func (*ExtractiveCompressor) Name() string { return "extractive" }

func (*ExtractiveCompressor) Compress(_ context.Context, content string, targetRatio float64) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", nil
	}
	if targetRatio <= 0 || targetRatio >= 1 {
		targetRatio = 0.4
	}
	runes := []rune(content)
	budget := int(float64(len(runes)) * targetRatio)
	if budget < 48 {
		budget = minInt(48, len(runes))
	}

	var b strings.Builder
	used := 0
	for _, sentence := range splitSentences(content) {
		n := len([]rune(sentence))
		if used > 0 && used+n > budget {
			break
		}
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		b.WriteString(sentence)
		used += n
	}
	if b.Len() == 0 {
		if budget > len(runes) {
			budget = len(runes)
		}
		return strings.TrimSpace(string(runes[:budget])), nil
	}
	return b.String(), nil
}

func splitSentences(text string) []string {
	out := []string{}
	start := 0
	runes := []rune(text)
	for i, r := range runes {
		if r == '.' || r == '!' || r == '?' || r == '\n' {
			seg := strings.TrimSpace(string(runes[start : i+1]))
			if seg != "" {
				out = append(out, seg)
			}
			start = i + 1
		}
	}
	if start < len(runes) {
		seg := strings.TrimSpace(string(runes[start:]))
		if seg != "" {
			out = append(out, seg)
		}
	}
	return out
}
