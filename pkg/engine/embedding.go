package engine

import (
	"context"
	"hash/fnv"
	"math"
	"regexp"
	"strings"
)

const (
	// DefaultEmbeddingModel is the local character-trigram encoder.
	DefaultEmbeddingModel = "strata-chargram-256-v1"
	hashEmbeddingModel    = "strata-hash-128-v1"
)

var tokenPattern = regexp.MustCompile(`[A-Za-z0-9_\-]+`)

// NewEmbedder resolves an embedder by model name. Unknown names fall
// back to the default chargram encoder.
func NewEmbedder(name string) Embedder {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case hashEmbeddingModel, "hash", "hash-128":
		return &hashEmbedder{dims: 128, model: hashEmbeddingModel}
	default:
		return &chargramEmbedder{dims: 256, model: DefaultEmbeddingModel}
	}
}

// chargramEmbedder hashes character trigrams and word tokens into a
// fixed-width normalized vector. It is deterministic and local, so the
// engine never blocks on a network call to encode.
type chargramEmbedder struct {
	dims  int
	model string
}

func (e *chargramEmbedder) Model() string { return e.model }
func (e *chargramEmbedder) Dims() int     { return e.dims }

func (e *chargramEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dims)
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized == "" {
		return vec, nil
	}
	window := "#" + normalized + "#"
	for i := 0; i+3 <= len(window); i++ {
		gram := window[i : i+3]
		h := fnv.New64a()
		_, _ = h.Write([]byte(gram))
		sum := h.Sum64()
		vec[int(sum%uint64(e.dims))] += 1
	}
	for _, token := range tokenize(normalized) {
		h := fnv.New64a()
		_, _ = h.Write([]byte("tok:" + token))
		sum := h.Sum64()
		vec[int(sum%uint64(e.dims))] += 1.25
	}
	normalizeVector(vec)
	return vec, nil
}

// hashEmbedder is a coarser token-hash encoding kept for small
// deployments where 256 dims per item is too heavy.
type hashEmbedder struct {
	dims  int
	model string
}

func (e *hashEmbedder) Model() string { return e.model }
func (e *hashEmbedder) Dims() int     { return e.dims }

func (e *hashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dims)
	for _, token := range tokenize(strings.ToLower(text)) {
		h := fnv.New64a()
		_, _ = h.Write([]byte(token))
		sum := h.Sum64()
		sign := float32(1)
		if sum&1 == 1 {
			sign = -1
		}
		weight := float32(1 + (len(token) / 8))
		vec[int(sum%uint64(e.dims))] += sign * weight
	}
	normalizeVector(vec)
	return vec, nil
}

func tokenize(text string) []string {
	text = strings.ToLower(text)
	matches := tokenPattern.FindAllString(text, -1)
	if len(matches) == 0 {
		return []string{text}
	}
	return matches
}

func vectorNorm(vec []float32) float64 {
	var sum float64
	for _, v := range vec {
		sum += float64(v * v)
	}
	return math.Sqrt(sum)
}

func normalizeVector(vec []float32) {
	n := vectorNorm(vec)
	if n == 0 {
		return
	}
	inv := float32(1.0 / n)
	for i := range vec {
		vec[i] *= inv
	}
}
