package engine

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/mnemolabs/strata/pkg/bus"
)

// relevanceCacheTTL bounds how stale a repeated query may be. Short on
// purpose: the working set changes with every sweep.
const relevanceCacheTTL = 20 * time.Second

// ScoredItem is one retrieval hit with its component scores.
type ScoredItem struct {
	Item    MemoryItem
	Score   float64
	Vector  float64
	Lexical float64
	Recency float64
}

// Retriever answers relevance queries across tiers, blending embedding
// similarity, lexical match, and recency. Results are cached briefly in
// an expiring LRU keyed by the query.
type Retriever struct {
	cfg      Config
	store    Store
	embedder Embedder
	clock    Clock
	bus      *bus.EventBus
	cache    *expirable.LRU[string, []ScoredItem]
}

func NewRetriever(cfg Config, store Store, embedder Embedder, clock Clock, eventBus *bus.EventBus) *Retriever {
	return &Retriever{
		cfg:      cfg.normalize(),
		store:    store,
		embedder: embedder,
		clock:    clock,
		bus:      eventBus,
		cache:    expirable.NewLRU[string, []ScoredItem](256, nil, relevanceCacheTTL),
	}
}

// Relevant returns the topK items most similar to the query embedding.
// Vectors that fail to decode are quarantined on the spot; the query
// itself still answers from the rest.
func (r *Retriever) Relevant(ctx context.Context, queryVec []float32, topK int) ([]ScoredItem, error) {
	if topK <= 0 {
		topK = 8
	}
	key := vectorCacheKey(queryVec, topK)
	if hits, ok := r.cache.Get(key); ok {
		return hits, nil
	}

	candidates, err := r.vectorCandidates(ctx, queryVec, topK*4)
	if err != nil {
		return nil, err
	}
	hits := r.rank(candidates, topK)
	r.cache.Add(key, hits)
	return hits, nil
}

// Recall answers a text query: the query is embedded for vector
// similarity and matched lexically through the full-text index, and
// the two signals are blended with recency.
func (r *Retriever) Recall(ctx context.Context, query string, topK int) ([]ScoredItem, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if topK <= 0 {
		topK = 8
	}
	key := textCacheKey(query, topK)
	if hits, ok := r.cache.Get(key); ok {
		return hits, nil
	}

	queryVec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	candidates, err := r.vectorCandidates(ctx, queryVec, topK*4)
	if err != nil {
		return nil, err
	}

	if ftsQuery := buildFTSQuery(query); ftsQuery != "" {
		found, err := r.store.SearchText(ctx, ftsQuery, topK*4)
		if err != nil {
			return nil, err
		}
		for rank, it := range found {
			s, ok := candidates[it.ID]
			if !ok {
				s = &ScoredItem{Item: it}
				candidates[it.ID] = s
			}
			s.Lexical = 1.0 - (float64(rank) / float64(len(found)+1))
		}
	}

	hits := r.rank(candidates, topK)
	r.cache.Add(key, hits)
	return hits, nil
}

// vectorCandidates scores stored embeddings against the query vector
// and hydrates the strongest ones.
func (r *Retriever) vectorCandidates(ctx context.Context, queryVec []float32, limit int) (map[string]*ScoredItem, error) {
	vecs, corrupt, err := r.store.ListEmbeddings(ctx, Tiers, 4096)
	if err != nil {
		return nil, err
	}
	for _, id := range corrupt {
		QuarantineEntry(ctx, r.store, r.bus, id, ErrCorruptEntry)
	}

	type idScore struct {
		id  string
		sim float64
	}
	scores := make([]idScore, 0, len(vecs))
	for _, iv := range vecs {
		sim := (Cosine(queryVec, iv.Vector) + 1) / 2
		scores = append(scores, idScore{id: iv.ItemID, sim: sim})
	}
	sort.Slice(scores, func(i, j int) bool { return scores[i].sim > scores[j].sim })
	if len(scores) > limit {
		scores = scores[:limit]
	}

	ids := make([]string, 0, len(scores))
	simByID := make(map[string]float64, len(scores))
	for _, s := range scores {
		ids = append(ids, s.id)
		simByID[s.id] = s.sim
	}
	items, err := r.store.GetItems(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make(map[string]*ScoredItem, len(items))
	for _, it := range items {
		out[it.ID] = &ScoredItem{Item: it, Vector: simByID[it.ID]}
	}
	return out, nil
}

// rank blends the component scores and returns the topK hits.
func (r *Retriever) rank(candidates map[string]*ScoredItem, topK int) []ScoredItem {
	now := r.clock.NowMS()
	scored := make([]ScoredItem, 0, len(candidates))
	for _, s := range candidates {
		s.Recency = recencyWeight(now, s.Item.LastAccessedAtMS, r.cfg.RecencyHalfLife)
		s.Score = 0.45*s.Vector + 0.45*s.Lexical + 0.10*s.Recency
		s.Score *= tierAffinity(s.Item)
		scored = append(scored, *s)
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score == scored[j].Score {
			return scored[i].Item.LastAccessedAtMS > scored[j].Item.LastAccessedAtMS
		}
		return scored[i].Score > scored[j].Score
	})
	if len(scored) > topK {
		scored = scored[:topK]
	}
	return scored
}

// tierAffinity nudges retrieval toward the active context and critical
// entries; procedural items speak with their confidence.
func tierAffinity(it MemoryItem) float64 {
	switch it.Tier {
	case TierWorking:
		return 1.15
	case TierShock:
		return 1.10
	case TierProcedural:
		return 0.85 + 0.30*it.Confidence
	default:
		return 1.0
	}
}

// ftsTokenPattern keeps only the letter and digit runs the unicode61
// tokenizer itself indexes. Everything else is query syntax to FTS5 and
// must not reach MATCH.
var ftsTokenPattern = regexp.MustCompile(`[\p{L}\p{N}]+`)

func buildFTSQuery(query string) string {
	tokens := ftsTokenPattern.FindAllString(strings.ToLower(query), -1)
	if len(tokens) == 0 {
		return ""
	}
	quoted := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		quoted = append(quoted, `"`+tok+`"`)
	}
	return strings.Join(quoted, " OR ")
}

func vectorCacheKey(vec []float32, topK int) string {
	blob, err := EncodeVector(vec)
	if err != nil {
		blob = nil
	}
	sum := sha1.Sum(append(blob, byte(topK)))
	return "v:" + hex.EncodeToString(sum[:8])
}

func textCacheKey(query string, topK int) string {
	sum := sha1.Sum([]byte(fmt.Sprintf("q:%s:%d", strings.ToLower(query), topK)))
	return "t:" + hex.EncodeToString(sum[:8])
}
