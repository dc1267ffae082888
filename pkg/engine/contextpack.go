package engine

import (
	"context"
	"strings"
)

// ContextBudget allocates prompt tokens across the pack sections.
type ContextBudget struct {
	TotalTokens    int
	ShockTokens    int
	WorkingTokens  int
	RecalledTokens int
}

// DeriveContextBudget splits a token allowance across shock, working,
// and recalled memory. Recall keeps a floor so a crowded working set
// cannot starve it entirely.
func DeriveContextBudget(total int) ContextBudget {
	if total <= 0 {
		total = 8192
	}
	shock := total * 15 / 100
	working := total * 45 / 100
	recalled := total - shock - working
	if recalled < 512 {
		// Recall keeps its floor; the deficit comes out of working.
		deficit := 512 - recalled
		recalled = 512
		if working > deficit {
			working -= deficit
		}
	}
	return ContextBudget{
		TotalTokens:    total,
		ShockTokens:    shock,
		WorkingTokens:  working,
		RecalledTokens: recalled,
	}
}

// ContextEntry is one item rendered into the pack.
type ContextEntry struct {
	ID      string
	Tier    Tier
	Phase   Phase
	Content string
	Score   float64
	Tokens  int
}

// ContextPack is the assembled prompt block: critical entries first,
// then the active working set, then query-relevant recall.
type ContextPack struct {
	Budget     ContextBudget
	Shock      []ContextEntry
	Working    []ContextEntry
	Recalled   []ContextEntry
	UsedTokens int
}

// ContextPacker assembles budgeted context packs from the tiers.
type ContextPacker struct {
	shock     *ShockVault
	working   *WorkingManager
	retriever *Retriever
}

func NewContextPacker(shock *ShockVault, working *WorkingManager, retriever *Retriever) *ContextPacker {
	return &ContextPacker{shock: shock, working: working, retriever: retriever}
}

// Build assembles a pack for one query under maxTokens.
func (p *ContextPacker) Build(ctx context.Context, query string, maxTokens int) (ContextPack, error) {
	budget := DeriveContextBudget(maxTokens)
	pack := ContextPack{Budget: budget}
	seen := map[string]bool{}

	shockItems, err := p.shock.List(ctx, 50)
	if err != nil {
		return pack, err
	}
	pack.Shock = fillSection(shockItems, nil, budget.ShockTokens, seen, &pack.UsedTokens)

	workingItems, err := p.working.Snapshot(ctx)
	if err != nil {
		return pack, err
	}
	pack.Working = fillSection(workingItems, nil, budget.WorkingTokens, seen, &pack.UsedTokens)

	if strings.TrimSpace(query) != "" {
		hits, err := p.retriever.Recall(ctx, query, 16)
		if err != nil {
			return pack, err
		}
		items := make([]MemoryItem, 0, len(hits))
		scores := make(map[string]float64, len(hits))
		for _, h := range hits {
			items = append(items, h.Item)
			scores[h.Item.ID] = h.Score
		}
		pack.Recalled = fillSection(items, scores, budget.RecalledTokens, seen, &pack.UsedTokens)
	}
	return pack, nil
}

// fillSection appends items until the section budget runs out, skipping
// anything a previous section already carries.
func fillSection(items []MemoryItem, scores map[string]float64, budget int, seen map[string]bool, used *int) []ContextEntry {
	section := []ContextEntry{}
	remaining := budget
	for _, it := range items {
		if seen[it.ID] {
			continue
		}
		tokens := EstimateTokens(it.Content)
		if tokens > remaining && len(section) > 0 {
			break
		}
		if tokens > remaining {
			// Even a single oversized entry gets clipped into place so
			// the section is never empty when memory exists.
			tokens = remaining
		}
		entry := ContextEntry{
			ID:      it.ID,
			Tier:    it.Tier,
			Phase:   it.Phase,
			Content: it.Content,
			Tokens:  tokens,
		}
		if scores != nil {
			entry.Score = scores[it.ID]
		}
		section = append(section, entry)
		seen[it.ID] = true
		remaining -= tokens
		*used += tokens
		if remaining <= 0 {
			break
		}
	}
	return section
}
