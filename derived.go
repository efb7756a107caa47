package engram

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Briefing is the structured summary returned by briefing() (§4.7). Every
// field besides Summary is computed without an LLM call.
type Briefing struct {
	Summary           string
	KeyFacts          []ScoredMemory
	ActiveCommitments []Memory
	RecentActivity    []Memory
	TopEntities       []Entity
	Stats             StoreStats
}

// SurfaceResult annotates a recalled memory with why it surfaced, for
// surface()'s novelty-biased re-rank.
type SurfaceResult struct {
	ScoredMemory
	Reason string
}

// Answer is ask()'s LLM-synthesized response, source-attributed per §4.7:
// every citation must be a memory present in Citations.
type Answer struct {
	Text       string
	Confidence float64
	Citations  []ScoredMemory
}

// Alert surfaces either an overdue pending commitment or an unresolved
// contradiction (§4.7 alerts()).
type Alert struct {
	Kind   string // "overdue-commitment" | "unresolved-contradiction"
	Memory Memory
	Detail string
}

// DerivedOps composes C1 (Store) and C5 (Recaller) into the read-time
// operations a caller actually wants: briefing, surface, ask, and alerts.
type DerivedOps struct {
	store *Store
	rec   *Recaller
	llm   LLMProvider
	cfg   *VaultConfig
}

// NewDerivedOps constructs a DerivedOps bound to a store, recaller, and
// optional LLM (nil disables ask()'s synthesis step).
func NewDerivedOps(store *Store, rec *Recaller, llm LLMProvider, cfg *VaultConfig) *DerivedOps {
	return &DerivedOps{store: store, rec: rec, llm: llm, cfg: cfg}
}

// Briefing composes a structured situational summary (§4.7): pending
// commitments, recalled context, and the top entities by recency-weighted
// memory count. No LLM call is required for any field.
func (d *DerivedOps) Briefing(ctx context.Context, context_ string, limit int) (Briefing, error) {
	if limit <= 0 {
		limit = 10
	}

	commitments, err := d.store.ByStatus(StatusPending, limit)
	if err != nil {
		return Briefing{}, err
	}

	facts, err := d.rec.Recall(ctx, RecallQuery{Context: context_, Limit: limit})
	if err != nil {
		return Briefing{}, err
	}

	recent, err := d.store.ByStatus(StatusActive, limit)
	if err != nil {
		return Briefing{}, err
	}
	sort.Slice(recent, func(i, j int) bool { return recent[i].CreatedAt.After(recent[j].CreatedAt) })
	if len(recent) > limit {
		recent = recent[:limit]
	}

	entities, err := d.store.ListEntities()
	if err != nil {
		return Briefing{}, err
	}
	now := time.Now()
	sort.Slice(entities, func(i, j int) bool {
		return entityRank(entities[i], now) > entityRank(entities[j], now)
	})
	topN := limit
	if topN > len(entities) {
		topN = len(entities)
	}

	stats, err := d.store.Stats()
	if err != nil {
		return Briefing{}, err
	}

	return Briefing{
		Summary:           summarizeBriefing(len(commitments), len(facts)),
		KeyFacts:          facts,
		ActiveCommitments: commitments,
		RecentActivity:    recent,
		TopEntities:       entities[:topN],
		Stats:             stats,
	}, nil
}

func entityRank(e Entity, now time.Time) float64 {
	ageDays := now.Sub(e.LastSeen).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	return float64(e.MemoryCount) / (1.0 + ageDays)
}

func summarizeBriefing(commitments, facts int) string {
	return "Pending commitments: " + itoa(commitments) + ". Relevant facts surfaced: " + itoa(facts) + "."
}

// Surface runs recall with a novelty bias: each result's score is multiplied
// by 1 + min(days since last access / 30, 1), so memories accessed recently
// are de-prioritized relative to their raw score and older, still-relevant
// context gets a chance to surface (§4.7 surface()). No recency floor is
// applied.
func (d *DerivedOps) Surface(ctx context.Context, context_ string, activeEntities, activeTopics []string, limit int) ([]SurfaceResult, error) {
	if limit <= 0 {
		limit = 10
	}
	results, err := d.rec.Recall(ctx, RecallQuery{
		Context:  context_,
		Entities: activeEntities,
		Topics:   activeTopics,
		Limit:    limit * 3,
	})
	if err != nil {
		return nil, err
	}

	now := time.Now()
	type ranked struct {
		sm     ScoredMemory
		novel  float64
		reason string
	}
	var all []ranked
	for _, sm := range results {
		staleDays := now.Sub(sm.LastAccessedAt).Hours() / 24
		noveltyBoost := 1.0 + minFloat(staleDays/30.0, 1.0)
		reason := "relevant to current context"
		if staleDays > 14 {
			reason = "not recently surfaced, still relevant"
		}
		all = append(all, ranked{sm: sm, novel: sm.Score * noveltyBoost, reason: reason})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].novel > all[j].novel })

	if len(all) > limit {
		all = all[:limit]
	}
	out := make([]SurfaceResult, len(all))
	for i, r := range all {
		out[i] = SurfaceResult{ScoredMemory: r.sm, Reason: r.reason}
	}
	return out, nil
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// Ask recalls relevant memories and, when an LLM is configured, synthesizes
// a prose answer attributed to them (§4.7 ask()). Every memory the answer
// could cite is returned in Citations; without an LLM, Ask still returns the
// recalled memories with an empty Text so callers can synthesize themselves.
func (d *DerivedOps) Ask(ctx context.Context, question string, limit int) (Answer, error) {
	if limit <= 0 {
		limit = 5
	}
	results, err := d.rec.Recall(ctx, RecallQuery{Context: question, Limit: limit})
	if err != nil {
		return Answer{}, err
	}
	if len(results) == 0 {
		return Answer{Text: "", Confidence: 0, Citations: nil}, nil
	}
	if d.llm == nil {
		return Answer{Text: "", Confidence: 0, Citations: results}, nil
	}

	var b strings.Builder
	b.WriteString("Answer the question using only the facts below. Question: ")
	b.WriteString(question)
	b.WriteString("\nFacts:\n")
	for i, sm := range results {
		b.WriteString(itoa(i + 1))
		b.WriteString(". ")
		b.WriteString(sm.Content)
		b.WriteString("\n")
	}

	callCtx, cancel := context.WithTimeout(ctx, 8*time.Second)
	defer cancel()
	text, err := d.llm.Complete(callCtx, b.String(), CompletionOptions{MaxTokens: 300})
	if err != nil {
		return Answer{Text: "", Confidence: 0, Citations: results}, nil
	}

	return Answer{
		Text:       strings.TrimSpace(text),
		Confidence: confidenceFromResults(results),
		Citations:  results,
	}, nil
}

func confidenceFromResults(results []ScoredMemory) float64 {
	if len(results) == 0 {
		return 0
	}
	return clamp01(results[0].Score)
}

// Alerts surfaces overdue pending commitments and unresolved contradictions
// (§4.7 alerts()). A pending commitment is overdue once it has sat
// un-fulfilled longer than a fixed 72h threshold; the threshold is not read
// from VaultConfig.
func (d *DerivedOps) Alerts(ctx context.Context, limit int) ([]Alert, error) {
	if limit <= 0 {
		limit = 20
	}
	const overdueAfter = 72 * time.Hour

	pending, err := d.store.ByStatus(StatusPending, limit)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	var alerts []Alert
	for _, m := range pending {
		if now.Sub(m.CreatedAt) > overdueAfter {
			alerts = append(alerts, Alert{Kind: "overdue-commitment", Memory: m, Detail: "pending since " + humanize.Time(m.CreatedAt)})
		}
	}

	contradictions, err := d.Contradictions(ctx, limit)
	if err != nil {
		return alerts, err
	}
	for _, m := range contradictions {
		alerts = append(alerts, Alert{Kind: "unresolved-contradiction", Memory: m, Detail: "flagged by a contradicts edge, not yet superseded"})
	}

	if len(alerts) > limit {
		alerts = alerts[:limit]
	}
	return alerts, nil
}

// Contradictions returns active memories that carry an unresolved
// contradicts edge: a contradiction the consolidator detected where the
// other endpoint is still active too. Once detectContradictions supersedes
// the losing side of a pair, the contradicts edge itself is left in place
// as a historical record, so a contradiction only counts as resolved when
// its other endpoint's status has moved off active (§4.6).
func (d *DerivedOps) Contradictions(ctx context.Context, limit int) ([]Memory, error) {
	if limit <= 0 {
		limit = 20
	}
	active, err := d.store.ByStatus(StatusActive, limit*4)
	if err != nil {
		return nil, err
	}
	activeByID := make(map[string]bool, len(active))
	for _, m := range active {
		activeByID[m.ID] = true
	}

	var out []Memory
	for _, m := range active {
		edges, err := d.store.OutEdges(m.ID, []EdgeKind{EdgeContradicts})
		if err != nil {
			continue
		}
		inEdges, err := d.store.InEdges(m.ID, []EdgeKind{EdgeContradicts})
		if err != nil {
			continue
		}

		unresolved := false
		for _, e := range edges {
			if activeByID[e.DstID] {
				unresolved = true
				break
			}
		}
		if !unresolved {
			for _, e := range inEdges {
				if activeByID[e.SrcID] {
					unresolved = true
					break
				}
			}
		}
		if unresolved {
			out = append(out, m)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}
