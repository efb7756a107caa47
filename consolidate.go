package engram

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ConsolidateStats reports the counts of operations performed by a single
// consolidation run (§6.1 consolidate()).
type ConsolidateStats struct {
	ClustersFound    int
	Synthesized      int
	Contradictions   int
	EntitiesMerged   int
	DecayedMemories  int
	BudgetExhausted  bool
}

// Consolidator runs the §4.6 periodic merge cycle: clustering, synthesis,
// contradiction detection, entity alias merging, and a decay pass.
type Consolidator struct {
	store *Store
	llm   LLMProvider
	cfg   *VaultConfig
	log   *zap.SugaredLogger
}

// NewConsolidator constructs a Consolidator. llm may be nil — rule-based
// steps still run and results are marked needs-review.
func NewConsolidator(store *Store, llm LLMProvider, cfg *VaultConfig) *Consolidator {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Consolidator{store: store, llm: llm, cfg: cfg, log: log}
}

// Run executes one consolidation cycle, bounded by budget (§4.6). Clustering,
// synthesis, contradiction supersession and alias merging skip work an
// earlier run already did; the decay pass is not idempotent and lowers
// salience again on every run. A partial run still persists whatever it
// completed before the budget or ctx expired.
func (c *Consolidator) Run(ctx context.Context, budget time.Duration) (ConsolidateStats, error) {
	if budget <= 0 {
		budget = c.cfg.ConsolidateBudget
	}
	deadline := time.Now().Add(budget)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	var stats ConsolidateStats

	clusters, err := c.clusterCandidates(ctx)
	if err != nil {
		return stats, err
	}
	stats.ClustersFound = len(clusters)

	for _, cluster := range clusters {
		if ctx.Err() != nil {
			stats.BudgetExhausted = true
			break
		}
		if len(cluster) < 2 {
			continue
		}

		if created, err := c.synthesize(ctx, cluster); err == nil && created {
			stats.Synthesized++
		}

		n, err := c.detectContradictions(ctx, cluster)
		if err == nil {
			stats.Contradictions += n
		}
	}

	if ctx.Err() == nil {
		merged, err := c.mergeEntityAliases(ctx)
		if err == nil {
			stats.EntitiesMerged = merged
		}
	} else {
		stats.BudgetExhausted = true
	}

	n, err := c.store.ApplyDecay(c.decayStep())
	if err == nil {
		stats.DecayedMemories = n
	}

	return stats, nil
}

func (c *Consolidator) decayStep() float64 {
	return 0.01
}

// clusterCandidates groups active episodic memories with embeddings by
// cosine similarity >= τ_merge and overlapping entity sets (§4.6 step 1).
func (c *Consolidator) clusterCandidates(ctx context.Context) ([][]Memory, error) {
	candidates, err := c.store.ActiveEpisodicWithVectors()
	if err != nil {
		return nil, err
	}

	threshold := c.cfg.MergeThreshold
	if threshold <= 0 {
		threshold = 0.85
	}

	assigned := make([]bool, len(candidates))
	var clusters [][]Memory

	for i := range candidates {
		if assigned[i] {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		cluster := []Memory{candidates[i]}
		assigned[i] = true
		for j := i + 1; j < len(candidates); j++ {
			if assigned[j] {
				continue
			}
			sim := CosineSimilarity(candidates[i].Embedding, candidates[j].Embedding)
			if sim >= threshold && Jaccard(candidates[i].Entities, candidates[j].Entities) > 0 {
				cluster = append(cluster, candidates[j])
				assigned[j] = true
			}
		}
		if len(cluster) > 1 {
			clusters = append(clusters, cluster)
		}
	}
	return clusters, nil
}

// synthesize produces a consolidated summary for a cluster (§4.6 step 2):
// LLM-backed when available, a deterministic rule-based fallback otherwise.
// Returns false if a consolidated memory for this cluster already exists
// (idempotence).
func (c *Consolidator) synthesize(ctx context.Context, cluster []Memory) (bool, error) {
	if c.clusterAlreadyConsolidated(cluster) {
		return false, nil
	}

	summary, needsReview := c.synthesizeSummary(ctx, cluster)

	entities := []string{}
	seen := map[string]bool{}
	for _, m := range cluster {
		for _, e := range m.Entities {
			if !seen[e] {
				seen[e] = true
				entities = append(entities, e)
			}
		}
	}

	consolidated := Memory{
		Content:     summary,
		Type:        TypeConsolidated,
		Status:      StatusActive,
		Salience:    highestSalience(cluster),
		Entities:    entities,
		Source:      Source{Kind: SourceSystem, Ref: "consolidation"},
		NeedsReview: needsReview,
	}

	inserted, err := c.store.Insert(consolidated, c.cfg.EntitySeedCap)
	if err != nil {
		return false, err
	}

	for _, m := range cluster {
		if err := c.store.Connect(inserted.ID, m.ID, EdgeElaborates, 1.0); err != nil {
			c.log.Errorw("connect elaborates edge", "error", err)
		}
	}
	return true, nil
}

func (c *Consolidator) clusterAlreadyConsolidated(cluster []Memory) bool {
	for _, m := range cluster {
		edges, err := c.store.InEdges(m.ID, []EdgeKind{EdgeElaborates})
		if err != nil {
			continue
		}
		if len(edges) > 0 {
			return true
		}
	}
	return false
}

func (c *Consolidator) synthesizeSummary(ctx context.Context, cluster []Memory) (string, bool) {
	if c.llm != nil {
		var b strings.Builder
		b.WriteString("Summarize the shared fact across these related observations in one sentence:\n")
		for _, m := range cluster {
			b.WriteString("- ")
			b.WriteString(m.Content)
			b.WriteString("\n")
		}

		callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		out, err := c.llm.Complete(callCtx, b.String(), CompletionOptions{MaxTokens: 120})
		if err == nil && strings.TrimSpace(out) != "" {
			return strings.TrimSpace(out), false
		}
		c.log.Warnw("consolidation LLM synthesis failed, using rule-based fallback", "error", err)
	}

	return ruleBasedSummary(cluster), true
}

// ruleBasedSummary is the deterministic fallback (§4.6 step 2): the most
// recent constituent's content stands in for the cluster, prefixed to make
// clear it summarizes several observations.
func ruleBasedSummary(cluster []Memory) string {
	newest := cluster[0]
	for _, m := range cluster[1:] {
		if m.CreatedAt.After(newest.CreatedAt) {
			newest = m
		}
	}
	return "Consolidated from " + itoa(len(cluster)) + " observations: " + newest.Content
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func highestSalience(cluster []Memory) float64 {
	best := 0.0
	for _, m := range cluster {
		if m.Salience > best {
			best = m.Salience
		}
	}
	return best
}

var negationMarkers = []string{"not", "no longer", "isn't", "doesn't", "never", "cancelled", "stopped"}

// detectContradictions finds pairs within a cluster where one statement
// negates the other (§4.6 step 3). A pair whose members share an entity
// contradicts when exactly one of them contains a negation marker; when both
// or neither do, the LLM is asked if one is configured, and the pair is not
// flagged otherwise. Numeric values are not compared. The member with the
// later ValidFrom (the larger ID on a tie) supersedes the other.
func (c *Consolidator) detectContradictions(ctx context.Context, cluster []Memory) (int, error) {
	found := 0
	for i := 0; i < len(cluster); i++ {
		for j := i + 1; j < len(cluster); j++ {
			a, b := cluster[i], cluster[j]
			if !c.contradicts(ctx, a, b) {
				continue
			}
			older, newer := a, b
			if a.ValidFrom.After(b.ValidFrom) || (a.ValidFrom.Equal(b.ValidFrom) && a.ID > b.ID) {
				older, newer = b, a
			}
			if err := c.store.Connect(newer.ID, older.ID, EdgeContradicts, 1.0); err != nil {
				continue
			}
			if err := c.store.Supersede(older.ID, newer.ID, newer.ValidFrom); err != nil {
				continue
			}
			found++
		}
	}
	return found, nil
}

func (c *Consolidator) contradicts(ctx context.Context, a, b Memory) bool {
	if Jaccard(a.Entities, b.Entities) == 0 {
		return false
	}

	aHasNeg := containsAny(strings.ToLower(a.Content), negationMarkers)
	bHasNeg := containsAny(strings.ToLower(b.Content), negationMarkers)
	if aHasNeg != bHasNeg {
		return true
	}

	if c.llm == nil {
		return false
	}
	callCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	prompt := "Do these two statements contradict each other? Reply only yes or no.\nA: " + a.Content + "\nB: " + b.Content
	out, err := c.llm.Complete(callCtx, prompt, CompletionOptions{MaxTokens: 4})
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(out), "yes")
}

// mergeEntityAliases merges entity surface forms whose normalized forms are
// near-identical, folding the less-seen spelling into whichever one has
// accumulated more memory references (§4.6 step 4).
func (c *Consolidator) mergeEntityAliases(ctx context.Context) (int, error) {
	entities, err := c.store.ListEntities()
	if err != nil {
		return 0, err
	}
	sort.Slice(entities, func(i, j int) bool { return entities[i].MemoryCount > entities[j].MemoryCount })

	merged := 0
	consumed := map[string]bool{}
	for i, a := range entities {
		if consumed[a.Name] {
			continue
		}
		for j := i + 1; j < len(entities); j++ {
			b := entities[j]
			if consumed[b.Name] {
				continue
			}
			if isAliasOf(a.Name, b.Name) {
				if err := c.store.MergeEntityAlias(b.Name, a.Name); err == nil {
					consumed[b.Name] = true
					merged++
				}
			}
		}
	}
	return merged, nil
}

// isAliasOf reports whether b looks like a surface variant of a: same
// normalized form once case is folded and spaces, hyphens and underscores are
// stripped (e.g. "BambooHR" vs "Bamboo HR"). Other punctuation is kept.
func isAliasOf(a, b string) bool {
	norm := func(s string) string {
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, " ", "")
		s = strings.ReplaceAll(s, "-", "")
		s = strings.ReplaceAll(s, "_", "")
		return s
	}
	return a != b && norm(a) == norm(b)
}
