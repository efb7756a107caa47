package engram

import (
	"context"
	"sort"
	"strings"
	"time"
)

// Recaller runs the §4.5 multi-phase recall pipeline: query understanding,
// seed retrieval, optional spreading activation, scoring, and temporal
// dedup. It is stateless over a Store/Embedder pair and safe for concurrent
// use by multiple callers.
type Recaller struct {
	store    *Store
	embedder EmbeddingProvider
	cfg      *VaultConfig
}

// NewRecaller constructs a Recaller bound to a store and query embedder.
func NewRecaller(store *Store, embedder EmbeddingProvider, cfg *VaultConfig) *Recaller {
	return &Recaller{store: store, embedder: embedder, cfg: cfg}
}

// Recall executes the full pipeline (§4.5.1-4.5.6). Returns at most
// query.Limit results, highest score first, with last_accessed_at
// asynchronously stamped on every returned id.
func (r *Recaller) Recall(ctx context.Context, q RecallQuery) ([]ScoredMemory, error) {
	if q.Limit <= 0 {
		q.Limit = 10
	}
	expansion := r.cfg.SeedExpansionFactor
	if expansion <= 0 {
		expansion = 4
	}
	seedLimit := q.Limit * expansion

	queryEntities := dedupStrings(append(append([]string{}, q.Entities...), ExtractEntities(q.Context)...))
	queryTopics := dedupStrings(append(append([]string{}, q.Topics...), ExtractTopics(q.Context, nil)...))

	aggregationRouted := r.isAggregationQuery(q.Context)

	candidates := map[string]Memory{}
	rawSeedScores := map[string]float64{}

	select {
	case <-ctx.Done():
		return nil, ErrCancelled
	default:
	}

	if aggregationRouted {
		ms, err := r.aggregationSeed(q, seedLimit)
		if err != nil {
			return nil, err
		}
		for _, m := range ms {
			candidates[m.ID] = m
			rawSeedScores[m.ID] = 1.0
		}
	} else {
		if r.embedder != nil && strings.TrimSpace(q.Context) != "" {
			qvec, err := r.embedder.Embed(ctx, q.Context)
			if err == nil {
				hits, err := r.store.VectorSearch(qvec, seedLimit)
				if err == nil {
					for _, h := range hits {
						candidates[h.ID] = h.Memory
						if h.Similarity > rawSeedScores[h.ID] {
							rawSeedScores[h.ID] = h.Similarity
						}
					}
				}
			}
			// Missing embedding / provider failure is not fatal (§4.5 Failure
			// semantics): recall falls through to entity/topic seeding.
		}

		if len(queryEntities) > 0 {
			ms, err := r.store.EntitySeed(queryEntities, seedLimit)
			if err == nil {
				for i, m := range ms {
					candidates[m.ID] = m
					score := 1.0 - float64(i)/float64(len(ms)+1)
					if score > rawSeedScores[m.ID] {
						rawSeedScores[m.ID] = score
					}
				}
			}
		}

		if len(queryTopics) > 0 {
			ms, err := r.store.TopicSeed(queryTopics, seedLimit)
			if err == nil {
				for _, m := range ms {
					if _, exists := candidates[m.ID]; !exists {
						candidates[m.ID] = m
						rawSeedScores[m.ID] = 0.3
					}
				}
			}
		}
	}

	select {
	case <-ctx.Done():
		return nil, ErrCancelled
	default:
	}

	// §4.5.2 excludes archived memories from the seed set outright.
	for id, m := range candidates {
		if m.Status == StatusArchived {
			delete(candidates, id)
			delete(rawSeedScores, id)
		}
	}

	if len(candidates) == 0 {
		return nil, nil
	}

	spreadActivation := map[string]float64{}
	if q.Spread {
		hops := q.SpreadHops
		if hops <= 0 {
			hops = r.cfg.SpreadMaxHops
		}
		decay := q.SpreadDecay
		if decay <= 0 {
			decay = r.cfg.SpreadDecay
		}
		seeds := NormalizeSeedScores(rawSeedScores)
		spread, err := SpreadingActivation(r.store, seeds, r.cfg.SpreadWeights, decay, hops, r.cfg.SpreadNodeBudget)
		if err == nil {
			spreadActivation = spread
			newIDs, err := r.store.GetByIDs(idsOf(spread))
			if err == nil {
				for _, m := range newIDs {
					if m.Status != StatusArchived {
						if _, exists := candidates[m.ID]; !exists {
							candidates[m.ID] = m
						}
					}
				}
			}
		}
	}

	select {
	case <-ctx.Done():
		return nil, ErrCancelled
	default:
	}

	now := time.Now()
	var at *time.Time
	if q.At != nil {
		at = q.At
	}

	var scored []ScoredMemory
	for id, m := range candidates {
		if at != nil && !m.ValidAt(*at) {
			continue
		}
		if len(q.Types) > 0 && !typeIn(m.Type, q.Types) {
			continue
		}

		var sim float64
		if len(m.Embedding) > 0 && r.embedder != nil {
			if qvec, err := r.cachedQueryVector(ctx, q.Context); err == nil {
				sim = CosineSimilarity(qvec, m.Embedding)
			}
		}

		sm := ScoredMemory{
			Memory:           m,
			Similarity:       sim,
			EntityJaccard:    Jaccard(queryEntities, m.Entities),
			TopicJaccard:     Jaccard(queryTopics, m.Topics),
			SpreadActivation: spreadActivation[id],
		}
		sm.Score = CompositeScore(ScoreInputs{
			Similarity:       sm.Similarity,
			EntityJaccard:    sm.EntityJaccard,
			TopicJaccard:     sm.TopicJaccard,
			Type:             m.Type,
			SpreadActivation: sm.SpreadActivation,
			LastAccessedAt:   m.LastAccessedAt,
			CreatedAt:        m.CreatedAt,
			Salience:         m.Salience,
			Status:           m.Status,
			Now:              now,
			RecencyHalfLife:  r.cfg.RecencyHalfLifeDays,
			AgeHalfLife:      r.cfg.AgeHalfLifeDays,
		}, *r.cfg.Weights)
		scored = append(scored, sm)
	}

	deduped := dedupBySupersession(scored)
	sortScored(deduped)

	if len(deduped) > q.Limit {
		deduped = deduped[:q.Limit]
	}

	ids := make([]string, len(deduped))
	for i, sm := range deduped {
		ids[i] = sm.ID
	}
	go r.store.Stamp(ids, time.Now())

	return deduped, nil
}

// cachedQueryVector re-embeds the query text. A real deployment would cache
// this per-Recall call; kept simple and explicit here since EmbeddingProvider
// implementations are expected to be cheap/local or already rate-limited by C3.
func (r *Recaller) cachedQueryVector(ctx context.Context, text string) ([]float32, error) {
	if r.embedder == nil || strings.TrimSpace(text) == "" {
		return nil, ErrInvalidPayload
	}
	return r.embedder.Embed(ctx, text)
}

func idsOf(m map[string]float64) []string {
	out := make([]string, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	return out
}

func typeIn(t Type, types []Type) bool {
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}

// isAggregationQuery implements §4.5.1's aggregation routing: phrase-based
// detection that bypasses vector search in favor of direct materialization.
func (r *Recaller) isAggregationQuery(context string) bool {
	lower := strings.ToLower(context)
	for _, phrase := range r.cfg.AggregationPhrases {
		if strings.Contains(lower, strings.ToLower(phrase)) {
			return true
		}
	}
	return false
}

// aggregationSeed routes to byStatus/byType materialization per the phrase
// that matched. "pending" style phrases win; otherwise default to active.
func (r *Recaller) aggregationSeed(q RecallQuery, limit int) ([]Memory, error) {
	lower := strings.ToLower(q.Context)
	switch {
	case strings.Contains(lower, "pending") || strings.Contains(lower, "commitments"):
		return r.store.ByStatus(StatusPending, limit)
	case strings.Contains(lower, "decision"):
		if len(q.Types) > 0 {
			return r.store.ByType(q.Types[0], limit)
		}
		return r.store.ByType(TypeSemantic, limit)
	default:
		if len(q.Types) > 0 {
			return r.store.ByType(q.Types[0], limit)
		}
		return r.store.ByStatus(StatusActive, limit)
	}
}

// topicSignature derives the primary-entity/topic-signature dedup key of
// §4.5.5: the first (most specific) entity plus a sorted topic fingerprint.
func topicSignature(m Memory) (string, string) {
	primaryEntity := ""
	if len(m.Entities) > 0 {
		primaryEntity = strings.ToLower(m.Entities[0])
	}
	topics := append([]string{}, m.Topics...)
	sort.Strings(topics)
	return primaryEntity, strings.Join(topics, "|")
}

// dedupBySupersession groups candidates by (primary-entity, topic-signature)
// and keeps the most-recent active member of each group, collapsing the rest
// into its DedupOf set (§4.5.5). Candidates with no entity and no topic
// signature are never grouped together.
func dedupBySupersession(scored []ScoredMemory) []ScoredMemory {
	type group struct {
		best  *ScoredMemory
		extra []string
	}
	groups := map[string]*group{}
	var ungrouped []ScoredMemory

	for i := range scored {
		sm := scored[i]
		entity, topics := topicSignature(sm.Memory)
		if entity == "" && topics == "" {
			ungrouped = append(ungrouped, sm)
			continue
		}
		key := entity + "\x00" + topics
		g, ok := groups[key]
		if !ok {
			g = &group{}
			groups[key] = g
		}
		if g.best == nil {
			cp := sm
			g.best = &cp
			continue
		}
		candidateIsActive := sm.Status == StatusActive
		currentBestIsActive := g.best.Status == StatusActive
		var candidateWins bool
		switch {
		case candidateIsActive && !currentBestIsActive:
			candidateWins = true
		case !candidateIsActive && currentBestIsActive:
			candidateWins = false
		default:
			candidateWins = sm.ValidFrom.After(g.best.ValidFrom)
		}
		if candidateWins {
			g.extra = append(g.extra, g.best.ID)
			cp := sm
			g.best = &cp
		} else {
			g.extra = append(g.extra, sm.ID)
		}
	}

	out := ungrouped
	for _, g := range groups {
		g.best.DedupOf = g.extra
		out = append(out, *g.best)
	}
	return out
}

// sortScored orders by descending score, then the §4.5.4 tie-break chain:
// higher salience, more recent valid_from, lexicographic id.
func sortScored(ms []ScoredMemory) {
	sort.Slice(ms, func(i, j int) bool {
		if ms[i].Score != ms[j].Score {
			return ms[i].Score > ms[j].Score
		}
		if ms[i].Salience != ms[j].Salience {
			return ms[i].Salience > ms[j].Salience
		}
		if !ms[i].ValidFrom.Equal(ms[j].ValidFrom) {
			return ms[i].ValidFrom.After(ms[j].ValidFrom)
		}
		return ms[i].ID < ms[j].ID
	})
}
