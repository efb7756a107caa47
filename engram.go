package engram

import (
	"context"
	"os"
	"sync"

	"go.uber.org/zap"
)

// Vault is the memory vault engine (§6.1): the write path (remember), the
// recall path (recall/ask/briefing/surface), the graph (connect/neighbors),
// the consolidation cycle, and the derived operations, composed over a
// single embedded Store.
type Vault struct {
	store       *Store
	extractor   *Extractor
	embedder    *Embedder
	recaller    *Recaller
	consolidate *Consolidator
	lifecycle   *LifecycleManager
	derived     *DerivedOps
	cfg         VaultConfig
	log         *zap.SugaredLogger
	mu          sync.Mutex
}

// Open initializes a Vault: opens the store, wires the configured providers,
// and starts the background embedding worker and lifecycle sweep.
func Open(cfg VaultConfig) (*Vault, error) {
	cfg.ApplyDefaults()

	var index VectorIndex = cfg.Index
	if index == nil {
		index = NewBruteForceIndex()
	}
	store, err := NewStore(cfg.DBPath, cfg.Owner, cfg.EmbedDimension, index)
	if err != nil {
		return nil, err
	}

	if cfg.Embedder == nil {
		cfg.Embedder = NewOllamaEmbedder("nomic-embed-text", cfg.EmbedDimension)
	}
	if cfg.LLM == nil {
		if key := os.Getenv("GEMINI_API_KEY"); key != "" {
			cfg.LLM = NewGeminiLLM(key, os.Getenv("GEMINI_MODEL"))
		}
	}

	extractor := NewExtractor(cfg.LLM, 0, nil)

	embedder := NewEmbedder(cfg.Embedder, store, DefaultEmbedderConfig(), cfg.Logger)
	recaller := NewRecaller(store, cfg.Embedder, &cfg)
	consolidator := NewConsolidator(store, cfg.LLM, &cfg)
	lifecycle := NewLifecycleManager(store, &cfg)
	derived := NewDerivedOps(store, recaller, cfg.LLM, &cfg)

	v := &Vault{
		store:       store,
		extractor:   extractor,
		embedder:    embedder,
		recaller:    recaller,
		consolidate: consolidator,
		lifecycle:   lifecycle,
		derived:     derived,
		cfg:         cfg,
		log:         cfg.Logger,
	}

	lifecycle.Start()
	v.log.Infow("vault opened", "db", cfg.DBPath, "owner", cfg.Owner, "dims", cfg.EmbedDimension)
	return v, nil
}

// Remember ingests a new observation: runs the auto-extractor (§4.2), inserts
// the resulting memory, enqueues it for embedding, and links it into the
// prior memory's temporal-next chain when one is supplied.
func (v *Vault) Remember(ctx context.Context, content string, opts RememberOptions, prevID string) (Memory, error) {
	m, ok := v.extractor.Extract(ctx, content, opts)
	if !ok {
		m.NeedsReview = true
	}

	inserted, err := v.store.Insert(m, v.cfg.EntitySeedCap)
	if err != nil {
		return Memory{}, err
	}

	v.embedder.Enqueue(inserted.ID, inserted.Content)

	if prevID != "" {
		if err := LinkTemporalNext(v.store, prevID, inserted.ID); err != nil {
			v.log.Errorw("temporal-next link failed", "error", err)
		}
	}

	v.log.Infow("remembered", "id", inserted.ID, "type", inserted.Type, "status", inserted.Status, "needs_review", inserted.NeedsReview)
	return inserted, nil
}

// Recall runs the §4.5 recall pipeline.
func (v *Vault) Recall(ctx context.Context, q RecallQuery) ([]ScoredMemory, error) {
	return v.recaller.Recall(ctx, q)
}

// Ask composes recall with LLM synthesis and source attribution (§4.7).
func (v *Vault) Ask(ctx context.Context, question string, limit int) (Answer, error) {
	return v.derived.Ask(ctx, question, limit)
}

// Briefing composes a structured situational summary (§4.7).
func (v *Vault) Briefing(ctx context.Context, context_ string, limit int) (Briefing, error) {
	return v.derived.Briefing(ctx, context_, limit)
}

// Surface runs recall with a novelty bias toward memories not accessed
// recently; no recency floor is applied (§4.7).
func (v *Vault) Surface(ctx context.Context, context_ string, activeEntities, activeTopics []string, limit int) ([]SurfaceResult, error) {
	return v.derived.Surface(ctx, context_, activeEntities, activeTopics, limit)
}

// Forget removes (hard) or archives (soft) a memory and its graph edges (§3).
func (v *Vault) Forget(id string, hard bool) error {
	return v.store.Forget(id, hard)
}

// Connect adds a directed, typed, weighted edge between two memories (§4.4).
func (v *Vault) Connect(srcID, dstID string, kind EdgeKind, weight float64) error {
	return v.store.Connect(srcID, dstID, kind, weight)
}

// Neighbors runs a bounded BFS over the memory graph from id (§4.4).
func (v *Vault) Neighbors(id string, depth int, kinds []EdgeKind, edgeBudget int) ([]NeighborHop, error) {
	return v.store.Neighbors(id, depth, kinds, edgeBudget)
}

// Consolidate runs one consolidation cycle (§4.6): clustering, synthesis,
// contradiction detection, entity alias merging, and a decay pass.
func (v *Vault) Consolidate(ctx context.Context) (ConsolidateStats, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.consolidate.Run(ctx, v.cfg.ConsolidateBudget)
}

// Contradictions surfaces memories with an unresolved contradicts edge (§4.7).
func (v *Vault) Contradictions(ctx context.Context, limit int) ([]Memory, error) {
	return v.derived.Contradictions(ctx, limit)
}

// Alerts surfaces overdue pending commitments and unresolved contradictions (§4.7).
func (v *Vault) Alerts(ctx context.Context, limit int) ([]Alert, error) {
	return v.derived.Alerts(ctx, limit)
}

// Entities lists every known entity node in the owner's graph.
func (v *Vault) Entities() ([]Entity, error) {
	return v.store.ListEntities()
}

// Stats computes aggregate counters for the owner's vault.
func (v *Vault) Stats() (StoreStats, error) {
	return v.store.Stats()
}

// Export returns every non-archived memory for the owner, whatever its status
// (active, pending, fulfilled or superseded), suitable for a caller-side
// backup; it does not include soft-archived rows.
func (v *Vault) Export() ([]Memory, error) {
	stats, err := v.store.Stats()
	if err != nil {
		return nil, err
	}
	total := int(stats.TotalMemories)
	if total == 0 {
		return nil, nil
	}
	out := make([]Memory, 0, total)
	for _, t := range []Type{TypeEpisodic, TypeSemantic, TypeProcedural, TypeConsolidated} {
		ms, err := v.store.ByType(t, total)
		if err != nil {
			return nil, err
		}
		out = append(out, ms...)
	}
	return out, nil
}

// Flush blocks until every queued embedding job has been processed.
func (v *Vault) Flush(ctx context.Context) error {
	return v.embedder.Flush(ctx)
}

// Close stops the background embedder and lifecycle sweep and closes the store.
func (v *Vault) Close() error {
	v.lifecycle.Stop()
	v.embedder.Close()
	return v.store.Close()
}
