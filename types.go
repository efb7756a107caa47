package engram

import (
	"time"

	"go.uber.org/zap"
)

// Type classifies the content class of a memory (GLOSSARY: Episodic / Semantic
// / Procedural / Consolidated).
type Type string

const (
	TypeEpisodic     Type = "episodic"
	TypeSemantic     Type = "semantic"
	TypeProcedural   Type = "procedural"
	TypeConsolidated Type = "consolidated"
)

// Status describes the lifecycle of the fact a memory records, not the
// lifecycle of its storage row.
type Status string

const (
	StatusActive     Status = "active"
	StatusPending    Status = "pending"
	StatusFulfilled  Status = "fulfilled"
	StatusSuperseded Status = "superseded"
	StatusArchived   Status = "archived"
)

// SourceKind tags where a memory's content originated.
type SourceKind string

const (
	SourceConversation SourceKind = "conversation"
	SourceDocument     SourceKind = "document"
	SourceExternal     SourceKind = "external"
	SourceSystem       SourceKind = "system"
)

// Source is a tagged union describing the origin of a memory: a fixed kind
// plus an optional free-form reference (session id, agent id, external ref).
type Source struct {
	Kind SourceKind
	Ref  string
}

// EdgeKind enumerates the directed relationship types the graph layer (C4)
// synthesizes and traverses.
type EdgeKind string

const (
	EdgeSupports     EdgeKind = "supports"
	EdgeContradicts  EdgeKind = "contradicts"
	EdgeElaborates   EdgeKind = "elaborates"
	EdgeSupersedes   EdgeKind = "supersedes"
	EdgeEntityShared EdgeKind = "entity-shared"
	EdgeTemporalNext EdgeKind = "temporal-next"
	EdgeUser         EdgeKind = "user"
)

// DistantFuture stands in for "∞" on valid_until: a memory with this
// valid_until is current truth.
var DistantFuture = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)

// Memory is the primary bi-temporal record persisted by the vault (§3).
type Memory struct {
	ID                 string
	Content            string
	Type               Type
	Status             Status
	Salience           float64 // 0.0-1.0
	Entities           []string
	Topics             []string
	Source             Source
	CreatedAt          time.Time
	ValidFrom          time.Time
	ValidUntil         time.Time
	LastAccessedAt     time.Time
	ReinforcementCount int
	Embedding          []float32
	EmbeddingFailed    bool
	SupersededBy       string
	NeedsReview        bool
}

// ValidAt reports whether the memory's bi-temporal interval covers `at` in
// the half-open sense: valid_from <= at < valid_until.
func (m Memory) ValidAt(at time.Time) bool {
	return !at.Before(m.ValidFrom) && at.Before(m.ValidUntil)
}

// Entity is a graph node identified by its normalized name; no surrogate id.
type Entity struct {
	Name        string
	Type        string // person/place/org/project/tool/concept, optional
	CreatedAt   time.Time
	MemoryCount int
	LastSeen    time.Time
}

// Edge is a directed, typed, weighted relationship between two memories.
type Edge struct {
	SrcID     string
	DstID     string
	Kind      EdgeKind
	Weight    float64
	CreatedAt time.Time
}

// RecallQuery describes a read-time request against the vault (§4.5.1).
type RecallQuery struct {
	Context          string
	Entities         []string
	Topics           []string
	Types            []Type
	Limit            int
	Spread           bool
	SpreadHops       int
	SpreadDecay      float64
	SpreadEntityHops int
	At               *time.Time
}

// ScoredMemory is a recall result annotated with the score metadata that
// produced its rank.
type ScoredMemory struct {
	Memory
	Score            float64
	Similarity       float64
	EntityJaccard    float64
	TopicJaccard     float64
	SpreadActivation float64
	DedupOf          []string // ids collapsed into this result by temporal dedup
}

// RememberOptions is the optional payload accompanying remember() (§6.1).
type RememberOptions struct {
	Type     Type
	Entities []string
	Topics   []string
	Salience float64
	Status   Status
	Source   Source
}

// ScoringWeights controls the composite score formula coefficients of §4.5.4.
type ScoringWeights struct {
	Vec    float64 // default 1.0
	Ent    float64 // default 0.35
	Top    float64 // default 0.15
	Type   float64 // default 0.25
	Spread float64 // default 0.20
	Recn   float64 // default 0.10
	Sal    float64 // default 0.15
}

// DefaultScoringWeights returns the §4.5.4 design-level defaults.
func DefaultScoringWeights() ScoringWeights {
	return ScoringWeights{
		Vec:    1.0,
		Ent:    0.35,
		Top:    0.15,
		Type:   0.25,
		Spread: 0.20,
		Recn:   0.10,
		Sal:    0.15,
	}
}

// SpreadWeights controls the per-edge-kind multiplier in spreading
// activation (§4.4).
type SpreadWeights map[EdgeKind]float64

// DefaultSpreadWeights returns the §4.4 defaults.
func DefaultSpreadWeights() SpreadWeights {
	return SpreadWeights{
		EdgeSupports:     1.0,
		EdgeElaborates:   1.0,
		EdgeEntityShared: 0.7,
		EdgeTemporalNext: 0.4,
		EdgeContradicts:  0,
	}
}

// VaultConfig aggregates every recognized configuration option (§6.4).
type VaultConfig struct {
	// Storage
	Owner  string
	DBPath string

	// Providers (nil = use defaults)
	Embedder EmbeddingProvider
	LLM      LLMProvider
	Index    VectorIndex

	// Embedding
	EmbedDimension int // fixed at first open; default 768

	// Recall
	Weights              *ScoringWeights
	SpreadWeights        SpreadWeights
	SeedExpansionFactor   int     // default 4
	SpreadMaxHops         int     // default 2
	SpreadNodeBudget      int     // default 4000
	SpreadDecay           float64 // default 0.6
	RecencyHalfLifeDays   float64 // default 30
	AgeHalfLifeDays       float64 // default 180
	EntitySeedCap         int     // default 16 — neighborhood cap on entity-shared edge creation

	// Consolidation
	MergeThreshold    float64       // default 0.85
	ConsolidateBudget time.Duration // default 30s

	// Lifecycle
	ArchiveThreshold float64       // default 0.08
	DecayInterval    time.Duration // default 12h

	// Auth (consumed by the out-of-scope HTTP adapter; carried here per §6.4)
	BearerToken string

	// Aggregation routing phrase list (§4.5.1)
	AggregationPhrases []string

	// Logger (nil = zap.NewProduction(), falling back to a no-op logger if
	// that construction fails — see ApplyDefaults)
	Logger *zap.SugaredLogger

	resolved bool
}

// ApplyDefaults fills zero-valued fields with the design-level defaults
// enumerated in §6.4 / §4.5.4 / §4.4 / §4.6 / §4.8. Idempotent.
func (c *VaultConfig) ApplyDefaults() {
	if c.DBPath == "" {
		c.DBPath = "./data/engram.db"
	}
	if c.EmbedDimension == 0 {
		c.EmbedDimension = 768
	}
	if c.Weights == nil {
		w := DefaultScoringWeights()
		c.Weights = &w
	}
	if c.SpreadWeights == nil {
		c.SpreadWeights = DefaultSpreadWeights()
	}
	if c.SeedExpansionFactor == 0 {
		c.SeedExpansionFactor = 4
	}
	if c.SpreadMaxHops == 0 {
		c.SpreadMaxHops = 2
	}
	if c.SpreadNodeBudget == 0 {
		c.SpreadNodeBudget = 4000
	}
	if c.SpreadDecay == 0 {
		c.SpreadDecay = 0.6
	}
	if c.RecencyHalfLifeDays == 0 {
		c.RecencyHalfLifeDays = 30
	}
	if c.AgeHalfLifeDays == 0 {
		c.AgeHalfLifeDays = 180
	}
	if c.EntitySeedCap == 0 {
		c.EntitySeedCap = 16
	}
	if c.MergeThreshold == 0 {
		c.MergeThreshold = 0.85
	}
	if c.ConsolidateBudget == 0 {
		c.ConsolidateBudget = 30 * time.Second
	}
	if c.ArchiveThreshold == 0 {
		c.ArchiveThreshold = 0.08
	}
	if c.DecayInterval == 0 {
		c.DecayInterval = 12 * time.Hour
	}
	if len(c.AggregationPhrases) == 0 {
		c.AggregationPhrases = []string{
			"all ", "every ", "pending", "what are my commitments", "list of decisions", "all my",
		}
	}
	if c.Logger == nil {
		if l, err := zap.NewProduction(); err == nil {
			c.Logger = l.Sugar()
		} else {
			c.Logger = zap.NewNop().Sugar()
		}
	}
	c.resolved = true
}
