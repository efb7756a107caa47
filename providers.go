package engram

import "context"

// EmbeddingProvider generates vector embeddings from text (§6.5).
// Built-ins: GeminiEmbedder, OpenAIEmbedder, OllamaEmbedder.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// CompletionOptions controls a single LLM completion call (§6.5).
type CompletionOptions struct {
	MaxTokens int
	JSONMode  bool
	TimeoutMs int
}

// LLMProvider is the injected completion capability used by the
// auto-extractor's disambiguation fallback, the consolidator's synthesis and
// contradiction detection, and ask()'s answer synthesis (§6.5).
type LLMProvider interface {
	Complete(ctx context.Context, prompt string, opts CompletionOptions) (string, error)
}

// ScoredID pairs a memory id with a similarity score, as returned by a
// vector index top-k probe.
type ScoredID struct {
	ID    string
	Score float64
}

// VectorIndex is the injected approximate-nearest-neighbor capability
// backing C1's vectorSearch (§6.5). The default implementation
// (BruteForceIndex, vectorindex.go) is a correct but O(n) reference; swap in
// a real ANN library for larger vaults.
type VectorIndex interface {
	Open(path string, dims int) error
	Upsert(id string, vec []float32) error
	Remove(id string) error
	TopK(vec []float32, k int) ([]ScoredID, error)
	Close() error
}
