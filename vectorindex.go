package engram

import "sync"

// BruteForceIndex is the default VectorIndex (§6.5): an in-memory linear
// scan over cosine similarity. Correct for any vault size; O(n) per query.
// It is not itself durable — the owning Store repopulates it from the
// embedding column at startup via rebuildIndex().
type BruteForceIndex struct {
	mu   sync.RWMutex
	dims int
	vecs map[string][]float32
}

// NewBruteForceIndex constructs an empty index. Open must still be called
// before use (it records the expected dimension).
func NewBruteForceIndex() *BruteForceIndex {
	return &BruteForceIndex{vecs: make(map[string][]float32)}
}

// Open records the vector dimension. path is unused: this index keeps no
// file of its own and rides on the store's own durability.
func (b *BruteForceIndex) Open(path string, dims int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dims = dims
	if b.vecs == nil {
		b.vecs = make(map[string][]float32)
	}
	return nil
}

// Upsert inserts or replaces a vector.
func (b *BruteForceIndex) Upsert(id string, vec []float32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := make([]float32, len(vec))
	copy(cp, vec)
	b.vecs[id] = cp
	return nil
}

// Remove drops a vector; a no-op if absent.
func (b *BruteForceIndex) Remove(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.vecs, id)
	return nil
}

// TopK returns the k highest cosine-similarity matches, descending.
func (b *BruteForceIndex) TopK(vec []float32, k int) ([]ScoredID, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if k <= 0 || len(b.vecs) == 0 {
		return nil, nil
	}

	scored := make([]ScoredID, 0, len(b.vecs))
	for id, v := range b.vecs {
		scored = append(scored, ScoredID{ID: id, Score: CosineSimilarity(vec, v)})
	}

	// partial selection sort: k is small relative to n in the common case,
	// and this avoids pulling in a heap for a reference implementation.
	for i := 0; i < k && i < len(scored); i++ {
		best := i
		for j := i + 1; j < len(scored); j++ {
			if scored[j].Score > scored[best].Score {
				best = j
			}
		}
		scored[i], scored[best] = scored[best], scored[i]
	}
	if k > len(scored) {
		k = len(scored)
	}
	return scored[:k], nil
}

// Close releases in-memory state.
func (b *BruteForceIndex) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.vecs = nil
	return nil
}

// Len reports the number of vectors currently indexed (test helper / stats).
func (b *BruteForceIndex) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.vecs)
}
