package engram

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeEmbedProvider struct {
	dims     int
	calls    int32
	fail     bool
	mu       sync.Mutex
	received []string
}

func (f *fakeEmbedProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := f.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (f *fakeEmbedProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	atomic.AddInt32(&f.calls, 1)
	f.mu.Lock()
	f.received = append(f.received, texts...)
	f.mu.Unlock()
	if f.fail {
		return nil, ErrUnavailable
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, f.dims)
	}
	return out, nil
}

func (f *fakeEmbedProvider) Dimensions() int { return f.dims }

func testEmbedderStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := NewStore(filepath.Join(dir, "test.db"), "owner1", 3, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEmbedderFlushDeliversVectors(t *testing.T) {
	s := testEmbedderStore(t)
	m, _ := s.Insert(Memory{Content: "needs embedding"}, 16)

	provider := &fakeEmbedProvider{dims: 3}
	cfg := DefaultEmbedderConfig()
	cfg.BatchWait = time.Hour // force flush() to be the only trigger
	e := NewEmbedder(provider, s, cfg, nil)
	defer e.Close()

	e.Enqueue(m.ID, "needs embedding")
	if err := e.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}

	got, _ := s.GetByIDs([]string{m.ID})
	if len(got[0].Embedding) != 3 {
		t.Fatalf("expected embedding populated after flush, got %v", got[0].Embedding)
	}
}

func TestEmbedderBatchesBySize(t *testing.T) {
	s := testEmbedderStore(t)
	ids := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		m, _ := s.Insert(Memory{Content: "row"}, 16)
		ids = append(ids, m.ID)
	}

	provider := &fakeEmbedProvider{dims: 3}
	cfg := DefaultEmbedderConfig()
	cfg.BatchSize = 5
	cfg.BatchWait = time.Hour
	e := NewEmbedder(provider, s, cfg, nil)
	defer e.Close()

	for _, id := range ids {
		e.Enqueue(id, "row")
	}

	deadline := time.After(2 * time.Second)
	for {
		got, _ := s.GetByIDs(ids)
		allEmbedded := len(got) == len(ids)
		for _, m := range got {
			if m.Embedding == nil {
				allEmbedded = false
			}
		}
		if allEmbedded {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for size-triggered batch flush")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestEmbedderMarksPermanentFailure(t *testing.T) {
	s := testEmbedderStore(t)
	m, _ := s.Insert(Memory{Content: "will fail"}, 16)

	provider := &fakeEmbedProvider{dims: 3, fail: true}
	cfg := DefaultEmbedderConfig()
	cfg.BatchWait = time.Hour
	e := NewEmbedder(provider, s, cfg, nil)
	defer e.Close()

	e.Enqueue(m.ID, "will fail")
	e.Flush(context.Background())

	got, _ := s.GetByIDs([]string{m.ID})
	if !got[0].EmbeddingFailed {
		t.Error("expected embedding_failed set after permanent provider failure")
	}
}

func TestEmbedderFlushHonorsCancellation(t *testing.T) {
	s := testEmbedderStore(t)
	provider := &fakeEmbedProvider{dims: 3}
	cfg := DefaultEmbedderConfig()
	e := NewEmbedder(provider, s, cfg, nil)
	defer e.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := e.Flush(ctx); err == nil {
		t.Error("expected cancelled flush to return an error")
	}
}
