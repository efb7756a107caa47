package engram

import (
	"context"
	"testing"
)

func TestGeminiEmbedderEmptyKey(t *testing.T) {
	e := NewGeminiEmbedder("", 768)
	_, err := e.Embed(context.Background(), "test")
	if err == nil {
		t.Error("expected error for empty API key")
	}
}

func TestGeminiEmbedderDimensions(t *testing.T) {
	e := NewGeminiEmbedder("key", 768)
	if e.Dimensions() != 768 {
		t.Errorf("expected 768, got %d", e.Dimensions())
	}
}

func TestGeminiEmbedderBatchStopsOnFirstError(t *testing.T) {
	e := NewGeminiEmbedder("", 768)
	_, err := e.EmbedBatch(context.Background(), []string{"a", "b"})
	if err == nil {
		t.Error("expected error propagated from batch without API key")
	}
}
