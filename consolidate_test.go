package engram

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func testConsolidateStore(t *testing.T) (*Store, *VaultConfig) {
	t.Helper()
	dir := t.TempDir()
	s, err := NewStore(filepath.Join(dir, "test.db"), "owner1", 3, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	cfg := VaultConfig{}
	cfg.ApplyDefaults()
	return s, &cfg
}

type stubConsolidateLLM struct {
	response string
	err      error
}

func (f *stubConsolidateLLM) Complete(ctx context.Context, prompt string, opts CompletionOptions) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

func TestConsolidateClustersBySimilarityAndEntities(t *testing.T) {
	s, cfg := testConsolidateStore(t)
	vec := []float32{1, 0, 0}
	a, _ := s.Insert(Memory{Content: "Priya joined the platform team", Entities: []string{"Priya"}}, 16)
	b, _ := s.Insert(Memory{Content: "Priya is on the platform team now", Entities: []string{"Priya"}}, 16)
	c, _ := s.Insert(Memory{Content: "unrelated note about lunch", Entities: []string{"Cafeteria"}}, 16)
	s.UpdateEmbedding(a.ID, vec)
	s.UpdateEmbedding(b.ID, vec)
	s.UpdateEmbedding(c.ID, []float32{0, 1, 0})

	con := NewConsolidator(s, nil, cfg)
	clusters, err := con.clusterCandidates(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(clusters) != 1 || len(clusters[0]) != 2 {
		t.Fatalf("expected one cluster of 2, got %+v", clusters)
	}
}

func TestConsolidateSynthesizesWithRuleBasedFallback(t *testing.T) {
	s, cfg := testConsolidateStore(t)
	vec := []float32{1, 0, 0}
	a, _ := s.Insert(Memory{Content: "Priya joined the platform team", Entities: []string{"Priya"}}, 16)
	b, _ := s.Insert(Memory{Content: "Priya is on the platform team now", Entities: []string{"Priya"}}, 16)
	s.UpdateEmbedding(a.ID, vec)
	s.UpdateEmbedding(b.ID, vec)

	con := NewConsolidator(s, nil, cfg)
	stats, err := con.Run(context.Background(), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Synthesized != 1 {
		t.Fatalf("expected 1 synthesized memory, got %d", stats.Synthesized)
	}

	consolidated, err := s.ByType(TypeConsolidated, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(consolidated) != 1 {
		t.Fatalf("expected 1 consolidated memory in store, got %d", len(consolidated))
	}
	if !consolidated[0].NeedsReview {
		t.Error("expected rule-based synthesis to be marked needs-review")
	}

	edges, err := s.InEdges(a.ID, []EdgeKind{EdgeElaborates})
	if err != nil {
		t.Fatal(err)
	}
	if len(edges) != 1 {
		t.Errorf("expected elaborates edge into constituent a, got %d", len(edges))
	}
}

func TestConsolidateSynthesizesWithLLM(t *testing.T) {
	s, cfg := testConsolidateStore(t)
	vec := []float32{1, 0, 0}
	a, _ := s.Insert(Memory{Content: "Priya joined the platform team", Entities: []string{"Priya"}}, 16)
	b, _ := s.Insert(Memory{Content: "Priya is on the platform team now", Entities: []string{"Priya"}}, 16)
	s.UpdateEmbedding(a.ID, vec)
	s.UpdateEmbedding(b.ID, vec)

	con := NewConsolidator(s, &stubConsolidateLLM{response: "Priya works on the platform team."}, cfg)
	stats, err := con.Run(context.Background(), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Synthesized != 1 {
		t.Fatalf("expected 1 synthesized memory, got %d", stats.Synthesized)
	}
	consolidated, _ := s.ByType(TypeConsolidated, 10)
	if len(consolidated) != 1 || consolidated[0].NeedsReview {
		t.Errorf("expected LLM-backed synthesis not marked needs-review, got %+v", consolidated)
	}
}

func TestConsolidateIsIdempotent(t *testing.T) {
	s, cfg := testConsolidateStore(t)
	vec := []float32{1, 0, 0}
	a, _ := s.Insert(Memory{Content: "Priya joined the platform team", Entities: []string{"Priya"}}, 16)
	b, _ := s.Insert(Memory{Content: "Priya is on the platform team now", Entities: []string{"Priya"}}, 16)
	s.UpdateEmbedding(a.ID, vec)
	s.UpdateEmbedding(b.ID, vec)

	con := NewConsolidator(s, nil, cfg)
	if _, err := con.Run(context.Background(), time.Second); err != nil {
		t.Fatal(err)
	}
	stats2, err := con.Run(context.Background(), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if stats2.Synthesized != 0 {
		t.Errorf("expected second run to be idempotent, got %d new syntheses", stats2.Synthesized)
	}
}

func TestConsolidateDetectsContradictionAndSupersedes(t *testing.T) {
	s, cfg := testConsolidateStore(t)
	vec := []float32{1, 0, 0}
	older, _ := s.Insert(Memory{Content: "the launch is happening", Entities: []string{"Launch"}}, 16)
	time.Sleep(time.Millisecond)
	newer, _ := s.Insert(Memory{Content: "the launch is not happening", Entities: []string{"Launch"}}, 16)
	s.UpdateEmbedding(older.ID, vec)
	s.UpdateEmbedding(newer.ID, vec)

	con := NewConsolidator(s, nil, cfg)
	stats, err := con.Run(context.Background(), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Contradictions != 1 {
		t.Fatalf("expected 1 contradiction detected, got %d", stats.Contradictions)
	}

	got, err := s.GetByIDs([]string{older.ID})
	if err != nil {
		t.Fatal(err)
	}
	if got[0].Status != StatusSuperseded {
		t.Errorf("expected older fact superseded, got status %s", got[0].Status)
	}

	derived := NewDerivedOps(s, nil, nil, cfg)
	contradictions, err := derived.Contradictions(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(contradictions) != 0 {
		t.Errorf("expected zero open contradictions after consolidate resolves the pair, got %d", len(contradictions))
	}
}

func TestConsolidateLLMFailureFallsBackToRuleBased(t *testing.T) {
	s, cfg := testConsolidateStore(t)
	vec := []float32{1, 0, 0}
	a, _ := s.Insert(Memory{Content: "Priya joined the platform team", Entities: []string{"Priya"}}, 16)
	b, _ := s.Insert(Memory{Content: "Priya is on the platform team now", Entities: []string{"Priya"}}, 16)
	s.UpdateEmbedding(a.ID, vec)
	s.UpdateEmbedding(b.ID, vec)

	con := NewConsolidator(s, &stubConsolidateLLM{err: errors.New("timeout")}, cfg)
	stats, err := con.Run(context.Background(), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Synthesized != 1 {
		t.Fatalf("expected rule-based synthesis to still run, got %d", stats.Synthesized)
	}
	consolidated, _ := s.ByType(TypeConsolidated, 10)
	if len(consolidated) != 1 || !consolidated[0].NeedsReview {
		t.Errorf("expected fallback synthesis marked needs-review, got %+v", consolidated)
	}
}

func TestConsolidateMergesEntityAliases(t *testing.T) {
	s, cfg := testConsolidateStore(t)
	s.Insert(Memory{Content: "BambooHR sent an invite", Entities: []string{"BambooHR"}}, 16)
	s.Insert(Memory{Content: "Bamboo HR confirmed the invite", Entities: []string{"Bamboo HR"}}, 16)

	con := NewConsolidator(s, nil, cfg)
	merged, err := con.mergeEntityAliases(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if merged != 1 {
		t.Fatalf("expected 1 alias merge, got %d", merged)
	}
}

func TestConsolidateNeverDeletesOriginalMemories(t *testing.T) {
	s, cfg := testConsolidateStore(t)
	vec := []float32{1, 0, 0}
	a, _ := s.Insert(Memory{Content: "Priya joined the platform team", Entities: []string{"Priya"}}, 16)
	b, _ := s.Insert(Memory{Content: "Priya is on the platform team now", Entities: []string{"Priya"}}, 16)
	s.UpdateEmbedding(a.ID, vec)
	s.UpdateEmbedding(b.ID, vec)

	con := NewConsolidator(s, nil, cfg)
	if _, err := con.Run(context.Background(), time.Second); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetByIDs([]string{a.ID, b.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected both original memories to survive consolidation, got %d", len(got))
	}
}

func TestConsolidateBudgetExhaustion(t *testing.T) {
	s, cfg := testConsolidateStore(t)
	vec := []float32{1, 0, 0}
	a, _ := s.Insert(Memory{Content: "Priya joined the platform team", Entities: []string{"Priya"}}, 16)
	b, _ := s.Insert(Memory{Content: "Priya is on the platform team now", Entities: []string{"Priya"}}, 16)
	s.UpdateEmbedding(a.ID, vec)
	s.UpdateEmbedding(b.ID, vec)

	con := NewConsolidator(s, nil, cfg)
	stats, err := con.Run(context.Background(), time.Nanosecond)
	if err != nil {
		t.Fatal(err)
	}
	if !stats.BudgetExhausted {
		t.Error("expected an immediately-expired budget to report exhaustion")
	}
}
