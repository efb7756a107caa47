package engram

import (
	"path/filepath"
	"testing"
)

func testGraphStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := NewStore(filepath.Join(dir, "test.db"), "owner1", 3, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSpreadingActivationPropagatesAlongSupports(t *testing.T) {
	s := testGraphStore(t)
	a, _ := s.Insert(Memory{Content: "a"}, 16)
	b, _ := s.Insert(Memory{Content: "b"}, 16)
	s.Connect(a.ID, b.ID, EdgeSupports, 1.0)

	seeds := map[string]float64{a.ID: 1.0}
	activation, err := SpreadingActivation(s, seeds, DefaultSpreadWeights(), 0.6, 2, 4000)
	if err != nil {
		t.Fatal(err)
	}
	if activation[b.ID] <= 0 {
		t.Errorf("expected positive activation for b, got %f", activation[b.ID])
	}
	if _, seeded := activation[a.ID]; seeded {
		t.Error("seed node should not appear in spread-contributed activation")
	}
}

func TestSpreadingActivationZeroWeightForContradicts(t *testing.T) {
	s := testGraphStore(t)
	a, _ := s.Insert(Memory{Content: "a"}, 16)
	b, _ := s.Insert(Memory{Content: "b"}, 16)
	s.Connect(a.ID, b.ID, EdgeContradicts, 1.0)

	activation, err := SpreadingActivation(s, map[string]float64{a.ID: 1.0}, DefaultSpreadWeights(), 0.6, 2, 4000)
	if err != nil {
		t.Fatal(err)
	}
	if activation[b.ID] != 0 {
		t.Errorf("contradicts edge should not propagate activation, got %f", activation[b.ID])
	}
}

func TestSpreadingActivationSkipsSupersededTargets(t *testing.T) {
	s := testGraphStore(t)
	a, _ := s.Insert(Memory{Content: "a"}, 16)
	old, _ := s.Insert(Memory{Content: "old fact"}, 16)
	newer, _ := s.Insert(Memory{Content: "new fact"}, 16)
	s.Connect(a.ID, old.ID, EdgeSupports, 1.0)
	s.Supersede(old.ID, newer.ID, old.CreatedAt)

	activation, err := SpreadingActivation(s, map[string]float64{a.ID: 1.0}, DefaultSpreadWeights(), 0.6, 2, 4000)
	if err != nil {
		t.Fatal(err)
	}
	if activation[old.ID] != 0 {
		t.Errorf("superseded memory should be an inadmissible spread target, got %f", activation[old.ID])
	}
}

func TestSpreadingActivationRespectsMaxHops(t *testing.T) {
	s := testGraphStore(t)
	a, _ := s.Insert(Memory{Content: "a"}, 16)
	b, _ := s.Insert(Memory{Content: "b"}, 16)
	c, _ := s.Insert(Memory{Content: "c"}, 16)
	s.Connect(a.ID, b.ID, EdgeSupports, 1.0)
	s.Connect(b.ID, c.ID, EdgeSupports, 1.0)

	activation, err := SpreadingActivation(s, map[string]float64{a.ID: 1.0}, DefaultSpreadWeights(), 0.6, 1, 4000)
	if err != nil {
		t.Fatal(err)
	}
	if _, reached := activation[c.ID]; reached {
		t.Error("two-hop node should not be reached with maxHops=1")
	}
}

func TestSpreadingActivationEmptySeeds(t *testing.T) {
	s := testGraphStore(t)
	activation, err := SpreadingActivation(s, nil, DefaultSpreadWeights(), 0.6, 2, 4000)
	if err != nil {
		t.Fatal(err)
	}
	if len(activation) != 0 {
		t.Errorf("expected empty activation map, got %v", activation)
	}
}

func TestNormalizeSeedScores(t *testing.T) {
	norm := NormalizeSeedScores(map[string]float64{"a": 0.5, "b": 1.0, "c": 0.25})
	if norm["b"] != 1.0 {
		t.Errorf("expected max score normalized to 1.0, got %f", norm["b"])
	}
	if norm["a"] != 0.5 {
		t.Errorf("expected 0.5 to stay 0.5 when max is 1.0, got %f", norm["a"])
	}
}

func TestLinkTemporalNext(t *testing.T) {
	s := testGraphStore(t)
	a, _ := s.Insert(Memory{Content: "a"}, 16)
	b, _ := s.Insert(Memory{Content: "b"}, 16)

	if err := LinkTemporalNext(s, a.ID, b.ID); err != nil {
		t.Fatal(err)
	}
	edges, err := s.OutEdges(a.ID, []EdgeKind{EdgeTemporalNext})
	if err != nil {
		t.Fatal(err)
	}
	if len(edges) != 1 || edges[0].DstID != b.ID {
		t.Fatalf("expected temporal-next edge a->b, got %+v", edges)
	}
}

func TestLinkTemporalNextNoOpWithoutPrev(t *testing.T) {
	s := testGraphStore(t)
	b, _ := s.Insert(Memory{Content: "b"}, 16)
	if err := LinkTemporalNext(s, "", b.ID); err != nil {
		t.Fatal(err)
	}
}
