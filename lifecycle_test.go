package engram

import (
	"path/filepath"
	"testing"
	"time"
)

func testLifecycleStore(t *testing.T) (*Store, *VaultConfig) {
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

func TestLifecycleSweepArchivesLowSalience(t *testing.T) {
	s, cfg := testLifecycleStore(t)
	cfg.ArchiveThreshold = 0.5
	m, _ := s.Insert(Memory{Content: "old note", Salience: 0.1, CreatedAt: time.Now().Add(-30 * 24 * time.Hour)}, 16)

	lm := NewLifecycleManager(s, cfg)
	lm.Sweep()

	got, err := s.GetByIDs([]string{m.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("expected memory to survive sweep (soft archive), got %d rows", len(got))
	}
	if got[0].Status != StatusArchived {
		t.Errorf("expected low-salience memory archived by sweep, got status %s", got[0].Status)
	}
}

func TestLifecycleSweepCleansDanglingEdges(t *testing.T) {
	s, cfg := testLifecycleStore(t)
	a, _ := s.Insert(Memory{Content: "a"}, 16)
	b, _ := s.Insert(Memory{Content: "b"}, 16)
	s.Connect(a.ID, b.ID, EdgeSupports, 1.0)
	s.Forget(b.ID, false)

	lm := NewLifecycleManager(s, cfg)
	lm.Sweep()

	edges, err := s.OutEdges(a.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(edges) != 0 {
		t.Errorf("expected dangling edge to archived memory removed, got %d", len(edges))
	}
}

func TestLifecycleStartStopDoesNotPanic(t *testing.T) {
	s, cfg := testLifecycleStore(t)
	cfg.DecayInterval = time.Millisecond
	lm := NewLifecycleManager(s, cfg)
	lm.Start()
	time.Sleep(5 * time.Millisecond)
	lm.Stop()
}
