package engram

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func testVault(t *testing.T) *Vault {
	t.Helper()
	dir := t.TempDir()
	cfg := VaultConfig{
		Owner:          "owner1",
		DBPath:         filepath.Join(dir, "test.db"),
		EmbedDimension: 3,
		Embedder:       &fakeEmbedProvider{dims: 3},
		Logger:         zap.NewNop().Sugar(),
	}
	v, err := Open(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { v.Close() })
	return v
}

func TestVaultRememberAndRecall(t *testing.T) {
	v := testVault(t)
	ctx := context.Background()

	m, err := v.Remember(ctx, "Priya approved the Q3 roadmap", RememberOptions{}, "")
	if err != nil {
		t.Fatal(err)
	}
	if m.ID == "" {
		t.Fatal("expected inserted memory to have an id")
	}

	if err := v.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	results, err := v.Recall(ctx, RecallQuery{Entities: []string{"Priya"}, Limit: 5})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 recalled memory, got %d", len(results))
	}
}

func TestVaultRememberChainsTemporalNext(t *testing.T) {
	v := testVault(t)
	ctx := context.Background()

	first, err := v.Remember(ctx, "kicked off the sprint", RememberOptions{}, "")
	if err != nil {
		t.Fatal(err)
	}
	second, err := v.Remember(ctx, "closed the sprint", RememberOptions{}, first.ID)
	if err != nil {
		t.Fatal(err)
	}

	edges, err := v.store.OutEdges(first.ID, []EdgeKind{EdgeTemporalNext})
	if err != nil {
		t.Fatal(err)
	}
	if len(edges) != 1 || edges[0].DstID != second.ID {
		t.Fatalf("expected temporal-next edge from first to second, got %+v", edges)
	}
}

func TestVaultForgetHardDeletes(t *testing.T) {
	v := testVault(t)
	ctx := context.Background()
	m, err := v.Remember(ctx, "a throwaway note", RememberOptions{}, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := v.Forget(m.ID, true); err != nil {
		t.Fatal(err)
	}
	got, err := v.store.GetByIDs([]string{m.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Error("expected hard-forgotten memory to be gone")
	}
}

func TestVaultConnectAndNeighbors(t *testing.T) {
	v := testVault(t)
	ctx := context.Background()
	a, _ := v.Remember(ctx, "a fact", RememberOptions{}, "")
	b, _ := v.Remember(ctx, "a related fact", RememberOptions{}, "")

	if err := v.Connect(a.ID, b.ID, EdgeSupports, 1.0); err != nil {
		t.Fatal(err)
	}
	hops, err := v.Neighbors(a.ID, 1, nil, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(hops) != 1 || hops[0].ID != b.ID {
		t.Fatalf("expected 1 neighbor hop to b, got %+v", hops)
	}
}

func TestVaultConsolidateRuns(t *testing.T) {
	v := testVault(t)
	ctx := context.Background()
	v.Remember(ctx, "Priya joined the platform team", RememberOptions{Entities: []string{"Priya"}}, "")
	v.Remember(ctx, "Priya is on the platform team now", RememberOptions{Entities: []string{"Priya"}}, "")

	stats, err := v.Consolidate(ctx)
	if err != nil {
		t.Fatal(err)
	}
	_ = stats
}

func TestVaultStatsAndEntities(t *testing.T) {
	v := testVault(t)
	ctx := context.Background()
	v.Remember(ctx, "Priya approved the roadmap", RememberOptions{}, "")

	stats, err := v.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalMemories != 1 {
		t.Errorf("expected 1 memory in stats, got %d", stats.TotalMemories)
	}

	entities, err := v.Entities()
	if err != nil {
		t.Fatal(err)
	}
	if len(entities) == 0 {
		t.Error("expected at least one extracted entity")
	}
}

func TestVaultExport(t *testing.T) {
	v := testVault(t)
	ctx := context.Background()
	v.Remember(ctx, "Priya approved the roadmap", RememberOptions{}, "")

	exported, err := v.Export()
	if err != nil {
		t.Fatal(err)
	}
	if len(exported) != 1 {
		t.Fatalf("expected 1 exported memory, got %d", len(exported))
	}
}

func TestVaultAlertsAndBriefing(t *testing.T) {
	v := testVault(t)
	ctx := context.Background()
	v.Remember(ctx, "please send the invoice", RememberOptions{Status: StatusPending}, "")

	b, err := v.Briefing(ctx, "status update", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(b.ActiveCommitments) != 1 {
		t.Errorf("expected 1 active commitment in briefing, got %d", len(b.ActiveCommitments))
	}

	_, err = v.Alerts(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
}

func TestVaultCloseIsIdempotentWithFlush(t *testing.T) {
	v := testVault(t)
	if err := v.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := v.Close(); err != nil {
		t.Fatal(err)
	}
	if err := v.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	_ = time.Millisecond
}
