package programdb

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/hochfrequenz/evolve-orchestrator/internal/domain"
)

func openTemp(t *testing.T) (*Store, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "run")
	store, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store, dir
}

func TestStore_WriteGenerationAndRank(t *testing.T) {
	store, _ := openTemp(t)
	ctx := context.Background()

	gen0 := []domain.CandidateSummary{
		{ID: "a", Code: "alpha", CombinedScore: 50},
		{ID: "b", Code: "beta", CombinedScore: 87,
			PublicMetrics:  map[string]any{"length": 4, "non_empty": true},
			PrivateMetrics: map[string]any{"cost": 0.5},
			Feedback:       "solid",
			Mutation:       domain.MutationInitial},
	}
	gen1 := []domain.CandidateSummary{
		{ID: "c", Code: "gamma", CombinedScore: 87, ParentIDs: []string{"b"}, Mutation: domain.MutationRewrite},
		{ID: "d", Code: "delta", CombinedScore: 90},
	}
	if err := store.WriteGeneration(ctx, 0, gen0); err != nil {
		t.Fatal(err)
	}
	if err := store.WriteGeneration(ctx, 1, gen1); err != nil {
		t.Fatal(err)
	}

	top, err := store.Top(ctx, 8)
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, c := range top {
		ids = append(ids, c.ID)
	}
	want := []string{"d", "b", "c", "a"}
	if len(ids) != len(want) {
		t.Fatalf("Top ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("Top ids = %v, want %v", ids, want)
		}
	}

	// equal scores: earlier generation wins
	if top[1].Generation != 0 || top[2].Generation != 1 {
		t.Errorf("tie order wrong: %+v", top[1:3])
	}
	if top[1].Feedback != "solid" || top[1].Mutation != domain.MutationInitial {
		t.Errorf("fields not round-tripped: %+v", top[1])
	}
	if top[1].PublicMetrics["length"] != float64(4) {
		t.Errorf("public metrics = %v", top[1].PublicMetrics)
	}
	if len(top[2].ParentIDs) != 1 || top[2].ParentIDs[0] != "b" {
		t.Errorf("parents = %v", top[2].ParentIDs)
	}
	if top[0].CreatedAt.IsZero() {
		t.Error("CreatedAt should be filled in")
	}

	best, err := store.Best(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if best == nil || best.ID != "d" {
		t.Errorf("Best = %+v, want d", best)
	}

	two, err := store.Top(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(two) != 2 {
		t.Errorf("Top(2) returned %d", len(two))
	}
}

func TestStore_TieBreakByInsertionOrder(t *testing.T) {
	store, _ := openTemp(t)
	ctx := context.Background()

	err := store.WriteGeneration(ctx, 0, []domain.CandidateSummary{
		{ID: "first", CombinedScore: 10},
		{ID: "second", CombinedScore: 10},
	})
	if err != nil {
		t.Fatal(err)
	}
	best, err := store.Best(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if best.ID != "first" {
		t.Errorf("Best = %s, want first", best.ID)
	}
}

func TestStore_WriteGenerationIsAtomic(t *testing.T) {
	store, _ := openTemp(t)
	ctx := context.Background()

	if err := store.WriteGeneration(ctx, 0, []domain.CandidateSummary{{ID: "x"}}); err != nil {
		t.Fatal(err)
	}
	// duplicate id fails the whole generation
	err := store.WriteGeneration(ctx, 1, []domain.CandidateSummary{{ID: "y"}, {ID: "x"}})
	if err == nil {
		t.Fatal("expected duplicate id error")
	}
	n, err := store.Count(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("Count = %d, want 1 after rollback", n)
	}
}

func TestStore_EmptyAndGenerations(t *testing.T) {
	store, _ := openTemp(t)
	ctx := context.Background()

	best, err := store.Best(ctx)
	if err != nil || best != nil {
		t.Fatalf("Best on empty = %v, %v", best, err)
	}
	last, err := store.LastGeneration(ctx)
	if err != nil || last != -1 {
		t.Fatalf("LastGeneration on empty = %d, %v", last, err)
	}

	if err := store.WriteGeneration(ctx, 0, []domain.CandidateSummary{{ID: "a"}, {ID: "b"}}); err != nil {
		t.Fatal(err)
	}
	if err := store.WriteGeneration(ctx, 1, []domain.CandidateSummary{{ID: "c"}}); err != nil {
		t.Fatal(err)
	}

	g0, err := store.Generation(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(g0) != 2 || g0[0].ID != "a" {
		t.Errorf("Generation(0) = %+v", g0)
	}
	last, _ = store.LastGeneration(ctx)
	if last != 1 {
		t.Errorf("LastGeneration = %d, want 1", last)
	}
}

func TestReader(t *testing.T) {
	ctx := context.Background()
	var r Reader

	missing := filepath.Join(t.TempDir(), "nothing-here")
	best, err := r.Best(ctx, missing)
	if err != nil || best != nil {
		t.Fatalf("Best on missing store = %v, %v", best, err)
	}
	top, err := r.Top(ctx, missing, 8)
	if err != nil || top != nil {
		t.Fatalf("Top on missing store = %v, %v", top, err)
	}

	store, dir := openTemp(t)
	if err := store.WriteGeneration(ctx, 0, []domain.CandidateSummary{{ID: "a", CombinedScore: 87}}); err != nil {
		t.Fatal(err)
	}

	best, err = r.Best(ctx, dir)
	if err != nil {
		t.Fatal(err)
	}
	if best == nil || best.CombinedScore != 87 {
		t.Errorf("Best = %+v, want score 87", best)
	}
}

func TestOpenReadOnly_Missing(t *testing.T) {
	_, err := OpenReadOnly(t.TempDir())
	if !errors.Is(err, ErrNoStore) {
		t.Errorf("err = %v, want ErrNoStore", err)
	}
}
