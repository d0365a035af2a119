package snapshots

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/evolve-orchestrator/internal/domain"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sample(session, name string) domain.Snapshot {
	fitness := 81.5
	gen := 2
	return domain.Snapshot{
		Name:         name,
		SnapshotType: "manual",
		Generation:   2,
		Problem:      "write a haiku",
		Criteria:     []domain.Criterion{{Name: "clarity", Weight: 1}},
		Config:       domain.EvolutionSettings{PopulationSize: 4, Generations: 3, MutationRate: 0.3, CrossoverRate: 0.5},
		Population: []domain.Solution{
			{ID: "gen0-a", Text: "old pond", Fitness: &fitness, Generation: 0},
		},
		GenerationsData:    []json.RawMessage{json.RawMessage(`{"generation":0,"best":81.5}`)},
		Champion:           &domain.Solution{ID: "gen0-a", Text: "old pond", Fitness: &fitness},
		ChampionGeneration: &gen,
		BestFitness:        81.5,
		SessionID:          session,
	}
}

func TestStore_CreateGetDelete(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	created, err := s.Create(ctx, sample("sess-1", "first"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(created.ID, "snap-"))
	assert.False(t, created.CreatedAt.IsZero())

	got, err := s.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "first", got.Name)
	require.NotNil(t, got.Champion)
	assert.Equal(t, 81.5, *got.Champion.Fitness)
	assert.JSONEq(t, `{"generation":0,"best":81.5}`, string(got.GenerationsData[0]))

	require.NoError(t, s.Delete(ctx, created.ID))
	_, err = s.Get(ctx, created.ID)
	assert.True(t, errors.Is(err, ErrSnapshotNotFound))
}

func TestStore_DeleteUnknown(t *testing.T) {
	s := newStore(t)
	err := s.Delete(context.Background(), "snap-missing")
	assert.True(t, errors.Is(err, ErrSnapshotNotFound))
}

func TestStore_ListBySession(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	a, err := s.Create(ctx, sample("sess-1", "a"))
	require.NoError(t, err)
	b, err := s.Create(ctx, sample("sess-1", "b"))
	require.NoError(t, err)
	_, err = s.Create(ctx, sample("sess-2", "c"))
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)

	all, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	mine, err := s.List(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, mine, 2)
	// newest first
	assert.Equal(t, "b", mine[0].Name)

	none, err := s.List(ctx, "sess-none")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestNew_CreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "app.db")
	s, err := New(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}
