package memstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"worldsim/internal/game"
	"worldsim/internal/store/memstore"
)

type fixture struct {
	store     *memstore.MemStore
	world     *game.World
	bedroom   *game.Location
	character *game.Character
}

func newFixture(t *testing.T, opts ...memstore.Option) fixture {
	t.Helper()
	ctx := context.Background()
	s := memstore.New(opts...)

	w := &game.World{Name: "Eldermere", Time: "Early Morning", CreatorID: "u1"}
	require.NoError(t, s.InsertWorld(ctx, w))
	l := &game.Location{WorldID: w.ID, Name: "Allison's Bedroom"}
	require.NoError(t, s.InsertLocation(ctx, l))
	c := &game.Character{WorldID: w.ID, LocationID: l.ID, Name: "Allison", Pronouns: "she/her"}
	require.NoError(t, s.InsertCharacter(ctx, c))

	return fixture{store: s, world: w, bedroom: l, character: c}
}

func TestInsertAssignsIDsAndEmptyProperties(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	assert.NotEmpty(t, f.world.ID)
	assert.NotEmpty(t, f.bedroom.ID)

	got, err := f.store.GetLocation(context.Background(), f.bedroom.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.Properties)
	assert.Empty(t, got.Properties)
}

func TestInsertCharacterRejectsForeignLocation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	other := &game.World{Name: "Elsewhere"}
	require.NoError(t, f.store.InsertWorld(ctx, other))

	err := f.store.InsertCharacter(ctx, &game.Character{WorldID: other.ID, LocationID: f.bedroom.ID, Name: "Liliac"})
	assert.ErrorIs(t, err, game.ErrInvalidInput)
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_, err := f.store.GetCharacter(context.Background(), "missing")
	assert.ErrorIs(t, err, game.ErrNotFound)
	_, err = f.store.LatestPrompt(context.Background(), f.character.ID)
	assert.ErrorIs(t, err, game.ErrNotFound)
}

func TestReturnedMapsAreCopies(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.store.PatchCharacter(ctx, f.character.ID, game.CharacterPatch{
		Properties: map[string]string{"mood": "sleepy"},
	}))
	c, err := f.store.GetCharacter(ctx, f.character.ID)
	require.NoError(t, err)
	c.Properties["mood"] = "wide awake"

	again, err := f.store.GetCharacter(ctx, f.character.ID)
	require.NoError(t, err)
	assert.Equal(t, "sleepy", again.Properties["mood"])
}

func TestSearchIsScopedToWorld(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	other := &game.World{Name: "Elsewhere"}
	require.NoError(t, f.store.InsertWorld(ctx, other))
	require.NoError(t, f.store.InsertLocation(ctx, &game.Location{WorldID: other.ID, Name: "The Garden"}))

	_, err := f.store.SearchLocations(ctx, f.world.ID, "The Garden")
	assert.ErrorIs(t, err, game.ErrNotFound)

	got, err := f.store.SearchLocations(ctx, f.world.ID, "allison's bedroom")
	require.NoError(t, err)
	assert.Equal(t, f.bedroom.ID, got.ID)

	ch, err := f.store.SearchCharacters(ctx, f.world.ID, "Allison")
	require.NoError(t, err)
	assert.Equal(t, f.character.ID, ch.ID)
}

func TestInsertPromptIfLatest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	first := game.NewPrompt(f.character.ID)
	require.NoError(t, f.store.InsertPromptIfLatest(ctx, first, ""))

	stale := game.NewPrompt(f.character.ID)
	err := f.store.InsertPromptIfLatest(ctx, stale, "")
	assert.ErrorIs(t, err, game.ErrStatusConflict)

	second := game.NewPrompt(f.character.ID)
	require.NoError(t, f.store.InsertPromptIfLatest(ctx, second, first.ID))

	latest, err := f.store.LatestPrompt(ctx, f.character.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)

	all, err := f.store.ListPrompts(ctx, f.character.ID)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, first.ID, all[0].ID)
}

func TestTransitionPrompt(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	p := game.NewPrompt(f.character.ID)
	require.NoError(t, f.store.InsertPromptIfLatest(ctx, p, ""))

	assert.ErrorIs(t, f.store.TransitionPrompt(ctx, p.ID, game.StatusSuccess, game.StatusPending), game.ErrInvalidTransition)
	require.NoError(t, f.store.TransitionPrompt(ctx, p.ID, game.StatusPending, game.StatusFailure))
	assert.ErrorIs(t, f.store.TransitionPrompt(ctx, p.ID, game.StatusPending, game.StatusSuccess), game.ErrStatusConflict)
	require.NoError(t, f.store.TransitionPrompt(ctx, p.ID, game.StatusFailure, game.StatusPending))

	got, err := f.store.GetPrompt(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, game.StatusPending, got.Status)
}

func TestReclaimPrompt(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	f := newFixture(t, memstore.WithClock(func() time.Time { return now }))

	p := game.NewPrompt(f.character.ID)
	require.NoError(t, f.store.InsertPromptIfLatest(ctx, p, ""))

	err := f.store.ReclaimPrompt(ctx, p.ID, now.Add(-time.Minute))
	assert.ErrorIs(t, err, game.ErrStatusConflict, "fresh prompt must not be reclaimed")

	now = now.Add(time.Hour)
	require.NoError(t, f.store.ReclaimPrompt(ctx, p.ID, now.Add(-time.Minute)))

	err = f.store.ReclaimPrompt(ctx, p.ID, now.Add(-time.Minute))
	assert.ErrorIs(t, err, game.ErrStatusConflict, "second reclaim loses")
}

func TestPatchPromptReplacesHistory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	p := game.NewPrompt(f.character.ID, game.Action{Name: "look around"})
	require.NoError(t, f.store.InsertPromptIfLatest(ctx, p, ""))

	content := "You wake."
	rec := game.AppliedMutation{Type: game.MutationSetWorldTime, WorldID: f.world.ID, WorldName: f.world.Name, Time: "Noon"}
	require.NoError(t, f.store.PatchPrompt(ctx, p.ID, game.PromptPatch{
		Content:   &content,
		Mutations: []game.AppliedMutation{rec},
	}))

	got, err := f.store.GetPrompt(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, content, got.Content)
	assert.Equal(t, []game.AppliedMutation{rec}, got.Mutations)
	assert.Equal(t, []game.Action{{Name: "look around"}}, got.Actions)
}
