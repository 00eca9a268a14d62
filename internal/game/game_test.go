package game_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"worldsim/internal/game"
	"worldsim/internal/store/memstore"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to game.PromptStatus
		want     bool
	}{
		{game.StatusPending, game.StatusSuccess, true},
		{game.StatusPending, game.StatusFailure, true},
		{game.StatusFailure, game.StatusPending, true},
		{game.StatusSuccess, game.StatusPending, false},
		{game.StatusSuccess, game.StatusFailure, false},
		{game.StatusFailure, game.StatusSuccess, false},
		{game.StatusPending, game.StatusPending, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, game.CanTransition(tt.from, tt.to))
			if tt.want {
				assert.NoError(t, game.CheckTransition(tt.from, tt.to))
			} else {
				assert.ErrorIs(t, game.CheckTransition(tt.from, tt.to), game.ErrInvalidTransition)
			}
		})
	}
}

func TestPromptIsStale(t *testing.T) {
	now := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	p := game.NewPrompt("c1")
	p.UpdatedAt = now.Add(-11 * time.Minute)

	assert.True(t, p.IsStale(now, 10*time.Minute))
	assert.False(t, p.IsStale(now, 20*time.Minute))
	assert.False(t, p.IsStale(now, 0))

	p.Status = game.StatusFailure
	assert.False(t, p.IsStale(now, 10*time.Minute))
}

func TestNewPromptCopiesActions(t *testing.T) {
	actions := []game.Action{{Name: "open the door"}}
	p := game.NewPrompt("c1", actions...)
	actions[0].Name = "changed"

	assert.Equal(t, game.StatusPending, p.Status)
	assert.Equal(t, []game.Action{{Name: "open the door"}}, p.Actions)
	assert.NotNil(t, p.Mutations)
}

func TestRenameWorld(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	w := &game.World{Name: "Eldermere"}
	require.NoError(t, s.InsertWorld(ctx, w))

	got, err := game.RenameWorld(ctx, s, w.ID, "  Saltreach\n")
	require.NoError(t, err)
	assert.Equal(t, "Saltreach", got.Name)

	_, err = game.RenameWorld(ctx, s, w.ID, "   ")
	assert.ErrorIs(t, err, game.ErrInvalidInput)

	_, err = game.RenameWorld(ctx, s, "missing", "Anything")
	assert.ErrorIs(t, err, game.ErrNotFound)
}

func TestAppliedMutationJSON(t *testing.T) {
	m := game.AppliedMutation{
		Type:   game.MutationSetProperty,
		Entity: &game.EntityRef{Type: game.EntityLocation, ID: "l1", Name: "The Garden"},
		Key:    "weather",
		Value:  "drizzle",
		// Fields outside the variant are not written.
		WorldName: "Eldermere",
	}
	data, err := json.Marshal(m)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"setProperty","entity":{"type":"location","id":"l1","name":"The Garden"},"key":"weather","value":"drizzle"}`, string(data))

	moved := game.AppliedMutation{
		Type:          game.MutationSetCharacterLocation,
		CharacterID:   "c1",
		CharacterName: "Liliac",
		LocationID:    "l2",
		LocationName:  "Market Square",
	}
	data, err = json.Marshal(moved)
	require.NoError(t, err)
	var back game.AppliedMutation
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, moved, back)

	_, err = json.Marshal(game.AppliedMutation{Type: "teleport"})
	assert.Error(t, err)
}

func TestValidateCharacter(t *testing.T) {
	err := game.ValidateCharacter(&game.Character{WorldID: "w1"})
	require.ErrorIs(t, err, game.ErrInvalidInput)
	assert.ErrorContains(t, err, "character location id is required")
	assert.ErrorContains(t, err, "character name is required")

	assert.NoError(t, game.ValidateCharacter(&game.Character{WorldID: "w1", LocationID: "l1", Name: "Bram"}))
}

func TestCloneProperties(t *testing.T) {
	assert.NotNil(t, game.CloneProperties(nil))

	src := map[string]string{"mood": "calm"}
	out := game.CloneProperties(src)
	out["mood"] = "restless"
	assert.Equal(t, "calm", src["mood"])
}
