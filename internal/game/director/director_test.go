package director_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"worldsim/internal/game"
	"worldsim/internal/game/director"
	"worldsim/internal/llm"
	"worldsim/internal/llm/llmtest"
	"worldsim/internal/store/memstore"
)

// spyStore counts entity patches on top of a real store.
type spyStore struct {
	game.Store
	mu      sync.Mutex
	patches int
}

func (s *spyStore) PatchCharacter(ctx context.Context, id string, p game.CharacterPatch) error {
	s.mu.Lock()
	s.patches++
	s.mu.Unlock()
	return s.Store.PatchCharacter(ctx, id, p)
}

func (s *spyStore) PatchLocation(ctx context.Context, id string, p game.LocationPatch) error {
	s.mu.Lock()
	s.patches++
	s.mu.Unlock()
	return s.Store.PatchLocation(ctx, id, p)
}

type fixture struct {
	store   *spyStore
	world   *game.World
	bedroom *game.Location
	allison *game.Character
	prompt  *game.Prompt
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	s := &spyStore{Store: memstore.New()}

	w := &game.World{Name: "Eldermere", Time: "Early Morning"}
	require.NoError(t, s.InsertWorld(ctx, w))
	l := &game.Location{WorldID: w.ID, Name: "Allison's Bedroom"}
	require.NoError(t, s.InsertLocation(ctx, l))
	c := &game.Character{WorldID: w.ID, LocationID: l.ID, Name: "Allison", Pronouns: "she/her"}
	require.NoError(t, s.InsertCharacter(ctx, c))
	p := game.NewPrompt(c.ID)
	require.NoError(t, s.InsertPromptIfLatest(ctx, p, ""))

	return fixture{store: s, world: w, bedroom: l, allison: c, prompt: p}
}

func (f fixture) history(t *testing.T) []game.AppliedMutation {
	t.Helper()
	p, err := f.store.GetPrompt(context.Background(), f.prompt.ID)
	require.NoError(t, err)
	return p.Mutations
}

func TestSortForApplication(t *testing.T) {
	in := []game.ProposedMutation{
		{Type: game.MutationSetProperty, EntityName: "Allison", Key: "mood"},
		{Type: game.MutationCreateCharacter, Name: "Liliac", Location: "The Garden"},
		{Type: game.MutationSetWorldTime, Time: "Noon"},
		{Type: game.MutationCreateLocation, Name: "The Garden"},
		{Type: game.MutationCreateLocation, Name: "The Shed"},
	}
	got := director.SortForApplication(in)

	var order []string
	for _, m := range got {
		order = append(order, string(m.Type)+":"+m.Name+m.Key+m.Time)
	}
	assert.Equal(t, []string{
		"createLocation:The Garden",
		"createLocation:The Shed",
		"createCharacter:Liliac",
		"setProperty:mood",
		"setWorldTime:Noon",
	}, order)
	assert.Equal(t, game.MutationSetProperty, in[0].Type, "input must not be reordered")
}

func TestApplySetPropertyTwiceRecordsOnce(t *testing.T) {
	f := newFixture(t)
	a := director.NewApplier(f.store)
	m := game.ProposedMutation{Type: game.MutationSetProperty, EntityType: game.EntityCharacter, EntityName: "Allison", Key: "mood", Value: "happy"}

	report := a.Apply(context.Background(), f.world.ID, f.prompt.ID, []game.ProposedMutation{m, m})

	require.Len(t, report.Results, 2)
	assert.Equal(t, director.OutcomeApplied, report.Results[0].Outcome)
	assert.Equal(t, director.OutcomeSkipped, report.Results[1].Outcome)
	require.Len(t, f.history(t), 1)
	assert.Equal(t, "happy", f.history(t)[0].Value)
}

func TestApplyCreateLocationTwiceKeepsOne(t *testing.T) {
	f := newFixture(t)
	a := director.NewApplier(f.store)

	report := a.Apply(context.Background(), f.world.ID, f.prompt.ID, []game.ProposedMutation{
		{Type: game.MutationCreateLocation, Name: "Oakhaven"},
		{Type: game.MutationCreateLocation, Name: "OAKHAVEN"},
	})
	assert.Equal(t, 1, report.Count(director.OutcomeApplied))
	assert.Equal(t, 1, report.Count(director.OutcomeSkipped))

	locs, err := f.store.ListLocations(context.Background(), f.world.ID)
	require.NoError(t, err)
	n := 0
	for _, l := range locs {
		if l.Name == "Oakhaven" {
			n++
		}
	}
	assert.Equal(t, 1, n)
}

func TestApplySortedBatchResolvesNewLocation(t *testing.T) {
	f := newFixture(t)
	a := director.NewApplier(f.store)
	batch := director.SortForApplication([]game.ProposedMutation{
		{Type: game.MutationSetProperty, EntityType: game.EntityLocation, EntityName: "The Garden", Key: "weather", Value: "sunny"},
		{Type: game.MutationCreateCharacter, Name: "Liliac", Pronouns: "she/her", Location: "The Garden"},
		{Type: game.MutationCreateLocation, Name: "The Garden"},
	})

	report := a.Apply(context.Background(), f.world.ID, f.prompt.ID, batch)
	require.Equal(t, 3, report.Count(director.OutcomeApplied), "%+v", report.Results)

	history := f.history(t)
	require.Len(t, history, 3)
	assert.Equal(t, game.MutationCreateLocation, history[0].Type)
	assert.Equal(t, game.MutationCreateCharacter, history[1].Type)
	assert.Equal(t, history[0].LocationID, history[1].LocationID, "Liliac should stand in the garden just created")

	locs, err := f.store.ListLocations(context.Background(), f.world.ID)
	require.NoError(t, err)
	assert.Len(t, locs, 2)
}

func TestApplyRemoveAbsentPropertyDoesNotPatch(t *testing.T) {
	f := newFixture(t)
	a := director.NewApplier(f.store)

	report := a.Apply(context.Background(), f.world.ID, f.prompt.ID, []game.ProposedMutation{
		{Type: game.MutationRemoveProperty, EntityType: game.EntityCharacter, EntityName: "Allison", Key: "mood"},
	})

	assert.Equal(t, director.OutcomeSkipped, report.Results[0].Outcome)
	assert.Zero(t, f.store.patches)
	assert.Empty(t, f.history(t))
}

func TestApplyContinuesPastFailures(t *testing.T) {
	f := newFixture(t)
	a := director.NewApplier(f.store)

	report := a.Apply(context.Background(), f.world.ID, f.prompt.ID, []game.ProposedMutation{
		{Type: "teleport", Name: "Allison"},
		{Type: game.MutationSetCharacterLocation, Name: "Nobody", Location: "Allison's Bedroom"},
		{Type: game.MutationSetWorldTime},
		{Type: game.MutationSetWorldTime, Time: "Noon"},
	})

	require.Len(t, report.Results, 4)
	assert.ErrorIs(t, report.Results[0].Err, director.ErrUnknownMutation)
	assert.ErrorIs(t, report.Results[1].Err, game.ErrNotFound)
	assert.ErrorIs(t, report.Results[2].Err, game.ErrInvalidInput)
	assert.Equal(t, director.OutcomeApplied, report.Results[3].Outcome)
	assert.Equal(t, 3, report.Count(director.OutcomeFailed))
	assert.Len(t, report.Applied(), 1)
}

func TestExtractSendsNarrationAndSorts(t *testing.T) {
	gw := &llmtest.Gateway{Structured: map[string]string{
		"mutationList": `{"mutations":[
			{"type":"setWorldTime","time":"Noon"},
			{"type":"createCharacter","name":"Liliac","pronouns":"she/her","location":"Allison's Garden"},
			{"type":"createLocation","name":"Allison's Garden"}
		]}`,
	}}
	ctxMsgs := []llm.Message{llm.SystemMessage("style"), llm.UserMessage("What's currently around me?")}

	got, err := director.NewExtractor(gw).Extract(context.Background(), ctxMsgs, "You step into the garden.")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, game.MutationCreateLocation, got[0].Type)
	assert.Equal(t, game.MutationCreateCharacter, got[1].Type)
	assert.Equal(t, "Allison's Garden", got[1].Location)

	require.Len(t, gw.StructuredCalls, 1)
	call := gw.StructuredCalls[0]
	assert.Equal(t, "mutationList", call.Schema.Name)
	require.Len(t, call.Messages, 4)
	assert.Equal(t, llm.AssistantMessage("You step into the garden."), call.Messages[2])
	assert.Equal(t, llm.RoleUser, call.Messages[3].Role)
	assert.Contains(t, call.Messages[3].Content, "setCharacterLocation")
}

func TestExtractWithoutResult(t *testing.T) {
	tests := []struct {
		name string
		gw   *llmtest.Gateway
	}{
		{"parse error", &llmtest.Gateway{}},
		{"provider error", &llmtest.Gateway{StructuredErr: errors.New("503")}},
		{"wrong shape", &llmtest.Gateway{Structured: map[string]string{"mutationList": `[1,2]`}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := director.NewExtractor(tt.gw).Extract(context.Background(), nil, "text")
			assert.ErrorIs(t, err, director.ErrNoMutationsProduced)
		})
	}
}

func TestDirectorEmptyList(t *testing.T) {
	f := newFixture(t)
	gw := &llmtest.Gateway{Structured: map[string]string{"mutationList": `{"mutations":[]}`}}

	report, err := director.NewDirector(gw, f.store).Direct(context.Background(), f.world.ID, f.prompt.ID, nil, "Nothing happens.")
	require.NoError(t, err)
	assert.Empty(t, report.Results)
}

func TestMutationListSchemaIsStrict(t *testing.T) {
	s := director.MutationListSchema()
	assert.Equal(t, "mutationList", s.Name)
	assert.Equal(t, false, s.Schema["additionalProperties"])

	items := s.Schema["properties"].(map[string]any)["mutations"].(map[string]any)["items"].(map[string]any)
	variants := items["anyOf"].([]any)
	require.Len(t, variants, len(game.MutationTypes))
	for _, v := range variants {
		obj := v.(map[string]any)
		props := obj["properties"].(map[string]any)
		assert.Len(t, obj["required"], len(props), "strict mode needs every property required")
	}
}
