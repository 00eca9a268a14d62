package narration_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"worldsim/internal/game"
	"worldsim/internal/game/director"
	"worldsim/internal/game/narration"
	"worldsim/internal/llm"
	"worldsim/internal/llm/llmtest"
	"worldsim/internal/store/memstore"
)

const apiKey = "sk-test"

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// contentSpy records every narration write.
type contentSpy struct {
	game.Store
	mu     sync.Mutex
	writes []string
}

func (s *contentSpy) PatchPrompt(ctx context.Context, id string, p game.PromptPatch) error {
	if p.Content != nil && *p.Content != "" {
		s.mu.Lock()
		s.writes = append(s.writes, *p.Content)
		s.mu.Unlock()
	}
	return s.Store.PatchPrompt(ctx, id, p)
}

type fixture struct {
	store   *contentSpy
	clock   *clock
	gw      *llmtest.Gateway
	engine  *narration.Engine
	world   *game.World
	bedroom *game.Location
	allison *game.Character
}

func newFixture(t *testing.T, stale time.Duration) *fixture {
	t.Helper()
	ctx := context.Background()
	clk := &clock{now: time.Date(2024, 9, 1, 8, 0, 0, 0, time.UTC)}
	s := &contentSpy{Store: memstore.New(memstore.WithClock(clk.Now))}

	w := &game.World{Name: "Eldermere", Time: "Early Morning"}
	require.NoError(t, s.InsertWorld(ctx, w))
	bedroom := &game.Location{WorldID: w.ID, Name: "Allison's Bedroom", Properties: map[string]string{"lighting": "dim"}}
	require.NoError(t, s.InsertLocation(ctx, bedroom))
	square := &game.Location{WorldID: w.ID, Name: "Market Square"}
	require.NoError(t, s.InsertLocation(ctx, square))

	allison := &game.Character{WorldID: w.ID, LocationID: bedroom.ID, Name: "Allison", Pronouns: "she/her"}
	require.NoError(t, s.InsertCharacter(ctx, allison))
	require.NoError(t, s.InsertCharacter(ctx, &game.Character{WorldID: w.ID, LocationID: bedroom.ID, Name: "Liliac", Pronouns: "she/her"}))
	require.NoError(t, s.InsertCharacter(ctx, &game.Character{WorldID: w.ID, LocationID: square.ID, Name: "Bram", Pronouns: "he/him"}))

	gw := &llmtest.Gateway{
		Chunks:     []string{"You wake", "", " to birdsong."},
		Structured: map[string]string{"mutationList": `{"mutations":[{"type":"setWorldTime","time":"Morning"}]}`},
	}
	f := &fixture{store: s, clock: clk, gw: gw, world: w, bedroom: bedroom, allison: allison}
	f.engine = narration.NewEngine(narration.Config{
		Factory:           gw.Factory(),
		Store:             s,
		StalePendingAfter: stale,
		Now:               clk.Now,
	})
	return f
}

func (f *fixture) prompts(t *testing.T) []game.Prompt {
	t.Helper()
	ps, err := f.store.ListPrompts(context.Background(), f.allison.ID)
	require.NoError(t, err)
	return ps
}

func TestFirstCycle(t *testing.T) {
	f := newFixture(t, 0)

	res, err := f.engine.Run(context.Background(), apiKey, f.allison.ID, "")
	require.NoError(t, err)
	assert.Equal(t, "You wake to birdsong.", res.Content)
	assert.NoError(t, res.ExtractionErr)
	assert.Equal(t, 1, res.Report.Count(director.OutcomeApplied))

	ps := f.prompts(t)
	require.Len(t, ps, 1)
	p := ps[0]
	assert.Equal(t, res.PromptID, p.ID)
	assert.Equal(t, game.StatusSuccess, p.Status)
	assert.Equal(t, "You wake to birdsong.", p.Content)
	assert.Empty(t, p.Actions)
	require.Len(t, p.Mutations, 1)
	assert.Equal(t, "Morning", p.Mutations[0].Time)

	w, err := f.store.GetWorld(context.Background(), f.world.ID)
	require.NoError(t, err)
	assert.Equal(t, "Morning", w.Time)

	require.Len(t, f.gw.StreamCalls, 1)
	msgs := f.gw.StreamCalls[0]
	require.Len(t, msgs, 3)
	assert.Equal(t, llm.RoleSystem, msgs[0].Role)
	assert.Equal(t, llm.RoleSystem, msgs[1].Role)
	assert.Equal(t, llm.UserMessage("What's currently around me?"), msgs[2])
}

func TestNarrationPersistedPerChunk(t *testing.T) {
	f := newFixture(t, 0)

	_, err := f.engine.Run(context.Background(), apiKey, f.allison.ID, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"You wake", "You wake to birdsong."}, f.store.writes)
}

func TestSecondCycleReplaysPriorNarration(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	first, err := f.engine.Run(ctx, apiKey, f.allison.ID, "")
	require.NoError(t, err)
	second, err := f.engine.Run(ctx, apiKey, f.allison.ID, "  open the window ")
	require.NoError(t, err)
	assert.NotEqual(t, first.PromptID, second.PromptID)

	require.Len(t, f.gw.StreamCalls, 2)
	msgs := f.gw.StreamCalls[1]
	require.Len(t, msgs, 5)
	assert.Equal(t, llm.AssistantMessage("You wake to birdsong."), msgs[3])
	assert.Equal(t, llm.UserMessage("Here's what I would like to do: open the window"), msgs[4])

	ps := f.prompts(t)
	require.Len(t, ps, 2)
	assert.Equal(t, []game.Action{{Name: "open the window"}}, ps[1].Actions)
}

func TestFailedPromptIsResumed(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.gw.StreamErr = errors.New("upstream reset")

	_, err := f.engine.Run(ctx, apiKey, f.allison.ID, "look outside")
	require.Error(t, err)
	ps := f.prompts(t)
	require.Len(t, ps, 1)
	failedID := ps[0].ID
	assert.Equal(t, game.StatusFailure, ps[0].Status)
	assert.Equal(t, "You wake to birdsong.", ps[0].Content)

	f.gw.StreamErr = nil
	f.gw.Chunks = []string{"The street is empty."}
	res, err := f.engine.Run(ctx, apiKey, f.allison.ID, "look outside")
	require.NoError(t, err)
	assert.Equal(t, failedID, res.PromptID)

	ps = f.prompts(t)
	require.Len(t, ps, 1)
	assert.Equal(t, game.StatusSuccess, ps[0].Status)
	assert.Equal(t, "The street is empty.", ps[0].Content)
}

func TestStreamOpenFailureMarksFailure(t *testing.T) {
	f := newFixture(t, 0)
	f.gw.OpenErr = errors.New("401 unauthorized")

	_, err := f.engine.Run(context.Background(), apiKey, f.allison.ID, "")
	require.Error(t, err)
	assert.Empty(t, f.gw.StructuredCalls)
	ps := f.prompts(t)
	require.Len(t, ps, 1)
	assert.Equal(t, game.StatusFailure, ps[0].Status)
}

func TestPendingPromptBlocksCycle(t *testing.T) {
	f := newFixture(t, narration.DefaultStalePendingAfter)
	ctx := context.Background()
	require.NoError(t, f.store.InsertPromptIfLatest(ctx, game.NewPrompt(f.allison.ID), ""))

	_, err := f.engine.Run(ctx, apiKey, f.allison.ID, "")
	assert.ErrorIs(t, err, game.ErrConcurrentCycleInProgress)
	assert.Empty(t, f.gw.StreamCalls)
	assert.Len(t, f.prompts(t), 1)
}

func TestStalePendingPromptIsReclaimed(t *testing.T) {
	f := newFixture(t, narration.DefaultStalePendingAfter)
	ctx := context.Background()
	stuck := game.NewPrompt(f.allison.ID)
	require.NoError(t, f.store.InsertPromptIfLatest(ctx, stuck, ""))

	f.clock.Advance(11 * time.Minute)
	res, err := f.engine.Run(ctx, apiKey, f.allison.ID, "")
	require.NoError(t, err)
	assert.Equal(t, stuck.ID, res.PromptID)

	ps := f.prompts(t)
	require.Len(t, ps, 1)
	assert.Equal(t, game.StatusSuccess, ps[0].Status)
}

func TestStaleReclaimDisabled(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	require.NoError(t, f.store.InsertPromptIfLatest(ctx, game.NewPrompt(f.allison.ID), ""))

	f.clock.Advance(24 * time.Hour)
	_, err := f.engine.Run(ctx, apiKey, f.allison.ID, "")
	assert.ErrorIs(t, err, game.ErrConcurrentCycleInProgress)
}

func TestExtractionFailureStillSucceeds(t *testing.T) {
	f := newFixture(t, 0)
	f.gw.Structured = nil

	res, err := f.engine.Run(context.Background(), apiKey, f.allison.ID, "")
	require.NoError(t, err)
	assert.ErrorIs(t, res.ExtractionErr, director.ErrNoMutationsProduced)

	ps := f.prompts(t)
	require.Len(t, ps, 1)
	assert.Equal(t, game.StatusSuccess, ps[0].Status)
	assert.Equal(t, "You wake to birdsong.", ps[0].Content)
	assert.Empty(t, ps[0].Mutations)
}

func TestMissingCredentialWritesNothing(t *testing.T) {
	f := newFixture(t, 0)

	_, err := f.engine.Run(context.Background(), "", f.allison.ID, "")
	assert.ErrorIs(t, err, llm.ErrMissingCredential)
	assert.Empty(t, f.prompts(t))
	assert.Empty(t, f.gw.StreamCalls)
}

func TestUnknownCharacter(t *testing.T) {
	f := newFixture(t, 0)

	_, err := f.engine.Run(context.Background(), apiKey, "nobody", "")
	assert.ErrorIs(t, err, game.ErrNotFound)
	assert.Empty(t, f.gw.StreamCalls)
}

func TestWorldStateSnapshot(t *testing.T) {
	f := newFixture(t, 0)
	a := narration.NewAssembler(f.store)

	scene, err := a.Scene(context.Background(), f.allison.ID)
	require.NoError(t, err)
	msgs, err := a.Messages(scene, "")
	require.NoError(t, err)

	raw, ok := strings.CutPrefix(msgs[1].Content, "Current world state: ")
	require.True(t, ok)
	var state narration.WorldState
	require.NoError(t, json.Unmarshal([]byte(raw), &state))

	assert.Equal(t, narration.WorldView{Name: "Eldermere", Time: "Early Morning"}, state.World)
	assert.Equal(t, "Allison", state.Player.Character.Name)
	assert.Equal(t, map[string]string{"lighting": "dim"}, state.CurrentLocation.Properties)
	require.Len(t, state.OtherCharactersPresent, 1)
	assert.Equal(t, "Liliac", state.OtherCharactersPresent[0].Name)
}
