package narration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"worldsim/internal/game"
	"worldsim/internal/llm"
)

// WorldState is the snapshot serialised into the second system message.
type WorldState struct {
	World                  WorldView       `json:"world"`
	Player                 PlayerView      `json:"player"`
	CurrentLocation        LocationView    `json:"currentLocation"`
	OtherCharactersPresent []CharacterView `json:"otherCharactersPresent"`
}

type WorldView struct {
	Name string `json:"name"`
	Time string `json:"time,omitempty"`
}

type PlayerView struct {
	Character CharacterView `json:"character"`
}

type CharacterView struct {
	Name       string            `json:"name"`
	Pronouns   string            `json:"pronouns"`
	Properties map[string]string `json:"properties"`
}

type LocationView struct {
	Name       string            `json:"name"`
	Properties map[string]string `json:"properties"`
}

// Scene is everything read from the store for one cycle.
type Scene struct {
	Character *game.Character
	World     *game.World
	Location  *game.Location
	// Others are the characters sharing the location, the player excluded.
	Others []game.Character
	// Prior is the character's most recent successful prompt, if any.
	Prior *game.Prompt
}

func (s *Scene) State() WorldState {
	state := WorldState{
		World:  WorldView{Name: s.World.Name, Time: s.World.Time},
		Player: PlayerView{Character: characterView(*s.Character)},
		CurrentLocation: LocationView{
			Name:       s.Location.Name,
			Properties: game.CloneProperties(s.Location.Properties),
		},
		OtherCharactersPresent: make([]CharacterView, 0, len(s.Others)),
	}
	for _, c := range s.Others {
		state.OtherCharactersPresent = append(state.OtherCharactersPresent, characterView(c))
	}
	return state
}

func characterView(c game.Character) CharacterView {
	return CharacterView{Name: c.Name, Pronouns: c.Pronouns, Properties: game.CloneProperties(c.Properties)}
}

// Assembler turns store state into the narration request.
type Assembler struct {
	store game.Store
}

func NewAssembler(store game.Store) *Assembler {
	return &Assembler{store: store}
}

// Scene loads the character, then its world, location, neighbours and
// prior narration concurrently. A missing entity yields game.ErrNotFound.
func (a *Assembler) Scene(ctx context.Context, characterID string) (*Scene, error) {
	char, err := a.store.GetCharacter(ctx, characterID)
	if err != nil {
		return nil, fmt.Errorf("load character: %w", err)
	}

	scene := &Scene{Character: char}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		w, err := a.store.GetWorld(gctx, char.WorldID)
		if err != nil {
			return fmt.Errorf("load world: %w", err)
		}
		scene.World = w
		return nil
	})
	g.Go(func() error {
		l, err := a.store.GetLocation(gctx, char.LocationID)
		if err != nil {
			return fmt.Errorf("load location: %w", err)
		}
		scene.Location = l
		return nil
	})
	g.Go(func() error {
		present, err := a.store.ListCharactersAt(gctx, char.LocationID)
		if err != nil {
			return fmt.Errorf("list characters present: %w", err)
		}
		for _, c := range present {
			if c.ID != char.ID {
				scene.Others = append(scene.Others, c)
			}
		}
		return nil
	})
	g.Go(func() error {
		prior, err := a.lastSuccess(gctx, characterID)
		if err != nil {
			return fmt.Errorf("load prior narration: %w", err)
		}
		scene.Prior = prior
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return scene, nil
}

func (a *Assembler) lastSuccess(ctx context.Context, characterID string) (*game.Prompt, error) {
	prompts, err := a.store.ListPrompts(ctx, characterID)
	if errors.Is(err, game.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	for i := len(prompts) - 1; i >= 0; i-- {
		if prompts[i].Status == game.StatusSuccess {
			return &prompts[i], nil
		}
	}
	return nil, nil
}

// Messages builds the narration request for scene. The prior narration, if
// any, is replayed as the assistant's answer to the opening question; the
// last user turn is the action or, without one, the opening question again.
func (a *Assembler) Messages(scene *Scene, action string) ([]llm.Message, error) {
	state, err := json.Marshal(scene.State())
	if err != nil {
		return nil, fmt.Errorf("encode world state: %w", err)
	}

	messages := []llm.Message{
		llm.SystemMessage(styleInstruction),
		llm.SystemMessage(worldStatePrefix + string(state)),
		llm.UserMessage(lookAroundPrompt),
	}
	if scene.Prior != nil {
		messages = append(messages, llm.AssistantMessage(scene.Prior.Content))
		if action == "" {
			messages = append(messages, llm.UserMessage(lookAroundPrompt))
		}
	}
	if action != "" {
		messages = append(messages, llm.UserMessage(actionPrefix+action))
	}
	return messages, nil
}
