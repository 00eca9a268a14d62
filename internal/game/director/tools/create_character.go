package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"worldsim/internal/game"
)

type CreateCharacterTool struct{}

func (t *CreateCharacterTool) Name() game.MutationType {
	return game.MutationCreateCharacter
}

func (t *CreateCharacterTool) Description() string {
	return "Record a character from the scene that is not in the world state yet. Always give them a proper name, like \"Liliac\" rather than \"Allison's Mom\"; invent one if the scene has none. location is where they are now."
}

func (t *CreateCharacterTool) Validate(m game.ProposedMutation) error {
	return requireFields(t.Name(), map[string]string{"name": m.Name, "location": m.Location})
}

// Apply inserts the character, creating its location first when no
// location matches the given name.
func (t *CreateCharacterTool) Apply(ctx context.Context, env Env, m game.ProposedMutation) (*game.AppliedMutation, error) {
	existing, err := env.Store.SearchCharacters(ctx, env.WorldID, m.Name)
	switch {
	case err == nil && strings.EqualFold(existing.Name, m.Name):
		return nil, fmt.Errorf("%w: character %q is %s", ErrDuplicate, existing.Name, existing.ID)
	case err != nil && !errors.Is(err, game.ErrNotFound):
		return nil, err
	}

	loc, err := env.Store.SearchLocations(ctx, env.WorldID, m.Location)
	if errors.Is(err, game.ErrNotFound) {
		loc = &game.Location{WorldID: env.WorldID, Name: m.Location, Properties: map[string]string{}}
		err = env.Store.InsertLocation(ctx, loc)
	}
	if err != nil {
		return nil, fmt.Errorf("location %q: %w", m.Location, err)
	}

	char := &game.Character{
		WorldID:    env.WorldID,
		LocationID: loc.ID,
		Name:       m.Name,
		Pronouns:   m.Pronouns,
		Properties: map[string]string{},
	}
	if err := env.Store.InsertCharacter(ctx, char); err != nil {
		return nil, err
	}
	return &game.AppliedMutation{
		Type:          t.Name(),
		CharacterID:   char.ID,
		CharacterName: char.Name,
		Pronouns:      char.Pronouns,
		LocationID:    loc.ID,
		LocationName:  loc.Name,
	}, nil
}

func (t *CreateCharacterTool) SuccessMessage(a *game.AppliedMutation) string {
	return fmt.Sprintf("Created character %s in %s", a.CharacterName, a.LocationName)
}
