package tools

import (
	"context"
	"fmt"

	"worldsim/internal/game"
)

type SetCharacterLocationTool struct{}

func (t *SetCharacterLocationTool) Name() game.MutationType {
	return game.MutationSetCharacterLocation
}

func (t *SetCharacterLocationTool) Description() string {
	return "Move a character to another location. Be precise to the level of rooms in a building, such as \"Amara's Study\" or \"The Kitchen of Lily's Cottage\"; outdoors, name the specific area, such as a park or a garden."
}

func (t *SetCharacterLocationTool) Validate(m game.ProposedMutation) error {
	return requireFields(t.Name(), map[string]string{"name": m.Name, "location": m.Location})
}

func (t *SetCharacterLocationTool) Apply(ctx context.Context, env Env, m game.ProposedMutation) (*game.AppliedMutation, error) {
	char, err := env.character(ctx, m.Name)
	if err != nil {
		return nil, err
	}
	loc, err := env.location(ctx, m.Location)
	if err != nil {
		return nil, err
	}
	if char.LocationID == loc.ID {
		return nil, fmt.Errorf("%w: %s is already in %s", ErrNoChange, char.Name, loc.Name)
	}
	if err := env.Store.PatchCharacter(ctx, char.ID, game.CharacterPatch{LocationID: &loc.ID}); err != nil {
		return nil, err
	}
	return &game.AppliedMutation{
		Type:          t.Name(),
		CharacterID:   char.ID,
		CharacterName: char.Name,
		LocationID:    loc.ID,
		LocationName:  loc.Name,
	}, nil
}

func (t *SetCharacterLocationTool) SuccessMessage(a *game.AppliedMutation) string {
	return fmt.Sprintf("%s moved to %s", a.CharacterName, a.LocationName)
}
