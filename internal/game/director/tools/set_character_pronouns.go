package tools

import (
	"context"
	"fmt"

	"worldsim/internal/game"
)

type SetCharacterPronounsTool struct{}

func (t *SetCharacterPronounsTool) Name() game.MutationType {
	return game.MutationSetCharacterPronouns
}

func (t *SetCharacterPronounsTool) Description() string {
	return "Update a character's pronouns."
}

func (t *SetCharacterPronounsTool) Validate(m game.ProposedMutation) error {
	return requireFields(t.Name(), map[string]string{"name": m.Name, "pronouns": m.Pronouns})
}

func (t *SetCharacterPronounsTool) Apply(ctx context.Context, env Env, m game.ProposedMutation) (*game.AppliedMutation, error) {
	char, err := env.character(ctx, m.Name)
	if err != nil {
		return nil, err
	}
	if char.Pronouns == m.Pronouns {
		return nil, fmt.Errorf("%w: %s already uses %s", ErrNoChange, char.Name, m.Pronouns)
	}
	if err := env.Store.PatchCharacter(ctx, char.ID, game.CharacterPatch{Pronouns: &m.Pronouns}); err != nil {
		return nil, err
	}
	return &game.AppliedMutation{
		Type:          t.Name(),
		CharacterID:   char.ID,
		CharacterName: char.Name,
		Pronouns:      m.Pronouns,
	}, nil
}

func (t *SetCharacterPronounsTool) SuccessMessage(a *game.AppliedMutation) string {
	return fmt.Sprintf("%s now uses %s", a.CharacterName, a.Pronouns)
}
