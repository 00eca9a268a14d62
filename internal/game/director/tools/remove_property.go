package tools

import (
	"context"
	"fmt"

	"worldsim/internal/game"
)

type RemovePropertyTool struct{}

func (t *RemovePropertyTool) Name() game.MutationType {
	return game.MutationRemoveProperty
}

func (t *RemovePropertyTool) Description() string {
	return "Remove a property from a character or location once it no longer applies."
}

func (t *RemovePropertyTool) Validate(m game.ProposedMutation) error {
	if !m.EntityType.Valid() {
		return fmt.Errorf("%w: %s entityType must be character or location, got %q", game.ErrInvalidInput, t.Name(), m.EntityType)
	}
	return requireFields(t.Name(), map[string]string{"entityName": m.EntityName, "key": m.Key})
}

func (t *RemovePropertyTool) Apply(ctx context.Context, env Env, m game.ProposedMutation) (*game.AppliedMutation, error) {
	ref, props, err := env.entity(ctx, m.EntityType, m.EntityName)
	if err != nil {
		return nil, err
	}
	if _, ok := props[m.Key]; !ok {
		return nil, fmt.Errorf("%w: %s has no %s", ErrNoChange, ref.Name, m.Key)
	}

	next := game.CloneProperties(props)
	delete(next, m.Key)
	if err := env.patchProperties(ctx, ref, next); err != nil {
		return nil, err
	}
	return &game.AppliedMutation{
		Type:   t.Name(),
		Entity: ref,
		Key:    m.Key,
	}, nil
}

func (t *RemovePropertyTool) SuccessMessage(a *game.AppliedMutation) string {
	return fmt.Sprintf("Removed %s from %s", a.Key, a.Entity.Name)
}
