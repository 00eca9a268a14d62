package tools

import (
	"context"
	"fmt"

	"worldsim/internal/game"
)

type SetPropertyTool struct{}

func (t *SetPropertyTool) Name() game.MutationType {
	return game.MutationSetProperty
}

func (t *SetPropertyTool) Description() string {
	return "Set one property on a character or location; use several mutations for several properties. If several values belong under the same key, join them into one comma-separated value. Never use this for a character's location."
}

func (t *SetPropertyTool) Validate(m game.ProposedMutation) error {
	if !m.EntityType.Valid() {
		return fmt.Errorf("%w: %s entityType must be character or location, got %q", game.ErrInvalidInput, t.Name(), m.EntityType)
	}
	return requireFields(t.Name(), map[string]string{"entityName": m.EntityName, "key": m.Key})
}

func (t *SetPropertyTool) Apply(ctx context.Context, env Env, m game.ProposedMutation) (*game.AppliedMutation, error) {
	ref, props, err := env.entity(ctx, m.EntityType, m.EntityName)
	if err != nil {
		return nil, err
	}
	if v, ok := props[m.Key]; ok && v == m.Value {
		return nil, fmt.Errorf("%w: %s.%s is already %q", ErrNoChange, ref.Name, m.Key, m.Value)
	}

	next := game.CloneProperties(props)
	next[m.Key] = m.Value
	if err := env.patchProperties(ctx, ref, next); err != nil {
		return nil, err
	}
	return &game.AppliedMutation{
		Type:   t.Name(),
		Entity: ref,
		Key:    m.Key,
		Value:  m.Value,
	}, nil
}

func (t *SetPropertyTool) SuccessMessage(a *game.AppliedMutation) string {
	return fmt.Sprintf("Set %s %s to %q", a.Entity.Name, a.Key, a.Value)
}
