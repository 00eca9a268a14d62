package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"worldsim/internal/game"
)

type CreateLocationTool struct{}

func (t *CreateLocationTool) Name() game.MutationType {
	return game.MutationCreateLocation
}

func (t *CreateLocationTool) Description() string {
	return "Record a location from the scene that is not in the world state yet."
}

func (t *CreateLocationTool) Validate(m game.ProposedMutation) error {
	return requireFields(t.Name(), map[string]string{"name": m.Name})
}

func (t *CreateLocationTool) Apply(ctx context.Context, env Env, m game.ProposedMutation) (*game.AppliedMutation, error) {
	existing, err := env.Store.SearchLocations(ctx, env.WorldID, m.Name)
	switch {
	case err == nil && strings.EqualFold(existing.Name, m.Name):
		return nil, fmt.Errorf("%w: location %q is %s", ErrDuplicate, existing.Name, existing.ID)
	case err != nil && !errors.Is(err, game.ErrNotFound):
		return nil, err
	}

	loc := &game.Location{WorldID: env.WorldID, Name: m.Name, Properties: map[string]string{}}
	if err := env.Store.InsertLocation(ctx, loc); err != nil {
		return nil, err
	}
	return &game.AppliedMutation{
		Type:         t.Name(),
		LocationID:   loc.ID,
		LocationName: loc.Name,
	}, nil
}

func (t *CreateLocationTool) SuccessMessage(a *game.AppliedMutation) string {
	return fmt.Sprintf("Created location %s", a.LocationName)
}
