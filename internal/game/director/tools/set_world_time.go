package tools

import (
	"context"
	"fmt"

	"worldsim/internal/game"
)

type SetWorldTimeTool struct{}

func (t *SetWorldTimeTool) Name() game.MutationType {
	return game.MutationSetWorldTime
}

func (t *SetWorldTimeTool) Description() string {
	return "Update the world's time. Only advance it when the scene says time has passed."
}

func (t *SetWorldTimeTool) Validate(m game.ProposedMutation) error {
	return requireFields(t.Name(), map[string]string{"time": m.Time})
}

func (t *SetWorldTimeTool) Apply(ctx context.Context, env Env, m game.ProposedMutation) (*game.AppliedMutation, error) {
	world, err := env.Store.GetWorld(ctx, env.WorldID)
	if err != nil {
		return nil, fmt.Errorf("world %s: %w", env.WorldID, err)
	}
	if world.Time == m.Time {
		return nil, fmt.Errorf("%w: time is already %q", ErrNoChange, m.Time)
	}
	if err := env.Store.PatchWorld(ctx, world.ID, game.WorldPatch{Time: &m.Time}); err != nil {
		return nil, err
	}
	return &game.AppliedMutation{
		Type:      t.Name(),
		WorldID:   world.ID,
		WorldName: world.Name,
		Time:      m.Time,
	}, nil
}

func (t *SetWorldTimeTool) SuccessMessage(a *game.AppliedMutation) string {
	return fmt.Sprintf("Time in %s is now %s", a.WorldName, a.Time)
}
