package tools

import (
	"context"
	"errors"
	"fmt"

	"worldsim/internal/game"
)

var (
	// ErrNoChange marks a mutation that would leave the world as it is.
	ErrNoChange = errors.New("no change")
	// ErrDuplicate marks a create whose name already exists in the world.
	ErrDuplicate = errors.New("already exists")
)

// Env is what a tool may touch: the store, scoped to one world.
type Env struct {
	Store   game.Store
	WorldID string
}

func (e Env) character(ctx context.Context, name string) (*game.Character, error) {
	c, err := e.Store.SearchCharacters(ctx, e.WorldID, name)
	if err != nil {
		return nil, fmt.Errorf("character %q: %w", name, err)
	}
	return c, nil
}

func (e Env) location(ctx context.Context, name string) (*game.Location, error) {
	l, err := e.Store.SearchLocations(ctx, e.WorldID, name)
	if err != nil {
		return nil, fmt.Errorf("location %q: %w", name, err)
	}
	return l, nil
}

// entity resolves a character or location by name and returns its properties.
func (e Env) entity(ctx context.Context, typ game.EntityType, name string) (*game.EntityRef, map[string]string, error) {
	switch typ {
	case game.EntityCharacter:
		c, err := e.character(ctx, name)
		if err != nil {
			return nil, nil, err
		}
		return &game.EntityRef{Type: typ, ID: c.ID, Name: c.Name}, c.Properties, nil
	case game.EntityLocation:
		l, err := e.location(ctx, name)
		if err != nil {
			return nil, nil, err
		}
		return &game.EntityRef{Type: typ, ID: l.ID, Name: l.Name}, l.Properties, nil
	}
	return nil, nil, fmt.Errorf("%w: entity type %q", game.ErrInvalidInput, typ)
}

func (e Env) patchProperties(ctx context.Context, ref *game.EntityRef, props map[string]string) error {
	if ref.Type == game.EntityCharacter {
		return e.Store.PatchCharacter(ctx, ref.ID, game.CharacterPatch{Properties: props})
	}
	return e.Store.PatchLocation(ctx, ref.ID, game.LocationPatch{Properties: props})
}

func requireFields(tool game.MutationType, fields map[string]string) error {
	for _, name := range []string{"time", "name", "pronouns", "location", "entityName", "key"} {
		if v, ok := fields[name]; ok && v == "" {
			return fmt.Errorf("%w: %s requires '%s'", game.ErrInvalidInput, tool, name)
		}
	}
	return nil
}
