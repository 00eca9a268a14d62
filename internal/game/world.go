package game

import (
	"context"
	"fmt"
	"maps"
	"strings"
)

type World struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Time      string `json:"time,omitempty"`
	CreatorID string `json:"creatorId"`
}

type Location struct {
	ID         string            `json:"id"`
	WorldID    string            `json:"worldId"`
	Name       string            `json:"name"`
	Properties map[string]string `json:"properties"`
}

// Character always stands in exactly one Location of its own World.
type Character struct {
	ID         string            `json:"id"`
	WorldID    string            `json:"worldId"`
	LocationID string            `json:"locationId"`
	Name       string            `json:"name"`
	Pronouns   string            `json:"pronouns"`
	Properties map[string]string `json:"properties"`
}

// EntityType names the kinds of entity that carry properties.
type EntityType string

const (
	EntityCharacter EntityType = "character"
	EntityLocation  EntityType = "location"
)

func (t EntityType) Valid() bool {
	return t == EntityCharacter || t == EntityLocation
}

// Partial updates. A nil field is left untouched; a non-nil Properties map
// replaces the stored map.
type WorldPatch struct {
	Name *string
	Time *string
}

type LocationPatch struct {
	Name       *string
	Properties map[string]string
}

type CharacterPatch struct {
	Name       *string
	Pronouns   *string
	LocationID *string
	Properties map[string]string
}

// CloneProperties returns a copy that is never nil.
func CloneProperties(props map[string]string) map[string]string {
	out := make(map[string]string, len(props))
	maps.Copy(out, props)
	return out
}

// RenameWorld trims the new name and stores it. Empty names are rejected.
func RenameWorld(ctx context.Context, store Store, worldID, name string) (*World, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: world name is empty", ErrInvalidInput)
	}
	if err := store.PatchWorld(ctx, worldID, WorldPatch{Name: &name}); err != nil {
		return nil, fmt.Errorf("rename world %s: %w", worldID, err)
	}
	return store.GetWorld(ctx, worldID)
}

func (w World) String() string {
	if w.Time == "" {
		return w.Name
	}
	return fmt.Sprintf("%s (%s)", w.Name, w.Time)
}
