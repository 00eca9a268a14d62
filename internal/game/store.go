package game

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a lookup by id or name has no match.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput is returned for malformed arguments.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidTransition is returned when a prompt status change is not
	// part of the lifecycle.
	ErrInvalidTransition = errors.New("invalid prompt transition")

	// ErrStatusConflict is returned by conditional writes whose expected
	// prior state no longer holds.
	ErrStatusConflict = errors.New("prompt status conflict")

	// ErrConcurrentCycleInProgress is returned when a character already has a
	// pending cycle.
	ErrConcurrentCycleInProgress = errors.New("concurrent cycle in progress")
)

// Store persists worlds, locations, characters and prompts. Implementations
// must be safe for concurrent use. Each call is atomic on its own; no call
// spans more than one entity except the conditional prompt writes.
type Store interface {
	GetWorld(ctx context.Context, id string) (*World, error)
	InsertWorld(ctx context.Context, w *World) error
	PatchWorld(ctx context.Context, id string, patch WorldPatch) error
	DeleteWorld(ctx context.Context, id string) error
	ListWorlds(ctx context.Context, creatorID string) ([]World, error)

	GetLocation(ctx context.Context, id string) (*Location, error)
	InsertLocation(ctx context.Context, l *Location) error
	PatchLocation(ctx context.Context, id string, patch LocationPatch) error
	DeleteLocation(ctx context.Context, id string) error
	ListLocations(ctx context.Context, worldID string) ([]Location, error)
	// SearchLocations returns the best name match within a world.
	SearchLocations(ctx context.Context, worldID, name string) (*Location, error)

	GetCharacter(ctx context.Context, id string) (*Character, error)
	InsertCharacter(ctx context.Context, c *Character) error
	PatchCharacter(ctx context.Context, id string, patch CharacterPatch) error
	DeleteCharacter(ctx context.Context, id string) error
	ListCharacters(ctx context.Context, worldID string) ([]Character, error)
	ListCharactersAt(ctx context.Context, locationID string) ([]Character, error)
	SearchCharacters(ctx context.Context, worldID, name string) (*Character, error)

	GetPrompt(ctx context.Context, id string) (*Prompt, error)
	PatchPrompt(ctx context.Context, id string, patch PromptPatch) error
	DeletePrompt(ctx context.Context, id string) error
	// ListPrompts returns a character's prompts oldest first.
	ListPrompts(ctx context.Context, characterID string) ([]Prompt, error)
	LatestPrompt(ctx context.Context, characterID string) (*Prompt, error)

	// InsertPromptIfLatest inserts p only while the character's latest prompt
	// id still equals expectedLatestID ("" meaning none). Otherwise it
	// returns ErrStatusConflict and writes nothing.
	InsertPromptIfLatest(ctx context.Context, p *Prompt, expectedLatestID string) error

	// TransitionPrompt moves a prompt from one status to another only if it
	// is currently in from.
	TransitionPrompt(ctx context.Context, id string, from, to PromptStatus) error

	// ReclaimPrompt takes over a pending prompt that has not been written
	// since before staleBefore, refreshing its UpdatedAt.
	ReclaimPrompt(ctx context.Context, id string, staleBefore time.Time) error
}

// ValidateLocation checks the fields every store requires on insert.
func ValidateLocation(l *Location) error {
	var errs []error
	if l.WorldID == "" {
		errs = append(errs, errors.New("location world id is required"))
	}
	if l.Name == "" {
		errs = append(errs, errors.New("location name is required"))
	}
	return invalid(errs)
}

func ValidateCharacter(c *Character) error {
	var errs []error
	if c.WorldID == "" {
		errs = append(errs, errors.New("character world id is required"))
	}
	if c.LocationID == "" {
		errs = append(errs, errors.New("character location id is required"))
	}
	if c.Name == "" {
		errs = append(errs, errors.New("character name is required"))
	}
	return invalid(errs)
}

func invalid(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidInput, errors.Join(errs...))
}
