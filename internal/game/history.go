package game

import (
	"fmt"
	"time"
)

// PromptStatus tracks one narration and mutation cycle.
type PromptStatus string

const (
	StatusPending PromptStatus = "pending"
	StatusSuccess PromptStatus = "success"
	StatusFailure PromptStatus = "failure"
)

func (s PromptStatus) Valid() bool {
	switch s {
	case StatusPending, StatusSuccess, StatusFailure:
		return true
	}
	return false
}

// CanTransition reports whether a prompt may move from one status to another.
// Failure is re-enterable: a failed cycle resumes as pending.
func CanTransition(from, to PromptStatus) bool {
	switch from {
	case StatusPending:
		return to == StatusSuccess || to == StatusFailure
	case StatusFailure:
		return to == StatusPending
	}
	return false
}

// CheckTransition is CanTransition as an error.
func CheckTransition(from, to PromptStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

type Action struct {
	Name string `json:"name"`
}

// Prompt is the persisted record of one cycle. Mutations only ever grow.
type Prompt struct {
	ID          string            `json:"id"`
	CharacterID string            `json:"characterId"`
	Content     string            `json:"content"`
	Status      PromptStatus      `json:"status"`
	Mutations   []AppliedMutation `json:"mutations"`
	Actions     []Action          `json:"actions"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// PromptPatch updates a prompt in place. Non-nil slices replace the stored
// ones; callers append to the history they read and write it back.
type PromptPatch struct {
	Content   *string
	Mutations []AppliedMutation
	Actions   []Action
}

// NewPrompt returns an empty pending prompt for a character.
func NewPrompt(characterID string, actions ...Action) *Prompt {
	return &Prompt{
		CharacterID: characterID,
		Status:      StatusPending,
		Mutations:   []AppliedMutation{},
		Actions:     append([]Action{}, actions...),
	}
}

// IsStale reports whether a pending prompt has gone without a write for
// longer than after. A zero after disables staleness.
func (p *Prompt) IsStale(now time.Time, after time.Duration) bool {
	return after > 0 && p.Status == StatusPending && now.Sub(p.UpdatedAt) > after
}
