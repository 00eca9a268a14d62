package director

import (
	"slices"

	"worldsim/internal/game"
	"worldsim/internal/llm"
)

// MutationList is the structured payload the extraction call must return.
type MutationList struct {
	Mutations []game.ProposedMutation `json:"mutations"`
}

const mutationListSchemaName = "mutationList"

// MutationListSchema is the strict JSON schema for MutationList: an object
// holding an array whose items are one of the seven mutation variants.
func MutationListSchema() llm.Schema {
	str := map[string]any{"type": "string"}
	entityType := map[string]any{"type": "string", "enum": []string{string(game.EntityCharacter), string(game.EntityLocation)}}

	variant := func(t game.MutationType, fields ...string) map[string]any {
		props := map[string]any{
			"type": map[string]any{"type": "string", "enum": []string{string(t)}},
		}
		required := []string{"type"}
		for _, f := range fields {
			if f == "entityType" {
				props[f] = entityType
			} else {
				props[f] = str
			}
			required = append(required, f)
		}
		return map[string]any{
			"type":                 "object",
			"properties":           props,
			"required":             required,
			"additionalProperties": false,
		}
	}

	return llm.Schema{
		Name:        mutationListSchemaName,
		Description: "World state changes implied by the scene.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"mutations": map[string]any{
					"type": "array",
					"items": map[string]any{
						"anyOf": []any{
							variant(game.MutationSetWorldTime, "time"),
							variant(game.MutationCreateLocation, "name"),
							variant(game.MutationCreateCharacter, "name", "pronouns", "location"),
							variant(game.MutationSetCharacterLocation, "name", "location"),
							variant(game.MutationSetCharacterPronouns, "name", "pronouns"),
							variant(game.MutationSetProperty, "entityType", "entityName", "key", "value"),
							variant(game.MutationRemoveProperty, "entityType", "entityName", "key"),
						},
					},
				},
			},
			"required":             []string{"mutations"},
			"additionalProperties": false,
		},
	}
}

// SortForApplication orders creates first so later mutations in the same
// batch can reference what they create: createLocation, then
// createCharacter, then everything else. The sort is stable and the input
// is not modified.
func SortForApplication(mutations []game.ProposedMutation) []game.ProposedMutation {
	sorted := slices.Clone(mutations)
	slices.SortStableFunc(sorted, func(a, b game.ProposedMutation) int {
		return rank(a.Type) - rank(b.Type)
	})
	return sorted
}

func rank(t game.MutationType) int {
	switch t {
	case game.MutationCreateLocation:
		return 0
	case game.MutationCreateCharacter:
		return 1
	}
	return 2
}
