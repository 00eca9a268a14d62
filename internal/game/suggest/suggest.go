// Package suggest asks the model for names a player can pick from.
package suggest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"worldsim/internal/game"
	"worldsim/internal/llm"
)

// Count is how many world names are requested.
const Count = 20

const systemPrompt = "Your job is to generate suggestions for the user to create their content."

type suggestionList struct {
	Suggestions []string `json:"suggestions"`
}

func suggestionSchema() llm.Schema {
	return llm.Schema{
		Name:        "suggestionList",
		Description: "Name suggestions.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"suggestions": map[string]any{
					"type":  "array",
					"items": map[string]any{"type": "string"},
				},
			},
			"required":             []string{"suggestions"},
			"additionalProperties": false,
		},
	}
}

// WorldNames returns up to Count unique names for a world with the given
// theme, in the order the model produced them.
func WorldNames(ctx context.Context, gateway llm.Gateway, theme string) ([]string, error) {
	theme = strings.TrimSpace(theme)
	if theme == "" {
		return nil, fmt.Errorf("%w: theme is empty", game.ErrInvalidInput)
	}

	messages := []llm.Message{
		llm.SystemMessage(systemPrompt),
		llm.UserMessage(fmt.Sprintf("Generate a list of %d unique name suggestions for a fictional world with the theme %q.", Count, theme)),
	}
	raw, err := gateway.CompleteStructured(llm.WithOperationType(ctx, "suggest_world_names"), messages, suggestionSchema())
	if err != nil {
		return nil, fmt.Errorf("suggest world names: %w", err)
	}

	var list suggestionList
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("suggest world names: %w: %w", llm.ErrParse, err)
	}
	return dedupe(list.Suggestions, Count), nil
}

func dedupe(names []string, limit int) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, min(len(names), limit))
	for _, n := range names {
		n = strings.TrimSpace(n)
		key := strings.ToLower(n)
		if n == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, n)
		if len(out) == limit {
			break
		}
	}
	return out
}
