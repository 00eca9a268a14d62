package director

import (
	"context"

	"worldsim/internal/game"
	"worldsim/internal/game/director/tools"
)

// MutationTool resolves and applies one kind of proposed mutation.
type MutationTool interface {
	Name() game.MutationType
	Description() string
	Validate(m game.ProposedMutation) error
	// Apply returns tools.ErrNoChange or tools.ErrDuplicate when there is
	// nothing to write.
	Apply(ctx context.Context, env tools.Env, m game.ProposedMutation) (*game.AppliedMutation, error)
	SuccessMessage(a *game.AppliedMutation) string
}

var toolRegistry = make(map[game.MutationType]MutationTool)

func init() {
	RegisterTool(&tools.SetWorldTimeTool{})
	RegisterTool(&tools.CreateLocationTool{})
	RegisterTool(&tools.CreateCharacterTool{})
	RegisterTool(&tools.SetCharacterLocationTool{})
	RegisterTool(&tools.SetCharacterPronounsTool{})
	RegisterTool(&tools.SetPropertyTool{})
	RegisterTool(&tools.RemovePropertyTool{})
}

func RegisterTool(tool MutationTool) {
	toolRegistry[tool.Name()] = tool
}

func GetTool(name game.MutationType) (MutationTool, bool) {
	tool, exists := toolRegistry[name]
	return tool, exists
}
