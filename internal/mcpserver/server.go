// Package mcpserver exposes the world pipeline as MCP tools.
package mcpserver

import (
	"context"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"worldsim/internal/debug"
	"worldsim/internal/game"
	"worldsim/internal/game/narration"
	"worldsim/internal/llm"
	"worldsim/internal/logging"
)

const serverName = "worldsim"

type Config struct {
	Engine  *narration.Engine
	Store   game.Store
	Factory llm.Factory
	// Completions may be nil; the completion tools then report nothing.
	Completions *logging.CompletionLogger
	// DefaultAPIKey is used when a call brings no key of its own.
	DefaultAPIKey string
	Debug         *debug.Logger
	Version       string
}

type Server struct {
	cfg       Config
	assembler *narration.Assembler
	mcp       *mcp.Server
}

func New(cfg Config) *Server {
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	s := &Server{
		cfg:       cfg,
		assembler: narration.NewAssembler(cfg.Store),
		mcp:       mcp.NewServer(&mcp.Implementation{Name: serverName, Version: cfg.Version}, nil),
	}
	s.registerTools()
	return s
}

// MCP returns the underlying server, for callers that manage transports.
func (s *Server) MCP() *mcp.Server {
	return s.mcp
}

// Run serves on transport until ctx is done or the peer disconnects.
func (s *Server) Run(ctx context.Context, transport mcp.Transport) error {
	s.cfg.Debug.Info("mcp server starting", "version", s.cfg.Version)
	if err := s.mcp.Run(ctx, transport); err != nil {
		return fmt.Errorf("mcp server: %w", err)
	}
	return nil
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "act",
		Description: "Run one cycle for a character: narrate the scene after the action (or a look around when action is empty) and apply the world changes it implies.",
	}, s.act)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "world_state",
		Description: "Show the world state a character's next narration is based on.",
	}, s.worldState)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "list_prompts",
		Description: "List a character's narration history, newest last.",
	}, s.listPrompts)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "rename_world",
		Description: "Rename a world.",
	}, s.renameWorld)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "suggest_world_names",
		Description: "Suggest names for a new world with the given theme.",
	}, s.suggestWorldNames)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "recent_completions",
		Description: "List the most recent model completions, newest first.",
	}, s.recentCompletions)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "rate_completion",
		Description: "Rate a recorded completion from 1 to 5, with optional notes.",
	}, s.rateCompletion)
}

func (s *Server) apiKey(given string) string {
	if k := strings.TrimSpace(given); k != "" {
		return k
	}
	return s.cfg.DefaultAPIKey
}
