package mcpserver

import (
	"context"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"worldsim/internal/game"
	"worldsim/internal/game/director"
	"worldsim/internal/game/narration"
	"worldsim/internal/game/suggest"
)

type ActInput struct {
	CharacterID string `json:"characterId" jsonschema:"character to act as"`
	Action      string `json:"action,omitempty" jsonschema:"what the character tries to do; empty to look around"`
	APIKey      string `json:"apiKey,omitempty" jsonschema:"model provider key; defaults to the server's key"`
}

type Change struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

type ActResult struct {
	PromptID        string   `json:"promptId"`
	Narration       string   `json:"narration"`
	Changes         []Change `json:"changes"`
	Skipped         int      `json:"skipped"`
	Failed          int      `json:"failed"`
	ExtractionError string   `json:"extractionError,omitempty"`
}

func (s *Server) act(ctx context.Context, _ *mcp.CallToolRequest, in ActInput) (*mcp.CallToolResult, ActResult, error) {
	res, err := s.cfg.Engine.Run(ctx, s.apiKey(in.APIKey), in.CharacterID, in.Action)
	if err != nil {
		return nil, ActResult{}, fmt.Errorf("act: %w", err)
	}

	out := ActResult{
		PromptID:  res.PromptID,
		Narration: res.Content,
		Changes:   []Change{},
		Skipped:   res.Report.Count(director.OutcomeSkipped),
		Failed:    res.Report.Count(director.OutcomeFailed),
	}
	for _, r := range res.Report.Results {
		if r.Outcome == director.OutcomeApplied {
			out.Changes = append(out.Changes, Change{Type: string(r.Mutation.Type), Description: r.Message})
		}
	}
	if res.ExtractionErr != nil {
		out.ExtractionError = res.ExtractionErr.Error()
	}
	return nil, out, nil
}

type CharacterInput struct {
	CharacterID string `json:"characterId" jsonschema:"character identifier"`
}

func (s *Server) worldState(ctx context.Context, _ *mcp.CallToolRequest, in CharacterInput) (*mcp.CallToolResult, narration.WorldState, error) {
	scene, err := s.assembler.Scene(ctx, in.CharacterID)
	if err != nil {
		return nil, narration.WorldState{}, fmt.Errorf("world state: %w", err)
	}
	return nil, scene.State(), nil
}

type PromptView struct {
	ID        string   `json:"id"`
	Status    string   `json:"status"`
	Content   string   `json:"content"`
	Actions   []string `json:"actions"`
	Mutations int      `json:"mutations"`
	CreatedAt string   `json:"createdAt"`
}

type PromptList struct {
	Prompts []PromptView `json:"prompts"`
}

func (s *Server) listPrompts(ctx context.Context, _ *mcp.CallToolRequest, in CharacterInput) (*mcp.CallToolResult, PromptList, error) {
	prompts, err := s.cfg.Store.ListPrompts(ctx, in.CharacterID)
	if err != nil {
		return nil, PromptList{}, fmt.Errorf("list prompts: %w", err)
	}

	out := PromptList{Prompts: make([]PromptView, 0, len(prompts))}
	for _, p := range prompts {
		actions := make([]string, 0, len(p.Actions))
		for _, a := range p.Actions {
			actions = append(actions, a.Name)
		}
		out.Prompts = append(out.Prompts, PromptView{
			ID:        p.ID,
			Status:    string(p.Status),
			Content:   p.Content,
			Actions:   actions,
			Mutations: len(p.Mutations),
			CreatedAt: p.CreatedAt.Format(time.RFC3339),
		})
	}
	return nil, out, nil
}

type RenameWorldInput struct {
	WorldID string `json:"worldId" jsonschema:"world identifier"`
	Name    string `json:"name" jsonschema:"new world name"`
}

func (s *Server) renameWorld(ctx context.Context, _ *mcp.CallToolRequest, in RenameWorldInput) (*mcp.CallToolResult, game.World, error) {
	w, err := game.RenameWorld(ctx, s.cfg.Store, in.WorldID, in.Name)
	if err != nil {
		return nil, game.World{}, err
	}
	return nil, *w, nil
}

type SuggestInput struct {
	Theme  string `json:"theme" jsonschema:"theme of the world, such as cozy fantasy village"`
	APIKey string `json:"apiKey,omitempty" jsonschema:"model provider key; defaults to the server's key"`
}

type Suggestions struct {
	Suggestions []string `json:"suggestions"`
}

func (s *Server) suggestWorldNames(ctx context.Context, _ *mcp.CallToolRequest, in SuggestInput) (*mcp.CallToolResult, Suggestions, error) {
	gateway, err := s.cfg.Factory(s.apiKey(in.APIKey))
	if err != nil {
		return nil, Suggestions{}, err
	}
	names, err := suggest.WorldNames(ctx, gateway, in.Theme)
	if err != nil {
		return nil, Suggestions{}, err
	}
	return nil, Suggestions{Suggestions: names}, nil
}

type RecentInput struct {
	Limit int `json:"limit,omitempty" jsonschema:"how many completions to return, default 10"`
}

type CompletionView struct {
	ID           int    `json:"id"`
	Timestamp    string `json:"timestamp"`
	PromptID     string `json:"promptId"`
	Stage        string `json:"stage"`
	Model        string `json:"model"`
	ResponseTime string `json:"responseTime"`
	Response     string `json:"response"`
	Error        string `json:"error,omitempty"`
	Rating       int    `json:"rating,omitempty"`
}

type CompletionList struct {
	Completions []CompletionView `json:"completions"`
}

func (s *Server) recentCompletions(ctx context.Context, _ *mcp.CallToolRequest, in RecentInput) (*mcp.CallToolResult, CompletionList, error) {
	completions, err := s.cfg.Completions.GetRecentCompletions(ctx, in.Limit)
	if err != nil {
		return nil, CompletionList{}, fmt.Errorf("recent completions: %w", err)
	}

	out := CompletionList{Completions: make([]CompletionView, 0, len(completions))}
	for _, c := range completions {
		v := CompletionView{
			ID:           c.ID,
			Timestamp:    c.Timestamp.Format(time.RFC3339),
			PromptID:     c.PromptID,
			Stage:        c.Stage,
			Model:        c.Metadata.Model,
			ResponseTime: c.Metadata.ResponseTime.String(),
			Response:     c.Response,
		}
		if c.Metadata.Error != nil {
			v.Error = *c.Metadata.Error
		}
		if c.Rating != nil {
			v.Rating = *c.Rating
		}
		out.Completions = append(out.Completions, v)
	}
	return nil, out, nil
}

type RateInput struct {
	ID     int    `json:"id" jsonschema:"completion id from recent_completions"`
	Rating int    `json:"rating" jsonschema:"1 (poor) to 5 (excellent)"`
	Notes  string `json:"notes,omitempty"`
}

type Rated struct {
	ID     int `json:"id"`
	Rating int `json:"rating"`
}

func (s *Server) rateCompletion(ctx context.Context, _ *mcp.CallToolRequest, in RateInput) (*mcp.CallToolResult, Rated, error) {
	if err := s.cfg.Completions.RateCompletion(ctx, in.ID, in.Rating, in.Notes); err != nil {
		return nil, Rated{}, err
	}
	return nil, Rated{ID: in.ID, Rating: in.Rating}, nil
}
