package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"worldsim/internal/game"
)

const promptColumns = `id, character_id, content, status, mutations, actions, created_at, updated_at`

// latestPromptID is a scalar subquery yielding the newest prompt id for the
// character bound to its single parameter, or ''.
const latestPromptID = `COALESCE((SELECT id FROM prompts WHERE character_id = ? ORDER BY seq DESC LIMIT 1), '')`

func scanPrompt(row interface{ Scan(...any) error }) (game.Prompt, error) {
	var (
		p                  game.Prompt
		status             string
		mutations, actions string
		created, updated   int64
	)
	if err := row.Scan(&p.ID, &p.CharacterID, &p.Content, &status, &mutations, &actions, &created, &updated); err != nil {
		return p, err
	}
	p.Status = game.PromptStatus(status)
	p.CreatedAt = fromMillis(created)
	p.UpdatedAt = fromMillis(updated)
	p.Mutations = []game.AppliedMutation{}
	p.Actions = []game.Action{}
	if err := json.Unmarshal([]byte(mutations), &p.Mutations); err != nil {
		return p, fmt.Errorf("unmarshal mutations: %w", err)
	}
	if err := json.Unmarshal([]byte(actions), &p.Actions); err != nil {
		return p, fmt.Errorf("unmarshal actions: %w", err)
	}
	return p, nil
}

func (s *Store) GetPrompt(ctx context.Context, id string) (*game.Prompt, error) {
	p, err := scanPrompt(s.db.QueryRowContext(ctx,
		`SELECT `+promptColumns+` FROM prompts WHERE id = ?`, id))
	if err != nil {
		return nil, notFound("prompt", id, err)
	}
	return &p, nil
}

func (s *Store) InsertPromptIfLatest(ctx context.Context, p *game.Prompt, expectedLatestID string) error {
	if p.CharacterID == "" {
		return fmt.Errorf("%w: prompt character id is required", game.ErrInvalidInput)
	}
	if !p.Status.Valid() {
		return fmt.Errorf("%w: prompt status %q", game.ErrInvalidInput, p.Status)
	}
	if _, err := s.GetCharacter(ctx, p.CharacterID); err != nil {
		return err
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Mutations == nil {
		p.Mutations = []game.AppliedMutation{}
	}
	if p.Actions == nil {
		p.Actions = []game.Action{}
	}
	mutations, err := encodeJSON(p.Mutations)
	if err != nil {
		return fmt.Errorf("marshal mutations: %w", err)
	}
	actions, err := encodeJSON(p.Actions)
	if err != nil {
		return fmt.Errorf("marshal actions: %w", err)
	}
	now := s.now()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO prompts (id, character_id, content, status, mutations, actions, created_at, updated_at)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?
		WHERE `+latestPromptID+` = ?`,
		p.ID, p.CharacterID, p.Content, string(p.Status), mutations, actions, toMillis(now), toMillis(now),
		p.CharacterID, expectedLatestID)
	if err != nil {
		return fmt.Errorf("insert prompt: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: latest prompt for %s is no longer %q", game.ErrStatusConflict, p.CharacterID, expectedLatestID)
	}
	p.CreatedAt, p.UpdatedAt = fromMillis(toMillis(now)), fromMillis(toMillis(now))
	return nil
}

func (s *Store) PatchPrompt(ctx context.Context, id string, patch game.PromptPatch) error {
	var u update
	if patch.Content != nil {
		u.set("content", *patch.Content)
	}
	if patch.Mutations != nil {
		v, err := encodeJSON(patch.Mutations)
		if err != nil {
			return fmt.Errorf("marshal mutations: %w", err)
		}
		u.set("mutations", v)
	}
	if patch.Actions != nil {
		v, err := encodeJSON(patch.Actions)
		if err != nil {
			return fmt.Errorf("marshal actions: %w", err)
		}
		u.set("actions", v)
	}
	u.set("updated_at", toMillis(s.now()))
	return s.exec(ctx, "prompts", id, u)
}

func (s *Store) TransitionPrompt(ctx context.Context, id string, from, to game.PromptStatus) error {
	if err := game.CheckTransition(from, to); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE prompts SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), toMillis(s.now()), id, string(from))
	if err != nil {
		return fmt.Errorf("transition prompt %s: %w", id, err)
	}
	return s.conditional(ctx, res, id)
}

func (s *Store) ReclaimPrompt(ctx context.Context, id string, staleBefore time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE prompts SET updated_at = ? WHERE id = ? AND status = ? AND updated_at < ?`,
		toMillis(s.now()), id, string(game.StatusPending), toMillis(staleBefore))
	if err != nil {
		return fmt.Errorf("reclaim prompt %s: %w", id, err)
	}
	return s.conditional(ctx, res, id)
}

// conditional maps a zero-row conditional update to ErrNotFound or
// ErrStatusConflict.
func (s *Store) conditional(ctx context.Context, res interface{ RowsAffected() (int64, error) }, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := s.GetPrompt(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: prompt %s", game.ErrStatusConflict, id)
}

func (s *Store) DeletePrompt(ctx context.Context, id string) error {
	return s.delete(ctx, "prompts", "prompt", id)
}

func (s *Store) ListPrompts(ctx context.Context, characterID string) ([]game.Prompt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+promptColumns+` FROM prompts WHERE character_id = ? ORDER BY seq`, characterID)
	if err != nil {
		return nil, fmt.Errorf("list prompts: %w", err)
	}
	defer rows.Close()

	var out []game.Prompt
	for rows.Next() {
		p, err := scanPrompt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) LatestPrompt(ctx context.Context, characterID string) (*game.Prompt, error) {
	p, err := scanPrompt(s.db.QueryRowContext(ctx,
		`SELECT `+promptColumns+` FROM prompts WHERE character_id = ? ORDER BY seq DESC LIMIT 1`, characterID))
	if err != nil {
		return nil, notFound("latest prompt for", characterID, err)
	}
	return &p, nil
}
