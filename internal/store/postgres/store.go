// Package postgres is a game.Store backed by PostgreSQL through pgx.
// Properties, mutation history and actions are stored as JSONB.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"worldsim/internal/game"
	"worldsim/internal/game/namematch"
)

// Schema is the DDL applied by [Store.Migrate].
const Schema = `
CREATE TABLE IF NOT EXISTS worlds (
    id         TEXT PRIMARY KEY,
    name       TEXT NOT NULL,
    time       TEXT NOT NULL DEFAULT '',
    creator_id TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS locations (
    id         TEXT PRIMARY KEY,
    world_id   TEXT NOT NULL REFERENCES worlds(id) ON DELETE CASCADE,
    name       TEXT NOT NULL,
    properties JSONB NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_locations_world ON locations(world_id);
CREATE TABLE IF NOT EXISTS characters (
    id          TEXT PRIMARY KEY,
    world_id    TEXT NOT NULL REFERENCES worlds(id) ON DELETE CASCADE,
    location_id TEXT NOT NULL REFERENCES locations(id),
    name        TEXT NOT NULL,
    pronouns    TEXT NOT NULL DEFAULT '',
    properties  JSONB NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_characters_world ON characters(world_id);
CREATE INDEX IF NOT EXISTS idx_characters_location ON characters(location_id);
CREATE TABLE IF NOT EXISTS prompts (
    seq          BIGSERIAL PRIMARY KEY,
    id           TEXT NOT NULL UNIQUE,
    character_id TEXT NOT NULL REFERENCES characters(id) ON DELETE CASCADE,
    content      TEXT NOT NULL DEFAULT '',
    status       TEXT NOT NULL,
    mutations    JSONB NOT NULL DEFAULT '[]',
    actions      JSONB NOT NULL DEFAULT '[]',
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_prompts_character ON prompts(character_id, seq);
`

// DB is satisfied by *pgxpool.Pool and *pgx.Conn.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

var _ game.Store = (*Store)(nil)

type Store struct {
	db    DB
	close func()
}

// New wraps db. Call [Store.Migrate] before first use.
func New(db DB) *Store {
	return &Store{db: db}
}

// Connect opens a connection pool for dsn and migrates the schema.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	s := &Store{db: pool, close: pool.Close}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the pool opened by Connect. It is a no-op for stores made
// with New.
func (s *Store) Close() {
	if s.close != nil {
		s.close()
	}
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

func notFound(kind, id string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", kind, id, game.ErrNotFound)
	}
	return fmt.Errorf("postgres: get %s %s: %w", kind, id, err)
}

func decodeProperties(raw []byte) (map[string]string, error) {
	props := map[string]string{}
	if len(raw) == 0 {
		return props, nil
	}
	if err := json.Unmarshal(raw, &props); err != nil {
		return nil, fmt.Errorf("postgres: unmarshal properties: %w", err)
	}
	return props, nil
}

func isForeignKeyError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

// --- worlds ---

func (s *Store) GetWorld(ctx context.Context, id string) (*game.World, error) {
	var w game.World
	err := s.db.QueryRow(ctx,
		`SELECT id, name, time, creator_id FROM worlds WHERE id = $1`, id,
	).Scan(&w.ID, &w.Name, &w.Time, &w.CreatorID)
	if err != nil {
		return nil, notFound("world", id, err)
	}
	return &w, nil
}

func (s *Store) InsertWorld(ctx context.Context, w *game.World) error {
	if w.Name == "" {
		return fmt.Errorf("%w: world name is required", game.ErrInvalidInput)
	}
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO worlds (id, name, time, creator_id) VALUES ($1, $2, $3, $4)`,
		w.ID, w.Name, w.Time, w.CreatorID)
	if err != nil {
		return fmt.Errorf("postgres: insert world: %w", err)
	}
	return nil
}

func (s *Store) PatchWorld(ctx context.Context, id string, patch game.WorldPatch) error {
	var u update
	if patch.Name != nil {
		u.set("name", *patch.Name)
	}
	if patch.Time != nil {
		u.set("time", *patch.Time)
	}
	return s.exec(ctx, "worlds", id, u)
}

func (s *Store) DeleteWorld(ctx context.Context, id string) error {
	return s.delete(ctx, "worlds", id)
}

func (s *Store) ListWorlds(ctx context.Context, creatorID string) ([]game.World, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, name, time, creator_id FROM worlds WHERE $1 = '' OR creator_id = $1 ORDER BY name, id`,
		creatorID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list worlds: %w", err)
	}
	defer rows.Close()

	var out []game.World
	for rows.Next() {
		var w game.World
		if err := rows.Scan(&w.ID, &w.Name, &w.Time, &w.CreatorID); err != nil {
			return nil, fmt.Errorf("postgres: scan world: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// --- locations ---

func scanLocation(row pgx.Row) (game.Location, error) {
	var (
		l     game.Location
		props []byte
	)
	if err := row.Scan(&l.ID, &l.WorldID, &l.Name, &props); err != nil {
		return l, err
	}
	var err error
	l.Properties, err = decodeProperties(props)
	return l, err
}

func (s *Store) GetLocation(ctx context.Context, id string) (*game.Location, error) {
	l, err := scanLocation(s.db.QueryRow(ctx,
		`SELECT id, world_id, name, properties FROM locations WHERE id = $1`, id))
	if err != nil {
		return nil, notFound("location", id, err)
	}
	return &l, nil
}

func (s *Store) InsertLocation(ctx context.Context, l *game.Location) error {
	if err := game.ValidateLocation(l); err != nil {
		return err
	}
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	l.Properties = game.CloneProperties(l.Properties)
	props, err := json.Marshal(l.Properties)
	if err != nil {
		return fmt.Errorf("postgres: marshal properties: %w", err)
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO locations (id, world_id, name, properties) VALUES ($1, $2, $3, $4)`,
		l.ID, l.WorldID, l.Name, props)
	if err != nil {
		if isForeignKeyError(err) {
			return fmt.Errorf("%w: world %s does not exist", game.ErrInvalidInput, l.WorldID)
		}
		return fmt.Errorf("postgres: insert location: %w", err)
	}
	return nil
}

func (s *Store) PatchLocation(ctx context.Context, id string, patch game.LocationPatch) error {
	var u update
	if patch.Name != nil {
		u.set("name", *patch.Name)
	}
	if patch.Properties != nil {
		props, err := json.Marshal(patch.Properties)
		if err != nil {
			return fmt.Errorf("postgres: marshal properties: %w", err)
		}
		u.set("properties", props)
	}
	return s.exec(ctx, "locations", id, u)
}

func (s *Store) DeleteLocation(ctx context.Context, id string) error {
	return s.delete(ctx, "locations", id)
}

func (s *Store) ListLocations(ctx context.Context, worldID string) ([]game.Location, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, world_id, name, properties FROM locations WHERE world_id = $1 ORDER BY name, id`, worldID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list locations: %w", err)
	}
	defer rows.Close()

	var out []game.Location
	for rows.Next() {
		l, err := scanLocation(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan location: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Store) SearchLocations(ctx context.Context, worldID, name string) (*game.Location, error) {
	locs, err := s.ListLocations(ctx, worldID)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(locs))
	for i, l := range locs {
		names[i] = l.Name
	}
	i, ok := namematch.Best(name, names)
	if !ok {
		return nil, fmt.Errorf("location %q: %w", name, game.ErrNotFound)
	}
	return &locs[i], nil
}

// --- characters ---

const characterColumns = `id, world_id, location_id, name, pronouns, properties`

func scanCharacter(row pgx.Row) (game.Character, error) {
	var (
		c     game.Character
		props []byte
	)
	if err := row.Scan(&c.ID, &c.WorldID, &c.LocationID, &c.Name, &c.Pronouns, &props); err != nil {
		return c, err
	}
	var err error
	c.Properties, err = decodeProperties(props)
	return c, err
}

func (s *Store) GetCharacter(ctx context.Context, id string) (*game.Character, error) {
	c, err := scanCharacter(s.db.QueryRow(ctx,
		`SELECT `+characterColumns+` FROM characters WHERE id = $1`, id))
	if err != nil {
		return nil, notFound("character", id, err)
	}
	return &c, nil
}

func (s *Store) InsertCharacter(ctx context.Context, c *game.Character) error {
	if err := game.ValidateCharacter(c); err != nil {
		return err
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.Properties = game.CloneProperties(c.Properties)
	props, err := json.Marshal(c.Properties)
	if err != nil {
		return fmt.Errorf("postgres: marshal properties: %w", err)
	}
	tag, err := s.db.Exec(ctx, `
		INSERT INTO characters (id, world_id, location_id, name, pronouns, properties)
		SELECT $1, $2, $3, $4, $5, $6
		WHERE EXISTS (SELECT 1 FROM locations WHERE id = $3 AND world_id = $2)`,
		c.ID, c.WorldID, c.LocationID, c.Name, c.Pronouns, props)
	if err != nil {
		return fmt.Errorf("postgres: insert character: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: location %s is not in world %s", game.ErrInvalidInput, c.LocationID, c.WorldID)
	}
	return nil
}

func (s *Store) PatchCharacter(ctx context.Context, id string, patch game.CharacterPatch) error {
	var u update
	if patch.Name != nil {
		u.set("name", *patch.Name)
	}
	if patch.Pronouns != nil {
		u.set("pronouns", *patch.Pronouns)
	}
	if patch.Properties != nil {
		props, err := json.Marshal(patch.Properties)
		if err != nil {
			return fmt.Errorf("postgres: marshal properties: %w", err)
		}
		u.set("properties", props)
	}
	if patch.LocationID == nil {
		return s.exec(ctx, "characters", id, u)
	}

	u.set("location_id", *patch.LocationID)
	locArg := len(u.args)
	u.args = append(u.args, id)
	query := fmt.Sprintf(`UPDATE characters SET %s WHERE id = $%d
		AND EXISTS (SELECT 1 FROM locations l WHERE l.id = $%d AND l.world_id = characters.world_id)`,
		u.clause(), len(u.args), locArg)
	tag, err := s.db.Exec(ctx, query, u.args...)
	if err != nil {
		return fmt.Errorf("postgres: patch character %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetCharacter(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: location %s is not in the character's world", game.ErrInvalidInput, *patch.LocationID)
	}
	return nil
}

func (s *Store) DeleteCharacter(ctx context.Context, id string) error {
	return s.delete(ctx, "characters", id)
}

func (s *Store) ListCharacters(ctx context.Context, worldID string) ([]game.Character, error) {
	return s.listCharacters(ctx, "world_id", worldID)
}

func (s *Store) ListCharactersAt(ctx context.Context, locationID string) ([]game.Character, error) {
	return s.listCharacters(ctx, "location_id", locationID)
}

func (s *Store) listCharacters(ctx context.Context, column, value string) ([]game.Character, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+characterColumns+` FROM characters WHERE `+column+` = $1 ORDER BY name, id`, value)
	if err != nil {
		return nil, fmt.Errorf("postgres: list characters: %w", err)
	}
	defer rows.Close()

	var out []game.Character
	for rows.Next() {
		c, err := scanCharacter(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan character: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) SearchCharacters(ctx context.Context, worldID, name string) (*game.Character, error) {
	chars, err := s.ListCharacters(ctx, worldID)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(chars))
	for i, c := range chars {
		names[i] = c.Name
	}
	i, ok := namematch.Best(name, names)
	if !ok {
		return nil, fmt.Errorf("character %q: %w", name, game.ErrNotFound)
	}
	return &chars[i], nil
}

// --- prompts ---

const promptColumns = `id, character_id, content, status, mutations, actions, created_at, updated_at`

func scanPrompt(row pgx.Row) (game.Prompt, error) {
	var (
		p                  game.Prompt
		status             string
		mutations, actions []byte
	)
	if err := row.Scan(&p.ID, &p.CharacterID, &p.Content, &status, &mutations, &actions, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return p, err
	}
	p.Status = game.PromptStatus(status)
	p.Mutations = []game.AppliedMutation{}
	p.Actions = []game.Action{}
	if len(mutations) > 0 {
		if err := json.Unmarshal(mutations, &p.Mutations); err != nil {
			return p, fmt.Errorf("postgres: unmarshal mutations: %w", err)
		}
	}
	if len(actions) > 0 {
		if err := json.Unmarshal(actions, &p.Actions); err != nil {
			return p, fmt.Errorf("postgres: unmarshal actions: %w", err)
		}
	}
	return p, nil
}

func (s *Store) GetPrompt(ctx context.Context, id string) (*game.Prompt, error) {
	p, err := scanPrompt(s.db.QueryRow(ctx,
		`SELECT `+promptColumns+` FROM prompts WHERE id = $1`, id))
	if err != nil {
		return nil, notFound("prompt", id, err)
	}
	return &p, nil
}

// InsertPromptIfLatest guards the insert with the character's newest prompt
// id in a single statement.
func (s *Store) InsertPromptIfLatest(ctx context.Context, p *game.Prompt, expectedLatestID string) error {
	if p.CharacterID == "" {
		return fmt.Errorf("%w: prompt character id is required", game.ErrInvalidInput)
	}
	if !p.Status.Valid() {
		return fmt.Errorf("%w: prompt status %q", game.ErrInvalidInput, p.Status)
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
	mutations, err := json.Marshal(p.Mutations)
	if err != nil {
		return fmt.Errorf("postgres: marshal mutations: %w", err)
	}
	actions, err := json.Marshal(p.Actions)
	if err != nil {
		return fmt.Errorf("postgres: marshal actions: %w", err)
	}

	const query = `
		INSERT INTO prompts (id, character_id, content, status, mutations, actions)
		SELECT $1, $2, $3, $4, $5, $6
		WHERE COALESCE((SELECT id FROM prompts WHERE character_id = $2 ORDER BY seq DESC LIMIT 1), '') = $7
		RETURNING created_at, updated_at`
	err = s.db.QueryRow(ctx, query,
		p.ID, p.CharacterID, p.Content, string(p.Status), mutations, actions, expectedLatestID,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: latest prompt for %s is no longer %q", game.ErrStatusConflict, p.CharacterID, expectedLatestID)
		}
		if isForeignKeyError(err) {
			return fmt.Errorf("character %s: %w", p.CharacterID, game.ErrNotFound)
		}
		return fmt.Errorf("postgres: insert prompt: %w", err)
	}
	return nil
}

func (s *Store) PatchPrompt(ctx context.Context, id string, patch game.PromptPatch) error {
	var u update
	if patch.Content != nil {
		u.set("content", *patch.Content)
	}
	if patch.Mutations != nil {
		v, err := json.Marshal(patch.Mutations)
		if err != nil {
			return fmt.Errorf("postgres: marshal mutations: %w", err)
		}
		u.set("mutations", v)
	}
	if patch.Actions != nil {
		v, err := json.Marshal(patch.Actions)
		if err != nil {
			return fmt.Errorf("postgres: marshal actions: %w", err)
		}
		u.set("actions", v)
	}
	u.raw("updated_at = now()")
	return s.exec(ctx, "prompts", id, u)
}

func (s *Store) TransitionPrompt(ctx context.Context, id string, from, to game.PromptStatus) error {
	if err := game.CheckTransition(from, to); err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE prompts SET status = $1, updated_at = now() WHERE id = $2 AND status = $3`,
		string(to), id, string(from))
	if err != nil {
		return fmt.Errorf("postgres: transition prompt %s: %w", id, err)
	}
	return s.conditional(ctx, tag, id)
}

func (s *Store) ReclaimPrompt(ctx context.Context, id string, staleBefore time.Time) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE prompts SET updated_at = now() WHERE id = $1 AND status = $2 AND updated_at < $3`,
		id, string(game.StatusPending), staleBefore)
	if err != nil {
		return fmt.Errorf("postgres: reclaim prompt %s: %w", id, err)
	}
	return s.conditional(ctx, tag, id)
}

func (s *Store) conditional(ctx context.Context, tag pgconn.CommandTag, id string) error {
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := s.GetPrompt(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: prompt %s", game.ErrStatusConflict, id)
}

func (s *Store) DeletePrompt(ctx context.Context, id string) error {
	return s.delete(ctx, "prompts", id)
}

func (s *Store) ListPrompts(ctx context.Context, characterID string) ([]game.Prompt, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+promptColumns+` FROM prompts WHERE character_id = $1 ORDER BY seq`, characterID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list prompts: %w", err)
	}
	defer rows.Close()

	var out []game.Prompt
	for rows.Next() {
		p, err := scanPrompt(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan prompt: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) LatestPrompt(ctx context.Context, characterID string) (*game.Prompt, error) {
	p, err := scanPrompt(s.db.QueryRow(ctx,
		`SELECT `+promptColumns+` FROM prompts WHERE character_id = $1 ORDER BY seq DESC LIMIT 1`, characterID))
	if err != nil {
		return nil, notFound("latest prompt for", characterID, err)
	}
	return &p, nil
}

// --- shared ---

// update builds a numbered SET clause.
type update struct {
	cols []string
	args []any
}

func (u *update) set(col string, v any) {
	u.args = append(u.args, v)
	u.cols = append(u.cols, fmt.Sprintf("%s = $%d", col, len(u.args)))
}

func (u *update) raw(expr string) {
	u.cols = append(u.cols, expr)
}

func (u *update) clause() string {
	return strings.Join(u.cols, ", ")
}

func (s *Store) exec(ctx context.Context, table, id string, u update) error {
	kind := strings.TrimSuffix(table, "s")
	if len(u.cols) == 0 {
		var one int
		if err := s.db.QueryRow(ctx, `SELECT 1 FROM `+table+` WHERE id = $1`, id).Scan(&one); err != nil {
			return notFound(kind, id, err)
		}
		return nil
	}
	args := append(u.args, id)
	query := fmt.Sprintf(`UPDATE %s SET %s WHERE id = $%d`, table, u.clause(), len(args))
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("postgres: patch %s %s: %w", kind, id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, game.ErrNotFound)
	}
	return nil
}

func (s *Store) delete(ctx context.Context, table, id string) error {
	kind := strings.TrimSuffix(table, "s")
	tag, err := s.db.Exec(ctx, `DELETE FROM `+table+` WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete %s %s: %w", kind, id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, game.ErrNotFound)
	}
	return nil
}
