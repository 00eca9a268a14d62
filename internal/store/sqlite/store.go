// Package sqlite is a game.Store on a local SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"worldsim/internal/game"
	"worldsim/internal/game/namematch"
)

var _ game.Store = (*Store)(nil)

const schema = `
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
	properties TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_locations_world ON locations(world_id);

CREATE TABLE IF NOT EXISTS characters (
	id          TEXT PRIMARY KEY,
	world_id    TEXT NOT NULL REFERENCES worlds(id) ON DELETE CASCADE,
	location_id TEXT NOT NULL REFERENCES locations(id),
	name        TEXT NOT NULL,
	pronouns    TEXT NOT NULL DEFAULT '',
	properties  TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_characters_world ON characters(world_id);
CREATE INDEX IF NOT EXISTS idx_characters_location ON characters(location_id);

CREATE TABLE IF NOT EXISTS prompts (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	id           TEXT NOT NULL UNIQUE,
	character_id TEXT NOT NULL REFERENCES characters(id) ON DELETE CASCADE,
	content      TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL,
	mutations    TEXT NOT NULL DEFAULT '[]',
	actions      TEXT NOT NULL DEFAULT '[]',
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_prompts_character ON prompts(character_id, seq);
`

type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the database at path and applies the
// schema. ":memory:" is accepted for throwaway stores.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := path
	if path != ":memory:" {
		dsn = filepath.Clean(path)
	}
	dsn += "?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000&_synchronous=NORMAL"

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer keeps conditional inserts serialised and makes :memory: work.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeProperties(raw string) (map[string]string, error) {
	props := map[string]string{}
	if strings.TrimSpace(raw) == "" {
		return props, nil
	}
	if err := json.Unmarshal([]byte(raw), &props); err != nil {
		return nil, fmt.Errorf("unmarshal properties: %w", err)
	}
	return props, nil
}

func notFound(kind, id string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", kind, id, game.ErrNotFound)
	}
	return fmt.Errorf("get %s %s: %w", kind, id, err)
}

func affected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, game.ErrNotFound)
	}
	return nil
}

// --- worlds ---

func (s *Store) GetWorld(ctx context.Context, id string) (*game.World, error) {
	var w game.World
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, time, creator_id FROM worlds WHERE id = ?`, id,
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
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO worlds (id, name, time, creator_id) VALUES (?, ?, ?, ?)`,
		w.ID, w.Name, w.Time, w.CreatorID)
	if err != nil {
		return fmt.Errorf("insert world: %w", err)
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
	return s.delete(ctx, "worlds", "world", id)
}

func (s *Store) ListWorlds(ctx context.Context, creatorID string) ([]game.World, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, time, creator_id FROM worlds WHERE ? = '' OR creator_id = ? ORDER BY name, id`,
		creatorID, creatorID)
	if err != nil {
		return nil, fmt.Errorf("list worlds: %w", err)
	}
	defer rows.Close()

	var out []game.World
	for rows.Next() {
		var w game.World
		if err := rows.Scan(&w.ID, &w.Name, &w.Time, &w.CreatorID); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// --- locations ---

const locationColumns = `id, world_id, name, properties`

func scanLocation(row interface{ Scan(...any) error }) (game.Location, error) {
	var (
		l     game.Location
		props string
	)
	if err := row.Scan(&l.ID, &l.WorldID, &l.Name, &props); err != nil {
		return l, err
	}
	var err error
	l.Properties, err = decodeProperties(props)
	return l, err
}

func (s *Store) GetLocation(ctx context.Context, id string) (*game.Location, error) {
	l, err := scanLocation(s.db.QueryRowContext(ctx,
		`SELECT `+locationColumns+` FROM locations WHERE id = ?`, id))
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
	props, err := encodeJSON(l.Properties)
	if err != nil {
		return fmt.Errorf("marshal properties: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO locations (id, world_id, name, properties)
		SELECT ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM worlds WHERE id = ?)`,
		l.ID, l.WorldID, l.Name, props, l.WorldID)
	if err != nil {
		return fmt.Errorf("insert location: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: world %s does not exist", game.ErrInvalidInput, l.WorldID)
	}
	return nil
}

func (s *Store) PatchLocation(ctx context.Context, id string, patch game.LocationPatch) error {
	var u update
	if patch.Name != nil {
		u.set("name", *patch.Name)
	}
	if patch.Properties != nil {
		props, err := encodeJSON(patch.Properties)
		if err != nil {
			return fmt.Errorf("marshal properties: %w", err)
		}
		u.set("properties", props)
	}
	return s.exec(ctx, "locations", id, u)
}

func (s *Store) DeleteLocation(ctx context.Context, id string) error {
	return s.delete(ctx, "locations", "location", id)
}

func (s *Store) ListLocations(ctx context.Context, worldID string) ([]game.Location, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+locationColumns+` FROM locations WHERE world_id = ? ORDER BY name, id`, worldID)
	if err != nil {
		return nil, fmt.Errorf("list locations: %w", err)
	}
	defer rows.Close()

	var out []game.Location
	for rows.Next() {
		l, err := scanLocation(rows)
		if err != nil {
			return nil, err
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

func scanCharacter(row interface{ Scan(...any) error }) (game.Character, error) {
	var (
		c     game.Character
		props string
	)
	if err := row.Scan(&c.ID, &c.WorldID, &c.LocationID, &c.Name, &c.Pronouns, &props); err != nil {
		return c, err
	}
	var err error
	c.Properties, err = decodeProperties(props)
	return c, err
}

func (s *Store) GetCharacter(ctx context.Context, id string) (*game.Character, error) {
	c, err := scanCharacter(s.db.QueryRowContext(ctx,
		`SELECT `+characterColumns+` FROM characters WHERE id = ?`, id))
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
	props, err := encodeJSON(c.Properties)
	if err != nil {
		return fmt.Errorf("marshal properties: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO characters (id, world_id, location_id, name, pronouns, properties)
		SELECT ?, ?, ?, ?, ?, ?
		WHERE EXISTS (SELECT 1 FROM locations WHERE id = ? AND world_id = ?)`,
		c.ID, c.WorldID, c.LocationID, c.Name, c.Pronouns, props, c.LocationID, c.WorldID)
	if err != nil {
		return fmt.Errorf("insert character: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
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
		props, err := encodeJSON(patch.Properties)
		if err != nil {
			return fmt.Errorf("marshal properties: %w", err)
		}
		u.set("properties", props)
	}
	if patch.LocationID == nil {
		return s.exec(ctx, "characters", id, u)
	}

	u.set("location_id", *patch.LocationID)
	query := `UPDATE characters SET ` + u.clause() + ` WHERE id = ?
		AND EXISTS (SELECT 1 FROM locations l WHERE l.id = ? AND l.world_id = characters.world_id)`
	args := append(u.args, id, *patch.LocationID)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("patch character %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetCharacter(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: location %s is not in the character's world", game.ErrInvalidInput, *patch.LocationID)
	}
	return nil
}

func (s *Store) DeleteCharacter(ctx context.Context, id string) error {
	return s.delete(ctx, "characters", "character", id)
}

func (s *Store) ListCharacters(ctx context.Context, worldID string) ([]game.Character, error) {
	return s.listCharacters(ctx, `world_id = ?`, worldID)
}

func (s *Store) ListCharactersAt(ctx context.Context, locationID string) ([]game.Character, error) {
	return s.listCharacters(ctx, `location_id = ?`, locationID)
}

func (s *Store) listCharacters(ctx context.Context, where string, arg string) ([]game.Character, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+characterColumns+` FROM characters WHERE `+where+` ORDER BY name, id`, arg)
	if err != nil {
		return nil, fmt.Errorf("list characters: %w", err)
	}
	defer rows.Close()

	var out []game.Character
	for rows.Next() {
		c, err := scanCharacter(rows)
		if err != nil {
			return nil, err
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

// --- shared ---

// update collects "column = ?" assignments for a partial UPDATE.
type update struct {
	cols []string
	args []any
}

func (u *update) set(col string, v any) {
	u.cols = append(u.cols, col+" = ?")
	u.args = append(u.args, v)
}

func (u *update) clause() string {
	return strings.Join(u.cols, ", ")
}

func (s *Store) exec(ctx context.Context, table, id string, u update) error {
	kind := strings.TrimSuffix(table, "s")
	if len(u.cols) == 0 {
		// Nothing to change; still report unknown ids.
		var one int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM `+table+` WHERE id = ?`, id).Scan(&one)
		if err != nil {
			return notFound(kind, id, err)
		}
		return nil
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE `+table+` SET `+u.clause()+` WHERE id = ?`, append(u.args, id)...)
	if err != nil {
		return fmt.Errorf("patch %s %s: %w", kind, id, err)
	}
	return affected(res, kind, id)
}

func (s *Store) delete(ctx context.Context, table, kind, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete %s %s: %w", kind, id, err)
	}
	return affected(res, kind, id)
}
