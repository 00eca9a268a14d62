package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"worldsim/internal/game"
)

// ---------------------------------------------------------------------------
// mock DB types
// ---------------------------------------------------------------------------

type mockRow struct {
	scanFunc func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error { return r.scanFunc(dest...) }

type mockRows struct {
	data [][]any
	idx  int
}

func (r *mockRows) Close()                                       {}
func (r *mockRows) Err() error                                   { return nil }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }
func (r *mockRows) Values() ([]any, error)                       { return nil, nil }

func (r *mockRows) Next() bool {
	if r.idx >= len(r.data) {
		return false
	}
	r.idx++
	return true
}

func (r *mockRows) Scan(dest ...any) error {
	return assign(r.data[r.idx-1], dest)
}

func assign(row []any, dest []any) error {
	if len(dest) != len(row) {
		return fmt.Errorf("scan: expected %d columns, got %d destinations", len(row), len(dest))
	}
	for i, v := range row {
		switch d := dest[i].(type) {
		case *string:
			*d = v.(string)
		case *[]byte:
			*d = v.([]byte)
		case *time.Time:
			*d = v.(time.Time)
		case *int:
			*d = v.(int)
		default:
			return fmt.Errorf("scan: unsupported type at index %d: %T", i, dest[i])
		}
	}
	return nil
}

type call struct {
	sql  string
	args []any
}

type mockDB struct {
	calls        []call
	queryRowFunc func(sql string, args ...any) pgx.Row
	queryFunc    func(sql string, args ...any) (pgx.Rows, error)
	execFunc     func(sql string, args ...any) (pgconn.CommandTag, error)
}

func (m *mockDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	m.calls = append(m.calls, call{sql, args})
	if m.queryRowFunc != nil {
		return m.queryRowFunc(sql, args...)
	}
	return &mockRow{scanFunc: func(dest ...any) error { return pgx.ErrNoRows }}
}

func (m *mockDB) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	m.calls = append(m.calls, call{sql, args})
	if m.queryFunc != nil {
		return m.queryFunc(sql, args...)
	}
	return &mockRows{}, nil
}

func (m *mockDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	m.calls = append(m.calls, call{sql, args})
	if m.execFunc != nil {
		return m.execFunc(sql, args...)
	}
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

// ---------------------------------------------------------------------------
// tests
// ---------------------------------------------------------------------------

func TestMigrate(t *testing.T) {
	t.Parallel()
	db := &mockDB{}
	require.NoError(t, New(db).Migrate(context.Background()))
	require.Len(t, db.calls, 1)
	assert.Equal(t, Schema, db.calls[0].sql)

	db.execFunc = func(string, ...any) (pgconn.CommandTag, error) { return pgconn.CommandTag{}, errors.New("boom") }
	assert.ErrorContains(t, New(db).Migrate(context.Background()), "migrate")
}

func TestGetWorldNotFound(t *testing.T) {
	t.Parallel()
	_, err := New(&mockDB{}).GetWorld(context.Background(), "w1")
	assert.ErrorIs(t, err, game.ErrNotFound)
}

func TestPatchWorldNumbersPlaceholders(t *testing.T) {
	t.Parallel()
	db := &mockDB{}
	name, clock := "Eldermere", "Dusk"

	require.NoError(t, New(db).PatchWorld(context.Background(), "w1", game.WorldPatch{Name: &name, Time: &clock}))
	require.Len(t, db.calls, 1)
	assert.Equal(t, "UPDATE worlds SET name = $1, time = $2 WHERE id = $3", db.calls[0].sql)
	assert.Equal(t, []any{"Eldermere", "Dusk", "w1"}, db.calls[0].args)
}

func TestPatchMissingRowIsNotFound(t *testing.T) {
	t.Parallel()
	db := &mockDB{execFunc: func(string, ...any) (pgconn.CommandTag, error) {
		return pgconn.NewCommandTag("UPDATE 0"), nil
	}}
	clock := "Dusk"
	err := New(db).PatchWorld(context.Background(), "w1", game.WorldPatch{Time: &clock})
	assert.ErrorIs(t, err, game.ErrNotFound)
}

func TestInsertPromptIfLatestConflict(t *testing.T) {
	t.Parallel()
	db := &mockDB{}
	p := game.NewPrompt("c1")

	err := New(db).InsertPromptIfLatest(context.Background(), p, "p0")
	assert.ErrorIs(t, err, game.ErrStatusConflict)
	require.Len(t, db.calls, 1)
	assert.Contains(t, db.calls[0].sql, "ORDER BY seq DESC LIMIT 1")
	assert.Equal(t, "p0", db.calls[0].args[6])
	assert.Equal(t, "pending", db.calls[0].args[3])
}

func TestInsertPromptIfLatestSuccess(t *testing.T) {
	t.Parallel()
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	db := &mockDB{queryRowFunc: func(string, ...any) pgx.Row {
		return &mockRow{scanFunc: func(dest ...any) error {
			return assign([]any{created, created}, dest)
		}}
	}}
	p := game.NewPrompt("c1")

	require.NoError(t, New(db).InsertPromptIfLatest(context.Background(), p, ""))
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, created, p.CreatedAt)
}

func TestTransitionPrompt(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("rejects lifecycle violations without touching the db", func(t *testing.T) {
		db := &mockDB{}
		err := New(db).TransitionPrompt(ctx, "p1", game.StatusSuccess, game.StatusFailure)
		assert.ErrorIs(t, err, game.ErrInvalidTransition)
		assert.Empty(t, db.calls)
	})

	t.Run("conditional on prior status", func(t *testing.T) {
		db := &mockDB{}
		require.NoError(t, New(db).TransitionPrompt(ctx, "p1", game.StatusFailure, game.StatusPending))
		assert.True(t, strings.HasSuffix(db.calls[0].sql, "AND status = $3"))
		assert.Equal(t, []any{"pending", "p1", "failure"}, db.calls[0].args)
	})

	t.Run("missing prompt", func(t *testing.T) {
		db := &mockDB{execFunc: func(string, ...any) (pgconn.CommandTag, error) {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		}}
		err := New(db).TransitionPrompt(ctx, "p1", game.StatusPending, game.StatusSuccess)
		assert.ErrorIs(t, err, game.ErrNotFound)
	})
}

func TestSearchLocations(t *testing.T) {
	t.Parallel()
	db := &mockDB{queryFunc: func(string, ...any) (pgx.Rows, error) {
		return &mockRows{data: [][]any{
			{"l1", "w1", "Allison's Bedroom", []byte(`{"lighting":"dim"}`)},
			{"l2", "w1", "The Garden", []byte(`{}`)},
		}}, nil
	}}

	got, err := New(db).SearchLocations(context.Background(), "w1", "the garden")
	require.NoError(t, err)
	assert.Equal(t, "l2", got.ID)
	assert.NotNil(t, got.Properties)

	_, err = New(db).SearchLocations(context.Background(), "w1", "Oakhaven")
	assert.ErrorIs(t, err, game.ErrNotFound)
}

func TestInsertCharacterOutsideWorld(t *testing.T) {
	t.Parallel()
	db := &mockDB{execFunc: func(string, ...any) (pgconn.CommandTag, error) {
		return pgconn.NewCommandTag("INSERT 0 0"), nil
	}}
	err := New(db).InsertCharacter(context.Background(), &game.Character{WorldID: "w1", LocationID: "l9", Name: "Liliac"})
	assert.ErrorIs(t, err, game.ErrInvalidInput)
}
