package logging

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Completion is one recorded model call.
type Completion struct {
	ID        int       `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	PromptID  string    `json:"prompt_id"`
	// Stage is the pipeline step that made the call: narration, extraction, suggest_names.
	Stage    string             `json:"stage"`
	Messages string             `json:"messages"`
	Response string             `json:"response"`
	Metadata CompletionMetadata `json:"metadata"`
	Rating   *int               `json:"rating,omitempty"`
	Notes    *string            `json:"notes,omitempty"`
}

type CompletionMetadata struct {
	Model         string        `json:"model"`
	MaxTokens     int           `json:"max_tokens"`
	ResponseTime  time.Duration `json:"response_time_ms"`
	StreamingUsed bool          `json:"streaming_used"`
	Error         *string       `json:"error,omitempty"`
}

// CompletionLogger stores completions in a local SQLite file for later review.
// A nil *CompletionLogger drops everything.
type CompletionLogger struct {
	db  *sql.DB
	now func() time.Time
}

// DefaultPath is where completions land when no path is configured.
const DefaultPath = "./completions.db"

func NewCompletionLogger(path string) (*CompletionLogger, error) {
	if path == "" {
		path = DefaultPath
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	logger := &CompletionLogger{db: db, now: time.Now}
	if err := logger.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return logger, nil
}

func (cl *CompletionLogger) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS completions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp INTEGER NOT NULL,
		prompt_id TEXT NOT NULL DEFAULT '',
		stage TEXT NOT NULL,
		messages TEXT NOT NULL,
		response TEXT NOT NULL,
		metadata TEXT NOT NULL,
		rating INTEGER,
		notes TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_completions_timestamp ON completions(timestamp);
	CREATE INDEX IF NOT EXISTS idx_completions_prompt ON completions(prompt_id);
	CREATE INDEX IF NOT EXISTS idx_completions_rating ON completions(rating);
	`

	_, err := cl.db.Exec(schema)
	return err
}

// LogCompletion records one call. messages is marshalled to JSON as-is.
func (cl *CompletionLogger) LogCompletion(ctx context.Context, promptID, stage string, messages any, response string, metadata CompletionMetadata) error {
	if cl == nil {
		return nil
	}
	messagesJSON, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("failed to marshal messages: %w", err)
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	_, err = cl.db.ExecContext(ctx, `
		INSERT INTO completions (timestamp, prompt_id, stage, messages, response, metadata)
		VALUES (?, ?, ?, ?, ?, ?)
	`, cl.now().UnixMilli(), promptID, stage, string(messagesJSON), response, string(metadataJSON))
	return err
}

// GetRecentCompletions returns the newest completions first.
func (cl *CompletionLogger) GetRecentCompletions(ctx context.Context, limit int) ([]Completion, error) {
	if cl == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}
	rows, err := cl.db.QueryContext(ctx, `
		SELECT id, timestamp, prompt_id, stage, messages, response, metadata, rating, notes
		FROM completions
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var completions []Completion
	for rows.Next() {
		var (
			c        Completion
			ts       int64
			metadata string
			rating   sql.NullInt64
			notes    sql.NullString
		)
		if err := rows.Scan(&c.ID, &ts, &c.PromptID, &c.Stage, &c.Messages, &c.Response, &metadata, &rating, &notes); err != nil {
			return nil, err
		}
		c.Timestamp = time.UnixMilli(ts).UTC()
		if err := json.Unmarshal([]byte(metadata), &c.Metadata); err != nil {
			return nil, fmt.Errorf("completion %d: decode metadata: %w", c.ID, err)
		}
		if rating.Valid {
			r := int(rating.Int64)
			c.Rating = &r
		}
		if notes.Valid {
			c.Notes = &notes.String
		}
		completions = append(completions, c)
	}

	return completions, rows.Err()
}

// RateCompletion attaches a 1-5 rating and free-form notes to a completion.
func (cl *CompletionLogger) RateCompletion(ctx context.Context, id, rating int, notes string) error {
	if cl == nil {
		return errors.New("completion log is disabled")
	}
	if rating < 1 || rating > 5 {
		return fmt.Errorf("rating must be between 1 and 5, got %d", rating)
	}
	res, err := cl.db.ExecContext(ctx, `UPDATE completions SET rating = ?, notes = ? WHERE id = ?`, rating, notes, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("completion %d not found", id)
	}
	return nil
}

func (cl *CompletionLogger) Close() error {
	if cl == nil {
		return nil
	}
	return cl.db.Close()
}
