package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/coppermind/turnstile/pkg/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	thread_id    TEXT PRIMARY KEY,
	context_id   TEXT NOT NULL DEFAULT '',
	task_id      TEXT NOT NULL DEFAULT '',
	auto_approve INTEGER NOT NULL DEFAULT 0,
	always_allow TEXT NOT NULL DEFAULT '[]',
	updated_at   TIMESTAMP NOT NULL
);
`

// SQLiteStore persists session snapshots in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if necessary) the database at path and
// ensures the schema exists. Use ":memory:" for an ephemeral database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite: path is required")
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// under concurrent persists.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Restore loads every persisted session snapshot.
func (s *SQLiteStore) Restore(ctx context.Context) ([]models.SessionState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT thread_id, context_id, task_id, auto_approve, always_allow, updated_at FROM sessions`)
	if err != nil {
		return nil, fmt.Errorf("sqlite restore: %w", err)
	}
	defer rows.Close()

	var out []models.SessionState
	for rows.Next() {
		var (
			state       models.SessionState
			autoApprove int
			allowJSON   string
		)
		if err := rows.Scan(&state.ThreadID, &state.ContextID, &state.TaskID,
			&autoApprove, &allowJSON, &state.UpdatedAt); err != nil {
			return nil, fmt.Errorf("sqlite scan: %w", err)
		}
		state.AutoApprove = autoApprove != 0
		if err := json.Unmarshal([]byte(allowJSON), &state.AlwaysAllow); err != nil {
			return nil, fmt.Errorf("sqlite decode always_allow for %s: %w", state.ThreadID, err)
		}
		out = append(out, state)
	}
	return out, rows.Err()
}

// Persist upserts one session snapshot.
func (s *SQLiteStore) Persist(ctx context.Context, state models.SessionState) error {
	if state.ThreadID == "" {
		return fmt.Errorf("sqlite persist: thread id is required")
	}

	allow := state.AlwaysAllow
	if allow == nil {
		allow = []string{}
	}
	allowJSON, err := json.Marshal(allow)
	if err != nil {
		return fmt.Errorf("sqlite encode always_allow: %w", err)
	}

	autoApprove := 0
	if state.AutoApprove {
		autoApprove = 1
	}
	updatedAt := state.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (thread_id, context_id, task_id, auto_approve, always_allow, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET
			context_id = excluded.context_id,
			task_id = excluded.task_id,
			auto_approve = excluded.auto_approve,
			always_allow = excluded.always_allow,
			updated_at = excluded.updated_at`,
		state.ThreadID, state.ContextID, state.TaskID, autoApprove, string(allowJSON), updatedAt)
	if err != nil {
		return fmt.Errorf("sqlite persist: %w", err)
	}
	return nil
}

// Delete removes the snapshot for a thread.
func (s *SQLiteStore) Delete(ctx context.Context, threadID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("sqlite delete: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
