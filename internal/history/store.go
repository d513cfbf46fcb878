// Package history records the outcome of every attach attempt sequence
// and every exit of an attached server, so operators can see what a
// tool server did across restarts without trawling launch logs.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Outcome is the terminal result an Entry records.
type Outcome string

const (
	// OutcomeAttached means the handshake succeeded.
	OutcomeAttached Outcome = "attached"
	// OutcomeFailed means every attempt failed.
	OutcomeFailed Outcome = "failed"
	// OutcomeExited means an attached server's process ended.
	OutcomeExited Outcome = "exited"
)

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// DefaultLimit is used by Recent when limit is not positive.
const DefaultLimit = 50

// Entry is one recorded outcome.
type Entry struct {
	ID       string    `json:"id"`
	ServerID string    `json:"server_id"`
	Outcome  Outcome   `json:"outcome"`
	Attempt  int       `json:"attempt,omitempty"`
	LogPath  string    `json:"log_path,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	At       time.Time `json:"at"`
}

// Store persists attach history in SQLite. All public methods are safe
// for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// NewStore creates a history store on db, running migrations on first
// use. The caller owns db and picks the driver.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate history: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS attach_history (
			id         TEXT PRIMARY KEY,
			server_id  TEXT NOT NULL,
			outcome    TEXT NOT NULL,
			attempt    INTEGER NOT NULL DEFAULT 0,
			log_path   TEXT NOT NULL DEFAULT '',
			detail     TEXT NOT NULL DEFAULT '',
			at         TEXT NOT NULL
		)
	`); err != nil {
		return err
	}
	_, err := s.db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_attach_history_server
			ON attach_history (server_id, at)
	`)
	return err
}

// Record stores e. A missing ID or timestamp is filled in.
func (s *Store) Record(ctx context.Context, e Entry) error {
	if e.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate history id: %w", err)
		}
		e.ID = id.String()
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attach_history (id, server_id, outcome, attempt, log_path, detail, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ServerID, string(e.Outcome), e.Attempt, e.LogPath, e.Detail,
		e.At.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("record %s %s: %w", e.ServerID, e.Outcome, err)
	}
	return nil
}

// Recent returns up to limit entries, newest first. An empty serverID
// returns entries for every server.
func (s *Store) Recent(ctx context.Context, serverID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	query := `SELECT id, server_id, outcome, attempt, log_path, detail, at
		FROM attach_history`
	args := []any{}
	if serverID != "" {
		query += ` WHERE server_id = ?`
		args = append(args, serverID)
	}
	query += ` ORDER BY at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			outcome string
			at      string
		)
		if err := rows.Scan(&e.ID, &e.ServerID, &outcome, &e.Attempt, &e.LogPath, &e.Detail, &at); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		e.Outcome = Outcome(outcome)
		if e.At, err = time.Parse(timeLayout, at); err != nil {
			return nil, fmt.Errorf("parse history timestamp %q: %w", at, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune deletes entries older than before and returns how many were
// removed.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM attach_history WHERE at < ?`,
		before.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	return res.RowsAffected()
}
