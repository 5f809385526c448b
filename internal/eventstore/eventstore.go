// Package eventstore keeps a small sqlite-backed audit trail of
// transitions and reconciler actions, so Status() can show recent
// history and an operator debugging a half-broken machine has more
// than the current tick to go on. It is diagnostic only: nothing in
// the bus interface depends on it being present.
package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Event is one recorded transition or mode change.
type Event struct {
	Time    time.Time
	Kind    string // "set_mode", "apply_persisted", "reconcile"
	Mode    string
	OK      bool
	Message string
}

// Store wraps a sqlite database holding the events table.
type Store struct {
	db *sql.DB
}

// Open creates (if needed) and opens the event database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS events (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	ts       TEXT NOT NULL,
	kind     TEXT NOT NULL,
	mode     TEXT NOT NULL,
	ok       INTEGER NOT NULL,
	message  TEXT NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record appends an event. Failures are returned for the caller to
// log; a broken audit trail must never block a transition.
func (s *Store) Record(ctx context.Context, e Event) error {
	if s == nil || s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (ts, kind, mode, ok, message) VALUES (?, ?, ?, ?, ?)`,
		e.Time.UTC().Format(time.RFC3339Nano), e.Kind, e.Mode, boolToInt(e.OK), e.Message,
	)
	return err
}

// Recent returns up to limit of the most recent events, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Event, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, kind, mode, ok, message FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ts, kind, m, msg string
		var ok int
		if err := rows.Scan(&ts, &kind, &m, &ok, &msg); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			t = time.Time{}
		}
		out = append(out, Event{Time: t, Kind: kind, Mode: m, OK: ok != 0, Message: msg})
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
