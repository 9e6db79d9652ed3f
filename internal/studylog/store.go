// Package studylog is the append-only SQLite sink for accrued study time.
package studylog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS study_intervals (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id    TEXT    NOT NULL,
	started_ms INTEGER NOT NULL,
	ended_ms   INTEGER NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(user_id, started_ms, ended_ms)
);

CREATE INDEX IF NOT EXISTS idx_intervals_user_start ON study_intervals(user_id, started_ms);
`

// Entry is one logged interval.
type Entry struct {
	ID      int64     `json:"id"`
	UserID  string    `json:"user_id"`
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
	Seconds float64   `json:"seconds"`
}

// Store writes intervals for a single user.
type Store struct {
	conn   *sql.DB
	userID string
}

// Open opens (or creates) the SQLite database and applies the schema.
func Open(dsn, userID string) (*Store, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("studylog: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("studylog: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("studylog: apply schema: %w", err)
	}
	return &Store{conn: conn, userID: userID}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Insert appends one interval. Re-inserting the same interval is a no-op,
// so a retried flush never double counts.
func (s *Store) Insert(ctx context.Context, start, end time.Time) error {
	if !end.After(start) {
		return fmt.Errorf("studylog: insert: end %s not after start %s", end, start)
	}
	_, err := s.conn.ExecContext(ctx, `
		INSERT OR IGNORE INTO study_intervals (user_id, started_ms, ended_ms)
		VALUES (?, ?, ?)
	`, s.userID, start.UnixMilli(), end.UnixMilli())
	if err != nil {
		return fmt.Errorf("studylog: insert: %w", err)
	}
	return nil
}

// List returns the most recent intervals, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, user_id, started_ms, ended_ms
		FROM study_intervals
		WHERE user_id = ?
		ORDER BY started_ms DESC
		LIMIT ?
	`, s.userID, limit)
	if err != nil {
		return nil, fmt.Errorf("studylog: list: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e          Entry
			start, end int64
		)
		if err := rows.Scan(&e.ID, &e.UserID, &start, &end); err != nil {
			return nil, fmt.Errorf("studylog: scan: %w", err)
		}
		e.Start = time.UnixMilli(start).UTC()
		e.End = time.UnixMilli(end).UTC()
		e.Seconds = float64(end-start) / 1000
		out = append(out, e)
	}
	return out, rows.Err()
}

// Total returns the study time logged since the given instant.
func (s *Store) Total(ctx context.Context, since time.Time) (time.Duration, error) {
	var ms int64
	err := s.conn.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(ended_ms - started_ms), 0)
		FROM study_intervals
		WHERE user_id = ? AND started_ms >= ?
	`, s.userID, since.UnixMilli()).Scan(&ms)
	if err != nil {
		return 0, fmt.Errorf("studylog: total: %w", err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}
