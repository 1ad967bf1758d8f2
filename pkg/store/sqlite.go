package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store manages the SQLite connection and schema: the append-only event log,
// the snapshot history, and the single persisted credential.
type Store struct {
	db *sql.DB
}

// NewStore initializes the SQLite database connection.
// It enables WAL mode for concurrency and durability.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping sqlite db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS events (
		event_id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		ts DATETIME NOT NULL,
		payload JSON NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts);

	CREATE TABLE IF NOT EXISTS snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		fetched_at DATETIME NOT NULL,
		session_utilization REAL NOT NULL,
		session_resets_at DATETIME,
		weekly_utilization REAL,
		weekly_resets_at DATETIME,
		has_weekly INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_snapshots_fetched_at ON snapshots(fetched_at);

	-- Single global credential; encryption at rest is the platform's job.
	CREATE TABLE IF NOT EXISTS credential (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		token TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);
	`

	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// AppendEvent appends one sink event to the log.
func (s *Store) AppendEvent(ctx context.Context, rec *EventRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (event_id, event_type, ts, payload) VALUES (?, ?, ?, ?)`,
		rec.EventID, string(rec.EventType), rec.Ts.UTC(), string(rec.Payload),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// ReadRecentEvents returns the most recent events, newest first.
func (s *Store) ReadRecentEvents(ctx context.Context, limit int) ([]*EventRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, event_type, ts, payload FROM events ORDER BY ts DESC, event_id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*EventRecord
	for rows.Next() {
		var rec EventRecord
		var payload string
		if err := rows.Scan(&rec.EventID, &rec.EventType, &rec.Ts, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		rec.Payload = []byte(payload)
		events = append(events, &rec)
	}
	return events, rows.Err()
}

// PruneEvents deletes events older than the retention window and returns the
// number removed.
func (s *Store) PruneEvents(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE ts < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	return res.RowsAffected()
}

// SaveSnapshot records one accepted usage snapshot.
func (s *Store) SaveSnapshot(ctx context.Context, rec SnapshotRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots
			(fetched_at, session_utilization, session_resets_at, weekly_utilization, weekly_resets_at, has_weekly)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.FetchedAt.UTC(), rec.SessionUtilization, nullableTime(rec.SessionResetsAt),
		rec.WeeklyUtilization, nullableTime(rec.WeeklyResetsAt), rec.HasWeekly,
	)
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns the most recently recorded snapshot, or ok=false if
// none has been recorded yet.
func (s *Store) LatestSnapshot(ctx context.Context) (SnapshotRecord, bool, error) {
	recs, err := s.RecentSnapshots(ctx, 1)
	if err != nil {
		return SnapshotRecord{}, false, err
	}
	if len(recs) == 0 {
		return SnapshotRecord{}, false, nil
	}
	return recs[0], true, nil
}

// RecentSnapshots returns the most recent snapshots, newest first.
func (s *Store) RecentSnapshots(ctx context.Context, limit int) ([]SnapshotRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT fetched_at, session_utilization, session_resets_at, weekly_utilization, weekly_resets_at, has_weekly
		 FROM snapshots ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var recs []SnapshotRecord
	for rows.Next() {
		var rec SnapshotRecord
		var sessionReset, weeklyReset sql.NullTime
		if err := rows.Scan(&rec.FetchedAt, &rec.SessionUtilization, &sessionReset,
			&rec.WeeklyUtilization, &weeklyReset, &rec.HasWeekly); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		if sessionReset.Valid {
			rec.SessionResetsAt = sessionReset.Time.UTC()
		}
		if weeklyReset.Valid {
			rec.WeeklyResetsAt = weeklyReset.Time.UTC()
		}
		rec.FetchedAt = rec.FetchedAt.UTC()
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// SaveCredential upserts the single persisted session token.
func (s *Store) SaveCredential(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credential (id, token, updated_at) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET token = excluded.token, updated_at = excluded.updated_at`,
		token, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

// LoadCredential returns the persisted token, or "" if none is stored.
func (s *Store) LoadCredential(ctx context.Context) (string, error) {
	var token string
	err := s.db.QueryRowContext(ctx, `SELECT token FROM credential WHERE id = 1`).Scan(&token)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load credential: %w", err)
	}
	return token, nil
}

// DeleteCredential removes the persisted token.
func (s *Store) DeleteCredential(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM credential WHERE id = 1`); err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
