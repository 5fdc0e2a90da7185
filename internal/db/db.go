// Package db persists commutator telemetry: one row per tracking session and
// one row per published loop snapshot. The store is a sqlite file managed by
// embedded schema migrations.
package db

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/commutator/internal/monitoring"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB wraps the telemetry database handle.
type DB struct {
	*sql.DB
	path string
}

// NewDB opens (or creates) the telemetry database at path and applies any
// pending migrations.
func NewDB(path string) (*DB, error) {
	handle, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open telemetry db: %w", err)
	}

	db := &DB{DB: handle, path: path}
	if err := db.migrateUp(); err != nil {
		handle.Close()
		return nil, err
	}
	return db, nil
}

// migrateUp applies all pending embedded migrations.
func (db *DB) migrateUp() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load embedded migrations: %w", err)
	}

	driver, err := migratesqlite.WithInstance(db.DB, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("create sqlite migrate driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	// Not closing m: that would close the underlying DB connection.

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// Session is one tracking session: the lifetime of one orientation source.
type Session struct {
	ID        string    `json:"session_id"`
	Source    string    `json:"source"`
	StartedAt time.Time `json:"started_at"`
}

// SnapshotRow is one persisted loop snapshot.
type SnapshotRow struct {
	SessionID string    `json:"session_id"`
	Target    float64   `json:"target_rad"`
	Actual    float64   `json:"actual_rad"`
	Failure   string    `json:"failure,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// StartSession records the beginning of a tracking session. Timestamps are
// written from Go (UTC) rather than via SQL defaults so that scans and
// retention comparisons round-trip through one driver format.
func (db *DB) StartSession(id, sourceName string) error {
	_, err := db.Exec(
		"INSERT INTO sessions (session_id, source, started_at) VALUES (?, ?, ?)",
		id, sourceName, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("record session: %w", err)
	}
	return nil
}

// RecordSnapshot persists one published loop snapshot.
func (db *DB) RecordSnapshot(sessionID string, target, actual float64, failure string) error {
	_, err := db.Exec(
		"INSERT INTO snapshots (session_id, target_rad, actual_rad, failure, timestamp) VALUES (?, ?, ?, ?, ?)",
		sessionID, target, actual, failure, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("record snapshot: %w", err)
	}
	return nil
}

// Sessions returns all recorded sessions, newest first.
func (db *DB) Sessions() ([]Session, error) {
	rows, err := db.Query("SELECT session_id, source, started_at FROM sessions ORDER BY started_at DESC")
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var s Session
		if err := rows.Scan(&s.ID, &s.Source, &s.StartedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// SessionSnapshots returns a session's snapshots in recording order.
func (db *DB) SessionSnapshots(sessionID string) ([]SnapshotRow, error) {
	rows, err := db.Query(
		"SELECT session_id, target_rad, actual_rad, failure, timestamp FROM snapshots WHERE session_id = ? ORDER BY snapshot_id",
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var out []SnapshotRow
	for rows.Next() {
		var r SnapshotRow
		if err := rows.Scan(&r.SessionID, &r.Target, &r.Actual, &r.Failure, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PruneSnapshots deletes snapshots older than the retention window. The loop
// writes 50 rows a second; without pruning the file grows without bound.
func (db *DB) PruneSnapshots(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := db.Exec("DELETE FROM snapshots WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		monitoring.Logf("pruned %d snapshot rows older than %v", n, olderThan)
	}
	return n, nil
}
