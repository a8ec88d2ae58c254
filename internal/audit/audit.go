// Package audit persists policy denials and well-known-name ownership
// transitions in SQLite so operators can reconstruct who was refused what
// and how a name changed hands. The write side is optional: InsertDenial,
// InsertNameTransition and Close are no-ops on a nil *Store. The queries and
// Backup need an opened store.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store persists audit state in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database and runs migrations.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	st := &Store{db: db}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("audit store opened", "path", path)
	return st, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS policy_denials (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	verb TEXT NOT NULL,
	object TEXT NOT NULL,
	uid INTEGER NOT NULL,
	gid INTEGER NOT NULL,
	at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_denials_at ON policy_denials(at_unix_ms);

CREATE TABLE IF NOT EXISTS name_transitions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	conn_id INTEGER NOT NULL,
	event TEXT NOT NULL,
	at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transitions_name ON name_transitions(name, at_unix_ms);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("run sqlite migrations: %w", err)
	}
	slog.Debug("audit migrations applied")
	return nil
}

// InsertDenial records one POLICY_DENIED decision.
func (s *Store) InsertDenial(ctx context.Context, verb, object string, uid, gid uint32) error {
	if s == nil {
		return nil
	}
	const q = `INSERT INTO policy_denials (verb, object, uid, gid, at_unix_ms) VALUES (?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, q, verb, object, uid, gid, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("insert policy denial: %w", err)
	}
	slog.Debug("policy denial recorded", "verb", verb, "object", object, "uid", uid)
	return nil
}

// InsertNameTransition records a name-ownership change. event is "acquired"
// or "lost".
func (s *Store) InsertNameTransition(ctx context.Context, name string, connID uint64, event string) error {
	if s == nil {
		return nil
	}
	const q = `INSERT INTO name_transitions (name, conn_id, event, at_unix_ms) VALUES (?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, q, name, int64(connID), event, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("insert name transition: %w", err)
	}
	return nil
}

// DenialRow is one persisted policy denial.
type DenialRow struct {
	ID     int64
	Verb   string
	Object string
	UID    uint32
	GID    uint32
	At     time.Time
}

// RecentDenials returns the most recent policy denials, newest first.
func (s *Store) RecentDenials(ctx context.Context, limit int) ([]DenialRow, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `
SELECT id, verb, object, uid, gid, at_unix_ms
FROM policy_denials
ORDER BY at_unix_ms DESC, id DESC
LIMIT ?
`
	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("query policy denials: %w", err)
	}
	defer rows.Close()

	var out []DenialRow
	for rows.Next() {
		var (
			d  DenialRow
			ms int64
		)
		if err := rows.Scan(&d.ID, &d.Verb, &d.Object, &d.UID, &d.GID, &ms); err != nil {
			return nil, fmt.Errorf("scan policy denial: %w", err)
		}
		d.At = time.UnixMilli(ms).UTC()
		out = append(out, d)
	}
	return out, rows.Err()
}

// TransitionRow is one persisted name-ownership change.
type TransitionRow struct {
	ID     int64
	Name   string
	ConnID uint64
	Event  string
	At     time.Time
}

// NameHistory returns the ownership history of one name, oldest first.
// An empty name returns the full history across all names.
func (s *Store) NameHistory(ctx context.Context, name string, limit int) ([]TransitionRow, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT id, name, conn_id, event, at_unix_ms FROM name_transitions`
	args := []any{}
	if name != "" {
		q += ` WHERE name = ?`
		args = append(args, name)
	}
	q += ` ORDER BY at_unix_ms ASC, id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query name transitions: %w", err)
	}
	defer rows.Close()

	var out []TransitionRow
	for rows.Next() {
		var (
			t      TransitionRow
			connID int64
			ms     int64
		)
		if err := rows.Scan(&t.ID, &t.Name, &connID, &t.Event, &ms); err != nil {
			return nil, fmt.Errorf("scan name transition: %w", err)
		}
		t.ConnID = uint64(connID)
		t.At = time.UnixMilli(ms).UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

// Backup writes a consistent copy of the database to outPath.
func (s *Store) Backup(outPath string) error {
	outPath = strings.TrimSpace(outPath)
	if outPath == "" {
		return fmt.Errorf("backup path is required")
	}
	if _, err := s.db.Exec(`VACUUM INTO ?`, outPath); err != nil {
		return fmt.Errorf("vacuum into %s: %w", outPath, err)
	}
	slog.Info("audit store backed up", "path", outPath)
	return nil
}
