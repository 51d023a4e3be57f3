package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/beanpuppy/retrobot/internal/store"
)

// Store is the SQLite backend for session blobs.
type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenAndMigrate opens the database and applies pending migrations.
func OpenAndMigrate(ctx context.Context, path string) (*Store, error) {
	s, err := Open(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := ApplyMigrations(ctx, s.db); err != nil {
		s.Close() //nolint:errcheck
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Write(ctx context.Context, sessionID string, kind store.Kind, data []byte) error {
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("session_id is required")
	}
	if !kind.Valid() {
		return fmt.Errorf("invalid blob kind %q", kind)
	}
	if data == nil {
		data = []byte{}
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO session_blobs(session_id, kind, data, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(session_id, kind) DO UPDATE SET
	data=excluded.data,
	updated_at=excluded.updated_at
`, sessionID, string(kind), data, ts(time.Now()))
	if err != nil {
		return fmt.Errorf("upsert %s blob: %w", kind, err)
	}
	return nil
}

func (s *Store) Read(ctx context.Context, sessionID string, kind store.Kind) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `
SELECT data FROM session_blobs WHERE session_id = ? AND kind = ?
`, sessionID, string(kind)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %s blob: %w", kind, err)
	}
	return data, nil
}

func (s *Store) IDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT session_id FROM session_blobs WHERE kind = 'meta' ORDER BY session_id ASC
`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	out := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter sessions: %w", err)
	}
	return out, nil
}

// UpdatedAt reports when a blob was last written.
func (s *Store) UpdatedAt(ctx context.Context, sessionID string, kind store.Kind) (time.Time, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `
SELECT updated_at FROM session_blobs WHERE session_id = ? AND kind = ?
`, sessionID, string(kind)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, store.ErrNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("read %s updated_at: %w", kind, err)
	}
	return parseTS(raw)
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
