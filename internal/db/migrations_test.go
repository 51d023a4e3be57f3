package db

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func openTempDB(t *testing.T) (*sql.DB, context.Context) {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db, ctx
}

func TestApplyAndRollbackMigrations(t *testing.T) {
	db, ctx := openTempDB(t)
	if err := ApplyMigrations(ctx, db); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	if err := ApplyMigrations(ctx, db); err != nil {
		t.Fatalf("re-apply migrations must be a no-op: %v", err)
	}

	var name string
	if err := db.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'session_blobs'`).Scan(&name); err != nil {
		t.Fatalf("expected session_blobs to exist: %v", err)
	}

	if err := RollbackAll(ctx, db); err != nil {
		t.Fatalf("rollback migrations: %v", err)
	}
	var count int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'session_blobs'`).Scan(&count); err != nil {
		t.Fatalf("count tables: %v", err)
	}
	if count != 0 {
		t.Fatalf("session_blobs still exists after rollback")
	}
}

func TestBlobConstraints(t *testing.T) {
	db, ctx := openTempDB(t)
	if err := ApplyMigrations(ctx, db); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	_, err := db.ExecContext(ctx, `INSERT INTO session_blobs(session_id, kind, data, updated_at) VALUES('s1','rom',x'00','now')`)
	if err != nil {
		t.Fatalf("insert rom: %v", err)
	}
	_, err = db.ExecContext(ctx, `INSERT INTO session_blobs(session_id, kind, data, updated_at) VALUES('s1','movie',x'00','now')`)
	if err == nil {
		t.Fatalf("expected kind check constraint failure")
	}
	_, err = db.ExecContext(ctx, `INSERT INTO session_blobs(session_id, kind, data, updated_at) VALUES('s1','rom',x'01','now')`)
	if err == nil {
		t.Fatalf("expected primary key violation on (session_id, kind)")
	}
}
