package filestore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/beanpuppy/retrobot/internal/store"
)

func TestLayoutOnDisk(t *testing.T) {
	root := filepath.Join(t.TempDir(), "data")
	s, err := Open(root)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()
	if err := s.Write(ctx, "a1b2c", store.KindState, []byte("state")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := s.Write(ctx, "a1b2c", store.KindMeta, []byte("{}")); err != nil {
		t.Fatalf("write: %v", err)
	}
	for _, name := range []string{"state.sav", "info.json"} {
		if _, err := os.Stat(filepath.Join(root, "a1b2c", name)); err != nil {
			t.Fatalf("expected %s on disk: %v", name, err)
		}
	}
	entries, err := os.ReadDir(filepath.Join(root, "a1b2c"))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected no leftover temp files, got %d entries", len(entries))
	}
}

func TestRejectsTraversalAndUnknownKinds(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()
	if err := s.Write(ctx, "../escape", store.KindROM, []byte{1}); err == nil {
		t.Fatalf("expected invalid session id rejection")
	}
	if err := s.Write(ctx, "a1b2c", store.Kind("movie"), []byte{1}); err == nil {
		t.Fatalf("expected invalid kind rejection")
	}
	if _, err := s.Read(ctx, "a1b2c", store.KindROM); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestIDsSkipsStrayFiles(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()
	_ = s.Write(ctx, "aaaaa", store.KindMeta, []byte("{}"))
	_ = os.WriteFile(filepath.Join(root, "README"), []byte("x"), 0o644)
	_ = os.Mkdir(filepath.Join(root, ".hidden"), 0o755)

	ids, err := s.IDs(ctx)
	if err != nil {
		t.Fatalf("ids: %v", err)
	}
	if len(ids) != 1 || ids[0] != "aaaaa" {
		t.Fatalf("unexpected ids: %v", ids)
	}
}
