package store_test

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/beanpuppy/retrobot/internal/db"
	"github.com/beanpuppy/retrobot/internal/model"
	"github.com/beanpuppy/retrobot/internal/store"
	"github.com/beanpuppy/retrobot/internal/store/filestore"
)

func backends(t *testing.T) map[string]store.Blobs {
	t.Helper()
	fs, err := filestore.Open(filepath.Join(t.TempDir(), "data"))
	if err != nil {
		t.Fatalf("open filestore: %v", err)
	}
	sq, err := db.OpenAndMigrate(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		_ = sq.Close()
	})
	return map[string]store.Blobs{"dir": fs, "sqlite": sq}
}

func TestSessionsLifecycle(t *testing.T) {
	for name, blobs := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sessions := store.NewSessions(blobs)
			created := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
			session := model.Session{
				ID:        "a1b2c",
				Platform:  model.PlatformGB,
				Game:      "tetris.gb",
				GuildID:   "g1",
				ChannelID: "c1",
				CreatedAt: created,
			}
			if err := sessions.Create(ctx, session, []byte("ROM")); err != nil {
				t.Fatalf("create: %v", err)
			}

			got, err := sessions.Get(ctx, "a1b2c")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.ID != session.ID || got.Platform != session.Platform || got.Game != session.Game ||
				got.GuildID != session.GuildID || got.ChannelID != session.ChannelID || !got.CreatedAt.Equal(created) {
				t.Fatalf("unexpected session: %+v", got)
			}

			state, err := sessions.State(ctx, "a1b2c")
			if err != nil || len(state) != 0 {
				t.Fatalf("expected empty initial state, got %q err=%v", state, err)
			}
			if err := sessions.WriteState(ctx, "a1b2c", []byte("S1")); err != nil {
				t.Fatalf("write state: %v", err)
			}
			if err := sessions.WriteState(ctx, "a1b2c", []byte("S2")); err != nil {
				t.Fatalf("write state: %v", err)
			}
			state, err = sessions.State(ctx, "a1b2c")
			if err != nil || !bytes.Equal(state, []byte("S2")) {
				t.Fatalf("expected latest state S2, got %q err=%v", state, err)
			}
			rom, err := sessions.ROM(ctx, "a1b2c")
			if err != nil || !bytes.Equal(rom, []byte("ROM")) {
				t.Fatalf("unexpected rom %q err=%v", rom, err)
			}

			ok, err := sessions.Exists(ctx, "a1b2c")
			if err != nil || !ok {
				t.Fatalf("expected session to exist, err=%v", err)
			}
			list, err := sessions.List(ctx)
			if err != nil || len(list) != 1 || list[0].ID != "a1b2c" {
				t.Fatalf("unexpected list %+v err=%v", list, err)
			}
		})
	}
}

func TestUnknownSession(t *testing.T) {
	for name, blobs := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sessions := store.NewSessions(blobs)
			if _, err := sessions.Get(ctx, "zzzzz"); !errors.Is(err, model.ErrUnknownSession) {
				t.Fatalf("expected ErrUnknownSession, got %v", err)
			}
			ok, err := sessions.Exists(ctx, "zzzzz")
			if err != nil || ok {
				t.Fatalf("expected missing session, ok=%v err=%v", ok, err)
			}
			if _, err := sessions.ROM(ctx, "zzzzz"); !errors.Is(err, model.ErrStoreIO) {
				t.Fatalf("expected ErrStoreIO for missing rom, got %v", err)
			}
		})
	}
}

func TestCreateValidates(t *testing.T) {
	sessions := store.NewSessions(backends(t)["dir"])
	ctx := context.Background()
	if err := sessions.Create(ctx, model.Session{Platform: model.PlatformNES}, nil); err == nil {
		t.Fatalf("expected missing id rejection")
	}
	if err := sessions.Create(ctx, model.Session{ID: "x1", Platform: "n64"}, nil); err == nil {
		t.Fatalf("expected invalid platform rejection")
	}
}
