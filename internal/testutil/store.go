package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/beanpuppy/retrobot/internal/db"
	"github.com/beanpuppy/retrobot/internal/model"
	"github.com/beanpuppy/retrobot/internal/store"
)

// NewStore opens a migrated SQLite session store under t.TempDir.
func NewStore(t *testing.T) (*store.Sessions, context.Context) {
	t.Helper()
	ctx := context.Background()
	blobs, err := db.Open(ctx, filepath.Join(t.TempDir(), "retrobot-test.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		_ = blobs.Close()
	})
	if err := db.ApplyMigrations(ctx, blobs.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store.NewSessions(blobs), ctx
}

func SeedSession(t *testing.T, sessions *store.Sessions, ctx context.Context, id string, platform model.Platform, channelID string) model.Session {
	return SeedSessionWithState(t, sessions, ctx, id, platform, channelID, nil)
}

func SeedSessionWithState(t *testing.T, sessions *store.Sessions, ctx context.Context, id string, platform model.Platform, channelID string, state []byte) model.Session {
	t.Helper()
	session := model.Session{
		ID:        id,
		Platform:  platform,
		Game:      id + ".rom",
		GuildID:   "guild-1",
		ChannelID: channelID,
		CreatedAt: time.Now().UTC(),
	}
	if err := sessions.Create(ctx, session, []byte("ROM:"+id)); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	if state != nil {
		if err := sessions.WriteState(ctx, id, state); err != nil {
			t.Fatalf("seed state: %v", err)
		}
	}
	return session
}

// FailingBlobs wraps a backend and fails selected operations.
type FailingBlobs struct {
	store.Blobs
	FailRead  bool
	FailWrite bool
	FailIDs   bool
	Err       error
}

func (f *FailingBlobs) err() error {
	if f.Err != nil {
		return f.Err
	}
	return errStore
}

func (f *FailingBlobs) Read(ctx context.Context, id string, kind store.Kind) ([]byte, error) {
	if f.FailRead {
		return nil, f.err()
	}
	return f.Blobs.Read(ctx, id, kind)
}

func (f *FailingBlobs) Write(ctx context.Context, id string, kind store.Kind, data []byte) error {
	if f.FailWrite {
		return f.err()
	}
	return f.Blobs.Write(ctx, id, kind, data)
}

func (f *FailingBlobs) IDs(ctx context.Context) ([]string, error) {
	if f.FailIDs {
		return nil, f.err()
	}
	return f.Blobs.IDs(ctx)
}
