package main

import (
	"context"
	"fmt"

	"github.com/beanpuppy/retrobot/internal/config"
	"github.com/beanpuppy/retrobot/internal/db"
	"github.com/beanpuppy/retrobot/internal/store"
	"github.com/beanpuppy/retrobot/internal/store/filestore"
)

func openSessions(ctx context.Context, cfg config.Config) (*store.Sessions, error) {
	switch cfg.Store {
	case config.StoreSQLite:
		blobs, err := db.OpenAndMigrate(ctx, cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return store.NewSessions(blobs), nil
	case config.StoreDir:
		blobs, err := filestore.Open(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("open dir store: %w", err)
		}
		return store.NewSessions(blobs), nil
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
}
