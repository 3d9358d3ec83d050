package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"reskit/internal/adapter/store"
	"reskit/internal/domain"
	"reskit/internal/infra/config"
)

// persistence is a store that also supports periodic checkpoints.
type persistence interface {
	domain.Store
	Checkpoint(ctx context.Context) error
}

// initStore opens the configured storage engine.
func initStore(cfg config.StoreConfig, log *slog.Logger) (persistence, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	switch cfg.Driver {
	case "", "sqlite":
		s, err := store.NewSQLiteStore(cfg.Path, log)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, nil
	case "pebble":
		s, err := store.NewPebbleStore(cfg.Path, log)
		if err != nil {
			return nil, fmt.Errorf("open pebble store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q (want sqlite or pebble)", cfg.Driver)
	}
}
