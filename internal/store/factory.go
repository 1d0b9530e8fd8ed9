package store

import (
	"context"
	"fmt"
	"log/slog"

	"quantdesk/internal/config"
)

// NewStateStore opens the state backend selected by cfg.StateBackend.
func NewStateStore(ctx context.Context, cfg config.Storage, log *slog.Logger) (StateStore, error) {
	switch cfg.StateBackend {
	case "", config.BackendJSON:
		return NewJSONStateStore(cfg.StateFile, log), nil
	case config.BackendSQLite:
		s, err := NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.BackendPostgres:
		s, err := NewPostgresStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown state backend %q", cfg.StateBackend)
	}
}
