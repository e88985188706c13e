package store

import (
	"context"
	"fmt"

	"stormcrm.dev/internal/config"
)

// Open builds the backend selected by cfg. It is called once at startup.
func Open(ctx context.Context, cfg config.Config) (Store, error) {
	switch cfg.StoreBackend {
	case config.BackendMemory:
		return NewMemory(), nil
	case config.BackendPostgres:
		return OpenPostgres(ctx, cfg.DatabaseURL, cfg.DBPoolMax, WithConnTimeout(cfg.DBConnectTimeout))
	default:
		return nil, fmt.Errorf("store: unknown backend %q", cfg.StoreBackend)
	}
}
