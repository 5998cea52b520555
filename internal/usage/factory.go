package usage

import (
	"context"
	"fmt"
	"strings"
)

// Config selects the usage ledger backend.
type Config struct {
	Backend     string
	SQLitePath  string
	DatabaseURL string
}

// NewStore opens the configured backend. An empty backend keeps records in
// memory.
func NewStore(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "memory":
		return NewInMemoryStore(0), nil
	case "sqlite":
		return NewSQLiteStore(ctx, cfg.SQLitePath)
	case "postgres":
		return NewPostgresStore(ctx, cfg.DatabaseURL)
	default:
		return nil, fmt.Errorf("unsupported usage store %q", cfg.Backend)
	}
}
