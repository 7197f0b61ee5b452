package storage

import (
	"context"
	"fmt"
	"strings"

	logx "promobot/pkg/logx"
)

// Open initializes the configured driver and applies its migrations.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "postgres", "postgresql", "pgx":
		return openPostgres(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("storage: unknown driver %q", driver)
	}
}
