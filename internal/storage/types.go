// Package storage persists campaigns, send records, subscribers, delivery
// tasks and the operator audit log.
//
// Drivers:
//   - "memory": process-local maps, for tests and dry runs
//   - "sqlite": a single SQLite file (modernc.org/sqlite, no cgo)
//   - "postgres": a pgx connection pool
package storage

import (
	"context"
	"errors"
	"time"

	"promobot/internal/campaign"
	"promobot/internal/task/queue"
)

var (
	ErrNotFound = campaign.ErrNotFound
	ErrClosed   = errors.New("storage: closed")
)

type Config struct {
	Driver string
	// Path is the sqlite database file.
	Path string
	// DSN is the postgres connection string.
	DSN         string
	BusyTimeout time.Duration // sqlite only
	MaxConns    int32         // postgres only
}

// AuditEntry records one operator action.
type AuditEntry struct {
	At     time.Time
	Actor  string
	Source string // telegram | http | schedule
	Action string
	Target string
	OK     int
	Fail   int
	Error  string
	TookMS int64
}

// Store is everything the bot persists.
type Store interface {
	campaign.Store
	campaign.SendLog
	campaign.Directory
	campaign.Subscribers
	queue.Store

	AppendAudit(ctx context.Context, e AuditEntry) error
	ListAudit(ctx context.Context, limit int) ([]AuditEntry, error)
	Ping(ctx context.Context) error
	Close() error
}
