// Package store provides storage backends for ImgurBot.
//
// Each backend (SQLite, PostgreSQL, in-memory) implements SeenRepo, the
// deduplication store, and ActionRepo, the durable state of the action queue.
package store

import (
	"fmt"
	"log/slog"
	"strings"
)

// Store is a complete persistence backend.
type Store interface {
	SeenRepo
	ActionRepo
	Close() error
}

// Opts holds configuration for opening a store.
type Opts struct {
	DSN string
}

// Option configures Opts.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and
// "sqlite" for anything else (treated as a file path).
func DetectDSNType(dsn string) string {
	d := strings.TrimSpace(dsn)
	if strings.HasPrefix(d, "postgres://") || strings.HasPrefix(d, "postgresql://") || strings.Contains(d, "host=") {
		return "postgres"
	}
	return "sqlite"
}

// Open opens the backend selected by dsn. An empty dsn yields an in-memory store.
func Open(dsn string) (Store, error) {
	if dsn == "" {
		slog.Warn("store.Open: no DSN configured, using in-memory store (state is lost on exit)")
		return NewInMemoryStore(), nil
	}
	switch DetectDSNType(dsn) {
	case "postgres":
		s, err := NewPostgresStore(WithPostgresDSN(dsn))
		if err != nil {
			return nil, fmt.Errorf("open postgres store failed: %w", err)
		}
		return s, nil
	default:
		s, err := NewSQLiteStore(WithSQLiteDSN(dsn))
		if err != nil {
			return nil, fmt.Errorf("open sqlite store failed: %w", err)
		}
		return s, nil
	}
}
