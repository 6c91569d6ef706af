// Package store is the Postgres persistence layer: templates, delivery
// logs, pending deliveries, artifact records and application lookup.
// Every state transition is a single conditional UPDATE (or a short
// transaction where a read-modify-write is unavoidable), so concurrent
// requests coordinate through the database rather than process memory.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/ignite/dispatchd/internal/config"
)

// Store wraps the Postgres handle shared by all components.
type Store struct {
	db *sql.DB
}

// New wraps an existing database handle. Used by tests (sqlmock) and
// by Open.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*Store, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying handle for schema bootstrap and shutdown.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
