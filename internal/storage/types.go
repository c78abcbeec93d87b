// Package storage owns the engine's persisted state: the id_mapping table
// (external_id <-> key_value per pair), the snapshot file format, and the
// pooled Postgres connection both of those and the ledger's L2 store share.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

const (
	postgresDriver = "postgres"
	ctxTimeout     = 5 * time.Second
)

// Connection wraps a pooled *sql.DB. Every Postgres user in the engine
// (ledger.PostgresStore, MappingStore, the queue consumer) takes one of
// these rather than opening its own pool.
type Connection struct {
	*sql.DB
}

// NewConnection opens a pooled connection per Config and verifies it with an
// immediate health check.
func NewConnection(config *Config) (*Connection, error) {
	db, err := sql.Open(postgresDriver, config.databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("database health check failed: %w", err)
	}

	return &Connection{db}, nil
}

// HealthCheck pings the database within a bounded timeout. Used by
// `syncd --test`.
func (c *Connection) HealthCheck(ctx context.Context) error { //nolint: contextcheck
	if ctx == nil {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(context.Background(), ctxTimeout)

		defer cancel()
	}

	return c.PingContext(ctx)
}

// Close closes the connection pool. Safe to call multiple times.
func (c *Connection) Close() error {
	return c.DB.Close()
}

// Stats returns connection pool statistics for the metrics endpoint.
func (c *Connection) Stats() sql.DBStats {
	return c.DB.Stats()
}
