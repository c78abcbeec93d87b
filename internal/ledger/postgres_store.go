package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lory7c/db-fs/internal/model"
	"github.com/lory7c/db-fs/internal/storage"
)

// PostgresStore implements L2Store against the sync_log table (§6 Persisted
// state): sync_log(sync_hash CHAR(32), direction VARCHAR, created_at TIMESTAMP).
type PostgresStore struct {
	conn *storage.Connection
}

// NewPostgresStore wraps an existing connection as an L2Store.
func NewPostgresStore(conn *storage.Connection) *PostgresStore {
	return &PostgresStore{conn: conn}
}

// Remember inserts one sync_log row for the applied write.
func (s *PostgresStore) Remember(ctx context.Context, entry model.LedgerEntry) error {
	const query = `
		INSERT INTO sync_log (sync_hash, direction, created_at)
		VALUES ($1, $2, $3)
	`

	_, err := s.conn.ExecContext(ctx, query, string(entry.Fingerprint), string(entry.Direction), entry.AppliedAt)
	if err != nil {
		return fmt.Errorf("ledger: failed to insert sync_log row: %w", err)
	}

	return nil
}

// ShouldSkip reports whether a sync_log row exists for (fp, direction) with
// created_at >= since.
func (s *PostgresStore) ShouldSkip(
	ctx context.Context, fp model.Fingerprint, direction model.Direction, since time.Time,
) (bool, error) {
	const query = `
		SELECT 1 FROM sync_log
		WHERE sync_hash = $1 AND direction = $2 AND created_at >= $3
		LIMIT 1
	`

	var exists int

	err := s.conn.QueryRowContext(ctx, query, string(fp), string(direction), since).Scan(&exists)

	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	default:
		return false, fmt.Errorf("ledger: sync_log query failed: %w", err)
	}
}

// Prune deletes sync_log rows older than the retention window (default 1h,
// per §3 "Retained for a sliding window W (default 10 s in memory, 1 h in DB)").
// Intended to be called periodically by the scheduler's ledger-pruner task.
func (s *PostgresStore) Prune(ctx context.Context, retain time.Duration) (int64, error) {
	const query = `DELETE FROM sync_log WHERE created_at < $1`

	cutoff := time.Now().Add(-retain)

	result, err := s.conn.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("ledger: failed to prune sync_log: %w", err)
	}

	return result.RowsAffected()
}
