package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lory7c/db-fs/internal/model"
)

const claimSQL = `
	UPDATE sync_queue SET status = 'processing', processed_at = NOW()
	WHERE id IN (
		SELECT id FROM sync_queue
		WHERE status = 'pending'
		  AND retry_count < $1
		  AND (next_attempt_at IS NULL OR next_attempt_at <= NOW())
		ORDER BY created_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	)
	AND status = 'pending'
	RETURNING id, table_name, record_id, action, old_json, new_json, sync_hash, retry_count, created_at
`

// claimBatch claims up to batchSize pending rows (retry_count < retryMax,
// due for another attempt) and flips them to 'processing' in one statement.
// FOR UPDATE SKIP LOCKED lets concurrent consumers claim disjoint batches
// instead of blocking on each other's row locks; the outer status='pending'
// recheck closes the race where a row's status changed between the subquery
// snapshot and the update, so a row is claimed by at most one consumer.
// FIFO by created_at.
func claimBatch(ctx context.Context, db *sql.DB, retryMax, batchSize int) ([]model.QueueRow, error) {
	rows, err := db.QueryContext(ctx, claimSQL, retryMax, batchSize)
	if err != nil {
		return nil, fmt.Errorf("queue: failed to claim batch: %w", err)
	}
	defer rows.Close()

	var claimed []model.QueueRow

	for rows.Next() {
		var (
			row         model.QueueRow
			action      string
			processedAt time.Time
			oldJSON     []byte
			newJSON     []byte
		)

		if err := rows.Scan(
			&row.ID, &row.Pair, &row.RecordID, &action, &oldJSON, &newJSON,
			&row.SyncHash, &row.RetryCount, &row.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("queue: failed to scan claimed row: %w", err)
		}

		row.Action = model.Action(action)
		row.OldJSON = oldJSON
		row.NewJSON = newJSON
		row.ProcessedAt = &processedAt
		claimed = append(claimed, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: error iterating claimed rows: %w", err)
	}

	return claimed, nil
}

const markCompletedSQL = `UPDATE sync_queue SET status = 'completed', processed_at = NOW(), error = NULL WHERE id = $1`

func markCompleted(ctx context.Context, db *sql.DB, id string) error {
	_, err := db.ExecContext(ctx, markCompletedSQL, id)
	if err != nil {
		return fmt.Errorf("queue: failed to mark row %s completed: %w", id, err)
	}

	return nil
}

const markFailedSQL = `UPDATE sync_queue SET status = 'failed', processed_at = NOW(), error = $2 WHERE id = $1`

// markFailed is terminal: no further retry. Used for non-retryable failures
// and for rows that have used up their retries.
func markFailed(ctx context.Context, db *sql.DB, id, cause string) error {
	_, err := db.ExecContext(ctx, markFailedSQL, id, cause)
	if err != nil {
		return fmt.Errorf("queue: failed to mark row %s failed: %w", id, err)
	}

	return nil
}

const rescheduleSQL = `
	UPDATE sync_queue
	SET status = 'pending', retry_count = retry_count + 1, next_attempt_at = $2, error = $3
	WHERE id = $1
`

// reschedule bumps retry_count and sets next_attempt_at per the exponential
// backoff schedule, returning the row to 'pending' for a future claim.
func reschedule(ctx context.Context, db *sql.DB, id string, nextAttempt time.Time, cause string) error {
	_, err := db.ExecContext(ctx, rescheduleSQL, id, nextAttempt, cause)
	if err != nil {
		return fmt.Errorf("queue: failed to reschedule row %s: %w", id, err)
	}

	return nil
}

// recoverStaleClaims reverts rows stuck in 'processing' past staleAfter back
// to 'pending' — the startup recovery sweep for a consumer that crashed
// mid-batch (§5 Operational Semantics).
func recoverStaleClaims(ctx context.Context, db *sql.DB, staleAfter time.Duration) (int64, error) {
	const query = `
		UPDATE sync_queue SET status = 'pending'
		WHERE status = 'processing' AND processed_at < NOW() - make_interval(secs => $1)
	`

	result, err := db.ExecContext(ctx, query, staleAfter.Seconds())
	if err != nil {
		return 0, fmt.Errorf("queue: failed to recover stale claims: %w", err)
	}

	return result.RowsAffected()
}
