package queue

import (
	"context"
	"database/sql"
)

const pendingCountSQL = `SELECT count(*) FROM sync_queue WHERE status = 'pending'`

// pendingCount returns the current depth of sync_queue, reported as the
// queue_depth gauge and used to trigger the batch-widening alarm.
func pendingCount(ctx context.Context, db *sql.DB) (int, error) {
	var n int
	if err := db.QueryRowContext(ctx, pendingCountSQL).Scan(&n); err != nil {
		return 0, err
	}

	return n, nil
}
