package poller

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/lory7c/db-fs/internal/model"
	"github.com/lory7c/db-fs/internal/syncerr"
)

// syncSourceColumn is the operator-added column the Sheet-side writer tags so
// the sync_queue_enqueue() trigger can recognize and skip its own echo.
const syncSourceColumn = "_sync_source"

// applyUpsert writes a mapped Sheet record to table as an INSERT .. ON
// CONFLICT (keyColumn) DO UPDATE, tagging the row with _sync_source='sheet'.
// The column set is derived from rec, so this is correct for any pair's
// FieldMap without per-table generated code.
func applyUpsert(ctx context.Context, db *sql.DB, table, keyColumn, keyValue string, rec model.Record) error {
	columns := make([]string, 0, len(rec)+2)
	placeholders := make([]string, 0, len(rec)+2)
	values := make([]any, 0, len(rec)+2)
	updateSets := make([]string, 0, len(rec)+1)

	seenKey := false

	for col, val := range rec {
		columns = append(columns, pq.QuoteIdentifier(col))
		placeholders = append(placeholders, fmt.Sprintf("$%d", len(values)+1))

		if col == keyColumn {
			values = append(values, keyValue)
			seenKey = true

			continue
		}

		values = append(values, val)
		updateSets = append(updateSets,
			fmt.Sprintf("%s = EXCLUDED.%s", pq.QuoteIdentifier(col), pq.QuoteIdentifier(col)))
	}

	if !seenKey {
		columns = append(columns, pq.QuoteIdentifier(keyColumn))
		placeholders = append(placeholders, fmt.Sprintf("$%d", len(values)+1))
		values = append(values, keyValue)
	}

	columns = append(columns, pq.QuoteIdentifier(syncSourceColumn))
	placeholders = append(placeholders, fmt.Sprintf("$%d", len(values)+1))
	values = append(values, "sheet")
	updateSets = append(updateSets,
		fmt.Sprintf("%s = EXCLUDED.%s", pq.QuoteIdentifier(syncSourceColumn), pq.QuoteIdentifier(syncSourceColumn)))

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		pq.QuoteIdentifier(table),
		strings.Join(columns, ", "),
		strings.Join(placeholders, ", "),
		pq.QuoteIdentifier(keyColumn),
		strings.Join(updateSets, ", "),
	)

	if _, err := db.ExecContext(ctx, query, values...); err != nil {
		return syncerr.New(classifyPGError(err), "poller.applyUpsert", err)
	}

	return nil
}

// applyDelete removes the row identified by keyValue from table. The caller
// (Poller.applyChange) already treats an unmapped external_id as a no-op
// before reaching here, so this always targets a row expected to exist.
func applyDelete(ctx context.Context, db *sql.DB, table, keyColumn, keyValue string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE %s = $1", pq.QuoteIdentifier(table), pq.QuoteIdentifier(keyColumn))

	if _, err := db.ExecContext(ctx, query, keyValue); err != nil {
		return syncerr.New(syncerr.TransientNetwork, "poller.applyDelete", err)
	}

	return nil
}

// classifyPGError maps a unique-key violation to Conflict (§4 invariant:
// "DB unique-key violation on apply"); every other driver error is treated
// as transient (connection reset, statement timeout, etc.).
func classifyPGError(err error) syncerr.Kind {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
		return syncerr.Conflict
	}

	return syncerr.TransientNetwork
}
