// Package sheet is the Sheet SDK wrapper (§6 External Interfaces): a small,
// rate-limited HTTP client plus an in-memory fake used by tests. Component
// C3 (the poller) and C4 (the queue consumer) depend only on the Client
// interface, never on HTTPClient directly.
package sheet

import (
	"context"

	"github.com/lory7c/db-fs/internal/model"
)

// Record is one row as the Sheet represents it: an external_id plus its
// field values, keyed by the Sheet's own field names (not yet mapped to DB
// column names — that's internal/canonicalization.Mapper's job).
type Record struct {
	ExternalID string
	Fields     map[string]model.Value
}

// Client is the Sheet SDK contract the poller and queue consumer depend on.
// Implemented by HTTPClient (production) and FakeClient (tests).
type Client interface {
	// ListRecords returns every record currently in the table, for the
	// poller's full-snapshot diff (§4.3 — no modified_after optimization,
	// per §9 Open Question 3).
	ListRecords(ctx context.Context, sheetDB, sheetTable string) ([]Record, error)

	// CreateRecord inserts a new row and returns its assigned external_id.
	CreateRecord(ctx context.Context, sheetDB, sheetTable string, fields map[string]model.Value) (string, error)

	// UpdateRecord overwrites fields on an existing row.
	UpdateRecord(ctx context.Context, sheetDB, sheetTable, externalID string, fields map[string]model.Value) error

	// DeleteRecord removes a row. Deleting an already-absent external_id is
	// not an error (§4.4's delete-with-absent-handling — degrades to a
	// completed no-op rather than a failure).
	DeleteRecord(ctx context.Context, sheetDB, sheetTable, externalID string) error

	// Query looks up a single record by a field value, used by the queue
	// consumer's UPDATE-with-fallback-query path when the external_id isn't
	// yet known from id_mapping.
	Query(ctx context.Context, sheetDB, sheetTable, field string, value model.Value) (*Record, error)
}
