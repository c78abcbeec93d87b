package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrMappingNotFound is returned when no id_mapping row exists for the lookup.
var ErrMappingNotFound = errors.New("storage: id mapping not found")

// MappingStore persists the external_id <-> key_value correspondence for one
// pair's rows, so a DB-originated change can be translated to the Sheet's
// row identity and vice versa.
type MappingStore struct {
	conn *Connection
}

// NewMappingStore wraps a connection as a MappingStore.
func NewMappingStore(conn *Connection) *MappingStore {
	return &MappingStore{conn: conn}
}

// Put records (or updates) the mapping between a pair's key_value and the
// Sheet's external_id for that row.
func (s *MappingStore) Put(ctx context.Context, pair, keyValue, externalID string) error {
	const query = `
		INSERT INTO id_mapping (pair, key_value, external_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (pair, key_value) DO UPDATE SET external_id = EXCLUDED.external_id
	`

	_, err := s.conn.ExecContext(ctx, query, pair, keyValue, externalID)
	if err != nil {
		return fmt.Errorf("storage: failed to upsert id mapping: %w", err)
	}

	return nil
}

// ExternalID looks up the Sheet external_id for a pair's key_value.
func (s *MappingStore) ExternalID(ctx context.Context, pair, keyValue string) (string, error) {
	const query = `SELECT external_id FROM id_mapping WHERE pair = $1 AND key_value = $2`

	var externalID string

	err := s.conn.QueryRowContext(ctx, query, pair, keyValue).Scan(&externalID)

	switch {
	case err == nil:
		return externalID, nil
	case errors.Is(err, sql.ErrNoRows):
		return "", ErrMappingNotFound
	default:
		return "", fmt.Errorf("storage: failed to query id mapping: %w", err)
	}
}

// KeyValue looks up the DB key_value for a pair's Sheet external_id — the
// inverse of ExternalID, consulted by the poller to find the DB row behind a
// Sheet row that was deleted.
func (s *MappingStore) KeyValue(ctx context.Context, pair, externalID string) (string, error) {
	const query = `SELECT key_value FROM id_mapping WHERE pair = $1 AND external_id = $2`

	var keyValue string

	err := s.conn.QueryRowContext(ctx, query, pair, externalID).Scan(&keyValue)

	switch {
	case err == nil:
		return keyValue, nil
	case errors.Is(err, sql.ErrNoRows):
		return "", ErrMappingNotFound
	default:
		return "", fmt.Errorf("storage: failed to query id mapping: %w", err)
	}
}

// Delete removes a pair's mapping row, called when the DB-side record is
// deleted and the matching Sheet row has been removed.
func (s *MappingStore) Delete(ctx context.Context, pair, keyValue string) error {
	const query = `DELETE FROM id_mapping WHERE pair = $1 AND key_value = $2`

	_, err := s.conn.ExecContext(ctx, query, pair, keyValue)
	if err != nil {
		return fmt.Errorf("storage: failed to delete id mapping: %w", err)
	}

	return nil
}
