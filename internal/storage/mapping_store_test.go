package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/lory7c/db-fs/internal/config"
)

func setupMappingStore(t *testing.T) *MappingStore {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	testDB := config.SetupTestDatabase(ctx, t)

	t.Cleanup(func() {
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	return NewMappingStore(&Connection{DB: testDB.Connection})
}

func TestMappingStore_PutAndLookup(t *testing.T) {
	store := setupMappingStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "customers", "k1", "rec_abc"))

	externalID, err := store.ExternalID(ctx, "customers", "k1")
	require.NoError(t, err)
	assert.Equal(t, "rec_abc", externalID)

	keyValue, err := store.KeyValue(ctx, "customers", "rec_abc")
	require.NoError(t, err)
	assert.Equal(t, "k1", keyValue)
}

func TestMappingStore_PutUpdatesExistingMapping(t *testing.T) {
	store := setupMappingStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "customers", "k1", "rec_old"))
	require.NoError(t, store.Put(ctx, "customers", "k1", "rec_new"))

	externalID, err := store.ExternalID(ctx, "customers", "k1")
	require.NoError(t, err)
	assert.Equal(t, "rec_new", externalID)
}

func TestMappingStore_NotFound(t *testing.T) {
	store := setupMappingStore(t)
	ctx := context.Background()

	_, err := store.ExternalID(ctx, "customers", "missing")
	require.ErrorIs(t, err, ErrMappingNotFound)
}

func TestMappingStore_Delete(t *testing.T) {
	store := setupMappingStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "customers", "k1", "rec_abc"))
	require.NoError(t, store.Delete(ctx, "customers", "k1"))

	_, err := store.ExternalID(ctx, "customers", "k1")
	require.ErrorIs(t, err, ErrMappingNotFound)
}
