package sheet

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lory7c/db-fs/internal/model"
	"github.com/lory7c/db-fs/internal/syncerr"
)

func TestFakeClient_CreateListUpdateDelete(t *testing.T) {
	c := NewFakeClient()
	ctx := context.Background()

	id, err := c.CreateRecord(ctx, "crm", "Customers", map[string]model.Value{"Name": "alice"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	records, err := c.ListRecords(ctx, "crm", "Customers")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "alice", records[0].Fields["Name"])

	require.NoError(t, c.UpdateRecord(ctx, "crm", "Customers", id, map[string]model.Value{"Name": "bob"}))

	got, err := c.Query(ctx, "crm", "Customers", "Name", "bob")
	require.NoError(t, err)
	assert.Equal(t, id, got.ExternalID)

	require.NoError(t, c.DeleteRecord(ctx, "crm", "Customers", id))

	records, err = c.ListRecords(ctx, "crm", "Customers")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestFakeClient_UpdateMissingRecordIsNotFound(t *testing.T) {
	c := NewFakeClient()

	err := c.UpdateRecord(context.Background(), "crm", "Customers", "missing", nil)
	require.Error(t, err)
	assert.True(t, syncerr.Is(err, syncerr.NotFound))
}

func TestFakeClient_QueryMissingIsNotFound(t *testing.T) {
	c := NewFakeClient()

	_, err := c.Query(context.Background(), "crm", "Customers", "Name", "nobody")
	require.Error(t, err)
	assert.True(t, syncerr.Is(err, syncerr.NotFound))
}

func TestFakeClient_DeleteAbsentRecordIsNotError(t *testing.T) {
	c := NewFakeClient()

	require.NoError(t, c.DeleteRecord(context.Background(), "crm", "Customers", "never-existed"))
}

func TestFakeClient_FailNext(t *testing.T) {
	c := NewFakeClient()
	c.FailNext(syncerr.New(syncerr.TransientNetwork, "test", assert.AnError))

	_, err := c.ListRecords(context.Background(), "crm", "Customers")
	require.Error(t, err)
	assert.True(t, syncerr.Is(err, syncerr.TransientNetwork))

	// Error only applies to the next call.
	_, err = c.ListRecords(context.Background(), "crm", "Customers")
	require.NoError(t, err)
}

func TestNewHTTPClient_DefaultsQPS(t *testing.T) {
	c := NewHTTPClient("http://example.invalid", "token", 0)
	assert.InDelta(t, float64(DefaultQPS), float64(c.limiter.Limit()), 0)
	assert.Equal(t, DefaultQPS*burstMultiplier, c.limiter.Burst())
}
