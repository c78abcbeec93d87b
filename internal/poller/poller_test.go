package poller

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/lory7c/db-fs/internal/config"
	"github.com/lory7c/db-fs/internal/ledger"
	"github.com/lory7c/db-fs/internal/model"
	"github.com/lory7c/db-fs/internal/sheet"
	"github.com/lory7c/db-fs/internal/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPair() model.TablePair {
	return model.TablePair{
		Name:          "customers",
		SheetDB:       "crm",
		SheetTable:    "Customers",
		DBTable:       "customers",
		PollIntervalS: 10,
		KeyField:      "id",
		FieldMap: model.FieldMap{SheetToDB: map[string]string{
			"ID":    "id",
			"Name":  "name",
			"Email": "email",
		}},
	}
}

func setupPoller(t *testing.T) (*Poller, *storage.Connection, *storage.SnapshotStore, *sheet.FakeClient) {
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

	_, err := testDB.Connection.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS customers (
			id TEXT PRIMARY KEY,
			name TEXT,
			email TEXT,
			_sync_source TEXT
		)
	`)
	require.NoError(t, err)

	conn := &storage.Connection{DB: testDB.Connection}
	mappingStore := storage.NewMappingStore(conn)
	snapshotStore, err := storage.NewSnapshotStore(t.TempDir())
	require.NoError(t, err)

	ldgr, err := ledger.New(ledger.MinWindow, discardLogger())
	require.NoError(t, err)
	t.Cleanup(ldgr.Close)

	fake := sheet.NewFakeClient()

	p := New(conn, mappingStore, snapshotStore, ldgr, fake, testPair(), Config{}, nil, nil, discardLogger())

	return p, conn, snapshotStore, fake
}

func TestPoller_ColdStartPopulatesSnapshotWithoutWriting(t *testing.T) {
	p, conn, snapshotStore, fake := setupPoller(t)
	ctx := context.Background()

	fake.Seed("crm", "Customers", "ext_1", map[string]model.Value{"ID": "1", "Name": "alice"})

	require.NoError(t, p.tick(ctx))

	snapshot, err := snapshotStore.Load("customers")
	require.NoError(t, err)
	require.Len(t, snapshot, 1)

	var count int
	require.NoError(t, conn.QueryRow(`SELECT count(*) FROM customers`).Scan(&count))
	require.Equal(t, 0, count)
}

func TestPoller_WarmTickInsertsNewRecord(t *testing.T) {
	p, conn, _, fake := setupPoller(t)
	ctx := context.Background()

	require.NoError(t, p.tick(ctx)) // cold start, empty

	fake.Seed("crm", "Customers", "ext_1", map[string]model.Value{"ID": "1", "Name": "alice"})
	require.NoError(t, p.tick(ctx))

	var name, syncSource string
	require.NoError(t, conn.QueryRow(`SELECT name, _sync_source FROM customers WHERE id = '1'`).Scan(&name, &syncSource))
	require.Equal(t, "alice", name)
	require.Equal(t, "sheet", syncSource)
}

func TestPoller_WarmTickDeletesRemovedRecord(t *testing.T) {
	p, conn, _, fake := setupPoller(t)
	ctx := context.Background()

	require.NoError(t, p.tick(ctx)) // cold start, empty

	fake.Seed("crm", "Customers", "ext_1", map[string]model.Value{"ID": "1", "Name": "alice"})
	require.NoError(t, p.tick(ctx)) // warm tick, inserts

	var count int
	require.NoError(t, conn.QueryRow(`SELECT count(*) FROM customers WHERE id = '1'`).Scan(&count))
	require.Equal(t, 1, count)

	require.NoError(t, fake.DeleteRecord(ctx, "crm", "Customers", "ext_1"))
	require.NoError(t, p.tick(ctx))

	require.NoError(t, conn.QueryRow(`SELECT count(*) FROM customers WHERE id = '1'`).Scan(&count))
	require.Equal(t, 0, count)
}

func TestPoller_FailedApplyDoesNotAdvanceSnapshot(t *testing.T) {
	p, conn, snapshotStore, fake := setupPoller(t)
	ctx := context.Background()

	require.NoError(t, p.tick(ctx)) // cold start, empty

	fake.Seed("crm", "Customers", "ext_1", map[string]model.Value{"ID": "1", "Name": "alice"})
	require.NoError(t, conn.DB.Close()) // force the upsert to fail

	require.NoError(t, p.tick(ctx)) // apply failure is logged, not returned

	snapshot, err := snapshotStore.Load("customers")
	require.NoError(t, err)
	require.Empty(t, snapshot, "a failed apply must not advance the snapshot, so the next tick retries it")
}

func TestPoller_RecordOutcome_PausesOnElevatedFailureRate(t *testing.T) {
	p := &Poller{
		pair:   testPair(),
		cfg:    Config{PauseOnErrorRate: 0.5, Pause: time.Minute},
		logger: discardLogger(),
	}

	for i := 0; i < healthWindowSize-1; i++ {
		p.recordOutcome(true)
	}

	_, paused := p.isPaused()
	require.False(t, paused, "must not pause before the window fills")

	p.recordOutcome(false) // fills the window at a 1/20 failure rate
	_, paused = p.isPaused()
	require.False(t, paused, "failure rate below threshold must not pause")

	for i := 0; i < healthWindowSize/2+1; i++ {
		p.recordOutcome(false)
	}

	for i := 0; i < healthWindowSize/2-1; i++ {
		p.recordOutcome(true)
	}

	until, paused := p.isPaused()
	require.True(t, paused, "55% failure rate (above the 0.5 threshold) must pause the pair")
	require.True(t, until.After(time.Now()))
}

func TestPoller_RecordOutcome_DisabledWhenPauseOnErrorRateIsZero(t *testing.T) {
	p := &Poller{pair: testPair(), cfg: Config{}, logger: discardLogger()}

	for i := 0; i < healthWindowSize*2; i++ {
		p.recordOutcome(false)
	}

	_, paused := p.isPaused()
	require.False(t, paused)
}
