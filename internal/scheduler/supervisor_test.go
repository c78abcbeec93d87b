package scheduler

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/lory7c/db-fs/internal/config"
	"github.com/lory7c/db-fs/internal/eventbus"
	"github.com/lory7c/db-fs/internal/ledger"
	"github.com/lory7c/db-fs/internal/metrics"
	"github.com/lory7c/db-fs/internal/model"
	"github.com/lory7c/db-fs/internal/poller"
	"github.com/lory7c/db-fs/internal/queue"
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
		PollIntervalS: 2,
		KeyField:      "id",
		FieldMap: model.FieldMap{SheetToDB: map[string]string{
			"ID":   "id",
			"Name": "name",
		}},
	}
}

func setupSupervisor(t *testing.T) *Supervisor {
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

	conn := &storage.Connection{DB: testDB.Connection}
	mappingStore := storage.NewMappingStore(conn)

	snapshotStore, err := storage.NewSnapshotStore(t.TempDir())
	require.NoError(t, err)

	ldgr, err := ledger.New(ledger.MinWindow, discardLogger())
	require.NoError(t, err)
	t.Cleanup(ldgr.Close)

	fake := sheet.NewFakeClient()
	pair := testPair()

	p := poller.New(conn, mappingStore, snapshotStore, ldgr, fake, pair, poller.Config{}, nil, eventbus.NoopSink{}, discardLogger())

	c := queue.New(conn, mappingStore, ldgr, fake, []model.TablePair{pair}, queue.Config{
		BatchSize:   10,
		RetryMax:    5,
		BackoffBase: 2 * time.Second,
		BackoffCap:  300 * time.Second,
		StaleClaim:  120 * time.Second,
	}, nil, eventbus.NoopSink{}, discardLogger())

	reg := metrics.NewRegistry("127.0.0.1:0", discardLogger())

	return New([]*poller.Poller{p}, c, ldgr, reg, eventbus.NoopSink{}, time.Second, discardLogger())
}

func TestSupervisor_RunStopsOnContextCancel(t *testing.T) {
	s := setupSupervisor(t)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop within the shutdown grace period")
	}
}
