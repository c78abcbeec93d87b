// Package main provides syncd, the bidirectional Sheet<->DB sync engine.
//
// With no flags, syncd runs the daemon: one poller per configured pair, the
// shared queue consumer, the metrics endpoint, and the audit publisher, all
// under one supervised lifecycle. --init, --test, --status, and
// --reset-snapshot are one-shot operator commands that exit after printing
// their result.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lory7c/db-fs/internal/config"
	"github.com/lory7c/db-fs/internal/eventbus"
	"github.com/lory7c/db-fs/internal/ledger"
	"github.com/lory7c/db-fs/internal/metrics"
	"github.com/lory7c/db-fs/internal/poller"
	"github.com/lory7c/db-fs/internal/queue"
	"github.com/lory7c/db-fs/internal/scheduler"
	"github.com/lory7c/db-fs/internal/sheet"
	"github.com/lory7c/db-fs/internal/storage"
)

const (
	version = "1.0.0-dev"
	name    = "syncd"

	callTimeout = 10 * time.Second
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	initFlag := flag.Bool("init", false, "write a pairs.yaml skeleton and exit")
	testFlag := flag.Bool("test", false, "check DB and Sheet connectivity and exit")
	statusFlag := flag.Bool("status", false, "print sync_queue row counts by status, read from the database, and exit")
	resetSnapshot := flag.String("reset-snapshot", "", "clear the persisted snapshot for this pair and exit")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	if *initFlag {
		runInit()

		return
	}

	engineCfg := config.LoadEngineConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger.Info("starting "+name, slog.String("version", version))

	if *resetSnapshot != "" {
		runResetSnapshot(logger, engineCfg, *resetSnapshot)

		return
	}

	dbCfg := storage.LoadConfig()
	if err := dbCfg.Validate(); err != nil {
		logger.Error("invalid database configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	conn, err := storage.NewConnection(dbCfg)
	if err != nil {
		logger.Error("failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer conn.Close()

	if *testFlag {
		runTest(logger, conn, engineCfg)

		return
	}

	if *statusFlag {
		runStatus(logger, conn)

		return
	}

	runDaemon(logger, engineCfg, conn)
}

func runInit() {
	const skeleton = `# pairs.yaml — one entry per synchronized table
pairs:
  - name: customers
    sheet_db: crm
    sheet_table: Customers
    db_table: customers
    key_field: id
    poll_interval_s: 10
    field_map:
      sheet_to_db:
        ID: id
        Name: name
        Email: email
`

	fmt.Print(skeleton)
	fmt.Fprintln(os.Stderr, "write this to pairs.yaml and set DATABASE_URL, SHEET_BASE_URL, SHEET_API_TOKEN")
}

func runTest(logger *slog.Logger, conn *storage.Connection, engineCfg *config.EngineConfig) {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	if err := conn.HealthCheck(ctx); err != nil {
		logger.Error("database connectivity check failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("database connectivity OK")

	var queueReady, triggerReady bool
	if err := conn.QueryRowContext(ctx, `SELECT to_regclass('sync_queue') IS NOT NULL,
		EXISTS (SELECT 1 FROM pg_trigger t JOIN pg_proc p ON p.oid = t.tgfoid WHERE p.proname = 'sync_queue_enqueue')`,
	).Scan(&queueReady, &triggerReady); err != nil {
		logger.Error("failed to check sync_queue installation", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if !queueReady || !triggerReady {
		logger.Error("sync_queue table or sync_queue_enqueue trigger is not installed")
		os.Exit(1)
	}

	if engineCfg.SheetBaseURL == "" {
		logger.Warn("SHEET_BASE_URL not configured, skipping Sheet connectivity check")

		return
	}

	client := sheet.NewHTTPClient(engineCfg.SheetBaseURL, engineCfg.SheetAPIToken, engineCfg.RateLimitQPS)
	if _, err := client.ListRecords(ctx, "health", "health"); err != nil {
		logger.Warn("Sheet connectivity check returned an error (may be expected for a probe table)",
			slog.String("error", err.Error()))

		return
	}

	logger.Info("Sheet connectivity OK")
}

func runStatus(logger *slog.Logger, conn *storage.Connection) {
	ctx := context.Background()

	rows, err := conn.QueryContext(ctx, `SELECT status, count(*) FROM sync_queue GROUP BY status`)
	if err != nil {
		logger.Error("failed to query sync_queue", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int

		if err := rows.Scan(&status, &n); err != nil {
			logger.Error("failed to read sync_queue row", slog.String("error", err.Error()))
			os.Exit(1)
		}

		logger.Info("queue counter", slog.String("status", status), slog.Int("count", n))
	}
}

func runResetSnapshot(logger *slog.Logger, engineCfg *config.EngineConfig, pair string) {
	snapshotStore, err := storage.NewSnapshotStore(engineCfg.SnapshotDir)
	if err != nil {
		logger.Error("failed to open snapshot directory", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := snapshotStore.Reset(pair); err != nil {
		logger.Error("failed to reset snapshot", slog.String("pair", pair), slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("snapshot reset, next poll will cold-start this pair", slog.String("pair", pair))
}

func runDaemon(logger *slog.Logger, engineCfg *config.EngineConfig, conn *storage.Connection) {
	pairsFile, err := config.LoadPairs(engineCfg.PairsFile)
	if err != nil {
		logger.Error("failed to load pairs file", slog.String("error", err.Error()))
		os.Exit(1)
	}

	mappingStore := storage.NewMappingStore(conn)

	snapshotStore, err := storage.NewSnapshotStore(engineCfg.SnapshotDir)
	if err != nil {
		logger.Error("failed to open snapshot directory", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ldgr, err := ledger.New(engineCfg.Window(), logger, ledger.WithL2Store(ledger.NewPostgresStore(conn)))
	if err != nil {
		logger.Error("failed to build ledger", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer ldgr.Close()

	sheetClient := sheet.NewHTTPClient(engineCfg.SheetBaseURL, engineCfg.SheetAPIToken, engineCfg.RateLimitQPS)

	reg := metrics.NewRegistry(engineCfg.MetricsAddr, logger)

	audit := buildAuditSink(engineCfg, logger)
	defer audit.Close() //nolint:errcheck

	pollerCfg := poller.Config{PauseOnErrorRate: engineCfg.PauseOnErrorRate, Pause: engineCfg.Pause()}

	pollers := make([]*poller.Poller, 0, len(pairsFile.Pairs))
	for _, pair := range pairsFile.Pairs {
		pollers = append(pollers, poller.New(conn, mappingStore, snapshotStore, ldgr, sheetClient, pair, pollerCfg, reg, audit, logger))
	}

	consumer := queue.New(conn, mappingStore, ldgr, sheetClient, pairsFile.Pairs, queue.Config{
		BatchSize:   engineCfg.BatchSize,
		RetryMax:    engineCfg.RetryMax,
		BackoffBase: engineCfg.BackoffBase(),
		BackoffCap:  engineCfg.BackoffCap(),
		StaleClaim:  engineCfg.StaleClaim(),
	}, reg, audit, logger)

	sup := scheduler.New(pollers, consumer, ldgr, reg, audit, engineCfg.ShutdownGrace(), logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("syncd running", slog.Int("pairs", len(pairsFile.Pairs)), slog.String("metrics_addr", engineCfg.MetricsAddr))

	if err := sup.Run(ctx); err != nil {
		logger.Error("scheduler exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info(name + " stopped")
}

func buildAuditSink(engineCfg *config.EngineConfig, logger *slog.Logger) eventbus.Sink {
	if engineCfg.EventbusBrokers == "" {
		return eventbus.NoopSink{}
	}

	return eventbus.NewPublisher(config.ParseCommaSeparatedList(engineCfg.EventbusBrokers), logger)
}
