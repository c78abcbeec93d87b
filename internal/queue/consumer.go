// Package queue implements the DB-side queue consumer (C4): it claims
// pending sync_queue rows, recomputes their fingerprint, consults the
// anti-loop ledger, and translates surviving rows into Sheet writes with
// exponential backoff on failure.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/lory7c/db-fs/internal/canonicalization"
	"github.com/lory7c/db-fs/internal/eventbus"
	"github.com/lory7c/db-fs/internal/ledger"
	"github.com/lory7c/db-fs/internal/model"
	"github.com/lory7c/db-fs/internal/sheet"
	"github.com/lory7c/db-fs/internal/storage"
	"github.com/lory7c/db-fs/internal/syncerr"
)

const tickInterval = 1 * time.Second

// Queue-depth self-protection (§4.5): once pending rows exceed alarmMultiplier
// times the configured batch size, the consumer widens its claim batch (up
// to maxBatchMultiplier times the configured size) to drain the backlog
// faster, and narrows back once the depth normalizes.
const (
	alarmMultiplier    = 3
	maxBatchMultiplier = 10
)

// Config holds the tunables the consumer reads from EngineConfig (kept as
// plain fields rather than a config.EngineConfig dependency, so this package
// doesn't need to import internal/config).
type Config struct {
	BatchSize   int
	RetryMax    int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	StaleClaim  time.Duration
}

// Metrics is the minimal surface the consumer reports through, satisfied by
// internal/metrics.Registry. Kept as an interface here so queue never imports
// the metrics package directly.
type Metrics interface {
	SyncSuccess(direction model.Direction)
	SyncFailure(direction model.Direction, kind syncerr.Kind)
	SyncSkip(reason string)
	QueueDepth(n int)
	ObserveSyncLatency(d time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) SyncSuccess(model.Direction)               {}
func (noopMetrics) SyncFailure(model.Direction, syncerr.Kind) {}
func (noopMetrics) SyncSkip(string)                           {}
func (noopMetrics) QueueDepth(int)                            {}
func (noopMetrics) ObserveSyncLatency(time.Duration)          {}

// Consumer drains sync_queue for every configured pair, sharing one DB pool,
// one ledger, and one rate-limited Sheet client across pairs (§4.6).
type Consumer struct {
	conn         *storage.Connection
	mappingStore *storage.MappingStore
	ledger       *ledger.Ledger
	sheetClient  sheet.Client
	pairsByTable map[string]model.TablePair
	mappers      map[string]*canonicalization.Mapper
	cfg          Config
	metrics      Metrics
	audit        eventbus.Sink
	logger       *slog.Logger

	effectiveBatch atomic.Int64
}

// New builds a Consumer over the given pairs, keyed internally by db_table
// since that's what sync_queue.table_name carries.
func New(
	conn *storage.Connection,
	mappingStore *storage.MappingStore,
	ldgr *ledger.Ledger,
	sheetClient sheet.Client,
	pairs []model.TablePair,
	cfg Config,
	metrics Metrics,
	audit eventbus.Sink,
	logger *slog.Logger,
) *Consumer {
	if metrics == nil {
		metrics = noopMetrics{}
	}

	if audit == nil {
		audit = eventbus.NoopSink{}
	}

	c := &Consumer{
		conn:         conn,
		mappingStore: mappingStore,
		ledger:       ldgr,
		sheetClient:  sheetClient,
		pairsByTable: make(map[string]model.TablePair, len(pairs)),
		mappers:      make(map[string]*canonicalization.Mapper, len(pairs)),
		cfg:          cfg,
		metrics:      metrics,
		audit:        audit,
		logger:       logger,
	}

	for _, pair := range pairs {
		c.pairsByTable[pair.DBTable] = pair
		c.mappers[pair.DBTable] = canonicalization.NewMapper(pair)
	}

	c.effectiveBatch.Store(int64(cfg.BatchSize))

	return c
}

// Run recovers stale claims left by a previous crash, then ticks forever
// until ctx is canceled.
func (c *Consumer) Run(ctx context.Context) error {
	if n, err := recoverStaleClaims(ctx, c.conn.DB, c.cfg.StaleClaim); err != nil {
		c.logger.Warn("queue: stale claim recovery failed", slog.String("error", err.Error()))
	} else if n > 0 {
		c.logger.Info("queue: recovered stale claims", slog.Int64("count", n))
	}

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.processBatch(ctx); err != nil {
				c.logger.Error("queue: batch processing failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (c *Consumer) processBatch(ctx context.Context) error {
	c.adjustBatchSize(ctx)

	rows, err := claimBatch(ctx, c.conn.DB, c.cfg.RetryMax, int(c.effectiveBatch.Load()))
	if err != nil {
		return err
	}

	for _, row := range rows {
		c.processRow(ctx, row)
	}

	return nil
}

// adjustBatchSize reports the current queue depth and widens or narrows the
// claim batch size in response, per §4.5's queue-depth alarm.
func (c *Consumer) adjustBatchSize(ctx context.Context) {
	depth, err := pendingCount(ctx, c.conn.DB)
	if err != nil {
		c.logger.Warn("queue: failed to read pending count", slog.String("error", err.Error()))

		return
	}

	c.metrics.QueueDepth(depth)

	base := c.cfg.BatchSize
	widened := base

	if depth > alarmMultiplier*base {
		widened = base * maxBatchMultiplier
		c.logger.Warn("queue: depth alarm, widening claim batch",
			slog.Int("depth", depth), slog.Int("base_batch", base), slog.Int("widened_batch", widened))
	}

	c.effectiveBatch.Store(int64(widened))
}

func (c *Consumer) processRow(ctx context.Context, row model.QueueRow) {
	pair, ok := c.pairsByTable[row.Pair]
	if !ok {
		c.fail(ctx, row, fmt.Errorf("no configured pair for table %q", row.Pair))

		return
	}

	mapper := c.mappers[row.Pair]

	dbRecord, err := decodeRow(row)
	if err != nil {
		c.fail(ctx, row, err)

		return
	}

	fp, err := canonicalization.FingerprintRecord(dbRecord)
	if err != nil {
		c.fail(ctx, row, err)

		return
	}

	if string(fp) != row.SyncHash {
		c.logger.Warn("queue: recomputed fingerprint disagrees with sync_hash",
			slog.String("table", row.Pair), slog.String("record_id", row.RecordID),
			slog.String("recomputed", string(fp)), slog.String("sync_hash", row.SyncHash))
	}

	if c.ledger.ShouldSkip(ctx, fp, model.DBToSheet.Opposite()) {
		c.metrics.SyncSkip("echo")
		c.complete(ctx, row)

		return
	}

	sheetFields, err := mapper.DBToSheet(dbRecord)
	if err != nil {
		c.fail(ctx, row, err)

		return
	}

	externalID, err := c.applyToSheet(ctx, pair, row, sheetFields)
	if err != nil {
		c.retryOrFail(ctx, row, err)

		return
	}

	c.ledger.Remember(ctx, fp, model.DBToSheet)
	c.metrics.SyncSuccess(model.DBToSheet)
	c.metrics.ObserveSyncLatency(time.Since(row.CreatedAt))
	c.audit.Publish(ctx, model.ChangeEvent{
		Pair:        row.Pair,
		Action:      row.Action,
		ExternalID:  externalID,
		KeyValue:    row.RecordID,
		Payload:     dbRecord,
		Fingerprint: fp,
		Direction:   model.DBToSheet,
		DetectedAt:  row.CreatedAt,
	})
	c.complete(ctx, row)
}

func decodeRow(row model.QueueRow) (model.Record, error) {
	payload := row.NewJSON
	if row.Action == model.Delete {
		payload = row.OldJSON
	}

	var rec model.Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, syncerr.New(syncerr.MappingError, "queue.decodeRow", err)
	}

	return rec, nil
}

// applyToSheet translates one QueueRow's action into the corresponding Sheet
// write, per §4.4's INSERT/UPDATE-with-fallback/DELETE-with-absent rules.
// applyToSheet returns the Sheet-side external ID the row was written to
// (or deleted from), so the caller can publish it on the audit sink.
func (c *Consumer) applyToSheet(
	ctx context.Context, pair model.TablePair, row model.QueueRow, fields map[string]model.Value,
) (string, error) {
	switch row.Action {
	case model.Insert:
		return c.applyInsert(ctx, pair, row, fields)
	case model.Update:
		return c.applyUpdate(ctx, pair, row, fields)
	case model.Delete:
		return c.applyDelete(ctx, pair, row)
	default:
		return "", syncerr.New(syncerr.MappingError, "queue.applyToSheet",
			fmt.Errorf("unknown action %q", row.Action))
	}
}

func (c *Consumer) applyInsert(
	ctx context.Context, pair model.TablePair, row model.QueueRow, fields map[string]model.Value,
) (string, error) {
	if existing, err := c.mappingStore.ExternalID(ctx, pair.Name, row.RecordID); err == nil {
		return existing, c.sheetClient.UpdateRecord(ctx, pair.SheetDB, pair.SheetTable, existing, fields)
	}

	externalID, err := c.sheetClient.CreateRecord(ctx, pair.SheetDB, pair.SheetTable, fields)
	if err != nil {
		return "", err
	}

	return externalID, c.mappingStore.Put(ctx, pair.Name, row.RecordID, externalID)
}

func (c *Consumer) applyUpdate(
	ctx context.Context, pair model.TablePair, row model.QueueRow, fields map[string]model.Value,
) (string, error) {
	externalID, err := c.mappingStore.ExternalID(ctx, pair.Name, row.RecordID)
	if err == nil {
		return externalID, c.sheetClient.UpdateRecord(ctx, pair.SheetDB, pair.SheetTable, externalID, fields)
	}

	// Fallback: query the Sheet by key field before giving up on the mapping.
	keyField, ok := pair.FieldMap.SheetField(pair.KeyField)
	if ok {
		found, qerr := c.sheetClient.Query(ctx, pair.SheetDB, pair.SheetTable, keyField, row.RecordID)
		if qerr == nil {
			if perr := c.mappingStore.Put(ctx, pair.Name, row.RecordID, found.ExternalID); perr != nil {
				return "", perr
			}

			return found.ExternalID, c.sheetClient.UpdateRecord(ctx, pair.SheetDB, pair.SheetTable, found.ExternalID, fields)
		}
	}

	// Degrade to INSERT: the row doesn't exist on the Sheet side at all yet.
	externalID, err = c.sheetClient.CreateRecord(ctx, pair.SheetDB, pair.SheetTable, fields)
	if err != nil {
		return "", err
	}

	return externalID, c.mappingStore.Put(ctx, pair.Name, row.RecordID, externalID)
}

func (c *Consumer) applyDelete(ctx context.Context, pair model.TablePair, row model.QueueRow) (string, error) {
	externalID, err := c.mappingStore.ExternalID(ctx, pair.Name, row.RecordID)
	if err != nil {
		// Already absent from the mapping: nothing to delete on the Sheet side.
		return "", nil
	}

	if err := c.sheetClient.DeleteRecord(ctx, pair.SheetDB, pair.SheetTable, externalID); err != nil {
		return "", err
	}

	return externalID, c.mappingStore.Delete(ctx, pair.Name, row.RecordID)
}

func (c *Consumer) complete(ctx context.Context, row model.QueueRow) {
	if err := markCompleted(ctx, c.conn.DB, row.ID); err != nil {
		c.logger.Error("queue: failed to mark row completed",
			slog.String("id", row.ID), slog.String("error", err.Error()))
	}
}

func (c *Consumer) retryOrFail(ctx context.Context, row model.QueueRow, cause error) {
	kind, _ := syncerr.KindOf(cause)
	c.metrics.SyncFailure(model.DBToSheet, kind)

	if !kind.Retryable() || row.RetryCount+1 >= c.cfg.RetryMax {
		c.fail(ctx, row, cause)

		return
	}

	next := time.Now().Add(nextBackoff(row.RetryCount, c.cfg.BackoffBase, c.cfg.BackoffCap))
	if err := reschedule(ctx, c.conn.DB, row.ID, next, cause.Error()); err != nil {
		c.logger.Error("queue: failed to reschedule row",
			slog.String("id", row.ID), slog.String("error", err.Error()))
	}
}

func (c *Consumer) fail(ctx context.Context, row model.QueueRow, cause error) {
	c.logger.Error("queue: row failed permanently",
		slog.String("id", row.ID), slog.String("table", row.Pair), slog.String("error", cause.Error()))

	if err := markFailed(ctx, c.conn.DB, row.ID, cause.Error()); err != nil {
		c.logger.Error("queue: failed to mark row failed",
			slog.String("id", row.ID), slog.String("error", err.Error()))
	}
}
