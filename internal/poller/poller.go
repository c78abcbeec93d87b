// Package poller implements the Sheet-side poller/diff (C3): per TablePair,
// it reads the Sheet's full current state on a tick, diffs it against the
// last snapshot, and applies the resulting CREATE/UPDATE/DELETE to the DB —
// after checking the anti-loop ledger so it never re-applies its own echo.
package poller

import (
	"context"
	"log/slog"
	"sync"
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

// healthWindowSize is how many applyChange outcomes the pause-on-error-rate
// circuit breaker samples before it recomputes a pair's failure rate.
const healthWindowSize = 20

// Config holds the self-protection tunables read from EngineConfig. A zero
// PauseOnErrorRate disables the circuit breaker.
type Config struct {
	PauseOnErrorRate float64
	Pause            time.Duration
}

// Metrics is the minimal surface the poller reports through, satisfied by
// internal/metrics.Registry.
type Metrics interface {
	SyncSuccess(direction model.Direction)
	SyncFailure(direction model.Direction, kind syncerr.Kind)
	SyncSkip(reason string)
	PollOverrun(pair string)
	ObserveSyncLatency(d time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) SyncSuccess(model.Direction)               {}
func (noopMetrics) SyncFailure(model.Direction, syncerr.Kind) {}
func (noopMetrics) SyncSkip(string)                           {}
func (noopMetrics) PollOverrun(string)                        {}
func (noopMetrics) ObserveSyncLatency(time.Duration)          {}

// Poller owns one TablePair's tick loop. Pairs run independently (§4.3):
// one Poller per pair, each with its own ticker.
type Poller struct {
	conn          *storage.Connection
	mappingStore  *storage.MappingStore
	snapshotStore *storage.SnapshotStore
	ledger        *ledger.Ledger
	sheetClient   sheet.Client
	mapper        *canonicalization.Mapper
	pair          model.TablePair
	metrics       Metrics
	audit         eventbus.Sink
	logger        *slog.Logger
	cfg           Config

	running   atomic.Bool
	hasTicked atomic.Bool

	healthMu    sync.Mutex
	windowOK    int
	windowFail  int
	pausedUntil time.Time
}

// New builds a Poller for one pair.
func New(
	conn *storage.Connection,
	mappingStore *storage.MappingStore,
	snapshotStore *storage.SnapshotStore,
	ldgr *ledger.Ledger,
	sheetClient sheet.Client,
	pair model.TablePair,
	cfg Config,
	metrics Metrics,
	audit eventbus.Sink,
	logger *slog.Logger,
) *Poller {
	if metrics == nil {
		metrics = noopMetrics{}
	}

	if audit == nil {
		audit = eventbus.NoopSink{}
	}

	return &Poller{
		conn:          conn,
		mappingStore:  mappingStore,
		snapshotStore: snapshotStore,
		ledger:        ldgr,
		sheetClient:   sheetClient,
		mapper:        canonicalization.NewMapper(pair),
		pair:          pair,
		cfg:           cfg,
		metrics:       metrics,
		audit:         audit,
		logger:        logger,
	}
}

// Run ticks every pair.PollInterval until ctx is canceled. An overlapping
// tick (the previous one still running) is skipped and counted rather than
// queued, per §4.3.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.pair.PollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.tickOnce(ctx)
		}
	}
}

func (p *Poller) tickOnce(ctx context.Context) {
	if until, paused := p.isPaused(); paused {
		p.logger.Warn("poller: skipping tick, pair paused on elevated failure rate",
			slog.String("pair", p.pair.Name), slog.Time("until", until))

		return
	}

	if !p.running.CompareAndSwap(false, true) {
		p.metrics.PollOverrun(p.pair.Name)
		p.logger.Warn("poller: tick overrun, previous tick still running", slog.String("pair", p.pair.Name))

		return
	}
	defer p.running.Store(false)

	if err := p.tick(ctx); err != nil {
		p.logger.Error("poller: tick failed", slog.String("pair", p.pair.Name), slog.String("error", err.Error()))
	}
}

func (p *Poller) tick(ctx context.Context) error {
	old, err := p.snapshotStore.Load(p.pair.Name)
	if err != nil {
		return err
	}

	coldStart := !p.hasTicked.Swap(true) && !p.snapshotStore.Exists(p.pair.Name)

	records, err := p.sheetClient.ListRecords(ctx, p.pair.SheetDB, p.pair.SheetTable)
	if err != nil {
		return err
	}

	mapped := p.mapRecords(records)

	if coldStart {
		newSnapshot := make(model.Snapshot, len(mapped))
		for _, rec := range mapped {
			newSnapshot[rec.ExternalID] = rec.Fingerprint
		}

		return p.snapshotStore.Save(p.pair.Name, newSnapshot)
	}

	upserts, deletes, newSnapshot := diffSnapshot(p.pair.Name, old, mapped)

	// diffSnapshot eagerly fills newSnapshot from the current read, but that's
	// only correct for changes that actually applied. A failed apply (most
	// commonly transient) must hold its entry back to the pre-change value so
	// the next tick re-detects it as a change instead of a no-op — Snapshot[id]
	// tracks the last *applied* fingerprint, not the last *observed* one.
	for _, ev := range upserts {
		if p.applyChange(ctx, ev) {
			continue
		}

		if oldFP, existed := old[ev.ExternalID]; existed {
			newSnapshot[ev.ExternalID] = oldFP
		} else {
			delete(newSnapshot, ev.ExternalID)
		}
	}

	for _, ev := range deletes {
		if !p.applyChange(ctx, ev) {
			newSnapshot[ev.ExternalID] = ev.Fingerprint
		}
	}

	return p.snapshotStore.Save(p.pair.Name, newSnapshot)
}

// mapRecords translates every Sheet record through the pair's FieldMap,
// logging and skipping (not failing the whole tick on) any row whose key
// field is missing or non-scalar — a MappingError per §4.1.
func (p *Poller) mapRecords(records []sheet.Record) []mappedRecord {
	mapped := make([]mappedRecord, 0, len(records))

	for _, rec := range records {
		keyValue, dbRecord, err := p.mapper.SheetToDB(rec.Fields)
		if err != nil {
			p.logger.Warn("poller: skipping unmappable sheet record",
				slog.String("pair", p.pair.Name), slog.String("external_id", rec.ExternalID), slog.String("error", err.Error()))

			continue
		}

		fp, err := canonicalization.FingerprintRecord(dbRecord)
		if err != nil {
			p.logger.Warn("poller: skipping unfingerprintable sheet record",
				slog.String("pair", p.pair.Name), slog.String("external_id", rec.ExternalID), slog.String("error", err.Error()))

			continue
		}

		mapped = append(mapped, mappedRecord{
			ExternalID:  rec.ExternalID,
			KeyValue:    keyValue,
			Payload:     dbRecord,
			Fingerprint: fp,
		})
	}

	return mapped
}

// applyChange applies one detected change to the DB and reports whether it
// succeeded. A false return (apply failed, of any kind) means the caller must
// not advance that id's snapshot entry, so the change is retried next tick.
func (p *Poller) applyChange(ctx context.Context, ev model.ChangeEvent) bool {
	if p.ledger.ShouldSkip(ctx, ev.Fingerprint, model.SheetToDB.Opposite()) {
		p.metrics.SyncSkip("echo")

		return true
	}

	var err error

	switch ev.Action {
	case model.Insert, model.Update:
		err = p.applyUpsertChange(ctx, ev)
	case model.Delete:
		err = p.applyDeleteChange(ctx, ev)
	}

	if err != nil {
		kind, _ := syncerr.KindOf(err)
		p.metrics.SyncFailure(model.SheetToDB, kind)
		p.logger.Error("poller: failed to apply change",
			slog.String("pair", p.pair.Name), slog.String("external_id", ev.ExternalID), slog.String("error", err.Error()))
		p.recordOutcome(false)

		return false
	}

	p.ledger.Remember(ctx, ev.Fingerprint, model.SheetToDB)
	p.metrics.SyncSuccess(model.SheetToDB)
	p.metrics.ObserveSyncLatency(time.Since(ev.DetectedAt))
	p.audit.Publish(ctx, ev)
	p.recordOutcome(true)

	return true
}

// recordOutcome feeds a window of healthWindowSize applyChange results that
// starts over each time it fills; when it fills with a failure rate above
// cfg.PauseOnErrorRate, the pair pauses for cfg.Pause
// rather than hammering a Sheet or DB that's already failing (§4.5).
func (p *Poller) recordOutcome(success bool) {
	if p.cfg.PauseOnErrorRate <= 0 {
		return
	}

	p.healthMu.Lock()
	defer p.healthMu.Unlock()

	if success {
		p.windowOK++
	} else {
		p.windowFail++
	}

	total := p.windowOK + p.windowFail
	if total < healthWindowSize {
		return
	}

	if rate := float64(p.windowFail) / float64(total); rate > p.cfg.PauseOnErrorRate {
		p.pausedUntil = time.Now().Add(p.cfg.Pause)
		p.logger.Warn("poller: pausing pair, elevated failure rate",
			slog.String("pair", p.pair.Name), slog.Float64("failure_rate", rate), slog.Duration("pause", p.cfg.Pause))
	}

	p.windowOK, p.windowFail = 0, 0
}

func (p *Poller) isPaused() (time.Time, bool) {
	p.healthMu.Lock()
	defer p.healthMu.Unlock()

	return p.pausedUntil, time.Now().Before(p.pausedUntil)
}

func (p *Poller) applyUpsertChange(ctx context.Context, ev model.ChangeEvent) error {
	if err := applyUpsert(ctx, p.conn.DB, p.pair.DBTable, p.pair.KeyField, ev.KeyValue, ev.Payload); err != nil {
		return err
	}

	return p.mappingStore.Put(ctx, p.pair.Name, ev.KeyValue, ev.ExternalID)
}

func (p *Poller) applyDeleteChange(ctx context.Context, ev model.ChangeEvent) error {
	keyValue, err := p.mappingStore.KeyValue(ctx, p.pair.Name, ev.ExternalID)
	if err != nil {
		// No known mapping: nothing on the DB side to delete.
		return nil
	}

	if err := applyDelete(ctx, p.conn.DB, p.pair.DBTable, p.pair.KeyField, keyValue); err != nil {
		return err
	}

	return p.mappingStore.Delete(ctx, p.pair.Name, keyValue)
}
