// Package scheduler implements the scheduler and supervisor (C5): it starts
// one poller per pair, the shared queue consumer, and the metrics endpoint
// under a single cancellation scope, and waits out a bounded grace period on
// shutdown before returning, generalizing a stop-channel-and-wait-group
// shutdown from one background goroutine to several long-running tasks.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/lory7c/db-fs/internal/eventbus"
	"github.com/lory7c/db-fs/internal/ledger"
	"github.com/lory7c/db-fs/internal/metrics"
	"github.com/lory7c/db-fs/internal/poller"
	"github.com/lory7c/db-fs/internal/queue"
)

// ledgerPublishInterval is how often the supervisor samples ledger.Len() into
// the ledger_entries gauge.
const ledgerPublishInterval = 5 * time.Second

// Supervisor owns every long-running task's lifecycle and a single shared
// cancellation scope. Run blocks until ctx is canceled, then waits up to
// shutdownGrace for every task to return before giving up and returning.
type Supervisor struct {
	pollers  []*poller.Poller
	consumer *queue.Consumer
	ledger   *ledger.Ledger
	metrics  *metrics.Registry
	audit    eventbus.Sink

	shutdownGrace time.Duration
	logger        *slog.Logger
}

// New builds a Supervisor over every task the engine runs. audit may be
// eventbus.NoopSink{} when the audit publisher is unconfigured.
func New(
	pollers []*poller.Poller,
	consumer *queue.Consumer,
	ldgr *ledger.Ledger,
	reg *metrics.Registry,
	audit eventbus.Sink,
	shutdownGrace time.Duration,
	logger *slog.Logger,
) *Supervisor {
	return &Supervisor{
		pollers:       pollers,
		consumer:      consumer,
		ledger:        ldgr,
		metrics:       reg,
		audit:         audit,
		shutdownGrace: shutdownGrace,
		logger:        logger,
	}
}

// Run starts every task and blocks until ctx is canceled. It then gives every
// task up to s.shutdownGrace to return cooperatively before returning itself,
// logging (but not failing on) tasks still running past the deadline.
func (s *Supervisor) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	s.spawn(ctx, &wg, "consumer", s.consumer.Run)

	for _, p := range s.pollers {
		s.spawn(ctx, &wg, "poller", p.Run)
	}

	s.spawn(ctx, &wg, "metrics", s.metrics.Serve)

	wg.Add(1)

	go func() {
		defer wg.Done()
		s.publishLedgerSize(ctx)
	}()

	<-ctx.Done()
	s.logger.Info("scheduler: shutdown signal received, waiting for tasks to stop",
		slog.Duration("grace", s.shutdownGrace))

	done := make(chan struct{})

	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("scheduler: all tasks stopped cleanly")
	case <-time.After(s.shutdownGrace):
		s.logger.Warn("scheduler: shutdown grace period elapsed, some tasks may still be running")
	}

	if err := s.audit.Close(); err != nil {
		s.logger.Warn("scheduler: failed to close audit publisher", slog.String("error", err.Error()))
	}

	return nil
}

// spawn runs task(ctx) in its own goroutine, logging a non-cancellation error
// and counting task against wg so Run's shutdown wait can observe it exiting.
func (s *Supervisor) spawn(ctx context.Context, wg *sync.WaitGroup, name string, task func(context.Context) error) {
	wg.Add(1)

	go func() {
		defer wg.Done()

		if err := task(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("scheduler: task exited with error", slog.String("task", name), slog.String("error", err.Error()))
		}
	}()
}

func (s *Supervisor) publishLedgerSize(ctx context.Context) {
	ticker := time.NewTicker(ledgerPublishInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.metrics.LedgerEntries(s.ledger.Len())
		}
	}
}
