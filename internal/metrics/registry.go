// Package metrics exposes the engine's health counters (§4.5) as Prometheus
// collectors and serves them over HTTP for the scheduler's metrics-publisher
// task.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lory7c/db-fs/internal/model"
	"github.com/lory7c/db-fs/internal/syncerr"
)

var (
	syncSuccessTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_success_total",
		Help: "number of changes successfully applied to the opposite side, by direction",
	}, []string{"direction"})

	syncFailureTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_failure_total",
		Help: "number of changes that failed to apply, by direction and error kind",
	}, []string{"direction", "kind"})

	syncSkipTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_skip_total",
		Help: "number of changes skipped without applying, by reason",
	}, []string{"reason"})

	queueDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "queue_depth",
		Help: "current count of pending sync_queue rows",
	})

	pollOverrunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poll_overruns_total",
		Help: "number of poll ticks skipped because the previous tick was still running, by pair",
	}, []string{"pair"})

	ledgerEntriesGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_entries",
		Help: "current count of live L1 anti-loop ledger entries",
	})

	syncLatencySeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "avg_sync_latency_seconds",
		Help:    "time from change detection to successful application on the opposite side",
		Buckets: prometheus.DefBuckets,
	})
)

// Registry implements the Metrics interfaces consumed by internal/poller and
// internal/queue, backed by package-level Prometheus collectors.
type Registry struct {
	addr   string
	server *http.Server
	logger *slog.Logger
}

// NewRegistry binds a Registry to the address its /metrics endpoint will
// serve on; Serve actually starts listening.
func NewRegistry(addr string, logger *slog.Logger) *Registry {
	return &Registry{addr: addr, logger: logger}
}

func (r *Registry) SyncSuccess(direction model.Direction) {
	syncSuccessTotal.WithLabelValues(string(direction)).Inc()
}

func (r *Registry) SyncFailure(direction model.Direction, kind syncerr.Kind) {
	syncFailureTotal.WithLabelValues(string(direction), string(kind)).Inc()
}

func (r *Registry) SyncSkip(reason string) {
	syncSkipTotal.WithLabelValues(reason).Inc()
}

func (r *Registry) QueueDepth(n int) {
	queueDepthGauge.Set(float64(n))
}

func (r *Registry) PollOverrun(pair string) {
	pollOverrunsTotal.WithLabelValues(pair).Inc()
}

func (r *Registry) LedgerEntries(n int) {
	ledgerEntriesGauge.Set(float64(n))
}

func (r *Registry) ObserveSyncLatency(d time.Duration) {
	syncLatencySeconds.Observe(d.Seconds())
}

// Serve starts the /metrics HTTP endpoint and blocks until ctx is canceled,
// then shuts down gracefully.
func (r *Registry) Serve(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	r.server = &http.Server{Addr: r.addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	serverErrors := make(chan error, 1)

	go func() {
		r.logger.Info("metrics: serving", slog.String("address", r.addr))

		if err := r.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- fmt.Errorf("metrics: server failed: %w", err)
		}
	}()

	select {
	case err := <-serverErrors:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		return r.server.Shutdown(shutdownCtx)
	}
}
