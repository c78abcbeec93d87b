// Package eventbus implements the optional audit publisher (C6): a
// best-effort, non-blocking Kafka producer that mirrors every applied
// ChangeEvent to a per-pair topic for downstream observability. Publish
// failures never block or fail the sync path that produced the event.
package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/segmentio/kafka-go"

	"github.com/lory7c/db-fs/internal/model"
)

var publishErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "eventbus_publish_errors_total",
	Help: "number of ChangeEvents that failed to publish to the audit topic",
})

const writeTimeout = 5 * time.Second

// Sink is the audit publisher's contract: poller and queue consumer hold one
// of these and call Publish after every successfully applied change.
type Sink interface {
	Publish(ctx context.Context, ev model.ChangeEvent)
	Close() error
}

// Publisher is a Sink backed by a Kafka producer, one topic per pair
// (sync.changes.<pair>). Writes are async: WriteMessages returns immediately
// and delivery failures are counted via the writer's Completion callback
// rather than surfaced to the caller.
type Publisher struct {
	writer *kafka.Writer
	logger *slog.Logger
}

// NewPublisher dials no brokers eagerly; kafka-go connects lazily on first write.
func NewPublisher(brokers []string, logger *slog.Logger) *Publisher {
	p := &Publisher{logger: logger}

	p.writer = &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.LeastBytes{},
		Async:        true,
		WriteTimeout: writeTimeout,
		Completion: func(_ []kafka.Message, err error) {
			if err != nil {
				publishErrorsTotal.Inc()
				logger.Warn("eventbus: publish failed", slog.String("error", err.Error()))
			}
		},
	}

	return p
}

// Publish marshals ev and enqueues it on the pair's topic. Marshal failures
// are logged and counted; they never propagate to the caller.
func (p *Publisher) Publish(ctx context.Context, ev model.ChangeEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		publishErrorsTotal.Inc()
		p.logger.Warn("eventbus: failed to marshal change event",
			slog.String("pair", ev.Pair), slog.String("error", err.Error()))

		return
	}

	msg := kafka.Message{
		Topic: "sync.changes." + ev.Pair,
		Key:   []byte(ev.ExternalID),
		Value: payload,
		Time:  ev.DetectedAt,
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		publishErrorsTotal.Inc()
		p.logger.Warn("eventbus: failed to enqueue change event",
			slog.String("pair", ev.Pair), slog.String("error", err.Error()))
	}
}

// Close flushes and closes the underlying Kafka writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}

// NoopSink is a Sink that discards every event, used when eventbus_brokers
// is unconfigured (C6 is optional).
type NoopSink struct{}

func (NoopSink) Publish(context.Context, model.ChangeEvent) {}
func (NoopSink) Close() error                               { return nil }
