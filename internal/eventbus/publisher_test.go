package eventbus

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/lory7c/db-fs/internal/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNoopSink_DiscardsEvents(t *testing.T) {
	var sink Sink = NoopSink{}

	sink.Publish(context.Background(), model.ChangeEvent{Pair: "customers"})
	require.NoError(t, sink.Close())
}

func TestPublisher_PublishReturnsWithoutBlockingOnUnreachableBroker(t *testing.T) {
	p := NewPublisher([]string{"127.0.0.1:1"}, discardLogger())
	t.Cleanup(func() { _ = p.Close() })

	done := make(chan struct{})

	go func() {
		p.Publish(context.Background(), model.ChangeEvent{
			Pair:       "customers",
			Action:     model.Insert,
			ExternalID: "ext_1",
			DetectedAt: time.Now(),
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on an unreachable broker")
	}
}

func TestPublisher_CountsPublishErrors(t *testing.T) {
	before := testutil.ToFloat64(publishErrorsTotal)

	p := NewPublisher([]string{"127.0.0.1:1"}, discardLogger())
	t.Cleanup(func() { _ = p.Close() })

	for i := 0; i < 3; i++ {
		p.Publish(context.Background(), model.ChangeEvent{Pair: "customers", ExternalID: "ext_x"})
	}

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(publishErrorsTotal) > before
	}, 5*time.Second, 50*time.Millisecond)
}
