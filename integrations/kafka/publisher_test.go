package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"pricewager/core/types"
)

type recordingWriter struct {
	mu       sync.Mutex
	messages []kafkago.Message
	failures int
	closed   bool
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failures > 0 {
		w.failures--
		return errors.New("broker unavailable")
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *recordingWriter) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return nil
}

type payloadEvent struct{ evt *types.Event }

func (p payloadEvent) EventType() string   { return p.evt.Type }
func (p payloadEvent) Event() *types.Event { return p.evt }

type blockingWriter struct {
	release chan struct{}
}

func (w *blockingWriter) WriteMessages(ctx context.Context, _ ...kafkago.Message) error {
	select {
	case <-w.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *blockingWriter) Close() error { return nil }

func TestPublisherKeysByBetID(t *testing.T) {
	writer := &recordingWriter{failures: 2}
	reader := sdkmetric.NewManualReader()
	pub, err := NewPublisher(writer, WithRetryPolicy(5, time.Millisecond, 2*time.Millisecond),
		WithMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))))
	require.NoError(t, err)
	pub.nowFn = func() time.Time { return time.Unix(1_700_000_000, 0) }

	pub.Emit(payloadEvent{&types.Event{Type: "wager.created", Attributes: map[string]string{"id": "abcd", "stake": "10"}}})
	pub.Emit(payloadEvent{&types.Event{Type: "wager.deposit", Attributes: map[string]string{"amount": "5"}}})
	require.NoError(t, pub.Close())

	require.True(t, writer.closed)
	require.Len(t, writer.messages, 2)
	require.Equal(t, "abcd", string(writer.messages[0].Key))
	require.Equal(t, "deposit", string(writer.messages[1].Key))
	require.Equal(t, int64(2), counterTotal(t, reader, "pricewager.kafka.delivered"))

	var env Envelope
	require.NoError(t, json.Unmarshal(writer.messages[0].Value, &env))
	require.Equal(t, "wager.created", env.Type)
	require.Equal(t, "10", env.Attributes["stake"])
	require.Equal(t, int64(1_700_000_000), env.EmittedAt)

	require.ErrorIs(t, pub.Publish(&types.Event{Type: "wager.joined"}), ErrClosed)
}

func TestPublisherGivesUpAfterMaxAttempts(t *testing.T) {
	writer := &recordingWriter{failures: 10}
	reader := sdkmetric.NewManualReader()
	pub, err := NewPublisher(writer, WithRetryPolicy(2, time.Millisecond, time.Millisecond),
		WithMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))))
	require.NoError(t, err)
	require.NoError(t, pub.Publish(&types.Event{Type: "wager.created", Attributes: map[string]string{"id": "01"}}))
	require.NoError(t, pub.Close())
	require.Empty(t, writer.messages)
	require.Equal(t, 8, writer.failures)
	require.Equal(t, int64(1), counterTotal(t, reader, "pricewager.kafka.failed"))
	require.Zero(t, counterTotal(t, reader, "pricewager.kafka.delivered"))
}

func TestPublisherRecordsDroppedEvents(t *testing.T) {
	writer := &blockingWriter{release: make(chan struct{})}
	reader := sdkmetric.NewManualReader()
	pub, err := NewPublisher(writer, WithQueueSize(1),
		WithMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))))
	require.NoError(t, err)

	var full int
	for i := 0; i < 3; i++ {
		if errors.Is(pub.Publish(&types.Event{Type: "wager.joined", Attributes: map[string]string{"id": "02"}}), ErrQueueFull) {
			full++
		}
	}
	close(writer.release)
	require.NoError(t, pub.Close())

	require.Positive(t, full)
	require.Equal(t, int64(full), counterTotal(t, reader, "pricewager.kafka.dropped"))
	require.ErrorIs(t, pub.Publish(&types.Event{Type: "wager.joined"}), ErrClosed)
	require.Equal(t, int64(full+1), counterTotal(t, reader, "pricewager.kafka.dropped"))
}

func counterTotal(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func TestNewPublisherRequiresWriter(t *testing.T) {
	_, err := NewPublisher(nil)
	require.Error(t, err)
}
