package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"pricewager/core/types"
	"pricewager/native/wager"
)

type payloadEvent struct{ evt *types.Event }

func (p payloadEvent) EventType() string   { return p.evt.Type }
func (p payloadEvent) Event() *types.Event { return p.evt }

func TestDispatcherSignsSettlement(t *testing.T) {
	var (
		mu        sync.Mutex
		signature string
		eventType string
		body      []byte
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		_ = r.Body.Close()
		mu.Lock()
		signature = r.Header.Get(HeaderSignature)
		eventType = r.Header.Get(HeaderEvent)
		body = data
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()
	secret := []byte("secret")
	reader := sdkmetric.NewManualReader()
	dispatcher, err := NewDispatcher(server.URL, secret,
		WithMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))))
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	defer dispatcher.Close()

	dispatcher.Emit(payloadEvent{&types.Event{Type: wager.EventTypeJoined, Attributes: map[string]string{"id": "aa"}}})
	dispatcher.Emit(payloadEvent{&types.Event{Type: wager.EventTypeResolved, Attributes: map[string]string{"id": "bb", "payout": "20"}}})

	waitFor(func() bool { return counterTotal(t, reader, "pricewager.webhooks.delivered") == 1 }, time.Second)

	mu.Lock()
	defer mu.Unlock()
	if eventType != wager.EventTypeResolved {
		t.Fatalf("expected only resolved events to be forwarded, got %q", eventType)
	}
	if err := Verify(secret, signature, body, time.Now(), time.Minute); err != nil {
		t.Fatalf("signature rejected: %v (%s)", err, signature)
	}
	var payload Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Attributes["payout"] != "20" || payload.DeliveryID == "" {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestVerifyRejectsTampering(t *testing.T) {
	secret := []byte("secret")
	body := []byte(`{"type":"wager.resolved"}`)
	now := time.Unix(1_700_000_000, 0)
	header := Sign(secret, now.Unix(), body)

	if err := Verify(secret, header, body, now.Add(30*time.Second), time.Minute); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}
	cases := map[string]error{
		"body":    Verify(secret, header, []byte(`{}`), now, time.Minute),
		"secret":  Verify([]byte("other"), header, body, now, time.Minute),
		"stale":   Verify(secret, header, body, now.Add(2*time.Minute), time.Minute),
		"garbage": Verify(secret, "sha256=abc", body, now, time.Minute),
	}
	for name, err := range cases {
		if !errors.Is(err, ErrSignature) {
			t.Fatalf("%s: expected signature error, got %v", name, err)
		}
	}
	if err := Verify(secret, header, body, now.Add(time.Hour), 0); err != nil {
		t.Fatalf("zero tolerance must skip the age check: %v", err)
	}
}

func TestDispatcherRetries(t *testing.T) {
	attempts := int32(0)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()
	reader := sdkmetric.NewManualReader()
	dispatcher, err := NewDispatcher(server.URL, []byte("secret"),
		WithRetryPolicy(5, time.Millisecond*10, time.Millisecond*20),
		WithMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))))
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	defer dispatcher.Close()
	if err := dispatcher.Enqueue(Payload{Type: wager.EventTypeTrophy}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitFor(func() bool { return counterTotal(t, reader, "pricewager.webhooks.delivered") == 1 }, time.Second)
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
	if failed := counterTotal(t, reader, "pricewager.webhooks.failed"); failed != 0 {
		t.Fatalf("retried delivery counted as failed: %d", failed)
	}
}

func TestDispatcherDropsWhenQueueFull(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()
	reader := sdkmetric.NewManualReader()
	dispatcher, err := NewDispatcher(server.URL, []byte("secret"), WithQueueSize(1),
		WithMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))))
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	defer dispatcher.Close()
	defer close(release)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 3; i++ {
			dispatcher.Emit(payloadEvent{&types.Event{Type: wager.EventTypeCancelled, Attributes: map[string]string{"id": "cc"}}})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("emit blocked on a full queue")
	}
	if dropped := counterTotal(t, reader, "pricewager.webhooks.dropped"); dropped == 0 {
		t.Fatalf("expected dropped deliveries to be recorded")
	}
}

func TestEnqueueAfterClose(t *testing.T) {
	dispatcher, err := NewDispatcher("http://127.0.0.1:1", []byte("secret"))
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	dispatcher.Close()
	if err := dispatcher.Enqueue(Payload{Type: wager.EventTypeResolved}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
}

func TestNewDispatcherValidation(t *testing.T) {
	if _, err := NewDispatcher(" ", []byte("s")); err == nil {
		t.Fatalf("expected endpoint error")
	}
	if _, err := NewDispatcher("http://localhost", nil); err == nil {
		t.Fatalf("expected secret error")
	}
}

func TestDispatcherRecordsExhaustedRetries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()
	reader := sdkmetric.NewManualReader()
	dispatcher, err := NewDispatcher(server.URL, []byte("secret"),
		WithRetryPolicy(2, time.Millisecond, 2*time.Millisecond),
		WithMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))))
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	defer dispatcher.Close()
	if err := dispatcher.Enqueue(Payload{Type: wager.EventTypeResolved}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitFor(func() bool { return counterTotal(t, reader, "pricewager.webhooks.failed") == 1 }, time.Second)
	if got := counterTotal(t, reader, "pricewager.webhooks.failed"); got != 1 {
		t.Fatalf("expected one failed delivery, got %d", got)
	}
	if got := counterTotal(t, reader, "pricewager.webhooks.delivered"); got != 0 {
		t.Fatalf("expected no deliveries, got %d", got)
	}
}

// counterTotal sums every data point of the named int64 counter.
func counterTotal(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}
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

func waitFor(cond func() bool, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond * 10)
	}
}
