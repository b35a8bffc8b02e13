// Package webhooks delivers signed settlement notifications to an operator
// endpoint.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"pricewager/core/events"
	"pricewager/native/wager"
	telemetry "pricewager/observability/otel"
)

const (
	defaultMaxAttempts = 5
	defaultMinBackoff  = 2 * time.Second
	defaultMaxBackoff  = 30 * time.Second
	defaultQueueSize   = 64

	HeaderEvent     = "X-Wager-Event"
	HeaderSignature = "X-Wager-Signature"
	HeaderDelivery  = "X-Wager-Delivery"
)

var (
	ErrQueueFull = errors.New("webhook: delivery queue full")
	ErrClosed    = errors.New("webhook: dispatcher closed")
	ErrSignature = errors.New("webhook: signature mismatch")
)

// Payload is the webhook body.
type Payload struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	SentAt     time.Time         `json:"sentAt"`
	DeliveryID string            `json:"deliveryId"`
}

// Dispatcher forwards settlement events (resolutions, cancellations and
// trophy outcomes) from a bounded queue, retrying with exponential backoff.
// Emit never blocks the engine; a full queue drops the event.
type Dispatcher struct {
	endpoint    string
	secret      []byte
	client      *http.Client
	maxAttempts int
	minBackoff  time.Duration
	maxBackoff  time.Duration
	queueSize   int
	types       map[string]struct{}
	logger      *slog.Logger
	meters      metric.MeterProvider
	counters    *telemetry.DeliveryCounters
	now         func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	queue  chan delivery
	wg     sync.WaitGroup
}

type delivery struct {
	eventType string
	id        string
	body      []byte
}

// Option mutates dispatcher configuration.
type Option func(*Dispatcher)

// WithHTTPClient overrides the HTTP client used for deliveries.
func WithHTTPClient(client *http.Client) Option {
	return func(d *Dispatcher) {
		if client != nil {
			d.client = client
		}
	}
}

// WithRetryPolicy overrides the retry configuration.
func WithRetryPolicy(maxAttempts int, minBackoff, maxBackoff time.Duration) Option {
	return func(d *Dispatcher) {
		if maxAttempts > 0 {
			d.maxAttempts = maxAttempts
		}
		if minBackoff > 0 {
			d.minBackoff = minBackoff
		}
		if maxBackoff >= minBackoff && maxBackoff > 0 {
			d.maxBackoff = maxBackoff
		}
	}
}

// WithEventTypes replaces the set of forwarded event types.
func WithEventTypes(types ...string) Option {
	return func(d *Dispatcher) {
		if len(types) == 0 {
			return
		}
		d.types = make(map[string]struct{}, len(types))
		for _, t := range types {
			d.types[t] = struct{}{}
		}
	}
}

// WithQueueSize bounds the number of deliveries waiting for the worker.
func WithQueueSize(size int) Option {
	return func(d *Dispatcher) {
		if size > 0 {
			d.queueSize = size
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithMeterProvider selects where delivery counters are recorded. The global
// provider is used by default.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(d *Dispatcher) {
		d.meters = provider
	}
}

// NewDispatcher constructs a dispatcher and spawns the worker goroutine.
func NewDispatcher(endpoint string, secret []byte, opts ...Option) (*Dispatcher, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("webhook: endpoint required")
	}
	if len(secret) == 0 {
		return nil, errors.New("webhook: secret required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		endpoint:    endpoint,
		secret:      append([]byte(nil), secret...),
		client:      &http.Client{Timeout: 15 * time.Second},
		maxAttempts: defaultMaxAttempts,
		minBackoff:  defaultMinBackoff,
		maxBackoff:  defaultMaxBackoff,
		queueSize:   defaultQueueSize,
		types: map[string]struct{}{
			wager.EventTypeResolved:  {},
			wager.EventTypeCancelled: {},
			wager.EventTypeTrophy:    {},
		},
		logger: slog.Default(),
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.counters = telemetry.NewDeliveryCounters(d.meters, "pricewager/webhooks", "pricewager.webhooks")
	d.queue = make(chan delivery, d.queueSize)
	d.wg.Add(1)
	go d.worker()
	return d, nil
}

// Close stops the dispatcher and waits for the inflight delivery. Queued
// deliveries are abandoned.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.cancel()
	d.wg.Wait()
}

// Emit implements events.Emitter. Event types outside the configured set are
// ignored.
func (d *Dispatcher) Emit(evt events.Event) {
	payload, ok := events.Payload(evt)
	if !ok {
		return
	}
	if _, wanted := d.types[payload.Type]; !wanted {
		return
	}
	err := d.Enqueue(Payload{Type: payload.Type, Attributes: payload.Clone().Attributes})
	if err != nil {
		d.logger.Warn("webhook delivery dropped",
			slog.String("type", payload.Type),
			slog.String("bet", payload.Attributes["id"]),
			slog.Any("error", err))
	}
}

// Enqueue schedules an asynchronous delivery without waiting for queue space.
func (d *Dispatcher) Enqueue(payload Payload) error {
	if d == nil {
		return errors.New("webhook: dispatcher not initialised")
	}
	if d.ctx.Err() != nil {
		d.counters.Dropped(payload.Type, "closed")
		return ErrClosed
	}
	if payload.SentAt.IsZero() {
		payload.SentAt = d.now().UTC()
	}
	if payload.DeliveryID == "" {
		payload.DeliveryID = uuid.NewString()
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	select {
	case d.queue <- delivery{eventType: payload.Type, id: payload.DeliveryID, body: data}:
		return nil
	default:
		d.counters.Dropped(payload.Type, "queue_full")
		return ErrQueueFull
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case job := <-d.queue:
			d.process(job)
		case <-d.ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) process(job delivery) {
	backoff := d.minBackoff
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(d.ctx, d.client.Timeout)
		err := d.send(ctx, job)
		cancel()
		if err == nil {
			d.counters.Delivered(job.eventType)
			return
		}
		if attempt >= d.maxAttempts || d.ctx.Err() != nil {
			d.counters.Failed(job.eventType)
			d.logger.Warn("webhook delivery failed",
				slog.String("delivery", job.id),
				slog.String("type", job.eventType),
				slog.Int("attempts", attempt),
				slog.Any("error", err))
			return
		}
		select {
		case <-time.After(backoff):
		case <-d.ctx.Done():
			d.counters.Failed(job.eventType)
			return
		}
		backoff = nextBackoff(backoff, d.maxBackoff)
	}
}

func (d *Dispatcher) send(ctx context.Context, job delivery) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(job.body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, job.eventType)
	req.Header.Set(HeaderDelivery, job.id)
	req.Header.Set(HeaderSignature, Sign(d.secret, d.now().Unix(), job.body))
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("webhook: endpoint answered %d", resp.StatusCode)
}

// Sign renders the signature header for body sent at unix time ts. The MAC
// covers "<ts>.<body>".
func Sign(secret []byte, ts int64, body []byte) string {
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac(secret, ts, body)))
}

// Verify checks a signature header produced by Sign. Deliveries whose
// timestamp is further than tolerance from now are rejected; a zero tolerance
// disables the age check.
func Verify(secret []byte, header string, body []byte, now time.Time, tolerance time.Duration) error {
	var ts int64
	var sig []byte
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			parsed, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("%w: bad timestamp", ErrSignature)
			}
			ts = parsed
		case "v1":
			decoded, err := hex.DecodeString(value)
			if err != nil {
				return fmt.Errorf("%w: bad digest", ErrSignature)
			}
			sig = decoded
		}
	}
	if ts == 0 || sig == nil {
		return fmt.Errorf("%w: malformed header", ErrSignature)
	}
	if tolerance > 0 {
		age := now.Sub(time.Unix(ts, 0))
		if age > tolerance || age < -tolerance {
			return fmt.Errorf("%w: timestamp outside tolerance", ErrSignature)
		}
	}
	if !hmac.Equal(sig, mac(secret, ts, body)) {
		return ErrSignature
	}
	return nil
}

func mac(secret []byte, ts int64, body []byte) []byte {
	h := hmac.New(sha256.New, secret)
	_, _ = h.Write([]byte(strconv.FormatInt(ts, 10)))
	_, _ = h.Write([]byte{'.'})
	_, _ = h.Write(body)
	return h.Sum(nil)
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max || next < current {
		return max
	}
	return next
}
