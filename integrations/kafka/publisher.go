// Package kafka streams wager events onto a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/metric"

	"pricewager/core/events"
	"pricewager/core/types"
	telemetry "pricewager/observability/otel"
)

const (
	defaultQueueSize   = 256
	defaultMaxAttempts = 5
	defaultMinBackoff  = 200 * time.Millisecond
	defaultMaxBackoff  = 5 * time.Second
	defaultTimeout     = 10 * time.Second
)

var (
	// ErrClosed is returned when publishing after Close.
	ErrClosed    = errors.New("kafka: publisher closed")
	ErrQueueFull = errors.New("kafka: queue full")
)

// MessageWriter is the subset of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Envelope is the JSON value written for every event.
type Envelope struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	EmittedAt  int64             `json:"emittedAt"`
}

// NewWriter builds a kafka writer for the given brokers and topic.
func NewWriter(brokers []string, topic string) *kafkago.Writer {
	return &kafkago.Writer{
		Addr:                   kafkago.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafkago.Hash{},
		AllowAutoTopicCreation: true,
	}
}

// Publisher is an events.Emitter that forwards wager events to Kafka from a
// background worker. Messages are keyed by bet id so a bet's events stay on
// one partition.
type Publisher struct {
	writer      MessageWriter
	logger      *slog.Logger
	maxAttempts int
	minBackoff  time.Duration
	maxBackoff  time.Duration
	meters      metric.MeterProvider
	counters    *telemetry.DeliveryCounters
	nowFn       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	queue  chan kafkago.Message
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// Option mutates publisher configuration.
type Option func(*Publisher)

// WithLogger overrides the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithRetryPolicy overrides the retry configuration.
func WithRetryPolicy(maxAttempts int, minBackoff, maxBackoff time.Duration) Option {
	return func(p *Publisher) {
		if maxAttempts > 0 {
			p.maxAttempts = maxAttempts
		}
		if minBackoff > 0 {
			p.minBackoff = minBackoff
		}
		if maxBackoff >= minBackoff && maxBackoff > 0 {
			p.maxBackoff = maxBackoff
		}
	}
}

// WithQueueSize overrides the buffered queue length.
func WithQueueSize(n int) Option {
	return func(p *Publisher) {
		if n > 0 {
			p.queue = make(chan kafkago.Message, n)
		}
	}
}

// WithMeterProvider selects where delivery counters are recorded.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(p *Publisher) {
		p.meters = provider
	}
}

// NewPublisher starts the delivery worker.
func NewPublisher(writer MessageWriter, opts ...Option) (*Publisher, error) {
	if writer == nil {
		return nil, errors.New("kafka: writer required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Publisher{
		writer:      writer,
		logger:      slog.Default(),
		maxAttempts: defaultMaxAttempts,
		minBackoff:  defaultMinBackoff,
		maxBackoff:  defaultMaxBackoff,
		nowFn:       time.Now,
		ctx:         ctx,
		cancel:      cancel,
		queue:       make(chan kafkago.Message, defaultQueueSize),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.counters = telemetry.NewDeliveryCounters(p.meters, "pricewager/kafka", "pricewager.kafka")
	p.wg.Add(1)
	go p.worker()
	return p, nil
}

// Emit implements events.Emitter. It never blocks; when the queue is full the
// event is dropped and recorded on the dropped counter.
func (p *Publisher) Emit(evt events.Event) {
	payload, ok := events.Payload(evt)
	if !ok {
		return
	}
	if err := p.Publish(payload); err != nil {
		p.logger.Warn("kafka publish skipped", slog.String("type", payload.Type), slog.Any("error", err))
	}
}

// Publish enqueues a single event.
func (p *Publisher) Publish(evt *types.Event) error {
	now := p.nowFn()
	value, err := json.Marshal(Envelope{Type: evt.Type, Attributes: evt.Clone().Attributes, EmittedAt: now.Unix()})
	if err != nil {
		return err
	}
	key := evt.Attr("id")
	if key == "" {
		key = strings.TrimPrefix(evt.Type, "wager.")
	}
	msg := kafkago.Message{
		Key:   []byte(key),
		Value: value,
		Time:  now,
		Headers: []kafkago.Header{
			{Key: "event-type", Value: []byte(evt.Type)},
		},
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.counters.Dropped(evt.Type, "closed")
		return ErrClosed
	}
	select {
	case p.queue <- msg:
		return nil
	default:
		p.counters.Dropped(evt.Type, "queue_full")
		return ErrQueueFull
	}
}

// Close drains queued messages, stops the worker and closes the writer.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()
	p.wg.Wait()
	p.cancel()
	return p.writer.Close()
}

func (p *Publisher) worker() {
	defer p.wg.Done()
	for msg := range p.queue {
		p.deliver(msg)
	}
}

func (p *Publisher) deliver(msg kafkago.Message) {
	backoff := p.minBackoff
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(p.ctx, defaultTimeout)
		err := p.writer.WriteMessages(ctx, msg)
		cancel()
		if err == nil {
			p.counters.Delivered(eventType(msg))
			return
		}
		if attempt >= p.maxAttempts {
			p.counters.Failed(eventType(msg))
			p.logger.Error("kafka delivery failed",
				slog.String("key", string(msg.Key)),
				slog.Int("attempts", attempt),
				slog.Any("error", err))
			return
		}
		select {
		case <-time.After(backoff):
		case <-p.ctx.Done():
			p.counters.Failed(eventType(msg))
			return
		}
		backoff = nextBackoff(backoff, p.maxBackoff)
	}
}

func eventType(msg kafkago.Message) string {
	for _, h := range msg.Headers {
		if h.Key == "event-type" {
			return string(h.Value)
		}
	}
	return ""
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max || next < current {
		return max
	}
	return next
}
