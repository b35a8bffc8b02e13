package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// DeliveryCounters records the outcome of asynchronous event sinks (webhooks,
// kafka). Instruments are named "<prefix>.delivered", "<prefix>.failed" and
// "<prefix>.dropped" and carry an event.type attribute.
type DeliveryCounters struct {
	delivered metric.Int64Counter
	failed    metric.Int64Counter
	dropped   metric.Int64Counter
}

// NewDeliveryCounters builds the counters on provider, falling back to the
// global provider when nil. Instrument errors degrade to no-op counters.
func NewDeliveryCounters(provider metric.MeterProvider, scope, prefix string) *DeliveryCounters {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(scope)
	fallback := noop.NewMeterProvider().Meter(scope)
	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(prefix+"."+name, metric.WithDescription(desc))
		if err != nil {
			c, _ = fallback.Int64Counter(prefix + "." + name)
		}
		return c
	}
	return &DeliveryCounters{
		delivered: counter("delivered", "Events accepted by the downstream sink."),
		failed:    counter("failed", "Events abandoned after exhausting retries."),
		dropped:   counter("dropped", "Events discarded before delivery was attempted."),
	}
}

func (c *DeliveryCounters) Delivered(eventType string) {
	c.add(c.delivered, eventType, "")
}

func (c *DeliveryCounters) Failed(eventType string) {
	c.add(c.failed, eventType, "")
}

// Dropped records a discarded event; reason is typically "queue_full" or
// "closed".
func (c *DeliveryCounters) Dropped(eventType, reason string) {
	c.add(c.dropped, eventType, reason)
}

func (c *DeliveryCounters) add(counter metric.Int64Counter, eventType, reason string) {
	if c == nil || counter == nil {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("event.type", eventType)}
	if reason != "" {
		attrs = append(attrs, attribute.String("reason", reason))
	}
	counter.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}
