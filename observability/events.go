package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"pricewager/core/events"
	"pricewager/native/wager"
)

type eventMetrics struct {
	emitted  *prometheus.CounterVec
	openBets prometheus.Gauge
	matched  prometheus.Gauge
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking engine events. It doubles as an
// events.Emitter so it can sit in the engine's emitter chain.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pricewager",
				Subsystem: "events",
				Name:      "emitted_total",
				Help:      "Count of engine events segmented by type.",
			}, []string{"type"}),
			openBets: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "pricewager",
				Subsystem: "wager",
				Name:      "open_bets",
				Help:      "Bets waiting for a counterparty.",
			}),
			matched: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "pricewager",
				Subsystem: "wager",
				Name:      "matched_bets",
				Help:      "Bets matched and awaiting resolution.",
			}),
		}
		prometheus.MustRegister(eventRegistry.emitted, eventRegistry.openBets, eventRegistry.matched)
	})
	return eventRegistry
}

// Seed sets the lifecycle gauges from a state snapshot, typically at start-up.
func (m *eventMetrics) Seed(open, matched int) {
	if m == nil {
		return
	}
	m.openBets.Set(float64(open))
	m.matched.Set(float64(matched))
}

// Emit implements events.Emitter.
func (m *eventMetrics) Emit(evt events.Event) {
	if m == nil || evt == nil {
		return
	}
	eventType := evt.EventType()
	if eventType == "" {
		eventType = "unknown"
	}
	m.emitted.WithLabelValues(eventType).Inc()
	switch eventType {
	case wager.EventTypeCreated:
		m.openBets.Inc()
	case wager.EventTypeJoined:
		m.openBets.Dec()
		m.matched.Inc()
	case wager.EventTypeCancelled:
		m.openBets.Dec()
	case wager.EventTypeResolved:
		m.matched.Dec()
	}
}
