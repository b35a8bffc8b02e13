package observability

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"pricewager/native/wager"
)

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	wagerMetricsOnce sync.Once
	wagerRegistry    *WagerMetrics

	keeperMetricsOnce sync.Once
	keeperRegistry    *KeeperMetrics
)

// ModuleMetrics returns the lazily-initialised registry used to record
// JSON-RPC method activity.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pricewager",
				Subsystem: "rpc",
				Name:      "requests_total",
				Help:      "Total JSON-RPC requests segmented by module and method.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pricewager",
				Subsystem: "rpc",
				Name:      "errors_total",
				Help:      "Total JSON-RPC errors segmented by module, method, and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "pricewager",
				Subsystem: "rpc",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for JSON-RPC handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pricewager",
				Subsystem: "rpc",
				Name:      "throttles_total",
				Help:      "Count of requests rejected due to throttling policies.",
			}, []string{"module", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of a request. The status code should be the
// HTTP status that was ultimately written to the response writer.
func (m *moduleMetrics) Observe(module, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(module, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for module and reason.
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(module, reason).Inc()
}

// WagerMetrics implements wager.Metrics on top of prometheus.
type WagerMetrics struct {
	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	trophies   *prometheus.CounterVec
}

var _ wager.Metrics = (*WagerMetrics)(nil)

// Wager returns the singleton engine metrics registry.
func Wager() *WagerMetrics {
	wagerMetricsOnce.Do(func() {
		wagerRegistry = &WagerMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pricewager",
				Subsystem: "wager",
				Name:      "operations_total",
				Help:      "Engine operations segmented by operation and outcome kind.",
			}, []string{"op", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "pricewager",
				Subsystem: "wager",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for engine operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"op"}),
			trophies: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pricewager",
				Subsystem: "wager",
				Name:      "trophy_deliveries_total",
				Help:      "Trophy deliveries segmented by outcome.",
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(
			wagerRegistry.operations,
			wagerRegistry.latency,
			wagerRegistry.trophies,
		)
	})
	return wagerRegistry
}

// ObserveOperation implements wager.Metrics. Failures are labelled with their
// error kind.
func (m *WagerMetrics) ObserveOperation(op string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = wager.ErrorKind(err)
	}
	m.operations.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(elapsed.Seconds())
}

// ObserveTrophy implements wager.Metrics.
func (m *WagerMetrics) ObserveTrophy(delivered bool) {
	if m == nil {
		return
	}
	outcome := wager.TrophyOutcomeDelivered
	if !delivered {
		outcome = wager.TrophyOutcomeFailed
	}
	m.trophies.WithLabelValues(outcome).Inc()
}

// KeeperMetrics tracks automated resolution sweeps.
type KeeperMetrics struct {
	sweeps   *prometheus.CounterVec
	resolved *prometheus.CounterVec
	lastRun  prometheus.Gauge
}

// Keeper returns the singleton keeper metrics registry.
func Keeper() *KeeperMetrics {
	keeperMetricsOnce.Do(func() {
		keeperRegistry = &KeeperMetrics{
			sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pricewager",
				Subsystem: "keeper",
				Name:      "sweeps_total",
				Help:      "Keeper sweeps segmented by outcome.",
			}, []string{"outcome"}),
			resolved: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pricewager",
				Subsystem: "keeper",
				Name:      "resolutions_total",
				Help:      "Bets the keeper attempted to resolve, segmented by outcome kind.",
			}, []string{"outcome"}),
			lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "pricewager",
				Subsystem: "keeper",
				Name:      "last_sweep_timestamp_seconds",
				Help:      "Unix time of the most recent keeper sweep.",
			}),
		}
		prometheus.MustRegister(keeperRegistry.sweeps, keeperRegistry.resolved, keeperRegistry.lastRun)
	})
	return keeperRegistry
}

// ObserveSweep records a completed sweep.
func (m *KeeperMetrics) ObserveSweep(err error, at time.Time) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.sweeps.WithLabelValues(outcome).Inc()
	m.lastRun.Set(float64(at.Unix()))
}

// ObserveResolution records the result of a single keeper resolution.
func (m *KeeperMetrics) ObserveResolution(err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = wager.ErrorKind(err)
	}
	m.resolved.WithLabelValues(outcome).Inc()
}
