package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type ObservabilityConfig struct {
	ServiceName   string
	MetricsPrefix string
	LogRequests   bool
	// QuietPaths are served without request logs (health checks and scrapes).
	QuietPaths []string
}

// Observability traces requests and records HTTP metrics. JSON-RPC handlers
// annotate the request with SetRPCMethod so spans and series carry the method
// rather than only the shared /rpc route.
type Observability struct {
	cfg       ObservabilityConfig
	logger    *slog.Logger
	tracer    trace.Tracer
	quiet     map[string]struct{}
	requests  *prometheus.CounterVec
	durations *prometheus.HistogramVec
}

type rpcMethodKey struct{}

// requestNotes is shared between the middleware and the handlers below it.
type requestNotes struct {
	rpcMethod string
}

// SetRPCMethod records the JSON-RPC method being served. It is a no-op
// outside the Observability middleware.
func SetRPCMethod(ctx context.Context, method string) {
	if notes, ok := ctx.Value(rpcMethodKey{}).(*requestNotes); ok {
		notes.rpcMethod = method
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("rpc.method", method))
}

// NewObservability registers its collectors with registerer. A nil registerer
// uses the prometheus default registry.
func NewObservability(cfg ObservabilityConfig, registerer prometheus.Registerer, logger *slog.Logger) *Observability {
	if logger == nil {
		logger = slog.Default()
	}
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "betd"
	}
	if cfg.MetricsPrefix == "" {
		cfg.MetricsPrefix = "pricewager_http"
	}
	if cfg.QuietPaths == nil {
		cfg.QuietPaths = []string{"/healthz", "/metrics"}
	}
	quiet := make(map[string]struct{}, len(cfg.QuietPaths))
	for _, path := range cfg.QuietPaths {
		quiet[path] = struct{}{}
	}
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.MetricsPrefix,
		Name:      "requests_total",
		Help:      "HTTP requests by route, JSON-RPC method and status code.",
	}, []string{"route", "rpc_method", "code"})
	durations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: cfg.MetricsPrefix,
		Name:      "request_duration_seconds",
		Help:      "Duration of HTTP requests in seconds.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"route", "rpc_method"})
	registerer.MustRegister(requests, durations)
	return &Observability{
		cfg:       cfg,
		logger:    logger,
		tracer:    otel.Tracer(cfg.ServiceName),
		quiet:     quiet,
		requests:  requests,
		durations: durations,
	}
}

// Middleware labels requests with their chi route pattern.
func (o *Observability) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		notes := &requestNotes{}
		ctx := context.WithValue(r.Context(), rpcMethodKey{}, notes)
		ctx, span := o.tracer.Start(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(attribute.String("http.method", r.Method)))
		defer span.End()

		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		r = r.WithContext(ctx)
		next.ServeHTTP(recorder, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		name := r.Method + " " + route
		if notes.rpcMethod != "" {
			name += " " + notes.rpcMethod
		}
		span.SetName(name)
		span.SetAttributes(
			attribute.String("http.route", route),
			attribute.Int("http.status_code", recorder.status),
		)
		if recorder.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(recorder.status))
		}

		duration := time.Since(start)
		o.requests.WithLabelValues(route, notes.rpcMethod, strconv.Itoa(recorder.status)).Inc()
		o.durations.WithLabelValues(route, notes.rpcMethod).Observe(duration.Seconds())
		if _, quiet := o.quiet[route]; o.cfg.LogRequests && !quiet {
			attrs := []any{
				slog.String("method", r.Method),
				slog.String("route", route),
				slog.Int("status", recorder.status),
				slog.Duration("duration", duration),
			}
			if notes.rpcMethod != "" {
				attrs = append(attrs, slog.String("rpc", notes.rpcMethod))
			}
			o.logger.Info("http request", attrs...)
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer, which the
// websocket upgrade needs.
func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}
