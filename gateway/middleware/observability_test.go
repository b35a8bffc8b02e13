package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObservabilityLabelsRPCMethod(t *testing.T) {
	registry := prometheus.NewRegistry()
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))
	obs := NewObservability(ObservabilityConfig{LogRequests: true}, registry, logger)

	r := chi.NewRouter()
	r.Use(obs.Middleware)
	r.Post("/rpc", func(w http.ResponseWriter, r *http.Request) {
		SetRPCMethod(r.Context(), "wager_get")
		w.WriteHeader(http.StatusNotFound)
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/rpc", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if got := testutil.ToFloat64(obs.requests.WithLabelValues("/rpc", "wager_get", "404")); got != 1 {
		t.Fatalf("expected one labelled rpc request, got %v", got)
	}
	if got := testutil.ToFloat64(obs.requests.WithLabelValues("/healthz", "", "200")); got != 1 {
		t.Fatalf("expected one health check, got %v", got)
	}
	out := logs.String()
	if !strings.Contains(out, `"rpc":"wager_get"`) {
		t.Fatalf("rpc method missing from request log: %s", out)
	}
	if strings.Contains(out, "/healthz") {
		t.Fatalf("health check requests must not be logged: %s", out)
	}
}

func TestSetRPCMethodOutsideMiddleware(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/rpc", nil)
	SetRPCMethod(req.Context(), "wager_list")
}
