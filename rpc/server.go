package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pricewager/gateway/middleware"
	"pricewager/indexer"
	"pricewager/native/wager"
	"pricewager/observability"
	"pricewager/oracle"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
	rpcModule       = "wager"
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeServerError    = -32000
)

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      interface{}       `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`

	status int
}

func (e *RPCError) Error() string { return e.Message }

func invalidParams(format string, args ...interface{}) *RPCError {
	return &RPCError{Code: codeInvalidParams, Message: "invalid_params", Data: fmt.Sprintf(format, args...), status: http.StatusBadRequest}
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

type handlerFunc func(ctx context.Context, params []json.RawMessage) (interface{}, error)

type method struct {
	scope   string
	handler handlerFunc
}

// Config wires the server's collaborators. Engine and Auth are required;
// the rest are optional.
type Config struct {
	Engine      *wager.Engine
	Auth        *middleware.Authenticator
	Hub         *EventHub
	Indexer     *indexer.Indexer
	Oracle      *oracle.Handler
	Catalog     *oracle.Catalog
	Updates     oracle.UpdateSource
	RateLimiter *middleware.RateLimiter
	CORS        middleware.CORSConfig
	Registerer  prometheus.Registerer
	Gatherer    prometheus.Gatherer
	LogRequests bool
	Logger      *slog.Logger
}

// Server exposes the engine over JSON-RPC 2.0 and streams its events over a
// websocket.
type Server struct {
	engine  *wager.Engine
	auth    *middleware.Authenticator
	hub     *EventHub
	indexer *indexer.Indexer
	oracle  *oracle.Handler
	catalog *oracle.Catalog
	updates oracle.UpdateSource
	limiter *middleware.RateLimiter
	obs     *middleware.Observability
	cors    middleware.CORSConfig
	gather  prometheus.Gatherer
	logger  *slog.Logger
	methods map[string]method
}

// NewServer validates cfg and registers the method table.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, errors.New("rpc: engine required")
	}
	if cfg.Auth == nil {
		return nil, errors.New("rpc: authenticator required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hub := cfg.Hub
	if hub == nil {
		hub = NewEventHub(defaultBacklog)
	}
	gather := cfg.Gatherer
	if gather == nil {
		gather = prometheus.DefaultGatherer
	}
	s := &Server{
		engine:  cfg.Engine,
		auth:    cfg.Auth,
		hub:     hub,
		indexer: cfg.Indexer,
		oracle:  cfg.Oracle,
		catalog: cfg.Catalog,
		updates: cfg.Updates,
		limiter: cfg.RateLimiter,
		cors:    cfg.CORS,
		gather:  gather,
		logger:  logger,
		obs: middleware.NewObservability(middleware.ObservabilityConfig{
			ServiceName: "betd",
			LogRequests: cfg.LogRequests,
		}, cfg.Registerer, logger),
	}
	if s.limiter != nil {
		s.limiter.OnThrottle(func(key string) { observability.ModuleMetrics().RecordThrottle(key, "rate_limit") })
	}
	s.methods = map[string]method{
		"wager_create":            {scope: middleware.ScopeWrite, handler: s.handleCreate},
		"wager_join":              {scope: middleware.ScopeWrite, handler: s.handleJoin},
		"wager_resolve":           {scope: middleware.ScopeWrite, handler: s.handleResolve},
		"wager_cancel":            {scope: middleware.ScopeWrite, handler: s.handleCancel},
		"wager_get":               {handler: s.handleGet},
		"wager_list":              {handler: s.handleList},
		"wager_balance":           {handler: s.handleBalance},
		"wager_convertPrice":      {handler: s.handleConvertPrice},
		"wager_quoteFee":          {handler: s.handleQuoteFee},
		"wager_params":            {handler: s.handleParams},
		"wager_adminDeposit":      {scope: middleware.ScopeAdmin, handler: s.handleAdminDeposit},
		"wager_adminSetTrophy":    {scope: middleware.ScopeAdmin, handler: s.handleAdminSetTrophy},
		"wager_adminWithdraw":     {scope: middleware.ScopeAdmin, handler: s.handleAdminWithdraw},
		"wager_adminRotateOracle": {scope: middleware.ScopeAdmin, handler: s.handleAdminRotateOracle},
	}
	return s, nil
}

// Hub returns the event hub; the engine should emit into it.
func (s *Server) Hub() *EventHub { return s.hub }

// Router builds the HTTP surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.obs.Middleware)
	r.Use(middleware.CORS(s.cors))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.gather, promhttp.HandlerOpts{}))
	r.Group(func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.limiter.Middleware("rpc"))
		}
		r.Use(s.auth.Identify)
		r.Post("/", s.handle)
		r.Post("/rpc", s.handle)
		r.Get("/ws/events", s.handleEventsWS)
	})
	if s.oracle != nil {
		r.Route("/oracle", func(r chi.Router) {
			if s.limiter != nil {
				r.Use(s.limiter.Middleware("oracle"))
			}
			s.oracle.Mount(r)
		})
	}
	return r
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}

	middleware.SetRPCMethod(r.Context(), req.Method)
	status := http.StatusOK
	defer func() {
		observability.ModuleMetrics().Observe(rpcModule, req.Method, status, time.Since(started))
	}()

	m, ok := s.methods[req.Method]
	if !ok {
		status = http.StatusNotFound
		writeError(w, status, req.ID, codeMethodNotFound, "method not found", req.Method)
		return
	}
	if m.scope != "" && !s.auth.Authorize(r.Context(), m.scope) {
		status = http.StatusUnauthorized
		writeError(w, status, req.ID, codeUnauthorized, "unauthorized", "scope "+m.scope+" required")
		return
	}
	result, err := m.handler(r.Context(), req.Params)
	if err != nil {
		rpcErr := toRPCError(err)
		status = rpcErr.status
		if status >= http.StatusInternalServerError {
			s.logger.Error("rpc method failed", slog.String("method", req.Method), slog.Any("error", err))
		}
		writeError(w, status, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return
	}
	writeResult(w, req.ID, result)
}

// decodeParams unmarshals the single parameter object every method takes.
func decodeParams(params []json.RawMessage, dst interface{}) error {
	if len(params) != 1 {
		return invalidParams("exactly one parameter object expected")
	}
	dec := json.NewDecoder(bytes.NewReader(params[0]))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return invalidParams("%v", err)
	}
	return nil
}
