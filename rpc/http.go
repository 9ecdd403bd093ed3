package rpc

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"escrowd/identity"
	"escrowd/journal"
	"escrowd/native/escrow"
	"escrowd/native/ledger"
	"escrowd/observability"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeServerError    = -32000
	codeUnauthorized   = -32001
	codeRateLimited    = -32020

	codeEscrowInvalidParams = -32021
	codeEscrowNotFound      = -32022
	codeEscrowForbidden     = -32023
	codeEscrowConflict      = -32024
	codeEscrowInsufficient  = -32025
	codeEscrowInternal      = -32026
)

// Server is the JSON-RPC front-end for the escrow engine. The product's HTTP
// layer maps these methods one-to-one to its JSON API.
type Server struct {
	engine   *escrow.Engine
	journal  *journal.Journal
	resolver identity.Resolver
	logger   *slog.Logger
	metrics  *observability.EngineMetrics

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rpm      int
}

// NewServer constructs the RPC server. The journal may be nil when event
// reads are not exposed.
func NewServer(engine *escrow.Engine, jrnl *journal.Journal, resolver identity.Resolver, logger *slog.Logger, rpm int) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if rpm <= 0 {
		rpm = 600
	}
	return &Server{
		engine:   engine,
		journal:  jrnl,
		resolver: resolver,
		logger:   logger,
		metrics:  observability.Engine(),
		limiters: make(map[string]*rate.Limiter),
		rpm:      rpm,
	}
}

// Router returns the HTTP handler exposing /rpc, /healthz and /metrics.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/rpc", s.handle)
	return r
}

// RPCRequest is the JSON-RPC 2.0 request envelope.
type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      interface{}       `json:"id"`
}

// RPCResponse is the JSON-RPC 2.0 response envelope.
type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

// RPCError carries the machine-readable failure kind; callers always receive
// the specific kind, never a generic message, except for internal faults.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
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
	_ = json.NewEncoder(w).Encode(RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj})
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result})
}

func (s *Server) limiterFor(source string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	limiter, ok := s.limiters[source]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(float64(s.rpm)/60.0), s.rpm)
		s.limiters[source] = limiter
	}
	return limiter
}

func clientSource(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func extractBearer(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

type handlerFunc func(w http.ResponseWriter, req *RPCRequest, caller identity.Principal)

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "parse_error", err.Error())
		return
	}
	var req RPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "parse_error", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "invalid_request", "unsupported jsonrpc version")
		return
	}
	if !s.limiterFor(clientSource(r)).Allow() {
		writeError(w, http.StatusTooManyRequests, req.ID, codeRateLimited, "rate_limited", nil)
		return
	}
	token := extractBearer(r.Header.Get("Authorization"))
	if token == "" {
		writeError(w, http.StatusUnauthorized, req.ID, codeUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	caller, err := s.resolver.Resolve(r.Context(), token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, req.ID, codeUnauthorized, "unauthorized", "invalid session token")
		return
	}
	handler, ok := s.methods()[req.Method]
	if !ok {
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, "method_not_found", req.Method)
		return
	}
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	handler(rec, &req, caller)
	outcome := "ok"
	if rec.status >= http.StatusBadRequest {
		outcome = "error"
	}
	s.metrics.ObserveRequest(req.Method, outcome, time.Since(start))
}

func (s *Server) methods() map[string]handlerFunc {
	return map[string]handlerFunc{
		"escrow_create":       s.handleCreate,
		"escrow_get":          s.handleGet,
		"escrow_list":         s.handleList,
		"escrow_approve":      s.handleApprove,
		"escrow_cancel":       s.handleCancel,
		"escrow_dispute":      s.handleDispute,
		"escrow_resolve":      s.handleResolve,
		"escrow_deposit":      s.handleDeposit,
		"escrow_withdraw":     s.handleWithdraw,
		"escrow_balance":      s.handleBalance,
		"escrow_sweepOverdue": s.handleSweepOverdue,
		"escrow_feeStats":     s.handleFeeStats,
		"escrow_listEvents":   s.handleListEvents,
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// writeEngineError maps engine and ledger failures to the JSON-RPC error
// bands. Invariant violations are logged and surfaced as a generic internal
// error so user errors and internal corruption stay distinguishable.
func (s *Server) writeEngineError(w http.ResponseWriter, id interface{}, method string, err error) {
	switch {
	case errors.Is(err, escrow.ErrInvalidData),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidPrincipal):
		s.metrics.ObserveError(method, "invalid_params")
		writeError(w, http.StatusBadRequest, id, codeEscrowInvalidParams, "invalid_params", err.Error())
	case errors.Is(err, escrow.ErrNotFound):
		s.metrics.ObserveError(method, "not_found")
		writeError(w, http.StatusNotFound, id, codeEscrowNotFound, "not_found", nil)
	case errors.Is(err, escrow.ErrUnauthorized):
		s.metrics.ObserveError(method, "forbidden")
		writeError(w, http.StatusForbidden, id, codeEscrowForbidden, "forbidden", nil)
	case errors.Is(err, escrow.ErrInvalidState):
		s.metrics.ObserveError(method, "invalid_state")
		writeError(w, http.StatusConflict, id, codeEscrowConflict, "invalid_state", err.Error())
	case errors.Is(err, ledger.ErrInsufficientBalance):
		s.metrics.ObserveError(method, "insufficient_balance")
		writeError(w, http.StatusBadRequest, id, codeEscrowInsufficient, "insufficient_balance", nil)
	case errors.Is(err, ledger.ErrInvariantViolation):
		s.metrics.ObserveError(method, "invariant_violation")
		s.logger.Error("ledger invariant violation", "method", method, "err", err)
		writeError(w, http.StatusInternalServerError, id, codeEscrowInternal, "internal_error", nil)
	default:
		s.metrics.ObserveError(method, "internal")
		s.logger.Error("rpc handler failure", "method", method, "err", err)
		writeError(w, http.StatusInternalServerError, id, codeServerError, "internal_error", nil)
	}
}
