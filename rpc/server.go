// Package rpc serves the escrow ledger over JSON-RPC 2.0.
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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/gorm"

	"bountyescrow/core/events"
	"bountyescrow/native/escrow"
	"bountyescrow/observability"
	"bountyescrow/storage/eventlog"
)

const (
	jsonRPCVersion         = "2.0"
	defaultMaxRequestBytes = 1 << 20 // 1 MiB
	moduleName             = "rpc"
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
	codeUnauthorized   = -32001
	codeRateLimited    = -32020
)

// ServerConfig bundles the knobs the RPC server needs.
type ServerConfig struct {
	Auth              AuthConfig
	RequestsPerMinute float64
	Burst             int
	MaxRequestBytes   int64
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
}

// Server exposes an escrow engine, its audit log and its live feed.
type Server struct {
	engine  *escrow.Engine
	audit   *eventlog.Log
	feed    *events.Feed
	auth    *Authenticator
	limiter *clientLimiter
	logger  *slog.Logger
	cfg     ServerConfig
	metrics interface {
		Observe(module, method string, status int, duration time.Duration)
		RecordThrottle(module, reason string)
	}
	idempotency *gorm.DB

	httpServer *http.Server
}

// NewServer wires the handler set. audit and feed may be nil, in which case
// the corresponding methods and routes report the feature as unavailable.
func NewServer(engine *escrow.Engine, audit *eventlog.Log, feed *events.Feed, cfg ServerConfig, logger *slog.Logger) (*Server, error) {
	if engine == nil {
		return nil, errors.New("rpc: engine required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRequestBytes <= 0 {
		cfg.MaxRequestBytes = defaultMaxRequestBytes
	}
	s := &Server{
		engine:  engine,
		audit:   audit,
		feed:    feed,
		auth:    NewAuthenticator(cfg.Auth),
		limiter: newClientLimiter(cfg.RequestsPerMinute, cfg.Burst),
		logger:  logger.With("component", moduleName),
		cfg:     cfg,
		metrics: observability.ModuleMetrics(),
	}
	if audit != nil {
		if err := migrateIdempotency(audit.DB()); err != nil {
			return nil, err
		}
		s.idempotency = audit.DB()
	}
	return s, nil
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws/events", s.handleEventsWS)
	r.With(s.rateLimit, s.withIdempotency).Post("/rpc", s.handle)
	return otelhttp.NewHandler(r, "escrowd")
}

// Start serves on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
	}
	s.logger.Info("starting JSON-RPC server", "addr", addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

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

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	paused, err := s.engine.IsPaused()
	if err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"status": "ok", "paused": paused})
}

// statusWriter records the status code for metrics.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	method := "unknown"
	defer func() {
		s.metrics.Observe(moduleName, method, sw.status, time.Since(start))
	}()

	reader := http.MaxBytesReader(sw, r.Body, s.cfg.MaxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()
	sw.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", s.cfg.MaxRequestBytes)
		}
		writeError(sw, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(sw, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(sw, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(sw, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if req.Method == "" {
		writeError(sw, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}

	route, ok := s.routes()[req.Method]
	if !ok {
		writeError(sw, http.StatusNotFound, req.ID, codeMethodNotFound, "method not found", req.Method)
		return
	}
	method = req.Method

	ctx := r.Context()
	if route.auth {
		authed, authErr := s.auth.Authenticate(r)
		if authErr != nil {
			s.logger.Debug("rpc authentication failed", "method", req.Method, "error", authErr.Data)
			writeError(sw, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return
		}
		ctx = authed
	}
	route.handler(sw, r.WithContext(ctx), req)
}

type route struct {
	auth    bool
	handler func(http.ResponseWriter, *http.Request, *RPCRequest)
}

func (s *Server) routes() map[string]route {
	mutate := func(h func(http.ResponseWriter, *http.Request, *RPCRequest)) route {
		return route{auth: true, handler: h}
	}
	query := func(h func(http.ResponseWriter, *http.Request, *RPCRequest)) route {
		return route{handler: h}
	}
	return map[string]route{
		"escrow_initialize":            mutate(s.handleInitialize),
		"escrow_lock":                  mutate(s.handleLock),
		"escrow_batchLock":             mutate(s.handleBatchLock),
		"escrow_release":               mutate(s.handleRelease),
		"escrow_initiateRelease":       mutate(s.handleInitiateRelease),
		"escrow_approveRelease":        mutate(s.handleApproveRelease),
		"escrow_cancelReleaseApproval": mutate(s.handleCancelReleaseApproval),
		"escrow_batchRelease":          mutate(s.handleBatchRelease),
		"escrow_refund":                mutate(s.handleRefund),
		"escrow_approveRefund":         mutate(s.handleApproveRefund),
		"escrow_cancelRefundApproval":  mutate(s.handleCancelRefundApproval),
		"escrow_authorizeClaim":        mutate(s.handleAuthorizeClaim),
		"escrow_claim":                 mutate(s.handleClaim),
		"escrow_cancelClaim":           mutate(s.handleCancelClaim),
		"escrow_setClaimWindow":        mutate(s.handleSetClaimWindow),
		"escrow_configureMultisig":     mutate(s.handleConfigureMultisig),
		"escrow_pause":                 mutate(s.handlePause),
		"escrow_unpause":               mutate(s.handleUnpause),
		"escrow_setPause":              mutate(s.handleSetPause),
		"escrow_emergencyWithdraw":     mutate(s.handleEmergencyWithdraw),
		"escrow_setRateLimit":          mutate(s.handleSetRateLimit),
		"escrow_setWhitelist":          mutate(s.handleSetWhitelist),
		"escrow_grantRole":             mutate(s.handleGrantRole),
		"escrow_revokeRole":            mutate(s.handleRevokeRole),

		"escrow_getInfo":              query(s.handleGetInfo),
		"escrow_getRefundHistory":     query(s.handleGetRefundHistory),
		"escrow_getRefundEligibility": query(s.handleGetRefundEligibility),
		"escrow_getBalance":           query(s.handleGetBalance),
		"escrow_getPauseConfig":       query(s.handleGetPauseConfig),
		"escrow_getReleaseApproval":   query(s.handleGetReleaseApproval),
		"escrow_getRefundApproval":    query(s.handleGetRefundApproval),
		"escrow_getPendingClaim":      query(s.handleGetPendingClaim),
		"escrow_getMultisigConfig":    query(s.handleGetMultisigConfig),
		"escrow_getRateLimitConfig":   query(s.handleGetRateLimitConfig),
		"escrow_query":                query(s.handleQuery),
		"escrow_stats":                query(s.handleStats),
		"escrow_events":               query(s.handleEvents),
		"bank_getBalance":             query(s.handleBankBalance),
	}
}

// decodeParams enforces the single-object parameter convention.
func decodeParams(w http.ResponseWriter, req *RPCRequest, out interface{}) bool {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", "exactly one parameter object expected")
		return false
	}
	dec := json.NewDecoder(bytes.NewReader(req.Params[0]))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return false
	}
	return true
}

func invalidParams(w http.ResponseWriter, req *RPCRequest, err error) {
	writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
}
