// Package api implements the triage agent's HTTP API.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nugget/triage-agent/internal/agent"
	"github.com/nugget/triage-agent/internal/analysis"
	"github.com/nugget/triage-agent/internal/buildinfo"
	"github.com/nugget/triage-agent/internal/fanout"
	"github.com/nugget/triage-agent/internal/health"
	"github.com/nugget/triage-agent/internal/historical"
	"github.com/nugget/triage-agent/internal/memory"
	"github.com/nugget/triage-agent/internal/metrics"
	"github.com/nugget/triage-agent/internal/usage"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response,
// which is not actionable but worth tracking for debugging.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Runner executes agent turns. *agent.Loop satisfies it.
type Runner interface {
	Run(ctx context.Context, req agent.Request) (*agent.Result, error)
	RunStream(ctx context.Context, req agent.Request, emit agent.Emitter) (*agent.Result, error)
}

// Config configures the HTTP surface.
type Config struct {
	Address        string
	Port           int
	Prefix         string
	CORSOrigins    []string
	RateLimitRPS   float64
	RateLimitBurst int

	// KeepAlive is the interval between SSE comments and WebSocket pings.
	KeepAlive time.Duration
}

// Deps are the long-lived components the handlers use.
type Deps struct {
	Runner     Runner
	Store      memory.Store
	Historical *historical.Store
	Broker     fanout.Broker
	Metrics    *metrics.Metrics

	// Health reports dependency probes on /health. Optional.
	Health *health.Monitor

	// Usage serves per-thread token totals. Optional.
	Usage UsageReporter
}

// UsageReporter is the read side of the token usage ledger.
type UsageReporter interface {
	ThreadSummary(ctx context.Context, threadID string) (*usage.Summary, error)
}

// Server is the HTTP API server.
type Server struct {
	cfg        Config
	runner     Runner
	analyzer   *analysis.Analyzer
	store      memory.Store
	historical *historical.Store
	broker     fanout.Broker
	publisher  *fanout.Publisher
	metrics    *metrics.Metrics
	health     *health.Monitor
	usage      UsageReporter
	limiters   *limiterPool
	logger     *slog.Logger
	server     *http.Server

	// runs tracks detached streaming runs so Shutdown can wait for them.
	runs sync.WaitGroup
}

// NewServer creates a new API server.
func NewServer(cfg Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "/api"
	}
	cfg.Prefix = strings.TrimSuffix(cfg.Prefix, "/")
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 15 * time.Second
	}

	s := &Server{
		cfg:        cfg,
		runner:     deps.Runner,
		analyzer:   analysis.NewAnalyzer(deps.Runner, logger),
		store:      deps.Store,
		historical: deps.Historical,
		broker:     deps.Broker,
		publisher:  fanout.NewPublisher(deps.Broker, logger),
		metrics:    deps.Metrics,
		health:     deps.Health,
		usage:      deps.Usage,
		logger:     logger,
	}
	if cfg.RateLimitRPS > 0 {
		s.limiters = newLimiterPool(cfg.RateLimitRPS, cfg.RateLimitBurst)
	}
	return s
}

// Handler returns the complete routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	p := s.cfg.Prefix

	// Agent endpoints
	mux.Handle("POST "+p+"/agent/analyze", s.limited(s.handleAnalyze))
	mux.Handle("POST "+p+"/agent/chat", s.limited(s.handleChat))
	mux.Handle("GET "+p+"/agent/history/{threadId}", s.limited(s.handleHistory))
	mux.Handle("GET "+p+"/agent/usage/{threadId}", s.limited(s.handleUsage))
	mux.Handle("POST "+p+"/historical/tickets", s.limited(s.handleAddHistorical))

	// Streaming endpoints
	mux.Handle("GET "+p+"/agent/stream", s.limited(s.handleStream))
	mux.Handle("GET "+p+"/agent/stream/{threadId}/events", s.limited(s.handleObserve))
	mux.Handle("GET "+p+"/agent/ws/{threadId}", s.limited(s.handleWebSocket))

	// Operational endpoints
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.HandleFunc("GET /{$}", s.handleRoot)

	return s.withLogging(s.withCORS(mux))
}

// Start begins serving HTTP requests. It blocks until the server stops.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Address, s.cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.cfg.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.cfg.Port, "prefix", s.cfg.Prefix)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server and waits for detached streaming
// runs to finish, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.server != nil {
		err = s.server.Shutdown(ctx)
	}
	if s.limiters != nil {
		s.limiters.shutdown()
	}

	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("shutdown with streaming runs still in flight")
	}
	return err
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (r *statusRecorder) Flush() {
	_ = http.NewResponseController(r.ResponseWriter).Flush()
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return http.NewResponseController(r.ResponseWriter).Hijack()
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		level := slog.LevelInfo
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			level = slog.LevelDebug
		}
		s.logger.Log(r.Context(), level, "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && originAllowed(origin, s.cfg.CORSOrigins) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func originAllowed(origin string, allowed []string) bool {
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}

// limited applies the per-client rate limit.
func (s *Server) limited(h http.HandlerFunc) http.Handler {
	if s.limiters == nil {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiters.allow(clientKey(r)) {
			w.Header().Set("Retry-After", "1")
			s.errorResponse(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
			return
		}
		h(w, r)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errType,
			"code":    code,
		},
	}, s.logger)
}

// failure reports a core failure. Every failure is a 400; the type field
// tells input, reasoning and store errors apart.
func (s *Server) failure(w http.ResponseWriter, err error) {
	errType := "internal_error"
	switch {
	case errors.Is(err, agent.ErrInvalidRequest),
		errors.Is(err, memory.ErrInvalidMessage),
		errors.Is(err, historical.ErrInvalidTicket),
		errors.Is(err, historical.ErrDuplicateTicket):
		errType = "invalid_request_error"
	case errors.Is(err, agent.ErrReasoningUnavailable):
		errType = "reasoning_unavailable"
	case errors.Is(err, memory.ErrStoreUnavailable):
		errType = "store_error"
	}
	s.errorResponse(w, http.StatusBadRequest, errType, err.Error())
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "triage",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.RuntimeInfo(), s.logger)
}

// handleHealth is a liveness check: it always answers 200. Unreachable
// dependencies turn the status to "degraded".
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		Status       string                   `json:"status"`
		Uptime       string                   `json:"uptime"`
		Dependencies map[string]health.Status `json:"dependencies,omitempty"`
	}{Status: "healthy", Uptime: buildinfo.Uptime().Round(time.Second).String()}

	if s.health != nil {
		resp.Dependencies = s.health.Status()
		if len(s.health.Down()) > 0 {
			resp.Status = "degraded"
		}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}
