// Package api implements the catalog matcher's HTTP API.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/nugget/catalogmatch/internal/buildinfo"
	"github.com/nugget/catalogmatch/internal/config"
	"github.com/nugget/catalogmatch/internal/matcher"
	"github.com/nugget/catalogmatch/internal/usage"
)

// maxRequestBody bounds a match request, attachments included.
const maxRequestBody = 32 << 20

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response,
// which is not actionable but worth tracking for debugging.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// BatchMatcher runs one match batch.
type BatchMatcher interface {
	MatchBatch(ctx context.Context, req matcher.BatchRequest, observer matcher.Observer) (*matcher.Outcome, error)
}

// OutcomePublisher hands completed outcomes to the surrounding
// application.
type OutcomePublisher interface {
	PublishOutcome(ctx context.Context, batchID string, outcome any) error
}

// UsageReporter aggregates recorded backend usage.
type UsageReporter interface {
	Summary(start, end time.Time) (*usage.Summary, error)
	SummaryBy(dim usage.Dimension, start, end time.Time) (map[string]*usage.Summary, error)
}

// Server is the HTTP API server.
type Server struct {
	address   string
	port      int
	matcher   BatchMatcher
	usage     UsageReporter
	publisher OutcomePublisher
	logger    *slog.Logger
	server    *http.Server
	stats     *BatchStats
}

// NewServer creates a new API server.
func NewServer(address string, port int, m BatchMatcher, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		matcher: m,
		logger:  logger,
		stats:   &BatchStats{},
	}
}

// SetUsageReporter configures the source for the usage endpoint.
func (s *Server) SetUsageReporter(u UsageReporter) {
	s.usage = u
}

// SetPublisher configures where completed outcomes are published.
func (s *Server) SetPublisher(p OutcomePublisher) {
	s.publisher = p
}

// Stats returns the server's batch counters.
func (s *Server) Stats() *BatchStats {
	return s.stats
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/match", s.handleMatch)
	mux.HandleFunc("GET /v1/match/ws", s.handleMatchWS)

	mux.HandleFunc("GET /v1/usage", s.handleUsage)
	mux.HandleFunc("GET /v1/stats", s.handleStats)

	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests.
func (s *Server) Start(ctx context.Context) error {
	// No write timeout: a batch can run for many minutes, and the
	// matcher bounds each backend call instead.
	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// RunBatch runs req through the matcher, keeps the batch counters and
// publishes the outcome when a publisher is configured. Every intake
// path (HTTP, websocket, MQTT) goes through it.
func (s *Server) RunBatch(ctx context.Context, req matcher.BatchRequest, observer matcher.Observer) (*matcher.Outcome, error) {
	s.stats.begin()
	out, err := s.matcher.MatchBatch(ctx, req, observer)
	s.stats.finish(out)
	if err != nil {
		return nil, err
	}

	if s.publisher != nil {
		if perr := s.publisher.PublishOutcome(ctx, out.BatchID, out); perr != nil {
			s.logger.Warn("failed to publish batch outcome", "batch_id", out.BatchID, "error", perr)
		}
	}
	return out, nil
}

// decodeBatchRequest reads a match request body and checks it has goals.
func (s *Server) decodeBatchRequest(w http.ResponseWriter, r *http.Request) (matcher.BatchRequest, error) {
	var req matcher.BatchRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	if s.logger.Enabled(r.Context(), config.LevelTrace) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return req, fmt.Errorf("read request body: %w", err)
		}
		s.logger.Log(r.Context(), config.LevelTrace, "match request body", "body", string(body))
		r.Body = io.NopCloser(bytes.NewReader(body))
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, fmt.Errorf("invalid request body: %w", err)
	}
	if len(req.Goals) == 0 {
		return req, matcher.ErrNoGoals
	}
	return req, nil
}

func (s *Server) handleMatch(w http.ResponseWriter, r *http.Request) {
	req, err := s.decodeBatchRequest(w, r)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	out, err := s.RunBatch(r.Context(), req, nil)
	if err != nil {
		s.logger.Error("match batch failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "match failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, out, s.logger)
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "catalogmatch",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Runtime(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.stats.Snapshot(), s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}
