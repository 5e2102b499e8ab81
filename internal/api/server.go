package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-worker/internal/crawler"
	"github.com/JakeFAU/crawl-worker/internal/metrics"
	"github.com/JakeFAU/crawl-worker/internal/queue"
	"github.com/JakeFAU/crawl-worker/internal/worker"
)

const maxJobsPerRequest = 10000

// StatusSource reports the state of every worker loop.
type StatusSource interface {
	Snapshot() []worker.Status
}

// Check reports whether one dependency is ready.
type Check func(ctx context.Context) error

// Config controls optional server features.
type Config struct {
	SessionID string
	// APIKey enables POST /v1/jobs; empty disables it.
	APIKey string
	// RequestTimeout bounds every handler; zero uses 30s.
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the dispatcher and queue.
type Server struct {
	router chi.Router
	status StatusSource
	admin  queue.Admin
	checks map[string]Check
	cfg    Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(status StatusSource, admin queue.Admin, checks map[string]Check, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	s := &Server{
		status: status,
		admin:  admin,
		checks: checks,
		cfg:    cfg,
		logger: logger.Named("api"),
	}
	metrics.Init()

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.getStatus)
		if cfg.APIKey != "" {
			r.With(apiKeyMiddleware(cfg.APIKey)).Post("/jobs", s.submitJobs)
		}
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	failures := map[string]string{}
	for name, check := range s.checks {
		if err := check(r.Context()); err != nil {
			failures[name] = err.Error()
		}
	}
	if len(failures) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failures": failures})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type statusResponse struct {
	SessionID string          `json:"session_id"`
	Workers   []worker.Status `json:"workers"`
	Queue     *crawler.Depth  `json:"queue,omitempty"`
	QueueErr  string          `json:"queue_error,omitempty"`
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{SessionID: s.cfg.SessionID, Workers: []worker.Status{}}
	if s.status != nil {
		resp.Workers = append(resp.Workers, s.status.Snapshot()...)
	}
	if s.admin != nil {
		depth, err := s.admin.Depth(r.Context())
		if err != nil {
			resp.QueueErr = err.Error()
		} else {
			resp.Queue = &depth
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type jobRequest struct {
	Rank int    `json:"rank"`
	Site string `json:"site"`
}

type submitRequest struct {
	Jobs []jobRequest `json:"jobs"`
}

func (s *Server) submitJobs(w http.ResponseWriter, r *http.Request) {
	if s.admin == nil {
		writeError(w, http.StatusServiceUnavailable, "queue is not configured")
		return
	}
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.Jobs) == 0 {
		writeError(w, http.StatusBadRequest, "jobs must not be empty")
		return
	}
	if len(req.Jobs) > maxJobsPerRequest {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("at most %d jobs per request", maxJobsPerRequest))
		return
	}
	payloads := make([][]byte, 0, len(req.Jobs))
	for i, job := range req.Jobs {
		site := strings.TrimSpace(job.Site)
		if site == "" {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("jobs[%d].site is required", i))
			return
		}
		payloads = append(payloads, crawler.FormatPayload(job.Rank, site))
	}
	depth, err := s.admin.Enqueue(r.Context(), payloads...)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		s.logger.Error("enqueue failed", zap.Error(err))
		writeError(w, status, "enqueue failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int64{"enqueued": int64(len(payloads)), "queued": depth})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Debug("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", reqID),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	want := []byte(expected)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if subtle.ConstantTimeCompare([]byte(r.Header.Get("X-API-Key")), want) != 1 {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
