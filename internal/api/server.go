package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-extractor/internal/config"
	"github.com/JakeFAU/realtime-cpi-extractor/internal/extraction"
	"github.com/JakeFAU/realtime-cpi-extractor/internal/sandbox"
	"github.com/JakeFAU/realtime-cpi-extractor/internal/telemetry"
)

// Runtime is the slice of the sandbox runtime the API drives.
type Runtime interface {
	Extract(ctx context.Context, req extraction.Request, mode extraction.Mode) extraction.Outcome
	ValidateInput(ctx context.Context, html string) (bool, *extraction.Failure)
	Info() extraction.ComponentInfo
	Ready() bool
	Reset()
	HealthCheck(ctx context.Context) sandbox.Summary
}

// Enqueuer hands jobs to the worker pool.
type Enqueuer interface {
	Enqueue(ctx context.Context, item extraction.QueueItem) error
}

// Deps are the collaborators behind the handlers. Fetcher is optional; without
// it /v1/extract requires inline HTML.
type Deps struct {
	Runtime Runtime
	Jobs    extraction.JobStore
	Queue   Enqueuer
	Fetcher extraction.Fetcher
	IDs     extraction.IDGenerator
	Clock   extraction.Clock
}

// Server wires HTTP handlers to the runtime, job store and dispatcher.
type Server struct {
	router chi.Router
	deps   Deps
	cfg    config.Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		deps:   deps,
		cfg:    cfg,
		logger: logger,
	}
	timeout := cfg.Server.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(telemetry.Middleware)
	r.Use(timeoutMiddleware(timeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Post("/extract", s.extract)
		r.Post("/validate", s.validate)
		r.Route("/runtime", func(r chi.Router) {
			r.Get("/health", s.runtimeHealth)
			r.Get("/info", s.runtimeInfo)
			r.Post("/reset", s.runtimeReset)
		})
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.submitJob)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/", s.getJob)
				r.Get("/documents", s.getJobDocuments)
				r.Post("/cancel", s.cancelJob)
			})
		})
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

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if !s.deps.Runtime.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// statusForKind maps the failure taxonomy onto HTTP.
func statusForKind(kind extraction.Kind) int {
	switch kind {
	case extraction.KindInvalidInput:
		return http.StatusBadRequest
	case extraction.KindResourceLimit:
		return http.StatusUnprocessableEntity
	case extraction.KindSandboxFault, extraction.KindConversion:
		return http.StatusBadGateway
	case extraction.KindCircuitOpen:
		return http.StatusServiceUnavailable
	case extraction.KindCapacityExceeded:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

type failureResponse struct {
	Error     string            `json:"error"`
	Kind      extraction.Kind   `json:"kind"`
	ContextID string            `json:"context_id,omitempty"`
	Usage     *extraction.Usage `json:"usage,omitempty"`
}

func writeFailure(w http.ResponseWriter, f *extraction.Failure, out *extraction.Outcome) {
	status := statusForKind(f.Kind)
	body := failureResponse{Error: f.Error(), Kind: f.Kind}
	if out != nil {
		body.ContextID = out.ContextID
		body.Usage = &out.Usage
	}
	if status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, body)
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

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", requestID(r.Context())),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("request_id", requestID(r.Context())))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
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

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
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
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
