package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/warc-nextjs-scanner/internal/crawler"
	"github.com/JakeFAU/warc-nextjs-scanner/internal/failure"
	"github.com/JakeFAU/warc-nextjs-scanner/internal/metrics"
	"github.com/JakeFAU/warc-nextjs-scanner/internal/proxy"
)

// StatsSource reports live run statistics.
type StatsSource interface {
	Snapshot() crawler.StatsSnapshot
}

// FailureSource reports tracked failures.
type FailureSource interface {
	Records() []failure.Record
	Summary() map[failure.Kind]int
}

// ProxySource reports proxy usage.
type ProxySource interface {
	Stats() proxy.Stats
	Assignments() map[int]proxy.Identity
}

// Sources are the optional backing components. Nil sources answer 404.
type Sources struct {
	Stats    StatsSource
	Failures FailureSource
	Proxies  ProxySource
}

// Server wires HTTP handlers to the running pipeline.
type Server struct {
	router  chi.Router
	sources Sources
	runID   string
	ready   atomic.Bool
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(sources Sources, runID string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{sources: sources, runID: runID, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/stats", s.stats)
		r.Get("/failures", s.failures)
		r.Get("/proxies", s.proxies)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetReady flips the readiness probe.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// ListenAndServe serves on addr until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("status server started", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("status server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("status server shutdown: %w", err)
	}
	return nil
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	if s.sources.Stats == nil {
		writeError(w, http.StatusNotFound, "no run in progress")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id": s.runID,
		"stats":  s.sources.Stats.Snapshot(),
	})
}

func (s *Server) failures(w http.ResponseWriter, _ *http.Request) {
	if s.sources.Failures == nil {
		writeError(w, http.StatusNotFound, "failure tracking disabled")
		return
	}
	records := s.sources.Failures.Records()
	writeJSON(w, http.StatusOK, map[string]any{
		"total_failures": len(records),
		"summary":        s.sources.Failures.Summary(),
		"failures":       records,
	})
}

type proxyAssignment struct {
	Worker int    `json:"worker"`
	Proxy  string `json:"proxy"`
	URL    string `json:"url"`
}

func (s *Server) proxies(w http.ResponseWriter, _ *http.Request) {
	if s.sources.Proxies == nil {
		writeError(w, http.StatusNotFound, "proxies disabled")
		return
	}
	assignments := s.sources.Proxies.Assignments()
	out := make([]proxyAssignment, 0, len(assignments))
	for slot, id := range assignments {
		out = append(out, proxyAssignment{Worker: slot, Proxy: id.Name, URL: id.URL().String()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Worker < out[j].Worker })
	writeJSON(w, http.StatusOK, map[string]any{
		"stats":       s.sources.Proxies.Stats(),
		"assignments": out,
	})
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
			zap.String("request_id", reqID),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
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
