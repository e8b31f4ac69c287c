// Package statusapi implements the read-only HTTP status/metrics
// surface (SPEC_FULL §2.19): a go-chi/chi router exposing /healthz,
// /metrics (promhttp), and a JSON snapshot of queue state, layered the
// way dittofs's pkg/api separates handlers/middleware from business
// logic.
package statusapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dcqueue/qengine/internal/corectx"
	"github.com/dcqueue/qengine/internal/logger"
)

// Config controls the status API HTTP server.
type Config struct {
	Enabled      bool
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// applyDefaults mirrors dittofs's APIConfig.applyDefaults so the
// server is safe to construct directly (e.g. in tests) without going
// through internal/config.
func (c *Config) applyDefaults() {
	if c.Port <= 0 {
		c.Port = 8620
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
}

// Server serves the status API over HTTP with graceful shutdown.
type Server struct {
	http *http.Server
	cfg  Config
}

// NewServer builds a Server reading from core and, if non-nil,
// exposing reg's collected Prometheus metrics at /metrics.
func NewServer(cfg Config, core *corectx.Context, reg *prometheus.Registry) *Server {
	cfg.applyDefaults()
	return &Server{
		http: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      newRouter(core, reg),
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		cfg: cfg,
	}
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("status API listening", "port", s.cfg.Port)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("status API failed: %w", err)
	}
}

func newRouter(core *corectx.Context, reg *prometheus.Registry) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(10 * time.Second))

	r.Get("/healthz", healthzHandler)

	if reg != nil {
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	if core != nil {
		h := &snapshotHandler{core: core}
		r.Get("/queue/bundles", h.listBundles)
		r.Get("/queue/bundles/{token}", h.getBundle)
	}

	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := chimw.GetReqID(r.Context())
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		logger.Debug("status API request",
			"request_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start).String(),
		)
	})
}

func healthzHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
