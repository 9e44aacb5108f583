// Package server exposes the fleet over HTTP: the Ollama-compatible data
// plane, the OpenAI compatibility layer, the orchestrator control plane,
// and the operational endpoints.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/modelherd/herd/internal/config"
	"github.com/modelherd/herd/internal/errors"
	"github.com/modelherd/herd/internal/logging"
	"github.com/modelherd/herd/internal/metrics"
	"github.com/modelherd/herd/internal/middleware"
	"github.com/modelherd/herd/internal/orchestrator"
)

// Version is stamped by the build; the data plane reports it on
// /api/version.
var Version = "dev"

// Server owns the inbound listeners and their lifecycle. All routing
// state lives in the orchestrator; the server translates HTTP.
type Server struct {
	orch       *orchestrator.Orchestrator
	configPath string

	httpServer    *http.Server
	metricsServer *http.Server
	watcher       *config.Watcher

	// flights coalesces concurrent identical fleet fan-outs.
	flights singleflight.Group

	startTime time.Time
}

// New creates a server around an orchestrator. configPath is re-read on
// SIGHUP and on filesystem change when live reload is enabled.
func New(orch *orchestrator.Orchestrator, configPath string) *Server {
	return &Server{
		orch:       orch,
		configPath: configPath,
		startTime:  time.Now(),
	}
}

// Handler assembles the route table and the middleware chain.
func (s *Server) Handler() http.Handler {
	cfg := s.orch.Config()
	r := httprouter.New()
	r.NotFound = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		errors.ErrNotFound.WriteJSON(w)
	})
	r.MethodNotAllowed = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		errors.ErrMethodNotAllowed.WriteJSON(w)
	})

	// Native inference.
	r.HandlerFunc(http.MethodPost, "/api/generate", s.handleGenerate)
	r.HandlerFunc(http.MethodPost, "/api/chat", s.handleChat)
	r.HandlerFunc(http.MethodPost, "/api/embeddings", s.handleEmbeddings)
	r.HandlerFunc(http.MethodPost, "/api/embed", s.handleEmbed)

	// Listing and introspection.
	r.HandlerFunc(http.MethodGet, "/api/tags", s.handleTags)
	r.HandlerFunc(http.MethodGet, "/api/ps", s.handlePs)
	r.HandlerFunc(http.MethodGet, "/api/version", s.handleVersion)
	r.HandlerFunc(http.MethodPost, "/api/show", s.handleShow)

	// Model-store mutations target one node's disk; a fleet has no
	// single store to mutate.
	rejected := []struct{ method, path string }{
		{http.MethodPost, "/api/pull"},
		{http.MethodPost, "/api/push"},
		{http.MethodPost, "/api/create"},
		{http.MethodPost, "/api/copy"},
		{http.MethodDelete, "/api/delete"},
		{http.MethodPost, "/api/blobs/:digest"},
		{http.MethodHead, "/api/blobs/:digest"},
	}
	for _, ep := range rejected {
		r.HandlerFunc(ep.method, ep.path, handleNotSupported)
	}

	// OpenAI compatibility.
	r.HandlerFunc(http.MethodPost, "/v1/chat/completions", s.handleOpenAIChat)
	r.HandlerFunc(http.MethodPost, "/v1/completions", s.handleOpenAICompletions)
	r.HandlerFunc(http.MethodPost, "/v1/embeddings", s.handleOpenAIEmbeddings)
	r.HandlerFunc(http.MethodGet, "/v1/models", s.handleOpenAIModels)
	// Catch-all, not :model: namespaced names such as user/llama3:tag
	// contain slashes.
	r.HandlerFunc(http.MethodGet, "/v1/models/*model", s.handleOpenAIModel)

	// Control plane. The subtree mixes static and parameterized
	// segments httprouter cannot hold in one method tree, so it is
	// dispatched by hand behind a catch-all.
	var control http.Handler = s.controlHandler()
	if cfg.EnableAuth {
		control = middleware.BearerAuth(cfg.Auth.Token)(control)
	}
	for _, m := range []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodPatch} {
		r.Handler(m, "/api/orchestrator/*rest", control)
	}

	r.HandlerFunc(http.MethodGet, "/healthz", s.handleHealthz)
	if cfg.Metrics.PrometheusEnabled && cfg.MetricsAddr() == "" {
		r.Handler(http.MethodGet, "/metrics",
			promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	}

	return middleware.NewBuilder().
		Use(middleware.Recovery()).
		Use(middleware.RequestID()).
		Use(middleware.AccessLog("/healthz", "/metrics")).
		UseIf(cfg.RateLimit.Enabled, middleware.RateLimit(cfg.RateLimit.RPS, cfg.RateLimit.Burst)).
		Handler(r)
}

// Start brings up the orchestrator and the listeners.
func (s *Server) Start() error {
	cfg := s.orch.Config()
	s.orch.Start()

	s.httpServer = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           s.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		MaxHeaderBytes:    cfg.Server.MaxHeaderBytes,
	}

	errCh := make(chan error, 2)
	go func() {
		logging.Info("listening", zap.String("addr", cfg.Addr()))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	if addr := cfg.MetricsAddr(); addr != "" && cfg.Metrics.PrometheusEnabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
		s.metricsServer = &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		go func() {
			logging.Info("metrics listening", zap.String("addr", addr))
			if err := s.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	// Give the listeners a moment to fail fast on bind errors.
	select {
	case err := <-errCh:
		return err
	case <-time.After(100 * time.Millisecond):
	}
	return nil
}

// Run starts the server and blocks until shutdown. SIGHUP reloads the
// config file; SIGINT/SIGTERM drain and exit. When live reload is
// enabled the config file is also watched for changes.
func (s *Server) Run() error {
	if err := s.Start(); err != nil {
		return err
	}

	cfg := s.orch.Config()
	if cfg.ConfigReloadInterval > 0 && s.configPath != "" {
		w, err := config.NewWatcher(s.configPath, cfg.ConfigReloadInterval, config.NewLoader())
		if err != nil {
			logging.Warn("config watcher unavailable", zap.Error(err))
		} else {
			w.OnChange(func(next *config.Config) {
				s.orch.ApplyConfig(next)
			})
			if err := w.Start(); err != nil {
				logging.Warn("config watcher failed to start", zap.Error(err))
			} else {
				s.watcher = w
			}
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range quit {
		if sig == syscall.SIGHUP {
			s.reloadConfig()
			continue
		}
		logging.Info("shutting down", zap.String("signal", sig.String()))
		return s.Shutdown(cfg.Server.ShutdownGrace)
	}
	return nil
}

func (s *Server) reloadConfig() {
	if s.configPath == "" {
		return
	}
	next, err := config.NewLoader().Load(s.configPath)
	if err != nil {
		logging.Error("config reload failed", zap.Error(err))
		return
	}
	s.orch.ApplyConfig(next)
}

// Shutdown stops accepting requests, waits for in-flight work up to the
// grace period, and flushes persistent state.
func (s *Server) Shutdown(grace time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	if s.watcher != nil {
		s.watcher.Stop()
	}
	if s.metricsServer != nil {
		if err := s.metricsServer.Shutdown(ctx); err != nil {
			logging.Error("metrics server shutdown", zap.Error(err))
		}
	}
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			logging.Error("http server shutdown", zap.Error(err))
		}
	}
	if err := s.orch.Shutdown(ctx); err != nil {
		logging.Error("orchestrator shutdown", zap.Error(err))
		return err
	}
	logging.Info("server shutdown complete")
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	backends := s.orch.Inventory().List()
	healthy := 0
	for _, b := range backends {
		if b.Healthy() {
			healthy++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"uptime":   time.Since(s.startTime).String(),
		"backends": len(backends),
		"healthy":  healthy,
	})
}

func handleNotSupported(w http.ResponseWriter, _ *http.Request) {
	errors.ErrNotSupported.WriteJSON(w)
}
