// Package server implements the HTTP transport for FluxProxy. It routes
// proxy traffic, the WebSocket chat channel, the dashboard API, and the
// embedded dashboard UI, and handles server lifecycle management.
package server

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fluxproxy/fluxproxy/internal/config"
	"github.com/fluxproxy/fluxproxy/internal/proxy"
	"github.com/fluxproxy/fluxproxy/internal/store"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Version is the application version, following semantic versioning.
const Version = "0.1.0"

// defaultLogLimit is how many interaction records list endpoints return
// when the caller does not ask for a specific limit.
const defaultLogLimit = 100

//go:embed static
var staticFS embed.FS

// Server wires the proxy engine, the store, and the dashboard together
// behind one http.Server.
type Server struct {
	server      *http.Server
	cfg         *config.Config
	store       *store.Store
	engine      *proxy.Engine
	logger      *zap.Logger
	broadcaster *Broadcaster

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// New creates the HTTP server and registers all routes. The server is
// not started until Start is called.
func New(cfg *config.Config, st *store.Store, engine *proxy.Engine, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		cfg:        cfg,
		store:      st,
		engine:     engine,
		logger:     logger,
		shutdownCh: make(chan struct{}),
	}
	s.broadcaster = NewBroadcaster(st, cfg, logger)

	mux := http.NewServeMux()

	// Proxy routes
	mux.HandleFunc("POST /api/generate", s.proxyHandler("/api/generate"))
	mux.HandleFunc("POST /api/chat", s.proxyHandler("/api/chat"))

	// Upstream info pass-through
	mux.HandleFunc("GET /api/tags", s.passthroughHandler("/api/tags"))
	mux.HandleFunc("GET /api/ps", s.passthroughHandler("/api/ps"))

	// WebSocket channels
	mux.HandleFunc("GET /ws/chat", s.handleChatSocket)
	mux.HandleFunc("GET /ws/dashboard", s.handleDashboardSocket)

	// Dashboard API
	mux.HandleFunc("GET /api/logs", s.handleLogs)
	mux.HandleFunc("GET /api/logs/{id}", s.handleLog)
	mux.HandleFunc("PUT /api/logs/{id}/starred", s.handleSetStarred)
	mux.HandleFunc("GET /api/metrics", s.handleMetrics)
	mux.HandleFunc("GET /api/version", s.handleVersion)
	mux.HandleFunc("GET /api/config/cache", s.handleGetCacheConfig)
	mux.HandleFunc("POST /api/config/cache", s.handleSetCacheConfig)
	mux.HandleFunc("POST /api/replay/{id}", s.handleReplay)
	mux.HandleFunc("POST /api/shutdown", s.handleShutdown)

	if cfg.EnableMetrics {
		mux.Handle("GET "+cfg.MetricsPath, promhttp.Handler())
	}

	// Embedded dashboard UI
	mux.HandleFunc("GET /", s.handleStatic)
	mux.HandleFunc("GET /favicon.ico", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	s.server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: s.requestLogging(mux),
		// No global write timeout: streamed responses and chat sockets
		// stay open far longer than any sane fixed budget.
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Start begins serving and blocks until the server stops.
func (s *Server) Start() error {
	s.broadcaster.Start()
	s.logger.Info("server listening", zap.String("addr", s.cfg.ListenAddr))
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the broadcaster and gracefully shuts the server down.
func (s *Server) Shutdown(ctx context.Context) error {
	s.broadcaster.Stop()
	return s.server.Shutdown(ctx)
}

// ShutdownRequested is closed when a caller hits POST /api/shutdown.
func (s *Server) ShutdownRequested() <-chan struct{} {
	return s.shutdownCh
}

// requestLogging assigns each request a uuid and logs method, path,
// and duration at debug level.
func (s *Server) requestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := uuid.NewString()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)))
	})
}

// proxyHandler adapts the proxy engine to an http.HandlerFunc for a
// fixed upstream endpoint.
func (s *Server) proxyHandler(endpoint string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "failed to read request body", http.StatusBadRequest)
			return
		}
		s.engine.Forward(w, r, endpoint, body)
	}
}

// passthroughHandler forwards simple GET info requests to the upstream
// server without caching or logging.
func (s *Server) passthroughHandler(endpoint string) http.HandlerFunc {
	client := &http.Client{Timeout: s.cfg.InfoTimeout}
	return func(w http.ResponseWriter, r *http.Request) {
		resp, err := client.Get(s.cfg.OllamaHost + endpoint)
		if err != nil {
			http.Error(w, "Failed to fetch from upstream", http.StatusInternalServerError)
			return
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			http.Error(w, "Failed to fetch from upstream", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.Copy(w, resp.Body)
	}
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit := defaultLogLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	logs, err := s.store.Logs(limit)
	if err != nil {
		s.logger.Error("failed to fetch logs", zap.Error(err))
		http.Error(w, "failed to fetch logs", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, logs)
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid log id", http.StatusBadRequest)
		return
	}
	rec, ok := s.store.Log(id)
	if !ok {
		http.Error(w, "Log not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleSetStarred(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid log id", http.StatusBadRequest)
		return
	}

	var body struct {
		Starred *bool `json:"starred"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if body.Starred == nil {
		http.Error(w, "Missing 'starred' field", http.StatusBadRequest)
		return
	}

	if err := s.store.SetStarred(id, *body.Starred); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"id":         id,
		"is_starred": *body.Starred,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.store.Metrics())
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": Version})
}

func (s *Server) handleGetCacheConfig(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]bool{"enabled": s.engine.CacheEnabled()})
}

func (s *Server) handleSetCacheConfig(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if body.Enabled == nil {
		http.Error(w, "Missing 'enabled' field", http.StatusBadRequest)
		return
	}
	s.engine.SetCacheEnabled(*body.Enabled)
	s.writeJSON(w, http.StatusOK, map[string]bool{"enabled": s.engine.CacheEnabled()})
}

// handleReplay re-runs a logged request against its original endpoint,
// bypassing the cache read so the response is fresh.
func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid log id", http.StatusBadRequest)
		return
	}
	rec, ok := s.store.Log(id)
	if !ok {
		http.Error(w, "Log entry not found", http.StatusNotFound)
		return
	}

	replay, err := http.NewRequestWithContext(r.Context(), http.MethodPost,
		rec.Endpoint, strings.NewReader(rec.RequestBody))
	if err != nil {
		http.Error(w, "failed to build replay request", http.StatusInternalServerError)
		return
	}
	replay.Header.Set(proxy.HeaderNoCache, "true")

	s.engine.Forward(w, replay, rec.Endpoint, []byte(rec.RequestBody))
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("shutdown requested via API")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "Server shutting down")
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })
}

// handleStatic serves the embedded dashboard assets.
func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/")
	if name == "" {
		name = "index.html"
	}
	data, err := staticFS.ReadFile("static/" + name)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	switch {
	case strings.HasSuffix(name, ".html"):
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
	case strings.HasSuffix(name, ".css"):
		w.Header().Set("Content-Type", "text/css; charset=utf-8")
	case strings.HasSuffix(name, ".js"):
		w.Header().Set("Content-Type", "application/javascript")
	}
	_, _ = w.Write(data)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
	}
}

// Handler exposes the full route table, primarily for tests.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Banner returns the startup banner printed by the CLI.
func Banner(addr string) string {
	return fmt.Sprintf("FluxProxy v%s listening on %s", Version, addr)
}
