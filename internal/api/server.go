package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"algo-trace-engine/internal/config"
	"algo-trace-engine/internal/monitor"
	"algo-trace-engine/internal/session"
	"algo-trace-engine/internal/storage"
)

// RunnerStatus reports sandbox health. *sandbox.Runner satisfies it.
type RunnerStatus interface {
	Backend() string
	Healthy(ctx context.Context) bool
	ActiveCount() int64
}

// Deps are the collaborators the HTTP surface needs. Store may be nil.
type Deps struct {
	Sessions Sessions
	Runner   RunnerStatus
	Store    storage.Store
	Metrics  *monitor.Metrics
}

// Server is the HTTP front end of the engine.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	streams    *StreamHandlers
	limiter    *RateLimiter
	deps       Deps
	cfg        *config.Config
	startTime  time.Time
}

// NewServer creates and configures the HTTP server with all routes and middleware.
func NewServer(cfg *config.Config, deps Deps) *Server {
	if deps.Metrics == nil {
		deps.Metrics = monitor.NewMetrics()
	}

	s := &Server{
		handlers:  NewHandlers(deps.Sessions, deps.Metrics, cfg.Security.BlockCritical),
		streams:   NewStreamHandlers(deps.Sessions, cfg.Stream, cfg.Security.AllowedOrigins),
		limiter:   NewRateLimiter(cfg.Security.RateLimitRPS, cfg.Security.RateLimitBurst),
		deps:      deps,
		cfg:       cfg,
		startTime: time.Now(),
	}

	if len(cfg.Security.AllowedKeys) == 0 {
		log.Warn().Msg("no API keys configured, all requests will be accepted")
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      s.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// Handler builds the routed and wrapped handler.
func (s *Server) Handler() http.Handler {
	auth := AuthMiddleware(s.cfg.Security.APIKeyHeader, s.cfg.Security.AllowedKeys)
	authed := func(h http.HandlerFunc) http.Handler { return auth(h) }

	mux := http.NewServeMux()
	mux.Handle("POST /v1/sessions", authed(s.handlers.HandleSubmit))
	mux.Handle("POST /v1/benchmarks", authed(s.handlers.HandleBenchmark))
	mux.Handle("GET /v1/sessions", authed(s.handlers.HandleList))
	mux.Handle("GET /v1/sessions/{id}", authed(s.handlers.HandleGet))
	mux.Handle("DELETE /v1/sessions/{id}", authed(s.handlers.HandleCancel))
	mux.Handle("GET /v1/sessions/{id}/events", authed(s.streams.HandleEvents))
	mux.Handle("GET /v1/sessions/{id}/ws", authed(s.streams.HandleWebSocket))

	// Health and metrics bypass auth.
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.cfg.Metrics.Enabled {
		path := s.cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, promhttp.HandlerFor(s.deps.Metrics.Registry, promhttp.HandlerOpts{}))
	}

	// Outermost last.
	var handler http.Handler = mux
	handler = MetricsMiddleware(s.deps.Metrics)(handler)
	handler = RateLimitMiddleware(s.limiter)(handler)
	handler = MaxBodyMiddleware(s.cfg.Server.MaxRequestBody)(handler)
	handler = CORSMiddleware(s.cfg.Security.AllowedOrigins, s.cfg.Security.APIKeyHeader)(handler)
	handler = SecurityHeadersMiddleware(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(handler)
	return handler
}

// Start begins listening for requests. Uses TLS if configured. The rate
// limiter's pruning loop stops with ctx.
func (s *Server) Start(ctx context.Context) error {
	go s.limiter.Run(ctx)

	if s.cfg.TLS.Enabled {
		log.Info().
			Str("addr", s.httpServer.Addr).
			Str("cert", s.cfg.TLS.CertFile).
			Msg("starting HTTPS server with TLS")

		s.httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
		return s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}

	log.Info().
		Str("addr", s.httpServer.Addr).
		Msg("starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server. Open event streams are closed by
// the session manager cancelling their sessions.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:   "ok",
		Database: s.deps.Store == nil || s.deps.Store.Healthy(ctx),
		Sessions: map[session.State]int{},
		Uptime:   time.Since(s.startTime).Round(time.Second).String(),
	}
	if s.deps.Sessions != nil {
		resp.Sessions = s.deps.Sessions.Counts()
	}
	if s.deps.Runner != nil {
		resp.Backend = s.deps.Runner.Backend()
		resp.BackendHealthy = s.deps.Runner.Healthy(ctx)
		resp.ActiveExecutions = s.deps.Runner.ActiveCount()
	}

	status := http.StatusOK
	switch {
	case s.deps.Runner != nil && !resp.BackendHealthy:
		resp.Status = "unavailable"
		status = http.StatusServiceUnavailable
	case !resp.Database:
		// Sessions still run without the history store.
		resp.Status = "degraded"
	}

	writeJSON(w, status, resp)
}
