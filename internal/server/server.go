package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/senzu-ai/senzu/internal/domain"
	"github.com/senzu-ai/senzu/internal/server/handler"
	"github.com/senzu-ai/senzu/internal/server/middleware"
	"github.com/senzu-ai/senzu/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // empty disables authentication
	RateLimit   int    // requests per RateWindow per client IP; 0 disables
	RateWindow  time.Duration
}

// Handlers aggregates the HTTP handlers the server registers.
type Handlers struct {
	Health      *handler.HealthHandler
	Status      *handler.StatusHandler
	Predictions *handler.PredictionHandler
	Upstream    *handler.UpstreamHandler
	Models      *handler.ModelHandler
	Metrics     http.Handler
}

// Deps are optional cross-cutting collaborators of the middleware chain.
type Deps struct {
	Limiter  domain.RateLimiter
	Recorder middleware.RequestRecorder
}

// Server is the HTTP and WebSocket API of the inference service.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in the middleware chain.
func NewServer(cfg Config, handlers Handlers, deps Deps, wsHub *ws.Hub, logger *slog.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      NewHandler(cfg, handlers, deps, wsHub, logger),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 45 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// NewHandler builds the routed and wrapped handler without binding a port.
func NewHandler(cfg Config, handlers Handlers, deps Deps, wsHub *ws.Hub, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)

	mux.HandleFunc("GET /api/predictions/{match_id}", handlers.Predictions.GetPrediction)
	mux.HandleFunc("GET /api/predictions/{match_id}/history", handlers.Predictions.ListHistory)

	mux.HandleFunc("POST /api/upstream/matches/{match_id}", handlers.Upstream.MatchChanged)
	mux.HandleFunc("POST /api/upstream/scopes/{scope}", handlers.Upstream.ScopeChanged)

	mux.HandleFunc("GET /api/models/{scope}/active", handlers.Models.GetActive)
	mux.HandleFunc("POST /api/models/{scope}/activate", handlers.Models.Activate)

	if handlers.Metrics != nil {
		mux.Handle("GET /metrics", handlers.Metrics)
	}
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey, "/api/health", "/metrics")(h)
	h = middleware.RateLimit(deps.Limiter, cfg.RateLimit, cfg.RateWindow)(h)
	h = middleware.Logging(logger, deps.Recorder)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// Start listens until the server fails or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown waits for in-flight requests until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
