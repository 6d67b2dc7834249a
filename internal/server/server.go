package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kenkyu/internal/auth"
	"github.com/ashita-ai/kenkyu/internal/ctxutil"
	"github.com/ashita-ai/kenkyu/internal/ratelimit"
	"github.com/ashita-ai/kenkyu/internal/storage"
)

// Server is the kenkyu HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Limiter, Provider, MCPServer.
type ServerConfig struct {
	// Required dependencies.
	Store  *storage.Store
	JWTMgr *auth.JWTManager
	Users  *auth.Users
	Broker *Broker
	Runs   RunSubmitter
	Logger *slog.Logger

	// Optional dependencies (nil = disabled).
	Limiter   ratelimit.Limiter
	Provider  ProviderStatus
	MCPServer *mcpserver.MCPServer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	Keepalive           time.Duration
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Store:               cfg.Store,
		JWTMgr:              cfg.JWTMgr,
		Users:               cfg.Users,
		Broker:              cfg.Broker,
		Runs:                cfg.Runs,
		Provider:            cfg.Provider,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		Keepalive:           cfg.Keepalive,
	})

	reqIDFunc := func(r *http.Request) string {
		return ctxutil.RequestIDFromContext(r.Context())
	}
	loginRL := ratelimit.Middleware(cfg.Limiter, "login", ratelimit.IPKeyFunc, reqIDFunc, cfg.Logger)
	runRL := ratelimit.Middleware(cfg.Limiter, "runs", usernameKeyFunc, reqIDFunc, cfg.Logger)

	mux := http.NewServeMux()

	// Auth (login is public and limited by IP).
	mux.Handle("POST /api/auth/login", loginRL(http.HandlerFunc(h.HandleLogin)))
	mux.HandleFunc("GET /api/auth/me", h.HandleMe)

	// Topics.
	mux.HandleFunc("GET /api/topics", h.HandleListTopics)
	mux.HandleFunc("POST /api/topics", h.HandleCreateTopic)
	mux.HandleFunc("GET /api/topics/{topicId}", h.HandleGetTopic)
	mux.HandleFunc("DELETE /api/topics/{topicId}", h.HandleDeleteTopic)
	mux.HandleFunc("GET /api/topics/{topicId}/snapshot", h.HandleSnapshot)
	mux.HandleFunc("GET /api/topics/{topicId}/trace", h.HandleTrace)
	mux.HandleFunc("GET /api/topics/{topicId}/artifacts/{name}", h.HandleArtifact)

	// Runs (limited per user).
	mux.Handle("POST /api/topics/{topicId}/runs", runRL(http.HandlerFunc(h.HandleCreateRun)))

	// Agent conversation and commands.
	mux.HandleFunc("GET /api/topics/{topicId}/agents/{agentId}/messages", h.HandleListMessages)
	mux.HandleFunc("POST /api/topics/{topicId}/agents/{agentId}/messages", h.HandleCreateMessage)
	mux.HandleFunc("POST /api/topics/{topicId}/agents/{agentId}/command", h.HandleCommand)

	// Live event stream (long-lived, not rate limited).
	mux.HandleFunc("GET /api/topics/{topicId}/events", h.HandleEvents)

	// MCP StreamableHTTP transport (auth required).
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: cfg.ReadTimeout,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// usernameKeyFunc keys rate limits on the authenticated user.
func usernameKeyFunc(r *http.Request) string {
	return ctxutil.UsernameFromContext(r.Context())
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	// Event streams never go idle on their own.
	s.handlers.closeStreams()
	return s.httpServer.Shutdown(ctx)
}
