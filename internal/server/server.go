// Package server exposes the contract pipeline over HTTP. Handlers parse and
// authorize; all business logic lives in the service package so the MCP
// surface shares it.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/keiyaku/internal/auth"
	"github.com/ashita-ai/keiyaku/internal/authz"
	"github.com/ashita-ai/keiyaku/internal/service"
	"github.com/ashita-ai/keiyaku/internal/storage"
)

// credentialStore is the API-key lookup the token exchange needs.
// *storage.DB satisfies it.
type credentialStore interface {
	GetAPIKeyByPrefix(ctx context.Context, prefix string) (storage.APIKey, error)
}

// Server is the HTTP front end.
type Server struct {
	svc     *service.Service
	checker *authz.Checker
	jwt     *auth.JWTManager
	keys    credentialStore
	logger  *slog.Logger
	http    *http.Server
}

// Options configures the HTTP server.
type Options struct {
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	MaxRequestBodyBytes int64

	// MCPServer, when set, is mounted at /mcp over the StreamableHTTP
	// transport behind the same bearer auth as the REST API.
	MCPServer *mcpserver.MCPServer
}

// New creates the Server and wires its routes.
func New(svc *service.Service, checker *authz.Checker, jwtm *auth.JWTManager, keys credentialStore, opts Options, logger *slog.Logger) *Server {
	s := &Server{
		svc:     svc,
		checker: checker,
		jwt:     jwtm,
		keys:    keys,
		logger:  logger,
	}

	s.http = &http.Server{
		Addr:         fmt.Sprintf(":%d", opts.Port),
		Handler:      s.routes(opts),
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	}
	return s
}

func (s *Server) routes(opts Options) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /auth/token", s.handleTokenExchange)

	api := http.NewServeMux()
	api.HandleFunc("POST /api/v1/projects", s.handleCreateProject)
	api.HandleFunc("GET /api/v1/projects", s.handleListProjects)

	api.HandleFunc("POST /api/v1/projects/{project_id}/cycles/{cycle_no}/turns", s.handleAppendTurn)
	api.HandleFunc("GET /api/v1/projects/{project_id}/cycles/{cycle_no}/turns", s.handleListTurns)
	api.HandleFunc("PUT /api/v1/projects/{project_id}/cycles/{cycle_no}/decisions/{decision_key}", s.handleUpsertDecision)
	api.HandleFunc("GET /api/v1/projects/{project_id}/cycles/{cycle_no}/decisions", s.handleListDecisions)
	api.HandleFunc("GET /api/v1/projects/{project_id}/cycles/{cycle_no}/readiness", s.handleReadiness)
	api.HandleFunc("POST /api/v1/projects/{project_id}/cycles/{cycle_no}/contract:generate", s.handleGenerate)
	api.HandleFunc("POST /api/v1/projects/{project_id}/cycles/{cycle_no}/contract:submit", s.handleSubmit)
	api.HandleFunc("GET /api/v1/projects/{project_id}/cycles/{cycle_no}/contract/latest", s.handleLatestVersion)
	api.HandleFunc("GET /api/v1/projects/{project_id}/cycles/{cycle_no}/stage-runs", s.handleStageRuns)
	api.HandleFunc("GET /api/v1/contract-versions/{contract_version_id}/manifest", s.handleManifest)

	mux.Handle("/api/v1/", s.authMiddleware(api))

	// MCP StreamableHTTP transport (auth required).
	if opts.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(opts.MCPServer)
		mux.Handle("/mcp", s.authMiddleware(mcpHTTP))
	}

	return chain(mux,
		requestIDMiddleware,
		loggingMiddleware(s.logger),
		metricsMiddleware,
		tracingMiddleware,
		bodyLimitMiddleware(opts.MaxRequestBodyBytes),
	)
}

// Start begins serving. Blocks until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler returns the full route handler, used by tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}
