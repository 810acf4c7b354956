package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BadgerOps/kraken/internal/chooser"
)

// maxArchiveSize bounds uploaded image archives.
const maxArchiveSize = 8 << 30

// Server exposes the version chooser over JSON HTTP.
type Server struct {
	chooser    *chooser.Chooser
	logger     *slog.Logger
	httpServer *http.Server
}

// NewServer creates a new Server instance.
func NewServer(ch *chooser.Chooser, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{chooser: ch, logger: logger}
}

// Start starts the HTTP server on the given listen address.
func (s *Server) Start(listenAddr string) error {
	s.httpServer = &http.Server{
		Addr:         listenAddr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", listenAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the routes of the API.
// Uses Go 1.22+ enhanced routing with method prefixes and path variables.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Core version
	mux.HandleFunc("GET /v1.0/version/current", s.handleGetVersion)
	mux.HandleFunc("POST /v1.0/version/current", s.handleSetVersion)
	mux.HandleFunc("DELETE /v1.0/version/delete", s.handleDeleteVersion)
	mux.HandleFunc("GET /v1.0/version/available/local", s.handleLocalVersions)
	mux.HandleFunc("GET /v1.0/version/available/{repository}/{image}", s.handleAvailableVersions)
	mux.HandleFunc("POST /v1.0/version/pull/", s.handlePullVersion)
	mux.HandleFunc("POST /v1.0/version/load/", s.handleLoadVersion)
	mux.HandleFunc("POST /v1.0/version/restart", s.handleRestart)

	// Bootstrap
	mux.HandleFunc("GET /v1.0/bootstrap/current", s.handleGetBootstrap)
	mux.HandleFunc("POST /v1.0/bootstrap/current", s.handleSetBootstrap)

	// Registry accounts
	mux.HandleFunc("POST /v1.0/docker/login/", s.handleDockerLogin)
	mux.HandleFunc("POST /v1.0/docker/logout/", s.handleDockerLogout)
	mux.HandleFunc("GET /v1.0/docker/accounts/", s.handleDockerAccounts)

	// Extensions
	mux.HandleFunc("GET /v1.0/extensions", s.handleListExtensions)
	mux.HandleFunc("GET /v1.0/extensions/catalog", s.handleExtensionCatalog)
	mux.HandleFunc("GET /v1.0/extensions/status", s.handleExtensionStatus)
	mux.HandleFunc("GET /v1.0/extensions/operations", s.handleExtensionOperations)
	mux.HandleFunc("GET /v1.0/extensions/logs", s.handleExtensionLogs)
	mux.HandleFunc("POST /v1.0/extensions/{op}", s.handleExtensionOperation)
	mux.HandleFunc("DELETE /v1.0/operations/{id}", s.handleCancelOperation)

	return s.logRequests(mux)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
