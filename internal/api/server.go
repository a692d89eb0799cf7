package api

import (
	"context"
	"net/http"
	"time"

	"github.com/ignite/campaign-dispatcher/internal/config"
)

// Server wraps the HTTP server for the campaign API.
type Server struct {
	config  config.ServerConfig
	handler http.Handler
	server  *http.Server
}

// NewServer creates a new API server around the given router.
func NewServer(cfg config.ServerConfig, handler http.Handler) *Server {
	return &Server{
		config:  cfg,
		handler: handler,
	}
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.handler,
		// Recipient uploads are capped at 10MB, so a minute is plenty.
		ReadTimeout:       time.Minute,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      time.Minute,
		IdleTimeout:       120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the HTTP handler for testing
func (s *Server) Handler() http.Handler {
	return s.handler
}
