// Package api exposes the dispatch pipeline over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/ignite/dispatchd/internal/config"
)

// Server wraps the HTTP server and its router.
type Server struct {
	config  config.ServerConfig
	handler http.Handler
	server  *http.Server
}

// NewServer assembles the router around the handlers.
func NewServer(cfg config.ServerConfig, h *Handlers, auth *AuthMiddleware, limiter *RateLimiter) *Server {
	return &Server{
		config:  cfg,
		handler: SetupRoutes(h, auth, limiter),
	}
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadTimeout:       60 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the HTTP handler for testing.
func (s *Server) Handler() http.Handler {
	return s.handler
}
