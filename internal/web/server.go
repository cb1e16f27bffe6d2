// Package web serves a recognition session to a browser: actions, state
// snapshots, a live event stream and the annotated still.
package web

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// Server represents the web server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	handler    *Handler
}

// NewServer routes h on addr.
func NewServer(addr string, h *Handler) *Server {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)

	s := &Server{router: r, handler: h}
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		// No write timeout: the event stream stays open.
		IdleTimeout: 60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	h := s.handler
	s.router.Get("/healthz", HealthCheck)
	s.router.Route("/api/session", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Get("/events", h.Events)
		r.Get("/still.jpg", h.Still)
		r.Get("/results/{index}/person", h.Person)

		r.Post("/open", h.Open)
		r.Post("/close", h.Close)
		r.Post("/capture", h.action("capture", h.session.Capture))
		r.Post("/restart", h.action("restart", h.session.Restart))
		r.Post("/switch", h.action("switch", h.session.SwitchCamera))
		r.Post("/retry", h.action("retry", h.session.Retry))
	})
}

// Start serves until Shutdown.
func (s *Server) Start() error {
	slog.Info("Starting web server", "component", "web", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown closes the session and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("Shutting down web server", "component", "web")
	s.handler.session.Close()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	return nil
}

// Router returns the chi router for testing
func (s *Server) Router() *chi.Mux {
	return s.router
}
