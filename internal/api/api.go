// Package api provides the HTTP surface for the scheduler.
//
// It exposes RESTful endpoints for creating, listing, and controlling
// schedules. All mutation endpoints delegate to the control package; the
// handlers translate store sentinel errors into HTTP status codes.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/beborico1/whatsapp-scheduler/internal/control"
	"github.com/beborico1/whatsapp-scheduler/internal/models"
	"github.com/beborico1/whatsapp-scheduler/internal/store"
)

// Constants for HTTP server configuration
const (
	// DefaultAddr is the default listen address.
	DefaultAddr = ":8080"
	// DefaultReadTimeout bounds request reading.
	DefaultReadTimeout = 10 * time.Second
	// DefaultWriteTimeout bounds response writing.
	DefaultWriteTimeout = 30 * time.Second
	// DefaultListLimit is the page size when the client does not specify one.
	DefaultListLimit = 50
	// MaxListLimit caps the page size.
	MaxListLimit = 500
)

// Opts holds configuration options for the API server.
type Opts struct {
	Addr string
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// Server serves the schedule API.
type Server struct {
	st         store.Store
	ctrl       *control.Controller
	httpServer *http.Server
}

// NewServer creates an API server around a store and a controller.
func NewServer(st store.Store, ctrl *control.Controller, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Server{st: st, ctrl: ctrl}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.healthHandler)
	mux.HandleFunc("POST /schedules", s.createScheduleHandler)
	mux.HandleFunc("GET /schedules", s.listSchedulesHandler)
	mux.HandleFunc("GET /schedules/{id}", s.getScheduleHandler)
	mux.HandleFunc("PUT /schedules/{id}/cancel", s.cancelScheduleHandler)
	mux.HandleFunc("POST /schedules/{id}/send-now", s.sendNowHandler)
	mux.HandleFunc("PUT /schedules/{id}/archive", s.archiveScheduleHandler)
	mux.HandleFunc("DELETE /schedules/{id}", s.deleteScheduleHandler)

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
	}
	return s
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run starts serving and blocks until the listener fails or Shutdown is
// called.
func (s *Server) Run() error {
	slog.Info("Server.Run: API listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("ok", nil))
}
