package web

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"speedwatch/internal/adaptive"
	"speedwatch/internal/events"
	"speedwatch/internal/models"
	"speedwatch/internal/scheduler"
)

// Server exposes the read-only status surface and the event stream
type Server struct {
	store models.Store
	sched *scheduler.Scheduler
	ctrl  *adaptive.Controller
	bus   *events.Bus
	srv   *http.Server
}

// New creates a new web server
func New(store models.Store, sched *scheduler.Scheduler, ctrl *adaptive.Controller, bus *events.Bus, port int) *Server {
	s := &Server{
		store: store,
		sched: sched,
		ctrl:  ctrl,
		bus:   bus,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/recent", s.handleRecent)
	mux.HandleFunc("/api/outages", s.handleOutages)
	mux.HandleFunc("/api/stream", s.handleStream)
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	return s
}

// Start starts the web server and blocks until it shuts down.
func (s *Server) Start() error {
	slog.Info("web server starting", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
