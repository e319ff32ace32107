package adminapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Server wraps the admin router and event hub with explicit Start/Stop,
// keeping construction free of side effects (the teacher's
// internal/api/server.go shape) so the router can be exercised with
// httptest without ever binding a socket.
type Server struct {
	router *chi.Mux
	hub    *EventHub
	hubStop chan struct{}
	httpSrv *http.Server
}

// NewServer builds a Server from cfg. No goroutines are started and no
// listener is opened until Start.
func NewServer(cfg RouterConfig) *Server {
	return &Server{
		router:  NewRouter(cfg),
		hub:     cfg.EventHub,
		hubStop: make(chan struct{}),
	}
}

// Router exposes the underlying *chi.Mux, e.g. for httptest.NewServer.
func (s *Server) Router() *chi.Mux { return s.router }

// Start begins serving on addr and, if an EventHub is configured, starts
// its broadcast loop. It blocks until the server stops or errors.
func (s *Server) Start(addr string) error {
	if s.hub != nil {
		go s.hub.Run(s.hubStop)
	}
	s.httpSrv = &http.Server{Addr: addr, Handler: s.router}
	return s.httpSrv.ListenAndServe()
}

// Stop gracefully shuts down the HTTP server and the event hub loop.
func (s *Server) Stop(ctx context.Context) error {
	if s.hub != nil {
		close(s.hubStop)
	}
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
