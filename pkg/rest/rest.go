// Package rest is the HTTP surface of the focus: a liveness endpoint for
// load balancers, the prometheus scrape target and a debug view of the
// running conferences.
package rest

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jitsi-go/jicofo/pkg/conference"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Fleet reports the operational bridge count. The focus is healthy only
// while it can place conferences somewhere.
type Fleet interface {
	OperationalCount() int
}

// Debugger snapshots the running conferences.
type Debugger interface {
	DebugStates() []conference.DebugState
}

// Server is the focus HTTP handler. Either dependency may be nil, in
// which case the routes needing it answer 503.
type Server struct {
	router *chi.Mux
	fleet  Fleet
	focus  Debugger
	logger *logrus.Entry
}

// NewServer creates the handler with all routes mounted.
func NewServer(fleet Fleet, focus Debugger, logger *logrus.Entry) *Server {
	s := &Server{
		router: chi.NewRouter(),
		fleet:  fleet,
		focus:  focus,
		logger: logger.WithField("component", "rest"),
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/about/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/debug/conferences", s.handleDebugConferences)
}

// handleHealth answers 200 while at least one operational bridge is
// known and 503 otherwise, so load balancers drain a focus that cannot
// place conferences.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.fleet == nil {
		s.writeError(w, http.StatusServiceUnavailable, "bridge fleet not tracked")
		return
	}
	if s.fleet.OperationalCount() == 0 {
		s.writeError(w, http.StatusServiceUnavailable, "no operational bridges")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDebugConferences(w http.ResponseWriter, r *http.Request) {
	if s.focus == nil {
		s.writeError(w, http.StatusServiceUnavailable, "focus not running")
		return
	}

	states := s.focus.DebugStates()
	if states == nil {
		states = []conference.DebugState{}
	}
	s.writeJSON(w, http.StatusOK, states)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Warn("cannot encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
