// Package api provides HTTP handlers and routing for the appflow service.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/flexinfer/mentatlab/services/appflow-go/internal/auth"
)

// Server holds the HTTP handlers and dependencies.
type Server struct {
	router   *mux.Router
	handlers *Handlers
	auth     *auth.Middleware
}

// NewServer creates a new API server. authMW may be nil.
func NewServer(h *Handlers, authMW *auth.Middleware) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		handlers: h,
		auth:     authMW,
	}
	s.setupRoutes()
	return s
}

// Router returns the bare router.
func (s *Server) Router() *mux.Router {
	return s.router
}

// Handler returns the full handler chain for http.Server. CORS sits
// outside the router so preflights for any route are answered.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(SecurityHeadersMiddleware(s.handlers.CORSMiddleware(s.router)), "appflow",
		otelhttp.WithFilter(func(r *http.Request) bool { return !quietPath(r.URL.Path) }),
	)
}

func (s *Server) setupRoutes() {
	// Health endpoints
	s.router.HandleFunc("/health", s.handlers.Health).Methods("GET")
	s.router.HandleFunc("/healthz", s.handlers.Health).Methods("GET")
	s.router.HandleFunc("/ready", s.handlers.Ready).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Apps
	api.HandleFunc("/apps", s.handlers.CreateApp).Methods("POST")
	api.HandleFunc("/apps", s.handlers.ListApps).Methods("GET")
	api.HandleFunc("/apps/validate", s.handlers.ValidateApp).Methods("POST")
	api.HandleFunc("/apps/{id}", s.handlers.GetApp).Methods("GET")
	api.HandleFunc("/apps/{id}", s.handlers.UpdateApp).Methods("PUT")
	api.HandleFunc("/apps/{id}", s.handlers.DeleteApp).Methods("DELETE")
	api.HandleFunc("/apps/{id}/execute", s.handlers.ExecuteApp).Methods("POST")
	api.HandleFunc("/apps/{id}/executions", s.handlers.ListAppExecutions).Methods("GET")

	// Executions
	api.HandleFunc("/executions/{id}", s.handlers.GetExecution).Methods("GET")
	api.HandleFunc("/executions/{id}/cancel", s.handlers.CancelExecution).Methods("POST")
	api.HandleFunc("/executions/{id}/events", s.handlers.StreamEvents).Methods("GET")
	api.HandleFunc("/executions/{id}/ws", s.handlers.StreamEventsWS).Methods("GET")
	api.HandleFunc("/executions/{id}/archive", s.handlers.ArchiveURL).Methods("GET")

	// Agent registry
	api.HandleFunc("/agents", s.handlers.ListAgents).Methods("GET")
	api.HandleFunc("/agents", s.handlers.CreateAgent).Methods("POST")
	api.HandleFunc("/agents/{id}", s.handlers.GetAgent).Methods("GET")
	api.HandleFunc("/agents/{id}", s.handlers.UpdateAgent).Methods("PUT")
	api.HandleFunc("/agents/{id}", s.handlers.DeleteAgent).Methods("DELETE")

	// Apply middleware
	s.router.Use(s.handlers.RecoveryMiddleware)
	s.router.Use(s.handlers.LoggingMiddleware)
	s.router.Use(s.handlers.RateLimitMiddleware)
	if s.auth != nil {
		s.router.Use(s.auth.Handler)
	}
}
