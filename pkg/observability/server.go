package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// StatusProvider returns the current bot status snapshot to serialize as
// JSON on the /status endpoint (spec.md §6's observability surface:
// uptime, counters, queue stats, rate-limiter stats, AI stats, breaker
// state, per-relay health).
type StatusProvider func() any

// Server provides HTTP endpoints for observability
type Server struct {
	httpServer *http.Server
	port       int
	password   string
	status     StatusProvider
}

// NewServer creates a new observability server. password, when
// non-empty, gates /status behind HTTP Basic Auth per
// DASHBOARD_PASSWORD; an empty password disables auth.
func NewServer(port int, password string, status StatusProvider) *Server {
	return &Server{
		port:     port,
		password: password,
		status:   status,
	}
}

// Start starts the observability server
func (s *Server) Start() error {
	mux := http.NewServeMux()

	// Health endpoints
	mux.HandleFunc("/health", HealthHandler())
	mux.HandleFunc("/health/live", LivenessHandler())
	mux.HandleFunc("/health/ready", ReadinessHandler())

	// Metrics endpoint
	mux.Handle("/metrics", MetricsHandler())

	// Status endpoint
	mux.HandleFunc("/status", s.authGate(s.statusHandler()))

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.httpServer.ListenAndServe()
}

func (s *Server) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if s.status == nil {
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "not configured"})
			return
		}
		_ = json.NewEncoder(w).Encode(s.status())
	}
}

func (s *Server) authGate(next http.HandlerFunc) http.HandlerFunc {
	if s.password == "" {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		_, pass, ok := r.BasicAuth()
		if !ok || pass != s.password {
			w.Header().Set("WWW-Authenticate", `Basic realm="aixgo"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
