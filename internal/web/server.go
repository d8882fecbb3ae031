// Package web exposes the bridge state over a read-mostly HTTP API:
// health, the latest snapshot, the metric catalog and a WebSocket
// stream of coordinator events. It reads coordinator state without
// ever blocking the poll loop.
package web

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"solarwatt-bridge/internal/metrics"
	"solarwatt-bridge/internal/poller"
	"solarwatt-bridge/internal/store"
)

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication on /api/ routes.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithVersion sets the version string reported by /api/version.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// Server is the HTTP server for the bridge API.
type Server struct {
	coord          *poller.Coordinator
	registry       *metrics.Registry
	db             store.Store
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	version        string
	wg             sync.WaitGroup
	unsubEvents    func()
}

// NewServer creates the API server.
func NewServer(coord *poller.Coordinator, registry *metrics.Registry, db store.Store, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		coord:    coord,
		registry: registry,
		db:       db,
		logger:   logger.With("component", "web"),
		mux:      http.NewServeMux(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	// Stream every coordinator event to WebSocket clients.
	s.unsubEvents = coord.Events().OnAll(func(event poller.Event) {
		s.wsHub.Broadcast(event)
	})

	s.routes()
	return s
}

// Stop shuts down the WebSocket hub and waits for its goroutines.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/health", s.handleAPIHealth)
	s.mux.HandleFunc("GET /api/snapshot", s.handleAPISnapshot)
	s.mux.HandleFunc("GET /api/metrics", s.handleAPIMetrics)
	s.mux.HandleFunc("GET /api/gateway", s.handleAPIGateway)
	s.mux.HandleFunc("GET /api/unknown-keys", s.handleAPIUnknownKeys)
	s.mux.HandleFunc("POST /api/poll", s.handleAPIPollNow)
	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)
	s.mux.HandleFunc("GET /api/ws", s.handleWS)
}

// ServeHTTP implements http.Handler, applying API key auth. Browser
// WebSocket clients cannot set headers, so the key is also accepted as
// an api_key query parameter.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.apiKey != "" && strings.HasPrefix(r.URL.Path, "/api/") {
		key := r.Header.Get("X-API-Key")
		if key == "" {
			key = r.URL.Query().Get("api_key")
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}
