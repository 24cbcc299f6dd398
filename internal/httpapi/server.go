// Package httpapi serves the operator API of a mesh node: health, metrics,
// circuit breaker and safety status, admin controls and token issuance.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/rmacdonaldsmith/semanticmesh-go/internal/meshnode"
)

// Config holds server configuration
type Config struct {
	// Address is the listen address, e.g. ":8080"
	Address string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.Address == "" {
		return errors.New("http address cannot be empty")
	}
	if c.ReadTimeout < 0 || c.WriteTimeout < 0 || c.IdleTimeout < 0 {
		return errors.New("http timeouts cannot be negative")
	}
	return nil
}

// SetDefaults fills unset timeouts
func (c *Config) SetDefaults() {
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 120 * time.Second
	}
}

// Option configures a Server
type Option func(*Server)

// WithGatherer serves metrics from gatherer on /metrics
func WithGatherer(gatherer prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = gatherer }
}

// WithLogger sets the request and handler logger
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// Server represents the HTTP API server
type Server struct {
	node       *meshnode.Node
	handlers   *Handlers
	middleware *Middleware
	gatherer   prometheus.Gatherer
	logger     zerolog.Logger
	server     *http.Server
}

// NewServer creates a new HTTP API server
func NewServer(node *meshnode.Node, config Config, opts ...Option) (*Server, error) {
	if node == nil {
		return nil, errors.New("mesh node cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	config.SetDefaults()

	s := &Server{
		node:     node,
		gatherer: prometheus.DefaultGatherer,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "httpapi").Logger()
	s.handlers = NewHandlers(node, s.logger)
	s.middleware = NewMiddleware(node.Tokens(), s.logger)

	s.server = &http.Server{
		Addr:           config.Address,
		Handler:        s.setupRoutes(),
		ReadTimeout:    config.ReadTimeout,
		WriteTimeout:   config.WriteTimeout,
		IdleTimeout:    config.IdleTimeout,
		MaxHeaderBytes: 1 << 20, // 1MB
	}
	return s, nil
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start serves until Stop is called
func (s *Server) Start() error {
	s.logger.Info().Str("address", s.server.Addr).Msg("http api listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() http.Handler {
	mux := http.NewServeMux()

	// Apply global middleware
	withMiddleware := func(handler http.HandlerFunc) http.Handler {
		return s.middleware.Recovery(
			s.middleware.Logging(
				s.middleware.CORS(
					s.middleware.ContentType(handler))))
	}

	// Health and metrics (no auth required)
	mux.Handle("/api/v1/health", withMiddleware(s.handlers.Health))
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	// Status endpoints (auth required when tokens are enabled)
	mux.Handle("/api/v1/breakers/", withMiddleware(s.middleware.AuthRequired(s.handleBreaker)))
	mux.Handle("/api/v1/safety", withMiddleware(s.middleware.AuthRequired(s.handlers.SafetyStatus)))
	mux.Handle("/api/v1/stats", withMiddleware(s.middleware.AuthRequired(s.handlers.Stats)))

	// Admin endpoints (admin auth required)
	mux.Handle("/api/v1/admin/subscriptions", withMiddleware(s.middleware.AdminRequired(s.handlers.AdminListSubscriptions)))
	mux.Handle("/api/v1/admin/breakers/", withMiddleware(s.middleware.AdminRequired(s.handleAdminBreaker)))
	mux.Handle("/api/v1/admin/safety/brake", withMiddleware(s.middleware.AdminRequired(s.handlers.AdminEmergencyBrake)))
	mux.Handle("/api/v1/auth/token", withMiddleware(s.middleware.AdminRequired(s.handlers.IssueToken)))

	// Root endpoint with API info
	mux.Handle("/", withMiddleware(s.handleRoot))

	return mux
}

// handleBreaker parses /api/v1/breakers/{id}
func (s *Server) handleBreaker(w http.ResponseWriter, r *http.Request) {
	serviceID := strings.TrimPrefix(r.URL.Path, "/api/v1/breakers/")
	if serviceID == "" || strings.Contains(serviceID, "/") {
		writeError(w, "Service ID required", http.StatusBadRequest)
		return
	}
	s.handlers.BreakerStats(w, r, serviceID)
}

// handleAdminBreaker parses /api/v1/admin/breakers/{id}/{action}
func (s *Server) handleAdminBreaker(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/admin/breakers/")
	idx := strings.LastIndex(rest, "/")
	if idx <= 0 || idx == len(rest)-1 {
		writeError(w, "Invalid path, expected /api/v1/admin/breakers/{id}/{open|close}", http.StatusNotFound)
		return
	}
	s.handlers.AdminBreakerAction(w, r, rest[:idx], rest[idx+1:])
}

// handleRoot provides API information
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeError(w, "Not found", http.StatusNotFound)
		return
	}

	info := map[string]any{
		"service": "SemanticMesh operator API",
		"nodeId":  s.node.GetNodeID(),
		"rpc":     s.node.RPCAddress(),
		"endpoints": map[string]any{
			"health":  "GET /api/v1/health",
			"metrics": "GET /metrics",
			"status": map[string]string{
				"breaker": "GET /api/v1/breakers/{id}",
				"safety":  "GET /api/v1/safety",
				"stats":   "GET /api/v1/stats",
			},
			"admin": map[string]string{
				"subscriptions": "GET /api/v1/admin/subscriptions",
				"breaker":       "POST /api/v1/admin/breakers/{id}/{open|close}",
				"brake":         "POST /api/v1/admin/safety/brake",
				"token":         "POST /api/v1/auth/token",
			},
		},
		"authentication": "Bearer JWT token; admin endpoints require an admin principal",
	}

	writeJSON(w, info, http.StatusOK)
}
