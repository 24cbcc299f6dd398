package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/rmacdonaldsmith/semanticmesh-go/internal/access"
)

// Middleware provides HTTP middleware functions
type Middleware struct {
	tokens *access.TokenAuthority
	logger zerolog.Logger
}

// NewMiddleware creates a new middleware instance. A nil token authority
// disables authentication on read endpoints and closes admin endpoints.
func NewMiddleware(tokens *access.TokenAuthority, logger zerolog.Logger) *Middleware {
	return &Middleware{
		tokens: tokens,
		logger: logger,
	}
}

// AuthRequired middleware requires a valid bearer token and attaches its
// principal to the request context
func (m *Middleware) AuthRequired(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Authentication disabled: requests proceed anonymously
		if m.tokens == nil {
			next(w, r)
			return
		}

		principal, ok := m.authenticate(w, r)
		if !ok {
			return
		}
		next(w, r.WithContext(access.WithPrincipal(r.Context(), principal)))
	}
}

// AdminRequired middleware requires an admin principal.
// Admin endpoints are never bypassed, even with authentication disabled.
func (m *Middleware) AdminRequired(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if m.tokens == nil {
			m.writeError(w, "Admin endpoints require token authentication", http.StatusForbidden)
			return
		}

		principal, ok := m.authenticate(w, r)
		if !ok {
			return
		}
		if !principal.Admin {
			m.writeError(w, "Admin privileges required", http.StatusForbidden)
			return
		}
		next(w, r.WithContext(access.WithPrincipal(r.Context(), principal)))
	}
}

func (m *Middleware) authenticate(w http.ResponseWriter, r *http.Request) (*access.Principal, bool) {
	token := r.Header.Get("Authorization")
	if token == "" {
		m.writeError(w, "Authorization header required", http.StatusUnauthorized)
		return nil, false
	}

	principal, err := m.tokens.Verify(token)
	if err != nil {
		m.writeError(w, "Invalid token: "+err.Error(), http.StatusUnauthorized)
		return nil, false
	}
	return principal, true
}

// CORS middleware adds CORS headers
func (m *Middleware) CORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		// Handle preflight requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

// ContentType middleware sets the content type to JSON
func (m *Middleware) ContentType(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next(w, r)
	}
}

// statusRecorder captures the response status for logging
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Logging middleware logs HTTP requests
func (m *Middleware) Logging(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next(rec, r)

		m.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	}
}

// Recovery middleware recovers from panics and returns 500 error
func (m *Middleware) Recovery(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				m.logger.Error().Interface("panic", err).Str("path", r.URL.Path).Msg("http handler panicked")
				m.writeError(w, "Internal server error", http.StatusInternalServerError)
			}
		}()

		next(w, r)
	}
}

// writeError writes an error response as JSON
func (m *Middleware) writeError(w http.ResponseWriter, message string, statusCode int) {
	writeError(w, message, statusCode)
}

func writeError(w http.ResponseWriter, message string, statusCode int) {
	writeJSON(w, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	}, statusCode)
}

func writeJSON(w http.ResponseWriter, data any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}
