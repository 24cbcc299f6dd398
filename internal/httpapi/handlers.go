package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/rmacdonaldsmith/semanticmesh-go/internal/access"
	"github.com/rmacdonaldsmith/semanticmesh-go/internal/meshnode"
)

// DefaultTokenTTL is used when a token request does not set one
const DefaultTokenTTL = time.Hour

// Handlers contains HTTP request handlers
type Handlers struct {
	node   *meshnode.Node
	logger zerolog.Logger
}

// NewHandlers creates a new handlers instance
func NewHandlers(node *meshnode.Node, logger zerolog.Logger) *Handlers {
	return &Handlers{
		node:   node,
		logger: logger,
	}
}

// Health handles GET /api/v1/health
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	health, err := h.node.GetHealth(r.Context())
	if err != nil {
		writeError(w, "Failed to get health status", http.StatusInternalServerError)
		return
	}

	statusCode := http.StatusOK
	if !health.Healthy {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, HealthResponse{NodeID: h.node.GetNodeID(), HealthStatus: health}, statusCode)
}

// BreakerStats handles GET /api/v1/breakers/{id}
func (h *Handlers) BreakerStats(w http.ResponseWriter, r *http.Request, serviceID string) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, h.node.Breaker().GetStats(r.Context(), serviceID), http.StatusOK)
}

// SafetyStatus handles GET /api/v1/safety
func (h *Handlers) SafetyStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, h.node.Safety().Status(r.Context()), http.StatusOK)
}

// Stats handles GET /api/v1/stats
func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, StatsResponse{
		Stats:         h.node.Monitor().Stats(),
		Subscriptions: h.node.Subscriptions().Count(),
	}, http.StatusOK)
}

// AdminListSubscriptions handles GET /api/v1/admin/subscriptions
func (h *Handlers) AdminListSubscriptions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, SubscriptionsResponse{Subscriptions: h.node.Subscriptions().Subscriptions()}, http.StatusOK)
}

// AdminBreakerAction handles POST /api/v1/admin/breakers/{id}/{open|close}
func (h *Handlers) AdminBreakerAction(w http.ResponseWriter, r *http.Request, serviceID, action string) {
	if r.Method != http.MethodPost {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()
	var err error
	switch action {
	case "open":
		err = h.node.Breaker().ForceOpen(ctx, serviceID)
	case "close":
		err = h.node.Breaker().ForceClose(ctx, serviceID)
	default:
		writeError(w, "Unknown breaker action: "+action, http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("service_id", serviceID).Str("action", action).Msg("breaker action failed")
		writeError(w, "Failed to update circuit: "+err.Error(), http.StatusInternalServerError)
		return
	}

	principal, _ := access.PrincipalFrom(ctx)
	h.logger.Warn().
		Str("service_id", serviceID).
		Str("action", action).
		Str("principal", principalID(principal)).
		Msg("circuit forced by operator")

	stats := h.node.Breaker().GetStats(ctx, serviceID)
	writeJSON(w, BreakerActionResponse{ServiceID: serviceID, Status: string(stats.Status)}, http.StatusOK)
}

// AdminEmergencyBrake handles POST /api/v1/admin/safety/brake
func (h *Handlers) AdminEmergencyBrake(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()
	if err := h.node.Safety().EmergencyBrake(ctx); err != nil {
		writeError(w, "Failed to engage emergency brake: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, BrakeResponse{Engaged: true, ActiveUnits: h.node.Safety().Status(ctx).ActiveUnits}, http.StatusOK)
}

// IssueToken handles POST /api/v1/auth/token
func (h *Handlers) IssueToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	tokens := h.node.Tokens()
	if tokens == nil {
		writeError(w, "Token authentication is disabled", http.StatusNotFound)
		return
	}

	var req TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "Invalid JSON request body", http.StatusBadRequest)
		return
	}
	if req.PrincipalID == "" {
		writeError(w, "principalId is required", http.StatusBadRequest)
		return
	}
	if req.TTLSeconds < 0 {
		writeError(w, "ttlSeconds cannot be negative", http.StatusBadRequest)
		return
	}

	principal := &access.Principal{
		ID:     req.PrincipalID,
		Admin:  req.Admin,
		Grants: make(map[string]access.Permission, len(req.Grants)),
	}
	for scope, perm := range req.Grants {
		parsed, err := access.ParsePermission(perm)
		if err != nil {
			writeError(w, "Invalid grant for "+scope+": "+err.Error(), http.StatusBadRequest)
			return
		}
		principal.Grants[scope] = parsed
	}

	ttl := DefaultTokenTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}

	token, expiresAt, err := tokens.Issue(principal, ttl)
	if err != nil {
		writeError(w, "Failed to issue token", http.StatusInternalServerError)
		return
	}

	writeJSON(w, TokenResponse{
		Token:       token,
		PrincipalID: principal.ID,
		ExpiresAt:   expiresAt,
	}, http.StatusCreated)
}

func principalID(p *access.Principal) string {
	if p == nil {
		return "anonymous"
	}
	return p.ID
}
