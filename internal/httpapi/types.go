package httpapi

import (
	"time"

	"github.com/rmacdonaldsmith/semanticmesh-go/internal/monitor"
	"github.com/rmacdonaldsmith/semanticmesh-go/internal/pubsub"
	"github.com/rmacdonaldsmith/semanticmesh-go/pkg/meshnode"
)

// Request/Response types for the HTTP API

// TokenRequest asks for a token for a principal
type TokenRequest struct {
	PrincipalID string            `json:"principalId"`
	Admin       bool              `json:"admin,omitempty"`
	Grants      map[string]string `json:"grants,omitempty"`
	TTLSeconds  int64             `json:"ttlSeconds,omitempty"`
}

// TokenResponse carries an issued token
type TokenResponse struct {
	Token       string    `json:"token"`
	PrincipalID string    `json:"principalId"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// HealthResponse represents health check response
type HealthResponse struct {
	NodeID string `json:"nodeId"`
	meshnode.HealthStatus
}

// BreakerActionResponse reports the state after an operator action
type BreakerActionResponse struct {
	ServiceID string `json:"serviceId"`
	Status    string `json:"status"`
}

// BrakeResponse reports the outcome of an emergency brake
type BrakeResponse struct {
	Engaged     bool `json:"engaged"`
	ActiveUnits int  `json:"activeUnits"`
}

// StatsResponse combines operation statistics and subscription counts
type StatsResponse struct {
	monitor.Stats
	Subscriptions int `json:"subscriptions"`
}

// SubscriptionsResponse lists live subscriptions
type SubscriptionsResponse struct {
	Subscriptions []pubsub.Info `json:"subscriptions"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}
