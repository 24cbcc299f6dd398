package httpclient

import (
	"fmt"
	"time"
)

// Config holds client configuration
type Config struct {
	// ServerURL is the base URL of the operator API (e.g., "http://localhost:8081")
	ServerURL string

	// Token is the bearer token sent with authenticated requests
	Token string

	// Timeout for HTTP requests
	Timeout time.Duration

	// MaxRetries for idempotent requests that fail with a network or 5xx error
	MaxRetries int

	// RetryInterval between attempts
	RetryInterval time.Duration
}

// SetDefaults sets reasonable default values for the config
func (c *Config) SetDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryInterval == 0 {
		c.RetryInterval = 100 * time.Millisecond
	}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	NodeID             string `json:"nodeId"`
	Healthy            bool   `json:"healthy"`
	BackendHealthy     bool   `json:"backend_healthy"`
	BackendCircuitOpen bool   `json:"backend_circuit_open"`
	WithinSafetyLimits bool   `json:"within_safety_limits"`
	RPCServing         bool   `json:"rpc_serving"`
	ActiveUnits        int    `json:"active_units"`
	Subscriptions      int    `json:"subscriptions"`
	Message            string `json:"message,omitempty"`
}

// OperationStats summarizes one store operation
type OperationStats struct {
	Count        int64   `json:"count"`
	Errors       int64   `json:"errors"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	MinLatencyMs float64 `json:"min_latency_ms"`
	MaxLatencyMs float64 `json:"max_latency_ms"`
}

// StatsResponse represents node statistics
type StatsResponse struct {
	TotalOps      int64                     `json:"total_ops"`
	TotalErrors   int64                     `json:"total_errors"`
	Throughput    float64                   `json:"throughput_ops_per_sec"`
	CacheHits     int64                     `json:"cache_hits"`
	CacheMisses   int64                     `json:"cache_misses"`
	CacheHitRatio float64                   `json:"cache_hit_ratio"`
	Operations    map[string]OperationStats `json:"operations"`
	Subscriptions int                       `json:"subscriptions"`
}

// BreakerStats represents the state of one circuit
type BreakerStats struct {
	ServiceID            string     `json:"service_id"`
	Status               string     `json:"status"`
	FailureCount         int        `json:"failure_count"`
	HalfOpenSuccessCount int        `json:"half_open_success_count"`
	OpenedAt             *time.Time `json:"opened_at,omitempty"`
}

// SafetyStatus represents the safety enforcer state
type SafetyStatus struct {
	Scope           string   `json:"scope"`
	ActiveUnits     int      `json:"active_units"`
	ConcurrentUnits int64    `json:"concurrent_units"`
	HeapInUse       uint64   `json:"heap_in_use"`
	MemoryLimit     int64    `json:"memory_limit,omitempty"`
	WithinLimits    bool     `json:"within_limits"`
	Units           []string `json:"units,omitempty"`
}

// SubscriptionInfo describes a live subscription
type SubscriptionInfo struct {
	ID        string    `json:"id"`
	Pattern   string    `json:"pattern"`
	CreatedAt time.Time `json:"created_at"`
	Delivered int64     `json:"delivered"`
}

// SubscriptionsResponse lists live subscriptions
type SubscriptionsResponse struct {
	Subscriptions []SubscriptionInfo `json:"subscriptions"`
}

// TokenRequest asks the server to issue a token
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

// BreakerActionResponse reports a circuit after an operator action
type BreakerActionResponse struct {
	ServiceID string `json:"serviceId"`
	Status    string `json:"status"`
}

// BrakeResponse reports an emergency brake
type BrakeResponse struct {
	Engaged     bool `json:"engaged"`
	ActiveUnits int  `json:"activeUnits"`
}

// ErrorResponse represents an error response from the API
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// APIError is returned for responses with a 4xx or 5xx status
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("API error (%d)", e.StatusCode)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}
