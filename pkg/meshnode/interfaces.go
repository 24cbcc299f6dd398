package meshnode

import (
	"context"
	"io"
)

// MeshNode is one process participating in the coordination layer. It owns
// the backend connection and every component built on it.
type MeshNode interface {
	io.Closer

	// Start verifies the backend and starts the node's network services.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the node's network services. A stopped node
	// can be started again.
	Stop(ctx context.Context) error

	// GetNodeID returns this node's unique identifier.
	GetNodeID() string

	// GetHealth returns the overall health status of this node.
	GetHealth(ctx context.Context) (HealthStatus, error)
}

// HealthStatus represents the overall health of a mesh node
type HealthStatus struct {
	// Healthy indicates if the node is functioning properly
	Healthy bool `json:"healthy"`

	// BackendHealthy indicates if the backend answered a ping
	BackendHealthy bool `json:"backend_healthy"`

	// BackendCircuitOpen indicates the store's circuit breaker is rejecting calls
	BackendCircuitOpen bool `json:"backend_circuit_open"`

	// WithinSafetyLimits reports the Safety Limits Enforcer's aggregate check
	WithinSafetyLimits bool `json:"within_safety_limits"`

	// RPCServing indicates the gRPC server is accepting calls
	RPCServing bool `json:"rpc_serving"`

	// ActiveUnits is the number of execution units tracked by this node
	ActiveUnits int `json:"active_units"`

	// Subscriptions is the number of live subscriptions on this node
	Subscriptions int `json:"subscriptions"`

	// Message provides additional health information
	Message string `json:"message,omitempty"`
}
