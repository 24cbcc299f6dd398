package meshnode

import (
	"errors"
	"fmt"

	"github.com/rmacdonaldsmith/semanticmesh-go/internal/access"
	"github.com/rmacdonaldsmith/semanticmesh-go/internal/backend/redis"
	"github.com/rmacdonaldsmith/semanticmesh-go/internal/breaker"
	"github.com/rmacdonaldsmith/semanticmesh-go/internal/cache"
	"github.com/rmacdonaldsmith/semanticmesh-go/internal/mesh"
	"github.com/rmacdonaldsmith/semanticmesh-go/internal/meshrpc"
	"github.com/rmacdonaldsmith/semanticmesh-go/internal/safety"
)

// Backend types
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Breaker state stores
const (
	BreakerStateMemory = "memory"
	BreakerStateShared = "shared"
)

var (
	// ErrEmptyNodeID is returned when node ID is empty
	ErrEmptyNodeID = errors.New("node ID cannot be empty")
	// ErrUnknownBackend is returned for an unsupported backend type
	ErrUnknownBackend = errors.New("unknown backend type")
)

// Config represents configuration for a mesh node. Nil component configs
// use that component's defaults.
type Config struct {
	// NodeID uniquely identifies this node
	NodeID string

	// BackendType is BackendMemory or BackendRedis
	BackendType string

	// RedisConfig is required for BackendRedis
	RedisConfig *redis.Config

	MeshConfig    *mesh.Config
	CacheConfig   *cache.MemoryConfig
	AccessConfig  *access.Config
	SafetyConfig  *safety.Config
	BreakerConfig *breaker.Config

	// BreakerState is BreakerStateMemory (default) or BreakerStateShared,
	// which keeps circuit state in the backend for every node to see
	BreakerState string

	// RPCConfig enables the gRPC server when set
	RPCConfig *meshrpc.Config

	// TokenSecret enables bearer-token authentication when set
	TokenSecret string

	// TokenIssuer is the issuer claim of issued tokens
	TokenIssuer string
}

// NewConfig creates a new node configuration with safe defaults: an
// in-memory backend and no network services.
func NewConfig(nodeID string) *Config {
	return &Config{
		NodeID:       nodeID,
		BackendType:  BackendMemory,
		BreakerState: BreakerStateMemory,
	}
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return ErrEmptyNodeID
	}

	switch c.BackendType {
	case "", BackendMemory:
	case BackendRedis:
		if c.RedisConfig == nil {
			return errors.New("redis backend requires a redis config")
		}
		if err := c.RedisConfig.Validate(); err != nil {
			return fmt.Errorf("invalid redis config: %w", err)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownBackend, c.BackendType)
	}

	switch c.BreakerState {
	case "", BreakerStateMemory, BreakerStateShared:
	default:
		return fmt.Errorf("unknown breaker state store %q", c.BreakerState)
	}

	if c.MeshConfig != nil {
		if err := c.MeshConfig.Validate(); err != nil {
			return fmt.Errorf("invalid mesh config: %w", err)
		}
	}
	if c.AccessConfig != nil {
		if err := c.AccessConfig.Validate(); err != nil {
			return fmt.Errorf("invalid access config: %w", err)
		}
	}
	if c.SafetyConfig != nil {
		if err := c.SafetyConfig.Validate(); err != nil {
			return fmt.Errorf("invalid safety config: %w", err)
		}
	}
	if c.BreakerConfig != nil {
		if err := c.BreakerConfig.Validate(); err != nil {
			return fmt.Errorf("invalid breaker config: %w", err)
		}
	}
	if c.RPCConfig != nil {
		if err := c.RPCConfig.Validate(); err != nil {
			return fmt.Errorf("invalid rpc config: %w", err)
		}
	}
	return nil
}

// WithRedis selects the Redis backend
func (c *Config) WithRedis(config *redis.Config) *Config {
	c.BackendType = BackendRedis
	c.RedisConfig = config
	return c
}

// WithMeshConfig sets the Mesh Store configuration
func (c *Config) WithMeshConfig(config *mesh.Config) *Config {
	c.MeshConfig = config
	return c
}

// WithSafetyConfig sets the Safety Limits Enforcer configuration
func (c *Config) WithSafetyConfig(config *safety.Config) *Config {
	c.SafetyConfig = config
	return c
}

// WithBreakerConfig sets the Circuit Breaker configuration
func (c *Config) WithBreakerConfig(config *breaker.Config) *Config {
	c.BreakerConfig = config
	return c
}

// WithAccessConfig sets the Access Controller configuration
func (c *Config) WithAccessConfig(config *access.Config) *Config {
	c.AccessConfig = config
	return c
}

// WithRPC enables the gRPC server
func (c *Config) WithRPC(config *meshrpc.Config) *Config {
	c.RPCConfig = config
	return c
}

// WithTokens enables bearer-token authentication
func (c *Config) WithTokens(secret, issuer string) *Config {
	c.TokenSecret = secret
	c.TokenIssuer = issuer
	return c
}
