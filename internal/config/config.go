// Package config loads the meshd configuration file.
//
// Values come from three layers, each overriding the previous one: built-in
// defaults, a TOML file and SEMANTICMESH_* environment variables.
//
//	[node]
//	id = "node-1"
//
//	[backend]
//	type = "redis"
//	addr = "localhost:6379"
//
//	[breaker.services."mesh.backend"]
//	failure_threshold = 3
//	timeout = "30s"
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"

	"github.com/rmacdonaldsmith/semanticmesh-go/internal/access"
	"github.com/rmacdonaldsmith/semanticmesh-go/internal/backend/redis"
	"github.com/rmacdonaldsmith/semanticmesh-go/internal/breaker"
	"github.com/rmacdonaldsmith/semanticmesh-go/internal/cache"
	"github.com/rmacdonaldsmith/semanticmesh-go/internal/httpapi"
	"github.com/rmacdonaldsmith/semanticmesh-go/internal/logging"
	"github.com/rmacdonaldsmith/semanticmesh-go/internal/mesh"
	"github.com/rmacdonaldsmith/semanticmesh-go/internal/meshnode"
	"github.com/rmacdonaldsmith/semanticmesh-go/internal/meshrpc"
	"github.com/rmacdonaldsmith/semanticmesh-go/internal/safety"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "SEMANTICMESH_"

// Config is the full meshd configuration
type Config struct {
	Node    NodeConfig     `toml:"node"`
	Backend BackendConfig  `toml:"backend"`
	Mesh    MeshConfig     `toml:"mesh"`
	Cache   CacheConfig    `toml:"cache"`
	Safety  SafetyConfig   `toml:"safety"`
	Breaker BreakerConfig  `toml:"breaker"`
	Auth    AuthConfig     `toml:"auth"`
	HTTP    HTTPConfig     `toml:"http"`
	RPC     RPCConfig      `toml:"rpc"`
	Log     logging.Config `toml:"log"`
}

// NodeConfig identifies the node
type NodeConfig struct {
	ID string `toml:"id"`
}

// BackendConfig selects and configures the storage backend
type BackendConfig struct {
	Type         string        `toml:"type"`
	Addr         string        `toml:"addr"`
	Username     string        `toml:"username"`
	Password     string        `toml:"password"`
	DB           int           `toml:"db"`
	PoolSize     int           `toml:"pool_size"`
	DialTimeout  time.Duration `toml:"dial_timeout"`
	ReadTimeout  time.Duration `toml:"read_timeout"`
	WriteTimeout time.Duration `toml:"write_timeout"`
}

// MeshConfig configures the Mesh Store
type MeshConfig struct {
	Separator     string        `toml:"separator"`
	DefaultTTL    time.Duration `toml:"default_ttl"`
	CacheTTL      time.Duration `toml:"cache_ttl"`
	MaxKeyLength  int           `toml:"max_key_length"`
	MaxValueSize  int           `toml:"max_value_size"`
	RetryAttempts int           `toml:"retry_attempts"`
	RetryBackoff  time.Duration `toml:"retry_backoff"`
}

// CacheConfig configures the in-process Cache Tier
type CacheConfig struct {
	MaxEntries int `toml:"max_entries"`
}

// SafetyConfig configures the Safety Limits Enforcer
type SafetyConfig struct {
	Scope                string        `toml:"scope"`
	MaxUnitExecutionTime time.Duration `toml:"max_unit_execution_time"`
	MaxMemoryPerUnit     uint64        `toml:"max_memory_per_unit"`
	MaxMeshKeysPerUnit   int           `toml:"max_mesh_keys_per_unit"`
	MaxConcurrentUnits   int64         `toml:"max_concurrent_units"`
	MaxMeshValueSize     int           `toml:"max_mesh_value_size"`
	MaxRecursionDepth    int           `toml:"max_recursion_depth"`
	MemoryPressureRatio  float64       `toml:"memory_pressure_ratio"`
}

// BreakerConfig configures the Circuit Breaker
type BreakerConfig struct {
	// State is "memory" or "shared"
	State string `toml:"state"`

	breaker.ServiceConfig
	Services map[string]breaker.ServiceConfig `toml:"services"`
}

// AuthConfig configures access control and tokens
type AuthConfig struct {
	TokenSecret     string            `toml:"token_secret"`
	TokenIssuer     string            `toml:"token_issuer"`
	DefaultPolicy   string            `toml:"default_policy"`
	AnonymousGrants map[string]string `toml:"anonymous_grants"`
}

// HTTPConfig configures the operator API
type HTTPConfig struct {
	Enabled      bool          `toml:"enabled"`
	Address      string        `toml:"address"`
	ReadTimeout  time.Duration `toml:"read_timeout"`
	WriteTimeout time.Duration `toml:"write_timeout"`
}

// RPCConfig configures the gRPC store service
type RPCConfig struct {
	Enabled         bool          `toml:"enabled"`
	Address         string        `toml:"address"`
	MaxMessageSize  int           `toml:"max_message_size"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
}

// Default returns the built-in configuration: an in-memory backend with
// both network services enabled and authentication off.
func Default() *Config {
	return &Config{
		Node:    NodeConfig{ID: defaultNodeID()},
		Backend: BackendConfig{Type: meshnode.BackendMemory},
		Breaker: BreakerConfig{State: meshnode.BreakerStateMemory},
		HTTP:    HTTPConfig{Enabled: true, Address: ":8081"},
		RPC:     RPCConfig{Enabled: true, Address: ":9090"},
		Log:     logging.Config{Level: "info", Format: logging.FormatConsole},
	}
}

// defaultNodeID generates a default node ID based on hostname
func defaultNodeID() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		return "semanticmesh-" + uuid.NewString()[:8]
	}
	return "semanticmesh-" + hostname
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("load config %s: unknown keys %s", path, strings.Join(keys, ", "))
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	boolean := func(name string, dst *bool) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok || v == "" {
			return nil
		}
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			*dst = true
		case "0", "false", "no", "off":
			*dst = false
		default:
			return fmt.Errorf("%s%s: invalid boolean %q", EnvPrefix, name, v)
		}
		return nil
	}

	str("NODE_ID", &c.Node.ID)
	str("BACKEND_TYPE", &c.Backend.Type)
	str("REDIS_ADDR", &c.Backend.Addr)
	str("REDIS_USERNAME", &c.Backend.Username)
	str("REDIS_PASSWORD", &c.Backend.Password)
	str("SAFETY_SCOPE", &c.Safety.Scope)
	str("BREAKER_STATE", &c.Breaker.State)
	str("TOKEN_SECRET", &c.Auth.TokenSecret)
	str("ACCESS_POLICY", &c.Auth.DefaultPolicy)
	str("HTTP_ADDRESS", &c.HTTP.Address)
	str("RPC_ADDRESS", &c.RPC.Address)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	return errors.Join(
		boolean("HTTP_ENABLED", &c.HTTP.Enabled),
		boolean("RPC_ENABLED", &c.RPC.Enabled),
	)
}

// Validate checks the whole configuration, including every component config
func (c *Config) Validate() error {
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	if c.HTTP.Enabled {
		httpCfg := c.HTTPServerConfig()
		if err := httpCfg.Validate(); err != nil {
			return fmt.Errorf("http: %w", err)
		}
	}
	if _, err := c.ToNodeConfig(); err != nil {
		return err
	}
	return nil
}

// ToNodeConfig converts the file layout into a validated node configuration
func (c *Config) ToNodeConfig() (*meshnode.Config, error) {
	nodeCfg := meshnode.NewConfig(c.Node.ID)
	nodeCfg.BackendType = c.Backend.Type
	nodeCfg.BreakerState = c.Breaker.State

	if c.Backend.Type == meshnode.BackendRedis {
		nodeCfg.WithRedis(&redis.Config{
			Addr:         c.Backend.Addr,
			Username:     c.Backend.Username,
			Password:     c.Backend.Password,
			DB:           c.Backend.DB,
			PoolSize:     c.Backend.PoolSize,
			DialTimeout:  c.Backend.DialTimeout,
			ReadTimeout:  c.Backend.ReadTimeout,
			WriteTimeout: c.Backend.WriteTimeout,
		})
	}

	nodeCfg.WithMeshConfig(&mesh.Config{
		Separator:     c.Mesh.Separator,
		DefaultTTL:    c.Mesh.DefaultTTL,
		CacheTTL:      c.Mesh.CacheTTL,
		MaxKeyLength:  c.Mesh.MaxKeyLength,
		MaxValueSize:  c.Mesh.MaxValueSize,
		RetryAttempts: c.Mesh.RetryAttempts,
		RetryBackoff:  c.Mesh.RetryBackoff,
	})
	nodeCfg.CacheConfig = &cache.MemoryConfig{
		DefaultTTL: c.Mesh.CacheTTL,
		MaxEntries: c.Cache.MaxEntries,
	}

	nodeCfg.WithSafetyConfig(&safety.Config{
		Limits: safety.Limits{
			MaxUnitExecutionTime: c.Safety.MaxUnitExecutionTime,
			MaxMemoryPerUnit:     c.Safety.MaxMemoryPerUnit,
			MaxMeshKeysPerUnit:   c.Safety.MaxMeshKeysPerUnit,
			MaxConcurrentUnits:   c.Safety.MaxConcurrentUnits,
			MaxMeshValueSize:     c.Safety.MaxMeshValueSize,
			MaxRecursionDepth:    c.Safety.MaxRecursionDepth,
		},
		Scope:               safety.Scope(c.Safety.Scope),
		MemoryPressureRatio: c.Safety.MemoryPressureRatio,
	})

	nodeCfg.WithBreakerConfig(&breaker.Config{
		Defaults: c.Breaker.ServiceConfig,
		Services: c.Breaker.Services,
	})

	accessCfg := &access.Config{DefaultPolicy: access.Policy(c.Auth.DefaultPolicy)}
	if len(c.Auth.AnonymousGrants) > 0 {
		accessCfg.AnonymousGrants = make(map[string]access.Permission, len(c.Auth.AnonymousGrants))
		for scope, perm := range c.Auth.AnonymousGrants {
			parsed, err := access.ParsePermission(perm)
			if err != nil {
				return nil, fmt.Errorf("auth: anonymous grant %s: %w", scope, err)
			}
			accessCfg.AnonymousGrants[scope] = parsed
		}
	}
	nodeCfg.WithAccessConfig(accessCfg)

	if c.Auth.TokenSecret != "" {
		nodeCfg.WithTokens(c.Auth.TokenSecret, c.Auth.TokenIssuer)
	}

	if c.RPC.Enabled {
		nodeCfg.WithRPC(&meshrpc.Config{
			ListenAddress:   c.RPC.Address,
			MaxMessageSize:  c.RPC.MaxMessageSize,
			ShutdownTimeout: c.RPC.ShutdownTimeout,
		})
	}

	if err := nodeCfg.Validate(); err != nil {
		return nil, err
	}
	return nodeCfg, nil
}

// HTTPServerConfig returns the operator API configuration
func (c *Config) HTTPServerConfig() httpapi.Config {
	return httpapi.Config{
		Address:      c.HTTP.Address,
		ReadTimeout:  c.HTTP.ReadTimeout,
		WriteTimeout: c.HTTP.WriteTimeout,
	}
}
