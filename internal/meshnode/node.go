package meshnode

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/rmacdonaldsmith/semanticmesh-go/internal/access"
	"github.com/rmacdonaldsmith/semanticmesh-go/internal/backend/memory"
	"github.com/rmacdonaldsmith/semanticmesh-go/internal/backend/redis"
	"github.com/rmacdonaldsmith/semanticmesh-go/internal/breaker"
	"github.com/rmacdonaldsmith/semanticmesh-go/internal/cache"
	"github.com/rmacdonaldsmith/semanticmesh-go/internal/mesh"
	"github.com/rmacdonaldsmith/semanticmesh-go/internal/meshrpc"
	"github.com/rmacdonaldsmith/semanticmesh-go/internal/monitor"
	"github.com/rmacdonaldsmith/semanticmesh-go/internal/pubsub"
	"github.com/rmacdonaldsmith/semanticmesh-go/internal/safety"
	"github.com/rmacdonaldsmith/semanticmesh-go/pkg/backend"
	"github.com/rmacdonaldsmith/semanticmesh-go/pkg/meshnode"
)

// Option configures a Node.
type Option func(*nodeOptions)

type nodeOptions struct {
	logger     zerolog.Logger
	registerer prometheus.Registerer
	backend    backend.Backend
}

// WithLogger sets the logger passed to every component.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *nodeOptions) { o.logger = logger }
}

// WithRegisterer registers the node's metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *nodeOptions) { o.registerer = reg }
}

// WithBackend uses b instead of building one from the config. The node does
// not close a backend it did not create.
func WithBackend(b backend.Backend) Option {
	return func(o *nodeOptions) { o.backend = b }
}

// Node wires the coordination layer of one process: backend, Mesh Store,
// Subscription Manager, Access Controller, Performance Monitor, Safety
// Limits Enforcer and Circuit Breaker, plus the optional gRPC server.
type Node struct {
	mu     sync.RWMutex
	config *Config
	logger zerolog.Logger

	backend      backend.Backend
	ownsBackend  bool
	subs         *pubsub.Manager
	access       *access.Controller
	tokens       *access.TokenAuthority
	monitor      *monitor.Monitor
	breaker      *breaker.Breaker
	safety       *safety.Enforcer
	store        *mesh.Store
	rpc          *meshrpc.Server
	storeCircuit string

	started bool
	closed  bool
}

// NewNode creates a node with the given configuration. A Redis backend is
// connected here; network services start with Start.
func NewNode(ctx context.Context, config *Config, opts ...Option) (*Node, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	o := nodeOptions{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}

	n := &Node{
		config: config,
		logger: o.logger.With().Str("component", "meshnode").Str("node_id", config.NodeID).Logger(),
	}

	if o.backend != nil {
		n.backend = o.backend
	} else {
		b, err := newBackend(ctx, config)
		if err != nil {
			return nil, err
		}
		n.backend = b
		n.ownsBackend = true
	}

	if err := n.build(o); err != nil {
		if n.ownsBackend {
			_ = n.backend.Close()
		}
		return nil, err
	}
	return n, nil
}

func newBackend(ctx context.Context, config *Config) (backend.Backend, error) {
	switch config.BackendType {
	case BackendRedis:
		b, err := redis.NewRedisBackend(ctx, config.RedisConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create redis backend: %w", err)
		}
		return b, nil
	default:
		return memory.NewInMemoryBackend(), nil
	}
}

func (n *Node) build(o nodeOptions) error {
	var err error
	config := n.config

	if n.monitor, err = monitor.New(o.registerer); err != nil {
		return fmt.Errorf("failed to create monitor: %w", err)
	}

	if n.access, err = access.NewController(config.AccessConfig, o.logger); err != nil {
		return fmt.Errorf("failed to create access controller: %w", err)
	}
	if config.TokenSecret != "" {
		if n.tokens, err = access.NewTokenAuthority(config.TokenSecret, config.TokenIssuer); err != nil {
			return fmt.Errorf("failed to create token authority: %w", err)
		}
	}

	breakerOpts := []breaker.Option{
		breaker.WithObserver(n.monitor),
		breaker.WithLogger(o.logger),
	}
	if config.BreakerState == BreakerStateShared {
		shared := cache.NewBackendCache(n.backend, "", 0)
		breakerOpts = append(breakerOpts, breaker.WithStateStore(breaker.NewCacheStateStore(shared, "")))
	}
	if n.breaker, err = breaker.New(config.BreakerConfig, breakerOpts...); err != nil {
		return fmt.Errorf("failed to create circuit breaker: %w", err)
	}

	if n.safety, err = safety.NewEnforcer(config.SafetyConfig,
		safety.WithBackend(n.backend),
		safety.WithObserver(n.monitor),
		safety.WithLogger(o.logger),
	); err != nil {
		return fmt.Errorf("failed to create safety enforcer: %w", err)
	}

	n.subs = pubsub.NewManager(n.backend, o.logger)

	var cacheConfig cache.MemoryConfig
	if config.CacheConfig != nil {
		cacheConfig = *config.CacheConfig
	}
	if config.MeshConfig != nil && cacheConfig.DefaultTTL == 0 {
		cacheConfig.DefaultTTL = config.MeshConfig.CacheTTL
	}

	n.store, err = mesh.NewStore(n.backend, config.MeshConfig,
		mesh.WithCache(cache.NewMemoryCache(&cacheConfig)),
		mesh.WithAccessController(n.access),
		mesh.WithSubscriptions(n.subs),
		mesh.WithObserver(n.monitor),
		mesh.WithBreaker(n.breaker),
		mesh.WithLimiter(n.safety),
		mesh.WithLogger(o.logger),
	)
	if err != nil {
		return fmt.Errorf("failed to create mesh store: %w", err)
	}
	n.storeCircuit = n.store.Config().BreakerServiceID

	if config.RPCConfig != nil {
		rpcOpts := []meshrpc.ServerOption{meshrpc.WithLogger(o.logger)}
		if n.tokens != nil {
			rpcOpts = append(rpcOpts, meshrpc.WithTokenAuthority(n.tokens))
		}
		if n.rpc, err = meshrpc.NewServer(n.store, config.RPCConfig, rpcOpts...); err != nil {
			return fmt.Errorf("failed to create rpc server: %w", err)
		}
	}
	return nil
}

// Start verifies the backend and starts the gRPC server, if configured.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return fmt.Errorf("cannot start closed mesh node")
	}
	if n.started {
		return nil // Already started, idempotent
	}

	if err := n.backend.Ping(ctx); err != nil {
		return fmt.Errorf("backend unavailable: %w", err)
	}
	if n.rpc != nil {
		if err := n.rpc.Start(ctx); err != nil {
			return fmt.Errorf("failed to start rpc server: %w", err)
		}
	}

	n.started = true
	n.logger.Info().Str("backend", n.backendType()).Msg("mesh node started")
	return nil
}

// Stop gracefully shuts down the gRPC server. Components stay usable.
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.started {
		return nil // Not started, idempotent
	}
	if n.rpc != nil {
		if err := n.rpc.Stop(ctx); err != nil {
			return fmt.Errorf("failed to stop rpc server: %w", err)
		}
	}

	n.started = false
	n.logger.Info().Msg("mesh node stopped")
	return nil
}

// Close stops the node and releases every component. The node cannot be
// restarted afterwards.
func (n *Node) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil // Already closed, idempotent
	}

	var errs []error
	if n.rpc != nil {
		if err := n.rpc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close rpc server: %w", err))
		}
	}
	if err := n.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close mesh store: %w", err))
	}
	if err := n.subs.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close subscriptions: %w", err))
	}
	if n.ownsBackend {
		if err := n.backend.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close backend: %w", err))
		}
	}

	n.started = false
	n.closed = true
	return errors.Join(errs...)
}

// GetNodeID returns this node's unique identifier.
func (n *Node) GetNodeID() string {
	return n.config.NodeID
}

// GetHealth reports the backend, breaker and safety state of the node.
func (n *Node) GetHealth(ctx context.Context) (meshnode.HealthStatus, error) {
	n.mu.RLock()
	closed, started := n.closed, n.started
	n.mu.RUnlock()

	if closed {
		return meshnode.HealthStatus{Message: "node is closed"}, nil
	}

	status := meshnode.HealthStatus{
		BackendHealthy:     n.backend.Ping(ctx) == nil,
		BackendCircuitOpen: !n.breaker.IsAvailable(ctx, n.storeCircuit),
		WithinSafetyLimits: n.safety.IsWithinSafetyLimits(ctx),
		RPCServing:         n.rpc != nil && started,
		ActiveUnits:        n.safety.Status(ctx).ActiveUnits,
		Subscriptions:      n.subs.Count(),
	}
	status.Healthy = status.BackendHealthy && !status.BackendCircuitOpen

	switch {
	case !status.BackendHealthy:
		status.Message = "backend did not answer ping"
	case status.BackendCircuitOpen:
		status.Message = "backend circuit is open"
	case !status.WithinSafetyLimits:
		status.Message = "safety limits reached; new units are rejected"
	}
	return status, nil
}

// Store returns the node's Mesh Store.
func (n *Node) Store() *mesh.Store {
	return n.store
}

// Safety returns the node's Safety Limits Enforcer.
func (n *Node) Safety() *safety.Enforcer {
	return n.safety
}

// Breaker returns the node's Circuit Breaker.
func (n *Node) Breaker() *breaker.Breaker {
	return n.breaker
}

// Monitor returns the node's Performance Monitor.
func (n *Node) Monitor() *monitor.Monitor {
	return n.monitor
}

// Access returns the node's Access Controller.
func (n *Node) Access() *access.Controller {
	return n.access
}

// Tokens returns the token authority, or nil when authentication is disabled.
func (n *Node) Tokens() *access.TokenAuthority {
	return n.tokens
}

// Subscriptions returns the node's Subscription Manager.
func (n *Node) Subscriptions() *pubsub.Manager {
	return n.subs
}

// RPCAddress returns the gRPC listening address, or "" when not serving.
func (n *Node) RPCAddress() string {
	if n.rpc == nil {
		return ""
	}
	return n.rpc.GetListeningAddress()
}

func (n *Node) backendType() string {
	if n.config.BackendType == "" {
		return BackendMemory
	}
	return n.config.BackendType
}

// Verify that Node implements the MeshNode interface at compile time
var _ meshnode.MeshNode = (*Node)(nil)
