// Package breaker implements a per-service circuit breaker with Closed, Open
// and HalfOpen states, fallback dispatch, operator overrides and pluggable
// state storage.
//
// State is process-local by default. Backing the breaker with a
// CacheStateStore over a shared cache makes circuit state visible to every
// process using that cache.
package breaker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rmacdonaldsmith/semanticmesh-go/pkg/cache"
)

// Status is the state of a circuit.
type Status string

const (
	// StatusClosed passes calls through and counts failures
	StatusClosed Status = "closed"
	// StatusOpen short-circuits calls until the timeout elapses
	StatusOpen Status = "open"
	// StatusHalfOpen admits probe calls after the timeout
	StatusHalfOpen Status = "half_open"
)

// State is the persisted state of one circuit.
type State struct {
	ServiceID            string     `json:"service_id"`
	Status               Status     `json:"status"`
	FailureCount         int        `json:"failure_count"`
	HalfOpenSuccessCount int        `json:"half_open_success_count"`
	OpenedAt             *time.Time `json:"opened_at,omitempty"`
}

func newState(serviceID string) State {
	return State{ServiceID: serviceID, Status: StatusClosed}
}

// StateStore persists circuit state.
type StateStore interface {
	// Load returns the stored state and whether one exists.
	Load(ctx context.Context, serviceID string) (State, bool, error)

	// Save stores the state.
	Save(ctx context.Context, state State) error
}

// MemoryStateStore keeps circuit state in the current process.
type MemoryStateStore struct {
	mu     sync.RWMutex
	states map[string]State
}

// NewMemoryStateStore creates an empty in-process state store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: make(map[string]State)}
}

// Load returns the state for serviceID.
func (s *MemoryStateStore) Load(ctx context.Context, serviceID string) (State, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[serviceID]
	return state, ok, nil
}

// Save stores state.
func (s *MemoryStateStore) Save(ctx context.Context, state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.ServiceID] = state
	return nil
}

// DefaultStateKeyPrefix prefixes the cache keys used by CacheStateStore
const DefaultStateKeyPrefix = "circuit_breaker."

// CacheStateStore stores circuit state as JSON in a cache.Cache.
type CacheStateStore struct {
	cache  cache.Cache
	prefix string
}

// NewCacheStateStore creates a store writing keys prefix+serviceID.
// An empty prefix uses DefaultStateKeyPrefix.
func NewCacheStateStore(c cache.Cache, prefix string) *CacheStateStore {
	if prefix == "" {
		prefix = DefaultStateKeyPrefix
	}
	return &CacheStateStore{cache: c, prefix: prefix}
}

// Load reads and decodes the state for serviceID.
func (s *CacheStateStore) Load(ctx context.Context, serviceID string) (State, bool, error) {
	raw, ok, err := s.cache.Get(ctx, s.prefix+serviceID)
	if err != nil || !ok {
		return State{}, false, err
	}
	var state State
	if err := json.Unmarshal(raw, &state); err != nil {
		return State{}, false, fmt.Errorf("corrupt circuit state for %s: %w", serviceID, err)
	}
	return state, true, nil
}

// Save encodes and stores state without expiry.
func (s *CacheStateStore) Save(ctx context.Context, state State) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return s.cache.Set(ctx, s.prefix+state.ServiceID, raw, -1)
}

// Verify that the stores implement the StateStore interface at compile time
var (
	_ StateStore = (*MemoryStateStore)(nil)
	_ StateStore = (*CacheStateStore)(nil)
)
