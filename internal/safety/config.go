package safety

import (
	"errors"
	"fmt"
	"time"
)

const (
	// DefaultMaxUnitExecutionTime bounds how long a unit may run
	DefaultMaxUnitExecutionTime = 30 * time.Second
	// DefaultMaxMemoryPerUnit bounds the heap growth attributed to one unit (256 MiB)
	DefaultMaxMemoryPerUnit = 256 * 1024 * 1024
	// DefaultMaxMeshKeysPerUnit bounds the keys one unit may touch in a bulk read
	DefaultMaxMeshKeysPerUnit = 1000
	// DefaultMaxConcurrentUnits bounds the number of running units
	DefaultMaxConcurrentUnits = 20000
	// DefaultMaxMeshValueSize bounds one serialized mesh value (1 MiB)
	DefaultMaxMeshValueSize = 1024 * 1024
	// DefaultMaxRecursionDepth bounds nested unit invocations
	DefaultMaxRecursionDepth = 5
	// DefaultSharedCounterKey is the backend key of the shared concurrency
	// counter. It lies outside the "mesh" key space so store writes cannot reach it.
	DefaultSharedCounterKey = "semanticmesh:safety:concurrent_units"
	// DefaultMemoryPressureRatio is the fraction of the runtime memory limit
	// above which the process reports memory pressure
	DefaultMemoryPressureRatio = 0.9
)

// Scope selects where the concurrency counter lives.
type Scope string

const (
	// ScopeLocal counts only units started by this process
	ScopeLocal Scope = "local"
	// ScopeShared counts units of every process through an atomic backend counter
	ScopeShared Scope = "shared"
)

// ZeroLimit configures a count or size limit of zero. A literal zero in
// Limits selects the default instead, so MaxRecursionDepth: ZeroLimit forbids
// nested units while MaxRecursionDepth: 0 allows DefaultMaxRecursionDepth.
const ZeroLimit = -1

// Limits are the quotas enforced per unit and per process. Zero fields take
// their defaults; see ZeroLimit.
type Limits struct {
	MaxUnitExecutionTime time.Duration `json:"max_unit_execution_time"`
	MaxMemoryPerUnit     uint64        `json:"max_memory_per_unit"`
	MaxMeshKeysPerUnit   int           `json:"max_mesh_keys_per_unit"`
	MaxConcurrentUnits   int64         `json:"max_concurrent_units"`
	MaxMeshValueSize     int           `json:"max_mesh_value_size"`
	MaxRecursionDepth    int           `json:"max_recursion_depth"`
}

// Config configures an Enforcer
type Config struct {
	Limits

	// Scope of the concurrency counter; ScopeShared requires a backend
	Scope Scope

	// SharedCounterKey is the backend key used under ScopeShared
	SharedCounterKey string

	// MemoryPressureRatio of the runtime soft memory limit that counts as pressure
	MemoryPressureRatio float64
}

// Validate checks the configuration
func (c *Config) Validate() error {
	switch c.Scope {
	case "", ScopeLocal, ScopeShared:
	default:
		return fmt.Errorf("unknown concurrency scope %q", c.Scope)
	}
	if c.MaxUnitExecutionTime < 0 {
		return errors.New("max unit execution time cannot be negative")
	}
	if c.MaxMeshKeysPerUnit < ZeroLimit || c.MaxConcurrentUnits < ZeroLimit ||
		c.MaxMeshValueSize < ZeroLimit || c.MaxRecursionDepth < ZeroLimit {
		return errors.New("limits cannot be negative other than ZeroLimit")
	}
	if c.MemoryPressureRatio < 0 || c.MemoryPressureRatio > 1 {
		return errors.New("memory pressure ratio must be between 0 and 1")
	}
	return nil
}

// SetDefaults sets sensible default values for unset configuration fields
func (c *Config) SetDefaults() {
	if c.MaxUnitExecutionTime == 0 {
		c.MaxUnitExecutionTime = DefaultMaxUnitExecutionTime
	}
	if c.MaxMemoryPerUnit == 0 {
		c.MaxMemoryPerUnit = DefaultMaxMemoryPerUnit
	}
	c.MaxMeshKeysPerUnit = limitOrDefault(c.MaxMeshKeysPerUnit, DefaultMaxMeshKeysPerUnit)
	c.MaxConcurrentUnits = limitOrDefault(c.MaxConcurrentUnits, DefaultMaxConcurrentUnits)
	c.MaxMeshValueSize = limitOrDefault(c.MaxMeshValueSize, DefaultMaxMeshValueSize)
	c.MaxRecursionDepth = limitOrDefault(c.MaxRecursionDepth, DefaultMaxRecursionDepth)
	if c.Scope == "" {
		c.Scope = ScopeLocal
	}
	if c.SharedCounterKey == "" {
		c.SharedCounterKey = DefaultSharedCounterKey
	}
	if c.MemoryPressureRatio == 0 {
		c.MemoryPressureRatio = DefaultMemoryPressureRatio
	}
}

func limitOrDefault[T int | int64](v, def T) T {
	switch v {
	case 0:
		return def
	case ZeroLimit:
		return 0
	}
	return v
}
