package mesh

import (
	"errors"
	"time"

	"github.com/rmacdonaldsmith/semanticmesh-go/pkg/codec"
)

const (
	// DefaultCacheTTL is the Cache Tier lifetime of a read entry
	DefaultCacheTTL = 300 * time.Second
	// DefaultRetryAttempts is the number of backend attempts per operation
	DefaultRetryAttempts = 3
	// DefaultRetryBackoff is the fixed delay between attempts
	DefaultRetryBackoff = 100 * time.Millisecond
	// DefaultBreakerServiceID is the circuit guarding backend calls
	DefaultBreakerServiceID = "mesh.backend"
	// KeyPrefix starts every mesh key in the backend
	KeyPrefix = "mesh"
	// ChangeChannelPrefix starts every change notification channel
	ChangeChannelPrefix = "mesh.changes"
)

// Config configures a Store
type Config struct {
	// Separator joins prefix, namespace and key (default ".")
	Separator string

	// DefaultTTL is applied to every write; zero stores without expiry
	DefaultTTL time.Duration

	// CacheTTL is the Cache Tier lifetime of entries (default 300s)
	CacheTTL time.Duration

	// MaxKeyLength bounds keys and namespaces
	MaxKeyLength int

	// MaxValueSize bounds the serialized envelope
	MaxValueSize int

	// RetryAttempts is the number of backend attempts per operation (default 3)
	RetryAttempts int

	// RetryBackoff is the fixed delay between attempts (default 100ms)
	RetryBackoff time.Duration

	// BreakerServiceID names the circuit used when a breaker is attached
	BreakerServiceID string
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.DefaultTTL < 0 {
		return errors.New("default TTL cannot be negative")
	}
	if c.CacheTTL < 0 {
		return errors.New("cache TTL cannot be negative")
	}
	if c.RetryAttempts < 0 {
		return errors.New("retry attempts cannot be negative")
	}
	if c.RetryBackoff < 0 {
		return errors.New("retry backoff cannot be negative")
	}
	if len(c.Separator) > 1 {
		return errors.New("separator must be a single character")
	}
	return nil
}

// SetDefaults sets sensible default values for unset configuration fields
func (c *Config) SetDefaults() {
	if c.Separator == "" {
		c.Separator = codec.DefaultSeparator
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = DefaultCacheTTL
	}
	if c.MaxKeyLength == 0 {
		c.MaxKeyLength = codec.DefaultMaxKeyLength
	}
	if c.MaxValueSize == 0 {
		c.MaxValueSize = codec.DefaultMaxValueSize
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = DefaultRetryAttempts
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	if c.BreakerServiceID == "" {
		c.BreakerServiceID = DefaultBreakerServiceID
	}
}
