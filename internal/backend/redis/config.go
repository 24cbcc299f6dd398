package redis

import (
	"errors"
	"time"
)

// Config holds connection settings for the Redis backend
type Config struct {
	// Addr is the Redis server address, "host:port"
	Addr string

	Username string
	Password string

	// DB selects the logical database. FlushDB only affects this database.
	DB int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int

	// ScanCount is the COUNT hint used when enumerating keys
	ScanCount int64
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Addr == "" {
		return errors.New("redis address cannot be empty")
	}
	if c.DB < 0 {
		return errors.New("redis db cannot be negative")
	}
	return nil
}

// SetDefaults sets sensible default values for unset configuration fields
func (c *Config) SetDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 3 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 3 * time.Second
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 20
	}
	if c.ScanCount <= 0 {
		c.ScanCount = 100
	}
}
