package meshrpc

import (
	"errors"
	"time"
)

const (
	// DefaultMaxMessageSize bounds request and response size (16MB)
	DefaultMaxMessageSize = 16 * 1024 * 1024
	// DefaultShutdownTimeout bounds graceful shutdown before connections are cut
	DefaultShutdownTimeout = 10 * time.Second
)

// Config holds configuration for the Mesh RPC server
type Config struct {
	// ListenAddress is the gRPC listen address, e.g. "localhost:7070"
	ListenAddress string

	// MaxMessageSize bounds a single request or response
	MaxMessageSize int

	// ShutdownTimeout bounds GracefulStop in Stop
	ShutdownTimeout time.Duration
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.ListenAddress == "" {
		return errors.New("listen address cannot be empty")
	}
	if c.MaxMessageSize < 0 {
		return errors.New("max message size cannot be negative")
	}
	return nil
}

// SetDefaults sets sensible default values for unset configuration fields
func (c *Config) SetDefaults() {
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
}
