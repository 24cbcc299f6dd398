// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LevelEnv overrides the configured level when set
const LevelEnv = "SEMANTICMESH_LOG_LEVEL"

// Output formats
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// Config selects the level and format of the logger
type Config struct {
	// Level is a zerolog level name such as "debug" or "info" (default "info")
	Level string `toml:"level"`

	// Format is FormatConsole (default) or FormatJSON
	Format string `toml:"format"`
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.Level != "" {
		if _, err := zerolog.ParseLevel(strings.ToLower(c.Level)); err != nil {
			return fmt.Errorf("invalid log level %q: %w", c.Level, err)
		}
	}
	switch c.Format {
	case "", FormatConsole, FormatJSON:
		return nil
	default:
		return fmt.Errorf("unknown log format %q", c.Format)
	}
}

// New builds a logger writing to out, tagged with app. SEMANTICMESH_LOG_LEVEL
// takes precedence over config.Level. The result also becomes the global
// zerolog logger.
func New(app string, config Config, out io.Writer) (zerolog.Logger, error) {
	if err := config.Validate(); err != nil {
		return zerolog.Nop(), err
	}

	levelName := config.Level
	if env, ok := os.LookupEnv(LevelEnv); ok && env != "" {
		levelName = env
	}
	level := zerolog.InfoLevel
	if levelName != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(levelName))
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", levelName, err)
		}
		level = parsed
	}

	if out == nil {
		out = os.Stderr
	}
	if config.Format != FormatJSON {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		}
	}

	logger := zerolog.New(out).Level(level).With().Timestamp().Str("app", app).Logger()
	log.Logger = logger
	return logger, nil
}
