// Package config loads broker configuration from environment variables
// (with an optional .env file for local development), following the same
// env-var-first convention as the rest of the pack.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds every tunable the broker's cmd entrypoint needs. Tags:
//
//	env: environment variable name
//	envDefault: default value if unset
type Config struct {
	// Network
	Addr string `env:"MQBUS_ADDR" envDefault:":8080"`

	// Packet pool
	PacketPoolInitialCount int `env:"MQBUS_PACKET_POOL_COUNT" envDefault:"256"`
	PacketPoolInitialSize  int `env:"MQBUS_PACKET_POOL_SIZE" envDefault:"4096"`

	// Thread pool
	ThreadsPerCore      int `env:"MQBUS_THREADS_PER_CORE" envDefault:"1"`
	CoreCountAdjustment int `env:"MQBUS_CORE_COUNT_ADJUSTMENT" envDefault:"-2"`

	// Connection handling
	MaxConnections int `env:"MQBUS_MAX_CONNECTIONS" envDefault:"10000"`

	// Observability
	MetricsAddr     string        `env:"MQBUS_METRICS_ADDR" envDefault:":9090"`
	MetricsInterval time.Duration `env:"MQBUS_METRICS_INTERVAL" envDefault:"15s"`

	LogLevel  string `env:"MQBUS_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"MQBUS_LOG_FORMAT" envDefault:"json"`

	Environment string `env:"MQBUS_ENVIRONMENT" envDefault:"development"`
}

// Load reads a .env file if present (best-effort — its absence is not an
// error) and then parses environment variables into a Config, validating
// the result.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using process environment only")
		}
	} else if logger != nil {
		logger.Info().Msg("loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate checks field ranges and required combinations.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("MQBUS_ADDR is required")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("MQBUS_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.PacketPoolInitialCount < 0 {
		return fmt.Errorf("MQBUS_PACKET_POOL_COUNT must be >= 0, got %d", c.PacketPoolInitialCount)
	}
	if c.PacketPoolInitialSize <= 0 {
		return fmt.Errorf("MQBUS_PACKET_POOL_SIZE must be > 0, got %d", c.PacketPoolInitialSize)
	}
	if c.ThreadsPerCore < 1 {
		return fmt.Errorf("MQBUS_THREADS_PER_CORE must be >= 1, got %d", c.ThreadsPerCore)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("MQBUS_LOG_LEVEL must be one of debug,info,warn,error (got %q)", c.LogLevel)
	}

	validFormats := map[string]bool{"json": true, "pretty": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("MQBUS_LOG_FORMAT must be one of json,pretty (got %q)", c.LogFormat)
	}

	return nil
}

// Print logs a human-readable summary of the configuration at startup.
func (c *Config) Print() {
	fmt.Println("=== mqbus configuration ===")
	fmt.Printf("Environment:     %s\n", c.Environment)
	fmt.Printf("Address:         %s\n", c.Addr)
	fmt.Printf("Max connections: %d\n", c.MaxConnections)
	fmt.Printf("Packet pool:     %d x %d bytes\n", c.PacketPoolInitialCount, c.PacketPoolInitialSize)
	fmt.Printf("Thread pool:     %d per core, adjustment %d\n", c.ThreadsPerCore, c.CoreCountAdjustment)
	fmt.Printf("Metrics:         %s (every %s)\n", c.MetricsAddr, c.MetricsInterval)
	fmt.Printf("Log:             level=%s format=%s\n", c.LogLevel, c.LogFormat)
}
