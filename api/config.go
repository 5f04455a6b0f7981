package api

import (
	"fmt"
	"net"
	"time"

	"github.com/0xmhha/ledger-crawler/internal/constants"
)

// Config holds ops server configuration
type Config struct {
	// Addr is the listen address, host:port
	Addr string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// ShutdownTimeout bounds graceful shutdown
	ShutdownTimeout time.Duration

	// RateLimitPerSecond is the per-client request rate; 0 disables limiting
	RateLimitPerSecond float64
	RateLimitBurst     int

	// MaxBatches bounds the batches a submitted backfill may partition into
	MaxBatches uint64
}

// DefaultConfig returns a default ops server configuration
func DefaultConfig() *Config {
	return &Config{
		Addr:               constants.DefaultMetricsAddr,
		ReadTimeout:        10 * time.Second,
		WriteTimeout:       30 * time.Second,
		IdleTimeout:        60 * time.Second,
		ShutdownTimeout:    constants.DefaultShutdownTimeout,
		RateLimitPerSecond: constants.DefaultAPIRateLimit,
		RateLimitBurst:     constants.DefaultAPIRateBurst,
		MaxBatches:         constants.DefaultMaxBatches,
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Addr); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", c.Addr, err)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive")
	}
	if c.RateLimitPerSecond < 0 {
		return fmt.Errorf("rate limit cannot be negative")
	}
	if c.RateLimitPerSecond > 0 && c.RateLimitBurst <= 0 {
		return fmt.Errorf("rate limit burst must be positive when rate limiting is enabled")
	}
	return nil
}
