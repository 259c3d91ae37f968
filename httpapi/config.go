package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/searchraft/searchraft/logger"
)

const (
	DefaultRequestTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
	DefaultMaxBodyBytes    = int64(32 << 20)
	DefaultWorkerCount     = 4
	DefaultQueueDepth      = 64
	DefaultRateLimit       = 1000
	DefaultRateLimitBurst  = 200
	DefaultRateLimitWindow = time.Second
)

// ServerConfig holds the configuration settings for the HTTP API server.
type ServerConfig struct {
	// ListenAddress is the HTTP server's bind address (e.g., "0.0.0.0:8108").
	ListenAddress string

	RequestTimeout  time.Duration // Max time a submitted write may take end to end
	ShutdownTimeout time.Duration // Max time allowed for graceful shutdown
	MaxBodyBytes    int64         // Maximum size of a buffered request body

	EnableRateLimit bool          // Whether write rate limiting is enforced
	RateLimit       int           // Writes per window allowed
	RateLimitBurst  int           // Burst capacity
	RateLimitWindow time.Duration // Time window used for rate calculation

	Logger logger.Logger

	// MetricsHandler, when set, is served at GET /metrics.
	MetricsHandler http.Handler
}

// DefaultServerConfig returns a ServerConfig pre-populated with safe
// defaults. Callers must set ListenAddress.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		RequestTimeout:  DefaultRequestTimeout,
		ShutdownTimeout: DefaultShutdownTimeout,
		MaxBodyBytes:    DefaultMaxBodyBytes,
		EnableRateLimit: false,
		RateLimit:       DefaultRateLimit,
		RateLimitBurst:  DefaultRateLimitBurst,
		RateLimitWindow: DefaultRateLimitWindow,
		Logger:          logger.NewNoOpLogger(),
	}
}

// Validate checks if the server configuration is valid.
func (c *ServerConfig) Validate() error {
	if c.ListenAddress == "" {
		return fmt.Errorf("httpapi: config: ListenAddress cannot be empty")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("httpapi: config: RequestTimeout must be positive")
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("httpapi: config: MaxBodyBytes must be positive")
	}
	if c.EnableRateLimit {
		if c.RateLimit <= 0 || c.RateLimitBurst <= 0 {
			return fmt.Errorf("httpapi: config: rate limit values must be positive")
		}
		if c.RateLimitWindow <= 0 {
			return fmt.Errorf("httpapi: config: RateLimitWindow must be positive")
		}
	}
	return nil
}
