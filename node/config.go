package node

import (
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"peer-rpc/middleware"
)

// Config holds a node's tunables.
type Config struct {
	// Timeout bounds every outbound call: connection setup, and then the
	// wait for the reply. Default 5s.
	Timeout time.Duration
	// Debug logs every envelope sent and received at Debug level.
	Debug bool
	// Logger defaults to a no-op logger.
	Logger *zap.Logger
	// Clock drives call timeouts; tests substitute clock.NewMock().
	Clock clock.Clock
	// Middlewares wrap the handler that serves inbound requests, outermost first.
	Middlewares []middleware.Middleware
	// ShutdownTimeout bounds how long Close waits for requests still being
	// served. Default 3s.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns the configuration New falls back to.
func DefaultConfig() Config {
	return Config{
		Timeout:         5 * time.Second,
		ShutdownTimeout: 3 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	return c
}
