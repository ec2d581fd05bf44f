package server

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tsarna/chipws/pkg/chipws/codec"
	"github.com/tsarna/chipws/pkg/chipws/dispatch"
	"github.com/tsarna/chipws/pkg/chipws/o11y"
	"github.com/tsarna/chipws/pkg/chipws/protocol"
)

// ListenerConfig holds the configuration for creating a WebSocket Listener.
// Use NewListenerConfig() to create a new configuration and chain methods
// to set the required parameters before calling Build().
type ListenerConfig struct {
	router          *dispatch.Router
	logger          *zap.Logger
	codec           *codec.Codec
	handshake       protocol.Handshake
	pingInterval    time.Duration
	writeTimeout    time.Duration
	readLimit       int64
	originPatterns  []string
	metricsProvider o11y.MetricsProvider
}

const (
	// DefaultPingInterval is the default interval for sending WebSocket ping frames.
	DefaultPingInterval = 30 * time.Second

	// DefaultWriteTimeout is the default timeout for writing a frame, and for
	// a ping's pong to arrive.
	DefaultWriteTimeout = 10 * time.Second

	// DefaultReadLimit is the largest inbound frame accepted, in bytes.
	DefaultReadLimit = 1 << 20
)

// NewListenerConfig creates a new ListenerConfig for building a WebSocket Listener.
// Use the fluent methods to set the required Router and Logger, then call Build().
//
// Example:
//
//	listener, err := server.NewListenerConfig().
//	    WithRouter(router).
//	    WithLogger(logger).
//	    WithPingInterval(45 * time.Second).
//	    WithMetrics(provider).
//	    Build()
func NewListenerConfig() *ListenerConfig {
	return &ListenerConfig{
		codec:        codec.Default(),
		handshake:    protocol.DefaultHandshake(),
		pingInterval: DefaultPingInterval,
		writeTimeout: DefaultWriteTimeout,
		readLimit:    DefaultReadLimit,
	}
}

// WithRouter sets the Router that dispatches client commands. Required.
func (c *ListenerConfig) WithRouter(router *dispatch.Router) *ListenerConfig {
	c.router = router
	return c
}

// WithLogger sets the Logger for the WebSocket Listener. Required.
func (c *ListenerConfig) WithLogger(logger *zap.Logger) *ListenerConfig {
	c.logger = logger
	return c
}

// WithCodec replaces the default codec, for example to register extra
// extensions. A nil codec is ignored.
//
// Default: codec.Default()
func (c *ListenerConfig) WithCodec(cd *codec.Codec) *ListenerConfig {
	if cd != nil {
		c.codec = cd
	}
	return c
}

// WithHandshake sets the version metadata sent when a client connects.
//
// Default: driver 0, server 0, schema 1..1
func (c *ListenerConfig) WithHandshake(h protocol.Handshake) *ListenerConfig {
	c.handshake = h
	return c
}

// WithPingInterval sets the interval for sending WebSocket ping frames to
// idle clients. Set to 0 to disable.
//
// Default: 30 seconds
func (c *ListenerConfig) WithPingInterval(interval time.Duration) *ListenerConfig {
	if interval >= 0 {
		c.pingInterval = interval
	}
	return c
}

// WithWriteTimeout sets the timeout for writing messages to WebSocket clients.
//
// Default: 10 seconds
func (c *ListenerConfig) WithWriteTimeout(timeout time.Duration) *ListenerConfig {
	if timeout > 0 {
		c.writeTimeout = timeout
	}
	return c
}

// WithReadLimit sets the maximum inbound frame size in bytes. Larger frames
// close the connection.
//
// Default: 1 MiB
func (c *ListenerConfig) WithReadLimit(limit int64) *ListenerConfig {
	if limit > 0 {
		c.readLimit = limit
	}
	return c
}

// WithOriginPatterns allows browser clients from other origins. Patterns use
// path.Match syntax against the Origin host.
//
// Default: none, so only same-origin browser clients are accepted
func (c *ListenerConfig) WithOriginPatterns(patterns ...string) *ListenerConfig {
	c.originPatterns = append([]string(nil), patterns...)
	return c
}

// WithMetrics sets the metrics provider used for connection, message and
// request metrics. Without one no metrics are recorded.
//
// Default: nil
func (c *ListenerConfig) WithMetrics(provider o11y.MetricsProvider) *ListenerConfig {
	c.metricsProvider = provider
	return c
}

// IsValid checks if the configuration has all required parameters set.
// Returns nil if the configuration is valid, or an error describing what's missing.
func (c *ListenerConfig) IsValid() error {
	var missing []string
	if c.router == nil {
		missing = append(missing, "Router")
	}
	if c.logger == nil {
		missing = append(missing, "Logger")
	}

	if len(missing) > 0 {
		return fmt.Errorf("invalid listener configuration, missing: %v", missing)
	}

	return nil
}

// Build creates a new WebSocket Listener from the configuration.
// Returns an error if the configuration is invalid (missing Router or Logger).
func (c *ListenerConfig) Build() (*Listener, error) {
	if err := c.IsValid(); err != nil {
		return nil, err
	}

	return newListener(c), nil
}
