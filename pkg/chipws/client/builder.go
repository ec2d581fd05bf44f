package client

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tsarna/chipws/pkg/chipws/codec"
)

// AuthorizationProvider is a function that returns an authorization header value.
// It receives a context and should return the authorization value (e.g., "Bearer token123")
// or an error if authorization cannot be obtained.
type AuthorizationProvider func(ctx context.Context) (string, error)

// DefaultDialTimeout bounds dialing and waiting for the server handshake.
const DefaultDialTimeout = 30 * time.Second

// ClientBuilder provides a fluent interface for building chipws clients.
type ClientBuilder struct {
	url          string
	logger       *zap.Logger
	dialTimeout  time.Duration
	codec        *codec.Codec
	authProvider AuthorizationProvider
	headers      map[string][]string
}

// NewClient creates a new client builder.
//
// Example:
//
//	c, err := client.NewClient().
//	    WithURL("ws://localhost:5580/chip_ws").
//	    WithLogger(logger).
//	    Build()
func NewClient() *ClientBuilder {
	return &ClientBuilder{
		dialTimeout: DefaultDialTimeout,
		logger:      zap.NewNop(),
		codec:       codec.Default(),
	}
}

// WithURL sets the WebSocket URL to connect to.
func (b *ClientBuilder) WithURL(url string) *ClientBuilder {
	b.url = url
	return b
}

// WithLogger sets the logger for the client.
func (b *ClientBuilder) WithLogger(logger *zap.Logger) *ClientBuilder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// WithDialTimeout sets the timeout for establishing the connection and
// receiving the handshake.
func (b *ClientBuilder) WithDialTimeout(timeout time.Duration) *ClientBuilder {
	if timeout > 0 {
		b.dialTimeout = timeout
	}
	return b
}

// WithCodec replaces the default codec used for args and results.
func (b *ClientBuilder) WithCodec(cd *codec.Codec) *ClientBuilder {
	if cd != nil {
		b.codec = cd
	}
	return b
}

// WithAuthorization sets a static Authorization header value.
func (b *ClientBuilder) WithAuthorization(authHeader string) *ClientBuilder {
	b.authProvider = func(ctx context.Context) (string, error) {
		return authHeader, nil
	}
	return b
}

// WithAuthorizationProvider sets an authorization provider function.
// This function will be called during connection to obtain the authorization header.
func (b *ClientBuilder) WithAuthorizationProvider(provider AuthorizationProvider) *ClientBuilder {
	b.authProvider = provider
	return b
}

// WithHeader sets a single HTTP header for the WebSocket handshake.
func (b *ClientBuilder) WithHeader(key, value string) *ClientBuilder {
	if b.headers == nil {
		b.headers = make(map[string][]string)
	}
	b.headers[key] = []string{value}
	return b
}

// Build creates and returns a new client with the configured options.
func (b *ClientBuilder) Build() (*Client, error) {
	if err := b.IsValid(); err != nil {
		return nil, err
	}

	return &Client{
		url:          b.url,
		logger:       b.logger,
		dialTimeout:  b.dialTimeout,
		codec:        b.codec,
		authProvider: b.authProvider,
		headers:      b.headers,
	}, nil
}

// IsValid checks that all required configuration is present.
func (b *ClientBuilder) IsValid() error {
	if b.url == "" {
		return fmt.Errorf("URL is required")
	}

	if b.logger == nil {
		b.logger = zap.NewNop()
	}
	if b.dialTimeout <= 0 {
		b.dialTimeout = DefaultDialTimeout
	}
	if b.codec == nil {
		b.codec = codec.Default()
	}

	return nil
}
