package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// Listener accepts WebSocket connections and runs one session per
// connection against the configured Router.
type Listener struct {
	logger  *zap.Logger
	config  *ListenerConfig
	metrics *WebSocketMetrics

	// Connection tracking for graceful shutdown
	connections  map[*Connection]struct{}
	connMutex    sync.RWMutex
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// newListener creates a new WebSocket listener from the provided configuration.
// This is a private constructor - use NewListenerConfig().Build() instead.
func newListener(config *ListenerConfig) *Listener {
	return &Listener{
		logger:      config.logger,
		config:      config,
		metrics:     NewWebSocketMetrics(config.metricsProvider),
		connections: make(map[*Connection]struct{}),
		shutdown:    make(chan struct{}),
	}
}

// ServeHTTP makes the Listener an http.Handler.
func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	l.ServeWebsocket(w, r)
}

// ServeWebsocket upgrades the request to a WebSocket connection and runs the
// session until the connection closes.
//
// Usage example:
//
//	http.HandleFunc("/chip_ws", listener.ServeWebsocket)
func (l *Listener) ServeWebsocket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
		OriginPatterns:  l.config.originPatterns,
	})
	if err != nil {
		l.logger.Error("Failed to accept WebSocket connection",
			zap.Error(err),
			zap.String("remote_addr", r.RemoteAddr),
			zap.String("user_agent", r.UserAgent()),
		)
		l.metrics.RecordConnectionError(ctx, "accept")
		return
	}

	l.logger.Info("New connection",
		zap.String("remote_addr", r.RemoteAddr),
		zap.String("user_agent", r.UserAgent()),
	)

	// Check if we're shutting down
	select {
	case <-l.shutdown:
		l.logger.Debug("Rejecting new connection due to shutdown")
		conn.Close(websocket.StatusServiceRestart, "Server shutting down")
		return
	default:
	}

	connection := newConnection(ctx, conn, l.config, l.metrics, r.RemoteAddr)

	l.connMutex.Lock()
	l.connections[connection] = struct{}{}
	connCount := len(l.connections)
	l.connMutex.Unlock()

	l.metrics.RecordConnectionStart(ctx)
	l.metrics.RecordConnectionActive(ctx, connCount)
	started := time.Now()

	connection.Start()

	l.connMutex.Lock()
	delete(l.connections, connection)
	connCount = len(l.connections)
	l.connMutex.Unlock()

	l.metrics.RecordConnectionActive(ctx, connCount)
	l.metrics.RecordConnectionEnd(ctx, time.Since(started))

	l.logger.Info("Connection closed",
		zap.String("remote_addr", r.RemoteAddr),
		zap.Int("active_connections", connCount),
	)
}

// Shutdown gracefully closes all active WebSocket connections and stops accepting new ones.
//
// The shutdown process:
//  1. Stop accepting new connections (returns StatusServiceRestart)
//  2. Close all active connections with StatusGoingAway
//  3. Wait for all connections to finish cleanup
//
// This method blocks until all connections are closed or the context is cancelled.
func (l *Listener) Shutdown(ctx context.Context) error {
	l.shutdownOnce.Do(func() {
		l.logger.Info("Starting graceful WebSocket shutdown")

		close(l.shutdown)

		l.connMutex.RLock()
		connections := make([]*Connection, 0, len(l.connections))
		for conn := range l.connections {
			connections = append(connections, conn)
		}
		l.connMutex.RUnlock()

		if len(connections) == 0 {
			l.logger.Info("No active connections to close")
			return
		}

		l.logger.Info("Closing active WebSocket connections",
			zap.Int("connection_count", len(connections)),
		)

		for _, conn := range connections {
			go conn.shutdownClose(websocket.StatusGoingAway, "Server shutting down")
		}
	})

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		remaining := l.ConnectionCount()
		if remaining == 0 {
			l.logger.Info("All WebSocket connections closed")
			return nil
		}

		select {
		case <-ctx.Done():
			l.logger.Warn("Shutdown timeout reached with active connections",
				zap.Int("remaining_connections", remaining),
			)
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ConnectionCount returns the current number of active WebSocket connections.
func (l *Listener) ConnectionCount() int {
	l.connMutex.RLock()
	defer l.connMutex.RUnlock()
	return len(l.connections)
}
