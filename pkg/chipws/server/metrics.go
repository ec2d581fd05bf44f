package server

import (
	"context"
	"time"

	"github.com/tsarna/chipws/pkg/chipws/o11y"
)

// codeAbandoned labels requests whose connection closed before the result
// could be sent.
const codeAbandoned = "ABANDONED"

// WebSocketMetrics defines the standard metrics collected by the WebSocket server.
// All methods are safe to call on a nil receiver, which records nothing.
type WebSocketMetrics struct {
	// Connection metrics
	activeConnections  o11y.Gauge
	totalConnections   o11y.Counter
	connectionDuration o11y.Histogram
	connectionErrors   o11y.Counter

	// Message metrics
	messagesReceived o11y.Counter
	messagesSent     o11y.Counter
	messagesDropped  o11y.Counter
	messageSize      o11y.Histogram

	// Request metrics, by namespace
	requestsTotal   o11y.Counter
	requestDuration o11y.Histogram
	requestErrors   o11y.Counter

	// Health metrics
	pingsSent     o11y.Counter
	pongTimeouts  o11y.Counter
	writeTimeouts o11y.Counter
}

// NewWebSocketMetrics creates a new WebSocketMetrics instance using the provided MetricsProvider.
// If the provider is nil, returns nil (no metrics will be collected).
func NewWebSocketMetrics(provider o11y.MetricsProvider) *WebSocketMetrics {
	if provider == nil {
		return nil
	}

	return &WebSocketMetrics{
		activeConnections:  provider.Gauge("websocket_active_connections"),
		totalConnections:   provider.Counter("websocket_connections_total"),
		connectionDuration: provider.Histogram("websocket_connection_duration_seconds"),
		connectionErrors:   provider.Counter("websocket_connection_errors_total"),

		messagesReceived: provider.Counter("websocket_messages_received_total"),
		messagesSent:     provider.Counter("websocket_messages_sent_total"),
		messagesDropped:  provider.Counter("websocket_messages_dropped_total"),
		messageSize:      provider.Histogram("websocket_message_size_bytes"),

		requestsTotal:   provider.Counter("chipws_requests_total"),
		requestDuration: provider.Histogram("chipws_request_duration_seconds"),
		requestErrors:   provider.Counter("chipws_request_errors_total"),

		pingsSent:     provider.Counter("websocket_pings_sent_total"),
		pongTimeouts:  provider.Counter("websocket_pong_timeouts_total"),
		writeTimeouts: provider.Counter("websocket_write_timeouts_total"),
	}
}

// Connection lifecycle metrics

// RecordConnectionStart records when a new WebSocket connection is established.
func (m *WebSocketMetrics) RecordConnectionStart(ctx context.Context) {
	if m == nil {
		return
	}
	m.totalConnections.Add(ctx, 1)
}

// RecordConnectionActive updates the active connection count.
func (m *WebSocketMetrics) RecordConnectionActive(ctx context.Context, count int) {
	if m == nil {
		return
	}
	m.activeConnections.Set(ctx, float64(count))
}

// RecordConnectionEnd records when a WebSocket connection ends and its duration.
func (m *WebSocketMetrics) RecordConnectionEnd(ctx context.Context, duration time.Duration) {
	if m == nil {
		return
	}
	m.connectionDuration.Record(ctx, duration.Seconds())
}

// RecordConnectionError records connection-level errors (upgrade or
// handshake failures).
func (m *WebSocketMetrics) RecordConnectionError(ctx context.Context, errorType string) {
	if m == nil {
		return
	}
	m.connectionErrors.Add(ctx, 1, o11y.Label{Key: "error_type", Value: errorType})
}

// Message metrics

// RecordMessageReceived records a text frame received from a client.
func (m *WebSocketMetrics) RecordMessageReceived(ctx context.Context, sizeBytes int) {
	if m == nil {
		return
	}
	m.messagesReceived.Add(ctx, 1)
	m.messageSize.Record(ctx, float64(sizeBytes), o11y.Label{Key: "direction", Value: "received"})
}

// RecordMessageSent records a frame sent to a client. kind is "handshake",
// "result" or "error".
func (m *WebSocketMetrics) RecordMessageSent(ctx context.Context, sizeBytes int, kind string) {
	if m == nil {
		return
	}
	m.messagesSent.Add(ctx, 1, o11y.Label{Key: "kind", Value: kind})
	m.messageSize.Record(ctx, float64(sizeBytes), o11y.Label{Key: "direction", Value: "sent"})
}

// RecordMessageDropped records an inbound frame that got no response.
func (m *WebSocketMetrics) RecordMessageDropped(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.messagesDropped.Add(ctx, 1, o11y.Label{Key: "reason", Value: reason})
}

// Request metrics

// RecordRequest records the start of a request and returns a function to
// record completion with the response's error code ("" for success).
// Requests abandoned by a closing connection complete with "ABANDONED".
// Usage:
//
//	recordCompletion := metrics.RecordRequest(ctx, "device_controller")
//	defer recordCompletion(outcome.ErrorCode())
func (m *WebSocketMetrics) RecordRequest(ctx context.Context, namespace string) func(code string) {
	if m == nil {
		return func(string) {}
	}

	startTime := time.Now()
	m.requestsTotal.Add(ctx, 1, o11y.Label{Key: "namespace", Value: namespace})

	return func(code string) {
		duration := time.Since(startTime)
		m.requestDuration.Record(ctx, duration.Seconds(), o11y.Label{Key: "namespace", Value: namespace})

		if code != "" {
			m.requestErrors.Add(ctx, 1,
				o11y.Label{Key: "namespace", Value: namespace},
				o11y.Label{Key: "code", Value: code},
			)
		}
	}
}

// Health metrics

// RecordPingSent records when a ping frame is sent to a client.
func (m *WebSocketMetrics) RecordPingSent(ctx context.Context) {
	if m == nil {
		return
	}
	m.pingsSent.Add(ctx, 1)
}

// RecordPongTimeout records when a client fails to respond to a ping (dead connection).
func (m *WebSocketMetrics) RecordPongTimeout(ctx context.Context) {
	if m == nil {
		return
	}
	m.pongTimeouts.Add(ctx, 1)
}

// RecordWriteTimeout records when a write operation times out.
func (m *WebSocketMetrics) RecordWriteTimeout(ctx context.Context) {
	if m == nil {
		return
	}
	m.writeTimeouts.Add(ctx, 1)
}
