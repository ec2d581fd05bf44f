package server

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/tsarna/chipws/pkg/chipws/dispatch"
	"github.com/tsarna/chipws/pkg/chipws/protocol"
)

type frame struct {
	typ  websocket.MessageType
	data []byte
}

// Connection is one client session. After the handshake it handles frames
// strictly one at a time: a frame's response is written before the next
// frame is processed.
//
// The reader keeps a Read outstanding while a frame is being handled, so it
// may consume one frame ahead of the dispatcher and hold it until the
// current response is written. That Read is what lets pongs and close frames
// through during a long dispatch. Frames beyond the held one stay in the
// socket buffer.
type Connection struct {
	ctx     context.Context
	cancel  context.CancelFunc
	conn    *websocket.Conn
	config  *ListenerConfig
	metrics *WebSocketMetrics
	logger  *zap.Logger

	// Ping bookkeeping. Pongs are only processed while a Read is in progress.
	reading    atomic.Bool
	framesRead atomic.Uint64

	closeOnce sync.Once
}

func newConnection(ctx context.Context, conn *websocket.Conn, config *ListenerConfig, metrics *WebSocketMetrics, remoteAddr string) *Connection {
	ctx, cancel := context.WithCancel(ctx)
	return &Connection{
		ctx:     ctx,
		cancel:  cancel,
		conn:    conn,
		config:  config,
		metrics: metrics,
		logger:  config.logger.With(zap.String("remote_addr", remoteAddr)),
	}
}

// Start sends the handshake and then serves requests until the connection
// closes. It blocks for the life of the session.
func (c *Connection) Start() {
	defer c.cleanup()

	c.conn.SetReadLimit(c.config.readLimit)

	if err := c.sendHandshake(); err != nil {
		c.logger.Warn("Handshake failed", zap.Error(err))
		c.metrics.RecordConnectionError(c.ctx, "handshake")
		return
	}
	c.logger.Debug("Websocket connection ready")

	frames := make(chan frame)
	go c.messageReader(frames)

	if c.config.pingInterval > 0 {
		go c.pinger()
	}

	for f := range frames {
		c.handleFrame(f)
	}
}

func (c *Connection) sendHandshake() error {
	data, err := c.config.codec.Marshal(c.config.handshake)
	if err != nil {
		return err
	}
	return c.write(data, "handshake")
}

// messageReader reads frames and hands them over one at a time. A read
// failure, including a close by the client, cancels the session so that an
// in-flight dispatch is abandoned.
func (c *Connection) messageReader(frames chan<- frame) {
	defer close(frames)
	defer c.cancel()

	for {
		c.reading.Store(true)
		typ, data, err := c.conn.Read(c.ctx)
		c.reading.Store(false)
		if err != nil {
			if status := websocket.CloseStatus(err); status != -1 {
				c.logger.Debug("WebSocket connection closed by client",
					zap.Int("close_status", int(status)),
				)
			} else if c.ctx.Err() == nil {
				c.logger.Debug("WebSocket read ended", zap.Error(err))
			}
			return
		}
		c.framesRead.Add(1)

		select {
		case frames <- frame{typ: typ, data: data}:
		case <-c.ctx.Done():
			return
		}
	}
}

// handleFrame processes one inbound frame. Nothing that goes wrong here
// ends the session.
func (c *Connection) handleFrame(f frame) {
	defer func() {
		if p := recover(); p != nil {
			c.logger.Error("Panic while handling message", zap.Any("panic", p))
			c.metrics.RecordMessageDropped(c.ctx, "panic")
		}
	}()

	if f.typ != websocket.MessageText {
		c.logger.Debug("Ignoring non-text frame", zap.Stringer("type", f.typ))
		c.metrics.RecordMessageDropped(c.ctx, "binary")
		return
	}
	c.metrics.RecordMessageReceived(c.ctx, len(f.data))

	req, err := protocol.DecodeRequest(c.config.codec, f.data)
	if err != nil {
		c.logger.Warn("Failed to decode message",
			zap.Error(err),
			zap.Int("data_length", len(f.data)),
		)
		c.metrics.RecordMessageDropped(c.ctx, "malformed")
		return
	}

	c.logger.Debug("Received message",
		zap.String("command", req.Command),
		zap.Stringer("message_id", req.MessageID),
	)

	recordCompletion := c.metrics.RecordRequest(c.ctx, c.namespaceLabel(req.Command))
	outcome := c.config.router.Dispatch(c.ctx, req.Command, req.Args)

	if c.ctx.Err() != nil {
		c.logger.Debug("Connection closed during dispatch, discarding result",
			zap.String("command", req.Command),
		)
		recordCompletion(codeAbandoned)
		return
	}

	data, kind := c.encodeResponse(req, outcome)
	recordCompletion(outcome.ErrorCode())
	if data == nil {
		return
	}

	if err := c.write(data, kind); err != nil {
		c.logger.Warn("Failed to send response",
			zap.Error(err),
			zap.String("command", req.Command),
		)
		c.conn.CloseNow()
	}
}

// encodeResponse builds the response frame for an outcome. A result that
// cannot be encoded is answered with UNKNOWN instead.
func (c *Connection) encodeResponse(req *protocol.Request, outcome dispatch.Outcome) ([]byte, string) {
	if outcome.OK() {
		data, err := protocol.MarshalSuccess(c.config.codec, req, outcome.Value)
		if err == nil {
			return data, "result"
		}
		c.logger.Error("Failed to encode result",
			zap.Error(err),
			zap.String("command", req.Command),
		)
		outcome = dispatch.Outcome{Failure: &dispatch.Failure{
			Kind:  dispatch.FailureUnknown,
			Code:  protocol.ErrorCodeUnknown,
			Cause: err,
		}}
	}

	failure := outcome.Failure
	if failure.Kind == dispatch.FailureUnknown {
		c.logger.Error("Error calling method",
			zap.String("command", req.Command),
			zap.Error(failure.Cause),
		)
	} else {
		c.logger.Debug("Command failed",
			zap.String("command", req.Command),
			zap.String("code", failure.Code),
			zap.Error(failure.Cause),
		)
	}

	data, err := protocol.MarshalError(c.config.codec, req, failure.Code)
	if err != nil {
		c.logger.Error("Failed to encode error response", zap.Error(err))
		return nil, ""
	}
	return data, "error"
}

func (c *Connection) write(data []byte, kind string) error {
	ctx, cancel := context.WithTimeout(c.ctx, c.config.writeTimeout)
	defer cancel()

	err := c.conn.Write(ctx, websocket.MessageText, data)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			c.metrics.RecordWriteTimeout(c.ctx)
		}
		return err
	}
	c.metrics.RecordMessageSent(c.ctx, len(data), kind)
	return nil
}

// pinger pings the client while the reader is waiting for a frame. A ping
// that fails while the reader stayed in that same Read means the client is
// gone; if a frame arrived meanwhile the pong may simply not have been read
// yet, so the failure is ignored.
func (c *Connection) pinger() {
	ticker := time.NewTicker(c.config.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}

		if !c.reading.Load() {
			continue
		}
		seq := c.framesRead.Load()

		pingCtx, cancel := context.WithTimeout(c.ctx, c.config.writeTimeout)
		err := c.conn.Ping(pingCtx)
		cancel()

		if err == nil {
			c.metrics.RecordPingSent(c.ctx)
			continue
		}
		if errors.Is(err, context.DeadlineExceeded) && c.framesRead.Load() == seq {
			c.logger.Warn("Client did not answer ping, closing", zap.Error(err))
			c.metrics.RecordPongTimeout(c.ctx)
			c.conn.CloseNow()
			return
		}
		if c.ctx.Err() != nil {
			return
		}
	}
}

// namespaceLabel bounds metric label values to known namespaces.
func (c *Connection) namespaceLabel(command string) string {
	if command == dispatch.StartListening {
		return command
	}
	ns, _, _ := strings.Cut(command, ".")
	if c.config.router.HasNamespace(ns) {
		return ns
	}
	return "invalid"
}

func (c *Connection) cleanup() {
	c.closeOnce.Do(func() {
		c.cancel()
		err := c.conn.Close(websocket.StatusNormalClosure, "")
		if err != nil {
			c.logger.Debug("WebSocket close error (may be expected)", zap.Error(err))
		}
	})
}

// shutdownClose closes the connection with the given status. The reader
// then fails and the session ends through the normal path.
func (c *Connection) shutdownClose(code websocket.StatusCode, reason string) {
	c.logger.Debug("Closing connection for shutdown",
		zap.Int("close_code", int(code)),
		zap.String("reason", reason),
	)

	if err := c.conn.Close(code, reason); err != nil {
		c.logger.Debug("Error closing WebSocket during shutdown", zap.Error(err))
	}
}
