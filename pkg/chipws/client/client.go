// Package client is a Go client for the chipws protocol. It connects, reads
// the server handshake and then sends commands, matching each response to its
// request by messageId.
package client

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/tsarna/chipws/pkg/chipws/codec"
	"github.com/tsarna/chipws/pkg/chipws/protocol"
)

var (
	ErrNotConnected     = errors.New("client is not connected")
	ErrAlreadyConnected = errors.New("client is already started")
	ErrConnectionClosed = errors.New("connection closed")
)

// CallError is returned by Call when the server answers with success=false.
type CallError struct {
	Command string
	Code    string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Command, e.Code)
}

// ErrorCode returns the server error code carried by err, or "" if err is not
// a CallError.
func ErrorCode(err error) string {
	var callErr *CallError
	if errors.As(err, &callErr) {
		return callErr.Code
	}
	return ""
}

// Client talks to one chipws server. Calls may be made concurrently; the
// server still answers them in the order it received them.
type Client struct {
	// Configuration
	url          string
	logger       *zap.Logger
	dialTimeout  time.Duration
	codec        *codec.Codec
	authProvider AuthorizationProvider
	headers      map[string][]string

	// Connection state
	conn      *websocket.Conn
	handshake protocol.Handshake
	ctx       context.Context
	cancel    context.CancelFunc
	mu        sync.RWMutex
	started   atomic.Bool
	done      chan struct{}

	// Message handling
	messageID   atomic.Int64
	pendingReqs map[string]chan *protocol.Response
	pendingMu   sync.Mutex
}

// Connect dials the server and waits for its handshake.
func (c *Client) Connect(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyConnected
	}

	if _, err := url.Parse(c.url); err != nil {
		c.started.Store(false)
		return errors.Wrap(err, "invalid URL")
	}

	dialCtx, dialCancel := context.WithTimeout(ctx, c.dialTimeout)
	defer dialCancel()

	dialOptions := &websocket.DialOptions{}
	if c.headers != nil {
		dialOptions.HTTPHeader = make(map[string][]string, len(c.headers))
		for key, values := range c.headers {
			dialOptions.HTTPHeader[key] = values
		}
	}

	if c.authProvider != nil {
		authValue, err := c.authProvider(dialCtx)
		if err != nil {
			c.started.Store(false)
			return errors.Wrap(err, "failed to get authorization")
		}
		if authValue != "" {
			if dialOptions.HTTPHeader == nil {
				dialOptions.HTTPHeader = make(map[string][]string)
			}
			dialOptions.HTTPHeader["Authorization"] = []string{authValue}
		}
	}

	conn, _, err := websocket.Dial(dialCtx, c.url, dialOptions)
	if err != nil {
		c.started.Store(false)
		return errors.Wrap(err, "failed to connect to WebSocket")
	}

	handshake, err := c.readHandshake(dialCtx, conn)
	if err != nil {
		conn.Close(websocket.StatusProtocolError, "bad handshake")
		c.started.Store(false)
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.handshake = handshake
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.done = make(chan struct{})
	c.mu.Unlock()

	c.pendingMu.Lock()
	c.pendingReqs = make(map[string]chan *protocol.Response)
	c.pendingMu.Unlock()

	c.logger.Info("chipws client connected",
		zap.String("url", c.url),
		zap.Int("server_version", handshake.ServerVersion),
		zap.Int("max_schema_version", handshake.MaxSchemaVersion),
	)

	go c.readLoop(conn)

	return nil
}

func (c *Client) readHandshake(ctx context.Context, conn *websocket.Conn) (protocol.Handshake, error) {
	var handshake protocol.Handshake

	typ, data, err := conn.Read(ctx)
	if err != nil {
		return handshake, errors.Wrap(err, "failed to read handshake")
	}
	if typ != websocket.MessageText {
		return handshake, errors.New("handshake is not a text frame")
	}
	if err := c.codec.Unmarshal(data, &handshake); err != nil {
		return handshake, errors.Wrap(err, "invalid handshake")
	}
	if handshake.MinSchemaVersion > handshake.MaxSchemaVersion {
		return handshake, errors.Newf("invalid handshake schema range %d..%d",
			handshake.MinSchemaVersion, handshake.MaxSchemaVersion)
	}
	return handshake, nil
}

// Handshake returns the version information the server sent on connect.
func (c *Client) Handshake() protocol.Handshake {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.handshake
}

// Call sends command with args and waits for its response. The result is
// returned undecoded; use Decode to turn it into Go values. A response with
// success=false yields a *CallError.
func (c *Client) Call(ctx context.Context, command string, args map[string]any) (protocol.RawValue, error) {
	c.mu.RLock()
	conn, clientCtx := c.conn, c.ctx
	c.mu.RUnlock()
	if conn == nil {
		return nil, ErrNotConnected
	}

	encoded, _ := c.codec.Encode(args).(map[string]any)
	if encoded == nil {
		encoded = map[string]any{}
	}
	req := protocol.Request{
		MessageID: protocol.NewMessageID(c.messageID.Add(1)),
		Command:   command,
		Args:      encoded,
	}
	data, err := c.codec.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal request")
	}

	key := req.MessageID.String()
	respChan := make(chan *protocol.Response, 1)
	c.pendingMu.Lock()
	if c.pendingReqs == nil {
		c.pendingMu.Unlock()
		return nil, ErrConnectionClosed
	}
	c.pendingReqs[key] = respChan
	c.pendingMu.Unlock()

	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		c.cleanupPendingRequest(key)
		return nil, errors.Wrap(err, "failed to send request")
	}

	select {
	case resp, ok := <-respChan:
		if !ok {
			return nil, ErrConnectionClosed
		}
		if !resp.Success {
			return nil, &CallError{Command: command, Code: resp.ErrorCode}
		}
		return resp.Result, nil
	case <-ctx.Done():
		c.cleanupPendingRequest(key)
		return nil, ctx.Err()
	case <-clientCtx.Done():
		c.cleanupPendingRequest(key)
		return nil, ErrConnectionClosed
	}
}

// Decode decodes a result into plain Go values, reviving tagged values
// through the client's codec. An empty result decodes to nil.
func (c *Client) Decode(raw protocol.RawValue) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := c.codec.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Close closes the connection. Calls still waiting fail with
// ErrConnectionClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	conn, cancel, done := c.conn, c.cancel, c.done
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	c.logger.Info("Disconnecting chipws client")

	cancel()
	err := conn.Close(websocket.StatusNormalClosure, "client disconnect")
	<-done

	c.started.Store(false)
	if err != nil && websocket.CloseStatus(err) == -1 {
		return err
	}
	return nil
}

// readLoop delivers responses to waiting calls until the connection ends.
func (c *Client) readLoop(conn *websocket.Conn) {
	defer close(c.done)
	defer c.failPending()

	for {
		_, data, err := conn.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() == nil {
				c.logger.Warn("chipws connection lost", zap.Error(err))
				c.cancel()
			}
			return
		}

		c.handleMessage(data)
	}
}

func (c *Client) handleMessage(data []byte) {
	var resp protocol.Response
	if err := c.codec.Unmarshal(data, &resp); err != nil {
		c.logger.Warn("Failed to unmarshal response", zap.Error(err))
		return
	}

	respChan, exists := c.cleanupPendingRequest(resp.MessageID.String())
	if !exists {
		c.logger.Debug("Response for unknown request", zap.Stringer("message_id", resp.MessageID))
		return
	}
	respChan <- &resp
}

// cleanupPendingRequest removes a pending request and returns the channel if it existed
func (c *Client) cleanupPendingRequest(key string) (chan *protocol.Response, bool) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	respChan, exists := c.pendingReqs[key]
	if exists {
		delete(c.pendingReqs, key)
	}
	return respChan, exists
}

func (c *Client) failPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	for key, respChan := range c.pendingReqs {
		close(respChan)
		delete(c.pendingReqs, key)
	}
	c.pendingReqs = nil
}
