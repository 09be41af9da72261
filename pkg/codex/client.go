package codex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/durango-dev/durango/internal/common/logger"
)

// Timeouts for cross-process waits. Every request is bounded.
const (
	RequestTimeout     = 30 * time.Second
	DialAttemptTimeout = 2 * time.Second
	ConnectRetryBudget = 25 * time.Second
	connectRetryDelay  = 250 * time.Millisecond
)

// ErrClientClosed is the rejection delivered to pending requests when the
// transport shuts down before their response arrives.
var ErrClientClosed = errors.New("client closed")

// ProcessExitFunc reports whether a spawned agent process has exited, and
// with which code. Used to fail connect retries early.
type ProcessExitFunc func() (exitCode int, exited bool)

type pendingCall struct {
	ch    chan *Response
	timer *time.Timer
}

// Client is the JSON-RPC transport over a single long-lived WebSocket to the
// agent server. It correlates requests with responses by string id and
// publishes notifications on a channel.
type Client struct {
	logger *logger.Logger

	conn    *websocket.Conn
	connMu  sync.RWMutex
	writeMu sync.Mutex

	pending   map[string]*pendingCall
	pendingMu sync.Mutex

	notifications chan Notification

	requestTimeout time.Duration
	closed         bool
	closedMu       sync.Mutex
	notifyOnce     sync.Once
}

// NewClient creates a transport client. Connect must be called before use.
func NewClient(log *logger.Logger) *Client {
	return &Client{
		logger:         log.WithFields(zap.String("component", "codex-rpc")),
		pending:        make(map[string]*pendingCall),
		notifications:  make(chan Notification, 256),
		requestTimeout: RequestTimeout,
	}
}

// Notifications returns the stream of agent notifications. The channel is
// closed when the transport shuts down.
func (c *Client) Notifications() <-chan Notification {
	return c.notifications
}

// Connect dials the agent server URL, retrying short attempts until the
// aggregate budget elapses. If processExited reports a spawned agent exit
// during the retry loop, Connect fails with a terminal error naming the code.
func (c *Client) Connect(ctx context.Context, url string, processExited ProcessExitFunc) error {
	deadline := time.Now().Add(ConnectRetryBudget)
	var lastErr error
	for time.Now().Before(deadline) {
		if processExited != nil {
			if code, exited := processExited(); exited {
				return fmt.Errorf("agent server exited with code %d before accepting connections", code)
			}
		}
		if err := c.dialOnce(ctx, url); err != nil {
			lastErr = err
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(connectRetryDelay):
			}
			continue
		}
		return nil
	}
	return fmt.Errorf("connect to agent server at %s: %w", url, lastErr)
}

// ConnectOnce makes a single bounded dial attempt, used to probe for a
// pre-existing agent server.
func (c *Client) ConnectOnce(ctx context.Context, url string, timeout time.Duration) error {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.dialOnce(dialCtx, url)
}

func (c *Client) dialOnce(ctx context.Context, url string) error {
	dialer := websocket.Dialer{HandshakeTimeout: DialAttemptTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	c.logger.Info("connected to agent server", zap.String("url", url))
	go c.readLoop(conn)
	return nil
}

// Call sends a request and waits for its response, bounded by the request
// timeout. It returns the result payload or the error the server reported.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := uuid.New().String()

	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params for %s: %w", method, err)
		}
	}
	req := &Request{JSONRPC: "2.0", ID: id, Method: method, Params: paramsJSON}

	pc := &pendingCall{ch: make(chan *Response, 1)}
	pc.timer = time.AfterFunc(c.requestTimeout, func() {
		c.rejectPending(id, &Error{Code: InternalError, Message: fmt.Sprintf("%s timed out after %s", method, c.requestTimeout)})
	})

	c.pendingMu.Lock()
	c.pending[id] = pc
	c.pendingMu.Unlock()

	if err := c.send(req); err != nil {
		c.removePending(id)
		return nil, err
	}

	select {
	case resp := <-pc.ch:
		if resp.Error != nil {
			return nil, fmt.Errorf("%s: %s", method, resp.Error.Message)
		}
		return resp.Result, nil
	case <-ctx.Done():
		c.removePending(id)
		return nil, ctx.Err()
	}
}

// Notify sends a notification; no response is expected.
func (c *Client) Notify(method string, params any) error {
	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params for %s: %w", method, err)
		}
	}
	return c.send(struct {
		JSONRPC string          `json:"jsonrpc"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params,omitempty"`
	}{JSONRPC: "2.0", Method: method, Params: paramsJSON})
}

// Close tears down the transport: every pending request is rejected with
// "client closed" and the socket is closed.
func (c *Client) Close() error {
	c.closedMu.Lock()
	if c.closed {
		c.closedMu.Unlock()
		return nil
	}
	c.closed = true
	c.closedMu.Unlock()

	c.rejectAllPending()

	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *Client) isClosed() bool {
	c.closedMu.Lock()
	defer c.closedMu.Unlock()
	return c.closed
}

func (c *Client) send(msg any) error {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return fmt.Errorf("send: %w", ErrClientClosed)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("write to agent server: %w", err)
	}
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	// A remote disconnect must not mark the client closed: Close still has
	// to release the socket afterwards.
	defer func() {
		c.rejectAllPending()
		c.notifyOnce.Do(func() { close(c.notifications) })
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !c.isClosed() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("agent socket read error", zap.Error(err))
			}
			return
		}
		c.handleFrame(data)
	}
}

// handleFrame classifies one inbound frame. The app-server sometimes omits
// the jsonrpc marker on responses, so its absence is not an error. Malformed
// frames are logged and dropped; they never fail the transport.
func (c *Client) handleFrame(data []byte) {
	var msg struct {
		ID     string          `json:"id"`
		Method string          `json:"method"`
		Result json.RawMessage `json:"result"`
		Error  *Error          `json:"error"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Warn("dropping malformed agent frame", zap.Error(err))
		return
	}

	hasID := msg.ID != ""
	hasMethod := msg.Method != ""
	hasResult := msg.Result != nil
	hasError := msg.Error != nil

	switch {
	case hasID && !hasMethod && (hasResult || hasError):
		c.handleResponse(&Response{ID: msg.ID, Result: msg.Result, Error: msg.Error})
	case hasMethod && !hasID:
		select {
		case c.notifications <- Notification{Method: msg.Method, Params: msg.Params}:
		default:
			c.logger.Warn("notification channel full, dropping", zap.String("method", msg.Method))
		}
	case hasID && hasMethod:
		// Server-initiated requests are not part of the bridge contract.
		c.logger.Warn("rejecting unexpected server request", zap.String("method", msg.Method), zap.String("id", msg.ID))
		_ = c.send(&Response{JSONRPC: "2.0", ID: msg.ID, Error: &Error{Code: MethodNotFound, Message: "method not found"}})
	default:
		c.logger.Warn("dropping unclassifiable agent frame")
	}
}

func (c *Client) handleResponse(resp *Response) {
	c.pendingMu.Lock()
	pc, ok := c.pending[resp.ID]
	delete(c.pending, resp.ID)
	c.pendingMu.Unlock()
	if !ok {
		c.logger.Warn("response for unknown request", zap.String("id", resp.ID))
		return
	}
	pc.timer.Stop()
	pc.ch <- resp
}

func (c *Client) removePending(id string) {
	c.pendingMu.Lock()
	pc, ok := c.pending[id]
	delete(c.pending, id)
	c.pendingMu.Unlock()
	if ok {
		pc.timer.Stop()
	}
}

func (c *Client) rejectPending(id string, rpcErr *Error) {
	c.pendingMu.Lock()
	pc, ok := c.pending[id]
	delete(c.pending, id)
	c.pendingMu.Unlock()
	if ok {
		pc.timer.Stop()
		pc.ch <- &Response{ID: id, Error: rpcErr}
	}
}

func (c *Client) rejectAllPending() {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[string]*pendingCall)
	c.pendingMu.Unlock()
	for id, pc := range pending {
		pc.timer.Stop()
		pc.ch <- &Response{ID: id, Error: &Error{Code: InternalError, Message: ErrClientClosed.Error()}}
	}
}
