// Package relay provides the bridge's client side of the relay protocol:
// a WebSocket link with hello handshake, heartbeat, and inbound
// demultiplexing, plus a small HTTP API client.
package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/durango-dev/durango/internal/common/logger"
	"github.com/durango-dev/durango/pkg/relay"
)

// Handlers receives demultiplexed server messages. Callbacks run on the read
// loop goroutine; heavy work should be handed off by the callee.
type Handlers struct {
	OnSessionReady func(machineID, userID string, heartbeatInterval time.Duration)
	OnDispatch     func(action *relay.DispatchAction)
	OnSessionError func(errEnv *relay.ErrorEnvelope, recoverable bool)
	OnDisconnect   func(err error)
}

// Client is the WebSocket link to the relay. The session is single-shot for
// the process lifetime: on disconnect it is not resumed.
type Client struct {
	url      string
	token    string
	machine  relay.MachineDescriptor
	handlers Handlers
	logger   *logger.Logger

	conn    *websocket.Conn
	connMu  sync.RWMutex
	writeMu sync.Mutex

	heartbeatStop chan struct{}
	heartbeatMu   sync.Mutex

	closed   bool
	closedMu sync.Mutex
}

// NewClient creates a relay link. Connect must be called before use.
func NewClient(url, token string, machine relay.MachineDescriptor, handlers Handlers, log *logger.Logger) *Client {
	return &Client{
		url:      url,
		token:    token,
		machine:  machine,
		handlers: handlers,
		logger:   log.WithFields(zap.String("component", "relay-link")),
	}
}

// Connect dials the relay and performs the hello handshake. machine.hello is
// the first client frame after socket open.
func (c *Client) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("connect to relay at %s: %w", c.url, err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	hello := &relay.MachineHello{
		Type:    relay.TypeMachineHello,
		Token:   c.token,
		Machine: c.machine,
	}
	if err := c.Send(hello); err != nil {
		_ = conn.Close()
		return fmt.Errorf("send machine.hello: %w", err)
	}

	c.logger.Info("connected to relay", zap.String("url", c.url))
	go c.readLoop(conn)
	return nil
}

// Send writes one client message as a JSON text frame.
func (c *Client) Send(msg any) error {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return fmt.Errorf("relay link is not connected")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("write to relay: %w", err)
	}
	return nil
}

// Close tears down the link: the heartbeat timer is always cleared before
// the socket is closed.
func (c *Client) Close() error {
	c.closedMu.Lock()
	if c.closed {
		c.closedMu.Unlock()
		return nil
	}
	c.closed = true
	c.closedMu.Unlock()

	c.stopHeartbeat()

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

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.stopHeartbeat()
			if c.handlers.OnDisconnect != nil && !c.isClosed() {
				c.handlers.OnDisconnect(err)
			}
			return
		}
		c.handleFrame(data)
	}
}

// handleFrame parses one inbound frame into a tagged server message and
// dispatches it. Invalid frames are logged and dropped.
func (c *Client) handleFrame(data []byte) {
	msg, err := relay.ParseServerMessage(data)
	if err != nil {
		c.logger.Warn("dropping malformed relay frame", zap.Error(err))
		return
	}

	switch msg.Type {
	case relay.TypeSessionReady:
		interval := time.Duration(msg.HeartbeatIntervalMs) * time.Millisecond
		c.logger.Info("relay session ready",
			zap.String("machine_id", msg.MachineID),
			zap.Duration("heartbeat_interval", interval))
		c.startHeartbeat(msg.MachineID, interval)
		if c.handlers.OnSessionReady != nil {
			c.handlers.OnSessionReady(msg.MachineID, msg.UserID, interval)
		}
	case relay.TypeDispatchRequest:
		if msg.Action == nil {
			c.logger.Warn("dispatch.request without action, dropping")
			return
		}
		if c.handlers.OnDispatch != nil {
			c.handlers.OnDispatch(msg.Action)
		}
	case relay.TypeSessionError:
		if msg.Error != nil {
			c.logger.Error("relay session error",
				zap.String("code", msg.Error.Code),
				zap.String("message", msg.Error.Message),
				zap.Bool("recoverable", msg.Recoverable))
		}
		if c.handlers.OnSessionError != nil {
			c.handlers.OnSessionError(msg.Error, msg.Recoverable)
		}
	default:
		c.logger.Debug("ignoring relay message", zap.String("type", msg.Type))
	}
}

// startHeartbeat begins periodic machine.heartbeat frames at the
// relay-specified interval. Heartbeats begin only after session.ready.
func (c *Client) startHeartbeat(machineID string, interval time.Duration) {
	if interval <= 0 {
		return
	}

	c.heartbeatMu.Lock()
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
	}
	stop := make(chan struct{})
	c.heartbeatStop = stop
	c.heartbeatMu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				hb := &relay.MachineHeartbeat{
					Type:      relay.TypeMachineHeartbeat,
					MachineID: machineID,
					Timestamp: time.Now().UnixMilli(),
				}
				if err := c.Send(hb); err != nil {
					c.logger.Warn("heartbeat send failed", zap.Error(err))
					return
				}
			}
		}
	}()
}

func (c *Client) stopHeartbeat() {
	c.heartbeatMu.Lock()
	defer c.heartbeatMu.Unlock()
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
}
