// Copyright 2026 The Chatwire Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Compile-time interface check.
var _ Channel = (*WebSocketChannel)(nil)

// initialReconnectBackoff is the delay before the first reconnect
// attempt after a connection loss. Subsequent attempts double the
// delay up to maxReconnectBackoff.
const initialReconnectBackoff = 500 * time.Millisecond

// maxReconnectBackoff caps the reconnect delay.
const maxReconnectBackoff = 30 * time.Second

// pingInterval is how often a keepalive ping is written on an
// established connection.
const pingInterval = 30 * time.Second

// readTimeout is the maximum silence tolerated on an established
// connection before it is considered dead. Must exceed pingInterval
// so a pong always arrives in time.
const readTimeout = 60 * time.Second

// writeTimeout bounds a single frame write.
const writeTimeout = 10 * time.Second

// WebSocketConfig holds configuration for dialing a WebSocketChannel.
type WebSocketConfig struct {
	// URL is the websocket endpoint (e.g., "ws://localhost:8080/ws").
	URL string
	// Dialer is used for all connection attempts. If nil,
	// websocket.DefaultDialer is used.
	Dialer *websocket.Dialer
	// Logger is used for structured logging. If nil, slog.Default()
	// is used.
	Logger *slog.Logger

	// InitialBackoff and MaxBackoff override the reconnect delay
	// bounds. Zero values select the package defaults. Tests use
	// short bounds to keep reconnect scenarios fast.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// WebSocketChannel is a Channel over a single websocket connection.
// Connection loss triggers automatic reconnection with exponential
// backoff; emits issued while disconnected are dropped.
type WebSocketChannel struct {
	url     string
	dialer  *websocket.Dialer
	logger  *slog.Logger
	minWait time.Duration
	maxWait time.Duration

	subscriptions *registry

	// connMu guards conn. A nil conn means disconnected: Emit drops
	// the event. Frame writes hold connMu for the duration of the
	// write, which also serializes writers as gorilla requires.
	connMu sync.Mutex
	conn   *websocket.Conn

	closed    chan struct{}
	closeOnce sync.Once
	done      chan struct{} // closed when the run loop exits
}

// DialWebSocket connects to the configured endpoint and starts the
// receive loop. The initial connection attempt is synchronous so that
// unreachable endpoints and bad URLs surface immediately; only later
// connection losses enter the silent reconnect cycle.
func DialWebSocket(ctx context.Context, config WebSocketConfig) (*WebSocketChannel, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("transport: URL is required")
	}

	dialer := config.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	minWait := config.InitialBackoff
	if minWait <= 0 {
		minWait = initialReconnectBackoff
	}
	maxWait := config.MaxBackoff
	if maxWait <= 0 {
		maxWait = maxReconnectBackoff
	}

	conn, _, err := dialer.DialContext(ctx, config.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", config.URL, err)
	}

	channel := &WebSocketChannel{
		url:           config.URL,
		dialer:        dialer,
		logger:        logger,
		minWait:       minWait,
		maxWait:       maxWait,
		subscriptions: newRegistry(),
		conn:          conn,
		closed:        make(chan struct{}),
		done:          make(chan struct{}),
	}

	go channel.run()
	return channel, nil
}

// Emit publishes a named event. Dropped silently when disconnected.
func (c *WebSocketChannel) Emit(name string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("transport: marshal %s payload: %w", name, err)
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		c.logger.Debug("emit dropped while disconnected", "event", name)
		return nil
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteJSON(Event{Name: name, Payload: raw}); err != nil {
		// The read loop observes the same failure and reconnects;
		// from the emitter's perspective the event is simply lost.
		c.logger.Debug("emit failed", "event", name, "error", err)
	}
	return nil
}

// Subscribe registers a handler for inbound events with the given
// name.
func (c *WebSocketChannel) Subscribe(name string, handler Handler) func() {
	return c.subscriptions.subscribe(name, handler)
}

// Close shuts the channel down and stops the reconnect cycle.
func (c *WebSocketChannel) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()
	<-c.done
	return nil
}

// run owns the connection lifecycle: it reads events from the current
// connection until it fails, then reconnects with backoff, delivering
// EventReconnected after each successful reconnect. All subscriber
// dispatch happens on this goroutine.
func (c *WebSocketChannel) run() {
	defer close(c.done)

	for {
		c.readLoop()

		select {
		case <-c.closed:
			return
		default:
		}

		if !c.reconnect() {
			return
		}
		c.subscriptions.dispatch(Event{Name: EventReconnected})
	}
}

// readLoop reads and dispatches events until the connection fails or
// the channel is closed.
func (c *WebSocketChannel) readLoop() {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return
	}

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	stopPing := make(chan struct{})
	defer close(stopPing)
	go c.pingLoop(conn, stopPing)

	for {
		var event Event
		if err := conn.ReadJSON(&event); err != nil {
			select {
			case <-c.closed:
			default:
				c.logger.Info("connection lost", "url", c.url, "error", err)
			}
			c.connMu.Lock()
			if c.conn == conn {
				c.conn.Close()
				c.conn = nil
			}
			c.connMu.Unlock()
			return
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		if event.Name == "" {
			c.logger.Debug("discarding event without a name")
			continue
		}
		c.subscriptions.dispatch(event)
	}
}

// pingLoop writes keepalive pings until the connection's read loop
// exits. WriteControl is safe to call concurrently with WriteJSON.
func (c *WebSocketChannel) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			deadline := time.Now().Add(writeTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

// reconnect dials until a connection is established or the channel is
// closed. Returns false when closed.
func (c *WebSocketChannel) reconnect() bool {
	wait := c.minWait
	for {
		select {
		case <-c.closed:
			return false
		case <-time.After(wait):
		}

		conn, _, err := c.dialer.Dial(c.url, nil)
		if err != nil {
			c.logger.Debug("reconnect attempt failed", "url", c.url, "backoff", wait, "error", err)
			wait *= 2
			if wait > c.maxWait {
				wait = c.maxWait
			}
			continue
		}

		c.connMu.Lock()
		c.conn = conn
		c.connMu.Unlock()
		c.logger.Info("reconnected", "url", c.url)
		return true
	}
}
