// Package client is the Go SDK for scenesync servers. A Client subscribes to
// scene assets and keeps a local replica of each, updated in revision order
// from the server's edit broadcasts.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeusync/scenesync/internal/core/component"
	"github.com/zeusync/scenesync/internal/core/observability/log"
	"github.com/zeusync/scenesync/internal/core/protocol"
	"github.com/zeusync/scenesync/internal/core/protocol/quic"
	"github.com/zeusync/scenesync/internal/core/protocol/websocket"
)

// Client represents a scenesync client connection
type Client struct {
	config   Config
	registry *component.Registry
	logger   log.Log

	connMu sync.RWMutex
	conn   protocol.Connection

	// Requests waiting for their reply, keyed by request id.
	pendingMu sync.Mutex
	pending   map[string]chan protocol.Message

	assetsMu sync.RWMutex
	assets   map[string]*assetState

	eventHandlers map[EventType][]EventHandler
	handlerMutex  sync.RWMutex

	// Lifecycle
	connected atomic.Bool
	closed    atomic.Bool
	done      chan struct{}

	workerGroup sync.WaitGroup
}

// Config holds configuration for the client
type Config struct {
	// ServerAddr is a websocket URL (ws://host:port/ws) or, for QUIC, a
	// host:port.
	ServerAddr string
	Transport  protocol.TransportType
	Token      string
	// TLS is used by the QUIC transport.
	TLS *tls.Config

	ConnectTimeout       time.Duration
	RequestTimeout       time.Duration
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int

	HeartbeatInterval time.Duration
	// MaxPending bounds the out-of-order edits buffered per asset.
	MaxPending int
	Protocol   protocol.Config
}

// DefaultClientConfig returns default client configuration
func DefaultClientConfig() Config {
	return Config{
		ServerAddr:           "ws://localhost:8080/ws",
		Transport:            protocol.TransportWS,
		ConnectTimeout:       30 * time.Second,
		RequestTimeout:       10 * time.Second,
		ReconnectInterval:    time.Second,
		MaxReconnectAttempts: 10,
		HeartbeatInterval:    30 * time.Second,
		Protocol:             protocol.DefaultConfig(),
	}
}

func (c Config) validate() error {
	switch {
	case c.ServerAddr == "":
		return fmt.Errorf("%w: empty server address", ErrInvalidConfig)
	case c.Transport != protocol.TransportWS && c.Transport != protocol.TransportQUIC:
		return fmt.Errorf("%w: unknown transport %q", ErrInvalidConfig, c.Transport)
	case c.Transport == protocol.TransportWS && !strings.HasPrefix(c.ServerAddr, "ws://") && !strings.HasPrefix(c.ServerAddr, "wss://"):
		return fmt.Errorf("%w: websocket address %q needs a ws:// or wss:// scheme", ErrInvalidConfig, c.ServerAddr)
	case c.RequestTimeout <= 0 || c.ConnectTimeout <= 0:
		return fmt.Errorf("%w: timeouts must be positive", ErrInvalidConfig)
	}
	return nil
}

type Option func(*Client)

func WithLogger(l log.Log) Option {
	return func(c *Client) { c.logger = l }
}

// WithRegistry sets the component types replicas understand. It must match
// the server's.
func WithRegistry(r *component.Registry) Option {
	return func(c *Client) { c.registry = r }
}

// NewClient creates a new scenesync client
func NewClient(config Config, opts ...Option) (*Client, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	c := &Client{
		config:        config,
		registry:      component.NewDefaultRegistry(),
		logger:        log.Provide(),
		pending:       make(map[string]chan protocol.Message),
		assets:        make(map[string]*assetState),
		eventHandlers: make(map[EventType][]EventHandler),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(log.String("component", "client"))
	return c, nil
}

// Connect establishes connection to the scenesync server
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	if c.connected.Load() {
		return ErrAlreadyConnected
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.attach(conn)

	c.workerGroup.Add(1)
	go func() {
		defer c.workerGroup.Done()
		c.heartbeat()
	}()
	return nil
}

func (c *Client) dial(ctx context.Context) (protocol.Connection, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.ConnectTimeout)
	defer cancel()

	c.logger.Info("Connecting to server",
		log.String("addr", c.config.ServerAddr),
		log.String("transport", string(c.config.Transport)))

	var (
		conn protocol.Connection
		err  error
	)
	if c.config.Transport == protocol.TransportQUIC {
		conn, err = quic.Dial(ctx, c.config.ServerAddr, c.config.TLS, c.config.Protocol)
	} else {
		conn, err = websocket.Dial(ctx, c.config.ServerAddr, c.config.Token, c.config.Protocol)
	}
	if err != nil {
		c.logger.Error("Failed to connect to server", log.String("addr", c.config.ServerAddr), log.Error(err))
		return nil, err
	}
	return conn, nil
}

// attach makes conn the current connection and starts reading from it.
func (c *Client) attach(conn protocol.Connection) {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	c.connected.Store(true)

	c.workerGroup.Add(1)
	go func() {
		defer c.workerGroup.Done()
		c.messageReceiver(conn)
	}()

	c.logger.Info("Connected to server", log.String("addr", c.config.ServerAddr))
	c.emitEvent(Event{Type: EventTypeConnected, Timestamp: time.Now()})
}

// Close closes the client and releases all resources
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.logger.Info("Closing client")
	close(c.done)

	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn != nil {
		_ = conn.Close("client closed")
	}
	c.workerGroup.Wait()
	c.failPending(ErrClientClosed)
	return nil
}

func (c *Client) IsConnected() bool { return c.connected.Load() }

func (c *Client) IsClosed() bool { return c.closed.Load() }

func (c *Client) send(ctx context.Context, msg protocol.Message) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil || !c.connected.Load() {
		return ErrNotConnected
	}
	if c.config.Transport == protocol.TransportQUIC {
		msg.Token = c.config.Token
	}
	return conn.Send(ctx, msg)
}

// request sends msg and waits for the reply carrying its id. Error replies
// come back as errors matching the server's sentinel.
func (c *Client) request(ctx context.Context, msg protocol.Message) (protocol.Message, error) {
	if msg.ID == "" {
		msg.ID = protocol.GenerateRequestID()
	}
	reply := make(chan protocol.Message, 1)
	c.pendingMu.Lock()
	c.pending[msg.ID] = reply
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, msg.ID)
		c.pendingMu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()
	if err := c.send(ctx, msg); err != nil {
		return protocol.Message{}, err
	}

	select {
	case r := <-reply:
		if r.Type == protocol.MessageError {
			if r.Error == nil {
				return r, fmt.Errorf("%w: error reply without body", ErrUnexpectedReply)
			}
			return r, r.Error.Err()
		}
		return r, nil
	case <-ctx.Done():
		return protocol.Message{}, ctx.Err()
	case <-c.done:
		return protocol.Message{}, ErrClientClosed
	}
}

// resolve hands msg to the request waiting for it.
func (c *Client) resolve(msg protocol.Message) bool {
	if msg.ID == "" {
		return false
	}
	c.pendingMu.Lock()
	reply, ok := c.pending[msg.ID]
	c.pendingMu.Unlock()
	if !ok {
		return false
	}
	select {
	case reply <- msg:
	default:
	}
	return true
}

func (c *Client) failPending(err error) {
	body := protocol.NewErrorBody(err)
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, reply := range c.pending {
		select {
		case reply <- protocol.Message{Type: protocol.MessageError, ID: id, Error: body}:
		default:
		}
	}
}

// Ping measures the round trip to the server.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	reply, err := c.request(ctx, protocol.Message{Type: protocol.MessagePing})
	if err != nil {
		return 0, err
	}
	if reply.Type != protocol.MessagePong {
		return 0, fmt.Errorf("%w: %s to ping", ErrUnexpectedReply, reply.Type)
	}
	return time.Since(start), nil
}

// messageReceiver handles incoming messages of conn until it fails.
func (c *Client) messageReceiver(conn protocol.Connection) {
	c.logger.Debug("Message receiver started")
	defer c.logger.Debug("Message receiver stopped")

	for {
		msg, err := conn.Receive(context.Background())
		if err != nil {
			if errors.Is(err, protocol.ErrInvalidMessage) || errors.Is(err, protocol.ErrUnknownMessageType) {
				c.logger.Warn("Dropping invalid message", log.Error(err))
				continue
			}
			c.connectionLost(conn, err)
			return
		}
		c.handleMessage(msg)
	}
}

// handleMessage processes an incoming message
func (c *Client) handleMessage(msg protocol.Message) {
	switch msg.Type {
	case protocol.MessageSnapshot:
		c.applySnapshot(msg)
		c.resolve(msg)
	case protocol.MessageEdit:
		c.applyEdit(msg)
	case protocol.MessageDependencies:
		c.applyDependencies(msg)
	case protocol.MessageAck, protocol.MessagePong:
		c.resolve(msg)
	case protocol.MessageError:
		if !c.resolve(msg) {
			err := msg.Error.Err()
			c.logger.Warn("Server error", log.String("asset_id", msg.AssetID), log.Error(err))
			c.emitEvent(Event{Type: EventTypeError, AssetID: msg.AssetID, Timestamp: time.Now(), Error: err})
		}
	default:
		c.logger.Debug("Ignoring message", log.String("type", msg.Type.String()))
	}
}

func (c *Client) connectionLost(conn protocol.Connection, err error) {
	_ = conn.Close("receive failed")
	c.connMu.Lock()
	current := c.conn == conn
	c.connMu.Unlock()
	if !current {
		return
	}
	c.connected.Store(false)
	c.failPending(ErrNotConnected)
	if c.closed.Load() {
		return
	}

	c.logger.Warn("Connection lost", log.Error(err))
	c.emitEvent(Event{Type: EventTypeDisconnected, Timestamp: time.Now(), Error: err})

	if c.config.MaxReconnectAttempts > 0 {
		c.workerGroup.Add(1)
		go func() {
			defer c.workerGroup.Done()
			c.reconnect()
		}()
	}
}

// reconnect redials and subscribes again to every asset the client held.
func (c *Client) reconnect() {
	c.emitEvent(Event{Type: EventTypeReconnecting, Timestamp: time.Now()})

	for attempt := 1; attempt <= c.config.MaxReconnectAttempts; attempt++ {
		select {
		case <-c.done:
			return
		case <-time.After(c.config.ReconnectInterval):
		}

		c.logger.Info("Reconnection attempt", log.Int("attempt", attempt))
		conn, err := c.dial(context.Background())
		if err != nil {
			continue
		}
		if c.closed.Load() {
			_ = conn.Close("client closed")
			return
		}
		c.attach(conn)

		for _, assetID := range c.Subscriptions() {
			if _, err := c.request(context.Background(), protocol.Message{Type: protocol.MessageSubscribe, AssetID: assetID}); err != nil {
				c.logger.Error("Failed to resubscribe", log.String("asset_id", assetID), log.Error(err))
			}
		}
		c.logger.Info("Reconnected successfully", log.Int("attempt", attempt))
		return
	}

	c.logger.Error("Giving up reconnecting", log.Int("attempts", c.config.MaxReconnectAttempts))
	c.emitEvent(Event{Type: EventTypeError, Timestamp: time.Now(), Error: ErrReconnectFailed})
}

// heartbeat pings the server so it does not drop the client as idle.
func (c *Client) heartbeat() {
	if c.config.HeartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !c.connected.Load() {
				continue
			}
			if _, err := c.Ping(context.Background()); err != nil {
				c.logger.Warn("Heartbeat failed", log.Error(err))
			}
		case <-c.done:
			return
		}
	}
}
