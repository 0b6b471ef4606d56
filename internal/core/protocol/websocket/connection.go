package websocket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zeusync/scenesync/internal/core/protocol"
)

var _ protocol.Connection = (*Connection)(nil)

// Connection carries JSON envelopes as websocket text frames.
type Connection struct {
	info   protocol.ConnectionInfo
	conn   *websocket.Conn
	config protocol.Config
	closed atomic.Bool

	// Write mutex to ensure thread-safe writes
	writeMu sync.Mutex

	messagesSent     atomic.Uint64
	messagesReceived atomic.Uint64
}

// NewConnection wraps an established websocket.
func NewConnection(conn *websocket.Conn, info protocol.ConnectionInfo, config protocol.Config) *Connection {
	if info.ID == "" {
		info.ID = protocol.GenerateClientID()
	}
	if info.ConnectedAt.IsZero() {
		info.ConnectedAt = time.Now()
	}
	if info.RemoteAddr == "" {
		info.RemoteAddr = conn.RemoteAddr().String()
	}
	info.Transport = protocol.TransportWS
	if config.MaxMessageSize > 0 {
		conn.SetReadLimit(int64(config.MaxMessageSize))
	}
	return &Connection{info: info, conn: conn, config: config}
}

func (c *Connection) Info() protocol.ConnectionInfo { return c.info }

func (c *Connection) IsClosed() bool { return c.closed.Load() }

// Send writes msg as one text frame.
func (c *Connection) Send(ctx context.Context, msg protocol.Message) error {
	if c.IsClosed() {
		return protocol.ErrConnectionClosed
	}
	data, err := protocol.Encode(msg, c.config.MaxMessageSize)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(deadline(ctx, c.config.WriteTimeout))
	if err = c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return c.wrap(err, "failed to write message")
	}
	c.messagesSent.Add(1)
	return nil
}

// Receive reads the next envelope. Binary and control frames are not
// envelopes and are rejected.
func (c *Connection) Receive(ctx context.Context) (protocol.Message, error) {
	if c.IsClosed() {
		return protocol.Message{}, protocol.ErrConnectionClosed
	}

	_ = c.conn.SetReadDeadline(deadline(ctx, c.config.ReadTimeout))
	messageType, data, err := c.conn.ReadMessage()
	if err != nil {
		if errors.Is(err, websocket.ErrReadLimit) {
			return protocol.Message{}, protocol.WrapError(protocol.ErrMessageTooLarge, "failed to read message")
		}
		return protocol.Message{}, c.wrap(err, "failed to read message")
	}
	if messageType != websocket.TextMessage {
		return protocol.Message{}, fmt.Errorf("%w: expected text frame", protocol.ErrInvalidMessage)
	}
	c.messagesReceived.Add(1)
	return protocol.Decode(data, c.config.MaxMessageSize)
}

// Close sends a close frame with reason and closes the socket.
func (c *Connection) Close(reason string) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.writeMu.Lock()
	closeMessage := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, closeMessage, time.Now().Add(time.Second))
	c.writeMu.Unlock()

	return c.conn.Close()
}

// Stats returns how many envelopes went each way.
func (c *Connection) Stats() (sent, received uint64) {
	return c.messagesSent.Load(), c.messagesReceived.Load()
}

func (c *Connection) wrap(err error, message string) error {
	var netErr net.Error
	switch {
	case c.IsClosed(),
		websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived),
		errors.Is(err, net.ErrClosed):
		return protocol.WrapError(protocol.ErrConnectionClosed, message)
	case errors.As(err, &netErr) && netErr.Timeout():
		return protocol.NewProtocolError(protocol.ErrorCodeConnectionTimeout, message, err)
	}
	return fmt.Errorf("%s: %w", message, err)
}

// deadline picks the earlier of ctx's deadline and now+timeout. The zero time
// means no deadline.
func deadline(ctx context.Context, timeout time.Duration) time.Time {
	var d time.Time
	if timeout > 0 {
		d = time.Now().Add(timeout)
	}
	if ctxDeadline, ok := ctx.Deadline(); ok && (d.IsZero() || ctxDeadline.Before(d)) {
		d = ctxDeadline
	}
	return d
}
