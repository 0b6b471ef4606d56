package quic

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/zeusync/scenesync/internal/core/protocol"
)

var _ protocol.Connection = (*Connection)(nil)

// Connection carries newline-delimited JSON envelopes over the first
// bidirectional stream of a QUIC connection. The dialing side opens the
// stream; the accepting side picks it up on the first Receive.
type Connection struct {
	info   protocol.ConnectionInfo
	conn   quic.Connection
	config protocol.Config
	closed atomic.Bool

	streamOnce sync.Once
	ready      chan struct{}
	stream     quic.Stream
	streamErr  error
	scanner    *bufio.Scanner

	// Write mutex to ensure thread-safe writes
	writeMu sync.Mutex
}

func newConnection(conn quic.Connection, info protocol.ConnectionInfo, config protocol.Config) *Connection {
	if info.ID == "" {
		info.ID = protocol.GenerateClientID()
	}
	if info.ConnectedAt.IsZero() {
		info.ConnectedAt = time.Now()
	}
	info.RemoteAddr = conn.RemoteAddr().String()
	info.Transport = protocol.TransportQUIC
	return &Connection{
		info:   info,
		conn:   conn,
		config: config,
		ready:  make(chan struct{}),
	}
}

func (c *Connection) setStream(stream quic.Stream, err error) {
	c.streamOnce.Do(func() {
		c.stream, c.streamErr = stream, err
		if stream != nil {
			c.scanner = bufio.NewScanner(stream)
			maxSize := c.config.MaxMessageSize
			if maxSize <= 0 {
				maxSize = bufio.MaxScanTokenSize
			}
			c.scanner.Buffer(make([]byte, 0, min(maxSize, 64*1024)), maxSize+1)
		}
		close(c.ready)
	})
}

// waitStream blocks until the stream exists.
func (c *Connection) waitStream(ctx context.Context) (quic.Stream, error) {
	select {
	case <-c.ready:
		if c.streamErr != nil {
			return nil, c.streamErr
		}
		return c.stream, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.conn.Context().Done():
		return nil, protocol.WrapError(protocol.ErrConnectionClosed, "connection lost before stream was opened")
	}
}

func (c *Connection) Info() protocol.ConnectionInfo { return c.info }

func (c *Connection) IsClosed() bool { return c.closed.Load() }

// Send writes msg followed by a newline.
func (c *Connection) Send(ctx context.Context, msg protocol.Message) error {
	if c.IsClosed() {
		return protocol.ErrConnectionClosed
	}
	data, err := protocol.Encode(msg, c.config.MaxMessageSize)
	if err != nil {
		return err
	}
	stream, err := c.waitStream(ctx)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = stream.SetWriteDeadline(deadline(ctx, c.config.WriteTimeout))
	if _, err = stream.Write(append(data, '\n')); err != nil {
		return c.wrap(err, "failed to write message")
	}
	return nil
}

// Receive reads the next line. On the accepting side the first call waits for
// the peer's stream.
func (c *Connection) Receive(ctx context.Context) (protocol.Message, error) {
	if c.IsClosed() {
		return protocol.Message{}, protocol.ErrConnectionClosed
	}
	select {
	case <-c.ready:
	default:
		stream, err := c.conn.AcceptStream(ctx)
		if err != nil && ctx.Err() != nil {
			return protocol.Message{}, ctx.Err()
		}
		if err != nil {
			err = c.wrap(err, "failed to accept stream")
		}
		c.setStream(stream, err)
	}
	stream, err := c.waitStream(ctx)
	if err != nil {
		return protocol.Message{}, err
	}

	_ = stream.SetReadDeadline(deadline(ctx, c.config.ReadTimeout))
	for c.scanner.Scan() {
		line := bytes.TrimSpace(c.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		return protocol.Decode(line, c.config.MaxMessageSize)
	}

	err = c.scanner.Err()
	switch {
	case errors.Is(err, bufio.ErrTooLong):
		return protocol.Message{}, protocol.WrapError(protocol.ErrMessageTooLarge, "failed to read message")
	case err == nil:
		err = io.EOF
	}
	return protocol.Message{}, c.wrap(err, "failed to read message")
}

// Close closes the stream and the QUIC connection with reason.
func (c *Connection) Close(reason string) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.setStream(nil, protocol.ErrConnectionClosed)
	if c.stream != nil {
		_ = c.stream.Close()
	}
	return c.conn.CloseWithError(0, reason)
}

func (c *Connection) wrap(err error, message string) error {
	var (
		appErr *quic.ApplicationError
		idle   *quic.IdleTimeoutError
		netErr net.Error
	)
	switch {
	case c.IsClosed(),
		errors.Is(err, io.EOF),
		errors.As(err, &appErr),
		errors.Is(err, net.ErrClosed):
		return protocol.WrapError(protocol.ErrConnectionClosed, message)
	case errors.As(err, &idle):
		return protocol.NewProtocolError(protocol.ErrorCodeConnectionClosed, message, err)
	case errors.As(err, &netErr) && netErr.Timeout():
		return protocol.NewProtocolError(protocol.ErrorCodeConnectionTimeout, message, err)
	}
	return fmt.Errorf("%s: %w", message, err)
}

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
