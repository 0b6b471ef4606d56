package protocol

import (
	"context"
	"net"
)

// Connection is one client link carrying envelopes. Send may be called from
// several goroutines; Receive from one at a time.
type Connection interface {
	Info() ConnectionInfo

	Send(ctx context.Context, msg Message) error
	Receive(ctx context.Context) (Message, error)

	Close(reason string) error
	IsClosed() bool
}

// Listener hands out accepted connections of one transport.
type Listener interface {
	Accept(ctx context.Context) (Connection, error)
	Addr() net.Addr
	Close() error
}

// Middleware observes and filters client traffic. BeforeHandle may reject a
// message by returning an error; the error is sent back to the client.
type Middleware interface {
	Name() string
	Priority() uint16

	OnConnect(ctx context.Context, info ConnectionInfo) error
	BeforeHandle(ctx context.Context, info ConnectionInfo, msg Message) error
	AfterHandle(ctx context.Context, info ConnectionInfo, msg Message, err error)
	OnDisconnect(ctx context.Context, info ConnectionInfo, reason string)
}
