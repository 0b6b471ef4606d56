package quic

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/scenesync/internal/core/observability/log"
	"github.com/zeusync/scenesync/internal/core/protocol"
)

func newTestListener(t *testing.T, config protocol.Config) *Listener {
	t.Helper()
	tlsConfig, err := GenerateSelfSignedTLS()
	require.NoError(t, err)
	l, err := Listen("127.0.0.1:0", tlsConfig, config, log.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func dial(t *testing.T, ctx context.Context, l *Listener, config protocol.Config) *Connection {
	t.Helper()
	c, err := Dial(ctx, l.Addr().String(), &tls.Config{InsecureSkipVerify: true}, config)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close("done") })
	return c
}

func TestRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	l := newTestListener(t, protocol.DefaultConfig())
	client := dial(t, ctx, l, protocol.DefaultConfig())

	// The stream becomes visible to the server with the first bytes.
	require.NoError(t, client.Send(ctx, protocol.Message{Type: protocol.MessageSubscribe, AssetID: "scene"}))

	server, err := l.Accept(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.TransportQUIC, server.Info().Transport)

	got, err := server.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.MessageSubscribe, got.Type)
	assert.Equal(t, "scene", got.AssetID)

	for i := 0; i < 3; i++ {
		cmd := protocol.NewCommand("scene", "addNode", json.RawMessage(`{"name":"n"}`))
		require.NoError(t, client.Send(ctx, cmd))
		got, err = server.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, cmd.ID, got.ID)
	}

	require.NoError(t, server.Send(ctx, protocol.Message{Type: protocol.MessagePong}))
	pong, err := client.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.MessagePong, pong.Type)
}

func TestSizeLimit(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	l := newTestListener(t, protocol.Config{MaxMessageSize: 128})
	client := dial(t, ctx, l, protocol.DefaultConfig())

	big := protocol.NewCommand("scene", "addNode", json.RawMessage(`{"name":"`+strings.Repeat("x", 512)+`"}`))
	require.NoError(t, client.Send(ctx, big))

	server, err := l.Accept(ctx)
	require.NoError(t, err)
	_, err = server.Receive(ctx)
	assert.ErrorIs(t, err, protocol.ErrMessageTooLarge)
}

func TestPeerClose(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	l := newTestListener(t, protocol.DefaultConfig())
	client := dial(t, ctx, l, protocol.DefaultConfig())
	require.NoError(t, client.Send(ctx, protocol.Message{Type: protocol.MessagePing}))

	server, err := l.Accept(ctx)
	require.NoError(t, err)
	_, err = server.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, client.Close("bye"))
	assert.ErrorIs(t, client.Send(ctx, protocol.Message{Type: protocol.MessagePing}), protocol.ErrConnectionClosed)

	_, err = server.Receive(ctx)
	assert.ErrorIs(t, err, protocol.ErrConnectionClosed)
}

func TestListenerClose(t *testing.T) {
	l := newTestListener(t, protocol.DefaultConfig())
	require.NoError(t, l.Close())
	_, err := l.Accept(context.Background())
	assert.ErrorIs(t, err, protocol.ErrListenerClosed)
}
