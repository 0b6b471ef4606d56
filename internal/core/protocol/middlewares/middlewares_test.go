package middlewares

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/scenesync/internal/core/observability/log"
	"github.com/zeusync/scenesync/internal/core/observability/metrics"
	"github.com/zeusync/scenesync/internal/core/protocol"
)

var ctx = context.Background()

func client(id string) protocol.ConnectionInfo {
	return protocol.ConnectionInfo{ID: protocol.ClientID(id), ConnectedAt: time.Now()}
}

func TestChainOrder(t *testing.T) {
	chain := NewChain(
		NewRateLimit(10, time.Second, log.Nop()),
		nil,
		NewLogging(log.Nop()),
		NewMetrics(metrics.New()),
		NewAuth(nil, log.Nop()),
	)
	assert.Equal(t, []string{"metrics", "logging", "auth", "rate_limit"}, chain.Names())
}

func TestAuth(t *testing.T) {
	auth := NewAuth([]string{"secret", ""}, log.Nop())
	cmd := protocol.Message{Type: protocol.MessageCommand, AssetID: "a", Command: "addNode"}

	t.Run("wrong token refused on connect", func(t *testing.T) {
		c := client("c1")
		c.Token = "nope"
		assert.ErrorIs(t, auth.OnConnect(ctx, c), protocol.ErrAuthenticationFailed)
	})

	t.Run("token on connect", func(t *testing.T) {
		c := client("c2")
		c.Token = "secret"
		require.NoError(t, auth.OnConnect(ctx, c))
		assert.NoError(t, auth.BeforeHandle(ctx, c, cmd))
	})

	t.Run("token in first envelope", func(t *testing.T) {
		c := client("c3")
		require.NoError(t, auth.OnConnect(ctx, c))
		assert.NoError(t, auth.BeforeHandle(ctx, c, protocol.Message{Type: protocol.MessagePing}))
		assert.ErrorIs(t, auth.BeforeHandle(ctx, c, cmd), protocol.ErrAuthenticationFailed)

		hello := protocol.Message{Type: protocol.MessageSubscribe, AssetID: "a", Token: "secret"}
		require.NoError(t, auth.BeforeHandle(ctx, c, hello))
		assert.NoError(t, auth.BeforeHandle(ctx, c, cmd))

		auth.OnDisconnect(ctx, c, "bye")
		assert.Error(t, auth.BeforeHandle(ctx, c, cmd))
	})

	t.Run("open server", func(t *testing.T) {
		open := NewAuth(nil, log.Nop())
		c := client("c4")
		c.Token = "whatever"
		require.NoError(t, open.OnConnect(ctx, c))
		assert.NoError(t, open.BeforeHandle(ctx, c, cmd))
	})
}

func TestRateLimit(t *testing.T) {
	rl := NewRateLimit(2, time.Second, log.Nop())
	now := time.Unix(1000, 0)
	rl.now = func() time.Time { return now }

	c := client("c1")
	require.NoError(t, rl.OnConnect(ctx, c))
	cmd := protocol.Message{Type: protocol.MessageCommand}

	assert.NoError(t, rl.BeforeHandle(ctx, c, cmd))
	assert.NoError(t, rl.BeforeHandle(ctx, c, cmd))
	assert.ErrorIs(t, rl.BeforeHandle(ctx, c, cmd), protocol.ErrRateLimited)
	assert.NoError(t, rl.BeforeHandle(ctx, c, protocol.Message{Type: protocol.MessagePing}), "pings are never limited")

	other := client("c2")
	assert.NoError(t, rl.BeforeHandle(ctx, other, cmd), "limits are per client")

	now = now.Add(time.Second)
	assert.NoError(t, rl.BeforeHandle(ctx, c, cmd))
}

func TestMetrics(t *testing.T) {
	m := metrics.New()
	chain := NewChain(NewMetrics(m))
	c := client("c1")

	require.NoError(t, chain.OnConnect(ctx, c))
	require.NoError(t, chain.BeforeHandle(ctx, c, protocol.Message{Type: protocol.MessagePing}))
	require.NoError(t, chain.BeforeHandle(ctx, c, protocol.Message{Type: protocol.MessagePing}))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ClientsConnected))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.MessagesReceived.WithLabelValues("ping")))

	chain.OnDisconnect(ctx, c, "bye")
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ClientsConnected))
}
