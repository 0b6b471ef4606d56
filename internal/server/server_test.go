package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/scenesync/internal/core/asset"
	"github.com/zeusync/scenesync/internal/core/component"
	"github.com/zeusync/scenesync/internal/core/events/bus"
	"github.com/zeusync/scenesync/internal/core/observability/log"
	"github.com/zeusync/scenesync/internal/core/observability/metrics"
	"github.com/zeusync/scenesync/internal/core/protocol"
	"github.com/zeusync/scenesync/internal/core/protocol/websocket"
	"github.com/zeusync/scenesync/internal/core/scene"
	"github.com/zeusync/scenesync/internal/core/storage"
)

type testServer struct {
	*Server
	assets *asset.Manager
	url    string
}

func startServer(t *testing.T, configure func(*Config)) *testServer {
	t.Helper()
	config := DefaultServerConfig()
	config.HTTPAddr = "127.0.0.1:0"
	if configure != nil {
		configure(&config)
	}

	events := bus.New()
	m := metrics.New()
	assets := asset.NewManager(asset.Config{Workers: 2, QueueSize: 32}, component.NewDefaultRegistry(),
		storage.NewMemory(), events, asset.WithLogger(log.Nop()), asset.WithMetrics(m))
	srv, err := New(config, assets, events, WithLogger(log.Nop()), WithMetrics(m))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
		_ = assets.Close(context.Background())
	})

	select {
	case <-srv.Ready():
	case err := <-done:
		t.Fatalf("server failed to start: %v", err)
	}
	return &testServer{Server: srv, assets: assets, url: "ws://" + srv.HTTPAddr().String() + config.WebSocketPath}
}

func dial(t *testing.T, ts *testServer, token string) *websocket.Connection {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := websocket.Dial(ctx, ts.url, token, protocol.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close("test done") })
	return conn
}

func send(t *testing.T, conn protocol.Connection, msg protocol.Message) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Send(ctx, msg))
}

func receive(t *testing.T, conn protocol.Connection) protocol.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg, err := conn.Receive(ctx)
	require.NoError(t, err)
	return msg
}

func subscribe(t *testing.T, conn protocol.Connection, assetID string) (protocol.Message, protocol.SnapshotPayload) {
	t.Helper()
	send(t, conn, protocol.Message{Type: protocol.MessageSubscribe, ID: "sub-" + assetID, AssetID: assetID})
	msg := receive(t, conn)
	require.Equal(t, protocol.MessageSnapshot, msg.Type, "got %+v", msg)
	assert.Equal(t, "sub-"+assetID, msg.ID)

	var payload protocol.SnapshotPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	return msg, payload
}

func addNodeCommand(t *testing.T, assetID, name string) protocol.Message {
	t.Helper()
	args, err := json.Marshal(scene.AddNodeArgs{Name: name})
	require.NoError(t, err)
	return protocol.NewCommand(assetID, scene.CommandAddNode, args)
}

func TestCommandsAreBroadcastToSubscribers(t *testing.T) {
	ts := startServer(t, nil)
	alice := dial(t, ts, "")
	bob := dial(t, ts, "")

	snap, payload := subscribe(t, alice, "scene")
	assert.Zero(t, snap.Revision)
	_, _ = subscribe(t, bob, "scene")

	replica := scene.NewReplica("scene", component.NewDefaultRegistry(), 16)
	require.NoError(t, replica.Reset(payload.Data, snap.Revision))

	cmd := addNodeCommand(t, "scene", "root")
	send(t, alice, cmd)

	edit := receive(t, alice)
	require.Equal(t, protocol.MessageEdit, edit.Type)
	assert.Equal(t, uint64(1), edit.Revision)
	assert.Equal(t, scene.CommandAddNode, edit.Command)

	ack := receive(t, alice)
	require.Equal(t, protocol.MessageAck, ack.Type)
	assert.Equal(t, cmd.ID, ack.ID)
	assert.Equal(t, uint64(1), ack.Revision)

	seen := receive(t, bob)
	require.Equal(t, protocol.MessageEdit, seen.Type)
	assert.JSONEq(t, string(edit.Payload), string(seen.Payload))

	applied, err := replica.Apply(seen.Change())
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
	require.Len(t, replica.Asset().Nodes(), 1)
	assert.Equal(t, "root", replica.Asset().Nodes()[0].Name)

	stats := ts.GetStats()
	assert.Equal(t, int64(2), stats.Clients)
	assert.Equal(t, 1, stats.Rooms)
	assert.Equal(t, 1, stats.AssetsLoaded)
}

func TestLateSubscriberGetsCurrentSnapshot(t *testing.T) {
	ts := startServer(t, nil)
	alice := dial(t, ts, "")
	subscribe(t, alice, "scene")

	for _, name := range []string{"a", "b", "c"} {
		send(t, alice, addNodeCommand(t, "scene", name))
		require.Equal(t, protocol.MessageEdit, receive(t, alice).Type)
		require.Equal(t, protocol.MessageAck, receive(t, alice).Type)
	}

	bob := dial(t, ts, "")
	snap, payload := subscribe(t, bob, "scene")
	assert.Equal(t, uint64(3), snap.Revision)

	replica := scene.NewReplica("scene", component.NewDefaultRegistry(), 16)
	require.NoError(t, replica.Reset(payload.Data, snap.Revision))
	assert.Equal(t, 3, replica.Asset().NodeCount())
}

func TestCommandErrors(t *testing.T) {
	ts := startServer(t, nil)
	conn := dial(t, ts, "")

	cmd := addNodeCommand(t, "scene", "root")
	send(t, conn, cmd)
	reply := receive(t, conn)
	require.Equal(t, protocol.MessageError, reply.Type)
	assert.Equal(t, cmd.ID, reply.ID)
	assert.ErrorIs(t, reply.Error.Err(), protocol.ErrNotSubscribed)

	subscribe(t, conn, "scene")
	bad := protocol.NewCommand("scene", scene.CommandRemoveNode, json.RawMessage(`{"id":"missing"}`))
	send(t, conn, bad)
	reply = receive(t, conn)
	require.Equal(t, protocol.MessageError, reply.Type)
	assert.Equal(t, bad.ID, reply.ID)
	assert.ErrorIs(t, reply.Error.Err(), scene.ErrInvalidNodeID)

	unknown := protocol.NewCommand("scene", "explode", json.RawMessage(`{}`))
	send(t, conn, unknown)
	reply = receive(t, conn)
	require.Equal(t, protocol.MessageError, reply.Type)
	assert.ErrorIs(t, reply.Error.Err(), scene.ErrUnknownCommand)

	send(t, conn, protocol.Message{Type: protocol.MessageEdit, AssetID: "scene"})
	reply = receive(t, conn)
	require.Equal(t, protocol.MessageError, reply.Type)
	assert.ErrorIs(t, reply.Error.Err(), protocol.ErrUnknownMessageType)

	send(t, conn, protocol.Message{Type: protocol.MessagePing, ID: "p"})
	pong := receive(t, conn)
	assert.Equal(t, protocol.MessagePong, pong.Type)
	assert.Equal(t, "p", pong.ID)
}

func TestDependencyBroadcast(t *testing.T) {
	ts := startServer(t, nil)
	conn := dial(t, ts, "")
	subscribe(t, conn, "scene")

	send(t, conn, addNodeCommand(t, "scene", "mesh"))
	edit := receive(t, conn)
	require.Equal(t, protocol.MessageEdit, edit.Type)
	require.Equal(t, protocol.MessageAck, receive(t, conn).Type)
	var added scene.AddNodeResult
	require.NoError(t, json.Unmarshal(edit.Payload, &added))

	args, err := json.Marshal(scene.AddComponentArgs{NodeID: added.Node.ID, ComponentType: component.ModelRendererType})
	require.NoError(t, err)
	send(t, conn, protocol.NewCommand("scene", scene.CommandAddComponent, args))
	edit = receive(t, conn)
	require.Equal(t, protocol.MessageEdit, edit.Type)
	require.Equal(t, protocol.MessageAck, receive(t, conn).Type)
	var comp scene.AddComponentResult
	require.NoError(t, json.Unmarshal(edit.Payload, &comp))

	modelArgs, err := json.Marshal(component.SetModelArgs{AssetID: "model-1"})
	require.NoError(t, err)
	args, err = json.Marshal(scene.EditComponentArgs{
		NodeID:      added.Node.ID,
		ComponentID: comp.Component.ID,
		Command:     "setModel",
		Args:        modelArgs,
	})
	require.NoError(t, err)
	send(t, conn, protocol.NewCommand("scene", scene.CommandEditComponent, args))

	deps := receive(t, conn)
	require.Equal(t, protocol.MessageDependencies, deps.Type)
	var delta protocol.DependencyPayload
	require.NoError(t, json.Unmarshal(deps.Payload, &delta))
	assert.Equal(t, []string{"model-1"}, delta.Added)

	assert.Equal(t, protocol.MessageEdit, receive(t, conn).Type)
	assert.Equal(t, protocol.MessageAck, receive(t, conn).Type)

	send(t, conn, protocol.Message{Type: protocol.MessageResync, ID: "r", AssetID: "scene"})
	snap := receive(t, conn)
	require.Equal(t, protocol.MessageSnapshot, snap.Type)
	assert.Equal(t, "r", snap.ID)
	assert.Equal(t, uint64(3), snap.Revision)
	var payload protocol.SnapshotPayload
	require.NoError(t, json.Unmarshal(snap.Payload, &payload))
	assert.Equal(t, []string{"model-1"}, payload.Dependencies)
}

func TestUnsubscribeUnloadsIdleAssets(t *testing.T) {
	ts := startServer(t, nil)
	conn := dial(t, ts, "")
	subscribe(t, conn, "scene")
	require.Equal(t, 1, ts.assets.Loaded())

	send(t, conn, protocol.Message{Type: protocol.MessageUnsubscribe, ID: "u", AssetID: "scene"})
	ack := receive(t, conn)
	require.Equal(t, protocol.MessageAck, ack.Type)
	assert.Equal(t, "u", ack.ID)
	assert.Zero(t, ts.assets.Loaded())
	assert.Zero(t, ts.GetStats().Rooms)

	send(t, conn, protocol.Message{Type: protocol.MessageUnsubscribe, ID: "again", AssetID: "scene"})
	reply := receive(t, conn)
	assert.ErrorIs(t, reply.Error.Err(), protocol.ErrNotSubscribed)

	// an asset unloaded behind the server's back gets a fresh room subscription
	subscribe(t, conn, "scene")
	require.NoError(t, ts.assets.Unload(context.Background(), "scene"))
	subscribe(t, conn, "scene")
	send(t, conn, addNodeCommand(t, "scene", "again"))
	assert.Equal(t, protocol.MessageEdit, receive(t, conn).Type)
}

func TestDisconnectReleasesRooms(t *testing.T) {
	ts := startServer(t, func(c *Config) { c.UnloadIdleAssets = false })
	conn := dial(t, ts, "")
	subscribe(t, conn, "scene")
	require.NoError(t, conn.Close("bye"))

	require.Eventually(t, func() bool {
		stats := ts.GetStats()
		return stats.Clients == 0 && stats.Rooms == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, ts.assets.Loaded())
}

func TestAuthentication(t *testing.T) {
	ts := startServer(t, func(c *Config) { c.Tokens = []string{"secret"} })

	t.Run("invalid token is refused on connect", func(t *testing.T) {
		conn := dial(t, ts, "wrong")
		reply := receive(t, conn)
		require.Equal(t, protocol.MessageError, reply.Type)
		assert.ErrorIs(t, reply.Error.Err(), protocol.ErrAuthenticationFailed)
	})

	t.Run("valid header token", func(t *testing.T) {
		conn := dial(t, ts, "secret")
		subscribe(t, conn, "scene")
	})

	t.Run("token in first message", func(t *testing.T) {
		conn := dial(t, ts, "")
		send(t, conn, protocol.Message{Type: protocol.MessageSubscribe, ID: "s", AssetID: "scene"})
		reply := receive(t, conn)
		require.Equal(t, protocol.MessageError, reply.Type)
		assert.ErrorIs(t, reply.Error.Err(), protocol.ErrAuthenticationFailed)

		send(t, conn, protocol.Message{Type: protocol.MessageSubscribe, ID: "s", AssetID: "scene", Token: "secret"})
		assert.Equal(t, protocol.MessageSnapshot, receive(t, conn).Type)
	})
}

func TestMaxClients(t *testing.T) {
	ts := startServer(t, func(c *Config) { c.MaxClients = 1 })
	first := dial(t, ts, "")
	subscribe(t, first, "scene")

	second := dial(t, ts, "")
	reply := receive(t, second)
	require.Equal(t, protocol.MessageError, reply.Type)
	assert.ErrorIs(t, reply.Error.Err(), protocol.ErrMaxClientsReached)
}

func TestHealthEndpoint(t *testing.T) {
	ts := startServer(t, nil)
	resp, err := http.Get("http://" + ts.HTTPAddr().String() + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, protocol.HealthStatusHealthy, stats.Status)

	resp, err = http.Get("http://" + ts.HTTPAddr().String() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRunTwice(t *testing.T) {
	ts := startServer(t, nil)
	assert.ErrorIs(t, ts.Run(context.Background()), ErrServerAlreadyRunning)
}

func TestNewValidatesConfig(t *testing.T) {
	config := DefaultServerConfig()
	config.MaxClients = 0
	_, err := New(config, nil, bus.New())
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(DefaultServerConfig(), nil, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

// fakeConn records sent envelopes and never receives anything.
type fakeConn struct {
	info protocol.ConnectionInfo

	mu     sync.Mutex
	sent   []protocol.Message
	closed bool
	block  chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{info: protocol.ConnectionInfo{ID: protocol.GenerateClientID(), ConnectedAt: time.Now()}}
}

func (c *fakeConn) Info() protocol.ConnectionInfo { return c.info }

func (c *fakeConn) Send(_ context.Context, msg protocol.Message) error {
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return protocol.ErrConnectionClosed
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeConn) Receive(context.Context) (protocol.Message, error) {
	return protocol.Message{}, protocol.ErrConnectionClosed
}

func (c *fakeConn) Close(string) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func TestSlowClientIsDisconnected(t *testing.T) {
	conn := newFakeConn()
	sess := newSession(conn, 2, log.Nop())

	assert.True(t, sess.enqueue(protocol.Message{Type: protocol.MessagePong}))
	assert.True(t, sess.enqueue(protocol.Message{Type: protocol.MessagePong}))
	assert.False(t, sess.enqueue(protocol.Message{Type: protocol.MessagePong}))
	assert.True(t, conn.IsClosed())
	assert.Equal(t, ErrSendQueueFull.Error(), sess.closeReason())
	assert.False(t, sess.enqueue(protocol.Message{Type: protocol.MessagePong}))
}

func TestWriteLoopDeliversInOrder(t *testing.T) {
	conn := newFakeConn()
	sess := newSession(conn, 8, log.Nop())
	done := make(chan struct{})
	go func() {
		sess.writeLoop()
		close(done)
	}()

	for _, id := range []string{"1", "2", "3"} {
		require.True(t, sess.enqueue(protocol.Message{Type: protocol.MessagePong, ID: id}))
	}
	require.Eventually(t, func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return len(conn.sent) == 3
	}, time.Second, 5*time.Millisecond)

	sess.close("done")
	<-done
	conn.mu.Lock()
	defer conn.mu.Unlock()
	for i, id := range []string{"1", "2", "3"} {
		assert.Equal(t, id, conn.sent[i].ID)
	}
}

func TestHealthChecksDropIdleClients(t *testing.T) {
	s := &Server{config: DefaultServerConfig(), logger: log.Nop(), rooms: map[string]*room{}}
	active := newSession(newFakeConn(), 1, log.Nop())
	idle := newSession(newFakeConn(), 1, log.Nop())
	idle.lastSeen.Store(time.Now().Add(-time.Hour).UnixNano())
	s.clients.Store(active.id, active)
	s.clients.Store(idle.id, idle)

	assert.Equal(t, 1, s.performHealthChecks(time.Now()))
	assert.True(t, idle.conn.IsClosed())
	assert.False(t, active.conn.IsClosed())
	assert.Equal(t, "idle timeout", idle.closeReason())
}
