package scene

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/scenesync/internal/core/component"
	"github.com/zeusync/scenesync/internal/core/geom"
)

// buildHistory runs a mixed command sequence on a fresh server asset and
// returns its initial snapshot together with every change it produced.
func buildHistory(t *testing.T) (*Asset, []byte, []Change) {
	t.Helper()
	server, rec := newTestAsset(t)
	snapshot, err := json.Marshal(server)
	require.NoError(t, err)

	root := addNode(t, server, "root", "", nil)
	child, err := server.AddNode("child", AddNodeOptions{
		ParentID:  root.ID,
		Transform: &TransformOptions{Position: &geom.Vec3{X: 1, Y: 2, Z: 3}},
	})
	require.NoError(t, err)
	other := addNode(t, server, "other", "", Index(0))

	_, err = server.SetNodeProperty(root.ID, "orientation", json.RawMessage(`{"x":0,"y":1,"z":0,"w":1}`))
	require.NoError(t, err)
	_, err = server.SetNodeProperty(other.ID, "scale", json.RawMessage(`{"x":2,"y":2,"z":2}`))
	require.NoError(t, err)

	model, err := server.AddComponent(child.Node.ID, component.ModelRendererType, nil)
	require.NoError(t, err)
	setModel(t, server, child.Node.ID, model.Component.ID, "model-1")
	_, err = server.EditComponent(child.Node.ID, model.Component.ID, "setProperty", json.RawMessage(`{"path":"color","value":"AABBCC"}`))
	require.NoError(t, err)

	_, err = server.DuplicateNode("root copy", root.ID, nil)
	require.NoError(t, err)
	_, err = server.MoveNode(child.Node.ID, other.ID, Index(0))
	require.NoError(t, err)
	_, err = server.MoveNode(other.ID, "", nil)
	require.NoError(t, err)

	camera, err := server.AddComponent(root.ID, component.CameraType, nil)
	require.NoError(t, err)
	_, err = server.RemoveComponent(root.ID, camera.Component.ID)
	require.NoError(t, err)
	addNode(t, server, "doomed", root.ID, nil)
	_, err = server.RemoveNode(root.ID)
	require.NoError(t, err)

	require.Len(t, rec.changes, int(server.Revision()))
	return server, snapshot, rec.changes
}

func assertSameTree(t *testing.T, want, got *Asset) {
	t.Helper()
	wantJSON, err := json.Marshal(want)
	require.NoError(t, err)
	gotJSON, err := json.Marshal(got)
	require.NoError(t, err)
	assert.JSONEq(t, string(wantJSON), string(gotJSON))
	assert.Equal(t, want.Revision(), got.Revision())
	assert.Equal(t, want.Dependencies(), got.Dependencies())
}

func TestReplicaConverges(t *testing.T) {
	server, snapshot, changes := buildHistory(t)

	replica := NewReplica(server.ID(), component.NewDefaultRegistry(), 0)
	require.NoError(t, replica.Reset(snapshot, 0))

	for _, change := range changes {
		applied, err := replica.Apply(change)
		require.NoError(t, err, change.Command)
		assert.Equal(t, 1, applied)
	}
	assertSameTree(t, server, replica.Asset())

	t.Run("transforms match after moves", func(t *testing.T) {
		for _, n := range server.Nodes() {
			want, err := server.GlobalTransform(n.ID)
			require.NoError(t, err)
			got, err := replica.Asset().GlobalTransform(n.ID)
			require.NoError(t, err)
			assert.InDelta(t, want.Position.X, got.Position.X, tolerance)
			assert.InDelta(t, want.Position.Y, got.Position.Y, tolerance)
			assert.InDelta(t, want.Position.Z, got.Position.Z, tolerance)
		}
	})
}

func TestReplicaReordersChanges(t *testing.T) {
	server, snapshot, changes := buildHistory(t)
	require.Greater(t, len(changes), 3)

	replica := NewReplica(server.ID(), component.NewDefaultRegistry(), 0)
	require.NoError(t, replica.Reset(snapshot, 0))

	for i := len(changes) - 1; i > 0; i-- {
		applied, err := replica.Apply(changes[i])
		require.NoError(t, err)
		assert.Zero(t, applied)
	}
	assert.Equal(t, len(changes)-1, replica.Pending())
	assert.Equal(t, uint64(2), replica.PendingRevisions()[0])

	applied, err := replica.Apply(changes[0])
	require.NoError(t, err)
	assert.Equal(t, len(changes), applied)
	assert.Zero(t, replica.Pending())
	assertSameTree(t, server, replica.Asset())

	t.Run("stale changes are dropped", func(t *testing.T) {
		applied, err := replica.Apply(changes[2])
		require.NoError(t, err)
		assert.Zero(t, applied)
		assert.Zero(t, replica.Pending())
		assertSameTree(t, server, replica.Asset())
	})
}

func TestReplicaResync(t *testing.T) {
	server, snapshot, changes := buildHistory(t)

	t.Run("buffer overflow", func(t *testing.T) {
		replica := NewReplica(server.ID(), component.NewDefaultRegistry(), 2)
		require.NoError(t, replica.Reset(snapshot, 0))

		_, err := replica.Apply(changes[3])
		require.NoError(t, err)
		_, err = replica.Apply(changes[4])
		require.NoError(t, err)
		_, err = replica.Apply(changes[5])
		assert.ErrorIs(t, err, ErrResyncRequired)
		assert.Zero(t, replica.Pending())
	})

	t.Run("failed replay", func(t *testing.T) {
		replica := NewReplica(server.ID(), component.NewDefaultRegistry(), 0)
		require.NoError(t, replica.Reset(snapshot, 0))

		bogus := changes[0]
		bogus.Result = json.RawMessage(`{"node":null}`)
		_, err := replica.Apply(bogus)
		assert.ErrorIs(t, err, ErrResyncRequired)
	})

	t.Run("snapshot catches up", func(t *testing.T) {
		replica := NewReplica(server.ID(), component.NewDefaultRegistry(), 0)
		_, err := replica.Apply(changes[len(changes)-1])
		require.NoError(t, err)
		assert.Equal(t, 1, replica.Pending())

		current, err := json.Marshal(server)
		require.NoError(t, err)
		require.NoError(t, replica.Reset(current, server.Revision()))
		assert.Zero(t, replica.Pending())
		assert.Equal(t, server.Revision(), replica.Revision())
	})
}

func TestClientApplyRequiresNextRevision(t *testing.T) {
	server, snapshot, changes := buildHistory(t)
	replica := New(server.ID(), component.NewDefaultRegistry())
	require.NoError(t, replica.Load(snapshot, 0))

	err := replica.ClientApply(changes[1])
	assert.ErrorIs(t, err, ErrRevisionMismatch)
	require.NoError(t, replica.ClientApply(changes[0]))
	assert.Equal(t, uint64(1), replica.Revision())

	unknown := changes[1]
	unknown.Command = "explode"
	assert.ErrorIs(t, replica.ClientApply(unknown), ErrUnknownCommand)
}
