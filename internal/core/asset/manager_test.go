package asset

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/scenesync/internal/core/component"
	"github.com/zeusync/scenesync/internal/core/events/bus"
	"github.com/zeusync/scenesync/internal/core/observability/log"
	"github.com/zeusync/scenesync/internal/core/observability/metrics"
	"github.com/zeusync/scenesync/internal/core/scene"
	"github.com/zeusync/scenesync/internal/core/storage"
)

func newTestManager(t *testing.T, store storage.Storage, events bus.EventBus) (*Manager, *metrics.Metrics) {
	t.Helper()
	m := metrics.New()
	mgr := NewManager(Config{Workers: 4, QueueSize: 16}, component.NewDefaultRegistry(), store, events,
		WithMetrics(m), WithLogger(log.Nop()))
	t.Cleanup(func() { _ = mgr.Close(context.Background()) })
	return mgr, m
}

func addNode(t *testing.T, mgr *Manager, assetID, name string) scene.AddNodeResult {
	t.Helper()
	args, err := json.Marshal(scene.AddNodeArgs{Name: name})
	require.NoError(t, err)
	change, err := mgr.Execute(context.Background(), assetID, "client-1", scene.CommandAddNode, args)
	require.NoError(t, err)
	var res scene.AddNodeResult
	require.NoError(t, json.Unmarshal(change.Result, &res))
	return res
}

func TestExecuteCreatesAssets(t *testing.T) {
	ctx := context.Background()
	mgr, m := newTestManager(t, storage.NewMemory(), bus.New())

	res := addNode(t, mgr, "scene-a", "root")
	assert.Equal(t, "root", res.Node.Name)
	addNode(t, mgr, "scene-b", "other")
	assert.Equal(t, 2, mgr.Loaded())

	snap, err := mgr.Snapshot(ctx, "scene-a")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), snap.Revision)
	assert.Contains(t, string(snap.Data), res.Node.ID)

	_, err = mgr.Execute(ctx, "scene-a", "client-1", scene.CommandRemoveNode, json.RawMessage(`{"id":"missing"}`))
	assert.ErrorIs(t, err, scene.ErrInvalidNodeID)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.CommandsTotal.WithLabelValues(scene.CommandAddNode, metrics.ResultOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CommandsTotal.WithLabelValues(scene.CommandRemoveNode, metrics.ResultFailed)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.AssetsLoaded))

	_, err = mgr.Snapshot(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidAssetID)
}

func TestCommandsAreSerializedPerAsset(t *testing.T) {
	mgr, _ := newTestManager(t, storage.NewMemory(), bus.New())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := mgr.Execute(context.Background(), "scene", "client", scene.CommandAddNode, json.RawMessage(`{"name":"n"}`))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	snap, err := mgr.Snapshot(context.Background(), "scene")
	require.NoError(t, err)
	assert.Equal(t, uint64(50), snap.Revision)

	var pub scene.Pub
	require.NoError(t, json.Unmarshal(snap.Data, &pub))
	assert.Len(t, pub.Nodes, 50)
}

func TestSubmit(t *testing.T) {
	mgr, _ := newTestManager(t, storage.NewMemory(), bus.New())

	done := make(chan error, 1)
	var got scene.Change
	err := mgr.Submit("scene", "client", scene.CommandAddNode, json.RawMessage(`{"name":"n"}`), func(c scene.Change, err error) {
		got = c
		done <- err
	})
	require.NoError(t, err)

	select {
	case err = <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("callback not called")
	}
	assert.Equal(t, uint64(1), got.Revision)
	assert.Equal(t, "scene", got.AssetID)
}

func TestChangeEventsReachTheBus(t *testing.T) {
	events := bus.New()
	mgr, _ := newTestManager(t, storage.NewMemory(), events)

	var mu sync.Mutex
	var seen []string
	_, err := events.SubscribeTopic("scene", bus.AnyEvent, func(e bus.Event) error {
		mu.Lock()
		seen = append(seen, e.Type())
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	res := addNode(t, mgr, "scene", "n")
	comp, err := mgr.Execute(context.Background(), "scene", "client", scene.CommandAddComponent,
		json.RawMessage(`{"nodeId":"`+res.Node.ID+`","componentType":"ModelRenderer"}`))
	require.NoError(t, err)
	var added scene.AddComponentResult
	require.NoError(t, json.Unmarshal(comp.Result, &added))

	edit, _ := json.Marshal(scene.EditComponentArgs{
		NodeID:      res.Node.ID,
		ComponentID: added.Component.ID,
		Command:     "setModel",
		Args:        json.RawMessage(`{"assetId":"model-1"}`),
	})
	_, err = mgr.Execute(context.Background(), "scene", "client", scene.CommandEditComponent, edit)
	require.NoError(t, err)

	deps, err := mgr.Dependencies(context.Background(), "scene")
	require.NoError(t, err)
	assert.Equal(t, []string{"model-1"}, deps)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		scene.EventChange,
		scene.EventChange,
		scene.EventAddDependencies,
		scene.EventChange,
	}, seen)
}

func TestPersistence(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	mgr, m := newTestManager(t, store, bus.New())

	res := addNode(t, mgr, "scene", "root")
	require.NoError(t, mgr.Flush(ctx))

	rec, err := store.Read(ctx, "scene")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.Revision)
	assert.Contains(t, string(rec.Data), res.Node.ID)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AssetSaves.WithLabelValues(metrics.ResultOK)))

	require.NoError(t, mgr.Flush(ctx))
	assert.Equal(t, uint64(1), store.Statistics().Writes, "clean assets are not rewritten")

	addNode(t, mgr, "scene", "second")
	require.NoError(t, mgr.Unload(ctx, "scene"))
	assert.Zero(t, mgr.Loaded())
	rec, err = store.Read(ctx, "scene")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rec.Revision)

	t.Run("reload keeps revision and ids", func(t *testing.T) {
		snap, err := mgr.Snapshot(ctx, "scene")
		require.NoError(t, err)
		assert.Equal(t, uint64(2), snap.Revision)
		assert.Contains(t, string(snap.Data), res.Node.ID)
	})
}

func TestRestoreAnnouncesDependenciesOnLoad(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	data := `{"nodes":[{"id":"n","name":"n","components":[` +
		`{"id":"c","type":"SpriteRenderer","config":{"spriteAssetId":"sprite-1"}}]}]}`
	require.NoError(t, store.Write(ctx, storage.Record{ID: "scene", Revision: 3, Data: []byte(data)}))

	events := bus.New()
	var announced []string
	_, err := events.SubscribeTopic("scene", scene.EventAddDependencies, func(e bus.Event) error {
		announced = append(announced, e.Data().(scene.DependencyChange).IDs...)
		return nil
	})
	require.NoError(t, err)

	mgr, _ := newTestManager(t, store, events)
	snap, err := mgr.Snapshot(ctx, "scene")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), snap.Revision)
	assert.Equal(t, []string{"sprite-1"}, snap.Dependencies)
	assert.Equal(t, []string{"sprite-1"}, announced)
}

func TestCloseSavesAndRejects(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	mgr := NewManager(Config{Workers: 2}, component.NewDefaultRegistry(), store, nil, WithLogger(log.Nop()))

	addNode(t, mgr, "scene", "root")
	require.NoError(t, mgr.Close(ctx))
	require.NoError(t, mgr.Close(ctx))

	rec, err := store.Read(ctx, "scene")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.Revision)

	_, err = mgr.Snapshot(ctx, "scene")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, mgr.Submit("scene", "c", scene.CommandAddNode, nil, nil), ErrClosed)
}

func TestSubmitCallbacksFireOnClose(t *testing.T) {
	mgr := NewManager(Config{Workers: 1, QueueSize: 16}, component.NewDefaultRegistry(), storage.NewMemory(), nil,
		WithLogger(log.Nop()))

	started, release := make(chan struct{}), make(chan struct{})
	go func() {
		_ = mgr.Do(context.Background(), "scene", func(*scene.Asset) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	const n = 10
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		err := mgr.Submit("scene", "c", scene.CommandAddNode, json.RawMessage(`{"name":"n"}`), func(_ scene.Change, err error) {
			results <- err
		})
		require.NoError(t, err)
	}

	closed := make(chan error, 1)
	go func() { closed <- mgr.Close(context.Background()) }()
	select {
	case <-mgr.quit:
	case <-time.After(time.Second):
		t.Fatal("manager did not start closing")
	}
	close(release)
	require.NoError(t, <-closed)

	for i := 0; i < n; i++ {
		select {
		case err := <-results:
			if err != nil {
				assert.ErrorIs(t, err, ErrClosed)
			}
		case <-time.After(time.Second):
			t.Fatal("callback not called")
		}
	}
}

func TestCancelledContext(t *testing.T) {
	mgr, _ := newTestManager(t, storage.NewMemory(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := mgr.Execute(ctx, "scene", "c", scene.CommandAddNode, json.RawMessage(`{"name":"n"}`))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestUnloadIf(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	mgr, _ := newTestManager(t, store, bus.New())

	unloaded, err := mgr.UnloadIf(ctx, "scene", func() bool { return true })
	require.NoError(t, err)
	assert.False(t, unloaded, "nothing loaded yet")

	addNode(t, mgr, "scene", "root")
	unloaded, err = mgr.UnloadIf(ctx, "scene", func() bool { return false })
	require.NoError(t, err)
	assert.False(t, unloaded)
	assert.Equal(t, 1, mgr.Loaded())

	unloaded, err = mgr.UnloadIf(ctx, "scene", func() bool { return true })
	require.NoError(t, err)
	assert.True(t, unloaded)
	assert.Zero(t, mgr.Loaded())

	rec, err := store.Read(ctx, "scene")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.Revision)
}
