package asset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zeusync/scenesync/internal/core/events/bus"
	"github.com/zeusync/scenesync/internal/core/observability/log"
	"github.com/zeusync/scenesync/internal/core/observability/metrics"
	"github.com/zeusync/scenesync/internal/core/scene"
	"github.com/zeusync/scenesync/internal/core/storage"
)

type task struct {
	ctx  context.Context
	run  func(ctx context.Context) error
	done chan error // nil for posted tasks
	// reject reports a posted task that never ran.
	reject func(err error)
}

func (t task) fail(err error) {
	switch {
	case t.done != nil:
		t.done <- err
	case t.reject != nil:
		t.reject(err)
	}
}

type entry struct {
	asset *scene.Asset
	saved uint64
	// stored is false for assets created in memory and never written.
	stored bool
}

func (e *entry) dirty() bool {
	return e.asset.Revision() != e.saved || !e.stored
}

type worker struct {
	id      int
	m       *Manager
	tasks   chan task
	stopped chan struct{}
	logger  log.Log

	// mu orders enqueues against shutdown: once closed is set no task can
	// enter the queue, so the final drain sees every queued task.
	mu     sync.RWMutex
	closed bool

	// assets is only touched by the worker goroutine.
	assets map[string]*entry
}

func newWorker(id int, m *Manager) *worker {
	return &worker{
		id:      id,
		m:       m,
		tasks:   make(chan task, m.cfg.QueueSize),
		stopped: make(chan struct{}),
		logger:  m.logger.With(log.Int("worker", id)),
		assets:  make(map[string]*entry),
	}
}

func (w *worker) run() {
	defer w.m.wg.Done()
	defer close(w.stopped)

	var tick <-chan time.Time
	if w.m.cfg.SaveInterval > 0 {
		ticker := time.NewTicker(w.m.cfg.SaveInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case t := <-w.tasks:
			w.handle(t)
		case <-tick:
			if err := w.saveDirty(context.Background()); err != nil {
				w.logger.Warn("Periodic save failed", log.Error(err))
			}
		case <-w.m.quit:
			w.shutdown()
			return
		}
	}
}

func (w *worker) handle(t task) {
	var err error
	if err = t.ctx.Err(); err == nil {
		err = t.run(t.ctx)
	}
	if t.done != nil {
		t.done <- err
	}
}

// shutdown rejects whatever is still queued and writes dirty assets back.
func (w *worker) shutdown() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()

	for drained := false; !drained; {
		select {
		case t := <-w.tasks:
			t.fail(ErrClosed)
		default:
			drained = true
		}
	}
	if err := w.saveDirty(context.Background()); err != nil {
		w.logger.Error("Final save failed", log.Error(err))
	}
}

// enqueue hands t to the worker unless it is shutting down.
func (w *worker) enqueue(ctx context.Context, t task) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrClosed
	}
	select {
	case w.tasks <- t:
		return nil
	case <-w.m.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// call runs fn on the worker and waits for it.
func (w *worker) call(ctx context.Context, fn func(ctx context.Context) error) error {
	t := task{ctx: ctx, run: fn, done: make(chan error, 1)}
	if err := w.enqueue(ctx, t); err != nil {
		return err
	}

	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-w.stopped:
		select {
		case err := <-t.done:
			return err
		default:
			return ErrClosed
		}
	}
}

// post queues fn without waiting for it. If the worker stops before fn
// runs, reject is called instead.
func (w *worker) post(fn func(ctx context.Context) error, reject func(err error)) error {
	select {
	case <-w.m.quit:
		return ErrClosed
	default:
	}
	return w.enqueue(context.Background(), task{ctx: context.Background(), run: fn, reject: reject})
}

func (w *worker) withAsset(ctx context.Context, assetID string, fn func(a *scene.Asset) error) error {
	e, err := w.entry(ctx, assetID)
	if err != nil {
		return err
	}
	return fn(e.asset)
}

// entry returns the loaded asset, reading it from storage or creating an
// empty one on first use.
func (w *worker) entry(ctx context.Context, assetID string) (*entry, error) {
	if e, ok := w.assets[assetID]; ok {
		return e, nil
	}

	a := scene.New(assetID, w.m.registry,
		scene.WithEventBus(w.m.events),
		scene.WithLogger(w.logger))
	e := &entry{asset: a}

	rec, err := w.m.store.Read(ctx, assetID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		if err = a.Init(); err == nil {
			err = a.Setup()
		}
		if err != nil {
			return nil, fmt.Errorf("create asset %s: %w", assetID, err)
		}
	case err != nil:
		return nil, fmt.Errorf("load asset %s: %w", assetID, err)
	default:
		if err = a.Load(rec.Data, rec.Revision); err != nil {
			return nil, fmt.Errorf("load asset %s: %w", assetID, err)
		}
		e.saved, e.stored = rec.Revision, true
	}

	if w.m.events != nil {
		_ = w.m.events.CreateTopic(assetID)
	}
	w.assets[assetID] = e
	w.m.loaded.Add(1)
	if w.m.metrics != nil {
		w.m.metrics.AssetsLoaded.Inc()
	}
	w.logger.Info("Asset loaded",
		log.String("asset_id", assetID),
		log.Bool("stored", e.stored),
		log.Uint64("revision", a.Revision()),
		log.Int("nodes", a.NodeCount()))

	a.Restore()
	return e, nil
}

func (w *worker) save(ctx context.Context, assetID string, e *entry) error {
	data, err := json.Marshal(e.asset)
	if err != nil {
		return fmt.Errorf("encode asset %s: %w", assetID, err)
	}
	rev := e.asset.Revision()
	err = w.m.store.Write(ctx, storage.Record{ID: assetID, Revision: rev, Data: data})
	if w.m.metrics != nil {
		result := metrics.ResultOK
		if err != nil {
			result = metrics.ResultFailed
		}
		w.m.metrics.AssetSaves.WithLabelValues(result).Inc()
	}
	if errors.Is(err, storage.ErrStaleRevision) {
		w.logger.Warn("Stored asset is newer, keeping it",
			log.String("asset_id", assetID),
			log.Uint64("revision", rev))
		e.saved, e.stored = rev, true
		return nil
	}
	if err != nil {
		return fmt.Errorf("save asset %s: %w", assetID, err)
	}
	e.saved, e.stored = rev, true
	w.logger.Debug("Asset saved",
		log.String("asset_id", assetID),
		log.Uint64("revision", rev),
		log.Int("bytes", len(data)))
	return nil
}

func (w *worker) saveDirty(ctx context.Context) error {
	var errs []error
	for id, e := range w.assets {
		if !e.dirty() {
			continue
		}
		if err := w.save(ctx, id, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (w *worker) unload(ctx context.Context, assetID string) error {
	e, ok := w.assets[assetID]
	if !ok {
		return nil
	}
	if e.dirty() {
		if err := w.save(ctx, assetID, e); err != nil {
			return err
		}
	}
	delete(w.assets, assetID)
	w.m.loaded.Add(-1)
	if w.m.metrics != nil {
		w.m.metrics.AssetsLoaded.Dec()
	}
	if w.m.events != nil {
		if err := w.m.events.RemoveTopic(assetID); err != nil && !errors.Is(err, bus.ErrUnknownTopic) {
			w.logger.Warn("Failed to remove asset topic", log.String("asset_id", assetID), log.Error(err))
		}
	}
	w.logger.Info("Asset unloaded", log.String("asset_id", assetID))
	return nil
}
