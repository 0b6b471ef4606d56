// Package asset hosts the authoritative scene assets of a server. Every asset
// is owned by exactly one worker goroutine, chosen by hashing its id, and every
// command, snapshot and save of that asset runs on that goroutine.
package asset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/zeusync/scenesync/internal/core/component"
	"github.com/zeusync/scenesync/internal/core/events/bus"
	"github.com/zeusync/scenesync/internal/core/observability/log"
	"github.com/zeusync/scenesync/internal/core/observability/metrics"
	"github.com/zeusync/scenesync/internal/core/scene"
	"github.com/zeusync/scenesync/internal/core/storage"
	"github.com/zeusync/scenesync/pkg/concurrent"
)

var (
	ErrClosed         = errors.New("asset manager is closed")
	ErrInvalidAssetID = errors.New("invalid asset id")
)

const maxAssetIDLength = 128

type Config struct {
	// Workers is the number of asset goroutines, runtime.NumCPU() when zero.
	Workers int
	// QueueSize bounds the pending tasks of one worker.
	QueueSize int
	// SaveInterval is how often dirty assets are written back. Zero disables
	// periodic saves; assets are still saved on Flush, Unload and Close.
	SaveInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Workers:      runtime.NumCPU(),
		QueueSize:    256,
		SaveInterval: 5 * time.Second,
	}
}

// Snapshot is the full state of an asset at a revision.
type Snapshot struct {
	AssetID      string          `json:"assetId"`
	Revision     uint64          `json:"revision"`
	Data         json.RawMessage `json:"data"`
	Dependencies []string        `json:"dependencies"`
}

type Manager struct {
	cfg      Config
	registry *component.Registry
	store    storage.Storage
	events   bus.EventBus
	metrics  *metrics.Metrics
	logger   log.Log

	workers []*worker
	loaded  atomic.Int64

	quit      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type Option func(*Manager)

func WithMetrics(m *metrics.Metrics) Option {
	return func(mgr *Manager) { mgr.metrics = m }
}

func WithLogger(l log.Log) Option {
	return func(mgr *Manager) { mgr.logger = l }
}

// NewManager starts the workers. Close must be called to stop them and write
// back dirty assets.
func NewManager(cfg Config, registry *component.Registry, store storage.Storage, events bus.EventBus, opts ...Option) *Manager {
	defaults := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaults.QueueSize
	}

	m := &Manager{
		cfg:      cfg,
		registry: registry,
		store:    store,
		events:   events,
		logger:   log.Provide(),
		quit:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(log.String("component", "asset_manager"))

	m.workers = make([]*worker, cfg.Workers)
	for i := range m.workers {
		m.workers[i] = newWorker(i, m)
	}
	m.wg.Add(len(m.workers))
	for _, w := range m.workers {
		go w.run()
	}

	m.logger.Info("Asset manager started",
		log.Int("workers", cfg.Workers),
		log.Duration("save_interval", cfg.SaveInterval))
	return m
}

// Loaded returns how many assets are held in memory.
func (m *Manager) Loaded() int { return int(m.loaded.Load()) }

// Registry returns the component registry assets are built with.
func (m *Manager) Registry() *component.Registry { return m.registry }

func (m *Manager) owner(assetID string) *worker {
	return m.workers[xxhash.Sum64String(assetID)%uint64(len(m.workers))]
}

func validateAssetID(assetID string) error {
	if assetID == "" || len(assetID) > maxAssetIDLength {
		return fmt.Errorf("%w: %q", ErrInvalidAssetID, assetID)
	}
	return nil
}

// Do runs fn on the asset's worker, loading the asset first when needed. The
// asset must not escape fn.
func (m *Manager) Do(ctx context.Context, assetID string, fn func(a *scene.Asset) error) error {
	if err := validateAssetID(assetID); err != nil {
		return err
	}
	w := m.owner(assetID)
	return w.call(ctx, func(ctx context.Context) error {
		return w.withAsset(ctx, assetID, fn)
	})
}

// Execute applies the named command to the asset and returns the change that
// was broadcast.
func (m *Manager) Execute(ctx context.Context, assetID, clientID, name string, args json.RawMessage) (scene.Change, error) {
	var change scene.Change
	err := m.Do(ctx, assetID, func(a *scene.Asset) error {
		var err error
		change, err = m.dispatch(a, clientID, name, args)
		return err
	})
	return change, err
}

// Submit queues the named command and returns immediately. callback runs on
// the asset's worker with the outcome and must not block. A command still
// queued when the manager closes reports ErrClosed.
func (m *Manager) Submit(assetID, clientID, name string, args json.RawMessage, callback func(scene.Change, error)) error {
	if err := validateAssetID(assetID); err != nil {
		return err
	}
	w := m.owner(assetID)
	return w.post(func(ctx context.Context) error {
		var change scene.Change
		err := w.withAsset(ctx, assetID, func(a *scene.Asset) error {
			var err error
			change, err = m.dispatch(a, clientID, name, args)
			return err
		})
		if callback != nil {
			callback(change, err)
		}
		return nil
	}, func(err error) {
		if callback != nil {
			callback(scene.Change{}, err)
		}
	})
}

func (m *Manager) dispatch(a *scene.Asset, clientID, name string, args json.RawMessage) (scene.Change, error) {
	start := time.Now()
	change, err := a.Dispatch(name, args)
	took := time.Since(start)
	if m.metrics != nil {
		m.metrics.ObserveCommand(name, took, err)
	}

	if err != nil {
		m.logger.Debug("Command rejected",
			log.String("asset_id", a.ID()),
			log.String("client_id", clientID),
			log.String("command", name),
			log.Error(err))
		return change, err
	}
	m.logger.Debug("Command applied",
		log.String("asset_id", a.ID()),
		log.String("client_id", clientID),
		log.String("command", name),
		log.Uint64("revision", change.Revision),
		log.Duration("took", took))
	return change, nil
}

// Snapshot returns the current persisted form of the asset.
func (m *Manager) Snapshot(ctx context.Context, assetID string) (Snapshot, error) {
	var snap Snapshot
	err := m.Do(ctx, assetID, func(a *scene.Asset) error {
		data, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("encode asset %s: %w", assetID, err)
		}
		snap = Snapshot{
			AssetID:      assetID,
			Revision:     a.Revision(),
			Data:         data,
			Dependencies: a.Dependencies(),
		}
		return nil
	})
	return snap, err
}

// Dependencies lists the ids of every asset referenced by assetID.
func (m *Manager) Dependencies(ctx context.Context, assetID string) ([]string, error) {
	var deps []string
	err := m.Do(ctx, assetID, func(a *scene.Asset) error {
		deps = a.Dependencies()
		return nil
	})
	return deps, err
}

// Unload writes the asset back if needed and drops it from memory together
// with its event topic.
func (m *Manager) Unload(ctx context.Context, assetID string) error {
	if err := validateAssetID(assetID); err != nil {
		return err
	}
	w := m.owner(assetID)
	return w.call(ctx, func(ctx context.Context) error {
		return w.unload(ctx, assetID)
	})
}

// UnloadIf unloads the asset when idle reports true. idle runs on the asset's
// worker, so it sees no command in flight, and runs even when the asset is not
// loaded. Only an actual unload reports true.
func (m *Manager) UnloadIf(ctx context.Context, assetID string, idle func() bool) (bool, error) {
	if err := validateAssetID(assetID); err != nil {
		return false, err
	}
	w := m.owner(assetID)
	var unloaded bool
	err := w.call(ctx, func(ctx context.Context) error {
		if !idle() {
			return nil
		}
		if _, ok := w.assets[assetID]; !ok {
			return nil
		}
		if err := w.unload(ctx, assetID); err != nil {
			return err
		}
		unloaded = true
		return nil
	})
	return unloaded, err
}

// Flush writes every dirty asset back to storage.
func (m *Manager) Flush(ctx context.Context) error {
	return concurrent.ForEachCollect(ctx, m.workers, 0, func(ctx context.Context, w *worker) error {
		return w.call(ctx, w.saveDirty)
	})
}

// Close stops the workers. Each worker saves its dirty assets before exiting.
func (m *Manager) Close(ctx context.Context) error {
	m.closeOnce.Do(func() { close(m.quit) })

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Info("Asset manager stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
