// Package injector assembles a scenesync process from its configuration.
package injector

import (
	"context"
	"fmt"
	"time"

	"github.com/google/wire"

	"github.com/zeusync/scenesync/internal/config"
	"github.com/zeusync/scenesync/internal/core/asset"
	"github.com/zeusync/scenesync/internal/core/component"
	"github.com/zeusync/scenesync/internal/core/events/bus"
	"github.com/zeusync/scenesync/internal/core/observability/log"
	"github.com/zeusync/scenesync/internal/core/observability/metrics"
	"github.com/zeusync/scenesync/internal/core/storage"
	"github.com/zeusync/scenesync/internal/server"
)

const closeTimeout = 30 * time.Second

// App is a fully wired server process.
type App struct {
	Config  config.Config
	Logger  log.Log
	Metrics *metrics.Metrics
	Store   storage.Storage
	Assets  *asset.Manager
	Server  *server.Server
}

var StoreSet = wire.NewSet(
	ProvideLogger,
	ProvideStorage,
)

var ProviderSet = wire.NewSet(
	StoreSet,
	ProvideMetrics,
	ProvideEventBus,
	component.NewDefaultRegistry,
	ProvideAssetManager,
	ProvideServer,
	wire.Struct(new(App), "*"),
)

func ProvideLogger(cfg config.Config) log.Log {
	return log.NewWithConfig(cfg.LoggerConfig())
}

// ProvideMetrics returns nil when metrics are disabled.
func ProvideMetrics(cfg config.Config) *metrics.Metrics {
	if !cfg.Metrics.Enabled {
		return nil
	}
	return metrics.New()
}

func ProvideEventBus(m *metrics.Metrics) bus.EventBus {
	events := bus.New()
	if m != nil {
		events.AddObserver(m.BusObserver())
	}
	return events
}

func ProvideStorage(cfg config.Config, logger log.Log) (storage.Storage, func(), error) {
	var (
		store storage.Storage
		err   error
	)
	switch cfg.Store.Driver {
	case config.StoreMemory:
		store = storage.NewMemory()
	case config.StoreSQLite:
		store, err = storage.OpenSQLite(cfg.Store.Path)
		if err != nil {
			return nil, nil, err
		}
	default:
		return nil, nil, fmt.Errorf("%w: store.driver %q", config.ErrInvalidConfig, cfg.Store.Driver)
	}

	logger.Info("Storage opened", log.String("driver", cfg.Store.Driver), log.String("path", cfg.Store.Path))
	cleanup := func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close storage", log.Error(err))
		}
	}
	return store, cleanup, nil
}

// ProvideAssetManager starts the asset workers. The cleanup writes back dirty
// assets.
func ProvideAssetManager(
	cfg config.Config,
	registry *component.Registry,
	store storage.Storage,
	events bus.EventBus,
	m *metrics.Metrics,
	logger log.Log,
) (*asset.Manager, func()) {
	mgr := asset.NewManager(cfg.AssetConfig(), registry, store, events,
		asset.WithLogger(logger), asset.WithMetrics(m))
	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := mgr.Close(ctx); err != nil {
			logger.Error("Failed to close asset manager", log.Error(err))
		}
	}
	return mgr, cleanup
}

func ProvideServer(
	cfg config.Config,
	assets *asset.Manager,
	events bus.EventBus,
	m *metrics.Metrics,
	logger log.Log,
) (*server.Server, error) {
	srvConfig, err := cfg.ServerConfigWithTLS()
	if err != nil {
		return nil, err
	}
	return server.New(srvConfig, assets, events, server.WithLogger(logger), server.WithMetrics(m))
}
