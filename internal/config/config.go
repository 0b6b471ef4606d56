// Package config loads the scenesync server configuration from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zeusync/scenesync/internal/core/asset"
	"github.com/zeusync/scenesync/internal/core/observability/log"
	"github.com/zeusync/scenesync/internal/core/protocol"
	"github.com/zeusync/scenesync/internal/core/protocol/quic"
	"github.com/zeusync/scenesync/internal/server"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Store drivers.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
)

type Config struct {
	Log     LogConfig     `yaml:"log"`
	Server  ServerConfig  `yaml:"server"`
	QUIC    QUICConfig    `yaml:"quic"`
	Store   StoreConfig   `yaml:"store"`
	Assets  AssetsConfig  `yaml:"assets"`
	Metrics MetricsConfig `yaml:"metrics"`
}

type LogConfig struct {
	Level       log.Level `yaml:"level"`
	Encoding    string    `yaml:"encoding"`
	Development bool      `yaml:"development"`
	OutputPaths []string  `yaml:"outputPaths"`
}

type ServerConfig struct {
	Addr                string        `yaml:"addr"`
	WebSocketPath       string        `yaml:"websocketPath"`
	MaxClients          int           `yaml:"maxClients"`
	SendQueueSize       int           `yaml:"sendQueueSize"`
	MaxMessageSize      int           `yaml:"maxMessageSize"`
	ReadTimeout         time.Duration `yaml:"readTimeout"`
	WriteTimeout        time.Duration `yaml:"writeTimeout"`
	HealthCheckInterval time.Duration `yaml:"healthCheckInterval"`
	ClientTimeout       time.Duration `yaml:"clientTimeout"`
	Tokens              []string      `yaml:"tokens"`
	RateLimit           int           `yaml:"rateLimit"`
	RateWindow          time.Duration `yaml:"rateWindow"`
	UnloadIdleAssets    bool          `yaml:"unloadIdleAssets"`
}

// QUICConfig enables the QUIC listener when Addr is set. Without a
// certificate a self-signed one is generated at startup.
type QUICConfig struct {
	Addr     string `yaml:"addr"`
	CertFile string `yaml:"certFile"`
	KeyFile  string `yaml:"keyFile"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

type AssetsConfig struct {
	Workers      int           `yaml:"workers"`
	QueueSize    int           `yaml:"queueSize"`
	SaveInterval time.Duration `yaml:"saveInterval"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns the configuration used for every key a file leaves out.
func Default() Config {
	srv := server.DefaultServerConfig()
	assets := asset.DefaultConfig()
	logCfg := log.DefaultConfig()
	return Config{
		Log: LogConfig{
			Level:       logCfg.Level,
			Encoding:    logCfg.Encoding,
			OutputPaths: logCfg.OutputPaths,
		},
		Server: ServerConfig{
			Addr:                srv.HTTPAddr,
			WebSocketPath:       srv.WebSocketPath,
			MaxClients:          srv.MaxClients,
			SendQueueSize:       srv.SendQueueSize,
			MaxMessageSize:      srv.Protocol.MaxMessageSize,
			ReadTimeout:         srv.Protocol.ReadTimeout,
			WriteTimeout:        srv.Protocol.WriteTimeout,
			HealthCheckInterval: srv.HealthCheckInterval,
			ClientTimeout:       srv.ClientTimeout,
			RateLimit:           srv.RateLimit,
			RateWindow:          srv.RateWindow,
			UnloadIdleAssets:    srv.UnloadIdleAssets,
		},
		Store: StoreConfig{
			Driver: StoreSQLite,
			Path:   "scenesync.db",
		},
		Assets: AssetsConfig{
			Workers:      assets.Workers,
			QueueSize:    assets.QueueSize,
			SaveInterval: assets.SaveInterval,
		},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// Load reads the YAML file at path on top of Default. An empty path returns
// the defaults.
func Load(path string) (Config, error) {
	if path == "" {
		c := Default()
		return c, c.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	c, err := LoadYAML(bytes.NewReader(data))
	if err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	return c, nil
}

// LoadYAML decodes r on top of Default and validates the result.
func LoadYAML(r io.Reader) (Config, error) {
	c := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) Validate() error {
	switch c.Store.Driver {
	case StoreMemory:
	case StoreSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("%w: store.path is required for sqlite", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: store.driver %q", ErrInvalidConfig, c.Store.Driver)
	}
	if (c.QUIC.CertFile == "") != (c.QUIC.KeyFile == "") {
		return fmt.Errorf("%w: quic.certFile and quic.keyFile go together", ErrInvalidConfig)
	}
	if c.Assets.Workers < 0 || c.Assets.QueueSize < 0 || c.Assets.SaveInterval < 0 {
		return fmt.Errorf("%w: assets settings must not be negative", ErrInvalidConfig)
	}
	if c.Server.MaxMessageSize < 0 {
		return fmt.Errorf("%w: server.maxMessageSize must not be negative", ErrInvalidConfig)
	}
	if _, err := c.ServerConfig(); err != nil {
		return err
	}
	return nil
}

// LoggerConfig converts the log section.
func (c Config) LoggerConfig() log.Config {
	cfg := log.DefaultConfig()
	cfg.Level = c.Log.Level
	cfg.Development = c.Log.Development
	if c.Log.Encoding != "" {
		cfg.Encoding = c.Log.Encoding
	}
	if len(c.Log.OutputPaths) > 0 {
		cfg.OutputPaths = c.Log.OutputPaths
	}
	return cfg
}

// AssetConfig converts the assets section.
func (c Config) AssetConfig() asset.Config {
	return asset.Config{
		Workers:      c.Assets.Workers,
		QueueSize:    c.Assets.QueueSize,
		SaveInterval: c.Assets.SaveInterval,
	}
}

// ServerConfig converts the server and quic sections without loading
// certificates. Server.Validate errors are wrapped with ErrInvalidConfig.
func (c Config) ServerConfig() (server.Config, error) {
	cfg := server.Config{
		HTTPAddr:      c.Server.Addr,
		WebSocketPath: c.Server.WebSocketPath,
		QUICAddr:      c.QUIC.Addr,
		MaxClients:    c.Server.MaxClients,
		SendQueueSize: c.Server.SendQueueSize,
		Protocol: protocol.Config{
			MaxMessageSize: c.Server.MaxMessageSize,
			ReadTimeout:    c.Server.ReadTimeout,
			WriteTimeout:   c.Server.WriteTimeout,
		},
		HealthCheckInterval: c.Server.HealthCheckInterval,
		ClientTimeout:       c.Server.ClientTimeout,
		Tokens:              c.Server.Tokens,
		RateLimit:           c.Server.RateLimit,
		RateWindow:          c.Server.RateWindow,
		UnloadIdleAssets:    c.Server.UnloadIdleAssets,
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return cfg, nil
}

// ServerConfigWithTLS is ServerConfig with the QUIC certificate loaded.
func (c Config) ServerConfigWithTLS() (server.Config, error) {
	cfg, err := c.ServerConfig()
	if err != nil {
		return cfg, err
	}
	if c.QUIC.Addr != "" && c.QUIC.CertFile != "" {
		if cfg.TLS, err = quic.LoadTLS(c.QUIC.CertFile, c.QUIC.KeyFile); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}
