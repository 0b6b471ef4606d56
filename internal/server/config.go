package server

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/zeusync/scenesync/internal/core/protocol"
)

// Config holds server configuration
type Config struct {
	// Network settings
	HTTPAddr      string
	WebSocketPath string
	// QUICAddr enables the QUIC transport when set.
	QUICAddr string
	// TLS is used by the QUIC listener. A self-signed certificate is generated
	// when nil.
	TLS *tls.Config

	MaxClients    int
	SendQueueSize int
	Protocol      protocol.Config

	// Health monitoring
	HealthCheckInterval time.Duration
	ClientTimeout       time.Duration

	// Tokens accepted by the auth middleware. Empty means no authentication.
	Tokens     []string
	RateLimit  int
	RateWindow time.Duration

	// UnloadIdleAssets drops an asset from memory once its last subscriber
	// leaves.
	UnloadIdleAssets bool
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() Config {
	return Config{
		HTTPAddr:            "127.0.0.1:8080",
		WebSocketPath:       "/ws",
		MaxClients:          10_000,
		SendQueueSize:       256,
		Protocol:            protocol.DefaultConfig(),
		HealthCheckInterval: 30 * time.Second,
		ClientTimeout:       5 * time.Minute,
		RateLimit:           200,
		RateWindow:          time.Second,
		UnloadIdleAssets:    true,
	}
}

func (c Config) Validate() error {
	switch {
	case c.HTTPAddr == "":
		return fmt.Errorf("%w: empty http address", ErrInvalidConfig)
	case c.WebSocketPath == "" || c.WebSocketPath[0] != '/':
		return fmt.Errorf("%w: websocket path %q must start with /", ErrInvalidConfig, c.WebSocketPath)
	case c.MaxClients <= 0:
		return fmt.Errorf("%w: max clients must be positive", ErrInvalidConfig)
	case c.SendQueueSize <= 0:
		return fmt.Errorf("%w: send queue size must be positive", ErrInvalidConfig)
	case c.HealthCheckInterval <= 0 || c.ClientTimeout <= 0:
		return fmt.Errorf("%w: health check interval and client timeout must be positive", ErrInvalidConfig)
	case c.RateLimit > 0 && c.RateWindow <= 0:
		return fmt.Errorf("%w: rate window must be positive", ErrInvalidConfig)
	}
	return nil
}
