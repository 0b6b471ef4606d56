package protocol

import (
	"time"

	"github.com/google/uuid"
)

// ClientID represents a unique identifier for a connected client
type ClientID string

// GenerateClientID returns a fresh random client id.
func GenerateClientID() ClientID {
	return ClientID(uuid.NewString())
}

// GenerateRequestID returns a fresh id for a request envelope.
func GenerateRequestID() string {
	return uuid.NewString()
}

// TransportType defines the underlying transport protocol
type TransportType string

const (
	TransportQUIC TransportType = "quic"
	TransportWS   TransportType = "websocket"
)

// ConnectionInfo contains metadata about a connection
type ConnectionInfo struct {
	ID          ClientID
	RemoteAddr  string
	Transport   TransportType
	ConnectedAt time.Time
	// Token is the credential presented while connecting, if any.
	Token     string
	UserAgent string
}

// HealthStatus represents the health status of the server
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// Config holds the limits shared by every transport.
type Config struct {
	MaxMessageSize int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

// DefaultConfig returns the transport limits used when none are configured.
func DefaultConfig() Config {
	return Config{
		MaxMessageSize: 1024 * 1024, // 1MB
		ReadTimeout:    0,
		WriteTimeout:   10 * time.Second,
	}
}
