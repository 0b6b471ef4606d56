package middlewares

import (
	"context"
	"time"

	"github.com/zeusync/scenesync/internal/core/observability/log"
	"github.com/zeusync/scenesync/internal/core/protocol"
)

// LoggingMiddleware logs all protocol events
type LoggingMiddleware struct {
	logger log.Log
}

func NewLogging(logger log.Log) *LoggingMiddleware {
	return &LoggingMiddleware{logger: logger.With(log.String("middleware", "logging"))}
}

// Name returns the middleware name
func (m *LoggingMiddleware) Name() string {
	return "logging"
}

// Priority returns the middleware priority
func (m *LoggingMiddleware) Priority() uint16 {
	return 1000 // High priority
}

// BeforeHandle logs before message handling
func (m *LoggingMiddleware) BeforeHandle(_ context.Context, client protocol.ConnectionInfo, message protocol.Message) error {
	m.logger.Debug("Processing message",
		log.String("client_id", string(client.ID)),
		log.String("message_type", message.Type.String()),
		log.String("message_id", message.ID),
		log.String("asset_id", message.AssetID),
		log.String("command", message.Command))
	return nil
}

// AfterHandle logs after message handling
func (m *LoggingMiddleware) AfterHandle(_ context.Context, client protocol.ConnectionInfo, message protocol.Message, err error) {
	fields := []log.Field{
		log.String("client_id", string(client.ID)),
		log.String("message_type", message.Type.String()),
		log.String("message_id", message.ID),
		log.String("asset_id", message.AssetID),
	}
	if err != nil {
		m.logger.Warn("Message handling failed", append(fields, log.Error(err))...)
		return
	}
	m.logger.Debug("Message handled", fields...)
}

// OnConnect logs client connections
func (m *LoggingMiddleware) OnConnect(_ context.Context, client protocol.ConnectionInfo) error {
	m.logger.Info("Client connected",
		log.String("client_id", string(client.ID)),
		log.String("remote_addr", client.RemoteAddr),
		log.String("transport", string(client.Transport)),
		log.String("user_agent", client.UserAgent))
	return nil
}

// OnDisconnect logs client disconnections
func (m *LoggingMiddleware) OnDisconnect(_ context.Context, client protocol.ConnectionInfo, reason string) {
	m.logger.Info("Client disconnected",
		log.String("client_id", string(client.ID)),
		log.String("remote_addr", client.RemoteAddr),
		log.String("reason", reason),
		log.Duration("duration", time.Since(client.ConnectedAt)))
}
