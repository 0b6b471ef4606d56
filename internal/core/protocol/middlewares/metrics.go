package middlewares

import (
	"context"

	"github.com/zeusync/scenesync/internal/core/observability/metrics"
	"github.com/zeusync/scenesync/internal/core/protocol"
)

// MetricsMiddleware counts connections and received messages.
type MetricsMiddleware struct {
	m *metrics.Metrics
}

func NewMetrics(m *metrics.Metrics) *MetricsMiddleware {
	return &MetricsMiddleware{m: m}
}

func (m *MetricsMiddleware) Name() string { return "metrics" }

// Priority puts it first so rejected messages are counted too.
func (m *MetricsMiddleware) Priority() uint16 { return 1100 }

func (m *MetricsMiddleware) OnConnect(context.Context, protocol.ConnectionInfo) error {
	m.m.ClientsConnected.Inc()
	return nil
}

func (m *MetricsMiddleware) BeforeHandle(_ context.Context, _ protocol.ConnectionInfo, msg protocol.Message) error {
	m.m.MessagesReceived.WithLabelValues(msg.Type.String()).Inc()
	return nil
}

func (m *MetricsMiddleware) AfterHandle(context.Context, protocol.ConnectionInfo, protocol.Message, error) {}

func (m *MetricsMiddleware) OnDisconnect(context.Context, protocol.ConnectionInfo, string) {
	m.m.ClientsConnected.Dec()
}
