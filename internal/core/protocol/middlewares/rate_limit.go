package middlewares

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zeusync/scenesync/internal/core/observability/log"
	"github.com/zeusync/scenesync/internal/core/protocol"
)

// RateLimitMiddleware implements fixed-window rate limiting per client
type RateLimitMiddleware struct {
	logger    log.Log
	rateLimit int           // Messages per window
	window    time.Duration // Time window
	clients   sync.Map      // client ID -> *clientRateLimit
	now       func() time.Time
}

type clientRateLimit struct {
	count  int
	window time.Time
	mu     sync.Mutex
}

// NewRateLimit allows limit messages per window to every client.
func NewRateLimit(limit int, window time.Duration, logger log.Log) *RateLimitMiddleware {
	return &RateLimitMiddleware{
		logger:    logger.With(log.String("middleware", "rate_limit")),
		rateLimit: limit,
		window:    window,
		now:       time.Now,
	}
}

// Name returns the middleware name
func (m *RateLimitMiddleware) Name() string {
	return "rate_limit"
}

// Priority returns the middleware priority
func (m *RateLimitMiddleware) Priority() uint16 {
	return 800 // After auth
}

// BeforeHandle checks rate limits before message handling
func (m *RateLimitMiddleware) BeforeHandle(_ context.Context, client protocol.ConnectionInfo, message protocol.Message) error {
	if message.Type == protocol.MessagePing || m.rateLimit <= 0 {
		return nil
	}

	now := m.now()
	clientLimit := m.getClientRateLimit(client.ID, now)

	clientLimit.mu.Lock()
	defer clientLimit.mu.Unlock()

	// Reset window if expired
	if now.Sub(clientLimit.window) >= m.window {
		clientLimit.count = 0
		clientLimit.window = now
	}

	if clientLimit.count >= m.rateLimit {
		m.logger.Warn("Rate limit exceeded",
			log.String("client_id", string(client.ID)),
			log.String("message_type", message.Type.String()),
			log.Int("count", clientLimit.count),
			log.Int("limit", m.rateLimit))
		return fmt.Errorf("%w: %d messages per %s", protocol.ErrRateLimited, m.rateLimit, m.window)
	}

	clientLimit.count++
	return nil
}

// AfterHandle is called after message handling
func (m *RateLimitMiddleware) AfterHandle(context.Context, protocol.ConnectionInfo, protocol.Message, error) {}

// OnConnect handles client connection
func (m *RateLimitMiddleware) OnConnect(_ context.Context, client protocol.ConnectionInfo) error {
	m.clients.Store(client.ID, &clientRateLimit{window: m.now()})
	return nil
}

// OnDisconnect handles client disconnection
func (m *RateLimitMiddleware) OnDisconnect(_ context.Context, client protocol.ConnectionInfo, _ string) {
	m.clients.Delete(client.ID)
}

// getClientRateLimit gets or creates rate limit data for a client
func (m *RateLimitMiddleware) getClientRateLimit(clientID protocol.ClientID, now time.Time) *clientRateLimit {
	limit, _ := m.clients.LoadOrStore(clientID, &clientRateLimit{window: now})
	return limit.(*clientRateLimit)
}
