package middlewares

import (
	"context"
	"crypto/subtle"
	"fmt"
	"sync"

	"github.com/zeusync/scenesync/internal/core/observability/log"
	"github.com/zeusync/scenesync/internal/core/protocol"
)

// AuthMiddleware checks client tokens against a fixed set. A client either
// presents a token while connecting (websocket query or header) or in the
// Token field of its first envelope (QUIC). Until then only pings pass.
type AuthMiddleware struct {
	tokens  [][]byte
	skipMap map[protocol.MessageType]struct{}
	logger  log.Log

	authenticated sync.Map // protocol.ClientID -> struct{}
}

// NewAuth accepts any of tokens. With no tokens every client is let in.
func NewAuth(tokens []string, logger log.Log) *AuthMiddleware {
	m := &AuthMiddleware{
		skipMap: map[protocol.MessageType]struct{}{
			protocol.MessagePing: {},
		},
		logger: logger.With(log.String("middleware", "auth")),
	}
	for _, t := range tokens {
		if t != "" {
			m.tokens = append(m.tokens, []byte(t))
		}
	}
	return m
}

// Name returns the middleware name
func (m *AuthMiddleware) Name() string {
	return "auth"
}

// Priority returns the middleware priority
func (m *AuthMiddleware) Priority() uint16 {
	return 900 // High priority, but after logging
}

func (m *AuthMiddleware) valid(token string) bool {
	for _, t := range m.tokens {
		if subtle.ConstantTimeCompare(t, []byte(token)) == 1 {
			return true
		}
	}
	return false
}

// OnConnect refuses clients presenting a wrong token. Clients without a token
// may still authenticate with their first envelope.
func (m *AuthMiddleware) OnConnect(_ context.Context, client protocol.ConnectionInfo) error {
	if len(m.tokens) == 0 || client.Token == "" {
		return nil
	}
	if !m.valid(client.Token) {
		m.logger.Warn("Client presented an invalid token",
			log.String("client_id", string(client.ID)),
			log.String("remote_addr", client.RemoteAddr))
		return fmt.Errorf("%w: invalid token", protocol.ErrAuthenticationFailed)
	}
	m.authenticated.Store(client.ID, struct{}{})
	return nil
}

// BeforeHandle rejects messages of unauthenticated clients
func (m *AuthMiddleware) BeforeHandle(_ context.Context, client protocol.ConnectionInfo, message protocol.Message) error {
	if len(m.tokens) == 0 {
		return nil
	}
	if _, ok := m.authenticated.Load(client.ID); ok {
		return nil
	}
	if _, skip := m.skipMap[message.Type]; skip {
		return nil
	}
	if message.Token != "" && m.valid(message.Token) {
		m.authenticated.Store(client.ID, struct{}{})
		return nil
	}

	m.logger.Warn("Unauthenticated client attempted to send message",
		log.String("client_id", string(client.ID)),
		log.String("message_type", message.Type.String()))
	return fmt.Errorf("%w: missing or invalid token", protocol.ErrAuthenticationFailed)
}

// AfterHandle is called after message handling
func (m *AuthMiddleware) AfterHandle(context.Context, protocol.ConnectionInfo, protocol.Message, error) {}

// OnDisconnect forgets the client
func (m *AuthMiddleware) OnDisconnect(_ context.Context, client protocol.ConnectionInfo, _ string) {
	m.authenticated.Delete(client.ID)
}
