package server

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeusync/scenesync/internal/core/observability/log"
	"github.com/zeusync/scenesync/internal/core/protocol"
)

// session is one connected client. Outgoing envelopes go through outbox so
// that broadcasts never block the asset workers publishing them.
type session struct {
	id     protocol.ClientID
	conn   protocol.Connection
	info   protocol.ConnectionInfo
	logger log.Log

	outbox   chan protocol.Message
	lastSeen atomic.Int64 // unix nanoseconds

	done      chan struct{}
	closeOnce sync.Once
	reason    atomic.Value // string

	mu     sync.Mutex
	assets map[string]struct{}
}

func newSession(conn protocol.Connection, queueSize int, logger log.Log) *session {
	info := conn.Info()
	s := &session{
		id:     info.ID,
		conn:   conn,
		info:   info,
		logger: logger.With(log.String("client_id", string(info.ID))),
		outbox: make(chan protocol.Message, queueSize),
		done:   make(chan struct{}),
		assets: make(map[string]struct{}),
	}
	s.touch()
	return s
}

func (s *session) touch() {
	s.lastSeen.Store(time.Now().UnixNano())
}

func (s *session) idleSince(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, s.lastSeen.Load()))
}

// enqueue queues msg without blocking. A full queue means the client cannot
// keep up and the session is closed.
func (s *session) enqueue(msg protocol.Message) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.outbox <- msg:
		return true
	default:
		s.logger.Warn("Send queue full, disconnecting client",
			log.String("message_type", msg.Type.String()),
			log.Int("queue_size", cap(s.outbox)))
		s.close(ErrSendQueueFull.Error())
		return false
	}
}

// writeLoop sends queued envelopes until the session closes.
func (s *session) writeLoop() {
	for {
		select {
		case msg := <-s.outbox:
			if err := s.conn.Send(context.Background(), msg); err != nil {
				if !s.conn.IsClosed() {
					s.logger.Warn("Failed to send message",
						log.String("message_type", msg.Type.String()),
						log.Error(err))
				}
				s.close("write failed")
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *session) close(reason string) {
	s.closeOnce.Do(func() {
		s.reason.Store(reason)
		close(s.done)
		_ = s.conn.Close(reason)
	})
}

func (s *session) closeReason() string {
	if r, ok := s.reason.Load().(string); ok {
		return r
	}
	return ""
}

func (s *session) join(assetID string) {
	s.mu.Lock()
	s.assets[assetID] = struct{}{}
	s.mu.Unlock()
}

// leave reports whether the session was subscribed.
func (s *session) leave(assetID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.assets[assetID]
	delete(s.assets, assetID)
	return ok
}

func (s *session) subscribed(assetID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.assets[assetID]
	return ok
}

func (s *session) subscriptions() []string {
	s.mu.Lock()
	ids := make([]string, 0, len(s.assets))
	for id := range s.assets {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)
	return ids
}
