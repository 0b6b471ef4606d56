// Package websocket carries scene envelopes over gorilla websockets. The
// listener is an http.Handler so it can share a mux with /health and /metrics.
package websocket

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/zeusync/scenesync/internal/core/observability/log"
	"github.com/zeusync/scenesync/internal/core/protocol"
)

var _ protocol.Listener = (*Listener)(nil)

// Listener upgrades HTTP requests and queues the resulting connections for
// Accept.
type Listener struct {
	addr     net.Addr
	config   protocol.Config
	upgrader websocket.Upgrader
	logger   log.Log

	accepted  chan *Connection
	done      chan struct{}
	closeOnce sync.Once
}

// NewListener creates a listener reporting addr as its address. backlog
// bounds how many upgraded connections may wait for Accept.
func NewListener(addr net.Addr, config protocol.Config, backlog int, logger log.Log) *Listener {
	if logger == nil {
		logger = log.Provide()
	}
	if backlog <= 0 {
		backlog = 128
	}
	return &Listener{
		addr:   addr,
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger:   logger.With(log.String("transport", string(protocol.TransportWS))),
		accepted: make(chan *Connection, backlog),
		done:     make(chan struct{}),
	}
}

// ServeHTTP upgrades the request. The client token is read from the "token"
// query parameter or a bearer Authorization header.
func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-l.done:
		http.Error(w, protocol.ErrListenerClosed.Error(), http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.logger.Warn("Websocket upgrade failed",
			log.String("remote_addr", r.RemoteAddr),
			log.Error(err))
		return
	}

	c := NewConnection(conn, protocol.ConnectionInfo{
		RemoteAddr: r.RemoteAddr,
		Token:      requestToken(r),
		UserAgent:  r.UserAgent(),
	}, l.config)

	select {
	case l.accepted <- c:
	case <-l.done:
		_ = c.Close("server shutting down")
	case <-r.Context().Done():
		_ = c.Close("request cancelled")
	}
}

func requestToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// Accept returns the next upgraded connection.
func (l *Listener) Accept(ctx context.Context) (protocol.Connection, error) {
	select {
	case c := <-l.accepted:
		return c, nil
	case <-l.done:
		return nil, protocol.ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Listener) Addr() net.Addr { return l.addr }

// Close stops accepting and closes connections nobody accepted yet.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
		for {
			select {
			case c := <-l.accepted:
				_ = c.Close("server shutting down")
			default:
				return
			}
		}
	})
	return nil
}
