// Package server connects clients to scene assets. Clients subscribe to an
// asset, receive its snapshot, send commands and get every applied change
// back as an edit broadcast.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeusync/scenesync/internal/core/asset"
	"github.com/zeusync/scenesync/internal/core/events/bus"
	"github.com/zeusync/scenesync/internal/core/observability/log"
	"github.com/zeusync/scenesync/internal/core/observability/metrics"
	"github.com/zeusync/scenesync/internal/core/protocol"
	"github.com/zeusync/scenesync/internal/core/protocol/middlewares"
	"github.com/zeusync/scenesync/internal/core/protocol/quic"
	"github.com/zeusync/scenesync/internal/core/protocol/websocket"
	"github.com/zeusync/scenesync/internal/core/scene"
	"github.com/zeusync/scenesync/pkg/concurrent"
)

const shutdownTimeout = 10 * time.Second

// Server represents a scenesync server
type Server struct {
	config      Config
	assets      *asset.Manager
	events      bus.EventBus
	metrics     *metrics.Metrics
	middlewares middlewares.Chain
	logger      log.Log

	// Client management
	clients     sync.Map // map[protocol.ClientID]*session
	clientCount atomic.Int64
	sessions    sync.WaitGroup

	roomsMu sync.Mutex
	rooms   map[string]*room

	ws       *websocket.Listener
	httpAddr net.Addr
	quicAddr net.Addr

	startedAt time.Time
	running   atomic.Bool
	ready     chan struct{}
}

type Option func(*Server)

func WithLogger(l log.Log) Option {
	return func(s *Server) { s.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithMiddlewares replaces the default middleware chain.
func WithMiddlewares(mws ...protocol.Middleware) Option {
	return func(s *Server) { s.middlewares = middlewares.NewChain(mws...) }
}

// New creates a server on top of an asset manager publishing on events.
func New(config Config, assets *asset.Manager, events bus.EventBus, opts ...Option) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if events == nil {
		return nil, fmt.Errorf("%w: event bus is required", ErrInvalidConfig)
	}

	s := &Server{
		config: config,
		assets: assets,
		events: events,
		logger: log.Provide(),
		rooms:  make(map[string]*room),
		ready:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(log.String("component", "server"))
	if s.middlewares == nil {
		s.middlewares = middlewares.NewChain(
			metricsMiddleware(s.metrics),
			middlewares.NewLogging(s.logger),
			middlewares.NewAuth(config.Tokens, s.logger),
			middlewares.NewRateLimit(config.RateLimit, config.RateWindow, s.logger),
		)
	}
	s.ws = websocket.NewListener(nil, config.Protocol, 128, s.logger)

	s.logger.Info("Server created",
		log.String("http_addr", config.HTTPAddr),
		log.String("quic_addr", config.QUICAddr),
		log.Int("max_clients", config.MaxClients),
		log.Strings("middlewares", s.middlewares.Names()))
	return s, nil
}

func metricsMiddleware(m *metrics.Metrics) protocol.Middleware {
	if m == nil {
		return nil
	}
	return middlewares.NewMetrics(m)
}

// Handler serves the websocket endpoint, /health and /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.config.WebSocketPath, s.ws)
	mux.HandleFunc("/health", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	return mux
}

// Ready is closed once Run has bound its listeners.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// HTTPAddr returns the bound HTTP address, nil before Ready.
func (s *Server) HTTPAddr() net.Addr { return s.httpAddr }

// QUICAddr returns the bound QUIC address, nil when QUIC is disabled.
func (s *Server) QUICAddr() net.Addr { return s.quicAddr }

// Run serves until ctx is cancelled or a listener fails, then disconnects
// every client. The asset manager is left running; the caller closes it.
func (s *Server) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrServerAlreadyRunning
	}

	ln, err := net.Listen("tcp", s.config.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.HTTPAddr, err)
	}
	s.httpAddr = ln.Addr()
	listeners := []protocol.Listener{s.ws}

	if s.config.QUICAddr != "" {
		tlsConfig := s.config.TLS
		if tlsConfig == nil {
			s.logger.Warn("No TLS certificate configured, using a self-signed one for QUIC")
			if tlsConfig, err = quic.GenerateSelfSignedTLS(); err != nil {
				_ = ln.Close()
				return fmt.Errorf("generate certificate: %w", err)
			}
		}
		ql, err := quic.Listen(s.config.QUICAddr, tlsConfig, s.config.Protocol, s.logger)
		if err != nil {
			_ = ln.Close()
			return err
		}
		s.quicAddr = ql.Addr()
		listeners = append(listeners, ql)
	}

	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.startedAt = time.Now()
	close(s.ready)
	s.logger.Info("Server listening", log.String("http_addr", s.httpAddr.String()))

	tasks := []func(context.Context) error{
		func(context.Context) error {
			if err := httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
		func(ctx context.Context) error {
			<-ctx.Done()
			return s.shutdown(httpServer, listeners)
		},
		func(ctx context.Context) error {
			s.healthMonitor(ctx)
			return nil
		},
	}
	for _, l := range listeners {
		l := l
		tasks = append(tasks, func(ctx context.Context) error {
			s.acceptConnections(ctx, l)
			return nil
		})
	}

	err = concurrent.Run(ctx, tasks...)
	s.sessions.Wait()
	s.logger.Info("Server stopped")
	return err
}

func (s *Server) shutdown(httpServer *http.Server, listeners []protocol.Listener) error {
	s.logger.Info("Stopping server")
	for _, l := range listeners {
		_ = l.Close()
	}

	s.clients.Range(func(_, value any) bool {
		value.(*session).close("server shutting down")
		return true
	})

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(ctx)
}

// acceptConnections accepts incoming client connections
func (s *Server) acceptConnections(ctx context.Context, l protocol.Listener) {
	for {
		conn, err := l.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, protocol.ErrListenerClosed) {
				return
			}
			s.logger.Error("Failed to accept connection", log.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		s.serveConn(ctx, conn)
	}
}

func (s *Server) serveConn(ctx context.Context, conn protocol.Connection) {
	info := conn.Info()

	if int(s.clientCount.Load()) >= s.config.MaxClients {
		s.logger.Warn("Maximum clients reached, rejecting connection",
			log.String("remote_addr", info.RemoteAddr))
		s.reject(conn, protocol.ErrMaxClientsReached)
		return
	}
	if err := s.middlewares.OnConnect(ctx, info); err != nil {
		s.middlewares.OnDisconnect(ctx, info, err.Error())
		s.reject(conn, err)
		return
	}

	sess := newSession(conn, s.config.SendQueueSize, s.logger)
	s.clients.Store(sess.id, sess)
	s.clientCount.Add(1)

	s.sessions.Add(2)
	go func() {
		defer s.sessions.Done()
		sess.writeLoop()
	}()
	go func() {
		defer s.sessions.Done()
		s.handleClient(sess)
	}()
}

func (s *Server) reject(conn protocol.Connection, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = conn.Send(ctx, protocol.Message{Type: protocol.MessageError, Error: protocol.NewErrorBody(err)})
	_ = conn.Close(err.Error())
}

// handleClient reads until the connection fails, then cleans up.
func (s *Server) handleClient(sess *session) {
	defer s.disconnect(sess)

	for {
		msg, err := sess.conn.Receive(context.Background())
		if err != nil {
			if sess.conn.IsClosed() || errors.Is(err, protocol.ErrConnectionClosed) {
				return
			}
			if errors.Is(err, protocol.ErrInvalidMessage) || errors.Is(err, protocol.ErrUnknownMessageType) {
				sess.enqueue(protocol.Message{Type: protocol.MessageError, Error: protocol.NewErrorBody(err)})
				continue
			}
			sess.logger.Warn("Failed to receive message", log.Error(err))
			sess.close("read failed")
			return
		}
		sess.touch()
		s.handleMessage(sess, msg)
	}
}

func (s *Server) disconnect(sess *session) {
	sess.close("connection closed")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, assetID := range sess.subscriptions() {
		s.leave(ctx, sess, assetID)
	}

	s.clients.Delete(sess.id)
	s.clientCount.Add(-1)
	s.middlewares.OnDisconnect(ctx, sess.info, sess.closeReason())
}

// handleMessage processes a message from a client
func (s *Server) handleMessage(sess *session, msg protocol.Message) {
	ctx := log.ContextWithClientID(context.Background(), string(sess.id))

	err := s.middlewares.BeforeHandle(ctx, sess.info, msg)
	if err == nil {
		err = s.dispatch(ctx, sess, msg)
	}
	if err != nil {
		sess.enqueue(protocol.NewErrorReply(msg, err))
	}
	s.middlewares.AfterHandle(ctx, sess.info, msg, err)
}

func (s *Server) dispatch(ctx context.Context, sess *session, msg protocol.Message) error {
	switch msg.Type {
	case protocol.MessagePing:
		sess.enqueue(protocol.Message{Type: protocol.MessagePong, ID: msg.ID})
		return nil
	case protocol.MessageSubscribe:
		return s.subscribe(ctx, sess, msg)
	case protocol.MessageUnsubscribe:
		if !sess.subscribed(msg.AssetID) {
			return fmt.Errorf("%w: %s", protocol.ErrNotSubscribed, msg.AssetID)
		}
		s.leave(ctx, sess, msg.AssetID)
		sess.enqueue(protocol.Message{Type: protocol.MessageAck, ID: msg.ID, AssetID: msg.AssetID})
		return nil
	case protocol.MessageResync:
		return s.resync(ctx, sess, msg)
	case protocol.MessageCommand:
		return s.command(sess, msg)
	default:
		return fmt.Errorf("%w: clients cannot send %s", protocol.ErrUnknownMessageType, msg.Type)
	}
}

// subscribe joins the asset's room and queues its snapshot. Both happen on the
// asset's worker, so every later edit is queued after the snapshot.
func (s *Server) subscribe(ctx context.Context, sess *session, msg protocol.Message) error {
	return s.assets.Do(ctx, msg.AssetID, func(a *scene.Asset) error {
		r, err := s.openRoom(msg.AssetID)
		if err != nil {
			return err
		}
		snap, err := snapshotMessage(msg.ID, a)
		if err != nil {
			return err
		}
		r.add(sess)
		sess.join(msg.AssetID)
		sess.enqueue(snap)
		sess.logger.Debug("Subscribed",
			log.String("asset_id", msg.AssetID),
			log.Uint64("revision", a.Revision()),
			log.Int("room_size", r.size()))
		return nil
	})
}

func (s *Server) resync(ctx context.Context, sess *session, msg protocol.Message) error {
	if !sess.subscribed(msg.AssetID) {
		return fmt.Errorf("%w: %s", protocol.ErrNotSubscribed, msg.AssetID)
	}
	if s.metrics != nil {
		s.metrics.Resyncs.Inc()
	}
	return s.assets.Do(ctx, msg.AssetID, func(a *scene.Asset) error {
		snap, err := snapshotMessage(msg.ID, a)
		if err != nil {
			return err
		}
		sess.enqueue(snap)
		return nil
	})
}

func snapshotMessage(requestID string, a *scene.Asset) (protocol.Message, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return protocol.Message{}, fmt.Errorf("%w: encode %s: %v", protocol.ErrInternalError, a.ID(), err)
	}
	return protocol.NewSnapshot(requestID, a.ID(), a.Revision(), data, a.Dependencies())
}

// command queues the command on the asset's worker. The edit broadcast reaches
// the sender before its ack.
func (s *Server) command(sess *session, msg protocol.Message) error {
	if !sess.subscribed(msg.AssetID) {
		return fmt.Errorf("%w: %s", protocol.ErrNotSubscribed, msg.AssetID)
	}
	return s.assets.Submit(msg.AssetID, string(sess.id), msg.Command, msg.Payload, func(change scene.Change, err error) {
		if err != nil {
			sess.enqueue(protocol.NewErrorReply(msg, err))
			return
		}
		sess.enqueue(protocol.NewAck(msg, change))
	})
}

// leave removes sess from the asset's room and closes the room, unloading the
// asset when configured, once nobody is left.
func (s *Server) leave(ctx context.Context, sess *session, assetID string) {
	sess.leave(assetID)
	if r, ok := s.lookupRoom(assetID); ok {
		r.remove(sess.id)
	}

	unloaded, err := s.assets.UnloadIf(ctx, assetID, func() bool {
		return s.closeRoomIfEmpty(assetID) && s.config.UnloadIdleAssets
	})
	if err != nil {
		sess.logger.Warn("Failed to release asset", log.String("asset_id", assetID), log.Error(err))
		return
	}
	if unloaded {
		s.logger.Debug("Idle asset unloaded", log.String("asset_id", assetID))
	}
}

// healthMonitor disconnects clients that stayed silent for longer than the
// client timeout.
func (s *Server) healthMonitor(ctx context.Context) {
	ticker := time.NewTicker(s.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.performHealthChecks(time.Now())
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) performHealthChecks(now time.Time) int {
	var idle []*session
	s.clients.Range(func(_, value any) bool {
		sess := value.(*session)
		if sess.idleSince(now) > s.config.ClientTimeout {
			idle = append(idle, sess)
		}
		return true
	})

	for _, sess := range idle {
		sess.logger.Info("Disconnecting inactive client")
		sess.close("idle timeout")
	}
	if len(idle) > 0 {
		s.logger.Info("Health check completed",
			log.Int("disconnected_clients", len(idle)),
			log.Int64("active_clients", s.clientCount.Load()))
	}
	return len(idle)
}

// Stats contains server statistics
type Stats struct {
	Status       protocol.HealthStatus `json:"status"`
	Clients      int64                 `json:"clients"`
	Rooms        int                   `json:"rooms"`
	AssetsLoaded int                   `json:"assetsLoaded"`
	Uptime       string                `json:"uptime"`
}

// GetStats returns server statistics
func (s *Server) GetStats() Stats {
	s.roomsMu.Lock()
	rooms := len(s.rooms)
	s.roomsMu.Unlock()

	clients := s.clientCount.Load()
	status := protocol.HealthStatusHealthy
	switch {
	case !s.running.Load():
		status = protocol.HealthStatusUnhealthy
	case clients >= int64(s.config.MaxClients):
		status = protocol.HealthStatusDegraded
	}

	var uptime time.Duration
	if !s.startedAt.IsZero() {
		uptime = time.Since(s.startedAt).Truncate(time.Second)
	}
	return Stats{
		Status:       status,
		Clients:      clients,
		Rooms:        rooms,
		AssetsLoaded: s.assets.Loaded(),
		Uptime:       uptime.String(),
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	stats := s.GetStats()
	w.Header().Set("Content-Type", "application/json")
	if stats.Status == protocol.HealthStatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(stats)
}
