// Package quic carries scene envelopes over quic-go connections.
package quic

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"net"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/zeusync/scenesync/internal/core/observability/log"
	"github.com/zeusync/scenesync/internal/core/protocol"
)

// NextProto is the ALPN protocol both sides must agree on.
const NextProto = "scenesync"

const (
	// DefaultMaxIdleTimeout is the default maximum idle timeout
	DefaultMaxIdleTimeout = 60 * time.Second

	// DefaultKeepAlive is the default keep-alive interval
	DefaultKeepAlive = 15 * time.Second
)

var _ protocol.Listener = (*Listener)(nil)

// Listener implements protocol.Listener for QUIC
type Listener struct {
	listener *quic.Listener
	config   protocol.Config
	closed   atomic.Bool
	logger   log.Log
}

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  DefaultMaxIdleTimeout,
		KeepAlivePeriod: DefaultKeepAlive,
	}
}

// Listen starts a QUIC listener on addr. tlsConfig must carry a certificate;
// NextProtos defaults to NextProto.
func Listen(addr string, tlsConfig *tls.Config, config protocol.Config, logger log.Log) (*Listener, error) {
	if logger == nil {
		logger = log.Provide()
	}
	if tlsConfig == nil {
		return nil, fmt.Errorf("%w: quic listener needs a TLS config", protocol.ErrTransportClosed)
	}
	tlsConfig = tlsConfig.Clone()
	if len(tlsConfig.NextProtos) == 0 {
		tlsConfig.NextProtos = []string{NextProto}
	}

	listener, err := quic.ListenAddr(addr, tlsConfig, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	l := &Listener{
		listener: listener,
		config:   config,
		logger:   logger.With(log.String("transport", string(protocol.TransportQUIC))),
	}
	l.logger.Info("QUIC listener created", log.String("addr", listener.Addr().String()))
	return l, nil
}

// Accept accepts a new connection
func (l *Listener) Accept(ctx context.Context) (protocol.Connection, error) {
	if l.closed.Load() {
		return nil, protocol.ErrListenerClosed
	}

	conn, err := l.listener.Accept(ctx)
	if err != nil {
		if l.closed.Load() || errors.Is(err, quic.ErrServerClosed) {
			return nil, protocol.ErrListenerClosed
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, protocol.WrapError(err, "failed to accept QUIC connection")
	}

	l.logger.Debug("QUIC connection accepted",
		log.String("remote_addr", conn.RemoteAddr().String()))
	return newConnection(conn, protocol.ConnectionInfo{}, l.config), nil
}

// Addr returns the listener address
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

// Close closes the listener. Accepted connections stay open.
func (l *Listener) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	return l.listener.Close()
}

// Dial connects to a QUIC listener and opens the envelope stream. The token
// travels in the first envelope the caller sends, QUIC has no headers.
func Dial(ctx context.Context, addr string, tlsConfig *tls.Config, config protocol.Config) (*Connection, error) {
	if tlsConfig == nil {
		tlsConfig = &tls.Config{}
	}
	tlsConfig = tlsConfig.Clone()
	if len(tlsConfig.NextProtos) == 0 {
		tlsConfig.NextProtos = []string{NextProto}
	}
	if tlsConfig.ServerName == "" {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			host = addr
		}
		tlsConfig.ServerName = host
	}

	conn, err := quic.DialAddr(ctx, addr, tlsConfig, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "failed to open stream")
		return nil, fmt.Errorf("open stream to %s: %w", addr, err)
	}

	c := newConnection(conn, protocol.ConnectionInfo{}, config)
	c.setStream(stream, nil)
	return c, nil
}

// GenerateSelfSignedTLS generates a self-signed TLS certificate for development
func GenerateSelfSignedTLS() (*tls.Config, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"scenesync"},
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour), // Valid for 1 year
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		DNSNames:              []string{"localhost"},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{certDER},
			PrivateKey:  privateKey,
		}},
		NextProtos: []string{NextProto},
		MinVersion: tls.VersionTLS13,
	}, nil
}

// LoadTLS loads a certificate pair for the listener.
func LoadTLS(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{NextProto},
		MinVersion:   tls.VersionTLS13, // QUIC requires TLS 1.3
	}, nil
}
