package transport

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

// SocketConfig contains configuration for the raw TCP transport.
type SocketConfig struct {
	Host        string
	Port        int
	TLS         TLSOptions
	// DialTimeout bounds the connect and TLS handshake. Zero means no limit.
	DialTimeout time.Duration
}

// Socket writes each payload over a fresh TCP connection, optionally wrapped
// in TLS. No connection outlives a send.
type Socket struct {
	addr      string
	tlsConfig *tls.Config
	dialer    net.Dialer
}

// NewSocket creates the TCP transport.
func NewSocket(cfg SocketConfig) (*Socket, error) {
	if cfg.Host == "" {
		return nil, errors.New("host is required")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d", cfg.Port)
	}

	tlsConfig, err := NewTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil && tlsConfig.ServerName == "" {
		tlsConfig.ServerName = cfg.Host
	}

	return &Socket{
		addr:      net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		tlsConfig: tlsConfig,
		dialer:    net.Dialer{Timeout: cfg.DialTimeout},
	}, nil
}

// Addr returns the host:port the socket connects to.
func (s *Socket) Addr() string {
	return s.addr
}

// Connect opens a connection and, when TLS is enabled, completes the
// handshake before returning.
func (s *Socket) Connect() (net.Conn, error) {
	conn, err := s.dialer.Dial("tcp", s.addr)
	if err != nil {
		return nil, &Error{Op: "dial", Endpoint: s.addr, Err: err}
	}
	if s.tlsConfig == nil {
		return conn, nil
	}

	tlsConn := tls.Client(conn, s.tlsConfig)
	if s.dialer.Timeout > 0 {
		_ = tlsConn.SetDeadline(time.Now().Add(s.dialer.Timeout))
	}
	if err := tlsConn.Handshake(); err != nil {
		_ = conn.Close()
		return nil, &Error{Op: "handshake", Endpoint: s.addr, Err: err}
	}
	_ = tlsConn.SetDeadline(time.Time{})
	return tlsConn, nil
}

// Send writes body in full on a new connection and closes it. The path is
// ignored.
func (s *Socket) Send(_ string, body []byte) (*Response, error) {
	conn, err := s.Connect()
	if err != nil {
		return nil, err
	}

	if _, err := conn.Write(body); err != nil {
		_ = conn.Close()
		return nil, &Error{Op: "write", Endpoint: s.addr, Err: err}
	}
	if err := conn.Close(); err != nil {
		return nil, &Error{Op: "close", Endpoint: s.addr, Err: err}
	}
	return &Response{}, nil
}

// Close is a no-op; the socket transport holds no connections between sends.
func (s *Socket) Close() error {
	return nil
}
