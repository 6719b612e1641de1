// Package server hosts the output. Dispatcher delivers batches and applies
// the drop policy; Server is the listen host, which accepts NDJSON over TCP or
// TLS and batches each connection's events through a Dispatcher.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/scottbrown/splunkout/internal/acl"
	"github.com/scottbrown/splunkout/internal/audit"
	"github.com/scottbrown/splunkout/internal/config"
	"github.com/scottbrown/splunkout/internal/event"
	"github.com/scottbrown/splunkout/internal/metrics"
	"github.com/scottbrown/splunkout/internal/processor"
	"github.com/scottbrown/splunkout/internal/transport"
)

const handshakeTimeout = 10 * time.Second

// Config contains listener configuration
type Config struct {
	Addr         string
	TLSCertFile  string
	TLSKeyFile   string
	ClientCAFile string
	AllowedCIDRs []string

	BatchSize     int
	MaxLineBytes  int
	FlushInterval time.Duration
	// IdleTimeout closes connections that send nothing for this long. Zero disables it.
	IdleTimeout time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithClock replaces the clock driving the flush interval.
func WithClock(c clock.Clock) Option {
	return func(s *Server) {
		s.clock = c
	}
}

// Server accepts NDJSON connections and delivers their events in batches.
type Server struct {
	cfg        Config
	acl        *acl.List
	tlsConfig  *tls.Config
	dispatcher *Dispatcher
	clock      clock.Clock

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closing  bool
	wg       sync.WaitGroup
}

// New creates a server that hands batches to d. Shutdown closes d.
func New(cfg Config, d *Dispatcher, opts ...Option) (*Server, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = config.DefaultBatchSize
	}
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = config.DefaultMaxLineBytes
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = config.DefaultFlushIntervalSeconds * time.Second
	}

	list, err := acl.New(cfg.AllowedCIDRs)
	if err != nil {
		return nil, fmt.Errorf("invalid allowed_cidrs: %w", err)
	}

	s := &Server{
		cfg:        cfg,
		acl:        list,
		dispatcher: d,
		clock:      clock.New(),
		conns:      make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if cfg.TLSCertFile != "" {
		s.tlsConfig, err = transport.NewServerTLSConfig(cfg.TLSCertFile, cfg.TLSKeyFile, cfg.ClientCAFile)
		if err != nil {
			return nil, err
		}
	}

	return s, nil
}

// NewFromConfig builds the dispatcher and listener described by cfg. The
// listen section must already be validated.
func NewFromConfig(cfg *config.Config, opts ...Option) (*Server, error) {
	d, err := NewDispatcherFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	s, err := New(Config{
		Addr:          cfg.Listen.Addr,
		TLSCertFile:   cfg.Listen.TLSCertFile,
		TLSKeyFile:    cfg.Listen.TLSKeyFile,
		ClientCAFile:  cfg.Listen.ClientCAFile,
		AllowedCIDRs:  cfg.Listen.AllowedCIDRs,
		BatchSize:     cfg.Pipeline.BatchSize,
		MaxLineBytes:  cfg.Pipeline.MaxLineBytes,
		FlushInterval: cfg.Listen.FlushInterval(),
		IdleTimeout:   cfg.Listen.IdleTimeout(),
	}, d, opts...)
	if err != nil {
		return nil, multierr.Append(err, d.Close(context.Background()))
	}
	return s, nil
}

// Dispatcher returns the dispatcher batches are handed to.
func (s *Server) Dispatcher() *Dispatcher {
	return s.dispatcher
}

// Listen binds the listening socket without accepting connections.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	if s.tlsConfig != nil {
		ln = tls.NewListener(ln, s.tlsConfig)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	slog.Info("server listening",
		"addr", ln.Addr().String(),
		"tls_enabled", s.tlsConfig != nil,
		"mutual_tls", s.cfg.ClientCAFile != "",
		"allowed_networks", s.acl.Len())
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ListenAndServe binds the socket and serves until Shutdown.
func (s *Server) ListenAndServe() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Serve accepts connections until Shutdown, then returns nil.
func (s *Server) Serve() error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return errors.New("server is not listening")
	}

	s.auditServer(audit.EventServerStart, "start", "listening", ln.Addr().String())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosing() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			slog.Warn("accept error", "error", err)
			continue
		}

		if !s.acl.AllowsAddr(conn.RemoteAddr()) {
			s.reject(conn)
			continue
		}

		s.mu.Lock()
		if s.closing {
			s.mu.Unlock()
			_ = conn.Close()
			return nil
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go s.handleConnection(conn)
	}
}

// Shutdown stops accepting connections, ends the open ones after flushing
// what they have read, then closes the dispatcher. If ctx ends first the
// remaining connections are closed without waiting.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	ln := s.listener
	for conn := range s.conns {
		// Unblocks the reader; buffered lines are still delivered
		_ = conn.SetReadDeadline(time.Now())
	}
	s.mu.Unlock()

	var err error
	if ln != nil {
		if cerr := ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.mu.Lock()
		for conn := range s.conns {
			_ = conn.Close()
		}
		s.mu.Unlock()
		err = multierr.Append(err, ctx.Err())
	}

	addr := ""
	if ln != nil {
		addr = ln.Addr().String()
	}
	s.auditServer(audit.EventServerStop, "stop", "stopped", addr)
	slog.Info("server stopped", "addr", addr)

	return multierr.Append(err, s.dispatcher.Close(ctx))
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// clearHandshakeDeadline lifts the handshake deadline, unless Shutdown has
// already expired the read side of the connection.
func (s *Server) clearHandshakeDeadline(tc *tls.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		_ = tc.SetWriteDeadline(time.Time{})
		_ = tc.SetReadDeadline(time.Now())
		return
	}
	_ = tc.SetDeadline(time.Time{})
}

func (s *Server) reject(conn net.Conn) {
	clientAddr := conn.RemoteAddr().String()
	metrics.Connections.Add("rejected", 1)
	slog.Warn("connection denied by ACL", "client_addr", clientAddr)
	s.auditConn(audit.EventConnectionRejected, false, "", clientAddr, "connect", "rejected",
		map[string]any{"reason": "not in allowed_cidrs"})

	if err := conn.Close(); err != nil {
		slog.Warn("failed to close denied connection", "error", err)
	}
}

// connStats counts what one connection delivered.
type connStats struct {
	events  int
	batches int
	failed  int
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	connID := uuid.NewString()
	clientAddr := conn.RemoteAddr().String()

	if tc, ok := conn.(*tls.Conn); ok {
		_ = tc.SetDeadline(time.Now().Add(handshakeTimeout))
		if err := tc.Handshake(); err != nil {
			metrics.Connections.Add("handshake_failed", 1)
			slog.Warn("TLS handshake failed", "conn_id", connID, "client_addr", clientAddr, "error", err)
			s.auditConn(audit.EventAuthFailure, false, connID, clientAddr, "tls_handshake", "failed",
				map[string]any{"error": err.Error()})
			return
		}
		s.clearHandshakeDeadline(tc)
	}

	metrics.Connections.Add("accepted", 1)
	slog.Info("connection accepted", "conn_id", connID, "client_addr", clientAddr)
	s.auditConn(audit.EventConnectionAccepted, true, connID, clientAddr, "connect", "accepted", nil)

	entries := make(chan event.Entry)
	readDone := make(chan error, 1)
	go s.readLoop(conn, entries, readDone)

	stats, readErr := s.batchLoop(Origin{ConnID: connID, Actor: clientAddr}, entries, readDone)

	reason := s.closeReason(readErr)
	metrics.Connections.Add("closed", 1)
	slog.Info("connection closed",
		"conn_id", connID,
		"client_addr", clientAddr,
		"reason", reason,
		"events", stats.events,
		"batches", stats.batches,
		"failed_batches", stats.failed)
	s.auditConn(audit.EventConnectionClosed, true, connID, clientAddr, "disconnect", reason, map[string]any{
		"events":         stats.events,
		"batches":        stats.batches,
		"failed_batches": stats.failed,
	})
}

// readLoop parses entries from conn until a read fails. Every entry is
// handed over before the error is reported.
func (s *Server) readLoop(conn net.Conn, entries chan<- event.Entry, done chan<- error) {
	r := processor.NewReader(&idleReader{server: s, conn: conn}, s.cfg.MaxLineBytes)
	for {
		entry, err := r.Read()
		if err != nil {
			done <- err
			return
		}
		entries <- entry
	}
}

// batchLoop collects entries into batches of BatchSize and dispatches them,
// flushing a partial batch every FlushInterval and when the reader stops.
func (s *Server) batchLoop(origin Origin, entries <-chan event.Entry, readDone <-chan error) (connStats, error) {
	var stats connStats
	batch := make([]event.Entry, 0, s.cfg.BatchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		stats.batches++
		stats.events += len(batch)
		if err := s.dispatcher.Dispatch(origin, batch); err != nil {
			stats.failed++
		}
		batch = make([]event.Entry, 0, s.cfg.BatchSize)
	}

	ticker := s.clock.Ticker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case entry := <-entries:
			batch = append(batch, entry)
			if len(batch) >= s.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case err := <-readDone:
			flush()
			return stats, err
		}
	}
}

func (s *Server) closeReason(err error) string {
	var netErr net.Error
	switch {
	case errors.Is(err, io.EOF):
		return "peer closed"
	case s.isClosing():
		return "shutdown"
	case errors.As(err, &netErr) && netErr.Timeout():
		return "idle timeout"
	default:
		return "read error: " + err.Error()
	}
}

func (s *Server) auditConn(typ audit.EventType, success bool, connID, actor, action, result string, details map[string]any) {
	err := s.dispatcher.Audit().Log(audit.Event{
		EventType:    typ,
		Success:      success,
		Actor:        actor,
		Action:       action,
		Result:       result,
		Details:      details,
		ConnectionID: connID,
	})
	if err != nil {
		slog.Warn("failed to write audit event", "event_type", typ, "error", err)
	}
}

func (s *Server) auditServer(typ audit.EventType, action, result, addr string) {
	s.auditConn(typ, true, "", addr, action, result, nil)
}

// idleReader extends the read deadline before every read, unless the server
// is shutting down and has already expired it.
type idleReader struct {
	server *Server
	conn   net.Conn
}

func (r *idleReader) Read(p []byte) (int, error) {
	if timeout := r.server.cfg.IdleTimeout; timeout > 0 {
		r.server.mu.Lock()
		if !r.server.closing {
			_ = r.conn.SetReadDeadline(time.Now().Add(timeout))
		}
		r.server.mu.Unlock()
	}
	return r.conn.Read(p)
}
