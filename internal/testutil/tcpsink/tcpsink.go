// Package tcpsink provides a TCP/TLS listener that records what each client
// connection wrote, for testing raw socket delivery.
package tcpsink

import (
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"
)

// Connection is one client connection that has been closed by its writer.
type Connection struct {
	Data []byte
	// PeerCertificates is the number of certificates the client presented.
	PeerCertificates int
	Err              error
}

// Sink accepts connections until closed.
type Sink struct {
	listener net.Listener

	mu     sync.Mutex
	conns  []Connection
	notify chan struct{}
	wg     sync.WaitGroup
}

// New starts a sink on a loopback port. A nil tlsConfig serves plain TCP.
// The sink is closed when the test finishes.
func New(t testing.TB, tlsConfig *tls.Config) *Sink {
	t.Helper()

	var (
		ln  net.Listener
		err error
	)
	if tlsConfig != nil {
		ln, err = tls.Listen("tcp", "127.0.0.1:0", tlsConfig)
	} else {
		ln, err = net.Listen("tcp", "127.0.0.1:0")
	}
	if err != nil {
		t.Fatalf("tcpsink: listen: %v", err)
	}

	s := &Sink{listener: ln, notify: make(chan struct{}, 1)}
	s.wg.Add(1)
	go s.acceptLoop()
	t.Cleanup(s.Close)
	return s
}

// Host returns the listening host.
func (s *Sink) Host() string {
	host, _, _ := net.SplitHostPort(s.listener.Addr().String())
	return host
}

// Port returns the listening port.
func (s *Sink) Port() int {
	_, port, _ := net.SplitHostPort(s.listener.Addr().String())
	p, _ := strconv.Atoi(port)
	return p
}

// Connections returns the connections completed so far.
func (s *Sink) Connections() []Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Connection, len(s.conns))
	copy(out, s.conns)
	return out
}

// WaitForConnections blocks until n connections have completed or the
// timeout elapses, and returns what was recorded.
func (s *Sink) WaitForConnections(n int, timeout time.Duration) []Connection {
	deadline := time.After(timeout)
	for {
		conns := s.Connections()
		if len(conns) >= n {
			return conns
		}
		select {
		case <-s.notify:
		case <-deadline:
			return s.Connections()
		}
	}
}

// Close stops accepting and waits for open connections to finish.
func (s *Sink) Close() {
	_ = s.listener.Close()
	s.wg.Wait()
}

func (s *Sink) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				slog.Warn("tcpsink accept error", "error", err)
			}
			return
		}
		s.wg.Add(1)
		go s.handle(conn)
	}
}

func (s *Sink) handle(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	data, err := io.ReadAll(conn)

	rec := Connection{Data: data, Err: err}
	if tlsConn, ok := conn.(*tls.Conn); ok {
		rec.PeerCertificates = len(tlsConn.ConnectionState().PeerCertificates)
	}

	s.mu.Lock()
	s.conns = append(s.conns, rec)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}
