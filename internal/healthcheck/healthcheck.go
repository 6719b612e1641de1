// Package healthcheck serves a TCP liveness probe for the listen host. Each
// connection receives "OK" or "FAIL <reason>" from the output probe and is
// then closed.
package healthcheck

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"
)

const writeTimeout = 5 * time.Second

// Probe reports whether the output is healthy.
type Probe func() error

// Server represents a simple TCP healthcheck server
type Server struct {
	addr     string
	probe    Probe
	listener net.Listener
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a new healthcheck server with the given address. A nil probe
// always reports OK.
func New(addr string, probe Probe) *Server {
	if probe == nil {
		probe = func() error { return nil }
	}
	return &Server{
		addr:     addr,
		probe:    probe,
		stopChan: make(chan struct{}),
	}
}

// Start starts the healthcheck server in the background
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen for health checks on %s: %w", s.addr, err)
	}
	s.listener = ln

	slog.Info("healthcheck server started", "addr", ln.Addr().String())

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stop stops the healthcheck server and waits for open probes to finish.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.stopChan)
		if s.listener != nil {
			err = s.listener.Close()
		}
	})
	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopChan:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Debug("healthcheck accept error", "error", err)
			continue
		}

		s.wg.Add(1)
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	status := "OK"
	if err := s.probe(); err != nil {
		// Keep the reply on one line
		status = "FAIL " + strings.ReplaceAll(err.Error(), "\n", " ")
	}

	slog.Debug("healthcheck request", "client_addr", conn.RemoteAddr().String(), "status", status)

	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := conn.Write([]byte(status + "\n")); err != nil {
		slog.Debug("healthcheck write error", "error", err)
	}
}
