package metrics

import (
	"expvar"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// StartServer serves the expvar endpoint at /debug/vars on addr. The listener
// is bound before returning so address errors surface immediately. If addr is
// empty, no server is started and nil is returned.
func StartServer(addr string) (*http.Server, error) {
	if addr == "" {
		slog.Debug("metrics server disabled")
		return nil, nil
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/debug/vars", expvar.Handler())

	// Create server with explicit timeouts to prevent resource exhaustion
	server := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       30 * time.Second,
	}

	slog.Info("starting metrics server", "addr", server.Addr)

	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server failed", "error", err)
		}
	}()

	return server, nil
}
