//go:build integration

package integration

import (
	"context"
	"crypto/tls"
	"testing"
	"time"

	"github.com/scottbrown/splunkout/internal/testutil/hecmock"
	"github.com/scottbrown/splunkout/internal/testutil/listentest"
	"github.com/scottbrown/splunkout/internal/testutil/ndjsonclient"
)

const testToken = "test-token-123"

// startListener launches splunkout listen forwarding to hec.
func startListener(t *testing.T, hec *hecmock.MockHECServer, gzip bool, opts ...listentest.Option) *listentest.Instance {
	t.Helper()

	opts = append([]listentest.Option{listentest.WithHEC(hec.URL, testToken, "_json", gzip)}, opts...)
	instance := listentest.New(t, opts...)
	t.Cleanup(func() { instance.Stop() })

	instance.MustStart(context.Background())
	return instance
}

// sendLines connects, sends lines and closes the connection.
func sendLines(t *testing.T, addr string, tlsConfig *tls.Config, lines []string) {
	t.Helper()

	var opts []ndjsonclient.Option
	if tlsConfig != nil {
		opts = append(opts, ndjsonclient.WithTLS(tlsConfig))
	}
	client := ndjsonclient.New(addr, opts...)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Failed to connect client: %v", err)
	}
	if err := client.SendLines(lines); err != nil {
		t.Fatalf("Failed to send lines: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Logf("Warning: client close returned error: %v", err)
	}
}

// receivedLines returns every event line the collector has accepted.
func receivedLines(hec *hecmock.MockHECServer) []string {
	var lines []string
	for _, req := range hec.GetRequests() {
		lines = append(lines, req.BodyLines...)
	}
	return lines
}

// waitForLines polls the collector until it holds want event lines.
func waitForLines(t *testing.T, hec *hecmock.MockHECServer, want int) []string {
	t.Helper()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if lines := receivedLines(hec); len(lines) >= want {
			return lines
		}
		time.Sleep(50 * time.Millisecond)
	}

	lines := receivedLines(hec)
	t.Fatalf("Expected %d event lines at the collector, got %d", want, len(lines))
	return lines
}

// logsOnFailure dumps the process output when the test fails.
func logsOnFailure(t *testing.T, instance *listentest.Instance) {
	t.Helper()
	t.Cleanup(func() {
		if t.Failed() {
			_, stderr := instance.Logs()
			t.Logf("splunkout logs:\n%s", stderr)
		}
	})
}

// newOpenClient connects a client the test closes itself.
func newOpenClient(t *testing.T, addr string) *ndjsonclient.Client {
	t.Helper()

	client := ndjsonclient.New(addr)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Failed to connect client: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}
