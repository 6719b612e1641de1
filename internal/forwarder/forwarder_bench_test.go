package forwarder

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/scottbrown/splunkout/internal/encoder"
	"github.com/scottbrown/splunkout/internal/event"
	"github.com/scottbrown/splunkout/internal/metadata"
	"github.com/scottbrown/splunkout/internal/testutil/tcpsink"
	"github.com/scottbrown/splunkout/internal/transport"
)

func benchEntries(n, size int) []event.Entry {
	entries := make([]event.Entry, n)
	msg := strings.Repeat("a", size)
	for i := range entries {
		entries[i] = event.Entry{
			Time:   time.Unix(1700000000, int64(i)*1000),
			Record: event.FromPairs("host", "web-1", "seq", i, "message", msg),
		}
	}
	return entries
}

func benchHEC(b *testing.B, useGzip bool) *HEC {
	b.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	b.Cleanup(server.Close)

	u, _ := url.Parse(server.URL)
	port, _ := strconv.Atoi(u.Port())
	h, err := NewHEC(HECConfig{
		HTTP: transport.HTTPConfig{Host: u.Hostname(), Port: port, Token: "test-token", UseGzip: useGzip},
		Encoder: encoder.Config{
			Format: encoder.FormatEnvelope,
			Metadata: metadata.Config{
				Host:         metadata.Rule{Key: "host", Remove: true},
				UseEventTime: true,
			},
		},
	})
	if err != nil {
		b.Fatal(err)
	}
	return h
}

func runDeliver(b *testing.B, f Forwarder, entries []event.Entry) {
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := f.Deliver("bench", entries); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkHEC_Deliver_Small_NoGzip benchmarks a batch of 10 small events without gzip
func BenchmarkHEC_Deliver_Small_NoGzip(b *testing.B) {
	runDeliver(b, benchHEC(b, false), benchEntries(10, 100))
}

// BenchmarkHEC_Deliver_Small_Gzip benchmarks a batch of 10 small events with gzip
func BenchmarkHEC_Deliver_Small_Gzip(b *testing.B) {
	runDeliver(b, benchHEC(b, true), benchEntries(10, 100))
}

// BenchmarkHEC_Deliver_Large_NoGzip benchmarks a batch of 500 1KB events without gzip
func BenchmarkHEC_Deliver_Large_NoGzip(b *testing.B) {
	runDeliver(b, benchHEC(b, false), benchEntries(500, 1024))
}

// BenchmarkHEC_Deliver_Large_Gzip benchmarks a batch of 500 1KB events with gzip
func BenchmarkHEC_Deliver_Large_Gzip(b *testing.B) {
	runDeliver(b, benchHEC(b, true), benchEntries(500, 1024))
}

// BenchmarkTCP_Deliver_KV benchmarks key-value batches over a fresh connection each
func BenchmarkTCP_Deliver_KV(b *testing.B) {
	sink := tcpsink.New(b, nil)
	f, err := NewTCP(TCPConfig{
		Socket:  transport.SocketConfig{Host: sink.Host(), Port: sink.Port()},
		Encoder: encoder.Config{Format: encoder.FormatKV, Metadata: metadata.Config{UseEventTime: true}},
	})
	if err != nil {
		b.Fatal(err)
	}
	runDeliver(b, f, benchEntries(100, 100))
}
