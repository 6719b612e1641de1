package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/scottbrown/splunkout/internal/config"
	"github.com/scottbrown/splunkout/internal/dlq"
	"github.com/scottbrown/splunkout/internal/event"
	"github.com/scottbrown/splunkout/internal/server"
	"github.com/scottbrown/splunkout/internal/testutil/hecmock"
	"github.com/scottbrown/splunkout/internal/testutil/tcpsink"
)

// fakeForwarder records delivered batches and fails the batches listed in failOn.
type fakeForwarder struct {
	batches [][]event.Entry
	tags    []string
	failOn  map[int]bool
}

func (f *fakeForwarder) Deliver(tag string, entries []event.Entry) error {
	n := len(f.batches)
	f.batches = append(f.batches, entries)
	f.tags = append(f.tags, tag)
	if f.failOn[n] {
		return errors.New("collector returned status 503")
	}
	return nil
}

func (f *fakeForwarder) HealthCheck() error { return nil }

func (f *fakeForwarder) Shutdown(ctx context.Context) error { return nil }

// dispatcher wraps fwd the way run does, with an optional DLQ.
func dispatcher(fwd *fakeForwarder, dlqWriter *dlq.Writer) *server.Dispatcher {
	return server.NewDispatcher(fwd, server.DispatcherConfig{Tag: "test.tag", DLQ: dlqWriter})
}

func ndjson(n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, `{"time":%d,"record":{"msg":"m%d"}}`+"\n", 1700000000+i, i)
	}
	return b.String()
}

func pipelineConfig(batchSize int) config.PipelineConfig {
	return config.PipelineConfig{
		Tag:          "test.tag",
		BatchSize:    batchSize,
		MaxLineBytes: config.DefaultMaxLineBytes,
	}
}

func hecConfig(t *testing.T, server *hecmock.MockHECServer, extra string) *config.Config {
	t.Helper()
	u, err := url.Parse(server.URL)
	if err != nil {
		t.Fatalf("failed to parse mock URL: %v", err)
	}

	yaml := fmt.Sprintf(`
output:
  type: hec
  host: %s
  port: %s
  token: test-token
  default_sourcetype: _json
pipeline:
  batch_size: 2
%s`, u.Hostname(), u.Port(), extra)

	cfg, err := config.Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("failed to parse config: %v", err)
	}
	return cfg
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input  string
		want   slog.Level
		wantOK bool
	}{
		{"debug", slog.LevelDebug, true},
		{"INFO", slog.LevelInfo, true},
		{"", slog.LevelInfo, true},
		{"warn", slog.LevelWarn, true},
		{"error", slog.LevelError, true},
		{"verbose", slog.LevelInfo, false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, ok := parseLogLevel(tt.input)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("parseLogLevel(%q) = (%v, %v), want (%v, %v)", tt.input, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestSetupLogging_UTCJSON(t *testing.T) {
	defer slog.SetDefault(slog.Default())

	var buf bytes.Buffer
	setupLogging(&buf, "debug")
	slog.Debug("hello", "tag", "x")

	out := buf.String()
	if !strings.Contains(out, `"msg":"hello"`) {
		t.Errorf("expected JSON log line, got %q", out)
	}
	if !strings.Contains(out, `Z"`) {
		t.Errorf("expected UTC timestamp, got %q", out)
	}
}

func TestSendStream_Batches(t *testing.T) {
	fwd := &fakeForwarder{}

	stats, err := sendStream(context.Background(), dispatcher(fwd, nil), pipelineConfig(2), server.Origin{}, strings.NewReader(ndjson(5)))
	if err != nil {
		t.Fatalf("sendStream() error = %v", err)
	}

	if stats.Batches != 3 || stats.Events != 5 || stats.Failed != 0 {
		t.Errorf("stats = %+v, want 3 batches, 5 events, 0 failed", stats)
	}
	sizes := []int{len(fwd.batches[0]), len(fwd.batches[1]), len(fwd.batches[2])}
	if sizes[0] != 2 || sizes[1] != 2 || sizes[2] != 1 {
		t.Errorf("batch sizes = %v, want [2 2 1]", sizes)
	}
	if fwd.tags[0] != "test.tag" {
		t.Errorf("tag = %q, want test.tag", fwd.tags[0])
	}

	// Input order is kept across batches
	if v, _ := fwd.batches[1][0].Record.Get("msg"); v != "m2" {
		t.Errorf("first event of second batch = %v, want m2", v)
	}
}

func TestSendStream_SkipsInvalidLines(t *testing.T) {
	fwd := &fakeForwarder{}
	input := "not json\n\n" + `{"msg":"bare"}` + "\n"

	stats, err := sendStream(context.Background(), dispatcher(fwd, nil), pipelineConfig(10), server.Origin{}, strings.NewReader(input))
	if err != nil {
		t.Fatalf("sendStream() error = %v", err)
	}
	if stats.Batches != 1 || stats.Events != 1 {
		t.Errorf("stats = %+v, want 1 batch with 1 event", stats)
	}
}

func TestSendStream_FailedBatchWrittenToDLQ(t *testing.T) {
	dir := t.TempDir()
	fwd := &fakeForwarder{failOn: map[int]bool{1: true}}

	dlqWriter, err := dlq.New(dir)
	if err != nil {
		t.Fatalf("dlq.New() error = %v", err)
	}
	defer dlqWriter.Close()

	stats, err := sendStream(context.Background(), dispatcher(fwd, dlqWriter), pipelineConfig(2), server.Origin{}, strings.NewReader(ndjson(5)))
	if err != nil {
		t.Fatalf("sendStream() error = %v", err)
	}
	if stats.Failed != 1 {
		t.Errorf("failed batches = %d, want 1", stats.Failed)
	}
	if len(fwd.batches) != 3 {
		t.Errorf("delivery should continue after a failure, got %d batches", len(fwd.batches))
	}

	content, err := os.ReadFile(dlqWriter.CurrentFile())
	if err != nil {
		t.Fatalf("failed to read DLQ file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(content)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 DLQ lines, got %d", len(lines))
	}
	if !strings.Contains(lines[0], `"msg":"m2"`) || !strings.Contains(lines[0], "status 503") {
		t.Errorf("unexpected DLQ line: %s", lines[0])
	}
}

func TestSendStream_DropsWithoutDLQ(t *testing.T) {
	fwd := &fakeForwarder{failOn: map[int]bool{0: true}}

	stats, err := sendStream(context.Background(), dispatcher(fwd, nil), pipelineConfig(10), server.Origin{}, strings.NewReader(ndjson(3)))
	if err != nil {
		t.Fatalf("sendStream() error = %v", err)
	}
	if stats.Failed != 1 || stats.Batches != 1 {
		t.Errorf("stats = %+v, want 1 failed batch", stats)
	}
}

func TestSendStream_Cancelled(t *testing.T) {
	fwd := &fakeForwarder{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := sendStream(ctx, dispatcher(fwd, nil), pipelineConfig(2), server.Origin{}, strings.NewReader(ndjson(4)))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if len(fwd.batches) != 0 {
		t.Errorf("no batch should be delivered after cancellation, got %d", len(fwd.batches))
	}
}

func TestRun_HEC(t *testing.T) {
	server := hecmock.NewMockHECServer("test-token")
	defer server.Close()

	cfg := hecConfig(t, server, "")

	input := filepath.Join(t.TempDir(), "events.ndjson")
	if err := os.WriteFile(input, []byte(ndjson(3)), 0o600); err != nil {
		t.Fatalf("failed to write input: %v", err)
	}

	stats, err := run(context.Background(), cfg, []string{input}, strings.NewReader(""))
	if err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if stats.Batches != 2 || stats.Failed != 0 {
		t.Errorf("stats = %+v, want 2 batches and no failures", stats)
	}

	requests := server.GetRequests()
	if len(requests) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(requests))
	}
	want := `{"time":1700000000,"sourcetype":"_json","event":{"msg":"m0"}}`
	if requests[0].BodyLines[0] != want {
		t.Errorf("first line = %s, want %s", requests[0].BodyLines[0], want)
	}
	if requests[0].Headers.Get("Authorization") != "Splunk test-token" {
		t.Errorf("Authorization = %q", requests[0].Headers.Get("Authorization"))
	}
}

func TestRun_Stdin(t *testing.T) {
	server := hecmock.NewMockHECServer("test-token")
	defer server.Close()

	cfg := hecConfig(t, server, "")

	stats, err := run(context.Background(), cfg, nil, strings.NewReader(ndjson(1)))
	if err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if stats.Events != 1 || server.RequestCount() != 1 {
		t.Errorf("expected one event in one request, got stats %+v and %d requests", stats, server.RequestCount())
	}
}

func TestRun_FailedDeliveryCounted(t *testing.T) {
	server := hecmock.NewMockHECServer("test-token")
	defer server.Close()
	server.SetResponse(hecmock.ResponseServiceUnavailable)

	dir := t.TempDir()
	cfg := hecConfig(t, server, "  dlq_dir: "+dir+"\n")

	stats, err := run(context.Background(), cfg, nil, strings.NewReader(ndjson(3)))
	if err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if stats.Failed != 2 {
		t.Errorf("failed batches = %d, want 2", stats.Failed)
	}

	files, err := filepath.Glob(filepath.Join(dir, "dlq-*.ndjson"))
	if err != nil || len(files) != 1 {
		t.Fatalf("expected one DLQ file, got %v (err %v)", files, err)
	}
}

func TestRun_SweepsDLQ(t *testing.T) {
	hec := hecmock.NewMockHECServer("test-token")
	defer hec.Close()

	dir := t.TempDir()
	stale := filepath.Join(dir, "dlq-2000-01-01.ndjson")
	if err := os.WriteFile(stale, []byte("{}\n"), 0o600); err != nil {
		t.Fatalf("failed to write stale DLQ file: %v", err)
	}

	cfg := hecConfig(t, hec, "  dlq_dir: "+dir+"\n  dlq_retention:\n    max_age_days: 30\n")

	if _, err := run(context.Background(), cfg, nil, strings.NewReader(ndjson(1))); err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Errorf("expected stale DLQ file to be removed, stat error = %v", err)
	}
}

func TestRun_AuditLog(t *testing.T) {
	hec := hecmock.NewMockHECServer("test-token")
	defer hec.Close()

	auditPath := filepath.Join(t.TempDir(), "audit.log")
	cfg := hecConfig(t, hec, "audit:\n  enabled: true\n  log_file: "+auditPath+"\n")

	if _, err := run(context.Background(), cfg, nil, strings.NewReader(ndjson(3))); err != nil {
		t.Fatalf("run() error = %v", err)
	}

	data, err := os.ReadFile(auditPath)
	if err != nil {
		t.Fatalf("failed to read audit log: %v", err)
	}
	if n := strings.Count(string(data), `"event_type":"batch.delivered"`); n != 2 {
		t.Errorf("expected 2 delivered batches in audit log, got %d:\n%s", n, data)
	}
	if !strings.Contains(string(data), `"actor":"stdin"`) {
		t.Errorf("expected stdin actor in audit log:\n%s", data)
	}
}

func TestRun_HealthCheckFailure(t *testing.T) {
	server := hecmock.NewMockHECServer("other-token")
	defer server.Close()

	cfg := hecConfig(t, server, "")
	cfg.Output.HealthCheck = true

	_, err := run(context.Background(), cfg, nil, strings.NewReader(ndjson(1)))
	if err == nil {
		t.Fatal("expected health check error")
	}
	if !strings.Contains(err.Error(), "403") {
		t.Errorf("expected a 403 error, got %v", err)
	}
	if server.RequestCount() != 0 {
		t.Errorf("no events should be sent after a failed health check")
	}
}

func TestRun_MissingInput(t *testing.T) {
	server := hecmock.NewMockHECServer("test-token")
	defer server.Close()

	cfg := hecConfig(t, server, "")

	_, err := run(context.Background(), cfg, []string{filepath.Join(t.TempDir(), "missing.ndjson")}, nil)
	if err == nil || !strings.Contains(err.Error(), "failed to open input") {
		t.Errorf("expected open error, got %v", err)
	}
}

func TestRun_TCP(t *testing.T) {
	sink := tcpsink.New(t, nil)

	yaml := fmt.Sprintf(`
output:
  type: tcp
  host: %s
  port: %d
  format: kv
pipeline:
  batch_size: 10
`, sink.Host(), sink.Port())
	cfg, err := config.Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("failed to parse config: %v", err)
	}

	if _, err := run(context.Background(), cfg, nil, strings.NewReader(ndjson(2))); err != nil {
		t.Fatalf("run() error = %v", err)
	}

	conns := sink.WaitForConnections(1, 2*time.Second)
	if len(conns) != 1 {
		t.Fatalf("expected 1 connection, got %d", len(conns))
	}
	data := string(conns[0].Data)
	if !strings.Contains(data, `msg="m0"`) || !strings.Contains(data, `msg="m1"`) {
		t.Errorf("unexpected TCP payload %q", data)
	}
}

func TestApplyFlagOverrides(t *testing.T) {
	cmd := &cobra.Command{}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "")
	cmd.Flags().StringVar(&dlqDir, "dlq-dir", "", "")
	cmd.Flags().StringVar(&tag, "tag", "", "")
	cmd.Flags().BoolVar(&healthCheck, "health-check", false, "")

	cfg := &config.Config{Pipeline: config.PipelineConfig{Tag: "orig", BatchSize: 100}}

	if err := applyFlagOverrides(cfg, cmd); err != nil {
		t.Fatalf("applyFlagOverrides() error = %v", err)
	}
	if cfg.Pipeline.Tag != "orig" || cfg.Pipeline.BatchSize != 100 {
		t.Errorf("unset flags must not override config, got %+v", cfg.Pipeline)
	}

	for name, value := range map[string]string{
		"metrics-addr": "127.0.0.1:9090",
		"batch-size":   "7",
		"tag":          "cli",
		"health-check": "true",
	} {
		if err := cmd.Flags().Set(name, value); err != nil {
			t.Fatalf("failed to set %s: %v", name, err)
		}
	}

	if err := applyFlagOverrides(cfg, cmd); err != nil {
		t.Fatalf("applyFlagOverrides() error = %v", err)
	}
	if cfg.MetricsAddr != "127.0.0.1:9090" {
		t.Errorf("MetricsAddr = %q", cfg.MetricsAddr)
	}
	if cfg.Pipeline.BatchSize != 7 || cfg.Pipeline.Tag != "cli" {
		t.Errorf("pipeline = %+v", cfg.Pipeline)
	}
	if !cfg.Output.HealthCheck {
		t.Error("HealthCheck should be enabled")
	}

	if err := cmd.Flags().Set("batch-size", "0"); err != nil {
		t.Fatalf("failed to set batch-size: %v", err)
	}
	if err := applyFlagOverrides(cfg, cmd); err == nil {
		t.Error("expected error for non-positive batch size")
	}
}

func TestPerformSmokeTest(t *testing.T) {
	server := hecmock.NewMockHECServer("test-token")
	defer server.Close()

	var out bytes.Buffer
	if err := performSmokeTest(&out, hecConfig(t, server, "")); err != nil {
		t.Fatalf("performSmokeTest() error = %v", err)
	}
	if !strings.Contains(out.String(), "Success") {
		t.Errorf("expected success output, got %q", out.String())
	}
}

func TestPerformSmokeTest_BadToken(t *testing.T) {
	server := hecmock.NewMockHECServer("other-token")
	defer server.Close()

	var out bytes.Buffer
	err := performSmokeTest(&out, hecConfig(t, server, ""))
	if err == nil {
		t.Fatal("expected smoke test failure")
	}
	if !strings.Contains(out.String(), "Please verify your Splunk HEC host, port and token") {
		t.Errorf("expected hint in output, got %q", out.String())
	}
}

func TestTemplateCmd(t *testing.T) {
	var out bytes.Buffer
	templateCmd.SetOut(&out)
	defer templateCmd.SetOut(nil)

	templateCmd.Run(templateCmd, nil)

	if !strings.Contains(out.String(), "output:") || !strings.Contains(out.String(), "use_ack") {
		t.Errorf("template output missing expected keys: %q", out.String())
	}
}

func TestVersionCmd(t *testing.T) {
	var out bytes.Buffer
	versionCmd.SetOut(&out)
	defer versionCmd.SetOut(nil)

	versionCmd.Run(versionCmd, nil)

	if !strings.HasPrefix(out.String(), "splunkout ") {
		t.Errorf("unexpected version output %q", out.String())
	}
}
