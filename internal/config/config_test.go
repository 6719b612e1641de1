package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/scottbrown/splunkout/internal/circuitbreaker"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configFile := filepath.Join(t.TempDir(), "test.yml")
	if err := os.WriteFile(configFile, []byte(content), 0644); err != nil {
		t.Fatalf("failed to create test config file: %v", err)
	}
	return configFile
}

func TestLoadConfig_Required(t *testing.T) {
	_, err := LoadConfig("")
	if err == nil || err.Error() != "configuration file is required" {
		t.Fatalf("expected required error, got %v", err)
	}
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	_, err := LoadConfig("nonexistent.yml")
	if err == nil {
		t.Fatal("expected error for nonexistent file")
	}

	expected := "configuration file not found"
	if !strings.HasPrefix(err.Error(), expected) {
		t.Errorf("expected error message to start with %q, got %q", expected, err.Error())
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	config, err := LoadConfig(writeConfig(t, "output:\n  token: abc\n"))
	if err != nil {
		t.Fatalf("LoadConfig should succeed: %v", err)
	}

	out := config.Output
	if out.Type != TypeHEC {
		t.Errorf("expected type %q, got %q", TypeHEC, out.Type)
	}
	if out.Host != DefaultHost {
		t.Errorf("expected host %q, got %q", DefaultHost, out.Host)
	}
	if out.Port != DefaultHECPort {
		t.Errorf("expected port %d, got %d", DefaultHECPort, out.Port)
	}
	if out.UseFluentdTime == nil || !*out.UseFluentdTime {
		t.Error("expected use_fluentd_time to default to true")
	}
	if out.TimeKey != "time" {
		t.Errorf("expected time_key time, got %q", out.TimeKey)
	}
	if out.TimeFormat != "unixtime" {
		t.Errorf("expected time_format unixtime, got %q", out.TimeFormat)
	}
	if *out.LineBreaker != "\n" {
		t.Errorf("expected newline line_breaker, got %q", *out.LineBreaker)
	}
	if out.AckIntervalDuration() != time.Second {
		t.Errorf("expected ack interval 1s, got %v", out.AckIntervalDuration())
	}
	if *out.AckRetryLimit != 3 {
		t.Errorf("expected ack_retry_limit 3, got %d", *out.AckRetryLimit)
	}
	if out.SSLVerify || out.UseSSL {
		t.Error("expected TLS to be off by default")
	}

	if config.Pipeline.BatchSize != DefaultBatchSize {
		t.Errorf("expected batch size %d, got %d", DefaultBatchSize, config.Pipeline.BatchSize)
	}
	if config.Pipeline.MaxLineBytes != DefaultMaxLineBytes {
		t.Errorf("expected max line bytes %d, got %d", DefaultMaxLineBytes, config.Pipeline.MaxLineBytes)
	}
	if config.Pipeline.Tag != DefaultTag {
		t.Errorf("expected tag %q, got %q", DefaultTag, config.Pipeline.Tag)
	}
	if config.Listen.FlushInterval() != 5*time.Second {
		t.Errorf("expected flush interval 5s, got %v", config.Listen.FlushInterval())
	}
	if config.Listen.IdleTimeout() != 0 {
		t.Errorf("expected no idle timeout, got %v", config.Listen.IdleTimeout())
	}
	if config.Audit.Enabled || config.Audit.Format != AuditFormatJSON {
		t.Errorf("expected disabled json audit log, got %+v", config.Audit)
	}
	if _, ok := config.Pipeline.BreakerConfig(); ok {
		t.Error("expected no circuit breaker by default")
	}
	if config.Pipeline.RetentionPolicy().Enabled() {
		t.Error("expected DLQ retention to be off by default")
	}
}

func TestLoadConfig_ValidFile(t *testing.T) {
	dlqDir := filepath.Join(t.TempDir(), "dlq")
	content := `metrics_addr: "127.0.0.1:9100"
output:
  type: hec
  host: splunk.example.com
  port: 8443
  token: "test-token"
  default_index: main
  host_key: hostname
  remove_host_key: true
  use_fluentd_time: false
  line_breaker: "\r\n"
  use_ack: true
  channel: "0f8d1c1e-8e4b-4f3a-9a55-2d0b7c1e6a10"
  ack_interval: 0.25
  ack_retry_limit: 0
  gzip: true
pipeline:
  tag: app.logs
  batch_size: 10
  dlq_dir: ` + dlqDir + "\n"

	config, err := LoadConfig(writeConfig(t, content))
	if err != nil {
		t.Fatalf("LoadConfig should succeed: %v", err)
	}

	out := config.Output
	if out.Host != "splunk.example.com" || out.Port != 8443 {
		t.Errorf("unexpected endpoint %s:%d", out.Host, out.Port)
	}
	if out.DefaultIndex != "main" || out.HostKey != "hostname" || !out.RemoveHostKey {
		t.Error("metadata options not loaded")
	}
	if *out.UseFluentdTime {
		t.Error("expected use_fluentd_time false")
	}
	if *out.LineBreaker != "\r\n" {
		t.Errorf("expected CRLF line breaker, got %q", *out.LineBreaker)
	}
	if out.AckIntervalDuration() != 250*time.Millisecond {
		t.Errorf("expected ack interval 250ms, got %v", out.AckIntervalDuration())
	}
	if *out.AckRetryLimit != 0 {
		t.Errorf("expected ack_retry_limit 0, got %d", *out.AckRetryLimit)
	}
	if !out.Gzip {
		t.Error("expected gzip true")
	}
	if config.MetricsAddr != "127.0.0.1:9100" {
		t.Errorf("unexpected metrics addr %q", config.MetricsAddr)
	}
	if config.Pipeline.Tag != "app.logs" || config.Pipeline.BatchSize != 10 {
		t.Error("pipeline options not loaded")
	}
	if _, err := os.Stat(dlqDir); err != nil {
		t.Errorf("expected dlq_dir to be created: %v", err)
	}
}

func TestLoadConfig_TCPDefaults(t *testing.T) {
	config, err := LoadConfig(writeConfig(t, "output:\n  type: tcp\n  port: 9997\n  event_key: message\n"))
	if err != nil {
		t.Fatalf("LoadConfig should succeed: %v", err)
	}
	if config.Output.Format != "raw" {
		t.Errorf("expected format raw, got %q", config.Output.Format)
	}
}

func TestLoadConfig_AutoGenerateChannel(t *testing.T) {
	config, err := LoadConfig(writeConfig(t, "output:\n  token: abc\n  use_ack: true\n  auto_generate_channel: true\n"))
	if err != nil {
		t.Fatalf("LoadConfig should succeed: %v", err)
	}
	if _, err := uuid.Parse(config.Output.Channel); err != nil {
		t.Errorf("expected generated GUID channel, got %q", config.Output.Channel)
	}
}

func TestLoadConfig_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "invalid type",
			content: "output:\n  type: udp\n  port: 1\n",
			wantErr: "output: invalid type 'udp' (must be one of: hec, tcp)",
		},
		{
			name:    "tcp without port",
			content: "output:\n  type: tcp\n  event_key: m\n",
			wantErr: "output: port is required and must be between 1 and 65535",
		},
		{
			name:    "hec without token",
			content: "output:\n  type: hec\n",
			wantErr: "output: token is required for the hec output",
		},
		{
			name:    "ack without channel",
			content: "output:\n  token: t\n  use_ack: true\n",
			wantErr: "output: channel is required when use_ack is true",
		},
		{
			name:    "negative ack interval",
			content: "output:\n  token: t\n  ack_interval: -1\n",
			wantErr: "output: ack_interval must be non-negative",
		},
		{
			name:    "negative ack retry limit",
			content: "output:\n  token: t\n  ack_retry_limit: -2\n",
			wantErr: "output: ack_retry_limit must be non-negative",
		},
		{
			name:    "hec raw without event_key",
			content: "output:\n  token: t\n  raw: true\n",
			wantErr: "output: event_key is required when raw is true",
		},
		{
			name:    "tcp raw without event_key",
			content: "output:\n  type: tcp\n  port: 9997\n",
			wantErr: "output: event_key is required for format 'raw'",
		},
		{
			name:    "unknown tcp format",
			content: "output:\n  type: tcp\n  port: 9997\n  format: xml\n",
			wantErr: "output: invalid format 'xml' (must be one of: raw, json, kv)",
		},
		{
			name:    "ack on tcp",
			content: "output:\n  type: tcp\n  port: 9997\n  format: json\n  use_ack: true\n",
			wantErr: "output: use_ack is only supported by the hec output",
		},
		{
			name:    "client cert without key",
			content: "output:\n  token: t\n  use_ssl: true\n  client_cert: /tmp/cert.pem\n",
			wantErr: "output: both client_cert and client_key must be specified or both omitted",
		},
		{
			name:    "empty line breaker",
			content: "output:\n  token: t\n  line_breaker: \"\"\n",
			wantErr: "output: line_breaker must not be empty",
		},
		{
			name:    "negative request timeout",
			content: "output:\n  token: t\n  request_timeout_seconds: -1\n",
			wantErr: "output: request_timeout_seconds and dial_timeout_seconds must be non-negative",
		},
		{
			name:    "negative retention",
			content: "output:\n  token: t\npipeline:\n  dlq_retention:\n    max_age_days: -1\n",
			wantErr: "pipeline: dlq_retention values must be non-negative",
		},
		{
			name:    "compress after delete",
			content: "output:\n  token: t\npipeline:\n  dlq_retention:\n    max_age_days: 7\n    compress_age_days: 7\n",
			wantErr: "pipeline: dlq_retention compress_age_days must be less than max_age_days",
		},
		{
			name:    "negative breaker threshold",
			content: "output:\n  token: t\npipeline:\n  circuit_breaker:\n    failure_threshold: -3\n",
			wantErr: "pipeline: circuit_breaker values must be non-negative",
		},
		{
			name:    "unknown audit format",
			content: "output:\n  token: t\naudit:\n  format: xml\n",
			wantErr: "audit: invalid format 'xml' (must be one of: json, cef)",
		},
		{
			name:    "audit without log file",
			content: "output:\n  token: t\naudit:\n  enabled: true\n",
			wantErr: "audit: log_file is required when audit logging is enabled",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.content))
			if err == nil {
				t.Fatalf("expected error %q, got nil", tt.wantErr)
			}
			if err.Error() != tt.wantErr {
				t.Errorf("expected error %q, got %q", tt.wantErr, err.Error())
			}
		})
	}
}

func TestLoadConfig_InvalidChannel(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "output:\n  token: t\n  channel: not-a-guid\n"))
	if err == nil || !strings.HasPrefix(err.Error(), "output: channel must be a GUID") {
		t.Fatalf("expected GUID error, got %v", err)
	}
}

func TestLoadConfig_MissingCAFile(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "output:\n  token: t\n  use_ssl: true\n  ca_file: /does/not/exist.pem\n"))
	if err == nil || !strings.HasPrefix(err.Error(), "output: ca_file not accessible") {
		t.Fatalf("expected ca_file error, got %v", err)
	}
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "invalid: yaml: content: [unclosed\n"))
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}

	expected := "failed to parse YAML config"
	if !strings.HasPrefix(err.Error(), expected) {
		t.Errorf("expected error message to start with %q, got %q", expected, err.Error())
	}
}

func TestLoadConfig_ReadError(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root can read files regardless of permissions")
	}

	configFile := filepath.Join(t.TempDir(), "unreadable.yml")
	if err := os.WriteFile(configFile, []byte("test: content"), 0000); err != nil {
		t.Fatalf("failed to create unreadable config file: %v", err)
	}

	_, err := LoadConfig(configFile)
	if err == nil {
		t.Fatal("expected error for unreadable file")
	}

	expected := "failed to read config file"
	if !strings.HasPrefix(err.Error(), expected) {
		t.Errorf("expected error message to start with %q, got %q", expected, err.Error())
	}
}

func TestGetTemplate(t *testing.T) {
	template := GetTemplate()
	if template == "" {
		t.Error("template should not be empty")
	}

	expectedStrings := []string{
		"type:",
		"token:",
		"default_sourcetype:",
		"use_fluentd_time:",
		"ssl_verify:",
		"use_ack:",
		"ack_retry_limit:",
		"batch_size:",
	}

	for _, expected := range expectedStrings {
		if !strings.Contains(template, expected) {
			t.Errorf("template should contain %q", expected)
		}
	}
}

func TestGetTemplate_Parses(t *testing.T) {
	config, err := Parse([]byte(GetTemplate()))
	if err != nil {
		t.Fatalf("template should be a valid configuration: %v", err)
	}
	if config.Output.Type != TypeHEC {
		t.Errorf("expected template type hec, got %q", config.Output.Type)
	}
}

func TestPipelineConfig_BreakerConfig(t *testing.T) {
	disabled := false
	tests := []struct {
		name   string
		cb     *CircuitBreakerConfig
		wantOK bool
		want   circuitbreaker.Config
	}{
		{name: "absent", cb: nil, wantOK: false},
		{name: "disabled", cb: &CircuitBreakerConfig{Enabled: &disabled, FailureThreshold: 3}, wantOK: false},
		{name: "defaults", cb: &CircuitBreakerConfig{}, wantOK: true, want: circuitbreaker.DefaultConfig()},
		{
			name:   "overrides",
			cb:     &CircuitBreakerConfig{FailureThreshold: 3, SuccessThreshold: 1, Timeout: 10, HalfOpenMaxCalls: 2},
			wantOK: true,
			want: circuitbreaker.Config{
				FailureThreshold: 3,
				SuccessThreshold: 1,
				Timeout:          10 * time.Second,
				HalfOpenMaxCalls: 2,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := PipelineConfig{CircuitBreaker: tt.cb}
			got, ok := p.BreakerConfig()
			if ok != tt.wantOK {
				t.Fatalf("BreakerConfig() ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && got != tt.want {
				t.Errorf("BreakerConfig() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestPipelineConfig_RetentionPolicy(t *testing.T) {
	config, err := Parse([]byte(`output:
  token: t
pipeline:
  dlq_retention:
    max_age_days: 30
    compress_age_days: 7
    check_interval_minutes: 15
`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	policy := config.Pipeline.RetentionPolicy()
	if !policy.Enabled() {
		t.Error("expected retention to be enabled")
	}
	if policy.MaxAgeDays != 30 || policy.CompressAgeDays != 7 {
		t.Errorf("unexpected ages: %+v", policy)
	}
	if policy.CheckInterval != 15*time.Minute {
		t.Errorf("expected check interval 15m, got %v", policy.CheckInterval)
	}
}

func TestConfig_ValidateListen(t *testing.T) {
	dir := t.TempDir()
	caFile := filepath.Join(dir, "ca.pem")
	if err := os.WriteFile(caFile, []byte("placeholder"), 0600); err != nil {
		t.Fatalf("failed to write CA file: %v", err)
	}

	tests := []struct {
		name    string
		listen  ListenConfig
		wantErr string
	}{
		{
			name:   "minimal",
			listen: ListenConfig{Addr: "127.0.0.1:5170"},
		},
		{
			name:   "any port with health check and networks",
			listen: ListenConfig{Addr: ":0", HealthCheckAddr: "127.0.0.1:5171", AllowedCIDRs: []string{"10.0.0.0/8", "192.168.1.7"}},
		},
		{
			name:    "missing addr",
			listen:  ListenConfig{},
			wantErr: "listen: addr is required",
		},
		{
			name:    "addr without port",
			listen:  ListenConfig{Addr: "localhost"},
			wantErr: "listen: invalid addr 'localhost'",
		},
		{
			name:    "port out of range",
			listen:  ListenConfig{Addr: "127.0.0.1:70000"},
			wantErr: "listen: invalid addr '127.0.0.1:70000': port must be between 0 and 65535",
		},
		{
			name:    "health check on listen addr",
			listen:  ListenConfig{Addr: "127.0.0.1:5170", HealthCheckAddr: "127.0.0.1:5170"},
			wantErr: "listen: health_check_addr must differ from addr",
		},
		{
			name:    "invalid health check addr",
			listen:  ListenConfig{Addr: "127.0.0.1:5170", HealthCheckAddr: "nope"},
			wantErr: "listen: invalid health_check_addr 'nope'",
		},
		{
			name:    "cert without key",
			listen:  ListenConfig{Addr: ":5170", TLSCertFile: "/tmp/cert.pem"},
			wantErr: "listen: both tls_cert_file and tls_key_file must be specified or both omitted",
		},
		{
			name:    "unreadable certificate",
			listen:  ListenConfig{Addr: ":5170", TLSCertFile: "/nonexistent/cert.pem", TLSKeyFile: "/nonexistent/key.pem"},
			wantErr: "listen: failed to load TLS certificate",
		},
		{
			name:    "client CA without certificate",
			listen:  ListenConfig{Addr: ":5170", ClientCAFile: caFile},
			wantErr: "listen: client_ca_file requires tls_cert_file and tls_key_file",
		},
		{
			name:    "invalid network",
			listen:  ListenConfig{Addr: ":5170", AllowedCIDRs: []string{"10.0.0.0/33"}},
			wantErr: "listen: invalid allowed_cidrs",
		},
		{
			name:    "negative idle timeout",
			listen:  ListenConfig{Addr: ":5170", IdleTimeoutSeconds: -1},
			wantErr: "listen: idle_timeout_seconds must be non-negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Config{Listen: tt.listen}
			err := c.ValidateListen()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("ValidateListen() error = %v", err)
				}
				return
			}
			if err == nil || !strings.HasPrefix(err.Error(), tt.wantErr) {
				t.Errorf("ValidateListen() error = %v, want prefix %q", err, tt.wantErr)
			}
		})
	}
}

func TestGetTemplate_ListenSection(t *testing.T) {
	config, err := Parse([]byte(GetTemplate()))
	if err != nil {
		t.Fatalf("template should be a valid configuration: %v", err)
	}
	if err := config.ValidateListen(); err != nil {
		t.Errorf("template listen section should validate: %v", err)
	}
	if _, ok := config.Pipeline.BreakerConfig(); ok {
		t.Error("template should leave the circuit breaker disabled")
	}
}
