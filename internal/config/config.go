// Package config handles loading and validation of the splunkout configuration.
// It supports YAML-based configuration files and provides the output defaults.
package config

import (
	"crypto/tls"
	_ "embed"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/scottbrown/splunkout/internal/acl"
	"github.com/scottbrown/splunkout/internal/circuitbreaker"
	"github.com/scottbrown/splunkout/internal/dlq"
	"github.com/scottbrown/splunkout/internal/encoder"
)

// Output types.
const (
	TypeHEC = "hec"
	TypeTCP = "tcp"
)

const (
	// DefaultHost is the Splunk host used when none is configured.
	DefaultHost = "localhost"
	// DefaultHECPort is the default HTTP Event Collector port.
	DefaultHECPort = 8088
	// DefaultAckIntervalSeconds is the pause between ack polls.
	DefaultAckIntervalSeconds = 1.0
	// DefaultAckRetryLimit is the number of ack polls after the first.
	DefaultAckRetryLimit = 3
	// DefaultBatchSize is the number of input lines delivered per batch.
	DefaultBatchSize = 100
	// DefaultMaxLineBytes is the default maximum size for a single input line (1 MiB).
	DefaultMaxLineBytes = 1 << 20
	// DefaultTag labels batches in logs when no tag is configured.
	DefaultTag = "splunkout"
	// DefaultFlushIntervalSeconds bounds how long the listen host holds a partial batch.
	DefaultFlushIntervalSeconds = 5
)

// Audit log formats.
const (
	AuditFormatJSON = "json"
	AuditFormatCEF  = "cef"
)

//go:embed config.template.yml
var configTemplate string

// OutputConfig describes one Splunk output. Option names follow the Splunk
// output plugins they replace.
type OutputConfig struct {
	Type  string `yaml:"type"`
	Host  string `yaml:"host"`
	Port  int    `yaml:"port"`
	Token string `yaml:"token"`

	DefaultHost   string `yaml:"default_host"`
	HostKey       string `yaml:"host_key"`
	RemoveHostKey bool   `yaml:"remove_host_key"`

	DefaultSource   string `yaml:"default_source"`
	SourceKey       string `yaml:"source_key"`
	RemoveSourceKey bool   `yaml:"remove_source_key"`

	DefaultIndex   string `yaml:"default_index"`
	IndexKey       string `yaml:"index_key"`
	RemoveIndexKey bool   `yaml:"remove_index_key"`

	DefaultSourceType   string `yaml:"default_sourcetype"`
	SourceTypeKey       string `yaml:"sourcetype_key"`
	RemoveSourceTypeKey bool   `yaml:"remove_sourcetype_key"`

	UseFluentdTime *bool   `yaml:"use_fluentd_time"`
	TimeKey        string  `yaml:"time_key"`
	TimeFormat     string  `yaml:"time_format"`
	LocalTime      bool    `yaml:"localtime"`
	LineBreaker    *string `yaml:"line_breaker"`

	// Format selects the TCP line format: raw, json or kv.
	Format string `yaml:"format"`
	// Raw switches the HEC output to the raw endpoint.
	Raw      bool   `yaml:"raw"`
	EventKey string `yaml:"event_key"`

	UseSSL        bool   `yaml:"use_ssl"`
	SSLVerify     bool   `yaml:"ssl_verify"`
	CAFile        string `yaml:"ca_file"`
	ClientCert    string `yaml:"client_cert"`
	ClientKey     string `yaml:"client_key"`
	ClientKeyPass string `yaml:"client_key_pass"`

	UseAck              bool     `yaml:"use_ack"`
	Channel             string   `yaml:"channel"`
	AutoGenerateChannel bool     `yaml:"auto_generate_channel"`
	AckInterval         *float64 `yaml:"ack_interval"`
	AckRetryLimit       *int     `yaml:"ack_retry_limit"`

	Gzip                  bool `yaml:"gzip"`
	RequestTimeoutSeconds int  `yaml:"request_timeout_seconds"`
	DialTimeoutSeconds    int  `yaml:"dial_timeout_seconds"`
	HealthCheck           bool `yaml:"health_check"`
}

// DLQRetentionConfig controls the cleanup of old dead letter files.
type DLQRetentionConfig struct {
	MaxAgeDays           int `yaml:"max_age_days"`
	CompressAgeDays      int `yaml:"compress_age_days"`
	CheckIntervalMinutes int `yaml:"check_interval_minutes"`
}

// CircuitBreakerConfig holds configuration for the circuit breaker pattern.
// The circuit breaker stops calling a failing output for a cool-down period.
type CircuitBreakerConfig struct {
	Enabled          *bool `yaml:"enabled"`
	FailureThreshold int   `yaml:"failure_threshold"`
	SuccessThreshold int   `yaml:"success_threshold"`
	Timeout          int   `yaml:"timeout_seconds"`
	HalfOpenMaxCalls int   `yaml:"half_open_max_calls"`
}

// PipelineConfig holds settings shared by the hosts that read input and hand
// batches to the output.
type PipelineConfig struct {
	Tag            string                `yaml:"tag"`
	BatchSize      int                   `yaml:"batch_size"`
	MaxLineBytes   int                   `yaml:"max_line_bytes"`
	DLQDir         string                `yaml:"dlq_dir"`
	DLQRetention   DLQRetentionConfig    `yaml:"dlq_retention"`
	CircuitBreaker *CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// ListenConfig configures the listen host, which accepts NDJSON over TCP.
type ListenConfig struct {
	Addr                 string   `yaml:"addr"`
	TLSCertFile          string   `yaml:"tls_cert_file"`
	TLSKeyFile           string   `yaml:"tls_key_file"`
	ClientCAFile         string   `yaml:"client_ca_file"`
	AllowedCIDRs         []string `yaml:"allowed_cidrs"`
	FlushIntervalSeconds int      `yaml:"flush_interval_seconds"`
	IdleTimeoutSeconds   int      `yaml:"idle_timeout_seconds"`
	HealthCheckAddr      string   `yaml:"health_check_addr"`
}

// AuditConfig configures the audit log.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	LogFile string `yaml:"log_file"`
	Format  string `yaml:"format"`
}

// Config represents the complete application configuration.
type Config struct {
	Output      OutputConfig   `yaml:"output"`
	Pipeline    PipelineConfig `yaml:"pipeline"`
	Listen      ListenConfig   `yaml:"listen"`
	Audit       AuditConfig    `yaml:"audit"`
	MetricsAddr string         `yaml:"metrics_addr"`
}

// LoadConfig reads and validates configuration from the specified YAML file.
// It returns an error if the file cannot be read, parsed, or contains invalid settings.
func LoadConfig(configFile string) (*Config, error) {
	if configFile == "" {
		return nil, fmt.Errorf("configuration file is required")
	}

	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s", configFile)
	}

	// #nosec G304 -- configFile is provided by the user via the --config flag, which is the
	// expected and documented way to specify the configuration file path.
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %v", err)
	}

	config, err := Parse(data)
	if err != nil {
		return nil, err
	}

	slog.Info("loaded configuration", "file", configFile, "type", config.Output.Type)
	return config, nil
}

// Parse decodes YAML configuration, applies defaults and validates it.
func Parse(data []byte) (*Config, error) {
	config := &Config{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %v", err)
	}

	applyDefaults(config)

	if err := validateConfig(config); err != nil {
		return nil, err
	}
	return config, nil
}

func applyDefaults(cfg *Config) {
	out := &cfg.Output
	if out.Type == "" {
		out.Type = TypeHEC
	}
	if out.Host == "" {
		out.Host = DefaultHost
	}
	if out.Port == 0 && out.Type == TypeHEC {
		out.Port = DefaultHECPort
	}
	if out.UseFluentdTime == nil {
		enabled := true
		out.UseFluentdTime = &enabled
	}
	if out.TimeKey == "" {
		out.TimeKey = encoder.DefaultTimeKey
	}
	if out.TimeFormat == "" {
		out.TimeFormat = encoder.TimeFormatUnix
	}
	if out.LineBreaker == nil {
		lb := encoder.DefaultLineBreaker
		out.LineBreaker = &lb
	}
	if out.Format == "" && out.Type == TypeTCP {
		out.Format = string(encoder.FormatRaw)
	}
	if out.AckInterval == nil {
		interval := DefaultAckIntervalSeconds
		out.AckInterval = &interval
	}
	if out.AckRetryLimit == nil {
		limit := DefaultAckRetryLimit
		out.AckRetryLimit = &limit
	}

	p := &cfg.Pipeline
	if p.Tag == "" {
		p.Tag = DefaultTag
	}
	if p.BatchSize == 0 {
		p.BatchSize = DefaultBatchSize
	}
	if p.MaxLineBytes == 0 {
		p.MaxLineBytes = DefaultMaxLineBytes
	}

	if cfg.Listen.FlushIntervalSeconds == 0 {
		cfg.Listen.FlushIntervalSeconds = DefaultFlushIntervalSeconds
	}
	if cfg.Audit.Format == "" {
		cfg.Audit.Format = AuditFormatJSON
	}
}

func validateConfig(cfg *Config) error {
	out := &cfg.Output

	if out.Port <= 0 || out.Port > 65535 {
		return fmt.Errorf("output: port is required and must be between 1 and 65535")
	}
	if *out.LineBreaker == "" {
		return fmt.Errorf("output: line_breaker must not be empty")
	}
	if out.RequestTimeoutSeconds < 0 || out.DialTimeoutSeconds < 0 {
		return fmt.Errorf("output: request_timeout_seconds and dial_timeout_seconds must be non-negative")
	}
	if _, err := encoder.NewTimeFormatter(out.TimeFormat, out.LocalTime); err != nil {
		return fmt.Errorf("output: %w", err)
	}

	switch out.Type {
	case TypeHEC:
		if err := validateHEC(out); err != nil {
			return fmt.Errorf("output: %w", err)
		}
	case TypeTCP:
		if err := validateTCP(out); err != nil {
			return fmt.Errorf("output: %w", err)
		}
	default:
		return fmt.Errorf("output: invalid type '%s' (must be one of: hec, tcp)", out.Type)
	}

	if err := validateTLS(out); err != nil {
		return fmt.Errorf("output: %w", err)
	}

	p := &cfg.Pipeline
	if p.BatchSize < 0 {
		return fmt.Errorf("pipeline: batch_size must be positive")
	}
	if p.MaxLineBytes < 0 {
		return fmt.Errorf("pipeline: max_line_bytes must be positive")
	}
	if p.DLQDir != "" {
		if err := os.MkdirAll(p.DLQDir, 0o700); err != nil {
			return fmt.Errorf("pipeline: cannot create dlq_dir: %w", err)
		}
	}
	r := p.DLQRetention
	if r.MaxAgeDays < 0 || r.CompressAgeDays < 0 || r.CheckIntervalMinutes < 0 {
		return fmt.Errorf("pipeline: dlq_retention values must be non-negative")
	}
	if r.MaxAgeDays > 0 && r.CompressAgeDays >= r.MaxAgeDays {
		return fmt.Errorf("pipeline: dlq_retention compress_age_days must be less than max_age_days")
	}
	if cb := p.CircuitBreaker; cb != nil {
		if cb.FailureThreshold < 0 || cb.SuccessThreshold < 0 || cb.Timeout < 0 || cb.HalfOpenMaxCalls < 0 {
			return fmt.Errorf("pipeline: circuit_breaker values must be non-negative")
		}
	}

	if err := validateAudit(&cfg.Audit); err != nil {
		return fmt.Errorf("audit: %w", err)
	}

	return nil
}

func validateAudit(a *AuditConfig) error {
	switch a.Format {
	case AuditFormatJSON, AuditFormatCEF:
	default:
		return fmt.Errorf("invalid format '%s' (must be one of: json, cef)", a.Format)
	}
	if a.Enabled && a.LogFile == "" {
		return fmt.Errorf("log_file is required when audit logging is enabled")
	}
	return nil
}

// ValidateListen checks the listen section. It is only required by the
// listen host, so Parse does not call it.
func (c *Config) ValidateListen() error {
	l := &c.Listen

	if l.Addr == "" {
		return fmt.Errorf("listen: addr is required")
	}
	if err := validateListenAddr(l.Addr); err != nil {
		return fmt.Errorf("listen: invalid addr '%s': %w", l.Addr, err)
	}
	if l.HealthCheckAddr != "" {
		if err := validateListenAddr(l.HealthCheckAddr); err != nil {
			return fmt.Errorf("listen: invalid health_check_addr '%s': %w", l.HealthCheckAddr, err)
		}
		if l.HealthCheckAddr == l.Addr {
			return fmt.Errorf("listen: health_check_addr must differ from addr")
		}
	}

	if (l.TLSCertFile == "") != (l.TLSKeyFile == "") {
		return fmt.Errorf("listen: both tls_cert_file and tls_key_file must be specified or both omitted")
	}
	if l.TLSCertFile != "" {
		if _, err := tls.LoadX509KeyPair(l.TLSCertFile, l.TLSKeyFile); err != nil {
			return fmt.Errorf("listen: failed to load TLS certificate: %w", err)
		}
	}
	if l.ClientCAFile != "" {
		if l.TLSCertFile == "" {
			return fmt.Errorf("listen: client_ca_file requires tls_cert_file and tls_key_file")
		}
		if _, err := os.Stat(l.ClientCAFile); err != nil {
			return fmt.Errorf("listen: client_ca_file not accessible: %w", err)
		}
	}

	if _, err := acl.New(l.AllowedCIDRs); err != nil {
		return fmt.Errorf("listen: invalid allowed_cidrs: %w", err)
	}
	if l.FlushIntervalSeconds < 0 {
		return fmt.Errorf("listen: flush_interval_seconds must be positive")
	}
	if l.IdleTimeoutSeconds < 0 {
		return fmt.Errorf("listen: idle_timeout_seconds must be non-negative")
	}
	return nil
}

// validateListenAddr checks that addr is a host:port pair with a usable port.
func validateListenAddr(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 0 || n > 65535 {
		return fmt.Errorf("port must be between 0 and 65535")
	}
	return nil
}

func validateHEC(out *OutputConfig) error {
	if out.Token == "" {
		return fmt.Errorf("token is required for the hec output")
	}
	if out.Raw && out.EventKey == "" {
		return fmt.Errorf("event_key is required when raw is true")
	}
	if *out.AckInterval < 0 {
		return fmt.Errorf("ack_interval must be non-negative")
	}
	if *out.AckRetryLimit < 0 {
		return fmt.Errorf("ack_retry_limit must be non-negative")
	}

	if out.Channel == "" && out.AutoGenerateChannel {
		out.Channel = uuid.NewString()
		slog.Info("generated HEC channel", "channel", out.Channel)
	}
	if out.UseAck && out.Channel == "" {
		return fmt.Errorf("channel is required when use_ack is true")
	}
	if out.Channel != "" {
		if _, err := uuid.Parse(out.Channel); err != nil {
			return fmt.Errorf("channel must be a GUID: %w", err)
		}
	}
	return nil
}

func validateTCP(out *OutputConfig) error {
	switch encoder.Format(out.Format) {
	case encoder.FormatRaw:
		if out.EventKey == "" {
			return fmt.Errorf("event_key is required for format 'raw'")
		}
	case encoder.FormatJSON, encoder.FormatKV:
	default:
		return fmt.Errorf("invalid format '%s' (must be one of: raw, json, kv)", out.Format)
	}
	if out.UseAck {
		return fmt.Errorf("use_ack is only supported by the hec output")
	}
	if out.Gzip {
		return fmt.Errorf("gzip is only supported by the hec output")
	}
	return nil
}

func validateTLS(out *OutputConfig) error {
	if !out.UseSSL {
		return nil
	}
	if out.CAFile != "" {
		if _, err := os.Stat(out.CAFile); err != nil {
			return fmt.Errorf("ca_file not accessible: %w", err)
		}
	}
	if (out.ClientCert == "") != (out.ClientKey == "") {
		return fmt.Errorf("both client_cert and client_key must be specified or both omitted")
	}
	if out.ClientCert != "" {
		if _, err := os.Stat(out.ClientCert); err != nil {
			return fmt.Errorf("client_cert not accessible: %w", err)
		}
		if _, err := os.Stat(out.ClientKey); err != nil {
			return fmt.Errorf("client_key not accessible: %w", err)
		}
	}
	return nil
}

// AckIntervalDuration returns the configured pause between ack polls.
func (o *OutputConfig) AckIntervalDuration() time.Duration {
	if o.AckInterval == nil {
		return time.Duration(DefaultAckIntervalSeconds * float64(time.Second))
	}
	return time.Duration(*o.AckInterval * float64(time.Second))
}

// RetentionPolicy converts the dlq_retention section for the DLQ retention worker.
func (p *PipelineConfig) RetentionPolicy() dlq.RetentionPolicy {
	return dlq.RetentionPolicy{
		MaxAgeDays:      p.DLQRetention.MaxAgeDays,
		CompressAgeDays: p.DLQRetention.CompressAgeDays,
		CheckInterval:   time.Duration(p.DLQRetention.CheckIntervalMinutes) * time.Minute,
	}
}

// BreakerConfig converts the circuit_breaker section. The second result is
// false when no breaker should guard the output.
func (p *PipelineConfig) BreakerConfig() (circuitbreaker.Config, bool) {
	cb := p.CircuitBreaker
	if cb == nil || (cb.Enabled != nil && !*cb.Enabled) {
		return circuitbreaker.Config{}, false
	}

	cbConfig := circuitbreaker.DefaultConfig()
	if cb.FailureThreshold > 0 {
		cbConfig.FailureThreshold = cb.FailureThreshold
	}
	if cb.SuccessThreshold > 0 {
		cbConfig.SuccessThreshold = cb.SuccessThreshold
	}
	if cb.Timeout > 0 {
		cbConfig.Timeout = time.Duration(cb.Timeout) * time.Second
	}
	if cb.HalfOpenMaxCalls > 0 {
		cbConfig.HalfOpenMaxCalls = cb.HalfOpenMaxCalls
	}
	return cbConfig, true
}

// FlushInterval returns how long the listen host holds a partial batch.
func (l *ListenConfig) FlushInterval() time.Duration {
	return time.Duration(l.FlushIntervalSeconds) * time.Second
}

// IdleTimeout returns the listen host read deadline, zero for none.
func (l *ListenConfig) IdleTimeout() time.Duration {
	return time.Duration(l.IdleTimeoutSeconds) * time.Second
}

// GetTemplate returns the embedded YAML configuration template.
// This template can be used to generate a sample configuration file.
func GetTemplate() string {
	return configTemplate
}
