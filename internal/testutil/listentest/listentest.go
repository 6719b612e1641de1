// Package listentest launches the splunkout binary in listen mode for
// end-to-end tests.
package listentest

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

// HECConfig describes the HEC output the instance forwards to.
type HECConfig struct {
	URL        string
	Token      string
	Sourcetype string
	UseGzip    bool
}

// TLSConfig holds the listener certificate and optional client CA.
type TLSConfig struct {
	CertFile     string
	KeyFile      string
	ClientCAFile string
}

// Instance is a running splunkout listen process.
type Instance struct {
	// Configuration
	ListenAddr   string
	DLQDir       string
	AuditFile    string
	Tag          string
	BatchSize    int
	MaxLineBytes int
	FlushSeconds int
	AllowedCIDRs []string
	HECConfig    *HECConfig
	TLSConfig    *TLSConfig
	// BreakerFailures enables the circuit breaker with this threshold when positive.
	BreakerFailures int

	// Runtime
	cmd        *exec.Cmd
	stdout     *bytes.Buffer
	stderr     *bytes.Buffer
	configFile string
	t          *testing.T
}

// Option configures an Instance.
type Option func(*Instance)

// WithHEC forwards to the HEC endpoint at url.
func WithHEC(url, token, sourcetype string, useGzip bool) Option {
	return func(i *Instance) {
		i.HECConfig = &HECConfig{
			URL:        url,
			Token:      token,
			Sourcetype: sourcetype,
			UseGzip:    useGzip,
		}
	}
}

// WithTLS serves TLS with the given pair. A non-empty clientCAFile requires
// client certificates.
func WithTLS(certFile, keyFile, clientCAFile string) Option {
	return func(i *Instance) {
		i.TLSConfig = &TLSConfig{
			CertFile:     certFile,
			KeyFile:      keyFile,
			ClientCAFile: clientCAFile,
		}
	}
}

// WithMaxLineBytes sets the maximum line size.
func WithMaxLineBytes(maxBytes int) Option {
	return func(i *Instance) {
		i.MaxLineBytes = maxBytes
	}
}

// WithBatchSize sets the events per delivered batch.
func WithBatchSize(n int) Option {
	return func(i *Instance) {
		i.BatchSize = n
	}
}

// WithAllowedCIDRs restricts which clients may connect.
func WithAllowedCIDRs(cidrs ...string) Option {
	return func(i *Instance) {
		i.AllowedCIDRs = cidrs
	}
}

// WithDLQ writes failed batches to a temporary directory.
func WithDLQ() Option {
	return func(i *Instance) {
		i.DLQDir = i.t.TempDir()
	}
}

// WithAudit writes a JSON audit log to a temporary file.
func WithAudit() Option {
	return func(i *Instance) {
		i.AuditFile = filepath.Join(i.t.TempDir(), "audit.log")
	}
}

// WithCircuitBreaker guards the output with a breaker opening after failures.
func WithCircuitBreaker(failures int) Option {
	return func(i *Instance) {
		i.BreakerFailures = failures
	}
}

// New prepares an instance on a free loopback port.
func New(t *testing.T, opts ...Option) *Instance {
	t.Helper()

	// Auto-allocate a port
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to allocate port: %v", err)
	}
	listenAddr := listener.Addr().String()
	listener.Close()

	instance := &Instance{
		ListenAddr:   listenAddr,
		Tag:          "integration",
		BatchSize:    100,
		MaxLineBytes: 1 << 20, // 1 MiB default
		FlushSeconds: 1,
		t:            t,
	}

	for _, opt := range opts {
		opt(instance)
	}

	return instance
}

// Start writes the configuration and launches the process.
func (i *Instance) Start() error {
	i.t.Helper()

	configFile, err := i.generateConfigFile()
	if err != nil {
		return fmt.Errorf("failed to generate config: %w", err)
	}
	i.configFile = configFile

	binaryPath, err := buildBinary()
	if err != nil {
		return fmt.Errorf("failed to build splunkout: %w", err)
	}

	i.cmd = exec.Command(binaryPath, "listen", "--config", configFile, "--log-level", "debug")

	i.stdout = &bytes.Buffer{}
	i.stderr = &bytes.Buffer{}
	i.cmd.Stdout = i.stdout
	i.cmd.Stderr = i.stderr

	if err := i.cmd.Start(); err != nil {
		return fmt.Errorf("failed to start splunkout: %w", err)
	}

	return nil
}

// WaitForReady waits until the listener accepts connections.
func (i *Instance) WaitForReady(timeout time.Duration) error {
	i.t.Helper()

	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", i.ListenAddr, 100*time.Millisecond)
		if err == nil {
			conn.Close()
			return nil
		}

		if i.cmd.ProcessState != nil && i.cmd.ProcessState.Exited() {
			return fmt.Errorf("splunkout exited prematurely: stdout=%s stderr=%s",
				i.stdout.String(), i.stderr.String())
		}

		time.Sleep(50 * time.Millisecond)
	}

	return fmt.Errorf("timeout waiting for splunkout to be ready: stdout=%s stderr=%s",
		i.stdout.String(), i.stderr.String())
}

// Stop interrupts the process and waits for it to flush and exit.
func (i *Instance) Stop() error {
	i.t.Helper()

	if i.cmd == nil || i.cmd.Process == nil || i.cmd.ProcessState != nil {
		return nil
	}

	if err := i.cmd.Process.Signal(os.Interrupt); err != nil {
		i.cmd.Process.Kill()
	}

	done := make(chan error, 1)
	go func() {
		done <- i.cmd.Wait()
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		i.cmd.Process.Kill()
		return fmt.Errorf("timeout waiting for splunkout to stop, killed")
	}
}

// Logs returns the process output. Logs go to stderr.
func (i *Instance) Logs() (stdout, stderr string) {
	i.t.Helper()

	if i.stdout != nil {
		stdout = i.stdout.String()
	}
	if i.stderr != nil {
		stderr = i.stderr.String()
	}

	return stdout, stderr
}

// DLQFiles returns the file names in the DLQ directory.
func (i *Instance) DLQFiles() ([]string, error) {
	i.t.Helper()

	if i.DLQDir == "" {
		return nil, nil
	}

	entries, err := os.ReadDir(i.DLQDir)
	if err != nil {
		return nil, err
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			files = append(files, entry.Name())
		}
	}

	return files, nil
}

// ReadAuditLog returns the audit log contents.
func (i *Instance) ReadAuditLog() (string, error) {
	i.t.Helper()

	content, err := os.ReadFile(i.AuditFile)
	if err != nil {
		return "", err
	}
	return string(content), nil
}

// generateConfigFile writes the instance configuration as YAML.
func (i *Instance) generateConfigFile() (string, error) {
	i.t.Helper()

	pipeline := map[string]interface{}{
		"tag":            i.Tag,
		"batch_size":     i.BatchSize,
		"max_line_bytes": i.MaxLineBytes,
	}
	if i.DLQDir != "" {
		pipeline["dlq_dir"] = i.DLQDir
	}
	if i.BreakerFailures > 0 {
		pipeline["circuit_breaker"] = map[string]interface{}{
			"failure_threshold": i.BreakerFailures,
			"timeout_seconds":   3600,
		}
	}

	listen := map[string]interface{}{
		"addr":                   i.ListenAddr,
		"flush_interval_seconds": i.FlushSeconds,
	}
	if len(i.AllowedCIDRs) > 0 {
		listen["allowed_cidrs"] = i.AllowedCIDRs
	}
	if i.TLSConfig != nil {
		listen["tls_cert_file"] = i.TLSConfig.CertFile
		listen["tls_key_file"] = i.TLSConfig.KeyFile
		if i.TLSConfig.ClientCAFile != "" {
			listen["client_ca_file"] = i.TLSConfig.ClientCAFile
		}
	}

	config := map[string]interface{}{
		"pipeline": pipeline,
		"listen":   listen,
	}

	if i.HECConfig != nil {
		u, err := url.Parse(i.HECConfig.URL)
		if err != nil {
			return "", fmt.Errorf("invalid HEC URL: %w", err)
		}
		port, err := strconv.Atoi(u.Port())
		if err != nil {
			return "", fmt.Errorf("invalid HEC port: %w", err)
		}
		config["output"] = map[string]interface{}{
			"type":               "hec",
			"host":               u.Hostname(),
			"port":               port,
			"token":              i.HECConfig.Token,
			"default_sourcetype": i.HECConfig.Sourcetype,
			"gzip":               i.HECConfig.UseGzip,
			"use_ssl":            u.Scheme == "https",
		}
	}

	if i.AuditFile != "" {
		config["audit"] = map[string]interface{}{
			"enabled":  true,
			"log_file": i.AuditFile,
			"format":   "json",
		}
	}

	yamlBytes, err := yaml.Marshal(config)
	if err != nil {
		return "", fmt.Errorf("failed to marshal config: %w", err)
	}

	configFile := filepath.Join(i.t.TempDir(), "splunkout.yml")
	if err := os.WriteFile(configFile, yamlBytes, 0600); err != nil {
		return "", fmt.Errorf("failed to write config file: %w", err)
	}

	return configFile, nil
}

var (
	buildOnce sync.Once
	buildPath string
	buildErr  error
)

// buildBinary compiles cmd/splunkout once per test process.
func buildBinary() (string, error) {
	buildOnce.Do(func() {
		projectRoot, err := findProjectRoot()
		if err != nil {
			buildErr = err
			return
		}

		dir, err := os.MkdirTemp("", "splunkout-integration-")
		if err != nil {
			buildErr = err
			return
		}
		buildPath = filepath.Join(dir, "splunkout")

		cmd := exec.Command("go", "build", "-o", buildPath, "./cmd/splunkout")
		cmd.Dir = projectRoot
		if output, err := cmd.CombinedOutput(); err != nil {
			buildErr = fmt.Errorf("go build failed: %w\nOutput: %s", err, string(output))
		}
	})
	return buildPath, buildErr
}

// findProjectRoot finds the project root by looking for go.mod.
func findProjectRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("could not find project root (go.mod not found)")
		}
		dir = parent
	}
}

// MustStart starts the instance and waits for it to be ready, or fails the test.
func (i *Instance) MustStart(ctx context.Context) {
	i.t.Helper()

	if err := i.Start(); err != nil {
		i.t.Fatalf("Failed to start splunkout: %v", err)
	}

	if err := i.WaitForReady(10 * time.Second); err != nil {
		stdout, stderr := i.Logs()
		i.t.Fatalf("splunkout not ready: %v\nStdout:\n%s\nStderr:\n%s", err, stdout, stderr)
	}
}
