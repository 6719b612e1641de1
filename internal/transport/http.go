package transport

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// HealthPath is the collector's health endpoint.
const HealthPath = "/services/collector/health"

// HTTPConfig contains configuration for the collector HTTP transport.
type HTTPConfig struct {
	Host    string
	Port    int
	Token   string
	Channel string
	TLS     TLSOptions
	UseGzip bool
	// Timeout bounds a single request. Zero means no limit.
	Timeout time.Duration
}

// HTTP posts payloads to a Splunk HTTP Event Collector. One client and its
// connection pool are shared by every send.
type HTTP struct {
	base    *url.URL
	token   string
	channel string
	gzip    bool
	client  *http.Client
}

// NewHTTP creates the collector transport. The scheme is https when TLS is
// enabled.
func NewHTTP(cfg HTTPConfig) (*HTTP, error) {
	if cfg.Host == "" {
		return nil, errors.New("host is required")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d", cfg.Port)
	}

	tlsConfig, err := NewTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}

	scheme := "http"
	if cfg.TLS.Enabled {
		scheme = "https"
	}

	rt := http.DefaultTransport.(*http.Transport).Clone()
	rt.TLSClientConfig = tlsConfig

	return &HTTP{
		base: &url.URL{
			Scheme: scheme,
			Host:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		},
		token:   cfg.Token,
		channel: cfg.Channel,
		gzip:    cfg.UseGzip,
		client:  &http.Client{Timeout: cfg.Timeout, Transport: rt},
	}, nil
}

// BaseURL returns the scheme and authority every path is resolved against.
func (h *HTTP) BaseURL() string {
	return h.base.String()
}

// Channel returns the request channel sent with every request.
func (h *HTTP) Channel() string {
	return h.channel
}

// Send posts body to path, which may carry a query string. A non-2xx answer
// is returned as a *StatusError.
func (h *HTTP) Send(path string, body []byte) (*Response, error) {
	endpoint, err := h.resolve(path)
	if err != nil {
		return nil, err
	}

	payload := body
	if h.gzip {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(body); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		payload = buf.Bytes()
	}

	req, err := http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	h.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")
	if h.gzip {
		req.Header.Set("Content-Encoding", "gzip")
	}

	return h.do(req, endpoint)
}

// HealthCheck verifies that the collector is up and the token is accepted.
func (h *HTTP) HealthCheck() error {
	endpoint, err := h.resolve(HealthPath)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	h.setHeaders(req)

	_, err = h.do(req, endpoint)
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusForbidden {
		return errors.New("invalid Splunk HEC token (403 Forbidden)")
	}
	if err != nil {
		return fmt.Errorf("HEC health check failed: %w", err)
	}
	return nil
}

// Close releases idle pooled connections.
func (h *HTTP) Close() error {
	h.client.CloseIdleConnections()
	return nil
}

func (h *HTTP) resolve(path string) (string, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("invalid path %q: %w", path, err)
	}
	return h.base.ResolveReference(ref).String(), nil
}

func (h *HTTP) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Splunk "+h.token)
	if h.channel != "" {
		req.Header.Set("X-Splunk-Request-Channel", h.channel)
	}
}

func (h *HTTP) do(req *http.Request, endpoint string) (*Response, error) {
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, &Error{Op: req.Method, Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Op: "read response", Endpoint: endpoint, Err: err}
	}

	slog.Debug("collector responded", "endpoint", endpoint, "status", resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: body}
	}
	return &Response{StatusCode: resp.StatusCode, Body: body}, nil
}
