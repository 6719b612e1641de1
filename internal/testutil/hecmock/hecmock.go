// Package hecmock provides a mock Splunk HEC server, including the indexer
// acknowledgement endpoint, for integration testing.
package hecmock

import (
	"compress/gzip"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"time"
)

// ResponseMode defines the type of response the mock server should return.
type ResponseMode int

const (
	// ResponseOK returns 200 OK
	ResponseOK ResponseMode = iota
	// ResponseBadRequest returns 400 Bad Request
	ResponseBadRequest
	// ResponseUnauthorised returns 401 Unauthorised
	ResponseUnauthorised
	// ResponseForbidden returns 403 Forbidden
	ResponseForbidden
	// ResponseServerError returns 500 Internal Server Error
	ResponseServerError
	// ResponseServiceUnavailable returns 503 Service Unavailable
	ResponseServiceUnavailable
	// ResponseDrop drops the connection without responding
	ResponseDrop
)

// Never passed to EnableAck keeps every ack id pending forever.
const Never = -1

// RecordedRequest represents a single submission received by the mock HEC server.
type RecordedRequest struct {
	Timestamp  time.Time
	Path       string
	Query      url.Values
	Headers    http.Header
	Body       []byte
	BodyLines  []string
	Compressed bool
}

// MockHECServer simulates a Splunk HEC endpoint.
type MockHECServer struct {
	// Server is the underlying HTTP test server
	Server *httptest.Server
	// URL is the base URL of the mock server
	URL string
	// Token is the expected authorisation token
	Token string

	mu           sync.Mutex
	responseMode ResponseMode
	delay        time.Duration

	// Indexer acknowledgement
	ackEnabled   bool
	omitAckID    bool
	confirmAfter int
	nextAckID    int
	pending      map[int]int // ack id -> polls answered so far
	ackPolls     int

	requests []RecordedRequest
}

// NewMockHECServer creates a new plain HTTP mock HEC server with the specified
// authorisation token.
func NewMockHECServer(token string) *MockHECServer {
	m := newMock(token)
	m.Server = httptest.NewServer(http.HandlerFunc(m.handler))
	m.URL = m.Server.URL
	return m
}

// NewTLSMockHECServer creates a mock HEC server that serves HTTPS with the
// given server TLS configuration.
func NewTLSMockHECServer(token string, cfg *tls.Config) *MockHECServer {
	m := newMock(token)
	m.Server = httptest.NewUnstartedServer(http.HandlerFunc(m.handler))
	m.Server.TLS = cfg
	m.Server.StartTLS()
	m.URL = m.Server.URL
	return m
}

func newMock(token string) *MockHECServer {
	return &MockHECServer{
		Token:        token,
		responseMode: ResponseOK,
		pending:      make(map[int]int),
		requests:     make([]RecordedRequest, 0),
	}
}

// handler processes incoming HTTP requests.
func (m *MockHECServer) handler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("hecmock request received", "method", r.Method, "path", r.URL.Path)

	m.mu.Lock()
	delay := m.delay
	mode := m.responseMode
	m.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	if mode == ResponseDrop {
		if hj, ok := w.(http.Hijacker); ok {
			conn, _, err := hj.Hijack()
			if err == nil {
				_ = conn.Close() // Ignore close error in test mock
				return
			}
		}
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	if r.Header.Get("Authorization") != "Splunk "+m.Token {
		if r.URL.Path == "/services/collector/health" {
			w.WriteHeader(http.StatusForbidden)
			fmt.Fprint(w, `{"text":"Invalid token","code":4}`)
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"text":"Invalid authorization","code":3}`)
		return
	}

	switch r.URL.Path {
	case "/services/collector/health":
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"text":"HEC is healthy","code":17}`)
	case "/services/collector/ack":
		m.handleAck(w, r)
	case "/services/collector", "/services/collector/event", "/services/collector/raw":
		m.handleSubmit(w, r, mode)
	default:
		http.Error(w, "Not found", http.StatusNotFound)
	}
}

func (m *MockHECServer) handleSubmit(w http.ResponseWriter, r *http.Request, mode ResponseMode) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var bodyReader io.Reader = r.Body
	compressed := false
	if r.Header.Get("Content-Encoding") == "gzip" {
		compressed = true
		gzReader, err := gzip.NewReader(r.Body)
		if err != nil {
			http.Error(w, "Invalid gzip content", http.StatusBadRequest)
			return
		}
		defer gzReader.Close()
		bodyReader = gzReader
	}

	body, err := io.ReadAll(bodyReader)
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}

	lines := strings.Split(string(body), "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = append(m.requests, RecordedRequest{
		Timestamp:  time.Now(),
		Path:       r.URL.Path,
		Query:      r.URL.Query(),
		Headers:    r.Header.Clone(),
		Body:       body,
		BodyLines:  lines,
		Compressed: compressed,
	})

	switch mode {
	case ResponseBadRequest:
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"text":"Invalid data format","code":6}`)
		return
	case ResponseUnauthorised:
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"text":"Unauthorised","code":2}`)
		return
	case ResponseForbidden:
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"text":"Forbidden","code":3}`)
		return
	case ResponseServerError:
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"text":"Internal server error","code":8}`)
		return
	case ResponseServiceUnavailable:
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"text":"Server is busy","code":9}`)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if !m.ackEnabled {
		fmt.Fprint(w, `{"text":"Success","code":0}`)
		return
	}
	if r.Header.Get("X-Splunk-Request-Channel") == "" {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"text":"Data channel is missing","code":10}`)
		return
	}
	if m.omitAckID {
		fmt.Fprint(w, `{"text":"Success","code":0}`)
		return
	}

	id := m.nextAckID
	m.nextAckID++
	m.pending[id] = 0
	fmt.Fprintf(w, `{"text":"Success","code":0,"ackId":%d}`, id)
}

func (m *MockHECServer) handleAck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var query struct {
		Acks []int `json:"acks"`
	}
	if err := json.NewDecoder(r.Body).Decode(&query); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"text":"Invalid data format","code":6}`)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.ackPolls++
	if !m.ackEnabled {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"text":"ACK is disabled","code":14}`)
		return
	}

	status := make(map[string]bool, len(query.Acks))
	for _, id := range query.Acks {
		polls, known := m.pending[id]
		confirmed := known && m.confirmAfter != Never && polls >= m.confirmAfter
		if known {
			m.pending[id] = polls + 1
		}
		status[fmt.Sprint(id)] = confirmed
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"acks": status})
}

// EnableAck turns on indexer acknowledgement. Each ack id reports false for
// its first confirmAfter polls and true afterwards; Never keeps it pending.
func (m *MockHECServer) EnableAck(confirmAfter int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ackEnabled = true
	m.confirmAfter = confirmAfter
}

// OmitAckID makes successful submissions answer without an ackId even when
// acknowledgement is enabled.
func (m *MockHECServer) OmitAckID(omit bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.omitAckID = omit
}

// AckPolls returns the number of requests made to the ack endpoint.
func (m *MockHECServer) AckPolls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ackPolls
}

// SetResponse sets the response mode for subsequent requests.
func (m *MockHECServer) SetResponse(mode ResponseMode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responseMode = mode
}

// SetDelay sets a delay before responding to requests.
func (m *MockHECServer) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// GetRequests returns all recorded submissions.
func (m *MockHECServer) GetRequests() []RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Return a copy to prevent concurrent modification
	result := make([]RecordedRequest, len(m.requests))
	copy(result, m.requests)
	return result
}

// RequestCount returns the number of submissions received.
func (m *MockHECServer) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Reset clears recorded requests, pending acks and the response mode.
func (m *MockHECServer) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = make([]RecordedRequest, 0)
	m.responseMode = ResponseOK
	m.delay = 0
	m.ackEnabled = false
	m.omitAckID = false
	m.confirmAfter = 0
	m.pending = make(map[int]int)
	m.ackPolls = 0
}

// Close shuts down the mock server.
func (m *MockHECServer) Close() {
	m.Server.Close()
}
