// Package transport moves assembled payloads to Splunk, either as HTTP requests
// to the event collector or as writes on a raw TCP/TLS socket.
package transport

// Response is what the endpoint answered to a send. Socket sends have no
// response body and a zero status.
type Response struct {
	StatusCode int
	Body       []byte
}

// Transport delivers a payload to a path on the remote endpoint.
// Implementations are safe for concurrent use.
type Transport interface {
	Send(path string, body []byte) (*Response, error)
	Close() error
}
