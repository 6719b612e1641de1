package forwarder

import (
	"errors"

	"github.com/scottbrown/splunkout/internal/circuitbreaker"
	"github.com/scottbrown/splunkout/internal/event"
	"github.com/scottbrown/splunkout/internal/metrics"
)

// guarded routes deliveries through a circuit breaker. Health checks and
// shutdown bypass the breaker.
type guarded struct {
	Forwarder
	breaker *circuitbreaker.CircuitBreaker
}

// WithBreaker wraps f so that deliveries fail fast with
// circuitbreaker.ErrCircuitOpen while cb is open.
func WithBreaker(f Forwarder, cb *circuitbreaker.CircuitBreaker) Forwarder {
	if cb == nil {
		return f
	}
	return &guarded{Forwarder: f, breaker: cb}
}

func (g *guarded) Deliver(tag string, entries []event.Entry) error {
	err := g.breaker.Call(func() error {
		return g.Forwarder.Deliver(tag, entries)
	})
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		metrics.CircuitRejections.Add(1)
	}
	return err
}
