// Package circuitbreaker stops the host from calling a failing output. After a
// run of failed deliveries the breaker opens and rejects batches outright until
// a cool-down has passed, then lets a limited number of trial deliveries
// through before closing again.
package circuitbreaker

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

var (
	// ErrCircuitOpen is returned when the circuit breaker is open and rejecting requests.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// State represents the current state of the circuit breaker
type State int

const (
	// StateClosed means the circuit breaker is allowing all requests through
	StateClosed State = iota
	// StateOpen means the circuit breaker is rejecting all requests
	StateOpen
	// StateHalfOpen means the circuit breaker is testing if the output has recovered
	StateHalfOpen
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config contains configuration for the circuit breaker
type Config struct {
	// FailureThreshold is the number of consecutive failures before opening the
	// circuit. Zero disables the breaker.
	FailureThreshold int
	// SuccessThreshold is the number of consecutive successes in half-open state before closing
	SuccessThreshold int
	// Timeout is the duration to wait before transitioning from open to half-open
	Timeout time.Duration
	// HalfOpenMaxCalls is the maximum number of concurrent calls allowed in half-open state
	HalfOpenMaxCalls int
}

// DefaultConfig returns the default circuit breaker configuration
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
		HalfOpenMaxCalls: 1,
	}
}

// Option configures a CircuitBreaker.
type Option func(*CircuitBreaker)

// WithClock replaces the wall clock used to time the open state.
func WithClock(c clock.Clock) Option {
	return func(cb *CircuitBreaker) {
		cb.clock = c
	}
}

// CircuitBreaker tracks consecutive delivery outcomes and decides whether the
// next delivery may be attempted.
//
// CircuitBreaker is safe for concurrent use by multiple goroutines.
type CircuitBreaker struct {
	mu              sync.Mutex
	state           State
	failures        int
	successes       int
	halfOpenCalls   int
	lastStateChange time.Time
	config          Config
	clock           clock.Clock
}

// New creates a new circuit breaker with the given configuration. Unset or
// negative values fall back to DefaultConfig, except a FailureThreshold of 0,
// which disables the breaker.
func New(config Config, opts ...Option) *CircuitBreaker {
	defaults := DefaultConfig()
	if config.FailureThreshold < 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = defaults.SuccessThreshold
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.HalfOpenMaxCalls <= 0 {
		config.HalfOpenMaxCalls = defaults.HalfOpenMaxCalls
	}

	cb := &CircuitBreaker{
		state:  StateClosed,
		config: config,
		clock:  clock.New(),
	}
	for _, opt := range opts {
		opt(cb)
	}
	cb.lastStateChange = cb.clock.Now()
	return cb
}

// Call executes fn if the circuit breaker allows it.
// If the circuit is open, it returns ErrCircuitOpen without calling fn.
// The result of fn is recorded to update the circuit breaker state.
func (cb *CircuitBreaker) Call(fn func() error) error {
	if !cb.acquire() {
		return ErrCircuitOpen
	}

	err := fn()
	cb.release(err)
	return err
}

// acquire reports whether a call may proceed, reserving a trial slot in the
// half-open state.
func (cb *CircuitBreaker) acquire() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.clock.Since(cb.lastStateChange) >= cb.config.Timeout {
		cb.setState(StateHalfOpen)
		slog.Info("circuit breaker half-open, testing recovery")
	}

	switch cb.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		if cb.halfOpenCalls < cb.config.HalfOpenMaxCalls {
			cb.halfOpenCalls++
			return true
		}
		return false
	default:
		return false
	}
}

// release records the outcome of a call admitted by acquire.
func (cb *CircuitBreaker) release(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen && cb.halfOpenCalls > 0 {
		cb.halfOpenCalls--
	}

	if err == nil {
		cb.onSuccess()
	} else {
		cb.onFailure()
	}
}

func (cb *CircuitBreaker) onSuccess() {
	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.setState(StateClosed)
			slog.Info("circuit breaker closed, output recovered")
		}
	}
}

func (cb *CircuitBreaker) onFailure() {
	if cb.config.FailureThreshold == 0 {
		return
	}

	cb.failures++

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.config.FailureThreshold {
			slog.Warn("circuit breaker opened",
				"consecutive_failures", cb.failures,
				"threshold", cb.config.FailureThreshold,
				"timeout", cb.config.Timeout)
			cb.setState(StateOpen)
		}
	case StateHalfOpen:
		// Any failure in half-open state reopens the circuit
		slog.Warn("circuit breaker reopened after failed trial delivery")
		cb.setState(StateOpen)
	}
}

// setState moves to s and clears the counters. Callers hold mu.
func (cb *CircuitBreaker) setState(s State) {
	cb.state = s
	cb.lastStateChange = cb.clock.Now()
	cb.failures = 0
	cb.successes = 0
	cb.halfOpenCalls = 0
}

// State returns the current state of the circuit breaker. An open breaker
// whose timeout has elapsed still reports open until the next call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the current consecutive failure count
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Successes returns the current success count (only relevant in half-open state)
func (cb *CircuitBreaker) Successes() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.successes
}

// Reset manually resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.setState(StateClosed)
}
