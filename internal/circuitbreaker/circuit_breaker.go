// Package circuitbreaker fault-isolates the external services the pipeline
// depends on: the EMR, the embedder, and the generator.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

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

// ErrCircuitOpen is returned when a call is rejected without being attempted.
var ErrCircuitOpen = errors.New("Circuit breaker is OPEN")

// Config holds circuit breaker configuration.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// circuit.
	FailureThreshold int
	// ResetTimeout is how long the circuit stays open after the last failure
	// before a single probe call is allowed through.
	ResetTimeout time.Duration
	// OnStateChange is invoked on every transition.
	OnStateChange func(from, to State)
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
	}
}

// CircuitBreaker guards calls to one external service.
type CircuitBreaker struct {
	config *Config

	mu              sync.Mutex
	state           State
	failureCount    int
	circuitOpenedAt time.Time
	lastFailureAt   time.Time
	probeInFlight   bool

	totalRequests   int64
	totalFailures   int64
	totalSuccesses  int64
	totalRejections int64
}

// New creates a circuit breaker in the closed state.
func New(config *Config) *CircuitBreaker {
	if config == nil {
		config = DefaultConfig()
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 30 * time.Second
	}
	return &CircuitBreaker{config: config, state: StateClosed}
}

// Execute runs fn under circuit breaker protection. When the circuit is open
// the call fails fast with ErrCircuitOpen and fn is never invoked.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.before(); err != nil {
		return err
	}

	err := fn(ctx)
	cb.after(err)
	return err
}

// before decides whether the call may proceed, transitioning OPEN to
// HALF_OPEN once the reset timeout has elapsed since the last failure.
func (cb *CircuitBreaker) before() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.totalRequests++
		return nil

	case StateOpen:
		if time.Since(cb.lastFailureAt) >= cb.config.ResetTimeout {
			cb.transition(StateHalfOpen)
			cb.probeInFlight = true
			cb.totalRequests++
			return nil
		}
		cb.totalRejections++
		return ErrCircuitOpen

	case StateHalfOpen:
		// One probe at a time while half-open.
		if cb.probeInFlight {
			cb.totalRejections++
			return ErrCircuitOpen
		}
		cb.probeInFlight = true
		cb.totalRequests++
		return nil
	}
	return nil
}

// after records the call result and drives state transitions.
func (cb *CircuitBreaker) after(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen {
		cb.probeInFlight = false
	}

	if err == nil {
		cb.totalSuccesses++
		cb.failureCount = 0
		if cb.state == StateHalfOpen {
			cb.transition(StateClosed)
		}
		return
	}

	cb.totalFailures++
	cb.lastFailureAt = time.Now()

	switch cb.state {
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.circuitOpenedAt = time.Now()
			cb.transition(StateOpen)
		}
	case StateHalfOpen:
		cb.circuitOpenedAt = time.Now()
		cb.transition(StateOpen)
	case StateOpen:
		// Already open.
	}
}

func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if to == StateClosed {
		cb.failureCount = 0
		cb.probeInFlight = false
	}
	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(from, to)
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// FailureCount returns the current consecutive failure count.
func (cb *CircuitBreaker) FailureCount() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failureCount
}

// Reset forces the breaker back to the closed state with counters cleared.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failureCount = 0
	cb.probeInFlight = false
	cb.circuitOpenedAt = time.Time{}
	cb.lastFailureAt = time.Time{}
}

// Stats is a point-in-time telemetry snapshot.
type Stats struct {
	State           State         `json:"state"`
	FailureCount    int           `json:"failure_count"`
	TotalRequests   int64         `json:"total_requests"`
	TotalFailures   int64         `json:"total_failures"`
	TotalSuccesses  int64         `json:"total_successes"`
	TotalRejections int64         `json:"total_rejections"`
	FailureRate     float64       `json:"failure_rate"`
	CircuitOpenedAt time.Time     `json:"circuit_opened_at,omitempty"`
	TimeUntilReset  time.Duration `json:"time_until_reset,omitempty"`
}

// GetStats returns current telemetry.
func (cb *CircuitBreaker) GetStats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	stats := Stats{
		State:           cb.state,
		FailureCount:    cb.failureCount,
		TotalRequests:   cb.totalRequests,
		TotalFailures:   cb.totalFailures,
		TotalSuccesses:  cb.totalSuccesses,
		TotalRejections: cb.totalRejections,
		CircuitOpenedAt: cb.circuitOpenedAt,
	}
	if cb.totalRequests > 0 {
		stats.FailureRate = float64(cb.totalFailures) / float64(cb.totalRequests)
	}
	if cb.state == StateOpen {
		remaining := cb.config.ResetTimeout - time.Since(cb.lastFailureAt)
		if remaining > 0 {
			stats.TimeUntilReset = remaining
		}
	}
	return stats
}
