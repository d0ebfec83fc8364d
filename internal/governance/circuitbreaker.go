package governance

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrCircuitOpen is returned when the circuit breaker is in the open state.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// CircuitBreakerState represents the state of a circuit breaker.
type CircuitBreakerState string

const (
	// StateClosed indicates the circuit is closed and requests are allowed.
	StateClosed CircuitBreakerState = "closed"
	// StateOpen indicates the circuit is open and requests are rejected.
	StateOpen CircuitBreakerState = "open"
	// StateHalfOpen indicates the circuit is testing if the upstream has recovered.
	StateHalfOpen CircuitBreakerState = "half-open"
)

// CircuitBreakerConfig defines thresholds for circuit breaking.
type CircuitBreakerConfig struct {
	// MaxFailures is the consecutive failure count that opens the circuit.
	// Zero disables the breaker.
	MaxFailures int
	// Timeout is how long the circuit stays open before probing.
	Timeout time.Duration
	// MaxHalfOpenRequests is how many probes are admitted while half-open, and
	// how many must succeed to close the circuit.
	MaxHalfOpenRequests int
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxFailures:         5,
		Timeout:             30 * time.Second,
		MaxHalfOpenRequests: 1,
	}
}

// CircuitBreaker stops calling an upstream that keeps failing.
// Context cancellation by the caller is not counted as an upstream failure.
type CircuitBreaker struct {
	mu     sync.Mutex
	state  CircuitBreakerState
	config CircuitBreakerConfig

	consecutiveFailures  int
	consecutiveSuccesses int
	halfOpenRequests     int
	openUntil            time.Time
	lastStateChange      time.Time
	totalFailures        int
	totalSuccesses       int
}

// NewCircuitBreaker creates a circuit breaker with the provided configuration.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.MaxFailures < 0 {
		config.MaxFailures = 0
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxHalfOpenRequests <= 0 {
		config.MaxHalfOpenRequests = 1
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}

	return &CircuitBreaker{
		state:           StateClosed,
		config:          config,
		lastStateChange: config.Clock(),
	}
}

// ExecuteContext runs fn unless the circuit is open.
func (cb *CircuitBreaker) ExecuteContext(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cb.beforeRequest(); err != nil {
		return err
	}

	err := fn(ctx)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		cb.release()
		return err
	}
	cb.afterRequest(err)
	return err
}

func (cb *CircuitBreaker) beforeRequest() error {
	if cb.config.MaxFailures == 0 {
		return nil
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.config.Clock()

	switch cb.state {
	case StateOpen:
		if now.Before(cb.openUntil) {
			return ErrCircuitOpen
		}
		cb.transitionToLocked(StateHalfOpen, now)
		cb.halfOpenRequests++
		return nil
	case StateHalfOpen:
		if cb.halfOpenRequests < cb.config.MaxHalfOpenRequests {
			cb.halfOpenRequests++
			return nil
		}
		return ErrCircuitOpen
	default:
		return nil
	}
}

// release returns a half-open probe slot without recording an outcome.
func (cb *CircuitBreaker) release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen && cb.halfOpenRequests > 0 {
		cb.halfOpenRequests--
	}
}

func (cb *CircuitBreaker) afterRequest(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.config.Clock()

	if err == nil {
		cb.totalSuccesses++
		cb.consecutiveSuccesses++
		cb.consecutiveFailures = 0
	} else {
		cb.totalFailures++
		cb.consecutiveFailures++
		cb.consecutiveSuccesses = 0
	}

	if cb.config.MaxFailures == 0 {
		return
	}

	switch cb.state {
	case StateHalfOpen:
		if err != nil {
			cb.transitionToLocked(StateOpen, now)
			return
		}
		if cb.consecutiveSuccesses >= cb.config.MaxHalfOpenRequests {
			cb.transitionToLocked(StateClosed, now)
		}
	case StateClosed:
		if err != nil && cb.consecutiveFailures >= cb.config.MaxFailures {
			cb.transitionToLocked(StateOpen, now)
		}
	}
}

func (cb *CircuitBreaker) transitionToLocked(newState CircuitBreakerState, now time.Time) {
	if cb.state == newState {
		return
	}

	cb.state = newState
	cb.lastStateChange = now
	cb.consecutiveFailures = 0
	cb.consecutiveSuccesses = 0
	cb.halfOpenRequests = 0

	if newState == StateOpen {
		cb.openUntil = now.Add(cb.config.Timeout)
	} else {
		cb.openUntil = time.Time{}
	}
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns current circuit breaker statistics.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return CircuitBreakerStats{
		State:           string(cb.state),
		Failures:        cb.totalFailures,
		Successes:       cb.totalSuccesses,
		LastStateChange: cb.lastStateChange.Format(time.RFC3339),
		Timeout:         cb.config.Timeout.String(),
	}
}

// CircuitBreakerStats exposes circuit breaker status information.
type CircuitBreakerStats struct {
	State           string `json:"state"`
	Failures        int    `json:"failures"`
	Successes       int    `json:"successes"`
	LastStateChange string `json:"lastStateChange"`
	Timeout         string `json:"timeout"`
}

// Reset manually resets the circuit breaker to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.transitionToLocked(StateClosed, cb.config.Clock())
	cb.totalFailures = 0
	cb.totalSuccesses = 0
}
