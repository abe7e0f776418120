package governance

import (
	"context"
	"errors"
	"fmt"
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
	// StateClosed indicates calls pass through and failures are counted.
	StateClosed CircuitBreakerState = "closed"
	// StateOpen indicates calls are rejected immediately.
	StateOpen CircuitBreakerState = "open"
	// StateHalfOpen indicates one trial call probes whether the dependency recovered.
	StateHalfOpen CircuitBreakerState = "half-open"
)

// CircuitBreakerConfig defines thresholds for circuit breaking.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the circuit.
	FailureThreshold int
	// ResetTimeout is how long the circuit stays open before permitting
	// a single trial call.
	ResetTimeout time.Duration
}

// DefaultStorageBreaker returns the thresholds guarding storage calls.
func DefaultStorageBreaker() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
	}
}

// DefaultIPLookupBreaker returns the thresholds guarding geolocation lookups.
// Lookups trip earlier and recover slower than storage.
func DefaultIPLookupBreaker() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 3,
		ResetTimeout:     60 * time.Second,
	}
}

// CircuitBreaker guards a fallible dependency. It is owned by a single engine
// instance and never shared; two independently configured instances must not
// observe each other's failures.
type CircuitBreaker struct {
	mu     sync.RWMutex
	state  CircuitBreakerState
	config CircuitBreakerConfig
	now    func() time.Time

	consecutiveFailures int
	totalFailures       int
	totalSuccesses      int
	openedAt            time.Time
	trialInFlight       bool
	lastStateChange     time.Time
}

// NewCircuitBreaker creates a circuit breaker with the provided configuration.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 30 * time.Second
	}

	return &CircuitBreaker{
		state:           StateClosed,
		config:          config,
		now:             time.Now,
		lastStateChange: time.Now(),
	}
}

// Execute wraps a function call with circuit breaker protection.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.beforeRequest(); err != nil {
		return err
	}

	err := fn()
	cb.afterRequest(err)
	return err
}

// ExecuteContext wraps a function call with circuit breaker and context support.
func (cb *CircuitBreaker) ExecuteContext(ctx context.Context, fn func(context.Context) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := cb.beforeRequest(); err != nil {
		return err
	}

	err := fn(ctx)
	cb.afterRequest(err)
	return err
}

// beforeRequest checks if the call should be allowed.
func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()

	switch cb.state {
	case StateClosed:
		return nil
	case StateOpen:
		if now.Sub(cb.openedAt) >= cb.config.ResetTimeout {
			cb.transitionToLocked(StateHalfOpen, now)
			cb.trialInFlight = true
			return nil
		}
		return ErrCircuitOpen
	case StateHalfOpen:
		// Exactly one trial call probes the dependency.
		if cb.trialInFlight {
			return ErrCircuitOpen
		}
		cb.trialInFlight = true
		return nil
	default:
		return fmt.Errorf("unknown circuit breaker state: %s", cb.state)
	}
}

// afterRequest records the result of an admitted call.
func (cb *CircuitBreaker) afterRequest(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()

	if err == nil {
		cb.totalSuccesses++
		cb.consecutiveFailures = 0
	} else {
		cb.totalFailures++
		cb.consecutiveFailures++
	}

	switch cb.state {
	case StateHalfOpen:
		cb.trialInFlight = false
		if err != nil {
			cb.transitionToLocked(StateOpen, now)
			return
		}
		cb.transitionToLocked(StateClosed, now)
	case StateClosed:
		if err != nil && cb.consecutiveFailures >= cb.config.FailureThreshold {
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
	cb.trialInFlight = false

	switch newState {
	case StateOpen:
		cb.openedAt = now
	case StateClosed, StateHalfOpen:
		cb.openedAt = time.Time{}
		cb.consecutiveFailures = 0
	}
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Stats returns current circuit breaker statistics.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	return CircuitBreakerStats{
		State:               string(cb.state),
		ConsecutiveFailures: cb.consecutiveFailures,
		Failures:            cb.totalFailures,
		Successes:           cb.totalSuccesses,
		LastStateChange:     cb.lastStateChange.Format(time.RFC3339),
		FailureThreshold:    cb.config.FailureThreshold,
		ResetTimeout:        cb.config.ResetTimeout.String(),
	}
}

// CircuitBreakerStats exposes circuit breaker status information.
type CircuitBreakerStats struct {
	State               string `json:"state"`
	ConsecutiveFailures int    `json:"consecutiveFailures"`
	Failures            int    `json:"failures"`
	Successes           int    `json:"successes"`
	LastStateChange     string `json:"lastStateChange"`
	FailureThreshold    int    `json:"failureThreshold"`
	ResetTimeout        string `json:"resetTimeout"`
}

// Reset manually resets the circuit breaker to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.transitionToLocked(StateClosed, cb.now())
	cb.consecutiveFailures = 0
	cb.totalFailures = 0
	cb.totalSuccesses = 0
}
