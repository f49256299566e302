package health

import (
	"sync"
	"time"
)

// CircuitState is the circuit breaker's own state machine, independent of
// (and slower to flip than) the is_healthy bit the monitor maintains: the
// breaker only throttles how often a chronically-failing backend gets
// probed, it never overrides the is_healthy transition rules (spec 4.F).
type CircuitState int

// Circuit breaker states.
const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

// CircuitBreaker trips after FailureThreshold consecutive failures and
// refuses further attempts until Timeout has elapsed, at which point it goes
// half-open and allows attempts through until the next recorded outcome
// closes it (success) or reopens it (failure).
type CircuitBreaker struct {
	failureThreshold int
	timeout          time.Duration

	mu           sync.Mutex
	state        CircuitState
	failureCount int
	openedAt     time.Time
}

// NewCircuitBreaker builds a breaker that opens after failureThreshold
// consecutive failures and retries (half-open) after timeout.
func NewCircuitBreaker(failureThreshold int, timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{failureThreshold: failureThreshold, timeout: timeout}
}

// CanAttempt reports whether a probe should be allowed to run right now.
func (cb *CircuitBreaker) CanAttempt() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed, CircuitHalfOpen:
		return true
	case CircuitOpen:
		if time.Since(cb.openedAt) >= cb.timeout {
			cb.state = CircuitHalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

// RecordFailure increments the failure count and opens the circuit once
// failureThreshold is reached; a failure while half-open reopens it
// immediately.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++
	if cb.state == CircuitHalfOpen || cb.failureCount >= cb.failureThreshold {
		cb.state = CircuitOpen
		cb.openedAt = time.Now()
	}
}

// RecordSuccess resets the breaker to closed with a zeroed failure count.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = CircuitClosed
	cb.failureCount = 0
}

// GetState returns the current circuit state.
func (cb *CircuitBreaker) GetState() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// GetFailureCount returns the current consecutive failure count.
func (cb *CircuitBreaker) GetFailureCount() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failureCount
}
