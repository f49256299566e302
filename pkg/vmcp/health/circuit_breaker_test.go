package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCircuitBreaker_StartsClosed(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker(3, time.Minute)
	assert.Equal(t, CircuitClosed, cb.GetState())
	assert.True(t, cb.CanAttempt())
	assert.Equal(t, 0, cb.GetFailureCount())
}

func TestCircuitBreaker_OpensAtThreshold(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker(3, time.Minute)
	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, CircuitClosed, cb.GetState())
	assert.True(t, cb.CanAttempt())

	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.GetState())
	assert.False(t, cb.CanAttempt())
	assert.Equal(t, 3, cb.GetFailureCount())
}

func TestCircuitBreaker_HalfOpensAfterTimeout(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker(1, 10*time.Millisecond)
	cb.RecordFailure()
	requireCircuitOpen(t, cb)

	time.Sleep(15 * time.Millisecond)
	assert.True(t, cb.CanAttempt())
	assert.Equal(t, CircuitHalfOpen, cb.GetState())
}

func TestCircuitBreaker_FailureWhileHalfOpenReopens(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker(1, 10*time.Millisecond)
	cb.RecordFailure()
	time.Sleep(15 * time.Millisecond)
	cb.CanAttempt() // transitions to half-open

	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.GetState())
}

func TestCircuitBreaker_SuccessResetsToClosed(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker(2, time.Minute)
	cb.RecordFailure()
	cb.RecordSuccess()
	assert.Equal(t, CircuitClosed, cb.GetState())
	assert.Equal(t, 0, cb.GetFailureCount())
}

func requireCircuitOpen(t *testing.T, cb *CircuitBreaker) {
	t.Helper()
	assert.Equal(t, CircuitOpen, cb.GetState())
}
