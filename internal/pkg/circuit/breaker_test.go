package circuit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	now := time.Unix(1000, 0)
	cb := NewCircuitBreaker("exchange", 3, 10*time.Second)
	cb.SetClock(func() time.Time { return now })

	var changes []State
	cb.SetStateChangeHandler(func(_ string, _, to State) { changes = append(changes, to) })

	cb.RecordFailure()
	cb.RecordFailure()
	assert.True(t, cb.Allow())
	cb.RecordFailure()
	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.Allow())

	now = now.Add(11 * time.Second)
	assert.True(t, cb.Allow())
	assert.Equal(t, StateHalfOpen, cb.State())
	cb.RecordSuccess()
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, []State{StateOpen, StateHalfOpen, StateClosed}, changes)
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	cb := NewCircuitBreaker("exchange", 2, 0)
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerTripAndReset(t *testing.T) {
	cb := NewCircuitBreaker("exchange", 5, 0)
	cb.Trip()
	assert.Equal(t, StateOpen, cb.State())
	// timeout 为 0 时不自动半开
	assert.False(t, cb.Allow())
	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
	assert.True(t, cb.Allow())
}
