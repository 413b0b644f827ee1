package circuit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCircuitBreaker(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	newBreaker := func() *CircuitBreaker {
		cb := NewCircuitBreaker("klines", 2, time.Minute)
		cb.nowFn = func() time.Time { return now }
		return cb
	}

	t.Run("opens after threshold", func(t *testing.T) {
		cb := newBreaker()
		cb.RecordFailure()
		assert.True(t, cb.Allow())
		cb.RecordFailure()
		assert.Equal(t, StateOpen, cb.State())
		assert.False(t, cb.Allow())
	})

	t.Run("success resets the counter", func(t *testing.T) {
		cb := newBreaker()
		cb.RecordFailure()
		cb.RecordSuccess()
		cb.RecordFailure()
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("half open probe", func(t *testing.T) {
		cb := newBreaker()
		cb.RecordFailure()
		cb.RecordFailure()
		cb.nowFn = func() time.Time { return now.Add(2 * time.Minute) }
		assert.True(t, cb.Allow())
		assert.Equal(t, StateHalfOpen, cb.State())
		assert.False(t, cb.Allow(), "only one probe while half-open")

		cb.RecordSuccess()
		assert.Equal(t, StateClosed, cb.State())
		assert.True(t, cb.Allow())
	})

	t.Run("failed probe reopens", func(t *testing.T) {
		cb := newBreaker()
		cb.RecordFailure()
		cb.RecordFailure()
		cb.nowFn = func() time.Time { return now.Add(2 * time.Minute) }
		assert.True(t, cb.Allow())
		cb.RecordFailure()
		assert.Equal(t, StateOpen, cb.State())
		assert.False(t, cb.Allow())
	})

	t.Run("state change handler", func(t *testing.T) {
		cb := newBreaker()
		got := make(chan State, 1)
		cb.SetStateChangeHandler(func(name string, from, to State) {
			assert.Equal(t, "klines", name)
			got <- to
		})
		cb.RecordFailure()
		cb.RecordFailure()
		select {
		case to := <-got:
			assert.Equal(t, StateOpen, to)
		case <-time.After(time.Second):
			t.Fatal("handler not called")
		}
	})
}
