package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreaker_StateTransitions(t *testing.T) {
	breaker := NewBreaker("transitions", 3, 100*time.Millisecond)
	assert.Equal(t, StateClosed, breaker.State())

	breaker.RecordFailure()
	breaker.RecordFailure()
	assert.Equal(t, StateClosed, breaker.State(), "2 failures")

	breaker.RecordFailure()
	assert.Equal(t, StateOpen, breaker.State(), "3 failures")
	assert.False(t, breaker.Allow())

	time.Sleep(150 * time.Millisecond)
	assert.True(t, breaker.Allow(), "half-open after timeout")
	assert.Equal(t, StateHalfOpen, breaker.State())

	breaker.RecordSuccess()
	assert.Equal(t, StateClosed, breaker.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	breaker := NewBreaker("reopen", 1, 10*time.Millisecond)
	breaker.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	assert.True(t, breaker.Allow())

	breaker.RecordFailure()
	assert.Equal(t, StateOpen, breaker.State())
	assert.False(t, breaker.Allow())
}

func TestBreaker_Execute(t *testing.T) {
	breaker := NewBreaker("execute", 2, time.Hour)
	boom := errors.New("boom")

	assert.NoError(t, breaker.Execute(func() error { return nil }))
	assert.ErrorIs(t, breaker.Execute(func() error { return boom }), boom)
	assert.ErrorIs(t, breaker.Execute(func() error { return boom }), boom)

	called := false
	assert.ErrorIs(t, breaker.Execute(func() error { called = true; return nil }), ErrOpen)
	assert.False(t, called)
	assert.Equal(t, "open", breaker.State().String())
}
