package circuitbreaker

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SkynetNext/pbufpool/internal/logger"
	"github.com/SkynetNext/pbufpool/internal/metrics"
	"go.uber.org/zap"
)

// ErrOpen is returned by Execute while the breaker rejects calls
var ErrOpen = errors.New("circuit breaker is open")

// State represents circuit breaker state
type State int32

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
		return "half_open"
	}
	return "unknown"
}

// Breaker stops calling a failing dependency for a cool-down period
type Breaker struct {
	name        string
	maxFailures int64
	timeout     time.Duration

	mu          sync.RWMutex
	state       atomic.Int32
	failures    atomic.Int64
	lastFailure time.Time
}

// NewBreaker creates a breaker that opens after maxFailures consecutive
// failures and lets a probe through after timeout
func NewBreaker(name string, maxFailures int64, timeout time.Duration) *Breaker {
	b := &Breaker{
		name:        name,
		maxFailures: maxFailures,
		timeout:     timeout,
	}
	metrics.BreakerState.WithLabelValues(name).Set(float64(StateClosed))
	return b
}

func (b *Breaker) transition(from, to State) bool {
	if !b.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	metrics.BreakerState.WithLabelValues(b.name).Set(float64(to))
	logger.L.Info("circuit breaker state changed",
		zap.String("breaker", b.name),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
	)
	return true
}

// Allow checks if the circuit breaker allows the request
func (b *Breaker) Allow() bool {
	switch b.State() {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		b.mu.RLock()
		lastFailure := b.lastFailure
		b.mu.RUnlock()
		if time.Since(lastFailure) >= b.timeout && b.transition(StateOpen, StateHalfOpen) {
			b.failures.Store(0)
			return true
		}
	}
	return false
}

// RecordSuccess records a successful request
func (b *Breaker) RecordSuccess() {
	b.failures.Store(0)
	b.transition(StateHalfOpen, StateClosed)
}

// RecordFailure records a failed request
func (b *Breaker) RecordFailure() {
	failures := b.failures.Add(1)
	b.mu.Lock()
	b.lastFailure = time.Now()
	b.mu.Unlock()

	if b.State() == StateHalfOpen {
		b.transition(StateHalfOpen, StateOpen)
		return
	}
	if failures >= b.maxFailures {
		b.transition(StateClosed, StateOpen)
	}
}

// Execute runs fn unless the breaker is open and records its outcome
func (b *Breaker) Execute(fn func() error) error {
	if !b.Allow() {
		return ErrOpen
	}
	if err := fn(); err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// State returns the current state
func (b *Breaker) State() State {
	return State(b.state.Load())
}
