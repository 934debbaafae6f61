package concurrency

import (
	"sync"
	"time"
)

// BreakerState is the state of a CircuitBreaker
type BreakerState int

const (
	// StateClosed lets every call through
	StateClosed BreakerState = iota

	// StateOpen rejects calls until the reset timeout elapses
	StateOpen

	// StateHalfOpen lets calls through to probe recovery
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// CircuitBreaker stops calling a failing dependency for a while.
type CircuitBreaker struct {
	mu                sync.Mutex
	state             BreakerState
	failures          int
	successes         int
	failureThreshold  int
	recoveryThreshold int
	resetTimeout      time.Duration
	openedAt          time.Time
	now               func() time.Time
}

// NewCircuitBreaker opens after failureThreshold consecutive failures and
// probes again after resetTimeout.
func NewCircuitBreaker(failureThreshold int, resetTimeout time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 10
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	return &CircuitBreaker{
		failureThreshold:  failureThreshold,
		recoveryThreshold: 1,
		resetTimeout:      resetTimeout,
		now:               time.Now,
	}
}

// Allow reports whether a call may proceed
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.resetTimeout {
		cb.state = StateHalfOpen
		cb.successes = 0
	}
	return cb.state != StateOpen
}

// RecordSuccess records a successful call
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	if cb.state == StateHalfOpen {
		cb.successes++
		if cb.successes >= cb.recoveryThreshold {
			cb.state = StateClosed
		}
	}
}

// RecordFailure records a failed call
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.successes = 0
	cb.failures++
	if cb.state == StateHalfOpen || cb.failures >= cb.failureThreshold {
		cb.state = StateOpen
		cb.openedAt = cb.now()
	}
}

// State returns the current state
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
