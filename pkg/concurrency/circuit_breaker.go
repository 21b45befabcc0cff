package concurrency

import (
	"sync"
	"time"
)

// CircuitBreakerState is the position of a circuit breaker
type CircuitBreakerState int32

const (
	StateClosed CircuitBreakerState = iota
	StateOpen
	StateHalfOpen
)

// defaultHalfOpenSuccesses is the number of probe successes that close a half-open circuit
const defaultHalfOpenSuccesses = 5

// CircuitBreaker refuses remote calls after a run of consecutive failures and lets
// probe calls through once the reset timeout has passed.
type CircuitBreaker struct {
	mu            sync.Mutex
	state         CircuitBreakerState
	failures      int64
	probes        int64
	threshold     int64
	probesToClose int64
	resetTimeout  time.Duration
	openedAt      time.Time
	now           func() time.Time
	onStateChange func(from, to CircuitBreakerState)
}

// NewCircuitBreaker creates a closed breaker. Non-positive arguments fall back to 10 failures and 30s.
func NewCircuitBreaker(failureThreshold int64, resetTimeout time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 10
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	return &CircuitBreaker{
		threshold:     failureThreshold,
		probesToClose: defaultHalfOpenSuccesses,
		resetTimeout:  resetTimeout,
		now:           time.Now,
	}
}

// OnStateChange registers a hook called after every state transition, outside the lock
func (cb *CircuitBreaker) OnStateChange(fn func(from, to CircuitBreakerState)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// IsOpen reports whether calls are currently refused
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.Lock()
	if cb.state != StateOpen {
		cb.mu.Unlock()
		return false
	}
	if cb.now().Sub(cb.openedAt) <= cb.resetTimeout {
		cb.mu.Unlock()
		return true
	}
	notify := cb.moveLocked(StateHalfOpen)
	cb.mu.Unlock()
	notify()
	return false
}

// RecordSuccess closes a half-open circuit after enough probes succeeded
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	cb.failures = 0
	notify := func() {}
	if cb.state == StateHalfOpen {
		cb.probes++
		if cb.probes >= cb.probesToClose {
			notify = cb.moveLocked(StateClosed)
		}
	}
	cb.mu.Unlock()
	notify()
}

// RecordFailure opens the circuit at the threshold; a failed probe reopens it at once
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	cb.failures++
	cb.probes = 0
	notify := func() {}
	switch {
	case cb.state == StateHalfOpen:
		notify = cb.moveLocked(StateOpen)
	case cb.state == StateClosed && cb.failures >= cb.threshold:
		notify = cb.moveLocked(StateOpen)
	}
	cb.mu.Unlock()
	notify()
}

// State returns the current state
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// moveLocked changes state and returns the hook call to run after unlocking
func (cb *CircuitBreaker) moveLocked(to CircuitBreakerState) func() {
	from := cb.state
	if from == to {
		return func() {}
	}
	cb.state = to
	switch to {
	case StateOpen:
		cb.openedAt = cb.now()
	case StateClosed:
		cb.failures = 0
		cb.probes = 0
	case StateHalfOpen:
		cb.probes = 0
	}
	hook := cb.onStateChange
	if hook == nil {
		return func() {}
	}
	return func() { hook(from, to) }
}

func (s CircuitBreakerState) String() string {
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
