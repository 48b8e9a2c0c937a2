package loadclient

import (
	"sync"
	"time"
)

type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	}
	return "UNKNOWN"
}

const (
	failureThreshold = 10
	successThreshold = 5
	openTimeout      = 10 * time.Second
)

// CircuitBreaker guards send attempts with the usual three states. CLOSED
// trips to OPEN after 10 consecutive failures; OPEN admits a probe after 10 s
// by moving to HALF_OPEN; HALF_OPEN closes after 5 consecutive successes and
// re-opens on any failure.
type CircuitBreaker struct {
	mu        sync.Mutex
	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time

	// now is swappable in tests
	now func() time.Time
}

func NewCircuitBreaker() *CircuitBreaker {
	return &CircuitBreaker{now: time.Now}
}

// AllowRequest reports whether an attempt may proceed. The OPEN to HALF_OPEN
// transition happens here, on the first call after the timer expires.
func (cb *CircuitBreaker) AllowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if cb.now().Sub(cb.openedAt) >= openTimeout {
			cb.state = StateHalfOpen
			cb.successes = 0
			return true
		}
		return false
	}

	return true
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= successThreshold {
			cb.state = StateClosed
			cb.failures = 0
		}
	}
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= failureThreshold {
			cb.trip()
		}
	case StateHalfOpen:
		cb.trip()
	}
}

func (cb *CircuitBreaker) trip() {
	cb.state = StateOpen
	cb.openedAt = cb.now()
	cb.failures = 0
}

func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
