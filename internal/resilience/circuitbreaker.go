// Package resilience provides the circuit breaker that guards broker calls
// and the health checks served next to the control API.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"    // calls flow
	CircuitOpen     CircuitState = "OPEN"      // calls fail fast
	CircuitHalfOpen CircuitState = "HALF_OPEN" // probing after the cooldown
)

// ErrCircuitOpen is returned without calling through while the circuit is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerConfig holds circuit breaker configuration.
type CircuitBreakerConfig struct {
	// Consecutive counted failures that open the circuit
	FailureThreshold int
	// Successful probes needed to close it again
	SuccessThreshold int
	// Cooldown before an open circuit lets a probe through
	Timeout time.Duration
	// IsFailure decides which errors count (nil = all). Errors it rejects
	// prove the remote side answered and count as successes.
	IsFailure func(error) bool
}

// CircuitBreakerStats is a point-in-time view of a breaker.
type CircuitBreakerStats struct {
	Name            string
	State           CircuitState
	TotalRequests   int64
	TotalSuccesses  int64
	TotalFailures   int64
	TotalRejected   int64
	CurrentFailures int
	LastFailureTime time.Time
	LastStateChange time.Time
}

// CircuitBreaker counts consecutive failures of one remote dependency.
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig

	mu          sync.Mutex
	now         func() time.Time
	state       CircuitState
	failures    int
	probes      int
	lastFailure time.Time
	lastChange  time.Time

	requests  int64
	successes int64
	failed    int64
	rejected  int64
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(name string, config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold < 1 {
		config.FailureThreshold = 1
	}
	if config.SuccessThreshold < 1 {
		config.SuccessThreshold = 1
	}
	return &CircuitBreaker{
		name:       name,
		config:     config,
		now:        time.Now,
		state:      CircuitClosed,
		lastChange: time.Now(),
	}
}

// SetClock replaces the time source.
func (cb *CircuitBreaker) SetClock(now func() time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.now = now
}

// Execute runs fn unless the circuit is open. fn runs on the caller's
// goroutine with ctx, so a request that reached the broker is never
// abandoned half way.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !cb.admit() {
		return ErrCircuitOpen
	}
	err := fn(ctx)
	cb.record(err)
	return err
}

// ExecuteWithResult is Execute for calls that return a value.
func ExecuteWithResult[T any](cb *CircuitBreaker, ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	var result T
	err := cb.Execute(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}

func (cb *CircuitBreaker) admit() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen {
		if cb.now().Sub(cb.lastFailure) <= cb.config.Timeout {
			cb.rejected++
			return false
		}
		cb.moveTo(CircuitHalfOpen)
	}
	cb.requests++
	return true
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil && (cb.config.IsFailure == nil || cb.config.IsFailure(err)) {
		cb.failed++
		cb.lastFailure = cb.now()
		switch cb.state {
		case CircuitClosed:
			cb.failures++
			if cb.failures >= cb.config.FailureThreshold {
				cb.moveTo(CircuitOpen)
			}
		case CircuitHalfOpen:
			cb.moveTo(CircuitOpen)
		}
		return
	}

	cb.successes++
	switch cb.state {
	case CircuitClosed:
		cb.failures = 0
	case CircuitHalfOpen:
		cb.probes++
		if cb.probes >= cb.config.SuccessThreshold {
			cb.moveTo(CircuitClosed)
		}
	}
}

// moveTo must be called with mu held.
func (cb *CircuitBreaker) moveTo(state CircuitState) {
	if state == CircuitOpen {
		// Keep the count that tripped the circuit for reporting
		cb.probes = 0
	} else {
		cb.failures, cb.probes = 0, 0
	}
	cb.state = state
	cb.lastChange = cb.now()
}

// effectiveState reports an open circuit whose cooldown has elapsed as
// half-open; the transition itself happens on the next call.
func (cb *CircuitBreaker) effectiveState() CircuitState {
	if cb.state == CircuitOpen && cb.now().Sub(cb.lastFailure) > cb.config.Timeout {
		return CircuitHalfOpen
	}
	return cb.state
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.effectiveState()
}

// Name returns the circuit breaker name.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Stats returns circuit breaker statistics.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return CircuitBreakerStats{
		Name:            cb.name,
		State:           cb.effectiveState(),
		TotalRequests:   cb.requests,
		TotalSuccesses:  cb.successes,
		TotalFailures:   cb.failed,
		TotalRejected:   cb.rejected,
		CurrentFailures: cb.failures,
		LastFailureTime: cb.lastFailure,
		LastStateChange: cb.lastChange,
	}
}
