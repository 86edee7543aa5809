// SPDX-License-Identifier: Apache-2.0

package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/bodhya/bodhya/pkg/errors"
)

// CircuitBreakerState represents the state of a circuit breaker.
type CircuitBreakerState string

const (
	StateClosed   CircuitBreakerState = "closed"
	StateOpen     CircuitBreakerState = "open"
	StateHalfOpen CircuitBreakerState = "half-open"
)

// CircuitBreakerConfig configures a circuit breaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening.
	FailureThreshold int

	// Cooldown is how long the breaker stays open before a trial call.
	Cooldown time.Duration

	// Name identifies the guarded dependency in errors.
	Name string
}

// CircuitBreaker fails fast after repeated failures of a remote dependency.
// The lock is never held while the guarded call runs.
type CircuitBreaker struct {
	config CircuitBreakerConfig
	now    func() time.Time

	mu       sync.Mutex
	state    CircuitBreakerState
	failures int
	openedAt time.Time
	trial    bool
}

// NewCircuitBreaker creates a breaker, defaulting to 5 failures and 30s cooldown.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold < 1 {
		config.FailureThreshold = 5
	}
	if config.Cooldown <= 0 {
		config.Cooldown = 30 * time.Second
	}
	if config.Name == "" {
		config.Name = "circuit_breaker"
	}
	return &CircuitBreaker{config: config, state: StateClosed, now: time.Now}
}

// Call executes fn if the breaker allows it and records the outcome.
// An open breaker returns CodeModelUnavailable without calling fn.
func (cb *CircuitBreaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	if !cb.allow() {
		return errors.New(errors.CodeModelUnavailable, "circuit breaker open", nil).
			WithContext("breaker", cb.config.Name)
	}
	err := fn(ctx)
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.config.Cooldown {
			return false
		}
		cb.state = StateHalfOpen
		cb.trial = true
		return true
	case StateHalfOpen:
		if cb.trial {
			return false
		}
		cb.trial = true
		return true
	default:
		return true
	}
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.trial = false
	if err == nil {
		cb.state = StateClosed
		cb.failures = 0
		return
	}
	cb.failures++
	if cb.state == StateHalfOpen || cb.failures >= cb.config.FailureThreshold {
		cb.state = StateOpen
		cb.openedAt = cb.now()
		cb.failures = 0
	}
}

// State returns the current circuit breaker state.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset manually resets the circuit breaker to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = 0
	cb.trial = false
}
