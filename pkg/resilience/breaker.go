// SPDX-License-Identifier: Apache-2.0

package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/helmsman-ai/helmsman/pkg/errors"
)

// BreakerState is the circuit breaker state.
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half-open"
)

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold opens the circuit after this many consecutive failures.
	FailureThreshold int

	// SuccessThreshold closes a half-open circuit after this many successes.
	SuccessThreshold int

	// Cooldown is how long an open circuit waits before probing half-open.
	Cooldown time.Duration

	// Name labels the breaker in errors and logs.
	Name string
}

// Breaker guards a downstream dependency, typically the model backend.
type Breaker struct {
	mu        sync.Mutex
	cfg       BreakerConfig
	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time
}

// NewBreaker creates a closed breaker with defaults filled in.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold < 1 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Cooldown == 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Name == "" {
		cfg.Name = "breaker"
	}
	return &Breaker{cfg: cfg, state: StateClosed}
}

// Call runs fn when the circuit allows it and tracks the outcome. An open
// circuit rejects with a recoverable error so callers can retry later.
func (b *Breaker) Call(_ context.Context, fn func() error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && time.Since(b.openedAt) > b.cfg.Cooldown {
		b.state = StateHalfOpen
		b.failures = 0
		b.successes = 0
	}
	if b.state == StateOpen {
		return errors.New(errors.CodeModelUnavailable, "circuit open", nil).
			WithContext("breaker", b.cfg.Name).
			WithRecoverable(true)
	}

	err := fn()
	if err != nil {
		b.failures++
		b.openedAt = time.Now()
		if b.state == StateHalfOpen || b.failures >= b.cfg.FailureThreshold {
			b.state = StateOpen
			b.failures = 0
			b.successes = 0
		}
		return err
	}

	switch b.state {
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.failures = 0
			b.successes = 0
		}
	case StateClosed:
		b.failures = 0
	}
	return nil
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.successes = 0
}
