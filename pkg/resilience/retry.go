// SPDX-License-Identifier: Apache-2.0

// Package resilience provides the retry, timeout and circuit breaker
// wrappers the control plane puts around model and tool calls.
package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/helmsman-ai/helmsman/pkg/errors"
)

// RetryConfig controls retry with exponential backoff.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, minimum 1.
	MaxAttempts int

	// InitialDelay is the first backoff delay.
	InitialDelay time.Duration

	// MaxDelay caps the backoff.
	MaxDelay time.Duration

	// Multiplier grows the delay each attempt, default 2.
	Multiplier float64

	// Jitter between 0 and 1 randomizes each delay.
	Jitter float64

	// IsRecoverable gates retries. Defaults to the typed-error check, so
	// only transient failures are retried.
	IsRecoverable func(error) bool
}

// DefaultRetryConfig returns the control-plane default.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		Multiplier:    2.0,
		Jitter:        0.1,
		IsRecoverable: errors.IsRecoverable,
	}
}

// WithMaxAttempts returns a copy with MaxAttempts set.
func (rc RetryConfig) WithMaxAttempts(n int) RetryConfig {
	rc.MaxAttempts = n
	return rc
}

// WithInitialDelay returns a copy with InitialDelay set.
func (rc RetryConfig) WithInitialDelay(d time.Duration) RetryConfig {
	rc.InitialDelay = d
	return rc
}

// WithIsRecoverable returns a copy with the retry gate set.
func (rc RetryConfig) WithIsRecoverable(fn func(error) bool) RetryConfig {
	rc.IsRecoverable = fn
	return rc
}

// Do runs fn until it succeeds, a non-recoverable error occurs, or the
// attempts are exhausted.
func (rc RetryConfig) Do(ctx context.Context, fn func() error) error {
	if rc.MaxAttempts < 1 {
		rc.MaxAttempts = 1
	}
	if rc.IsRecoverable == nil {
		rc.IsRecoverable = errors.IsRecoverable
	}

	var lastErr error
	for attempt := 0; attempt < rc.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return errors.New(errors.CodeTimeout, "context ended during retry", ctx.Err()).
					WithContext("attempt", attempt).
					WithContext("max_attempts", rc.MaxAttempts)
			case <-time.After(rc.backoff(attempt)):
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !rc.IsRecoverable(err) {
			return err
		}
	}
	return lastErr
}

func (rc RetryConfig) backoff(attempt int) time.Duration {
	multiplier := rc.Multiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}
	delay := float64(rc.InitialDelay) * math.Pow(multiplier, float64(attempt-1))
	if rc.MaxDelay > 0 && delay > float64(rc.MaxDelay) {
		delay = float64(rc.MaxDelay)
	}
	if rc.Jitter > 0 {
		span := delay * rc.Jitter
		delay = delay - span + rand.Float64()*2*span
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
