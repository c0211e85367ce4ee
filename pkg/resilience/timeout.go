// SPDX-License-Identifier: Apache-2.0

package resilience

import (
	"context"
	"time"

	"github.com/helmsman-ai/helmsman/pkg/errors"
)

// WithTimeout runs fn under a deadline. A zero duration means no bound.
// Deadline breaches surface as recoverable TIMEOUT errors.
func WithTimeout(ctx context.Context, duration time.Duration, fn func(ctx context.Context) error) error {
	if duration == 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()

	select {
	case <-ctx.Done():
		return errors.New(errors.CodeTimeout, "operation exceeded timeout", ctx.Err()).
			WithContext("timeout", duration.String()).
			WithRecoverable(true)
	case err := <-done:
		return err
	}
}
