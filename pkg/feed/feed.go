// SPDX-License-Identifier: Apache-2.0

// Package feed is the observation intake. Sources are a closed set, and
// signed feeds are verified before an observation is accepted.
package feed

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/helmsman-ai/helmsman/pkg/core"
	"github.com/helmsman-ai/helmsman/pkg/errors"
)

// Sign computes the hex HMAC-SHA256 signature of an observation payload.
func Sign(secret string, payload map[string]any) (string, error) {
	canonical, err := core.CanonicalJSON(payload)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Feed buffers observations for the orchestrator. Intake validates the
// source enum and, when a secret is configured, the payload signature.
type Feed struct {
	mu      sync.Mutex
	queue   []core.ObservationEvent
	maxSize int
	secret  string
	clock   func() time.Time
}

// Option configures a Feed.
type Option func(*Feed)

// WithHMACSecret enables signature verification on intake.
func WithHMACSecret(secret string) Option {
	return func(f *Feed) { f.secret = secret }
}

// WithMaxSize bounds the intake queue.
func WithMaxSize(n int) Option {
	return func(f *Feed) {
		if n > 0 {
			f.maxSize = n
		}
	}
}

// WithFeedClock sets the time source.
func WithFeedClock(clock func() time.Time) Option {
	return func(f *Feed) {
		if clock != nil {
			f.clock = clock
		}
	}
}

// New creates a feed with a 4096 observation cap.
func New(opts ...Option) *Feed {
	f := &Feed{maxSize: 4096, clock: time.Now}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Publish validates and enqueues one observation.
func (f *Feed) Publish(_ context.Context, event core.ObservationEvent) error {
	if !core.KnownSource(event.Source) {
		return errors.New(errors.CodeSchemaInvalid,
			"unknown observation source "+string(event.Source), nil)
	}
	if f.secret != "" {
		expected, err := Sign(f.secret, event.Payload)
		if err != nil {
			return err
		}
		if !hmac.Equal([]byte(expected), []byte(event.Signature)) {
			return errors.New(errors.CodeUnauthorized, "observation signature mismatch", nil)
		}
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = f.clock().UTC()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) >= f.maxSize {
		return errors.New(errors.CodeInternal, "observation queue full", nil).
			WithRecoverable(true)
	}
	f.queue = append(f.queue, event)
	return nil
}

// Next pops the oldest observation. Each observation is consumed once.
func (f *Feed) Next(_ context.Context) (core.ObservationEvent, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return core.ObservationEvent{}, false
	}
	event := f.queue[0]
	f.queue = f.queue[1:]
	return event, true
}

// Len returns the number of buffered observations.
func (f *Feed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue)
}
