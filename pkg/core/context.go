package core

import (
	"context"

	"github.com/google/uuid"
)

type runIDKey struct{}
type tickKey struct{}

// WithRunID attaches a run id to the context.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey{}, id)
}

// RunID returns the run id if present.
func RunID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(runIDKey{}).(string)
	return id, ok
}

// EnsureRunID ensures a run id exists in the context.
func EnsureRunID(ctx context.Context) (context.Context, string) {
	if id, ok := RunID(ctx); ok {
		return ctx, id
	}
	id := NewRunID()
	return WithRunID(ctx, id), id
}

// WithTick attaches the current tick index to the context.
func WithTick(ctx context.Context, tick int) context.Context {
	return context.WithValue(ctx, tickKey{}, tick)
}

// Tick returns the tick index if present.
func Tick(ctx context.Context) (int, bool) {
	tick, ok := ctx.Value(tickKey{}).(int)
	return tick, ok
}

// NewRunID generates a globally unique run id.
func NewRunID() string {
	return "run-" + uuid.NewString()
}
