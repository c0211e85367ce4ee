// SPDX-License-Identifier: Apache-2.0

// Package router serializes access to the single resident model. One model
// is loaded at a time; requests for a different model queue in FIFO order
// and trigger a swap once the current holders release.
package router

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/helmsman-ai/helmsman/pkg/core"
	"github.com/helmsman-ai/helmsman/pkg/errors"
	"github.com/helmsman-ai/helmsman/pkg/llm"
)

// SwapLatencySoft is the soft ceiling for a model swap. Slower swaps are
// logged and counted, not failed.
const SwapLatencySoft = 2 * time.Second

// Router grants model handles. It owns the resident-model invariant.
type Router struct {
	provider llm.Provider
	loader   llm.Loader
	profiles Profiles
	logger   *slog.Logger

	mu       sync.Mutex
	current  string
	holders  int
	waiters  []*waiter
	swapHist metric.Float64Histogram
	slowCnt  metric.Int64Counter
	emitter  core.EventEmitter
}

type waiter struct {
	model string
	agent core.AgentType
	ready chan error
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the router logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithEventEmitter wires swap notifications to the feed.
func WithEventEmitter(emitter core.EventEmitter) Option {
	return func(r *Router) {
		if emitter != nil {
			r.emitter = emitter
		}
	}
}

// New creates a router over a provider that can load models. The profiles
// map agent types onto model names.
func New(provider llm.Provider, loader llm.Loader, profiles Profiles, opts ...Option) (*Router, error) {
	if provider == nil || loader == nil {
		return nil, stderrors.New("provider and loader are required")
	}
	if err := profiles.Validate(); err != nil {
		return nil, err
	}
	r := &Router{
		provider: provider,
		loader:   loader,
		profiles: profiles,
		logger:   slog.Default(),
		emitter:  core.NoopEventEmitter{},
		current:  loader.Loaded(),
	}
	for _, opt := range opts {
		opt(r)
	}
	meter := otel.Meter("helmsman/router")
	hist, err := meter.Float64Histogram("helmsman.router.swap_seconds",
		metric.WithDescription("Model swap latency in seconds"))
	if err != nil {
		return nil, err
	}
	slow, err := meter.Int64Counter("helmsman.router.slow_swaps",
		metric.WithDescription("Swaps exceeding the soft latency ceiling"))
	if err != nil {
		return nil, err
	}
	r.swapHist = hist
	r.slowCnt = slow
	return r, nil
}

// Handle is a granted lease on the resident model. It must be released.
type Handle struct {
	router *Router
	model  string
	agent  core.AgentType
	once   sync.Once
}

// Model returns the resident model the handle is pinned to.
func (h *Handle) Model() string { return h.model }

// Chat runs a request against the leased model.
func (h *Handle) Chat(ctx context.Context, messages []llm.Message, temperature float64) (*llm.ChatResponse, error) {
	resp, err := h.router.provider.Chat(ctx, llm.ChatRequest{
		Model:       h.model,
		Messages:    messages,
		Temperature: temperature,
	})
	if err != nil {
		return nil, errors.New(errors.CodeModelUnavailable, "model chat failed", err)
	}
	return resp, nil
}

// Release returns the lease. Idempotent.
func (h *Handle) Release() {
	h.once.Do(func() { h.router.release() })
}

// Acquire grants a handle for the agent type's model, queueing behind
// earlier requests if a swap is needed.
func (r *Router) Acquire(ctx context.Context, agent core.AgentType) (*Handle, error) {
	model, ok := r.profiles.Model(agent)
	if !ok {
		return nil, errors.New(errors.CodeModelUnavailable,
			"no model profile for agent "+string(agent), nil)
	}

	w := &waiter{model: model, agent: agent, ready: make(chan error, 1)}
	r.mu.Lock()
	r.waiters = append(r.waiters, w)
	r.pumpLocked(ctx)
	r.mu.Unlock()

	select {
	case err := <-w.ready:
		if err != nil {
			return nil, err
		}
		return &Handle{router: r, model: model, agent: agent}, nil
	case <-ctx.Done():
		r.abandon(w)
		// The grant may have raced the cancellation: pumpLocked already
		// dequeued the waiter and took the slot. Drain it and give the
		// slot back, or the router stays wedged on holders forever.
		select {
		case err := <-w.ready:
			if err == nil {
				r.release()
			}
		default:
		}
		return nil, ctx.Err()
	}
}

// Current returns the resident model name.
func (r *Router) Current() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// QueueDepth returns the number of requests waiting on a swap.
func (r *Router) QueueDepth() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiters)
}

func (r *Router) release() {
	r.mu.Lock()
	if r.holders > 0 {
		r.holders--
	}
	r.pumpLocked(context.Background())
	r.mu.Unlock()
}

func (r *Router) abandon(target *waiter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, w := range r.waiters {
		if w == target {
			r.waiters = append(r.waiters[:i], r.waiters[i+1:]...)
			return
		}
	}
}

// pumpLocked grants as many queued waiters as the resident model allows.
// Strict FIFO: the head is never skipped in favor of a later waiter whose
// model happens to be resident.
func (r *Router) pumpLocked(ctx context.Context) {
	for len(r.waiters) > 0 {
		head := r.waiters[0]
		if head.model != r.current {
			if r.holders > 0 {
				return
			}
			if err := r.swapLocked(ctx, head.model); err != nil {
				r.waiters = r.waiters[1:]
				head.ready <- err
				continue
			}
		}
		r.waiters = r.waiters[1:]
		r.holders++
		head.ready <- nil
	}
}

func (r *Router) swapLocked(ctx context.Context, model string) error {
	from := r.current
	start := time.Now()
	if err := r.loader.Load(ctx, model); err != nil {
		return errors.New(errors.CodeModelUnavailable, "model swap failed", err)
	}
	elapsed := time.Since(start)
	r.current = model

	r.swapHist.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", model),
	))
	if elapsed > SwapLatencySoft {
		r.slowCnt.Add(ctx, 1)
		r.logger.Warn("router.swap.slow",
			slog.String("from", from),
			slog.String("to", model),
			slog.Duration("elapsed", elapsed),
		)
	}
	r.emitter.Emit(ctx, core.NewEvent(core.EventRouterSwap, "", map[string]any{
		"from":       from,
		"to":         model,
		"elapsed_ms": elapsed.Milliseconds(),
	}))
	r.logger.Info("router.swap",
		slog.String("from", from),
		slog.String("to", model),
		slog.Duration("elapsed", elapsed),
	)
	return nil
}
