package router

import (
	"context"
	"testing"
	"time"

	"github.com/helmsman-ai/helmsman/pkg/core"
	"github.com/helmsman-ai/helmsman/pkg/errors"
	"github.com/helmsman-ai/helmsman/pkg/llm"
)

func testProfiles() Profiles {
	return Profiles{Models: map[core.AgentType]string{
		core.AgentPlanner:    "model-a",
		core.AgentExecutor:   "model-b",
		core.AgentCritic:     "model-a",
		core.AgentSummarizer: "model-a",
	}}
}

func newTestRouter(t *testing.T) (*Router, *llm.ScriptedProvider) {
	t.Helper()
	provider := llm.NewScripted()
	r, err := New(provider, provider, testProfiles())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r, provider
}

func waitForDepth(t *testing.T, r *Router, depth int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.QueueDepth() >= depth {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("queue depth never reached %d", depth)
}

func TestAcquireLoadsProfileModel(t *testing.T) {
	r, provider := newTestRouter(t)
	handle, err := r.Acquire(context.Background(), core.AgentPlanner)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer handle.Release()

	if handle.Model() != "model-a" || r.Current() != "model-a" {
		t.Fatalf("model = %s, current = %s", handle.Model(), r.Current())
	}
	if provider.Loaded() != "model-a" {
		t.Fatalf("provider loaded %s", provider.Loaded())
	}
}

func TestSameModelSharesResidency(t *testing.T) {
	r, _ := newTestRouter(t)
	ctx := context.Background()

	first, err := r.Acquire(ctx, core.AgentPlanner)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	// The critic uses the same model; it is granted without waiting for the
	// planner to release.
	second, err := r.Acquire(ctx, core.AgentCritic)
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	first.Release()
	second.Release()
}

func TestSwapWaitsForHoldersAndKeepsFIFO(t *testing.T) {
	r, _ := newTestRouter(t)
	ctx := context.Background()

	planner, err := r.Acquire(ctx, core.AgentPlanner)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	grants := make(chan core.AgentType, 2)

	// The executor needs model-b and must queue behind the live planner.
	go func() {
		handle, err := r.Acquire(ctx, core.AgentExecutor)
		if err != nil {
			return
		}
		grants <- core.AgentExecutor
		handle.Release()
	}()
	waitForDepth(t, r, 1)

	// The critic wants the resident model, but it queued after the executor
	// and must not jump the line.
	go func() {
		handle, err := r.Acquire(ctx, core.AgentCritic)
		if err != nil {
			return
		}
		grants <- core.AgentCritic
		handle.Release()
	}()
	waitForDepth(t, r, 2)

	if r.Current() != "model-a" {
		t.Fatalf("swap happened under a live holder: current = %s", r.Current())
	}

	planner.Release()

	first := <-grants
	second := <-grants
	if first != core.AgentExecutor || second != core.AgentCritic {
		t.Fatalf("grant order = %s, %s", first, second)
	}
}

func TestAcquireHonorsContext(t *testing.T) {
	r, _ := newTestRouter(t)
	planner, err := r.Acquire(context.Background(), core.AgentPlanner)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer planner.Release()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := r.Acquire(ctx, core.AgentExecutor)
		errCh <- err
	}()
	waitForDepth(t, r, 1)
	cancel()

	if err := <-errCh; err == nil {
		t.Fatal("cancelled acquire succeeded")
	}
	if r.QueueDepth() != 0 {
		t.Fatalf("abandoned waiter left in queue: depth = %d", r.QueueDepth())
	}
}

func TestCancelledAcquireNeverLeaksSlot(t *testing.T) {
	r, _ := newTestRouter(t)
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	// With a pre-cancelled context the grant and the cancellation race in
	// Acquire's select; either way the slot must come back.
	for i := 0; i < 100; i++ {
		if handle, err := r.Acquire(cancelled, core.AgentPlanner); err == nil {
			handle.Release()
		}
	}
	if r.QueueDepth() != 0 {
		t.Fatalf("abandoned waiters left in queue: depth = %d", r.QueueDepth())
	}

	// A leaked holder would block this swap to model-b until the deadline.
	ctx, cancelSwap := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelSwap()
	handle, err := r.Acquire(ctx, core.AgentExecutor)
	if err != nil {
		t.Fatalf("router wedged after cancelled acquires: %v", err)
	}
	handle.Release()
}

func TestChatWrapsProviderFailure(t *testing.T) {
	r, provider := newTestRouter(t)
	handle, err := r.Acquire(context.Background(), core.AgentPlanner)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer handle.Release()

	provider.Fail(context.DeadlineExceeded)
	_, err = handle.Chat(context.Background(), []llm.Message{{Role: llm.RoleUser, Content: "hi"}}, 0)
	if errors.CodeOf(err) != errors.CodeModelUnavailable {
		t.Fatalf("Chat error = %v", err)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	r, _ := newTestRouter(t)
	handle, err := r.Acquire(context.Background(), core.AgentPlanner)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	handle.Release()
	handle.Release()

	// A fresh lease on a different model proves holders did not go negative.
	next, err := r.Acquire(context.Background(), core.AgentExecutor)
	if err != nil {
		t.Fatalf("Acquire after double release: %v", err)
	}
	next.Release()
}
