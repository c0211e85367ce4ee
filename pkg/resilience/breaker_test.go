package resilience

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/helmsman-ai/helmsman/pkg/errors"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 2, Cooldown: time.Hour, Name: "model"})
	boom := stderrors.New("backend down")

	for i := 0; i < 2; i++ {
		if err := b.Call(context.Background(), func() error { return boom }); err != boom {
			t.Fatalf("Call = %v", err)
		}
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %s", b.State())
	}

	calls := 0
	err := b.Call(context.Background(), func() error { calls++; return nil })
	if errors.CodeOf(err) != errors.CodeModelUnavailable {
		t.Fatalf("open circuit error = %v", err)
	}
	if !errors.IsRecoverable(err) {
		t.Fatal("open-circuit rejection must be recoverable")
	}
	if calls != 0 {
		t.Fatal("open circuit still called downstream")
	}
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, SuccessThreshold: 2, Cooldown: time.Millisecond})
	if err := b.Call(context.Background(), func() error { return stderrors.New("x") }); err == nil {
		t.Fatal("failure swallowed")
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %s", b.State())
	}

	time.Sleep(5 * time.Millisecond)
	for i := 0; i < 2; i++ {
		if err := b.Call(context.Background(), func() error { return nil }); err != nil {
			t.Fatalf("probe %d: %v", i, err)
		}
	}
	if b.State() != StateClosed {
		t.Fatalf("state after recovery = %s", b.State())
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, Cooldown: time.Millisecond})
	_ = b.Call(context.Background(), func() error { return stderrors.New("x") })

	time.Sleep(5 * time.Millisecond)
	_ = b.Call(context.Background(), func() error { return stderrors.New("still down") })
	if b.State() != StateOpen {
		t.Fatalf("state = %s", b.State())
	}
}

func TestBreakerReset(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, Cooldown: time.Hour})
	_ = b.Call(context.Background(), func() error { return stderrors.New("x") })
	b.Reset()
	if b.State() != StateClosed {
		t.Fatalf("state after reset = %s", b.State())
	}
	if err := b.Call(context.Background(), func() error { return nil }); err != nil {
		t.Fatalf("Call after reset: %v", err)
	}
}
