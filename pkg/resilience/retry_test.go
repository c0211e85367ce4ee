package resilience

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/helmsman-ai/helmsman/pkg/errors"
)

func fastRetry(attempts int) RetryConfig {
	return DefaultRetryConfig().
		WithMaxAttempts(attempts).
		WithInitialDelay(time.Millisecond)
}

func TestDoRetriesTransientFailures(t *testing.T) {
	calls := 0
	err := fastRetry(3).Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New(errors.CodeToolTransient, "flaky", nil)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d", calls)
	}
}

func TestDoStopsOnPermanentFailure(t *testing.T) {
	calls := 0
	permanent := errors.New(errors.CodePolicyDenied, "denied", nil)
	err := fastRetry(5).Do(context.Background(), func() error {
		calls++
		return permanent
	})
	if err != permanent {
		t.Fatalf("Do = %v", err)
	}
	if calls != 1 {
		t.Fatalf("permanent failure retried %d times", calls)
	}
}

func TestDoDoesNotRetryUntypedErrors(t *testing.T) {
	calls := 0
	err := fastRetry(5).Do(context.Background(), func() error {
		calls++
		return stderrors.New("plain")
	})
	if err == nil || calls != 1 {
		t.Fatalf("untyped error retried: calls = %d, err = %v", calls, err)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	transient := errors.New(errors.CodeToolTransient, "still flaky", nil)
	err := fastRetry(3).Do(context.Background(), func() error {
		calls++
		return transient
	})
	if err != transient || calls != 3 {
		t.Fatalf("calls = %d, err = %v", calls, err)
	}
}

func TestDoHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := DefaultRetryConfig().WithMaxAttempts(3).WithInitialDelay(time.Hour)
	err := cfg.Do(ctx, func() error {
		return errors.New(errors.CodeToolTransient, "flaky", nil)
	})
	if errors.CodeOf(err) != errors.CodeTimeout {
		t.Fatalf("Do = %v", err)
	}
}

func TestDoCustomGate(t *testing.T) {
	calls := 0
	cfg := fastRetry(3).WithIsRecoverable(func(error) bool { return false })
	_ = cfg.Do(context.Background(), func() error {
		calls++
		return errors.New(errors.CodeToolTransient, "flaky", nil)
	})
	if calls != 1 {
		t.Fatalf("custom gate ignored: calls = %d", calls)
	}
}
