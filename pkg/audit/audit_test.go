package audit

import (
	"context"
	"strings"
	"testing"
	"time"
)

func fixedClock() Clock {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	n := 0
	return func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
}

func TestAppendChainsAndSequences(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryLog(WithMemoryClock(fixedClock()))

	first, err := log.Append(ctx, "run-1", KindRunStarted, map[string]any{"intent": "fix lint"})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	second, err := log.Append(ctx, "run-1", KindPlanProposed, map[string]any{"phase": "lint_fix"})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	if first.Seq != 1 || second.Seq != 2 {
		t.Fatalf("sequence not gapless: %d, %d", first.Seq, second.Seq)
	}
	if first.PrevHash != "" {
		t.Fatalf("genesis PrevHash = %q", first.PrevHash)
	}
	if second.PrevHash != first.Hash {
		t.Fatal("second event not chained to the first")
	}
	if !strings.HasPrefix(first.Hash, "sha256:") {
		t.Fatalf("hash shape: %s", first.Hash)
	}
}

func TestVerifyChainDetectsTampering(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryLog(WithMemoryClock(fixedClock()))
	for _, kind := range []Kind{KindRunStarted, KindPlanProposed, KindRunCompleted} {
		if _, err := log.Append(ctx, "run-1", kind, nil); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	events, err := log.All(ctx)
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if err := VerifyChain(events); err != nil {
		t.Fatalf("untampered chain rejected: %v", err)
	}

	tampered := make([]Event, len(events))
	copy(tampered, events)
	tampered[1].Payload = map[string]any{"phase": "forged"}
	if err := VerifyChain(tampered); err == nil {
		t.Fatal("payload tampering not detected")
	}

	gapped := []Event{events[0], events[2]}
	if err := VerifyChain(gapped); err == nil {
		t.Fatal("sequence gap not detected")
	}
}

func TestReplayRunDeterministic(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryLog(WithMemoryClock(fixedClock()))
	for _, kind := range []Kind{KindRunStarted, KindPlanProposed, KindPolicyEvaluated, KindRunCompleted} {
		if _, err := log.Append(ctx, "run-1", kind, map[string]any{"k": string(kind)}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	events, err := log.Replay(ctx, "run-1")
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}

	first := ReplayRun(events)
	second := ReplayRun(events)
	if !first.OK || !second.OK {
		t.Fatalf("replay failed: %v / %v", first.Err, second.Err)
	}
	if first.StateHash == "" || first.StateHash != second.StateHash {
		t.Fatalf("replay not deterministic: %q vs %q", first.StateHash, second.StateHash)
	}
	if first.Events != 4 {
		t.Fatalf("Events = %d", first.Events)
	}
}

func TestVerifyRunStructure(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryLog(WithMemoryClock(fixedClock()))
	if _, err := log.Append(ctx, "run-1", KindRunStarted, nil); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := log.Append(ctx, "run-1", KindRunCompleted, nil); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := log.Append(ctx, "run-1", KindPlanProposed, nil); err != nil {
		t.Fatalf("Append: %v", err)
	}

	events, _ := log.Replay(ctx, "run-1")
	if err := VerifyRun(events); err == nil {
		t.Fatal("events after terminal event not rejected")
	}
	if err := VerifyRun(events[:2]); err != nil {
		t.Fatalf("well-formed run rejected: %v", err)
	}
	if err := VerifyRun(events[1:2]); err == nil {
		t.Fatal("run not opening with RunStarted accepted")
	}
}

func TestReplayIsolatesRuns(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryLog(WithMemoryClock(fixedClock()))
	for _, runID := range []string{"run-a", "run-b", "run-a"} {
		if _, err := log.Append(ctx, runID, KindRunStarted, nil); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	events, err := log.Replay(ctx, "run-a")
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("run-a events = %d", len(events))
	}
	runs, err := log.Runs(ctx)
	if err != nil {
		t.Fatalf("Runs: %v", err)
	}
	if len(runs) != 2 || runs[0] != "run-a" || runs[1] != "run-b" {
		t.Fatalf("Runs = %v", runs)
	}
}

func TestMutationAttemptKinds(t *testing.T) {
	if !KindPolicyEvaluated.MutationAttempt() {
		t.Fatal("PolicyEvaluated must count as a mutation attempt")
	}
	for _, kind := range []Kind{KindRunStarted, KindApprovalGranted, KindStateDeltaRejected, KindRunCompleted} {
		if kind.MutationAttempt() {
			t.Errorf("%s wrongly counts as a mutation attempt", kind)
		}
	}
}
