package audit

import (
	"fmt"

	"github.com/helmsman-ai/helmsman/pkg/core"
	"github.com/helmsman-ai/helmsman/pkg/errors"
)

// ReplayResult is the outcome of verifying and replaying one run's events.
type ReplayResult struct {
	OK        bool
	RunID     string
	Events    int
	StateHash string
	Err       error
}

// VerifyChain checks hash chaining, hash integrity and gapless sequencing
// over a full event slice in append order.
func VerifyChain(events []Event) error {
	prevHash := ""
	var prevSeq uint64
	for i, event := range events {
		if i > 0 && event.Seq != prevSeq+1 {
			return errors.New(errors.CodeReplayMismatch,
				fmt.Sprintf("sequence gap: %d follows %d", event.Seq, prevSeq), nil)
		}
		if event.PrevHash != prevHash {
			return errors.New(errors.CodeReplayMismatch,
				fmt.Sprintf("prev_hash mismatch at seq %d", event.Seq), nil)
		}
		unsigned := event
		unsigned.Hash = ""
		expected, err := core.StableHash(unsigned)
		if err != nil {
			return err
		}
		if expected != event.Hash {
			return errors.New(errors.CodeReplayMismatch,
				fmt.Sprintf("hash mismatch at seq %d", event.Seq), nil)
		}
		prevHash = event.Hash
		prevSeq = event.Seq
	}
	return nil
}

// VerifyRun checks the structural invariants of one run's event sequence:
// it must open with RunStarted, close with a terminal event, and carry no
// events after the terminal one.
func VerifyRun(events []Event) error {
	if len(events) == 0 {
		return errors.New(errors.CodeReplayMismatch, "empty run", nil)
	}
	if events[0].Kind != KindRunStarted {
		return errors.New(errors.CodeReplayMismatch, "first event must be RunStarted", nil)
	}
	runID := events[0].RunID
	terminated := false
	for i, event := range events {
		if event.RunID != runID {
			return errors.New(errors.CodeReplayMismatch,
				fmt.Sprintf("mixed run_id at index %d", i), nil)
		}
		if terminated {
			return errors.New(errors.CodeReplayMismatch, "events after terminal event", nil)
		}
		if event.Kind.Terminal() {
			terminated = true
		}
	}
	return nil
}

// ReplayRun verifies a run's events and folds them into a deterministic
// state hash. Two replays of the same sequence always produce the same hash,
// which is what makes replay a ground truth for recovery.
func ReplayRun(events []Event) ReplayResult {
	if len(events) == 0 {
		return ReplayResult{Err: errors.New(errors.CodeReplayMismatch, "empty run", nil)}
	}
	result := ReplayResult{RunID: events[0].RunID, Events: len(events)}
	if err := VerifyRun(events); err != nil {
		result.Err = err
		return result
	}

	stateHash := "GENESIS"
	for _, event := range events {
		next, err := core.StableHash(map[string]any{
			"prev":       stateHash,
			"event_hash": event.Hash,
			"kind":       string(event.Kind),
		})
		if err != nil {
			result.Err = err
			return result
		}
		stateHash = next
	}
	result.OK = true
	result.StateHash = stateHash
	return result
}

// Terminated reports whether the run's last event is terminal.
func Terminated(events []Event) bool {
	if len(events) == 0 {
		return false
	}
	return events[len(events)-1].Kind.Terminal()
}
