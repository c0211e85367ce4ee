// SPDX-License-Identifier: Apache-2.0

// Package audit provides the append-only, hash-chained decision log.
//
// The log is the ground truth for recovery: every decision and mutation in
// the control plane lands here exactly once, and a run's state can be
// reconstructed from its event sequence alone. Entries are immutable once
// appended; corrections are new compensating events, never edits.
package audit

import (
	"context"
	"time"

	"github.com/helmsman-ai/helmsman/pkg/core"
	"github.com/helmsman-ai/helmsman/pkg/policy"
)

// Kind identifies an audit event type.
type Kind string

const (
	KindRunStarted          Kind = "RunStarted"
	KindObservationCaptured Kind = "ObservationCaptured"
	KindPlanProposed        Kind = "PlanProposed"
	KindPolicyEvaluated     Kind = "PolicyEvaluated"
	KindApprovalGranted     Kind = "ApprovalGranted"
	KindApprovalDenied      Kind = "ApprovalDenied"
	KindApprovalTimeout     Kind = "ApprovalTimeout"
	KindStateDeltaRejected  Kind = "StateDeltaRejected"
	KindRunCompleted        Kind = "RunCompleted"
	KindRunFailed           Kind = "RunFailed"
	KindRunCancelled        Kind = "RunCancelled"
	KindRunRolledBack       Kind = "RunRolledBack"
)

// Terminal reports whether the kind closes a run.
func (k Kind) Terminal() bool {
	switch k {
	case KindRunCompleted, KindRunFailed, KindRunCancelled, KindRunRolledBack:
		return true
	}
	return false
}

// MutationAttempt reports whether the kind records an attempted mutation.
// Every attempt has exactly one such event, whatever the outcome.
func (k Kind) MutationAttempt() bool {
	return k == KindPolicyEvaluated
}

// Event is one immutable audit record. Seq is strictly increasing and
// gapless per log instance; Hash chains each event to its predecessor.
type Event struct {
	Seq       uint64         `json:"seq"`
	RunID     string         `json:"run_id"`
	Kind      Kind           `json:"kind"`
	Timestamp time.Time      `json:"ts_utc"`
	Payload   map[string]any `json:"payload"`
	PrevHash  string         `json:"prev_hash,omitempty"`
	Hash      string         `json:"hash"`
}

// Log is the single point of truth for decisions and mutations.
type Log interface {
	// Append redacts the payload, assigns the next sequence number, chains
	// the hash and persists the event. It returns the stored event.
	Append(ctx context.Context, runID string, kind Kind, payload map[string]any) (Event, error)

	// Replay returns every event for the run in append order.
	Replay(ctx context.Context, runID string) ([]Event, error)

	// Runs returns the ids of all runs present in the log, in first-seen order.
	Runs(ctx context.Context) ([]string, error)
}

// Clock abstracts time for deterministic tests.
type Clock func() time.Time

func utcNow() time.Time { return time.Now().UTC() }

// seal computes the chained hash for an event. The hash covers the canonical
// JSON of the event with its own Hash field empty.
func seal(event *Event) error {
	unsigned := *event
	unsigned.Hash = ""
	hash, err := core.StableHash(unsigned)
	if err != nil {
		return err
	}
	event.Hash = hash
	return nil
}

// redactPayload applies the redactor when one is configured.
func redactPayload(redactor *policy.Redactor, payload map[string]any) map[string]any {
	if payload == nil {
		payload = map[string]any{}
	}
	if redactor == nil {
		return payload
	}
	return redactor.Payload(payload)
}
