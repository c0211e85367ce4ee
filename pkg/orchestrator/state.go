// SPDX-License-Identifier: Apache-2.0

// Package orchestrator owns runs. It is the only component that turns
// worker proposals into applied state, and its run state is a pure fold
// over the audit log, which is what makes crash recovery a replay.
package orchestrator

import (
	"time"

	"github.com/helmsman-ai/helmsman/pkg/audit"
)

// RunState is the lifecycle state of a run.
type RunState string

const (
	StateIdle             RunState = "Idle"
	StateObserving        RunState = "Observing"
	StatePlanning         RunState = "Planning"
	StateAwaitingPolicy   RunState = "AwaitingPolicy"
	StateAwaitingApproval RunState = "AwaitingApproval"
	StateExecuting        RunState = "Executing"
	StateRecording        RunState = "Recording"
	StateCompleted        RunState = "Completed"
	StateFailed           RunState = "Failed"
	StateCancelled        RunState = "Cancelled"
	StateRolledBack       RunState = "RolledBack"
)

// Terminal reports whether the state closes the run.
func (s RunState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateRolledBack:
		return true
	}
	return false
}

// RunView is the state derived from a run's audit events.
type RunView struct {
	RunID        string
	State        RunState
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Events       int
	Plans        int
	Attempts     int
	Denials      int
	Approvals    int
	DeltaRejects int
	LastError    string
}

// Reduce folds a run's audit events into its view. The fold is pure:
// identical event sequences always produce identical views.
func Reduce(events []audit.Event) RunView {
	view := RunView{State: StateIdle}
	for _, event := range events {
		view = step(view, event)
	}
	return view
}

func step(view RunView, event audit.Event) RunView {
	view.Events++
	view.UpdatedAt = event.Timestamp
	if view.RunID == "" {
		view.RunID = event.RunID
	}

	switch event.Kind {
	case audit.KindRunStarted:
		view.CreatedAt = event.Timestamp
		view.State = StateObserving
	case audit.KindObservationCaptured:
		view.State = StatePlanning
	case audit.KindPlanProposed:
		view.Plans++
		view.State = StateAwaitingPolicy
	case audit.KindPolicyEvaluated:
		view.Attempts++
		switch status, _ := event.Payload["status"].(string); status {
		case "approval_required":
			view.State = StateAwaitingApproval
		case "allowed":
			view.State = StateExecuting
		default:
			view.Denials++
			view.State = StatePlanning
			if reason, ok := event.Payload["error"].(string); ok {
				view.LastError = reason
			}
		}
	case audit.KindApprovalGranted:
		view.Approvals++
		view.State = StateExecuting
	case audit.KindApprovalDenied:
		view.Denials++
		view.State = StatePlanning
	case audit.KindApprovalTimeout:
		view.State = StateFailed
	case audit.KindStateDeltaRejected:
		view.DeltaRejects++
		view.State = StateRecording
	case audit.KindRunCompleted:
		view.State = StateCompleted
	case audit.KindRunFailed:
		view.State = StateFailed
		if reason, ok := event.Payload["error"].(string); ok {
			view.LastError = reason
		}
	case audit.KindRunCancelled:
		view.State = StateCancelled
	case audit.KindRunRolledBack:
		view.State = StateRolledBack
	}
	return view
}
