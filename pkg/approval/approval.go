// SPDX-License-Identifier: Apache-2.0

// Package approval provides the human-approval gate and the execution arm.
//
// A mutation needs two authorizations to reach the outside world: an
// allowing policy decision and an armed ExecutionArm. Arms are minted only
// when an approval is granted, and each arm fires at most once.
package approval

import (
	"context"
	"sync/atomic"
	"time"
)

// Outcome is the result of an approval request.
type Outcome string

const (
	OutcomeGranted  Outcome = "granted"
	OutcomeDenied   Outcome = "denied"
	OutcomeTimedOut Outcome = "timed_out"
)

// Arm is a single-use authorization token. Only a granted approval mints an
// armed one; everything else yields the zero value, which never fires.
type Arm struct {
	grantID string
	used    *atomic.Bool
}

// NewArm mints an armed token tied to the granting approval id.
func NewArm(grantID string) Arm {
	return Arm{grantID: grantID, used: new(atomic.Bool)}
}

// Armed reports whether the token can still authorize an execution.
func (a Arm) Armed() bool {
	return a.used != nil && !a.used.Load()
}

// Fire consumes the token. It returns false if the token was never armed or
// was already used.
func (a Arm) Fire() bool {
	if a.used == nil {
		return false
	}
	return a.used.CompareAndSwap(false, true)
}

// GrantID returns the approval id the arm was minted from.
func (a Arm) GrantID() string { return a.grantID }

// Request describes one pending approval.
type Request struct {
	ID        string            `json:"id"`
	RunID     string            `json:"run_id"`
	ToolName  string            `json:"tool_name"`
	CallID    string            `json:"call_id"`
	Reason    string            `json:"reason"`
	Diff      string            `json:"diff,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	ExpiresAt time.Time         `json:"expires_at"`
	Status    Outcome           `json:"status,omitempty"`
}

// Hook resolves an approval request. Implementations block until a decision
// is made, the context is cancelled, or the request expires.
type Hook interface {
	Request(ctx context.Context, req Request) (Outcome, error)
}

// Static returns a fixed outcome for every request. Used in tests and for
// pre-approved batch configurations.
type Static struct {
	Outcome Outcome
}

// Request implements Hook.
func (s Static) Request(_ context.Context, _ Request) (Outcome, error) {
	if s.Outcome == "" {
		return OutcomeDenied, nil
	}
	return s.Outcome, nil
}
