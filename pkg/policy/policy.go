// SPDX-License-Identifier: Apache-2.0

// Package policy decides whether proposed tool actions may proceed.
//
// The engine is a pure function of (invocation, config, snapshot): identical
// inputs always yield identical decisions, which is what makes audit replay
// and testing deterministic. It performs no I/O.
package policy

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/helmsman-ai/helmsman/pkg/core"
)

// Action describes a decision target: one exact tool invocation.
type Action struct {
	ToolName string
	Risk     core.RiskClass
	CallID   string
	Args     map[string]any
	Metadata map[string]string
}

// Signature binds a decision to one exact invocation. Two invocations with
// the same tool but different arguments never share a signature.
func (a Action) Signature() (string, error) {
	return core.StableHash(map[string]any{
		"tool":    a.ToolName,
		"call_id": a.CallID,
		"risk":    string(a.Risk),
		"args":    a.Args,
	})
}

// Decision captures the outcome of a policy evaluation. It is recomputed for
// every invocation and never cached as an assumption of future calls.
type Decision struct {
	Allow            bool
	RequiresApproval bool
	Reasons          []string
	RuleID           string
	Risk             core.RiskClass
	ActionSignature  string
}

// Snapshot is the context the engine may consult. It is a value, not a
// live view: the caller freezes it before evaluation.
type Snapshot struct {
	RunID     string
	TickIndex int
	Armed     bool
}

// Rule defines a single policy rule. Rules are evaluated in order and the
// first match wins.
type Rule struct {
	ID     string
	Effect string // allow, deny, or approve
	Risk   core.RiskClass
	Name   string // glob pattern on the tool name, optional
	Reason string
}

// Config is the declared rule set plus the coarse risk switches.
type Config struct {
	Rules        []Rule
	AllowExec    bool
	AllowNetwork bool
}

// Engine evaluates actions against a fixed config.
type Engine struct {
	cfg Config
}

// NewEngine creates an engine over the given config.
func NewEngine(cfg Config) *Engine {
	cfg.Rules = append([]Rule(nil), cfg.Rules...)
	return &Engine{cfg: cfg}
}

// Evaluate returns the decision for the exact action under the snapshot.
// Ambiguous outcomes fail safe: they require approval, never fail open.
func (e *Engine) Evaluate(_ context.Context, action Action, snap Snapshot) Decision {
	sig, err := action.Signature()
	if err != nil {
		return Decision{
			Allow:   false,
			Reasons: []string{"unsignable action: " + err.Error()},
			Risk:    action.Risk,
		}
	}

	for _, rule := range e.cfg.Rules {
		if rule.Risk != "" && rule.Risk != action.Risk {
			continue
		}
		if rule.Name != "" && !matchPattern(rule.Name, action.ToolName) {
			continue
		}
		return e.ruleDecision(rule, action, sig)
	}
	return e.defaultDecision(action, snap, sig)
}

func (e *Engine) ruleDecision(rule Rule, action Action, sig string) Decision {
	decision := Decision{
		RuleID:          rule.ID,
		Risk:            action.Risk,
		ActionSignature: sig,
	}
	reason := rule.Reason
	if reason == "" {
		reason = fmt.Sprintf("rule %s matched %s", rule.ID, action.ToolName)
	}
	decision.Reasons = append(decision.Reasons, reason)

	switch strings.ToLower(rule.Effect) {
	case "deny":
		decision.Allow = false
	case "allow":
		decision.Allow = true
	case "approve":
		decision.Allow = true
		decision.RequiresApproval = true
	default:
		// Unknown effects fail safe.
		decision.Allow = true
		decision.RequiresApproval = true
		decision.Reasons = append(decision.Reasons, "unknown effect "+rule.Effect+", approval required")
	}
	if decision.Allow && mutates(action.Risk) {
		decision.RequiresApproval = true
	}
	return decision
}

func (e *Engine) defaultDecision(action Action, snap Snapshot, sig string) Decision {
	decision := Decision{
		RuleID:          "default",
		Risk:            action.Risk,
		ActionSignature: sig,
	}
	switch action.Risk {
	case core.RiskRead:
		decision.Allow = true
		decision.Reasons = []string{"READ allowed by default"}
	case core.RiskExec:
		if !e.cfg.AllowExec {
			decision.Reasons = []string{"EXEC denied by default"}
			return decision
		}
		decision.Allow = true
		decision.RequiresApproval = true
		decision.Reasons = []string{"EXEC allowed by config, approval required"}
	case core.RiskNetwork:
		if !e.cfg.AllowNetwork {
			decision.Reasons = []string{"NETWORK denied by default"}
			return decision
		}
		decision.Allow = true
		decision.RequiresApproval = true
		decision.Reasons = []string{"NETWORK allowed by config, approval required"}
	case core.RiskWrite:
		if !snap.Armed {
			decision.RequiresApproval = true
			decision.Reasons = []string{"WRITE denied, execution not armed"}
			return decision
		}
		decision.Allow = true
		decision.RequiresApproval = true
		decision.Reasons = []string{"WRITE allowed, approval required"}
	default:
		decision.Reasons = []string{"unknown risk class " + string(action.Risk)}
	}
	return decision
}

func mutates(risk core.RiskClass) bool {
	return risk == core.RiskWrite || risk == core.RiskExec || risk == core.RiskNetwork
}

func matchPattern(pattern, value string) bool {
	if pattern == "" {
		return true
	}
	ok, err := path.Match(pattern, value)
	if err == nil && ok {
		return true
	}
	return pattern == value
}

// Reason flattens the ordered reason list for user-facing messages.
func (d Decision) Reason() string {
	return strings.Join(d.Reasons, "; ")
}
