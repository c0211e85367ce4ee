// SPDX-License-Identifier: Apache-2.0

package tool

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/helmsman-ai/helmsman/pkg/approval"
	"github.com/helmsman-ai/helmsman/pkg/audit"
	"github.com/helmsman-ai/helmsman/pkg/core"
	"github.com/helmsman-ai/helmsman/pkg/errors"
	"github.com/helmsman-ai/helmsman/pkg/policy"
)

// Gate statuses recorded in the audit payload.
const (
	statusAllowed          = "allowed"
	statusApprovalRequired = "approval_required"
	statusDenied           = "denied"
	statusRejected         = "rejected"
)

// Registry holds the registered tools and gates every invocation. It is the
// only path from a proposed call to a side effect.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	engine *policy.Engine

	log     audit.Log
	logger  *slog.Logger
	timeout time.Duration

	invocations metric.Int64Counter
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithInvokeTimeout bounds each tool execution.
func WithInvokeTimeout(timeout time.Duration) RegistryOption {
	return func(r *Registry) {
		if timeout > 0 {
			r.timeout = timeout
		}
	}
}

// WithRegistryLogger sets the registry logger.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRegistry creates a registry writing gate events to the given audit log
// and evaluating calls against the given policy engine.
func NewRegistry(log audit.Log, engine *policy.Engine, opts ...RegistryOption) (*Registry, error) {
	if log == nil {
		return nil, stderrors.New("audit log is required")
	}
	if engine == nil {
		return nil, stderrors.New("policy engine is required")
	}
	r := &Registry{
		tools:   make(map[string]Tool),
		engine:  engine,
		log:     log,
		logger:  slog.Default(),
		timeout: 60 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	meter := otel.Meter("helmsman/tool")
	counter, err := meter.Int64Counter("helmsman.tool.invocations",
		metric.WithDescription("Tool invocation attempts through the choke point"))
	if err != nil {
		return nil, err
	}
	r.invocations = counter
	return r, nil
}

// Register adds a tool. Re-registering a name replaces the previous tool.
func (r *Registry) Register(t Tool) error {
	if t == nil || t.Name() == "" {
		return stderrors.New("tool with empty name")
	}
	r.mu.Lock()
	r.tools[t.Name()] = t
	r.mu.Unlock()
	return nil
}

// SetEngine swaps the policy engine, used on config reload.
func (r *Registry) SetEngine(engine *policy.Engine) {
	if engine == nil {
		return
	}
	r.mu.Lock()
	r.engine = engine
	r.mu.Unlock()
}

// Lookup returns a registered tool by name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Gate evaluates one proposed call against policy and appends the single
// audit event for the attempt. Every attempt lands here exactly once,
// whatever happens next: denial, approval wait, or execution.
func (r *Registry) Gate(ctx context.Context, call core.ToolCall, snap policy.Snapshot) (policy.Decision, error) {
	t, ok := r.Lookup(call.ToolName)
	if !ok {
		err := errors.New(errors.CodeNotFound, "unknown tool "+call.ToolName, nil)
		r.record(ctx, call, policy.Decision{}, statusRejected, err)
		return policy.Decision{}, err
	}
	if err := ValidateArgs(t.InputSchema(), call.Args); err != nil {
		r.record(ctx, call, policy.Decision{}, statusRejected, err)
		return policy.Decision{}, err
	}

	r.mu.RLock()
	engine := r.engine
	r.mu.RUnlock()

	action := policy.Action{ToolName: call.ToolName, Risk: t.Risk(), CallID: call.CallID, Args: call.Args}
	decision := engine.Evaluate(ctx, action, snap)

	status := statusAllowed
	var gateErr error
	switch {
	case !decision.Allow:
		status = statusDenied
		gateErr = errors.New(errors.CodePolicyDenied, decision.Reason(), nil)
	case decision.RequiresApproval:
		status = statusApprovalRequired
	}
	r.record(ctx, call, decision, status, gateErr)
	return decision, gateErr
}

// Execute runs a gated call. The decision must cover this exact invocation
// and, when approval was required, the arm must fire. Execution appends no
// further audit events; the attempt was recorded by Gate.
func (r *Registry) Execute(ctx context.Context, call core.ToolCall, decision policy.Decision, arm approval.Arm) (core.ToolResult, error) {
	t, ok := r.Lookup(call.ToolName)
	if !ok {
		return failedResult(call, errors.New(errors.CodeNotFound, "unknown tool "+call.ToolName, nil))
	}

	action := policy.Action{ToolName: call.ToolName, Risk: t.Risk(), CallID: call.CallID, Args: call.Args}
	sig, err := action.Signature()
	if err != nil {
		return failedResult(call, errors.New(errors.CodeInternal, "unsignable call", err))
	}
	if sig != decision.ActionSignature {
		return failedResult(call, errors.New(errors.CodePolicyDenied,
			"decision does not cover this invocation", nil).
			WithContext("expected", decision.ActionSignature).
			WithContext("actual", sig))
	}
	if !decision.Allow {
		return failedResult(call, errors.New(errors.CodePolicyDenied, decision.Reason(), nil))
	}
	if decision.RequiresApproval && !arm.Fire() {
		return failedResult(call, errors.New(errors.CodePolicyDenied, "execution not armed", nil))
	}

	execCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	out, invokeErr := t.Invoke(execCtx, call.Args)
	result := core.ToolResult{RunID: call.RunID, CallID: call.CallID, OK: invokeErr == nil, Result: out}
	if invokeErr != nil {
		invokeErr = classify(execCtx, invokeErr)
		result.Error = errors.Reason(invokeErr)
	}
	r.logger.InfoContext(ctx, "tool.execute",
		slog.String("run_id", call.RunID),
		slog.String("tool", call.ToolName),
		slog.String("call_id", call.CallID),
		slog.Bool("ok", result.OK),
	)
	return result, invokeErr
}

func failedResult(call core.ToolCall, err error) (core.ToolResult, error) {
	return core.ToolResult{
		RunID:  call.RunID,
		CallID: call.CallID,
		Error:  errors.Reason(err),
	}, err
}

// record appends the single gate event for an attempt.
func (r *Registry) record(ctx context.Context, call core.ToolCall, decision policy.Decision, status string, cause error) {
	payload := map[string]any{
		"call_id":   call.CallID,
		"tool_name": call.ToolName,
		"status":    status,
		"decision": map[string]any{
			"allow":             decision.Allow,
			"requires_approval": decision.RequiresApproval,
			"rule_id":           decision.RuleID,
			"risk":              string(decision.Risk),
			"signature":         decision.ActionSignature,
			"reasons":           decision.Reasons,
		},
	}
	if cause != nil {
		payload["error"] = errors.Reason(cause)
		payload["error_code"] = string(errors.CodeOf(cause))
	}

	if _, err := r.log.Append(ctx, call.RunID, audit.KindPolicyEvaluated, payload); err != nil {
		r.logger.ErrorContext(ctx, "tool.gate audit append failed",
			slog.String("run_id", call.RunID),
			slog.String("error", err.Error()),
		)
	}

	r.invocations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool", call.ToolName),
		attribute.String("status", status),
	))
	r.logger.InfoContext(ctx, "tool.gate",
		slog.String("run_id", call.RunID),
		slog.String("tool", call.ToolName),
		slog.String("call_id", call.CallID),
		slog.String("status", status),
	)
}

// classify maps raw execution failures onto the transient/permanent split
// the retry layer keys on.
func classify(ctx context.Context, err error) error {
	var typed *errors.Error
	if stderrors.As(err, &typed) {
		return err
	}
	if stderrors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
		return errors.New(errors.CodeToolTransient, "tool execution timed out", err)
	}
	return errors.New(errors.CodeToolPermanent, fmt.Sprintf("tool execution failed: %v", err), err)
}
