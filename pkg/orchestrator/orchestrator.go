// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/helmsman-ai/helmsman/pkg/approval"
	"github.com/helmsman-ai/helmsman/pkg/audit"
	"github.com/helmsman-ai/helmsman/pkg/core"
	"github.com/helmsman-ai/helmsman/pkg/errors"
	"github.com/helmsman-ai/helmsman/pkg/feed"
	"github.com/helmsman-ai/helmsman/pkg/llm"
	"github.com/helmsman-ai/helmsman/pkg/memory"
	"github.com/helmsman-ai/helmsman/pkg/policy"
	"github.com/helmsman-ai/helmsman/pkg/resilience"
	"github.com/helmsman-ai/helmsman/pkg/router"
	"github.com/helmsman-ai/helmsman/pkg/staterepo"
	"github.com/helmsman-ai/helmsman/pkg/telemetry"
	"github.com/helmsman-ai/helmsman/pkg/tool"
)

// Config bounds a run.
type Config struct {
	// MaxTicks caps observation/plan cycles per run.
	MaxTicks int

	// MaxReplans caps how many times a denied plan may be replanned.
	MaxReplans int

	// MaxObservations caps feed consumption per tick.
	MaxObservations int

	// Retry governs transient tool failures. Mutations are never retried.
	Retry resilience.RetryConfig

	// Temperature for worker chats.
	Temperature float64
}

// DefaultConfig returns the run defaults.
func DefaultConfig() Config {
	return Config{
		MaxTicks:        32,
		MaxReplans:      1,
		MaxObservations: 16,
		Retry:           resilience.DefaultRetryConfig(),
	}
}

// Orchestrator drives runs end to end. Workers propose, this type disposes.
type Orchestrator struct {
	cfg      Config
	log      audit.Log
	registry *tool.Registry
	hook     approval.Hook
	router   *router.Router
	repo     staterepo.Repo
	intake   *feed.Feed
	working  *memory.Working
	episodic *memory.Episodic
	metrics  *telemetry.RunMetrics
	emitter  core.EventEmitter
	logger   *slog.Logger

	followUps chan core.TaskRequest
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithApprovalHook wires the human-approval gate. Without one, mutating
// actions are denied.
func WithApprovalHook(hook approval.Hook) Option {
	return func(o *Orchestrator) { o.hook = hook }
}

// WithFeed wires the observation intake.
func WithFeed(intake *feed.Feed) Option {
	return func(o *Orchestrator) { o.intake = intake }
}

// WithWorkingMemory wires the run-scoped working memory.
func WithWorkingMemory(working *memory.Working) Option {
	return func(o *Orchestrator) { o.working = working }
}

// WithEpisodicStore wires the durable episode store.
func WithEpisodicStore(episodic *memory.Episodic) Option {
	return func(o *Orchestrator) { o.episodic = episodic }
}

// WithMetrics wires run metrics.
func WithMetrics(metrics *telemetry.RunMetrics) Option {
	return func(o *Orchestrator) { o.metrics = metrics }
}

// WithEventEmitter wires semantic event output.
func WithEventEmitter(emitter core.EventEmitter) Option {
	return func(o *Orchestrator) {
		if emitter != nil {
			o.emitter = emitter
		}
	}
}

// WithLogger sets the orchestrator logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// New creates an orchestrator over its collaborators.
func New(cfg Config, log audit.Log, registry *tool.Registry, modelRouter *router.Router, repo staterepo.Repo, opts ...Option) (*Orchestrator, error) {
	if log == nil || registry == nil || modelRouter == nil || repo == nil {
		return nil, stderrors.New("log, registry, router and repo are required")
	}
	if cfg.MaxTicks <= 0 {
		cfg.MaxTicks = 32
	}
	if cfg.MaxReplans < 0 {
		cfg.MaxReplans = 0
	}
	if cfg.MaxObservations <= 0 {
		cfg.MaxObservations = 16
	}
	o := &Orchestrator{
		cfg:       cfg,
		log:       log,
		registry:  registry,
		router:    modelRouter,
		repo:      repo,
		emitter:   core.NoopEventEmitter{},
		logger:    slog.Default(),
		followUps: make(chan core.TaskRequest, 64),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// FollowUps exposes tasks queued by finished plans.
func (o *Orchestrator) FollowUps() <-chan core.TaskRequest {
	return o.followUps
}

// Status folds a run's audit events into its current view.
func (o *Orchestrator) Status(ctx context.Context, runID string) (RunView, error) {
	events, err := o.log.Replay(ctx, runID)
	if err != nil {
		return RunView{}, err
	}
	if len(events) == 0 {
		return RunView{}, errors.New(errors.CodeNotFound, "unknown run "+runID, nil)
	}
	return Reduce(events), nil
}

// Execute drives one run from TaskRequest to a terminal audit event.
func (o *Orchestrator) Execute(ctx context.Context, task core.TaskRequest) (core.RunResult, error) {
	runID := core.NewRunID()
	ctx = core.WithRunID(ctx, runID)

	if _, err := o.log.Append(ctx, runID, audit.KindRunStarted, map[string]any{
		"task_id": task.TaskID,
		"intent":  task.Intent,
	}); err != nil {
		return core.RunResult{}, err
	}
	o.metrics.RunStarted(ctx)
	o.emitter.Emit(ctx, core.NewEvent(core.EventRunOpened, runID, map[string]any{"intent": task.Intent}))
	o.logger.InfoContext(ctx, "run.opened", slog.String("run_id", runID), slog.String("intent", task.Intent))

	result, err := o.drive(ctx, runID, task)
	o.closeRun(ctx, runID, result, err)
	return result, err
}

// drive runs the observe/plan/gate/execute loop.
func (o *Orchestrator) drive(ctx context.Context, runID string, task core.TaskRequest) (core.RunResult, error) {
	result := core.RunResult{RunID: runID}

	observations, err := o.observe(ctx, runID)
	if err != nil {
		return result, err
	}

	replans := 0
	for tick := 0; tick < o.cfg.MaxTicks; tick++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		tickStart := time.Now()
		ctx := core.WithTick(ctx, tick)

		plan, err := o.plan(ctx, runID, task, observations, replans)
		if err != nil {
			return result, err
		}
		if _, err := o.log.Append(ctx, runID, audit.KindPlanProposed, map[string]any{
			"agent_type": string(plan.AgentType),
			"phase":      plan.Phase,
			"tool_calls": len(plan.ToolCalls),
			"diff":       plan.Diff,
			"note":       plan.Note,
		}); err != nil {
			return result, err
		}

		results, denied, err := o.executePlan(ctx, runID, tick, plan)
		result.ToolResults = append(result.ToolResults, results...)
		if err != nil {
			return result, err
		}
		if denied {
			if replans >= o.cfg.MaxReplans {
				return result, errors.New(errors.CodePolicyDenied,
					"plan denied and replan budget exhausted", nil)
			}
			replans++
			o.metrics.TickObserved(ctx, time.Since(tickStart))
			continue
		}

		if len(plan.ToolCalls) > 0 {
			if err := o.record(ctx, runID, tick, plan); err != nil {
				return result, err
			}
		}
		for _, followUp := range plan.FollowUps {
			select {
			case o.followUps <- followUp:
			default:
				o.logger.WarnContext(ctx, "follow-up queue full, dropping",
					slog.String("run_id", runID), slog.String("intent", followUp.Intent))
			}
		}
		o.metrics.TickObserved(ctx, time.Since(tickStart))
		result.OK = true
		return result, nil
	}
	return result, errors.New(errors.CodeInternal, "tick budget exhausted", nil)
}

// observe drains pending observations into working memory and the audit log.
func (o *Orchestrator) observe(ctx context.Context, runID string) ([]core.ObservationEvent, error) {
	if o.intake == nil {
		return nil, nil
	}
	var observations []core.ObservationEvent
	for len(observations) < o.cfg.MaxObservations {
		event, ok := o.intake.Next(ctx)
		if !ok {
			break
		}
		if _, err := o.log.Append(ctx, runID, audit.KindObservationCaptured, map[string]any{
			"source":  string(event.Source),
			"payload": event.Payload,
		}); err != nil {
			return nil, err
		}
		if o.working != nil {
			o.working.Put(runID, fmt.Sprintf("observation.%d", len(observations)), event.Payload)
		}
		observations = append(observations, event)
	}
	return observations, nil
}

// plan asks the planner model for a proposal. The router lease is held only
// for the duration of the chat.
func (o *Orchestrator) plan(ctx context.Context, runID string, task core.TaskRequest, observations []core.ObservationEvent, replans int) (core.PlanProposal, error) {
	handle, err := o.router.Acquire(ctx, core.AgentPlanner)
	if err != nil {
		return core.PlanProposal{}, err
	}
	defer handle.Release()

	messages := buildPlannerPrompt(task, observations, o.registry.Names(), replans)
	var resp *llm.ChatResponse
	chatErr := o.cfg.Retry.Do(ctx, func() error {
		var err error
		resp, err = handle.Chat(ctx, messages, o.cfg.Temperature)
		return err
	})
	if chatErr != nil {
		return core.PlanProposal{}, chatErr
	}
	return ParsePlan(runID, core.AgentPlanner, resp.Content)
}

// executePlan gates and executes every call in the plan. It reports whether
// the plan was denied (by policy or by a reviewer) so the caller can decide
// on a replan.
func (o *Orchestrator) executePlan(ctx context.Context, runID string, tick int, plan core.PlanProposal) ([]core.ToolResult, bool, error) {
	snap := policy.Snapshot{RunID: runID, TickIndex: tick, Armed: o.hook != nil}

	var results []core.ToolResult
	for _, call := range plan.ToolCalls {
		decision, gateErr := o.registry.Gate(ctx, call, snap)
		if gateErr != nil {
			if errors.CodeOf(gateErr) == errors.CodePolicyDenied {
				o.logger.InfoContext(ctx, "plan denied by policy",
					slog.String("run_id", runID), slog.String("tool", call.ToolName))
				return results, true, nil
			}
			return results, false, gateErr
		}

		arm := approval.Arm{}
		if decision.RequiresApproval {
			var denied bool
			var err error
			arm, denied, err = o.awaitApproval(ctx, runID, call, decision, plan.Diff)
			if err != nil {
				return results, false, err
			}
			if denied {
				return results, true, nil
			}
		}

		result, err := o.executeCall(ctx, call, decision, arm)
		results = append(results, result)
		if err != nil {
			return results, false, err
		}
	}
	return results, false, nil
}

// awaitApproval blocks on the review surface. Timeouts fail the run; an
// explicit denial sends the run back to planning.
func (o *Orchestrator) awaitApproval(ctx context.Context, runID string, call core.ToolCall, decision policy.Decision, diff string) (approval.Arm, bool, error) {
	if o.hook == nil {
		return approval.Arm{}, false, errors.New(errors.CodePolicyDenied,
			"approval required but no reviewer configured", nil)
	}

	req := approval.Request{
		RunID:    runID,
		ToolName: call.ToolName,
		CallID:   call.CallID,
		Reason:   decision.Reason(),
		Diff:     diff,
	}
	o.metrics.ApprovalOpened(ctx)
	o.emitter.Emit(ctx, core.NewEvent(core.EventApprovalWait, runID, map[string]any{
		"tool": call.ToolName, "call_id": call.CallID,
	}))

	outcome, err := o.hook.Request(ctx, req)
	o.metrics.ApprovalClosed(ctx)
	o.emitter.Emit(ctx, core.NewEvent(core.EventApprovalClosed, runID, map[string]any{
		"call_id": call.CallID, "outcome": string(outcome),
	}))
	if ctxErr := ctx.Err(); ctxErr != nil {
		return approval.Arm{}, false, ctxErr
	}
	if err != nil && outcome != approval.OutcomeTimedOut {
		return approval.Arm{}, false, err
	}

	switch outcome {
	case approval.OutcomeGranted:
		event, appendErr := o.log.Append(ctx, runID, audit.KindApprovalGranted, map[string]any{
			"call_id":   call.CallID,
			"tool_name": call.ToolName,
			"signature": decision.ActionSignature,
		})
		if appendErr != nil {
			return approval.Arm{}, false, appendErr
		}
		return approval.NewArm(event.Hash), false, nil
	case approval.OutcomeDenied:
		if _, appendErr := o.log.Append(ctx, runID, audit.KindApprovalDenied, map[string]any{
			"call_id":   call.CallID,
			"tool_name": call.ToolName,
		}); appendErr != nil {
			return approval.Arm{}, false, appendErr
		}
		return approval.Arm{}, true, nil
	default:
		if _, appendErr := o.log.Append(ctx, runID, audit.KindApprovalTimeout, map[string]any{
			"call_id":   call.CallID,
			"tool_name": call.ToolName,
		}); appendErr != nil {
			return approval.Arm{}, false, appendErr
		}
		return approval.Arm{}, false, errors.New(errors.CodeApprovalTimeout,
			"approval window elapsed for "+call.ToolName, nil)
	}
}

// executeCall runs one gated call. Only approval-free calls are retried on
// transient failure: an armed mutation executes at most once.
func (o *Orchestrator) executeCall(ctx context.Context, call core.ToolCall, decision policy.Decision, arm approval.Arm) (core.ToolResult, error) {
	var result core.ToolResult
	run := func() error {
		var err error
		result, err = o.registry.Execute(ctx, call, decision, arm)
		return err
	}

	var err error
	if decision.RequiresApproval {
		err = run()
	} else {
		err = o.cfg.Retry.Do(ctx, run)
	}
	if err != nil {
		o.metrics.ErrorObserved(ctx, err, "tool")
		if o.working != nil {
			o.working.Put(call.RunID, "failure."+call.CallID, map[string]any{"error": errors.Reason(err)})
		}
		return result, err
	}
	if o.working != nil && result.Result != nil {
		o.working.Put(call.RunID, "result."+call.CallID, result.Result)
	}
	return result, nil
}

// record commits the run's StateDelta, tagged with the audit lineage of its
// last gated mutation.
func (o *Orchestrator) record(ctx context.Context, runID string, tick int, plan core.PlanProposal) error {
	events, err := o.log.Replay(ctx, runID)
	if err != nil {
		return err
	}
	lineage := ""
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Kind.MutationAttempt() {
			lineage = events[i].Hash
			break
		}
	}

	delta := core.NewStateDelta(runID, tick, "runs", plan.Phase)
	delta.Tags = map[string]string{staterepo.TagAuditHash: lineage}
	delta.Patches = []core.StatePatch{
		{Op: "set", Path: "runs." + runID + ".phase", Value: plan.Phase},
		{Op: "set", Path: "runs." + runID + ".tool_calls", Value: len(plan.ToolCalls)},
	}
	return o.repo.Apply(ctx, delta)
}

// closeRun appends the terminal event and releases run-scoped resources.
func (o *Orchestrator) closeRun(ctx context.Context, runID string, result core.RunResult, runErr error) {
	// The terminal append must survive caller cancellation.
	ctx = context.WithoutCancel(ctx)

	kind := audit.KindRunCompleted
	eventType := core.EventRunCompleted
	outcome := "completed"
	payload := map[string]any{"ok": runErr == nil, "tool_results": len(result.ToolResults)}

	switch {
	case stderrors.Is(runErr, context.Canceled):
		kind = audit.KindRunCancelled
		eventType = core.EventRunCancelled
		outcome = "cancelled"
	case runErr != nil:
		kind = audit.KindRunFailed
		eventType = core.EventRunFailed
		outcome = "failed"
		payload["error"] = errors.Reason(runErr)
		payload["error_code"] = string(errors.CodeOf(runErr))
	}

	if _, err := o.log.Append(ctx, runID, kind, payload); err != nil {
		o.logger.ErrorContext(ctx, "terminal audit append failed",
			slog.String("run_id", runID), slog.String("error", err.Error()))
	}
	o.metrics.RunFinished(ctx, outcome)
	o.emitter.Emit(ctx, core.NewEvent(eventType, runID, payload))
	o.logger.InfoContext(ctx, "run.closed",
		slog.String("run_id", runID), slog.String("outcome", outcome))

	if o.working != nil {
		o.working.DropRun(runID)
	}
	if o.episodic != nil {
		summary := fmt.Sprintf("run %s %s with %d tool results", runID, outcome, len(result.ToolResults))
		if _, err := o.episodic.Append(ctx, runID, "run_summary", summary, payload); err != nil {
			o.logger.WarnContext(ctx, "episode append failed",
				slog.String("run_id", runID), slog.String("error", err.Error()))
		}
	}
}

func buildPlannerPrompt(task core.TaskRequest, observations []core.ObservationEvent, tools []string, replans int) []llm.Message {
	system := "You are the planning worker of an agent control plane. " +
		"Respond with a single JSON object: " +
		`{"phase": string, "tool_calls": [{"tool_name": string, "args": object}], "diff": string, "note": string, "follow_ups": [string]}. ` +
		"Available tools: " + fmt.Sprint(tools) + ". " +
		"Mutations must be expressed as unified diffs in the diff field and applied with git.apply_patch."
	user := "Task: " + task.Intent
	for _, obs := range observations {
		user += fmt.Sprintf("\nObservation from %s: %v", obs.Source, obs.Payload)
	}
	if replans > 0 {
		user += "\nYour previous plan was denied by policy. Propose a safer alternative."
	}
	return []llm.Message{
		{Role: llm.RoleSystem, Content: system},
		{Role: llm.RoleUser, Content: user},
	}
}
