package core

import (
	"time"

	"github.com/google/uuid"
)

// AgentType identifies the worker role a plan is requested from.
type AgentType string

const (
	AgentPlanner    AgentType = "planner"
	AgentExecutor   AgentType = "executor"
	AgentCritic     AgentType = "critic"
	AgentSummarizer AgentType = "summarizer"
)

// RiskClass classifies the side-effect profile of a tool.
type RiskClass string

const (
	RiskRead    RiskClass = "READ"
	RiskWrite   RiskClass = "WRITE"
	RiskExec    RiskClass = "EXEC"
	RiskNetwork RiskClass = "NETWORK"
)

// ObservationSource is the closed set of feed kinds.
type ObservationSource string

const (
	SourceGit      ObservationSource = "git"
	SourceFS       ObservationSource = "fs"
	SourceUser     ObservationSource = "user"
	SourceWorkflow ObservationSource = "workflow"
)

// KnownSource reports whether source belongs to the closed feed set.
func KnownSource(source ObservationSource) bool {
	switch source {
	case SourceGit, SourceFS, SourceUser, SourceWorkflow:
		return true
	}
	return false
}

// TaskRequest opens a run. Intent carries the caller-supplied goal.
type TaskRequest struct {
	TaskID   string            `json:"task_id"`
	Intent   string            `json:"intent"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// NewTaskRequest creates a task request with a generated id.
func NewTaskRequest(intent string) TaskRequest {
	return TaskRequest{TaskID: uuid.NewString(), Intent: intent}
}

// ObservationEvent is an immutable feed observation, consumed once per tick.
type ObservationEvent struct {
	Source    ObservationSource `json:"source"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   map[string]any    `json:"payload"`
	Signature string            `json:"signature,omitempty"`
}

// ToolCall is a single proposed tool invocation. Inert until it passes the
// choke point.
type ToolCall struct {
	RunID    string         `json:"run_id"`
	CallID   string         `json:"call_id"`
	ToolName string         `json:"tool_name"`
	Args     map[string]any `json:"args"`
}

// NewToolCall creates a call with a generated call id.
func NewToolCall(runID, toolName string, args map[string]any) ToolCall {
	return ToolCall{RunID: runID, CallID: uuid.NewString(), ToolName: toolName, Args: args}
}

// ToolResult is the schema-validated outcome of a tool invocation. Results
// become memory objects, never free text.
type ToolResult struct {
	RunID  string         `json:"run_id"`
	CallID string         `json:"call_id"`
	OK     bool           `json:"ok"`
	Result map[string]any `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// PlanProposal is a worker model's output for an agent type. It is advisory:
// only the orchestrator may turn it into applied state.
type PlanProposal struct {
	RunID     string        `json:"run_id"`
	AgentType AgentType     `json:"agent_type"`
	ToolCalls []ToolCall    `json:"tool_calls"`
	Diff      string        `json:"diff,omitempty"` // unified diff artifact, the only mutation shape
	Phase     string        `json:"phase,omitempty"`
	FollowUps []TaskRequest `json:"follow_ups,omitempty"`
	Note      string        `json:"note,omitempty"`
}

// StateDeltaSchemaVersion is the only schema version the state repository
// currently accepts.
const StateDeltaSchemaVersion = 1

// StateDelta is the sole unit the state repository accepts. The orchestrator
// constructs one only after the mutation it describes has been audited.
type StateDelta struct {
	SchemaVersion int               `json:"schema_version"`
	EntryID       string            `json:"entry_id"`
	RunID         string            `json:"run_id"`
	TickIndex     int               `json:"tick_index"`
	Timestamp     time.Time         `json:"timestamp"`
	Subsystem     string            `json:"subsystem"`
	Phase         string            `json:"phase"`
	Entropy       float64           `json:"entropy"`
	Tags          map[string]string `json:"tags,omitempty"`
	VectorPayload []byte            `json:"vector_payload,omitempty"` // base64 in the wire shape
	Patches       []StatePatch      `json:"patches,omitempty"`
}

// StatePatch mutates one dot-separated path in the state snapshot.
// Only "set" is supported.
type StatePatch struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
}

// NewStateDelta builds a delta for the current schema version.
func NewStateDelta(runID string, tick int, subsystem, phase string) StateDelta {
	return StateDelta{
		SchemaVersion: StateDeltaSchemaVersion,
		EntryID:       uuid.NewString(),
		RunID:         runID,
		TickIndex:     tick,
		Timestamp:     time.Now().UTC(),
		Subsystem:     subsystem,
		Phase:         phase,
	}
}

// RunResult summarizes a finished run.
type RunResult struct {
	RunID       string       `json:"run_id"`
	OK          bool         `json:"ok"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
	Error       string       `json:"error,omitempty"`
}
