package orchestrator

import (
	"encoding/json"
	"strings"

	"github.com/helmsman-ai/helmsman/pkg/core"
	"github.com/helmsman-ai/helmsman/pkg/errors"
)

// planWire is the JSON shape worker models must emit.
type planWire struct {
	Phase     string     `json:"phase"`
	ToolCalls []callWire `json:"tool_calls"`
	Diff      string     `json:"diff,omitempty"`
	Note      string     `json:"note,omitempty"`
	FollowUps []string   `json:"follow_ups,omitempty"`
}

type callWire struct {
	ToolName string         `json:"tool_name"`
	Args     map[string]any `json:"args"`
}

// ParsePlan decodes a worker's response into a proposal. Fenced code blocks
// around the JSON are tolerated; anything else is rejected, never guessed.
func ParsePlan(runID string, agent core.AgentType, content string) (core.PlanProposal, error) {
	raw := stripFences(content)
	var wire planWire
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return core.PlanProposal{}, errors.New(errors.CodeSchemaInvalid,
			"unparsable plan from "+string(agent), err)
	}

	plan := core.PlanProposal{
		RunID:     runID,
		AgentType: agent,
		Phase:     wire.Phase,
		Diff:      wire.Diff,
		Note:      wire.Note,
	}
	for _, call := range wire.ToolCalls {
		if call.ToolName == "" {
			return core.PlanProposal{}, errors.New(errors.CodeSchemaInvalid,
				"plan contains a tool call with no tool name", nil)
		}
		if call.Args == nil {
			call.Args = map[string]any{}
		}
		plan.ToolCalls = append(plan.ToolCalls, core.NewToolCall(runID, call.ToolName, call.Args))
	}
	for _, intent := range wire.FollowUps {
		if strings.TrimSpace(intent) == "" {
			continue
		}
		plan.FollowUps = append(plan.FollowUps, core.NewTaskRequest(intent))
	}
	return plan, nil
}

func stripFences(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	return strings.TrimSpace(trimmed)
}
