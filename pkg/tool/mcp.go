package tool

import (
	"context"
	stderrors "errors"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/helmsman-ai/helmsman/pkg/core"
)

// MCPCaller abstracts an MCP client for adapters, so tests can stub the
// transport.
type MCPCaller interface {
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)
}

// MCPTool wraps a remote MCP tool so it can be registered behind the choke
// point. The risk class is declared at wrap time by the operator, never
// inferred from the remote definition.
type MCPTool struct {
	def    mcp.Tool
	risk   core.RiskClass
	caller MCPCaller
}

// NewMCPTool wraps an MCP tool definition with an explicit risk class.
func NewMCPTool(def mcp.Tool, risk core.RiskClass, caller MCPCaller) (*MCPTool, error) {
	if def.Name == "" {
		return nil, stderrors.New("mcp tool name is required")
	}
	if caller == nil {
		return nil, stderrors.New("mcp caller is required")
	}
	if !validRisk(risk) {
		return nil, stderrors.New("mcp tool risk class is required")
	}
	return &MCPTool{def: def, risk: risk, caller: caller}, nil
}

func (t *MCPTool) Name() string         { return t.def.Name }
func (t *MCPTool) Risk() core.RiskClass { return t.risk }

// InputSchema projects the MCP schema onto the registry's schema shape.
// Property types beyond the supported primitives degrade to unchecked.
func (t *MCPTool) InputSchema() Schema {
	schema := Schema{Required: append([]string(nil), t.def.InputSchema.Required...)}
	if len(t.def.InputSchema.Properties) > 0 {
		schema.Properties = make(map[string]PropertySchema, len(t.def.InputSchema.Properties))
		for name, raw := range t.def.InputSchema.Properties {
			prop := PropertySchema{}
			if m, ok := raw.(map[string]any); ok {
				if typ, ok := m["type"].(string); ok {
					prop.Type = typ
				}
				if desc, ok := m["description"].(string); ok {
					prop.Description = desc
				}
			}
			schema.Properties[name] = prop
		}
	}
	return schema
}

// Invoke calls the remote tool and normalizes its result to an object.
func (t *MCPTool) Invoke(ctx context.Context, args map[string]any) (map[string]any, error) {
	result, err := t.caller.CallTool(ctx, t.def.Name, args)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, stderrors.New("mcp tool returned nil result")
	}
	if result.IsError {
		return nil, stderrors.New("mcp tool error: " + textContent(result.Content))
	}
	if structured, ok := result.StructuredContent.(map[string]any); ok {
		return structured, nil
	}
	return map[string]any{"text": textContent(result.Content)}, nil
}

func textContent(items []mcp.Content) string {
	var parts []string
	for _, item := range items {
		switch content := item.(type) {
		case mcp.TextContent:
			parts = append(parts, content.Text)
		case *mcp.TextContent:
			parts = append(parts, content.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func validRisk(risk core.RiskClass) bool {
	switch risk {
	case core.RiskRead, core.RiskWrite, core.RiskExec, core.RiskNetwork:
		return true
	}
	return false
}

var _ Tool = (*MCPTool)(nil)
