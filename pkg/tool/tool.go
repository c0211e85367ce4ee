// SPDX-License-Identifier: Apache-2.0

// Package tool is the single choke point through which every side effect
// passes. Workers propose tool calls; nothing they emit executes until the
// registry has evaluated policy, checked the approval arm, and appended the
// attempt to the audit log.
package tool

import (
	"context"

	"github.com/helmsman-ai/helmsman/pkg/core"
)

// Tool is one registered capability. Implementations perform the actual
// side effect; everything above them is gating.
type Tool interface {
	// Name returns the stable tool name, e.g. "fs.read".
	Name() string

	// Risk classifies the tool's side-effect profile.
	Risk() core.RiskClass

	// InputSchema describes and constrains the argument object.
	InputSchema() Schema

	// Invoke performs the call. It is only reached through Registry.Execute.
	Invoke(ctx context.Context, args map[string]any) (map[string]any, error)
}

// Schema is a minimal object schema: typed properties plus required keys.
type Schema struct {
	Properties map[string]PropertySchema `json:"properties,omitempty"`
	Required   []string                  `json:"required,omitempty"`
}

// PropertySchema constrains a single argument.
type PropertySchema struct {
	Type        string `json:"type"` // string, number, boolean, object, array
	Description string `json:"description,omitempty"`
}

// Func adapts a plain function into a Tool.
type Func struct {
	ToolName  string
	RiskClass core.RiskClass
	Schema    Schema
	Fn        func(ctx context.Context, args map[string]any) (map[string]any, error)
}

func (f Func) Name() string                                                           { return f.ToolName }
func (f Func) Risk() core.RiskClass                                                   { return f.RiskClass }
func (f Func) InputSchema() Schema                                                    { return f.Schema }
func (f Func) Invoke(ctx context.Context, args map[string]any) (map[string]any, error) { return f.Fn(ctx, args) }
