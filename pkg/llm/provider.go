// SPDX-License-Identifier: Apache-2.0

// Package llm abstracts the chat backends worker agents run on.
package llm

import "context"

// Role identifies a message sender.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn of a conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the input to a provider.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
}

// ChatResponse is the provider output.
type ChatResponse struct {
	Content string `json:"content"`
	Usage   Usage  `json:"usage"`
}

// Usage tracks token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Provider is a chat backend. Providers hold no gating logic; their output
// is advisory until the control plane acts on it.
type Provider interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// Loader is implemented by providers that load model weights on demand.
// The router uses it to swap the single resident model.
type Loader interface {
	// Load makes the named model resident, evicting any previous one.
	Load(ctx context.Context, model string) error

	// Loaded returns the currently resident model, or empty.
	Loaded() string
}
