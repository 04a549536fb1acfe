// Package llm talks to the completion model that drives specialists.
package llm

import (
	"context"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	// ToolCallID links a tool result to the call that produced it.
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"-"`
}

type Client interface {
	Chat(ctx context.Context, messages []Message, tools []ToolDefinition, options *SamplingOptions) (*Response, error)
}

type SamplingOptions struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	Seed        int64   `json:"seed"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type Response struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls"`
}

type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, messages []Message, tools []ToolDefinition, options *SamplingOptions) (*Response, error)

func (f ClientFunc) Chat(ctx context.Context, messages []Message, tools []ToolDefinition, options *SamplingOptions) (*Response, error) {
	return f(ctx, messages, tools, options)
}
