// Package llm is the single entry point for model calls: provider adapters,
// token budgets, retries, streaming, and the tool-calling loop.
package llm

import (
	"context"
	"encoding/json"
)

// Message roles, normalised across providers.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Normalised stop reasons.
const (
	StopReasonStop      = "stop"
	StopReasonToolCalls = "tool_calls"
	StopReasonLength    = "length"
)

// Message is one turn of a conversation.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // set on tool result messages
}

// ToolCall is a provider-requested tool invocation.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON-encoded
}

// ToolDefinition describes one callable tool to the provider.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON schema
}

// Request is a normalised chat request.
type Request struct {
	Messages    []Message
	Model       string
	Temperature float32
	MaxTokens   int
	Tools       []ToolDefinition
}

// Usage is the normalised token accounting of one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a normalised chat response.
type Response struct {
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	StopReason string     `json:"stop_reason"`
	Usage      Usage      `json:"usage"`
}

// StreamFunc receives content deltas as they arrive.
type StreamFunc func(delta string) error

// Provider adapts one upstream API to the normalised request shape.
type Provider interface {
	Name() string
	Chat(ctx context.Context, req *Request) (*Response, error)
	// ChatStream invokes fn per content delta and returns the accumulated
	// response. Implementations must call fn before returning the final
	// response so retry logic can tell whether tokens were emitted.
	ChatStream(ctx context.Context, req *Request, fn StreamFunc) (*Response, error)
}

// ToolDispatcher executes tool calls on behalf of the gateway's loop.
type ToolDispatcher interface {
	Dispatch(ctx context.Context, call ToolCall) (string, error)
}
