// Package models defines the shared data types used across the strand
// runtime: conversation messages, tool calls, memory events, task state,
// and semantic chunks.
package models

import (
	"encoding/json"
	"time"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message represents a single conversation turn. Messages live only in
// memory and are rebuilt from the event log each session.
type Message struct {
	// Role indicates who authored the message.
	Role Role `json:"role"`

	// Content is the text content (may be empty for tool-only messages).
	Content string `json:"content,omitempty"`

	// ToolCalls contains tool execution requests from the assistant.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID links a tool-role message to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// ToolCall is a structured request by the LLM to invoke a named tool.
type ToolCall struct {
	// ID is the provider-assigned call identifier.
	ID string `json:"id"`

	// Name is the tool name as emitted by the model.
	Name string `json:"name"`

	// Arguments is the raw JSON argument string from the model.
	// It may be malformed; the pipeline tolerates bad JSON.
	Arguments string `json:"arguments"`
}

// ToolCallResult pairs a tool call with its textual result for the
// response surface.
type ToolCallResult struct {
	Name   string          `json:"name"`
	Args   json.RawMessage `json:"args"`
	Result string          `json:"result"`
}

// Usage reports token consumption for one or more LLM calls.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates another usage sample.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// Response is the final result of a Chat or Stream invocation.
type Response struct {
	// Content is the assistant's final text.
	Content string `json:"content"`

	// ToolCalls lists the tool invocations made during the run, in
	// emission order, with their results.
	ToolCalls []ToolCallResult `json:"tool_calls,omitempty"`

	// Usage is the cumulative token usage across all iterations.
	Usage *Usage `json:"usage,omitempty"`
}

// CheckpointRecord captures the loop state at a point in time so a run
// can be rewound.
type CheckpointRecord struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	State     []byte    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}
