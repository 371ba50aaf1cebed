package agent

import (
	"context"
	"encoding/json"

	"github.com/strandworks/strand/pkg/models"
)

// LLMProvider is the interface to a Large Language Model backend.
//
// Implementations handle the specifics of a given API (OpenAI, Anthropic,
// OpenAI-compatible servers) while presenting a unified streaming interface
// to the loop. Implementations must be safe for concurrent use.
type LLMProvider interface {
	// Complete sends a request and returns a streaming response.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name returns the provider name.
	Name() string

	// Models returns the models this provider can serve.
	Models() []Model

	// SupportsTools reports whether the provider supports tool use.
	SupportsTools() bool
}

// CompletionRequest contains all parameters for one LLM call.
type CompletionRequest struct {
	// Model selects the model. Empty uses the provider default.
	Model string `json:"model"`

	// System is the system prompt, handled separately from messages.
	System string `json:"system,omitempty"`

	// Messages is the conversation history in chronological order.
	Messages []models.Message `json:"messages"`

	// Tools lists the tools the model may call. Empty disables tool use.
	Tools []Tool `json:"-"`

	// MaxTokens bounds the response length. 0 uses the provider default.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature controls sampling. Zero value means provider default.
	Temperature float64 `json:"temperature,omitempty"`
}

// CompletionChunk is one element of a streaming response. Text chunks
// arrive incrementally; a tool call arrives whole; token counts are only
// populated on the final chunk (Done=true).
type CompletionChunk struct {
	Text         string           `json:"text,omitempty"`
	ToolCall     *models.ToolCall `json:"tool_call,omitempty"`
	Done         bool             `json:"done,omitempty"`
	Error        error            `json:"-"`
	InputTokens  int              `json:"input_tokens,omitempty"`
	OutputTokens int              `json:"output_tokens,omitempty"`
}

// Model describes an available model and its capabilities.
type Model struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContextSize int    `json:"context_size"`
}

// Tool is an executable capability exposed to the model. Tools from
// native, skill, and MCP origins all share this interface and one
// registry.
type Tool interface {
	// Name returns the tool name used for function calling.
	// Must be alphanumeric plus underscores.
	Name() string

	// Description tells the model what the tool does.
	Description() string

	// Schema returns the JSON Schema for the tool's parameters.
	Schema() json.RawMessage

	// Execute runs the tool. Params match Schema. Failures may be
	// reported either via error or via ToolResult.IsError; both reach
	// the model as an error result string.
	Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

// ToolResult is the output of one tool execution. Errors are communicated
// with IsError=true so the model can react to failures.
type ToolResult struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// FuncTool adapts a plain function to the Tool interface. Used for
// agent-owned tools and by the skill loader's handler table.
type FuncTool struct {
	ToolName        string
	ToolDescription string
	ToolSchema      json.RawMessage
	Fn              func(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

func (t *FuncTool) Name() string             { return t.ToolName }
func (t *FuncTool) Description() string      { return t.ToolDescription }
func (t *FuncTool) Schema() json.RawMessage  { return t.ToolSchema }
func (t *FuncTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	return t.Fn(ctx, params)
}
