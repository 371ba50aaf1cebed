// Package guardrail provides a rule engine screening agent inputs,
// outputs, and tool calls. Input violations block the turn; output and
// tool violations are filtered rather than raised.
package guardrail

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Severity ranks how serious a rule violation is.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarn
	SeverityBlock
	SeverityCritical
)

// String returns the lowercase severity name.
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarn:
		return "warn"
	case SeverityBlock:
		return "block"
	case SeverityCritical:
		return "critical"
	}
	return "unknown"
}

// Hook identifies which check a rule applies to.
type Hook string

const (
	HookInput    Hook = "input"
	HookOutput   Hook = "output"
	HookToolCall Hook = "tool_call"
)

// Result is the outcome of evaluating one rule.
type Result struct {
	RuleID   string   `json:"rule_id"`
	Passed   bool     `json:"passed"`
	Message  string   `json:"message,omitempty"`
	Severity Severity `json:"severity"`
}

// InputRule inspects user-supplied text.
type InputRule interface {
	ID() string
	CheckInput(text string) Result
}

// OutputRule inspects assistant output text.
type OutputRule interface {
	ID() string
	CheckOutput(text string) Result
}

// ToolCallRule inspects a tool invocation before execution.
type ToolCallRule interface {
	ID() string
	CheckToolCall(name string, args json.RawMessage) Result
}

// Engine evaluates registered rules at the three hooks. The zero value
// has no rules; NewEngine installs the built-in set.
type Engine struct {
	inputRules    []InputRule
	outputRules   []OutputRule
	toolCallRules []ToolCallRule

	// blockThreshold is the minimum severity that blocks.
	blockThreshold Severity
}

// Option configures an Engine.
type Option func(*Engine)

// WithBlockThreshold overrides the severity at which failed results
// block. Default: SeverityBlock.
func WithBlockThreshold(s Severity) Option {
	return func(e *Engine) { e.blockThreshold = s }
}

// WithInputRule appends a user-supplied input rule.
func WithInputRule(r InputRule) Option {
	return func(e *Engine) { e.inputRules = append(e.inputRules, r) }
}

// WithOutputRule appends a user-supplied output rule.
func WithOutputRule(r OutputRule) Option {
	return func(e *Engine) { e.outputRules = append(e.outputRules, r) }
}

// WithToolCallRule appends a user-supplied tool-call rule.
func WithToolCallRule(r ToolCallRule) Option {
	return func(e *Engine) { e.toolCallRules = append(e.toolCallRules, r) }
}

// NewEngine creates an engine with the built-in prompt-injection and PII
// rules plus any user options.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{blockThreshold: SeverityBlock}
	injection := newPromptInjectionRule()
	pii := newPIIRule()
	e.inputRules = []InputRule{injection, pii}
	e.outputRules = []OutputRule{pii}
	e.toolCallRules = []ToolCallRule{newToolArgInjectionRule(injection)}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CheckInput evaluates all input rules against text.
func (e *Engine) CheckInput(text string) []Result {
	results := make([]Result, 0, len(e.inputRules))
	for _, r := range e.inputRules {
		results = append(results, r.CheckInput(text))
	}
	return results
}

// CheckOutput evaluates all output rules against text.
func (e *Engine) CheckOutput(text string) []Result {
	results := make([]Result, 0, len(e.outputRules))
	for _, r := range e.outputRules {
		results = append(results, r.CheckOutput(text))
	}
	return results
}

// CheckToolCall evaluates all tool-call rules against a pending call.
func (e *Engine) CheckToolCall(name string, args json.RawMessage) []Result {
	results := make([]Result, 0, len(e.toolCallRules))
	for _, r := range e.toolCallRules {
		results = append(results, r.CheckToolCall(name, args))
	}
	return results
}

// ShouldBlock reports whether any failed result meets the block
// threshold.
func (e *Engine) ShouldBlock(results []Result) bool {
	for _, r := range results {
		if !r.Passed && r.Severity >= e.blockThreshold {
			return true
		}
	}
	return false
}

// BlockReason joins the messages of blocking results for surfacing to
// the caller or the model.
func (e *Engine) BlockReason(results []Result) string {
	var reasons []string
	for _, r := range results {
		if !r.Passed && r.Severity >= e.blockThreshold {
			msg := r.Message
			if msg == "" {
				msg = r.RuleID
			}
			reasons = append(reasons, msg)
		}
	}
	return strings.Join(reasons, "; ")
}

// FilterOutput replaces blocked output with a placeholder. Non-blocking
// output passes through unchanged.
func (e *Engine) FilterOutput(text string) (string, []Result) {
	results := e.CheckOutput(text)
	if e.ShouldBlock(results) {
		return fmt.Sprintf("[Content filtered: %s]", e.BlockReason(results)), results
	}
	return text, results
}
