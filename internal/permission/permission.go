// Package permission provides tool authorization: ordered glob rules,
// category defaults, interactive confirmation, and per-session grant
// memory. Every decision is recorded to the audit log.
package permission

import (
	"context"
	"encoding/json"
	"path"
	"strings"
	"sync"

	"github.com/strandworks/strand/internal/audit"
)

// Level is the action taken for a matched tool.
type Level string

const (
	// LevelAllow executes the tool without interaction.
	LevelAllow Level = "allow"

	// LevelConfirm asks the confirmation callback before executing.
	LevelConfirm Level = "confirm"

	// LevelDeny rejects the tool call.
	LevelDeny Level = "deny"
)

// Rule maps a tool-name glob pattern to a permission level. Patterns
// use path.Match syntax, so "mcp__github__*" covers a whole server.
type Rule struct {
	ToolPattern string `json:"toolPattern"`
	Level       Level  `json:"level"`
}

// Policy is the full authorization configuration.
type Policy struct {
	// Rules are evaluated in order; the first pattern match wins.
	Rules []Rule `json:"rules,omitempty"`

	// CategoryDefaults apply when no rule matched, keyed by the tool's
	// category ("read", "write", "execute", "network").
	CategoryDefaults map[string]Level `json:"categoryDefaults,omitempty"`

	// DefaultLevel applies when neither rules nor category defaults
	// matched. Default: confirm.
	DefaultLevel Level `json:"defaultLevel,omitempty"`

	// SessionMemory remembers confirmation grants for the rest of the
	// session so the same tool is not re-confirmed every iteration.
	SessionMemory bool `json:"sessionMemory,omitempty"`
}

// ConfirmFunc asks the operator whether a confirm-level tool call may
// proceed. Returning false denies the call.
type ConfirmFunc func(ctx context.Context, req ConfirmRequest) (bool, error)

// ConfirmRequest describes the pending tool call shown to the operator.
type ConfirmRequest struct {
	SessionID string
	ToolName  string
	Category  string
	Arguments json.RawMessage
}

// Decision is the outcome of a permission check.
type Decision struct {
	Allowed bool

	// Level that produced the decision.
	Level Level

	// Source names what decided: "rule:<pattern>", "category:<name>",
	// "default", or "session".
	Source string

	// Reason is a human-readable explanation, populated on denial.
	Reason string
}

// Checker evaluates tool calls against a Policy.
type Checker struct {
	policy  Policy
	confirm ConfirmFunc
	auditor *audit.Logger

	mu      sync.Mutex
	granted map[string]map[string]bool // sessionID -> toolName -> granted
}

// NewChecker creates a permission checker. confirm may be nil, in which
// case confirm-level tools are denied. auditor may be nil.
func NewChecker(policy Policy, confirm ConfirmFunc, auditor *audit.Logger) *Checker {
	if policy.DefaultLevel == "" {
		policy.DefaultLevel = LevelConfirm
	}
	return &Checker{
		policy:  policy,
		confirm: confirm,
		auditor: auditor,
		granted: make(map[string]map[string]bool),
	}
}

// Check decides whether the tool call may execute. The category is the
// tool's declared category, used for category defaults.
func (c *Checker) Check(ctx context.Context, sessionID, toolName, category string, args json.RawMessage) (Decision, error) {
	level, source := c.resolve(toolName, category)

	var d Decision
	var err error
	switch level {
	case LevelAllow:
		d = Decision{Allowed: true, Level: level, Source: source}
	case LevelDeny:
		d = Decision{Allowed: false, Level: level, Source: source, Reason: "denied by permission policy"}
	case LevelConfirm:
		d, err = c.confirmCall(ctx, sessionID, toolName, category, args, source)
	}
	if err != nil {
		return Decision{}, err
	}

	if c.auditor != nil {
		c.auditor.LogPermissionDecision(ctx, sessionID, toolName, d.Allowed, d.Source, d.Reason)
	}
	return d, nil
}

// ForgetSession clears remembered grants for a session.
func (c *Checker) ForgetSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.granted, sessionID)
}

// resolve walks rules then category defaults then the fallback level.
func (c *Checker) resolve(toolName, category string) (Level, string) {
	for _, rule := range c.policy.Rules {
		if matchTool(rule.ToolPattern, toolName) {
			return rule.Level, "rule:" + rule.ToolPattern
		}
	}
	if category != "" {
		if level, ok := c.policy.CategoryDefaults[strings.ToLower(category)]; ok {
			return level, "category:" + strings.ToLower(category)
		}
	}
	return c.policy.DefaultLevel, "default"
}

func (c *Checker) confirmCall(ctx context.Context, sessionID, toolName, category string, args json.RawMessage, source string) (Decision, error) {
	if c.policy.SessionMemory && c.remembered(sessionID, toolName) {
		return Decision{Allowed: true, Level: LevelConfirm, Source: "session"}, nil
	}

	// Without a way to ask, a confirm requirement is a denial.
	if c.confirm == nil {
		return Decision{
			Allowed: false,
			Level:   LevelConfirm,
			Source:  source,
			Reason:  "confirmation required but no confirmation handler is configured",
		}, nil
	}

	ok, err := c.confirm(ctx, ConfirmRequest{
		SessionID: sessionID,
		ToolName:  toolName,
		Category:  category,
		Arguments: args,
	})
	if err != nil {
		return Decision{}, err
	}
	if !ok {
		return Decision{Allowed: false, Level: LevelConfirm, Source: source, Reason: "confirmation declined"}, nil
	}

	if c.policy.SessionMemory {
		c.remember(sessionID, toolName)
	}
	return Decision{Allowed: true, Level: LevelConfirm, Source: source}, nil
}

func (c *Checker) remembered(sessionID, toolName string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.granted[sessionID][toolName]
}

func (c *Checker) remember(sessionID, toolName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.granted[sessionID] == nil {
		c.granted[sessionID] = make(map[string]bool)
	}
	c.granted[sessionID][toolName] = true
}

// matchTool matches a glob pattern against a tool name. Invalid
// patterns match nothing.
func matchTool(pattern, name string) bool {
	if pattern == name {
		return true
	}
	ok, err := path.Match(pattern, name)
	return err == nil && ok
}
