// Package config loads and validates the agent.json configuration file.
// The file is JSON5, discovered by walking upward from the working
// directory, and validated against a strict schema that rejects unknown
// top-level keys.
package config

import (
	"os"
	"time"
)

// Config is the parsed agent.json.
type Config struct {
	// Model is the default model id. The router may override per task.
	Model string `json:"model,omitempty"`

	// Temperature for sampling. Nil uses the provider default.
	Temperature *float64 `json:"temperature,omitempty"`

	// MaxTokens bounds each completion.
	MaxTokens int `json:"maxTokens,omitempty"`

	// MaxIterations bounds loop round-trips per run.
	MaxIterations int `json:"maxIterations,omitempty"`

	// SystemPrompt is the base system prompt.
	SystemPrompt string `json:"systemPrompt,omitempty"`

	// APIKey authenticates against the provider. Empty falls back to the
	// provider-specific environment variable.
	APIKey string `json:"apiKey,omitempty"`

	// BaseURL overrides the provider endpoint (OpenAI-compatible servers).
	BaseURL string `json:"baseURL,omitempty"`

	// Provider selects the LLM adapter: "openai" (default) or "anthropic".
	Provider string `json:"provider,omitempty"`

	Skill      SkillConfig            `json:"skill,omitempty"`
	MCP        map[string]MCPServer   `json:"mcp,omitempty"`
	Memory     MemoryConfig           `json:"memory,omitempty"`
	Knowledge  KnowledgeConfig        `json:"knowledge,omitempty"`
	Permission PermissionConfig       `json:"permission,omitempty"`
	Security   SecurityConfig         `json:"security,omitempty"`
}

// SkillConfig configures skill discovery.
type SkillConfig struct {
	// Dir is the root directory scanned for skill manifests.
	Dir string `json:"dir,omitempty"`

	// Watch re-discovers skills when manifests change.
	Watch bool `json:"watch,omitempty"`

	// WatchDebounceMs coalesces watcher event bursts.
	WatchDebounceMs int `json:"watchDebounceMs,omitempty"`
}

// WatchDebounce returns the debounce as a duration.
func (s SkillConfig) WatchDebounce() time.Duration {
	return time.Duration(s.WatchDebounceMs) * time.Millisecond
}

// MCPServer describes one MCP server connection, keyed by server name.
type MCPServer struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Filter  []string          `json:"filter,omitempty"`
}

// MemoryConfig configures the embedded store and compaction thresholds.
type MemoryConfig struct {
	// Path is the sqlite file. Empty disables persistent memory.
	Path string `json:"path,omitempty"`

	// Dimension of semantic embeddings.
	Dimension int `json:"dimension,omitempty"`

	MaxContextTokens    int `json:"maxContextTokens,omitempty"`
	SoftThresholdTokens int `json:"softThresholdTokens,omitempty"`
	HardThresholdTokens int `json:"hardThresholdTokens,omitempty"`
	ReserveTokens       int `json:"reserveTokens,omitempty"`
}

// KnowledgeConfig gates semantic retrieval.
type KnowledgeConfig struct {
	Enabled  bool    `json:"enabled,omitempty"`
	TopK     int     `json:"topK,omitempty"`
	MinScore float64 `json:"minScore,omitempty"`
}

// PermissionConfig mirrors the permission policy file shape.
type PermissionConfig struct {
	Rules            []PermissionRule  `json:"rules,omitempty"`
	CategoryDefaults map[string]string `json:"categoryDefaults,omitempty"`
	DefaultLevel     string            `json:"defaultLevel,omitempty"`
	SessionMemory    bool              `json:"sessionMemory,omitempty"`
}

// PermissionRule maps a tool-name glob to a level.
type PermissionRule struct {
	ToolPattern string `json:"toolPattern"`
	Level       string `json:"level"`
}

// SecurityConfig groups audit and guardrail settings.
type SecurityConfig struct {
	Audit     AuditConfig     `json:"audit,omitempty"`
	Guardrail GuardrailConfig `json:"guardrail,omitempty"`
}

// AuditConfig mirrors the audit logger configuration.
type AuditConfig struct {
	Enabled           bool   `json:"enabled,omitempty"`
	Output            string `json:"output,omitempty"`
	Format            string `json:"format,omitempty"`
	IncludeToolInput  bool   `json:"includeToolInput,omitempty"`
	IncludeToolOutput bool   `json:"includeToolOutput,omitempty"`
}

// GuardrailConfig tunes the rule engine.
type GuardrailConfig struct {
	// BlockThreshold is the minimum severity that blocks: "warn",
	// "block" (default), or "critical".
	BlockThreshold string `json:"blockThreshold,omitempty"`
}

// Default returns the configuration used when no agent.json exists.
func Default() *Config {
	return &Config{
		Provider:      "openai",
		MaxTokens:     4096,
		MaxIterations: 10,
	}
}

// ResolveAPIKey fills APIKey from the environment when the file left it
// empty. Explicit file values always win.
func (c *Config) ResolveAPIKey() {
	if c.APIKey != "" {
		return
	}
	switch c.Provider {
	case "anthropic":
		c.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	default:
		c.APIKey = os.Getenv("OPENAI_API_KEY")
	}
}
