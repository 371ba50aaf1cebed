// Package audit records agent actions, tool invocations, and permission
// decisions as structured log events with privacy controls.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType categorizes audit events.
type EventType string

const (
	EventToolInvocation EventType = "tool.invocation"
	EventToolCompletion EventType = "tool.completion"
	EventToolDenied     EventType = "tool.denied"
	EventToolRetry      EventType = "tool.retry"

	EventPermissionGranted EventType = "permission.granted"
	EventPermissionDenied  EventType = "permission.denied"

	EventGuardrailBlocked EventType = "guardrail.blocked"

	EventAgentAction EventType = "agent.action"
	EventAgentError  EventType = "agent.error"

	EventMemoryCompact EventType = "memory.compact"
)

// Level is audit log severity.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Event is a single audit entry.
type Event struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	Level      Level          `json:"level"`
	Timestamp  time.Time      `json:"timestamp"`
	SessionID  string         `json:"session_id,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Action     string         `json:"action"`
	Details    map[string]any `json:"details,omitempty"`
	Duration   time.Duration  `json:"duration,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// Config configures the audit logger.
type Config struct {
	// Enabled activates audit logging. A disabled logger is a no-op.
	Enabled bool `json:"enabled"`

	// Level is the minimum level to write.
	Level Level `json:"level"`

	// Format is "json" (default) or "text".
	Format string `json:"format"`

	// Output is "stdout", "stderr" (default), or "file:/path".
	Output string `json:"output"`

	// IncludeToolInput logs raw tool arguments. When false, only a
	// SHA-256 prefix of the input is recorded.
	IncludeToolInput bool `json:"includeToolInput"`

	// IncludeToolOutput logs raw tool output. When false, only the
	// output size is recorded.
	IncludeToolOutput bool `json:"includeToolOutput"`

	// MaxFieldSize truncates logged fields. Default: 1024.
	MaxFieldSize int `json:"maxFieldSize"`

	// BufferSize is the async write buffer. Default: 256.
	BufferSize int `json:"bufferSize"`

	// RetainRecent keeps the last N events in memory for querying.
	// Default: 256.
	RetainRecent int `json:"retainRecent"`
}

// Logger writes audit events asynchronously and retains a bounded
// in-memory window of recent events for inspection.
type Logger struct {
	config  Config
	output  io.WriteCloser
	slogger *slog.Logger
	buffer  chan *Event
	done    chan struct{}
	wg      sync.WaitGroup

	mu     sync.Mutex
	recent []Event
}

// NewLogger creates an audit logger. When config.Enabled is false the
// returned logger drops all events.
func NewLogger(config Config) (*Logger, error) {
	if !config.Enabled {
		return &Logger{config: config}, nil
	}

	if config.Level == "" {
		config.Level = LevelInfo
	}
	if config.MaxFieldSize <= 0 {
		config.MaxFieldSize = 1024
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 256
	}
	if config.RetainRecent <= 0 {
		config.RetainRecent = 256
	}

	var output io.WriteCloser
	switch {
	case config.Output == "stderr" || config.Output == "":
		output = os.Stderr
	case config.Output == "stdout":
		output = os.Stdout
	case strings.HasPrefix(config.Output, "file:"):
		path := strings.TrimPrefix(config.Output, "file:")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open audit log file: %w", err)
		}
		output = f
	default:
		return nil, fmt.Errorf("unsupported audit output: %s", config.Output)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: slogLevel(config.Level)}
	if config.Format == "text" {
		handler = slog.NewTextHandler(output, opts)
	} else {
		handler = slog.NewJSONHandler(output, opts)
	}

	l := &Logger{
		config:  config,
		output:  output,
		slogger: slog.New(handler).With("component", "audit"),
		buffer:  make(chan *Event, config.BufferSize),
		done:    make(chan struct{}),
	}

	l.wg.Add(1)
	go l.writeLoop()

	return l, nil
}

// Close flushes buffered events and releases the output.
func (l *Logger) Close() error {
	if !l.config.Enabled {
		return nil
	}
	close(l.done)
	l.wg.Wait()
	if l.output != os.Stdout && l.output != os.Stderr {
		return l.output.Close()
	}
	return nil
}

// Log records an audit event.
func (l *Logger) Log(ctx context.Context, event *Event) {
	if !l.config.Enabled {
		return
	}
	if !l.shouldLog(event.Level) {
		return
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	l.retain(*event)

	select {
	case l.buffer <- event:
	default:
		// Buffer full; write synchronously rather than drop.
		l.writeEvent(event)
	}
}

// Recent returns up to n most recent events, newest last.
func (l *Logger) Recent(n int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 || n > len(l.recent) {
		n = len(l.recent)
	}
	out := make([]Event, n)
	copy(out, l.recent[len(l.recent)-n:])
	return out
}

// LogToolInvocation records a tool call about to execute.
func (l *Logger) LogToolInvocation(ctx context.Context, sessionID, toolName, toolCallID string, input json.RawMessage) {
	details := map[string]any{}
	if input != nil {
		if l.config.IncludeToolInput {
			details["input"] = l.truncate(string(input))
		} else {
			details["input_hash"] = hashString(string(input))
		}
	}
	l.Log(ctx, &Event{
		Type:       EventToolInvocation,
		Level:      LevelInfo,
		SessionID:  sessionID,
		ToolName:   toolName,
		ToolCallID: toolCallID,
		Action:     "tool_invoked",
		Details:    details,
	})
}

// LogToolCompletion records a finished tool call.
func (l *Logger) LogToolCompletion(ctx context.Context, sessionID, toolName, toolCallID string, success bool, output string, duration time.Duration) {
	level := LevelInfo
	if !success {
		level = LevelWarn
	}
	details := map[string]any{
		"success":     success,
		"duration_ms": duration.Milliseconds(),
	}
	if output != "" {
		if l.config.IncludeToolOutput {
			details["output"] = l.truncate(output)
		} else {
			details["output_size"] = len(output)
		}
	}
	l.Log(ctx, &Event{
		Type:       EventToolCompletion,
		Level:      level,
		SessionID:  sessionID,
		ToolName:   toolName,
		ToolCallID: toolCallID,
		Action:     "tool_completed",
		Details:    details,
		Duration:   duration,
	})
}

// LogToolDenied records a tool call rejected by policy.
func (l *Logger) LogToolDenied(ctx context.Context, sessionID, toolName, toolCallID, reason, ruleMatched string) {
	l.Log(ctx, &Event{
		Type:       EventToolDenied,
		Level:      LevelWarn,
		SessionID:  sessionID,
		ToolName:   toolName,
		ToolCallID: toolCallID,
		Action:     "tool_denied",
		Details: map[string]any{
			"reason":       reason,
			"rule_matched": ruleMatched,
		},
	})
}

// LogPermissionDecision records a permission grant or denial.
func (l *Logger) LogPermissionDecision(ctx context.Context, sessionID, toolName string, granted bool, source, reason string) {
	eventType := EventPermissionGranted
	level := LevelInfo
	if !granted {
		eventType = EventPermissionDenied
		level = LevelWarn
	}
	l.Log(ctx, &Event{
		Type:      eventType,
		Level:     level,
		SessionID: sessionID,
		ToolName:  toolName,
		Action:    "permission_decision",
		Details: map[string]any{
			"granted": granted,
			"source":  source,
			"reason":  reason,
		},
	})
}

// LogGuardrailBlock records a guardrail intervention.
func (l *Logger) LogGuardrailBlock(ctx context.Context, sessionID, hook, ruleID, reason string) {
	l.Log(ctx, &Event{
		Type:      EventGuardrailBlocked,
		Level:     LevelWarn,
		SessionID: sessionID,
		Action:    "guardrail_blocked",
		Details: map[string]any{
			"hook":    hook,
			"rule_id": ruleID,
			"reason":  reason,
		},
	})
}

// LogError records an error event.
func (l *Logger) LogError(ctx context.Context, sessionID, action, errorMsg string) {
	l.Log(ctx, &Event{
		Type:      EventAgentError,
		Level:     LevelError,
		SessionID: sessionID,
		Action:    action,
		Error:     errorMsg,
	})
}

func (l *Logger) retain(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recent = append(l.recent, event)
	if len(l.recent) > l.config.RetainRecent {
		l.recent = l.recent[len(l.recent)-l.config.RetainRecent:]
	}
}

func (l *Logger) writeLoop() {
	defer l.wg.Done()
	for {
		select {
		case event := <-l.buffer:
			l.writeEvent(event)
		case <-l.done:
			for {
				select {
				case event := <-l.buffer:
					l.writeEvent(event)
				default:
					return
				}
			}
		}
	}
}

func (l *Logger) writeEvent(event *Event) {
	attrs := []any{
		"audit_id", event.ID,
		"audit_type", string(event.Type),
		"action", event.Action,
		"timestamp", event.Timestamp.Format(time.RFC3339Nano),
	}
	if event.SessionID != "" {
		attrs = append(attrs, "session_id", event.SessionID)
	}
	if event.ToolName != "" {
		attrs = append(attrs, "tool_name", event.ToolName)
	}
	if event.ToolCallID != "" {
		attrs = append(attrs, "tool_call_id", event.ToolCallID)
	}
	if event.Duration > 0 {
		attrs = append(attrs, "duration_ms", event.Duration.Milliseconds())
	}
	if event.Error != "" {
		attrs = append(attrs, "error", event.Error)
	}
	for k, v := range event.Details {
		attrs = append(attrs, k, v)
	}

	switch event.Level {
	case LevelDebug:
		l.slogger.Debug("audit", attrs...)
	case LevelWarn:
		l.slogger.Warn("audit", attrs...)
	case LevelError:
		l.slogger.Error("audit", attrs...)
	default:
		l.slogger.Info("audit", attrs...)
	}
}

func (l *Logger) shouldLog(level Level) bool {
	order := map[Level]int{LevelDebug: 0, LevelInfo: 1, LevelWarn: 2, LevelError: 3}
	return order[level] >= order[l.config.Level]
}

func (l *Logger) truncate(s string) string {
	if len(s) > l.config.MaxFieldSize {
		return s[:l.config.MaxFieldSize] + "...(truncated)"
	}
	return s
}

func slogLevel(level Level) slog.Level {
	switch level {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// hashString returns the first 16 hex chars of the SHA-256 of s.
func hashString(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])[:16]
}
