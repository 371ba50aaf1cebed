package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/strandworks/strand/internal/audit"
	"github.com/strandworks/strand/internal/guardrail"
	"github.com/strandworks/strand/internal/memory"
	"github.com/strandworks/strand/internal/observability"
	"github.com/strandworks/strand/internal/permission"
	"github.com/strandworks/strand/internal/recovery"
	"github.com/strandworks/strand/pkg/models"
)

// ExecutorConfig configures the tool dispatch pipeline.
type ExecutorConfig struct {
	// Parallel dispatches the calls of one model response concurrently.
	Parallel bool

	// MaxConcurrentTools bounds parallel dispatch. 0 means unbounded.
	MaxConcurrentTools int

	// DefaultTimeout applies to tools without a per-tool override.
	// Default: 30s.
	DefaultTimeout time.Duration
}

// DefaultExecutorConfig returns the default pipeline configuration.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		Parallel:       true,
		DefaultTimeout: 30 * time.Second,
	}
}

// ToolConfig holds per-tool overrides.
type ToolConfig struct {
	// Timeout overrides the default execution timeout.
	Timeout time.Duration

	// Retryable opts the tool into the tool-recovery policy. Tools are
	// not retried by default since most are not idempotent.
	Retryable bool

	// Category feeds the permission policy's category defaults
	// (e.g. "filesystem-write").
	Category string
}

// ExecutionResult is the outcome of one pipeline pass for one call.
type ExecutionResult struct {
	ToolCallID string
	ToolName   string
	Args       json.RawMessage
	Content    string
	IsError    bool

	// Warning carries non-fatal pipeline notes, such as an argument
	// parse failure that was tolerated.
	Warning string

	Duration time.Duration
	Attempts int

	// Executed is false when a pipeline stage rejected the call before
	// the tool ran (unknown tool, guardrail block, permission denial).
	Executed bool
}

// ExecutorMetrics tracks cumulative pipeline counters.
type ExecutorMetrics struct {
	mu              sync.Mutex
	TotalExecutions int64
	TotalRetries    int64
	TotalFailures   int64
	TotalTimeouts   int64
	TotalPanics     int64
	TotalDenied     int64
}

// ExecutorMetricsSnapshot is a point-in-time copy of the counters.
type ExecutorMetricsSnapshot struct {
	TotalExecutions int64
	TotalRetries    int64
	TotalFailures   int64
	TotalTimeouts   int64
	TotalPanics     int64
	TotalDenied     int64
}

// Executor runs tool calls through the dispatch pipeline: lookup, parse,
// guardrail, permission, timeout-bounded execution with optional retry,
// and event recording. Safe for concurrent use.
type Executor struct {
	cfg      ExecutorConfig
	guard    *guardrail.Engine
	perms    *permission.Checker
	auditor  *audit.Logger
	store    *memory.Store
	recovery *recovery.Policy
	metrics  *observability.Metrics
	log      *observability.Logger

	mu       sync.RWMutex
	toolCfg  map[string]ToolConfig
	counters ExecutorMetrics

	sem chan struct{}
}

// ExecutorDeps bundles the collaborators the pipeline consults. Any of
// them may be nil; the corresponding stage is skipped.
type ExecutorDeps struct {
	Guardrail   *guardrail.Engine
	Permissions *permission.Checker
	Audit       *audit.Logger
	Store       *memory.Store
	Recovery    *recovery.Policy
	Metrics     *observability.Metrics
	Logger      *observability.Logger
}

// NewExecutor creates a pipeline executor.
func NewExecutor(cfg ExecutorConfig, deps ExecutorDeps) *Executor {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	e := &Executor{
		cfg:      cfg,
		guard:    deps.Guardrail,
		perms:    deps.Permissions,
		auditor:  deps.Audit,
		store:    deps.Store,
		recovery: deps.Recovery,
		metrics:  deps.Metrics,
		log:      deps.Logger,
		toolCfg:  make(map[string]ToolConfig),
	}
	if cfg.MaxConcurrentTools > 0 {
		e.sem = make(chan struct{}, cfg.MaxConcurrentTools)
	}
	return e
}

// ConfigureTool sets per-tool overrides.
func (e *Executor) ConfigureTool(name string, cfg ToolConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.toolCfg[name] = cfg
}

func (e *Executor) toolConfig(name string) ToolConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.toolCfg[name]
}

// Metrics returns a snapshot of the pipeline counters.
func (e *Executor) Metrics() ExecutorMetricsSnapshot {
	e.counters.mu.Lock()
	defer e.counters.mu.Unlock()
	return ExecutorMetricsSnapshot{
		TotalExecutions: e.counters.TotalExecutions,
		TotalRetries:    e.counters.TotalRetries,
		TotalFailures:   e.counters.TotalFailures,
		TotalTimeouts:   e.counters.TotalTimeouts,
		TotalPanics:     e.counters.TotalPanics,
		TotalDenied:     e.counters.TotalDenied,
	}
}

// Dispatch runs all calls of one model response through the pipeline.
// Results preserve the order the model emitted the calls, regardless of
// completion order.
func (e *Executor) Dispatch(ctx context.Context, sessionID string, tools map[string]Tool, calls []models.ToolCall) []*ExecutionResult {
	if len(calls) == 0 {
		return nil
	}
	results := make([]*ExecutionResult, len(calls))

	if !e.cfg.Parallel {
		for i, call := range calls {
			results[i] = e.execute(ctx, sessionID, tools, call)
		}
		return results
	}

	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(idx int, tc models.ToolCall) {
			defer wg.Done()
			if e.sem != nil {
				select {
				case e.sem <- struct{}{}:
					defer func() { <-e.sem }()
				case <-ctx.Done():
					results[idx] = &ExecutionResult{
						ToolCallID: tc.ID,
						ToolName:   tc.Name,
						Content:    ToolFailureMessage(ctx.Err().Error()),
						IsError:    true,
					}
					return
				}
			}
			results[idx] = e.execute(ctx, sessionID, tools, tc)
		}(i, call)
	}
	wg.Wait()
	return results
}

// execute runs the full pipeline for one call.
func (e *Executor) execute(ctx context.Context, sessionID string, tools map[string]Tool, call models.ToolCall) *ExecutionResult {
	start := time.Now()
	res := &ExecutionResult{ToolCallID: call.ID, ToolName: call.Name}

	// Lookup.
	tool, ok := tools[call.Name]
	if !ok || len(call.Name) > MaxToolNameLength {
		res.Content = UnknownToolMessage(call.Name)
		res.IsError = true
		res.Duration = time.Since(start)
		e.recordOutcome(ctx, sessionID, call, res, nil)
		return res
	}

	// Parse. Bad JSON degrades to an empty object; the run continues.
	args, parseWarning := parseArguments(call.Arguments)
	res.Args = args
	res.Warning = parseWarning
	if parseWarning != "" && e.log != nil {
		e.log.Warn(ctx, "tool arguments were not valid JSON",
			"tool", call.Name, "tool_call_id", call.ID)
	}

	// Guardrail.
	if e.guard != nil {
		checks := e.guard.CheckToolCall(call.Name, args)
		if e.guard.ShouldBlock(checks) {
			reason := e.guard.BlockReason(checks)
			res.Content = ToolFailureMessage(reason)
			res.IsError = true
			res.Duration = time.Since(start)
			if e.auditor != nil {
				e.auditor.LogGuardrailBlock(ctx, sessionID, "tool_call", call.Name, reason)
			}
			e.recordOutcome(ctx, sessionID, call, res, args)
			return res
		}
	}

	// Permission.
	cfg := e.toolConfig(call.Name)
	if e.perms != nil {
		decision, err := e.perms.Check(ctx, sessionID, call.Name, cfg.Category, args)
		if err != nil {
			res.Content = ToolFailureMessage(err.Error())
			res.IsError = true
			res.Duration = time.Since(start)
			e.recordOutcome(ctx, sessionID, call, res, args)
			return res
		}
		if !decision.Allowed {
			res.Content = PermissionDeniedMessage(call.Name)
			res.IsError = true
			res.Duration = time.Since(start)
			e.counters.mu.Lock()
			e.counters.TotalDenied++
			e.counters.mu.Unlock()
			if e.auditor != nil {
				e.auditor.LogToolDenied(ctx, sessionID, call.Name, call.ID, decision.Reason, decision.Source)
			}
			e.recordOutcome(ctx, sessionID, call, res, args)
			return res
		}
	}

	if e.auditor != nil {
		e.auditor.LogToolInvocation(ctx, sessionID, call.Name, call.ID, args)
	}
	callEventID := e.recordCallEvent(ctx, sessionID, call, args)

	// Execute, optionally under the tool-recovery policy.
	timeout := e.cfg.DefaultTimeout
	if cfg.Timeout > 0 {
		timeout = cfg.Timeout
	}

	var out *ToolResult
	var err error
	attempts := 0
	if cfg.Retryable && e.recovery != nil {
		out, err = recovery.ExecuteWithValue(ctx, e.recovery, "tool:"+call.Name,
			func(ctx context.Context) (*ToolResult, error) {
				attempts++
				return e.executeWithTimeout(ctx, tool, call, args, timeout)
			})
	} else {
		attempts = 1
		out, err = e.executeWithTimeout(ctx, tool, call, args, timeout)
	}
	res.Attempts = attempts
	res.Executed = true
	res.Duration = time.Since(start)

	if err != nil {
		res.Content = ToolFailureMessage(errorMessage(err))
		res.IsError = true
	} else if out != nil {
		res.Content = out.Content
		res.IsError = out.IsError
		if out.IsError {
			res.Content = ToolFailureMessage(out.Content)
		}
	}

	e.tally(err, attempts)
	e.recordResultEvent(ctx, sessionID, call, callEventID, res)
	if e.auditor != nil {
		e.auditor.LogToolCompletion(ctx, sessionID, call.Name, call.ID, !res.IsError, res.Content, res.Duration)
	}
	if e.metrics != nil {
		status := "success"
		if res.IsError {
			status = "error"
		}
		e.metrics.RecordToolExecution(call.Name, status, res.Duration.Seconds())
	}
	return res
}

// executeWithTimeout races the tool against a timer and contains panics.
func (e *Executor) executeWithTimeout(ctx context.Context, tool Tool, call models.ToolCall, args json.RawMessage, timeout time.Duration) (*ToolResult, error) {
	if len(args) > MaxToolParamsSize {
		return nil, NewToolError(call.Name,
			fmt.Errorf("tool parameters exceed maximum size of %d bytes", MaxToolParamsSize)).
			WithType(ToolErrorInvalidInput).WithToolCallID(call.ID)
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type execResult struct {
		result *ToolResult
		err    error
	}
	resultCh := make(chan execResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				stack := debug.Stack()
				err := NewToolError(call.Name, fmt.Errorf("panic: %v\n%s", r, stack)).
					WithType(ToolErrorPanic).
					WithToolCallID(call.ID)
				resultCh <- execResult{err: err}
			}
		}()
		result, err := tool.Execute(execCtx, args)
		if err != nil {
			resultCh <- execResult{err: NewToolError(call.Name, err).WithToolCallID(call.ID)}
			return
		}
		resultCh <- execResult{result: result}
	}()

	select {
	case r := <-resultCh:
		return r.result, r.err
	case <-execCtx.Done():
		if ctx.Err() != nil {
			return nil, NewToolError(call.Name, ctx.Err()).
				WithType(ToolErrorTimeout).
				WithToolCallID(call.ID).
				WithMessage("context cancelled")
		}
		return nil, NewToolError(call.Name, ErrToolTimeout).
			WithType(ToolErrorTimeout).
			WithToolCallID(call.ID).
			WithMessage(fmt.Sprintf("tool %q timed out after %s", call.Name, timeout))
	}
}

// recordCallEvent appends the TOOL_CALL event and returns its id so the
// result event can link back to it.
func (e *Executor) recordCallEvent(ctx context.Context, sessionID string, call models.ToolCall, args json.RawMessage) string {
	if e.store == nil {
		return ""
	}
	event := &models.MemoryEvent{
		Type:      models.EventToolCall,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Summary:   "tool call: " + call.Name,
		Payload:   map[string]any{"tool": call.Name, "args": string(args), "tool_call_id": call.ID},
	}
	if err := e.store.AppendEvent(ctx, event); err != nil {
		if e.log != nil {
			e.log.Warn(ctx, "failed to record tool call event", "error", err, "tool", call.Name)
		}
		return ""
	}
	return event.ID
}

// recordResultEvent appends the TOOL_RESULT event with the parent link.
func (e *Executor) recordResultEvent(ctx context.Context, sessionID string, call models.ToolCall, parentID string, res *ExecutionResult) {
	if e.store == nil {
		return
	}
	event := &models.MemoryEvent{
		Type:      models.EventToolResult,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		ParentID:  parentID,
		Summary:   truncateSummary(res.Content),
		Payload:   map[string]any{"tool": call.Name, "result": res.Content, "is_error": res.IsError},
	}
	if err := e.store.AppendEvent(ctx, event); err != nil && e.log != nil {
		e.log.Warn(ctx, "failed to record tool result event", "error", err, "tool", call.Name)
	}
}

// recordOutcome records events and metrics for calls rejected before the
// tool ran.
func (e *Executor) recordOutcome(ctx context.Context, sessionID string, call models.ToolCall, res *ExecutionResult, args json.RawMessage) {
	callEventID := ""
	if args != nil {
		callEventID = e.recordCallEvent(ctx, sessionID, call, args)
	}
	if callEventID != "" {
		e.recordResultEvent(ctx, sessionID, call, callEventID, res)
	}
	e.counters.mu.Lock()
	e.counters.TotalFailures++
	e.counters.mu.Unlock()
	if e.metrics != nil {
		e.metrics.RecordToolExecution(call.Name, "rejected", res.Duration.Seconds())
	}
}

func (e *Executor) tally(err error, attempts int) {
	e.counters.mu.Lock()
	defer e.counters.mu.Unlock()
	e.counters.TotalExecutions++
	if attempts > 1 {
		e.counters.TotalRetries += int64(attempts - 1)
	}
	if err == nil {
		return
	}
	e.counters.TotalFailures++
	if toolErr, ok := GetToolError(err); ok {
		switch toolErr.Type {
		case ToolErrorTimeout:
			e.counters.TotalTimeouts++
		case ToolErrorPanic:
			e.counters.TotalPanics++
		}
	}
}

// parseArguments validates the model-supplied argument JSON, degrading
// malformed input to an empty object.
func parseArguments(raw string) (json.RawMessage, string) {
	if raw == "" {
		return json.RawMessage("{}"), ""
	}
	if !json.Valid([]byte(raw)) {
		return json.RawMessage("{}"), fmt.Sprintf("invalid tool arguments %q, using empty object", truncateSummary(raw))
	}
	return json.RawMessage(raw), ""
}

func errorMessage(err error) string {
	if toolErr, ok := GetToolError(err); ok && toolErr.Message != "" {
		return toolErr.Message
	}
	return err.Error()
}

func truncateSummary(s string) string {
	const max = 200
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
