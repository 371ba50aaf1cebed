// Package agent implements the execution loop for tool-using
// conversational agents: iterative LLM calls, stop-condition evaluation,
// tool dispatch through guardrail and permission checks, memory
// integration, and checkpoint/restore.
package agent

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/strandworks/strand/internal/agent/routing"
	"github.com/strandworks/strand/internal/audit"
	"github.com/strandworks/strand/internal/guardrail"
	"github.com/strandworks/strand/internal/memory"
	"github.com/strandworks/strand/internal/observability"
	"github.com/strandworks/strand/internal/permission"
	"github.com/strandworks/strand/internal/recovery"
	"github.com/strandworks/strand/pkg/models"
)

// Options configures an Agent. Provider is required; every other
// collaborator is optional and its integration point is skipped when nil.
type Options struct {
	Provider LLMProvider

	// Model overrides router selection when non-empty.
	Model        string
	SystemPrompt string

	// MaxTokens bounds each LLM response. Default 4096.
	MaxTokens   int
	Temperature float64

	// SessionID groups events, task state, and chunks. A fresh UUID is
	// assigned when empty.
	SessionID string

	Store     *memory.Store
	Retriever *memory.Retriever
	Compactor *memory.Compactor

	Guardrail   *guardrail.Engine
	Permissions *permission.Checker
	Audit       *audit.Logger
	Metrics     *observability.Metrics
	Logger      *observability.Logger

	Router *routing.Router

	// Recovery wraps LLM calls; ToolRecovery wraps opted-in tools.
	Recovery     *recovery.Policy
	ToolRecovery *recovery.Policy

	Evaluator      Evaluator
	MaxEvalRetries int

	Stop     StopConfig
	Executor ExecutorConfig

	// CheckpointInterval saves a checkpoint every N iterations.
	// 0 disables automatic checkpoints.
	CheckpointInterval int
}

// RunOptions are per-call overrides for Chat and Stream.
type RunOptions struct {
	// MaxIterations overrides the configured iteration limit.
	MaxIterations int

	// OnMaxIterations, when set, makes the iteration limit soft: the
	// callback decides whether to keep going.
	OnMaxIterations func(iteration int) bool
}

// StreamCallbacks receive incremental output during Stream.
type StreamCallbacks struct {
	OnToken      func(text string)
	OnToolCall   func(call models.ToolCall)
	OnToolResult func(result models.ToolCallResult)

	// OnError is invoked exactly once if the run fails.
	OnError func(err error)
}

// Agent runs the execution loop. One Agent serves one conversation;
// independent sessions use independent Agents.
type Agent struct {
	opts     Options
	registry *Registry
	executor *Executor
	machine  *Machine
	log      *observability.Logger

	mu        sync.Mutex
	history   []models.Message
	usage     models.Usage
	iteration int
}

// New creates an Agent. Returns ErrNoProvider if opts.Provider is nil.
func New(opts Options) (*Agent, error) {
	if opts.Provider == nil {
		return nil, ErrNoProvider
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 4096
	}
	if opts.SessionID == "" {
		opts.SessionID = uuid.NewString()
	}
	log := opts.Logger
	if log == nil {
		log = observability.NewLogger(observability.LogConfig{})
	}
	registry := NewRegistry()
	executor := NewExecutor(opts.Executor, ExecutorDeps{
		Guardrail:   opts.Guardrail,
		Permissions: opts.Permissions,
		Audit:       opts.Audit,
		Store:       opts.Store,
		Recovery:    opts.ToolRecovery,
		Metrics:     opts.Metrics,
		Logger:      log,
	})
	return &Agent{
		opts:     opts,
		registry: registry,
		executor: executor,
		machine:  NewMachine(),
		log:      log,
	}, nil
}

// Tools exposes the tool registry for registration.
func (a *Agent) Tools() *Registry { return a.registry }

// ConfigureTool sets per-tool pipeline overrides.
func (a *Agent) ConfigureTool(name string, cfg ToolConfig) {
	a.executor.ConfigureTool(name, cfg)
}

// State returns the current run state.
func (a *Agent) State() State { return a.machine.State() }

// SessionID returns the session this agent writes memory under.
func (a *Agent) SessionID() string { return a.opts.SessionID }

// History returns a copy of the conversation history.
func (a *Agent) History() []models.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]models.Message, len(a.history))
	copy(out, a.history)
	return out
}

// ExecutorMetrics returns the pipeline counters.
func (a *Agent) ExecutorMetrics() ExecutorMetricsSnapshot {
	return a.executor.Metrics()
}

// Pause suspends the run state machine.
func (a *Agent) Pause() error { return a.machine.Fire(EventPause) }

// Resume continues a paused run.
func (a *Agent) Resume() error { return a.machine.Fire(EventResume) }

// Chat runs the loop to completion and returns the final response.
func (a *Agent) Chat(ctx context.Context, input string, opts *RunOptions) (*models.Response, error) {
	return a.run(ctx, input, nil, opts, false)
}

// Stream runs the loop, emitting incremental output through the
// callbacks. Semantics are identical to Chat.
func (a *Agent) Stream(ctx context.Context, input string, cb StreamCallbacks, opts *RunOptions) (*models.Response, error) {
	resp, err := a.run(ctx, input, &cb, opts, true)
	if err != nil && cb.OnError != nil {
		cb.OnError(err)
	}
	return resp, err
}

// Complete is a single-turn call with no history and no tools.
func (a *Agent) Complete(ctx context.Context, prompt, systemOverride string) (string, error) {
	system := a.opts.SystemPrompt
	if systemOverride != "" {
		system = systemOverride
	}
	req := &CompletionRequest{
		Model:       a.opts.Model,
		System:      system,
		Messages:    []models.Message{{Role: models.RoleUser, Content: prompt}},
		MaxTokens:   a.opts.MaxTokens,
		Temperature: a.opts.Temperature,
	}
	turn, err := a.callModel(ctx, req, nil)
	if err != nil {
		return "", err
	}
	return turn.content, nil
}

// modelTurn is one collected LLM response.
type modelTurn struct {
	content   string
	toolCalls []models.ToolCall
	usage     models.Usage
}

func (a *Agent) run(ctx context.Context, input string, cb *StreamCallbacks, runOpts *RunOptions, streaming bool) (*models.Response, error) {
	if runOpts == nil {
		runOpts = &RunOptions{}
	}

	// Input guardrail: violations raise.
	if a.opts.Guardrail != nil {
		checks := a.opts.Guardrail.CheckInput(input)
		if a.opts.Guardrail.ShouldBlock(checks) {
			reason := a.opts.Guardrail.BlockReason(checks)
			if a.opts.Audit != nil {
				a.opts.Audit.LogGuardrailBlock(ctx, a.opts.SessionID, "input", "", reason)
			}
			_ = a.machine.Fire(EventError)
			return nil, &GuardrailBlockError{Hook: "input", Reason: reason}
		}
	}

	if err := a.machine.Fire(EventStart); err != nil {
		return nil, &LoopError{Phase: PhaseInit, Cause: err}
	}

	a.mu.Lock()
	a.history = append(a.history, models.Message{Role: models.RoleUser, Content: input})
	a.mu.Unlock()
	a.recordMessageEvent(ctx, models.EventUserMsg, input)

	stopCfg := a.opts.Stop
	if runOpts.MaxIterations != 0 {
		stopCfg.MaxIterations = runOpts.MaxIterations
	}
	soft := runOpts.OnMaxIterations != nil || stopCfg.Unbounded
	checker := NewStopChecker(stopCfg, soft)

	// Snapshot the tool set so mid-run registration does not affect
	// this run's in-flight iterations.
	tools := a.registry.Snapshot()
	toolList := a.registry.List()

	memoryContext := a.retrieveContext(ctx, input)

	var (
		start         = time.Now()
		results       []models.ToolCallResult
		lastContent   string
		lastToolNames []string
		consecFails   int
		evalRetries   int
		summaryLine   string
		iteration     int
	)

	for {
		iteration++
		a.mu.Lock()
		a.iteration = iteration
		usage := a.usage
		a.mu.Unlock()

		if err := ctx.Err(); err != nil {
			return nil, a.fail(ctx, PhaseInit, iteration, ErrAborted)
		}

		stats := StopStats{
			Iteration:           iteration,
			ToolCalls:           len(results),
			TotalTokens:         usage.TotalTokens,
			CompletionTokens:    usage.CompletionTokens,
			Elapsed:             time.Since(start),
			Cost:                checker.Cost(usage.PromptTokens, usage.CompletionTokens),
			ConsecutiveFailures: consecFails,
			LastContent:         lastContent,
			LastToolNames:       lastToolNames,
		}
		stop, err := checker.Check(ctx, stats)
		if err != nil {
			return nil, a.fail(ctx, PhaseStopCheck, iteration, err)
		}
		if stop.Stop {
			if stop.IterationLimit && stop.Kind == StopSoft && runOpts.OnMaxIterations != nil &&
				runOpts.OnMaxIterations(iteration) {
				if streaming {
					// Legacy stream semantics: the counter resets and
					// the checker sees the restarted count.
					iteration = 0
				} else {
					checker.Extend(checker.MaxIterations())
				}
				continue
			}
			return a.finish(ctx, StoppedMessage(stop.Reason), results, false)
		}

		if a.opts.CheckpointInterval > 0 && a.opts.Store != nil &&
			iteration%a.opts.CheckpointInterval == 0 {
			if _, err := a.Checkpoint(ctx, ""); err != nil {
				a.log.Warn(ctx, "checkpoint failed", "error", err, "iteration", iteration)
			}
		}

		model, tierName := a.selectModel(len(toolList) > 0)
		req := &CompletionRequest{
			Model:       model,
			System:      a.systemPrompt(memoryContext, summaryLine),
			Messages:    a.History(),
			Tools:       toolList,
			MaxTokens:   a.opts.MaxTokens,
			Temperature: a.opts.Temperature,
		}

		llmStart := time.Now()
		turn, err := a.callModel(ctx, req, cb)
		llmDur := time.Since(llmStart)
		if err != nil {
			if a.opts.Metrics != nil {
				a.opts.Metrics.RecordLLMRequest(a.opts.Provider.Name(), model, "error", llmDur.Seconds(), 0, 0)
			}
			return nil, a.fail(ctx, PhaseLLM, iteration, err)
		}
		consecFails = 0

		a.mu.Lock()
		a.usage.Add(turn.usage)
		a.mu.Unlock()
		if a.opts.Metrics != nil {
			a.opts.Metrics.RecordLLMRequest(a.opts.Provider.Name(), model, "success",
				llmDur.Seconds(), turn.usage.PromptTokens, turn.usage.CompletionTokens)
		}
		if a.opts.Router != nil && tierName != "" {
			a.opts.Router.RecordUsage(tierName, turn.usage.PromptTokens, turn.usage.CompletionTokens)
		}
		if a.opts.Compactor != nil {
			a.opts.Compactor.AddUsage(turn.usage.PromptTokens, turn.usage.CompletionTokens)
			if line := a.maybeCompact(ctx); line != "" {
				summaryLine = line
			}
		}
		lastContent = turn.content

		if len(turn.toolCalls) == 0 {
			final := turn.content
			if a.opts.Guardrail != nil {
				filtered, checks := a.opts.Guardrail.FilterOutput(final)
				if filtered != final {
					if a.opts.Audit != nil {
						a.opts.Audit.LogGuardrailBlock(ctx, a.opts.SessionID, "output",
							"", a.opts.Guardrail.BlockReason(checks))
					}
					final = filtered
				}
			}
			if a.opts.Evaluator != nil && evalRetries < a.opts.MaxEvalRetries {
				eval, evalErr := a.opts.Evaluator.Evaluate(ctx, final, EvalContext{
					Request:     input,
					ToolResults: results,
					Retry:       evalRetries,
					MaxRetries:  a.opts.MaxEvalRetries,
				})
				if evalErr == nil && eval != nil && !eval.Passed {
					evalRetries++
					a.mu.Lock()
					a.history = append(a.history,
						models.Message{Role: models.RoleAssistant, Content: final},
						models.Message{Role: models.RoleUser, Content: FeedbackMessage(eval)})
					a.mu.Unlock()
					continue
				}
			}
			return a.finish(ctx, final, results, true)
		}

		// Tool round: append the assistant turn, dispatch, append the
		// results in emission order.
		a.mu.Lock()
		a.history = append(a.history, models.Message{
			Role:      models.RoleAssistant,
			Content:   turn.content,
			ToolCalls: turn.toolCalls,
		})
		a.mu.Unlock()

		if cb != nil && cb.OnToolCall != nil {
			for _, call := range turn.toolCalls {
				cb.OnToolCall(call)
			}
		}

		if err := a.machine.Fire(EventToolStart); err != nil {
			return nil, a.fail(ctx, PhaseExecuteTools, iteration, err)
		}
		execResults := a.executor.Dispatch(ctx, a.opts.SessionID, tools, turn.toolCalls)
		_ = a.machine.Fire(EventToolEnd)

		anyFailed := false
		lastToolNames = lastToolNames[:0]
		for _, r := range execResults {
			content := r.Content
			if !streaming && r.Warning != "" {
				// Chat surfaces argument-parse warnings in the result
				// string; stream only logs them.
				content = "Warning: " + r.Warning
				if r.Content != "" {
					content += "\n" + r.Content
				}
			}

			a.mu.Lock()
			a.history = append(a.history, models.Message{
				Role:       models.RoleTool,
				Content:    content,
				ToolCallID: r.ToolCallID,
			})
			a.mu.Unlock()

			tcr := models.ToolCallResult{Name: r.ToolName, Args: r.Args, Result: content}
			results = append(results, tcr)
			lastToolNames = append(lastToolNames, r.ToolName)
			if cb != nil && cb.OnToolResult != nil {
				cb.OnToolResult(tcr)
			}
			if r.IsError {
				anyFailed = true
			}
			if a.opts.Compactor != nil {
				// One TOOL_CALL and one TOOL_RESULT event per call.
				a.opts.Compactor.RecordEvent()
				a.opts.Compactor.RecordEvent()
			}
		}
		if anyFailed {
			consecFails++
		} else {
			consecFails = 0
		}
	}
}

// finish commits the final assistant message and completes the run.
func (a *Agent) finish(ctx context.Context, content string, results []models.ToolCallResult, commit bool) (*models.Response, error) {
	if commit {
		a.mu.Lock()
		a.history = append(a.history, models.Message{Role: models.RoleAssistant, Content: content})
		a.mu.Unlock()
		a.recordMessageEvent(ctx, models.EventAssistantMsg, content)
	}
	_ = a.machine.Fire(EventComplete)

	a.mu.Lock()
	usage := a.usage
	a.mu.Unlock()
	resp := &models.Response{Content: content, ToolCalls: results}
	if usage.TotalTokens > 0 {
		resp.Usage = &usage
	}
	return resp, nil
}

// fail transitions to the error state and wraps the cause with loop
// context. Stream's OnError hook fires in the Stream wrapper.
func (a *Agent) fail(ctx context.Context, phase LoopPhase, iteration int, cause error) error {
	_ = a.machine.Fire(EventError)
	if a.opts.Metrics != nil {
		a.opts.Metrics.RecordError("loop", string(phase))
	}
	if a.opts.Audit != nil {
		a.opts.Audit.LogError(ctx, a.opts.SessionID, string(phase), cause.Error())
	}
	a.log.Error(ctx, "run failed", "phase", phase, "iteration", iteration, "error", cause)
	return &LoopError{Phase: phase, Iteration: iteration, Cause: cause}
}

// callModel invokes the provider through the recovery policy, collecting
// the streamed chunks into one turn.
func (a *Agent) callModel(ctx context.Context, req *CompletionRequest, cb *StreamCallbacks) (*modelTurn, error) {
	call := func(ctx context.Context) (*modelTurn, error) {
		return a.collect(ctx, req, cb)
	}
	if a.opts.Recovery != nil {
		return recovery.ExecuteWithValue(ctx, a.opts.Recovery, "llm", call)
	}
	return call(ctx)
}

func (a *Agent) collect(ctx context.Context, req *CompletionRequest, cb *StreamCallbacks) (*modelTurn, error) {
	ch, err := a.opts.Provider.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	turn := &modelTurn{}
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case chunk, ok := <-ch:
			if !ok {
				return turn, nil
			}
			if chunk.Error != nil {
				return nil, chunk.Error
			}
			if chunk.ToolCall != nil {
				turn.toolCalls = append(turn.toolCalls, *chunk.ToolCall)
			}
			if chunk.Text != "" {
				turn.content += chunk.Text
				if cb != nil && cb.OnToken != nil {
					cb.OnToken(chunk.Text)
				}
			}
			if chunk.Done {
				turn.usage = models.Usage{
					PromptTokens:     chunk.InputTokens,
					CompletionTokens: chunk.OutputTokens,
					TotalTokens:      chunk.InputTokens + chunk.OutputTokens,
				}
			}
		}
	}
}

// selectModel routes the iteration through the router when one is
// configured. An explicit Options.Model always wins.
func (a *Agent) selectModel(toolsInPlay bool) (model, tierName string) {
	model = a.opts.Model
	if a.opts.Router == nil {
		return model, ""
	}
	task := routing.TaskConversation
	if toolsInPlay {
		task = routing.TaskToolSelection
	}
	tier, err := a.opts.Router.Route(task)
	if err != nil {
		return model, ""
	}
	if a.opts.Metrics != nil {
		a.opts.Metrics.RecordRouterDecision(tier.Name, tier.ModelID)
	}
	if model == "" {
		model = tier.ModelID
	}
	return model, tier.Name
}

// retrieveContext assembles the memory bundle for prompt injection.
func (a *Agent) retrieveContext(ctx context.Context, query string) string {
	if a.opts.Retriever == nil {
		return ""
	}
	bundle, err := a.opts.Retriever.Retrieve(ctx, memory.RetrieveOptions{
		SessionID: a.opts.SessionID,
		Query:     query,
	})
	if err != nil {
		a.log.Warn(ctx, "memory retrieval failed", "error", err)
		return ""
	}
	return memory.Inject(bundle)
}

// maybeCompact runs a compaction cycle when the health check demands it
// and returns the summary line to inject into the next system prompt.
func (a *Agent) maybeCompact(ctx context.Context) string {
	health := a.opts.Compactor.CheckHealth()
	if health != memory.HealthFlushNow && health != memory.HealthCritical {
		return ""
	}
	summary, err := a.opts.Compactor.Flush(ctx, a.opts.SessionID)
	if err != nil {
		a.log.Warn(ctx, "compaction flush failed", "error", err)
		if a.opts.Metrics != nil {
			a.opts.Metrics.RecordCompaction(a.opts.SessionID, "error", a.opts.Compactor.Utilization())
		}
		return ""
	}
	if a.opts.Metrics != nil {
		a.opts.Metrics.RecordCompaction(a.opts.SessionID, "success", a.opts.Compactor.Utilization())
	}
	return summary.Short
}

// systemPrompt composes the system prompt with memory context and any
// compaction summary carried from a previous iteration.
func (a *Agent) systemPrompt(memoryContext, summaryLine string) string {
	parts := make([]string, 0, 3)
	if a.opts.SystemPrompt != "" {
		parts = append(parts, a.opts.SystemPrompt)
	}
	if memoryContext != "" {
		parts = append(parts, memoryContext)
	}
	if summaryLine != "" {
		parts = append(parts, "## Session Summary\n\n"+summaryLine)
	}
	return strings.Join(parts, "\n\n")
}

// recordMessageEvent appends a USER_MSG or ASSISTANT_MSG memory event.
func (a *Agent) recordMessageEvent(ctx context.Context, eventType models.EventType, content string) {
	if a.opts.Store == nil {
		return
	}
	event := &models.MemoryEvent{
		Type:      eventType,
		SessionID: a.opts.SessionID,
		Timestamp: time.Now().UTC(),
		Summary:   truncateSummary(content),
		Payload:   map[string]any{"content": content},
	}
	if err := a.opts.Store.AppendEvent(ctx, event); err != nil {
		a.log.Warn(ctx, "failed to record message event", "error", err, "type", string(eventType))
	} else if a.opts.Compactor != nil {
		a.opts.Compactor.RecordEvent()
	}
}

// Checkpoint saves the loop state and returns the checkpoint id.
func (a *Agent) Checkpoint(ctx context.Context, name string) (string, error) {
	if a.opts.Store == nil {
		return "", nil
	}
	a.mu.Lock()
	state := checkpointState{
		History:   append([]models.Message(nil), a.history...),
		Iteration: a.iteration,
		Usage:     a.usage,
	}
	a.mu.Unlock()

	if task, err := a.opts.Store.GetCurrentTask(ctx, a.opts.SessionID); err == nil {
		state.TaskID = task.ID
		state.Plan = task.Plan
	}

	data, err := json.Marshal(state)
	if err != nil {
		return "", err
	}
	record := &models.CheckpointRecord{
		ID:        uuid.NewString(),
		Name:      name,
		State:     data,
		CreatedAt: time.Now().UTC(),
	}
	if err := a.opts.Store.SaveCheckpoint(ctx, record); err != nil {
		return "", err
	}
	return record.ID, nil
}

// Restore rewinds the agent to a saved checkpoint, discarding any
// history accumulated since.
func (a *Agent) Restore(ctx context.Context, id string) error {
	if a.opts.Store == nil {
		return memory.ErrNotFound
	}
	record, err := a.opts.Store.GetCheckpoint(ctx, id)
	if err != nil {
		return err
	}
	var state checkpointState
	if err := json.Unmarshal(record.State, &state); err != nil {
		return err
	}
	a.mu.Lock()
	a.history = state.History
	a.iteration = state.Iteration
	a.usage = state.Usage
	a.mu.Unlock()
	return a.machine.Fire(EventRestore)
}
