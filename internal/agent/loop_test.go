package agent

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/strandworks/strand/internal/memory"
	"github.com/strandworks/strand/internal/permission"
	"github.com/strandworks/strand/pkg/models"
)

// providerTurn scripts one LLM response.
type providerTurn struct {
	text      string
	toolCalls []models.ToolCall
	inTokens  int
	outTokens int
	err       error
}

// scriptedProvider replays scripted turns. The last turn repeats if the
// loop asks for more.
type scriptedProvider struct {
	mu      sync.Mutex
	turns   []providerTurn
	calls   int
	systems []string
}

func (p *scriptedProvider) Complete(_ context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	p.mu.Lock()
	idx := p.calls
	p.calls++
	p.systems = append(p.systems, req.System)
	if idx >= len(p.turns) {
		idx = len(p.turns) - 1
	}
	turn := p.turns[idx]
	p.mu.Unlock()

	if turn.err != nil {
		return nil, turn.err
	}

	ch := make(chan *CompletionChunk, len(turn.toolCalls)+2)
	for i := range turn.toolCalls {
		tc := turn.toolCalls[i]
		ch <- &CompletionChunk{ToolCall: &tc}
	}
	if turn.text != "" {
		ch <- &CompletionChunk{Text: turn.text}
	}
	ch <- &CompletionChunk{Done: true, InputTokens: turn.inTokens, OutputTokens: turn.outTokens}
	close(ch)
	return ch, nil
}

func (p *scriptedProvider) Name() string        { return "scripted" }
func (p *scriptedProvider) Models() []Model     { return nil }
func (p *scriptedProvider) SupportsTools() bool { return true }

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *scriptedProvider) systemAt(i int) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i >= len(p.systems) {
		return ""
	}
	return p.systems[i]
}

func newAgentStore(t *testing.T) *memory.Store {
	t.Helper()
	s, err := memory.Open(memory.Config{
		Path:      filepath.Join(t.TempDir(), "mem.db"),
		Dimension: 4,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func echoTool() Tool {
	return &FuncTool{
		ToolName:        "echo",
		ToolDescription: "echoes back the given text",
		ToolSchema:      json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
		Fn: func(_ context.Context, params json.RawMessage) (*ToolResult, error) {
			var in struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(params, &in); err != nil {
				return nil, err
			}
			return &ToolResult{Content: in.Text}, nil
		},
	}
}

func sleepTool(name, output string, d time.Duration) Tool {
	return &FuncTool{
		ToolName:        name,
		ToolDescription: "sleeps then answers",
		ToolSchema:      json.RawMessage(`{"type":"object"}`),
		Fn: func(ctx context.Context, _ json.RawMessage) (*ToolResult, error) {
			select {
			case <-time.After(d):
				return &ToolResult{Content: output}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
}

func TestChatSingleTurnNoTools(t *testing.T) {
	store := newAgentStore(t)
	provider := &scriptedProvider{turns: []providerTurn{{text: "Hi.", inTokens: 5, outTokens: 2}}}

	a, err := New(Options{Provider: provider, Store: store, SessionID: "s1"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	resp, err := a.Chat(context.Background(), "hello", nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "Hi." {
		t.Errorf("content = %q, want Hi.", resp.Content)
	}
	if len(resp.ToolCalls) != 0 {
		t.Errorf("unexpected tool calls: %v", resp.ToolCalls)
	}
	if provider.callCount() != 1 {
		t.Errorf("LLM calls = %d, want 1", provider.callCount())
	}
	if a.State() != StateCompleted {
		t.Errorf("state = %s, want completed", a.State())
	}

	hist := a.History()
	if len(hist) != 2 || hist[0].Role != models.RoleUser || hist[1].Role != models.RoleAssistant {
		t.Errorf("history = %+v, want [user, assistant]", hist)
	}

	// Events newest-first: ASSISTANT_MSG then USER_MSG.
	events, err := store.QueryEvents(context.Background(), memory.EventQuery{SessionID: "s1"})
	if err != nil {
		t.Fatalf("QueryEvents: %v", err)
	}
	if len(events) != 2 || events[0].Type != models.EventAssistantMsg || events[1].Type != models.EventUserMsg {
		t.Errorf("events = %v", eventTypes(events))
	}
}

func TestChatOneToolEcho(t *testing.T) {
	store := newAgentStore(t)
	provider := &scriptedProvider{turns: []providerTurn{
		{toolCalls: []models.ToolCall{{ID: "call-1", Name: "echo", Arguments: `{"text":"hi"}`}}},
		{text: "hi"},
	}}

	a, err := New(Options{Provider: provider, Store: store, SessionID: "s1"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a.Tools().Register(echoTool())

	resp, err := a.Chat(context.Background(), "use echo to say hi", nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "hi" {
		t.Errorf("content = %q", resp.Content)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "echo" || resp.ToolCalls[0].Result != "hi" {
		t.Errorf("tool calls = %+v", resp.ToolCalls)
	}
	if provider.callCount() != 2 {
		t.Errorf("LLM calls = %d, want 2", provider.callCount())
	}

	events, err := store.QueryEvents(context.Background(), memory.EventQuery{
		SessionID: "s1",
		Types:     []models.EventType{models.EventToolCall, models.EventToolResult},
	})
	if err != nil {
		t.Fatalf("QueryEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("tool events = %v", eventTypes(events))
	}
	// Newest-first: TOOL_RESULT then TOOL_CALL.
	result, call := events[0], events[1]
	if call.Type != models.EventToolCall || call.ParentID != "" {
		t.Errorf("tool call event = %+v", call)
	}
	if result.Type != models.EventToolResult || result.ParentID != call.ID {
		t.Errorf("tool result parent = %q, want %q", result.ParentID, call.ID)
	}
}

func TestParallelToolsPreserveEmissionOrder(t *testing.T) {
	calls := []models.ToolCall{
		{ID: "c1", Name: "slow_a", Arguments: `{}`},
		{ID: "c2", Name: "slow_b", Arguments: `{}`},
	}
	provider := &scriptedProvider{turns: []providerTurn{
		{toolCalls: calls},
		{text: "done"},
	}}

	a, err := New(Options{
		Provider: provider,
		Executor: ExecutorConfig{Parallel: true, MaxConcurrentTools: 2, DefaultTimeout: 5 * time.Second},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a.Tools().Register(sleepTool("slow_a", "A", 200*time.Millisecond))
	a.Tools().Register(sleepTool("slow_b", "B", 100*time.Millisecond))

	start := time.Now()
	resp, err := a.Chat(context.Background(), "run both", nil)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if elapsed >= 350*time.Millisecond {
		t.Errorf("parallel wall time = %s, want < 350ms", elapsed)
	}
	if len(resp.ToolCalls) != 2 || resp.ToolCalls[0].Result != "A" || resp.ToolCalls[1].Result != "B" {
		t.Errorf("results out of emission order: %+v", resp.ToolCalls)
	}

	// Serial mode runs them back to back.
	provider2 := &scriptedProvider{turns: []providerTurn{
		{toolCalls: calls},
		{text: "done"},
	}}
	b, err := New(Options{
		Provider: provider2,
		Executor: ExecutorConfig{Parallel: false, DefaultTimeout: 5 * time.Second},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b.Tools().Register(sleepTool("slow_a", "A", 200*time.Millisecond))
	b.Tools().Register(sleepTool("slow_b", "B", 100*time.Millisecond))

	start = time.Now()
	resp, err = b.Chat(context.Background(), "run both", nil)
	elapsed = time.Since(start)
	if err != nil {
		t.Fatalf("Chat serial: %v", err)
	}
	if elapsed < 300*time.Millisecond {
		t.Errorf("serial wall time = %s, want >= 300ms", elapsed)
	}
	if resp.ToolCalls[0].Result != "A" || resp.ToolCalls[1].Result != "B" {
		t.Errorf("serial results out of order: %+v", resp.ToolCalls)
	}
}

func TestConcurrentTaskUpdateConflict(t *testing.T) {
	store := newAgentStore(t)
	ctx := context.Background()

	task := &models.TaskState{Goal: "contended", Status: models.TaskInProgress, SessionID: "s1"}
	if err := store.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			patch := task.Clone()
			patch.NextAction = "patch-" + string(rune('a'+idx))
			_, errs[idx] = store.UpdateTask(ctx, patch, "")
		}(i)
	}
	wg.Wait()

	var conflicts, successes int
	for _, err := range errs {
		if err == nil {
			successes++
			continue
		}
		var conflict *memory.ConflictError
		if errors.As(err, &conflict) {
			conflicts++
			if conflict.ExpectedVersion != 1 || conflict.ActualVersion != 2 {
				t.Errorf("conflict versions = %d/%d, want 1/2", conflict.ExpectedVersion, conflict.ActualVersion)
			}
		} else {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if successes != 1 || conflicts != 1 {
		t.Errorf("successes = %d, conflicts = %d, want 1 and 1", successes, conflicts)
	}
}

func TestCompactionInjectsSummaryIntoNextIteration(t *testing.T) {
	store := newAgentStore(t)
	compactor := memory.NewCompactor(memory.CompactionConfig{
		MaxContextTokens:    1000,
		SoftThresholdTokens: 400,
		HardThresholdTokens: 500,
		ReserveTokens:       100,
		MinEventsSinceFlush: 1,
	}, store, memory.NewSummarizer(memory.SummarizerConfig{}, nil))

	provider := &scriptedProvider{turns: []providerTurn{
		{toolCalls: []models.ToolCall{{ID: "c1", Name: "echo", Arguments: `{"text":"working"}`}}, inTokens: 500, outTokens: 100},
		{text: "all done"},
	}}

	a, err := New(Options{Provider: provider, Store: store, Compactor: compactor, SessionID: "s1"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a.Tools().Register(echoTool())

	if _, err := a.Chat(context.Background(), "please summarize the working state", nil); err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if compactor.Tokens() != 0 {
		t.Errorf("tokens not reset by flush: %d", compactor.Tokens())
	}
	second := provider.systemAt(1)
	if !strings.Contains(second, "messages") {
		t.Errorf("second iteration system prompt missing summary line:\n%s", second)
	}
	if _, err := store.LatestSummary(context.Background(), "s1"); err != nil {
		t.Errorf("summary not persisted: %v", err)
	}
}

func TestPermissionDenyByRule(t *testing.T) {
	auditor := newTestAuditor(t)
	checker := permission.NewChecker(permission.Policy{
		Rules: []permission.Rule{{ToolPattern: "shell_*", Level: permission.LevelDeny}},
	}, nil, auditor)

	executed := false
	shell := &FuncTool{
		ToolName:        "shell_exec",
		ToolDescription: "runs a shell command",
		ToolSchema:      json.RawMessage(`{"type":"object"}`),
		Fn: func(context.Context, json.RawMessage) (*ToolResult, error) {
			executed = true
			return &ToolResult{Content: "ran"}, nil
		},
	}

	provider := &scriptedProvider{turns: []providerTurn{
		{toolCalls: []models.ToolCall{{ID: "c1", Name: "shell_exec", Arguments: `{"cmd":"rm"}`}}},
		{text: "refused"},
	}}

	a, err := New(Options{Provider: provider, Permissions: checker, Audit: auditor})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a.Tools().Register(shell)

	resp, err := a.Chat(context.Background(), "delete everything", nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	want := `Error: Tool "shell_exec" is denied by permission policy`
	if resp.ToolCalls[0].Result != want {
		t.Errorf("result = %q, want %q", resp.ToolCalls[0].Result, want)
	}
	if executed {
		t.Error("denied tool was executed")
	}

	denied := 0
	for _, ev := range auditor.Recent(0) {
		if ev.Type == "tool.denied" {
			denied++
		}
	}
	if denied != 1 {
		t.Errorf("tool.denied audit entries = %d, want 1", denied)
	}
}

func TestChatSurfacesToolArgumentParseError(t *testing.T) {
	provider := &scriptedProvider{turns: []providerTurn{
		{toolCalls: []models.ToolCall{{ID: "c1", Name: "echo", Arguments: `{not json`}}},
		{text: "recovered"},
	}}

	a, err := New(Options{Provider: provider})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a.Tools().Register(echoTool())

	resp, err := a.Chat(context.Background(), "echo something", nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("tool calls = %+v, want 1", resp.ToolCalls)
	}
	result := resp.ToolCalls[0].Result
	if !strings.Contains(result, "invalid tool arguments") {
		t.Errorf("result = %q, want parse error surfaced", result)
	}
	if !strings.Contains(result, "{not json") {
		t.Errorf("result = %q, want offending arguments quoted", result)
	}

	// The model sees the same warning in the tool message.
	var toolMsg string
	for _, msg := range a.History() {
		if msg.Role == models.RoleTool {
			toolMsg = msg.Content
		}
	}
	if !strings.Contains(toolMsg, "invalid tool arguments") {
		t.Errorf("tool history message = %q, want parse error surfaced", toolMsg)
	}
}

func TestStreamToleratesToolArgumentParseErrorSilently(t *testing.T) {
	provider := &scriptedProvider{turns: []providerTurn{
		{toolCalls: []models.ToolCall{{ID: "c1", Name: "echo", Arguments: `{not json`}}},
		{text: "recovered"},
	}}

	a, err := New(Options{Provider: provider})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a.Tools().Register(echoTool())

	var results []models.ToolCallResult
	resp, err := a.Stream(context.Background(), "echo something", StreamCallbacks{
		OnToolResult: func(r models.ToolCallResult) { results = append(results, r) },
	}, nil)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if resp.Content != "recovered" {
		t.Errorf("content = %q", resp.Content)
	}
	if len(results) != 1 {
		t.Fatalf("tool results = %+v, want 1", results)
	}
	if strings.Contains(results[0].Result, "invalid tool arguments") {
		t.Errorf("stream result = %q, want parse warning kept out", results[0].Result)
	}
}

func TestChatStopsAtMaxIterations(t *testing.T) {
	provider := &scriptedProvider{turns: []providerTurn{
		{toolCalls: []models.ToolCall{{ID: "c1", Name: "echo", Arguments: `{"text":"again"}`}}},
	}}

	a, err := New(Options{Provider: provider, Stop: StopConfig{MaxIterations: 3}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a.Tools().Register(echoTool())

	resp, err := a.Chat(context.Background(), "loop forever", nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if provider.callCount() != 3 {
		t.Errorf("LLM calls = %d, want exactly 3", provider.callCount())
	}
	if !strings.HasPrefix(resp.Content, "Task stopped: ") {
		t.Errorf("content = %q, want Task stopped prefix", resp.Content)
	}
}

func TestStreamMaxIterationsLegacyReset(t *testing.T) {
	provider := &scriptedProvider{turns: []providerTurn{
		{toolCalls: []models.ToolCall{{ID: "c1", Name: "echo", Arguments: `{"text":"again"}`}}},
	}}

	a, err := New(Options{Provider: provider, Stop: StopConfig{MaxIterations: 2}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a.Tools().Register(echoTool())

	var callbackCalls int
	var errCalls int
	resp, err := a.Stream(context.Background(), "keep going", StreamCallbacks{
		OnError: func(error) { errCalls++ },
	}, &RunOptions{
		OnMaxIterations: func(int) bool {
			callbackCalls++
			return callbackCalls == 1
		},
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	// The continuation resets the counter, so a second full window of
	// iterations runs before the callback declines.
	if provider.callCount() != 4 {
		t.Errorf("LLM calls = %d, want 4 (2 + 2 after reset)", provider.callCount())
	}
	if callbackCalls != 2 {
		t.Errorf("continuation callback calls = %d, want 2", callbackCalls)
	}
	if !strings.HasPrefix(resp.Content, "Task stopped: ") {
		t.Errorf("content = %q", resp.Content)
	}
	if errCalls != 0 {
		t.Errorf("OnError fired %d times on a clean stop", errCalls)
	}
}

func TestChatExtendsOnMaxIterationsCallback(t *testing.T) {
	provider := &scriptedProvider{turns: []providerTurn{
		{toolCalls: []models.ToolCall{{ID: "c1", Name: "echo", Arguments: `{"text":"again"}`}}},
	}}

	a, err := New(Options{Provider: provider, Stop: StopConfig{MaxIterations: 2}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a.Tools().Register(echoTool())

	extended := false
	if _, err := a.Chat(context.Background(), "keep going", &RunOptions{
		OnMaxIterations: func(int) bool {
			first := !extended
			extended = true
			return first
		},
	}); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	// One extension doubles the budget: 2 + 2 iterations.
	if provider.callCount() != 4 {
		t.Errorf("LLM calls = %d, want 4", provider.callCount())
	}
}

func TestStreamEmitsTokensAndToolEvents(t *testing.T) {
	provider := &scriptedProvider{turns: []providerTurn{
		{toolCalls: []models.ToolCall{{ID: "c1", Name: "echo", Arguments: `{"text":"hi"}`}}},
		{text: "hi"},
	}}

	a, err := New(Options{Provider: provider})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a.Tools().Register(echoTool())

	var tokens []string
	var toolCalls, toolResults int
	resp, err := a.Stream(context.Background(), "say hi", StreamCallbacks{
		OnToken:      func(text string) { tokens = append(tokens, text) },
		OnToolCall:   func(models.ToolCall) { toolCalls++ },
		OnToolResult: func(models.ToolCallResult) { toolResults++ },
	}, nil)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if strings.Join(tokens, "") != "hi" {
		t.Errorf("streamed tokens = %v", tokens)
	}
	if toolCalls != 1 || toolResults != 1 {
		t.Errorf("tool callbacks = %d/%d, want 1/1", toolCalls, toolResults)
	}
	if resp.Content != "hi" {
		t.Errorf("content = %q", resp.Content)
	}
}

func TestStreamOnErrorFiresExactlyOnce(t *testing.T) {
	provider := &scriptedProvider{turns: []providerTurn{{err: errors.New("provider exploded: invalid request")}}}

	a, err := New(Options{Provider: provider})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var errCalls int
	_, err = a.Stream(context.Background(), "hello", StreamCallbacks{
		OnError: func(error) { errCalls++ },
	}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if errCalls != 1 {
		t.Errorf("OnError calls = %d, want 1", errCalls)
	}
	if a.State() != StateError {
		t.Errorf("state = %s, want error", a.State())
	}
}

func TestCancellationAborts(t *testing.T) {
	provider := &scriptedProvider{turns: []providerTurn{{text: "Hi."}}}

	a, err := New(Options{Provider: provider})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = a.Chat(ctx, "hello", nil)
	if !errors.Is(err, ErrAborted) {
		t.Errorf("err = %v, want ErrAborted", err)
	}
	if a.State() != StateError {
		t.Errorf("state = %s, want error", a.State())
	}
}

func TestEvaluatorRetryAppendsFeedback(t *testing.T) {
	provider := &scriptedProvider{turns: []providerTurn{
		{text: ""},
		{text: "a real answer"},
	}}

	a, err := New(Options{
		Provider:       provider,
		Evaluator:      &RuleEvaluator{},
		MaxEvalRetries: 1,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	resp, err := a.Chat(context.Background(), "explain the design", nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "a real answer" {
		t.Errorf("content = %q", resp.Content)
	}
	if provider.callCount() != 2 {
		t.Errorf("LLM calls = %d, want 2 (retry after failed evaluation)", provider.callCount())
	}

	var sawFeedback bool
	for _, msg := range a.History() {
		if msg.Role == models.RoleUser && strings.Contains(msg.Content, "needs revision") {
			sawFeedback = true
		}
	}
	if !sawFeedback {
		t.Error("feedback message not appended to history")
	}
}

func TestCheckpointAndRestore(t *testing.T) {
	store := newAgentStore(t)
	provider := &scriptedProvider{turns: []providerTurn{{text: "first answer"}}}

	a, err := New(Options{Provider: provider, Store: store, SessionID: "s1"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := a.Chat(context.Background(), "hello", nil); err != nil {
		t.Fatalf("Chat: %v", err)
	}

	id, err := a.Checkpoint(context.Background(), "after-first")
	if err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	histAt := len(a.History())

	if _, err := a.Chat(context.Background(), "more work", nil); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if len(a.History()) <= histAt {
		t.Fatal("second chat did not grow history")
	}

	if err := a.Restore(context.Background(), id); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if len(a.History()) != histAt {
		t.Errorf("history after restore = %d messages, want %d", len(a.History()), histAt)
	}
	if a.State() != StateIdle {
		t.Errorf("state after restore = %s, want idle", a.State())
	}
}

func TestNewWithoutProvider(t *testing.T) {
	if _, err := New(Options{}); !errors.Is(err, ErrNoProvider) {
		t.Errorf("err = %v, want ErrNoProvider", err)
	}
}

func eventTypes(events []*models.MemoryEvent) []models.EventType {
	types := make([]models.EventType, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}
