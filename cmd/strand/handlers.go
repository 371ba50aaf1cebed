// handlers.go contains the command implementations: wiring the agent
// runtime from configuration and driving it for each subcommand.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/strandworks/strand/internal/agent"
	"github.com/strandworks/strand/internal/agent/providers"
	"github.com/strandworks/strand/internal/agent/routing"
	"github.com/strandworks/strand/internal/audit"
	"github.com/strandworks/strand/internal/config"
	"github.com/strandworks/strand/internal/guardrail"
	"github.com/strandworks/strand/internal/mcp"
	"github.com/strandworks/strand/internal/memory"
	"github.com/strandworks/strand/internal/observability"
	"github.com/strandworks/strand/internal/permission"
	"github.com/strandworks/strand/internal/skills"
	"github.com/strandworks/strand/internal/tokenizer"
	"github.com/strandworks/strand/pkg/models"
)

// runtime bundles the wired agent with everything that needs shutting
// down when the command ends.
type runtime struct {
	cfg     *config.Config
	agent   *agent.Agent
	log     *observability.Logger
	closers []func() error
}

func (rt *runtime) close() {
	// Close in reverse wiring order.
	for i := len(rt.closers) - 1; i >= 0; i-- {
		_ = rt.closers[i]()
	}
}

// Prometheus collectors register against the default registry, so the
// process constructs them once even when several runtimes are wired.
var (
	metricsOnce sync.Once
	metricsInst *observability.Metrics
)

func buildMetrics() *observability.Metrics {
	metricsOnce.Do(func() {
		metricsInst = observability.NewMetrics()
	})
	return metricsInst
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.Load(configPath)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	cfg, _, err := config.LoadOrDefault(cwd)
	return cfg, err
}

// buildRuntime wires provider, memory, security, skills, and MCP
// servers into an agent per the loaded configuration.
func buildRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	rt := &runtime{
		cfg: cfg,
		log: observability.NewLogger(observability.LogConfig{}),
	}

	provider, err := buildProvider(cfg)
	if err != nil {
		return nil, err
	}

	opts := agent.Options{
		Provider:     provider,
		Model:        cfg.Model,
		SystemPrompt: cfg.SystemPrompt,
		MaxTokens:    cfg.MaxTokens,
		Logger:       rt.log,
		Metrics:      buildMetrics(),
		Router:       routing.New(routing.Config{}),
		Stop: agent.StopConfig{
			MaxIterations: cfg.MaxIterations,
		},
	}
	if modelFlag != "" {
		opts.Model = modelFlag
	}
	if cfg.Temperature != nil {
		opts.Temperature = *cfg.Temperature
	}

	// Memory subsystem.
	if cfg.Memory.Path != "" {
		store, err := memory.Open(memory.Config{
			Path:      cfg.Memory.Path,
			Dimension: cfg.Memory.Dimension,
		})
		if err != nil {
			return nil, fmt.Errorf("open memory store: %w", err)
		}
		rt.closers = append(rt.closers, store.Close)

		opts.Store = store
		opts.Retriever = memory.NewRetriever(store, tokenizer.NewBPE("cl100k_base"))
		opts.Compactor = memory.NewCompactor(memory.CompactionConfig{
			MaxContextTokens:    cfg.Memory.MaxContextTokens,
			SoftThresholdTokens: cfg.Memory.SoftThresholdTokens,
			HardThresholdTokens: cfg.Memory.HardThresholdTokens,
			ReserveTokens:       cfg.Memory.ReserveTokens,
		}, store, memory.NewSummarizer(memory.SummarizerConfig{}, nil))
	}

	// Audit trail.
	if cfg.Security.Audit.Enabled {
		auditor, err := audit.NewLogger(audit.Config{
			Enabled:           true,
			Output:            cfg.Security.Audit.Output,
			Format:            cfg.Security.Audit.Format,
			IncludeToolInput:  cfg.Security.Audit.IncludeToolInput,
			IncludeToolOutput: cfg.Security.Audit.IncludeToolOutput,
		})
		if err != nil {
			return nil, fmt.Errorf("audit: %w", err)
		}
		rt.closers = append(rt.closers, auditor.Close)
		opts.Audit = auditor
	}

	// Permission policy with terminal confirmation.
	policy := permission.Policy{
		CategoryDefaults: map[string]permission.Level{},
		DefaultLevel:     permission.Level(cfg.Permission.DefaultLevel),
		SessionMemory:    cfg.Permission.SessionMemory,
	}
	for _, rule := range cfg.Permission.Rules {
		policy.Rules = append(policy.Rules, permission.Rule{
			ToolPattern: rule.ToolPattern,
			Level:       permission.Level(rule.Level),
		})
	}
	for category, level := range cfg.Permission.CategoryDefaults {
		policy.CategoryDefaults[category] = permission.Level(level)
	}
	opts.Permissions = permission.NewChecker(policy, confirmOnTerminal, opts.Audit)

	opts.Guardrail = guardrail.NewEngine(
		guardrail.WithBlockThreshold(blockThreshold(cfg.Security.Guardrail.BlockThreshold)),
	)

	ag, err := agent.New(opts)
	if err != nil {
		return nil, err
	}
	rt.agent = ag

	for _, tool := range builtinTools() {
		rt.agent.Tools().Register(tool)
	}

	if err := wireSkills(ctx, rt); err != nil {
		return nil, err
	}
	wireMCP(ctx, rt)

	return rt, nil
}

func buildProvider(cfg *config.Config) (agent.LLMProvider, error) {
	switch cfg.Provider {
	case "anthropic":
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			DefaultModel: cfg.Model,
		})
	default:
		return providers.NewOpenAIProvider(providers.OpenAIConfig{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
		}), nil
	}
}

func wireSkills(ctx context.Context, rt *runtime) error {
	if rt.cfg.Skill.Dir == "" {
		return nil
	}

	manager := skills.NewManager(rt.agent.Tools(), skills.Hooks{}, rt.log.Slog())
	if err := manager.DiscoverAndLoad(ctx, rt.cfg.Skill.Dir); err != nil {
		return fmt.Errorf("skills: %w", err)
	}

	if rt.cfg.Skill.Watch {
		watcher := skills.NewWatcher(manager, rt.cfg.Skill.Dir, rt.cfg.Skill.WatchDebounce())
		if err := watcher.Start(ctx); err != nil {
			return fmt.Errorf("skills watcher: %w", err)
		}
		rt.closers = append(rt.closers, func() error {
			watcher.Stop()
			return nil
		})
	}
	return nil
}

// wireMCP connects configured MCP servers. A server that fails to
// connect is skipped with a warning so one broken server does not take
// down the session.
func wireMCP(ctx context.Context, rt *runtime) {
	for name, server := range rt.cfg.MCP {
		env := make([]string, 0, len(server.Env))
		for k, v := range server.Env {
			env = append(env, k+"="+v)
		}

		provider, err := mcp.NewProvider(mcp.Config{
			Name:    name,
			Command: server.Command,
			Args:    server.Args,
			Env:     env,
			Filter:  server.Filter,
		}, rt.log.Slog())
		if err != nil {
			rt.log.Warn(ctx, "mcp server misconfigured", "server", name, "error", err)
			continue
		}
		if err := provider.Connect(ctx); err != nil {
			rt.log.Warn(ctx, "mcp server unavailable", "server", name, "error", err)
			continue
		}
		provider.RegisterAll(rt.agent.Tools())
		rt.closers = append(rt.closers, provider.Close)
	}
}

func blockThreshold(name string) guardrail.Severity {
	switch name {
	case "warn":
		return guardrail.SeverityWarn
	case "critical":
		return guardrail.SeverityCritical
	default:
		return guardrail.SeverityBlock
	}
}

// confirmOnTerminal prompts on stderr and reads a y/N answer from
// stdin. Anything but an explicit yes denies.
func confirmOnTerminal(ctx context.Context, req permission.ConfirmRequest) (bool, error) {
	fmt.Fprintf(os.Stderr, "Allow tool %q? [y/N] ", req.ToolName)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false, err
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}

// =============================================================================
// chat
// =============================================================================

func runChat(ctx context.Context) error {
	rt, err := buildRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	fmt.Println("strand chat (type \"exit\" to quit)")
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			return nil
		}

		_, err := rt.agent.Stream(ctx, input, agent.StreamCallbacks{
			OnToken: func(text string) {
				fmt.Print(text)
			},
			OnToolCall: func(call models.ToolCall) {
				fmt.Fprintf(os.Stderr, "\n[tool] %s\n", call.Name)
			},
		}, nil)
		fmt.Println()
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
	}
}

// =============================================================================
// run
// =============================================================================

func runTask(ctx context.Context, task string) error {
	rt, err := buildRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	resp, err := rt.agent.Chat(ctx, task, nil)
	if err != nil {
		return err
	}
	fmt.Println(resp.Content)
	return nil
}

// =============================================================================
// tools
// =============================================================================

func runToolsList(ctx context.Context) error {
	rt, err := buildRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	tools := rt.agent.Tools().List()
	if len(tools) == 0 {
		fmt.Println("No tools registered.")
		return nil
	}
	for _, tool := range tools {
		fmt.Printf("%-28s %s\n", tool.Name(), tool.Description())
	}
	return nil
}

func runToolsInfo(ctx context.Context, name string) error {
	rt, err := buildRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	tool, ok := rt.agent.Tools().Get(name)
	if !ok {
		return fmt.Errorf("unknown tool %q", name)
	}

	fmt.Printf("Name:        %s\n", tool.Name())
	fmt.Printf("Description: %s\n", tool.Description())

	var pretty map[string]any
	if err := json.Unmarshal(tool.Schema(), &pretty); err == nil {
		out, _ := json.MarshalIndent(pretty, "", "  ")
		fmt.Printf("Schema:\n%s\n", out)
	}
	return nil
}

// =============================================================================
// config
// =============================================================================

func runConfigInit() error {
	path := configPath
	if path == "" {
		path = config.Filename
	}
	if err := config.Init(path); err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", path)
	return nil
}

func runConfigShow() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.APIKey != "" {
		cfg.APIKey = "<redacted>"
	}
	out, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
