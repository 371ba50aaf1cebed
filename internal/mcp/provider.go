// Package mcp exposes the tools of a Model Context Protocol server
// through the agent tool registry. Tool names are rewritten with a
// server prefix so several servers can coexist in one registry.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/strandworks/strand/internal/agent"
)

const protocolVersion = "2024-11-05"

// NameTransformer rewrites a server tool name for the registry.
type NameTransformer func(server, tool string) string

// DefaultNameTransformer produces "mcp__{server}__{tool}".
func DefaultNameTransformer(server, tool string) string {
	return fmt.Sprintf("mcp__%s__%s", server, tool)
}

// SplitToolName reverses DefaultNameTransformer. ok is false for names
// without the mcp prefix.
func SplitToolName(name string) (server, tool string, ok bool) {
	rest, found := strings.CutPrefix(name, "mcp__")
	if !found {
		return "", "", false
	}
	server, tool, found = strings.Cut(rest, "__")
	if !found || server == "" || tool == "" {
		return "", "", false
	}
	return server, tool, true
}

// rpcClient is the slice of the MCP client the provider needs. The
// mcp-go stdio client satisfies it; tests substitute a fake.
type rpcClient interface {
	Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// Config describes one MCP server connection.
type Config struct {
	// Name identifies the server; it becomes the tool name prefix.
	Name string

	// Command and Args launch the server for stdio transport.
	Command string
	Args    []string

	// Env is extra environment for the server process, "KEY=VALUE".
	Env []string

	// Filter limits the exposed tools to the named subset. Names are the
	// server's own tool names, before transformation.
	Filter []string

	// Transform rewrites tool names. Nil uses DefaultNameTransformer.
	Transform NameTransformer
}

// Provider connects to one MCP server and exposes its advertised tools.
type Provider struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	client rpcClient
	tools  []agent.Tool
}

// NewProvider creates a disconnected provider. Connect must be called
// before Tools.
func NewProvider(cfg Config, logger *slog.Logger) (*Provider, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("mcp server name is required")
	}
	if cfg.Command == "" {
		return nil, fmt.Errorf("mcp server %s: command is required", cfg.Name)
	}
	if cfg.Transform == nil {
		cfg.Transform = DefaultNameTransformer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		cfg:    cfg,
		logger: logger.With("component", "mcp", "server", cfg.Name),
	}, nil
}

// Connect launches the server process, runs the MCP handshake, and
// caches the advertised tools.
func (p *Provider) Connect(ctx context.Context) error {
	c, err := client.NewStdioMCPClient(p.cfg.Command, p.cfg.Env, p.cfg.Args...)
	if err != nil {
		return fmt.Errorf("mcp server %s: create client: %w", p.cfg.Name, err)
	}
	if err := c.Start(ctx); err != nil {
		c.Close()
		return fmt.Errorf("mcp server %s: start: %w", p.cfg.Name, err)
	}
	if err := p.connectWith(ctx, c); err != nil {
		c.Close()
		return err
	}
	return nil
}

// connectWith runs the handshake against an already constructed client.
func (p *Provider) connectWith(ctx context.Context, c rpcClient) error {
	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = protocolVersion
	initReq.Params.ClientInfo = mcp.Implementation{Name: "strand", Version: "0.1.0"}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		return fmt.Errorf("mcp server %s: initialize: %w", p.cfg.Name, err)
	}

	listed, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return fmt.Errorf("mcp server %s: list tools: %w", p.cfg.Name, err)
	}

	var filter map[string]bool
	if len(p.cfg.Filter) > 0 {
		filter = make(map[string]bool, len(p.cfg.Filter))
		for _, name := range p.cfg.Filter {
			filter[name] = true
		}
	}

	var tools []agent.Tool
	for _, t := range listed.Tools {
		if filter != nil && !filter[t.Name] {
			continue
		}
		tools = append(tools, &serverTool{
			provider:   p,
			remoteName: t.Name,
			name:       p.cfg.Transform(p.cfg.Name, t.Name),
			desc:       t.Description,
			schema:     marshalSchema(t.InputSchema),
		})
	}

	p.mu.Lock()
	p.client = c
	p.tools = tools
	p.mu.Unlock()

	p.logger.Info("connected to mcp server", "tools", len(tools))
	return nil
}

// Tools returns the advertised tools with transformed names.
func (p *Provider) Tools() []agent.Tool {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]agent.Tool, len(p.tools))
	copy(out, p.tools)
	return out
}

// RegisterAll adds every advertised tool to the registry.
func (p *Provider) RegisterAll(registry *agent.Registry) {
	for _, tool := range p.Tools() {
		registry.Register(tool)
	}
}

// Close shuts down the server connection.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		return nil
	}
	err := p.client.Close()
	p.client = nil
	p.tools = nil
	return err
}

// serverTool adapts one remote tool to the agent tool interface.
type serverTool struct {
	provider   *Provider
	remoteName string
	name       string
	desc       string
	schema     json.RawMessage
}

func (t *serverTool) Name() string            { return t.name }
func (t *serverTool) Description() string     { return t.desc }
func (t *serverTool) Schema() json.RawMessage { return t.schema }

func (t *serverTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	t.provider.mu.Lock()
	c := t.provider.client
	t.provider.mu.Unlock()
	if c == nil {
		return nil, fmt.Errorf("mcp server %s: not connected", t.provider.cfg.Name)
	}

	var args map[string]any
	if len(params) > 0 {
		if err := json.Unmarshal(params, &args); err != nil {
			return nil, fmt.Errorf("mcp tool %s: arguments: %w", t.name, err)
		}
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = t.remoteName
	req.Params.Arguments = args

	resp, err := c.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("mcp tool %s: %w", t.name, err)
	}
	return &agent.ToolResult{
		Content: textContent(resp),
		IsError: resp.IsError,
	}, nil
}

// textContent joins the text blocks of a call result.
func textContent(resp *mcp.CallToolResult) string {
	var texts []string
	for _, content := range resp.Content {
		if tc, ok := content.(mcp.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// marshalSchema converts the advertised input schema to raw JSON. A
// schema that fails to marshal degrades to an open object.
func marshalSchema(schema mcp.ToolInputSchema) json.RawMessage {
	data, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return data
}
