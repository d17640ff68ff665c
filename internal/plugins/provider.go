// Package plugins extends the provider surface with external MCP servers.
// Each plugin is a subprocess speaking MCP over stdio; its tools are
// surfaced as actions under the plugin's provider name, so workflow steps
// invoke them exactly like builtin actions.
package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/skein-dev/skein/internal/providers"
	"github.com/skein-dev/skein/pkg/schema"
)

const (
	defaultInitTimeout = 10 * time.Second
	defaultCallTimeout = 30 * time.Second
)

// Config describes how to launch and identify one plugin subprocess.
type Config struct {
	// Name becomes the provider name steps reference, e.g. "jira" in
	// action "jira/create_issue".
	Name    string        `json:"name"`
	Command string        `json:"command"`
	Args    []string      `json:"args,omitempty"`
	Env     []string      `json:"env,omitempty"`
	InitTimeout time.Duration `json:"init_timeout,omitempty"`
	CallTimeout time.Duration `json:"call_timeout,omitempty"`
}

// toolCaller is the slice of the MCP client the provider needs. Satisfied by
// *client.Client; tests substitute a fake.
type toolCaller interface {
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Ping(ctx context.Context) error
	Close() error
}

var _ providers.ActionProvider = (*MCPProvider)(nil)

// MCPProvider adapts one MCP server subprocess to the ActionProvider
// contract. The manager may swap the underlying client on restart; the
// provider pointer handed to the registry stays valid across reconnects.
type MCPProvider struct {
	name        string
	callTimeout time.Duration
	logger      *slog.Logger

	mu       sync.RWMutex
	cli      toolCaller
	manifest providers.Manifest
}

// Connect launches the plugin subprocess, performs the MCP handshake, and
// discovers its tools.
func Connect(ctx context.Context, cfg Config, logger *slog.Logger) (*MCPProvider, error) {
	if cfg.Name == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "plugin name is empty")
	}
	if cfg.Command == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "plugin %q: command is empty", cfg.Name)
	}
	if logger == nil {
		logger = slog.Default()
	}
	callTimeout := cfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}

	cli, tools, err := dial(ctx, cfg)
	if err != nil {
		return nil, err
	}

	p := &MCPProvider{
		name:        cfg.Name,
		callTimeout: callTimeout,
		logger:      logger,
		cli:         cli,
		manifest:    manifestFromTools(cfg.Name, tools),
	}
	logger.Info("plugin connected",
		slog.String("plugin", cfg.Name),
		slog.Int("tools", len(tools)))
	return p, nil
}

// dial starts the subprocess and runs initialize plus tools/list.
func dial(ctx context.Context, cfg Config) (*client.Client, []mcp.Tool, error) {
	cli, err := client.NewStdioMCPClient(cfg.Command, cfg.Env, cfg.Args...)
	if err != nil {
		return nil, nil, schema.NewErrorf(schema.ErrCodeProviderUnavailable,
			"plugin %q: failed to start: %v", cfg.Name, err).WithCause(err)
	}

	initTimeout := cfg.InitTimeout
	if initTimeout <= 0 {
		initTimeout = defaultInitTimeout
	}
	initCtx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()

	_, err = cli.Initialize(initCtx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			Capabilities:    mcp.ClientCapabilities{},
			ClientInfo: mcp.Implementation{
				Name:    "skein",
				Version: "1.0.0",
			},
		},
	})
	if err != nil {
		_ = cli.Close()
		return nil, nil, schema.NewErrorf(schema.ErrCodeProviderUnavailable,
			"plugin %q: handshake failed: %v", cfg.Name, err).WithCause(err)
	}

	listed, err := cli.ListTools(initCtx, mcp.ListToolsRequest{})
	if err != nil {
		_ = cli.Close()
		return nil, nil, schema.NewErrorf(schema.ErrCodeProviderUnavailable,
			"plugin %q: tools/list failed: %v", cfg.Name, err).WithCause(err)
	}

	return cli, listed.Tools, nil
}

func (p *MCPProvider) Name() string { return p.name }

func (p *MCPProvider) Manifest() providers.Manifest {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.manifest
}

// Invoke calls the named tool on the plugin. Tool errors surface as
// execution errors; transport failures as provider-unavailable so the
// recovery layer retries them.
func (p *MCPProvider) Invoke(ctx context.Context, action string, params map[string]any) (any, error) {
	p.mu.RLock()
	cli := p.cli
	p.mu.RUnlock()
	if cli == nil {
		return nil, schema.NewErrorf(schema.ErrCodeProviderUnavailable, "plugin %q: not connected", p.name)
	}

	callCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
	defer cancel()

	result, err := cli.CallTool(callCtx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      action,
			Arguments: params,
		},
	})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeProviderUnavailable,
			"plugin %q: tool call %q failed: %v", p.name, action, err).WithCause(err)
	}

	return decodeResult(p.name, action, result)
}

// Ping checks the subprocess is still responsive.
func (p *MCPProvider) Ping(ctx context.Context) error {
	p.mu.RLock()
	cli := p.cli
	p.mu.RUnlock()
	if cli == nil {
		return fmt.Errorf("plugin %q: not connected", p.name)
	}
	return cli.Ping(ctx)
}

// Close shuts down the subprocess.
func (p *MCPProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cli == nil {
		return nil
	}
	err := p.cli.Close()
	p.cli = nil
	return err
}

// swap replaces the client and manifest after a reconnect, closing the old
// client if it is still around.
func (p *MCPProvider) swap(cli toolCaller, manifest providers.Manifest) {
	p.mu.Lock()
	old := p.cli
	p.cli = cli
	p.manifest = manifest
	p.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
}

// manifestFromTools converts discovered MCP tools into an action manifest.
// Input schemas round-trip through JSON into the map form the compiler
// lints against.
func manifestFromTools(provider string, tools []mcp.Tool) providers.Manifest {
	actions := make(map[string]providers.ActionSpec, len(tools))
	for _, tool := range tools {
		spec := providers.ActionSpec{Description: tool.Description}
		if raw, err := json.Marshal(tool.InputSchema); err == nil {
			var m map[string]any
			if err := json.Unmarshal(raw, &m); err == nil && len(m) > 0 {
				spec.InputSchema = m
			}
		}
		actions[tool.Name] = spec
	}
	return providers.Manifest{
		Provider:    provider,
		Description: fmt.Sprintf("MCP plugin %q", provider),
		Actions:     actions,
	}
}

// decodeResult turns a CallToolResult into step output. Text content that
// parses as JSON is returned structured so downstream steps can reference
// fields; multiple content items come back as a list.
func decodeResult(provider, action string, result *mcp.CallToolResult) (any, error) {
	texts := make([]string, 0, len(result.Content))
	for _, item := range result.Content {
		if tc, ok := mcp.AsTextContent(item); ok {
			texts = append(texts, tc.Text)
		}
	}

	if result.IsError {
		msg := strings.Join(texts, "; ")
		if msg == "" {
			msg = "tool reported an error"
		}
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "plugin %q: %s: %s", provider, action, msg)
	}

	switch len(texts) {
	case 0:
		return nil, nil
	case 1:
		return parseText(texts[0]), nil
	default:
		out := make([]any, len(texts))
		for i, txt := range texts {
			out[i] = parseText(txt)
		}
		return out, nil
	}
}

func parseText(txt string) any {
	trimmed := strings.TrimSpace(txt)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') && json.Valid([]byte(trimmed)) {
		var parsed any
		if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
			return parsed
		}
	}
	return txt
}
