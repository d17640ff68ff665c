package plugins

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skein-dev/skein/pkg/schema"
)

type fakeCaller struct {
	result   *mcp.CallToolResult
	callErr  error
	pingErr  error
	closed   bool
	lastName string
	lastArgs any
}

func (f *fakeCaller) CallTool(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	f.lastName = req.Params.Name
	f.lastArgs = req.Params.Arguments
	if f.callErr != nil {
		return nil, f.callErr
	}
	return f.result, nil
}

func (f *fakeCaller) Ping(_ context.Context) error { return f.pingErr }
func (f *fakeCaller) Close() error                 { f.closed = true; return nil }

func newTestProvider(cli toolCaller) *MCPProvider {
	manifest := manifestFromTools("demo", []mcp.Tool{
		mcp.NewTool("lookup", mcp.WithDescription("Look something up"), mcp.WithString("query", mcp.Required())),
	})
	return &MCPProvider{
		name:        "demo",
		callTimeout: time.Second,
		cli:         cli,
		manifest:    manifest,
	}
}

func TestInvoke_ForwardsActionAndParams(t *testing.T) {
	fake := &fakeCaller{result: mcp.NewToolResultText("ok")}
	p := newTestProvider(fake)

	out, err := p.Invoke(context.Background(), "lookup", map[string]any{"query": "x"})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, "lookup", fake.lastName)
	assert.Equal(t, map[string]any{"query": "x"}, fake.lastArgs)
}

func TestInvoke_ParsesJSONText(t *testing.T) {
	fake := &fakeCaller{result: mcp.NewToolResultText(`{"issue": "SK-1", "open": true}`)}
	p := newTestProvider(fake)

	out, err := p.Invoke(context.Background(), "lookup", nil)
	require.NoError(t, err)

	m, ok := out.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "SK-1", m["issue"])
	assert.Equal(t, true, m["open"])
}

func TestInvoke_ToolErrorIsExecutionError(t *testing.T) {
	fake := &fakeCaller{result: mcp.NewToolResultError("no such issue")}
	p := newTestProvider(fake)

	_, err := p.Invoke(context.Background(), "lookup", nil)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeExecution))
	assert.Contains(t, err.Error(), "no such issue")
}

func TestInvoke_TransportErrorIsProviderUnavailable(t *testing.T) {
	fake := &fakeCaller{callErr: errors.New("broken pipe")}
	p := newTestProvider(fake)

	_, err := p.Invoke(context.Background(), "lookup", nil)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeProviderUnavailable))
}

func TestInvoke_NotConnected(t *testing.T) {
	p := newTestProvider(nil)
	_, err := p.Invoke(context.Background(), "lookup", nil)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeProviderUnavailable))
}

func TestSwap_ReplacesClientAndClosesOld(t *testing.T) {
	oldCli := &fakeCaller{pingErr: errors.New("dead")}
	newCli := &fakeCaller{result: mcp.NewToolResultText("alive")}
	p := newTestProvider(oldCli)

	p.swap(newCli, manifestFromTools("demo", nil))

	assert.True(t, oldCli.closed)
	out, err := p.Invoke(context.Background(), "lookup", nil)
	require.NoError(t, err)
	assert.Equal(t, "alive", out)
}

func TestClose_Idempotent(t *testing.T) {
	fake := &fakeCaller{}
	p := newTestProvider(fake)

	require.NoError(t, p.Close())
	assert.True(t, fake.closed)
	require.NoError(t, p.Close())
}

func TestManifestFromTools(t *testing.T) {
	tools := []mcp.Tool{
		mcp.NewTool("create_issue",
			mcp.WithDescription("Create an issue"),
			mcp.WithString("title", mcp.Required()),
		),
		mcp.NewTool("list_issues"),
	}
	m := manifestFromTools("tracker", tools)

	assert.Equal(t, "tracker", m.Provider)
	require.Len(t, m.Actions, 2)

	create := m.Actions["create_issue"]
	assert.Equal(t, "Create an issue", create.Description)
	require.NotEmpty(t, create.InputSchema)
	props, ok := create.InputSchema["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "title")
}

func TestDecodeResult_MultipleTextItems(t *testing.T) {
	result := &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(`{"n": 1}`),
			mcp.NewTextContent("plain"),
		},
	}
	out, err := decodeResult("demo", "lookup", result)
	require.NoError(t, err)

	items, ok := out.([]any)
	require.True(t, ok)
	require.Len(t, items, 2)
	assert.Equal(t, map[string]any{"n": float64(1)}, items[0])
	assert.Equal(t, "plain", items[1])
}

func TestDecodeResult_EmptyContent(t *testing.T) {
	out, err := decodeResult("demo", "lookup", &mcp.CallToolResult{})
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestParseText(t *testing.T) {
	assert.Equal(t, map[string]any{"a": float64(1)}, parseText(`{"a": 1}`))
	assert.Equal(t, []any{float64(1), float64(2)}, parseText("[1, 2]"))
	assert.Equal(t, "not json {", parseText("not json {"))
	assert.Equal(t, "42", parseText("42"))
}

func TestConnect_ValidatesConfig(t *testing.T) {
	_, err := Connect(context.Background(), Config{Command: "srv"}, nil)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	_, err = Connect(context.Background(), Config{Name: "demo"}, nil)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}
