package mcp_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/checkpoint/internal/api/mcp"
	"github.com/scrypster/checkpoint/internal/checkpoint"
	"github.com/scrypster/checkpoint/internal/engine"
	"github.com/scrypster/checkpoint/internal/llm/llmtest"
	"github.com/scrypster/checkpoint/internal/storage/sqlite"
	"github.com/scrypster/checkpoint/pkg/types"
)

type fixture struct {
	srv       *mcp.Server
	manager   *checkpoint.Manager
	generator *llmtest.Generator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	store, err := sqlite.NewMetadataStore(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	index, err := sqlite.NewVectorStore(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = index.Close() })

	gen := &llmtest.Generator{Replies: []string{"still here"}}
	eng, err := engine.New(store, index, &llmtest.Embedder{}, gen, engine.Config{}, nil)
	require.NoError(t, err)
	manager := checkpoint.NewManager(store, index, nil)

	return &fixture{
		srv:       mcp.NewServer(manager, eng, mcp.WithVersion("test")),
		manager:   manager,
		generator: gen,
	}
}

func (f *fixture) seed(t *testing.T, version string, activate bool) {
	t.Helper()
	ctx := context.Background()
	_, err := f.manager.Create(ctx, version, "", types.CheckpointConfig{})
	require.NoError(t, err)
	if activate {
		_, err = f.manager.Activate(ctx, version)
		require.NoError(t, err)
	}
}

// call sends one request and decodes the response envelope.
func (f *fixture) call(t *testing.T, method string, params any) map[string]any {
	t.Helper()
	body, err := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": 7, "method": method, "params": params})
	require.NoError(t, err)
	resp, err := f.srv.HandleRequest(context.Background(), body)
	require.NoError(t, err)
	require.NotNil(t, resp)

	var out map[string]any
	require.NoError(t, json.Unmarshal(resp, &out))
	assert.EqualValues(t, 7, out["id"])
	return out
}

// tool calls a tool and returns its text and error flag.
func (f *fixture) tool(t *testing.T, name string, args map[string]any) (string, bool) {
	t.Helper()
	out := f.call(t, "tools/call", map[string]any{"name": name, "arguments": args})
	require.Nil(t, out["error"])
	var result mcp.MCPToolCallResult
	data, err := json.Marshal(out["result"])
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &result))
	require.Len(t, result.Content, 1)
	return result.Content[0].Text, result.IsError
}

func TestHandleRequest_Initialize(t *testing.T) {
	f := newFixture(t)
	out := f.call(t, "initialize", map[string]any{"protocolVersion": mcp.ProtocolVersion})
	result := out["result"].(map[string]any)
	assert.Equal(t, mcp.ProtocolVersion, result["protocolVersion"])
	info := result["serverInfo"].(map[string]any)
	assert.Equal(t, "checkpoint", info["name"])
	assert.Equal(t, "test", info["version"])
}

func TestHandleRequest_Notification(t *testing.T) {
	f := newFixture(t)

	tests := []string{
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":1}}`,
		`{"jsonrpc":"2.0","method":"store_memory"}`,
	}
	for _, req := range tests {
		resp, err := f.srv.HandleRequest(context.Background(), []byte(req))
		require.NoError(t, err)
		assert.Nil(t, resp, req)
	}
}

func TestHandleRequest_NullIDIsRequest(t *testing.T) {
	f := newFixture(t)
	resp, err := f.srv.HandleRequest(context.Background(), []byte(`{"jsonrpc":"2.0","id":null,"method":"ping"}`))
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Contains(t, string(resp), `"result"`)
}

func TestHandleRequest_Errors(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		req  string
		code float64
	}{
		{"parse error", `{not json`, mcp.ErrCodeParseError},
		{"wrong version", `{"jsonrpc":"1.0","id":1,"method":"ping"}`, mcp.ErrCodeInvalidRequest},
		{"unknown method", `{"jsonrpc":"2.0","id":1,"method":"store_memory"}`, mcp.ErrCodeMethodNotFound},
		{"bad params", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":"nope"}`, mcp.ErrCodeInvalidParams},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := f.srv.HandleRequest(context.Background(), []byte(tt.req))
			require.NoError(t, err)
			var out mcp.JSONRPCResponse
			require.NoError(t, json.Unmarshal(resp, &out))
			require.NotNil(t, out.Error)
			assert.EqualValues(t, tt.code, out.Error.Code)
		})
	}
}

func TestToolsList(t *testing.T) {
	f := newFixture(t)
	out := f.call(t, "tools/list", nil)
	tools := out["result"].(map[string]any)["tools"].([]any)

	var names []string
	for _, tool := range tools {
		names = append(names, tool.(map[string]any)["name"].(string))
	}
	assert.ElementsMatch(t, []string{
		"chat", "regenerate", "list_checkpoints", "get_checkpoint",
		"activate_checkpoint", "get_history", "get_stats",
	}, names)
}

func TestTool_ChatAndHistory(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "1.0", true)

	text, isErr := f.tool(t, "chat", map[string]any{"message": "are you there?"})
	require.False(t, isErr, text)
	var resp engine.ChatResponse
	require.NoError(t, json.Unmarshal([]byte(text), &resp))
	assert.Equal(t, "still here", resp.Response)
	assert.Equal(t, "1.0", resp.CheckpointVersion)

	text, isErr = f.tool(t, "regenerate", map[string]any{"temperature": 1.5})
	require.False(t, isErr, text)
	assert.InDelta(t, 1.5, f.generator.LastCall().Temperature, 1e-9)

	text, isErr = f.tool(t, "get_history", map[string]any{"limit": 2})
	require.False(t, isErr, text)
	var history mcp.HistoryResult
	require.NoError(t, json.Unmarshal([]byte(text), &history))
	assert.Equal(t, "1.0", history.CheckpointVersion)
	require.Equal(t, 2, history.Count)
	assert.Equal(t, types.RoleAssistant, history.Turns[0].Role)
	assert.Equal(t, types.RoleAssistant, history.Turns[1].Role)

	text, isErr = f.tool(t, "get_stats", nil)
	require.False(t, isErr, text)
	var stats types.Stats
	require.NoError(t, json.Unmarshal([]byte(text), &stats))
	assert.Equal(t, 3, stats.Messages)
}

func TestTool_ChatErrors(t *testing.T) {
	f := newFixture(t)

	text, isErr := f.tool(t, "chat", map[string]any{"message": "hello"})
	assert.True(t, isErr)
	assert.Contains(t, text, types.ErrNoActiveCheckpoint.Error())

	text, isErr = f.tool(t, "chat", map[string]any{})
	assert.True(t, isErr)
	assert.Contains(t, text, "message is required")

	text, isErr = f.tool(t, "forget_memory", nil)
	assert.True(t, isErr)
	assert.Equal(t, "unknown tool: forget_memory", text)
	assert.Empty(t, f.generator.Calls())
}

func TestTool_Checkpoints(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "0.2", false)
	f.seed(t, "0.10", true)

	text, isErr := f.tool(t, "list_checkpoints", nil)
	require.False(t, isErr, text)
	var list mcp.ListCheckpointsResult
	require.NoError(t, json.Unmarshal([]byte(text), &list))
	require.Len(t, list.Checkpoints, 2)
	assert.Equal(t, "0.2", list.Checkpoints[0].Version)
	assert.Equal(t, "0.10", list.Active)

	text, isErr = f.tool(t, "activate_checkpoint", map[string]any{"checkpoint_version": "0.2"})
	require.False(t, isErr, text)

	text, isErr = f.tool(t, "get_checkpoint", nil)
	require.False(t, isErr, text)
	var cp types.Checkpoint
	require.NoError(t, json.Unmarshal([]byte(text), &cp))
	assert.Equal(t, "0.2", cp.Version)
	assert.True(t, cp.IsActive)

	_, isErr = f.tool(t, "activate_checkpoint", map[string]any{})
	assert.True(t, isErr)
	text, isErr = f.tool(t, "get_checkpoint", map[string]any{"checkpoint_version": "9.9"})
	assert.True(t, isErr)
	assert.Contains(t, text, types.ErrNotFound.Error())
}

func TestStdioTransport_Serve(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "1.0", true)

	in := strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		``,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"chat","arguments":{"message":"hi"}}}`,
	}, "\n") + "\n"
	var out strings.Builder

	tr := mcp.NewStdioTransport(f.srv, strings.NewReader(in), &out, nil)
	require.NoError(t, tr.Serve(context.Background()))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2, "notifications and blank lines get no reply")
	for i, line := range lines {
		var resp mcp.JSONRPCResponse
		require.NoError(t, json.Unmarshal([]byte(line), &resp))
		assert.EqualValues(t, i+1, resp.ID)
		assert.Nil(t, resp.Error)
	}
	assert.Contains(t, lines[1], "still here")
}

func TestStdioTransport_StopsOnCancel(t *testing.T) {
	f := newFixture(t)
	pr, pw := io.Pipe()
	defer func() { _ = pw.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- mcp.NewStdioTransport(f.srv, pr, io.Discard, nil).Serve(ctx)
	}()

	_, err := fmt.Fprintln(pw, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	require.NoError(t, err)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
