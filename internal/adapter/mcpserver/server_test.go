package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reskit/internal/domain"
)

type fakeTool struct{ name string }

func (f fakeTool) Name() string        { return f.name }
func (f fakeTool) Description() string { return "does " + f.name }
func (f fakeTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        f.name,
		Description: f.Description(),
		Parameters:  json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}}}`),
	}
}
func (f fakeTool) Execute(context.Context, json.RawMessage) (*domain.ToolResult, error) {
	return nil, errors.New("not used")
}

type fakeExecutor struct {
	result *domain.ToolResult
	err    error
	name   string
	args   json.RawMessage
}

func (f *fakeExecutor) Get(name string) (domain.Tool, error) {
	if name == "missing" {
		return nil, domain.ErrToolNotFound
	}
	return fakeTool{name: name}, nil
}

func (f *fakeExecutor) Schemas() []domain.ToolSchema { return nil }

func (f *fakeExecutor) Execute(_ context.Context, name string, args json.RawMessage) (*domain.ToolResult, error) {
	f.name, f.args = name, args
	return f.result, f.err
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func callRequest(args any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Name = "search_arxiv"
	req.Params.Arguments = args
	return req
}

func textOf(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.Len(t, res.Content, 1)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok, "content is %T", res.Content[0])
	return text.Text
}

func TestNewRejectsUnknownTool(t *testing.T) {
	_, err := New(&fakeExecutor{}, []string{"search_arxiv", "missing"}, "test", testLogger())
	assert.ErrorIs(t, err, domain.ErrToolNotFound)
}

func TestHandlerPassesArguments(t *testing.T) {
	exec := &fakeExecutor{result: &domain.ToolResult{Body: json.RawMessage(`[{"arxiv_id":"1706.03762"}]`)}}
	s, err := New(exec, nil, "test", testLogger())
	require.NoError(t, err)

	res, err := s.handler("search_arxiv")(context.Background(), callRequest(map[string]any{"query": "attention"}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.JSONEq(t, `[{"arxiv_id":"1706.03762"}]`, textOf(t, res))
	assert.Equal(t, "search_arxiv", exec.name)
	assert.JSONEq(t, `{"query":"attention"}`, string(exec.args))
}

func TestHandlerUnwrapsStringBodies(t *testing.T) {
	exec := &fakeExecutor{result: &domain.ToolResult{Body: json.RawMessage(`"plain text"`)}}
	s, err := New(exec, nil, "test", testLogger())
	require.NoError(t, err)

	res, err := s.handler("search_arxiv")(context.Background(), callRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, "plain text", textOf(t, res))
	assert.JSONEq(t, `{}`, string(exec.args), "missing arguments become an empty object")
}

func TestHandlerReportsToolErrors(t *testing.T) {
	exec := &fakeExecutor{result: &domain.ToolResult{Body: json.RawMessage(`"Error: invalid category"`), IsError: true}}
	s, err := New(exec, nil, "test", testLogger())
	require.NoError(t, err)

	res, err := s.handler("search_arxiv")(context.Background(), callRequest(map[string]any{}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, "Error: invalid category", textOf(t, res))

	exec.result, exec.err = nil, errors.New("executor down")
	res, err = s.handler("search_arxiv")(context.Background(), callRequest(map[string]any{}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, "executor down", textOf(t, res))
}

func TestToolsList(t *testing.T) {
	s, err := New(&fakeExecutor{}, nil, "test", testLogger())
	require.NoError(t, err)

	resp := s.mcp.HandleMessage(context.Background(), json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	raw, err := json.Marshal(resp)
	require.NoError(t, err)
	for _, name := range DefaultTools {
		assert.Contains(t, string(raw), `"`+name+`"`)
	}
}

func TestResultText(t *testing.T) {
	assert.Equal(t, "hi", resultText(json.RawMessage(`"hi"`)))
	assert.Equal(t, `{"a":1}`, resultText(json.RawMessage(`{"a":1}`)))
}
