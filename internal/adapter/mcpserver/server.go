// Package mcpserver exposes the stateless research tools over the Model
// Context Protocol so desktop assistants can call them directly.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"reskit/internal/domain"
)

// DefaultTools are the tools that need no chat to run in.
var DefaultTools = []string{"search_arxiv", "read_from_arxiv", "get_relations_from_text"}

// Server wraps an MCP server backed by a tool executor.
type Server struct {
	mcp    *server.MCPServer
	tools  domain.ToolExecutor
	logger *slog.Logger
}

// New registers the named tools of exec on a new MCP server. An empty names
// list exposes DefaultTools. Unknown names are an error.
func New(exec domain.ToolExecutor, names []string, version string, logger *slog.Logger) (*Server, error) {
	if len(names) == 0 {
		names = DefaultTools
	}
	s := &Server{
		mcp:    server.NewMCPServer("reskit", version, server.WithToolCapabilities(false)),
		tools:  exec,
		logger: logger,
	}
	for _, name := range names {
		t, err := exec.Get(name)
		if err != nil {
			return nil, fmt.Errorf("mcp tool %q: %w", name, err)
		}
		schema := t.Schema()
		s.mcp.AddTool(
			mcp.NewToolWithRawSchema(schema.Name, schema.Description, schema.Parameters),
			s.handler(schema.Name),
		)
	}
	return s, nil
}

// handler adapts one tool to an MCP call. Tool failures are returned as MCP
// error results so the client model sees them.
func (s *Server) handler(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := json.RawMessage("{}")
		if req.Params.Arguments != nil {
			raw, err := json.Marshal(req.Params.Arguments)
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
			}
			args = raw
		}

		res, err := s.tools.Execute(ctx, name, args)
		if err != nil {
			s.logger.Warn("mcp tool call failed", "tool", name, "error", err)
			return mcp.NewToolResultError(err.Error()), nil
		}
		if res.IsError {
			return mcp.NewToolResultError(resultText(res.Body)), nil
		}
		return mcp.NewToolResultText(resultText(res.Body)), nil
	}
}

// resultText unwraps JSON string bodies; structured bodies are passed as JSON.
func resultText(body json.RawMessage) string {
	var s string
	if json.Unmarshal(body, &s) == nil {
		return s
	}
	return string(body)
}

// Serve speaks MCP over the given streams until ctx is done or in closes.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	s.logger.Info("mcp server listening on stdio")
	return server.NewStdioServer(s.mcp).Listen(ctx, in, out)
}
