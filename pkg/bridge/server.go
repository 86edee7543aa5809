package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/bodhya/bodhya/pkg/core"
)

// ServedOperation is one local tool operation published by a Server.
type ServedOperation struct {
	Tool        string
	Operation   string
	Description string
	Schema      map[string]any
}

// MCPName is the published tool name, "<tool>_<operation>".
func (o ServedOperation) MCPName() string {
	return sanitizeName(o.Tool) + "_" + sanitizeName(o.Operation)
}

// Server publishes local tool operations as an MCP server so other agents
// can use them as a provider.
type Server struct {
	mcpServer *server.MCPServer
	exec      core.ToolExecutor
	logger    *slog.Logger
}

// NewServer creates a server dispatching every operation in ops to exec.
func NewServer(name, version string, exec core.ToolExecutor, ops []ServedOperation, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		mcpServer: server.NewMCPServer(name, version),
		exec:      exec,
		logger:    logger,
	}
	seen := make(map[string]bool, len(ops))
	for _, op := range ops {
		name := op.MCPName()
		if seen[name] {
			return nil, fmt.Errorf("bridge: duplicate served tool %q", name)
		}
		seen[name] = true

		schema := op.Schema
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		raw, err := json.Marshal(schema)
		if err != nil {
			return nil, fmt.Errorf("bridge: encode schema for %s: %w", name, err)
		}
		desc := op.Description
		if desc == "" {
			desc = op.Tool + " " + op.Operation
		}
		s.mcpServer.AddTool(mcp.NewToolWithRawSchema(name, desc, raw), s.handler(op))
	}
	return s, nil
}

func (s *Server) handler(op ServedOperation) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := request.Params.Arguments.(map[string]interface{})
		res, err := s.exec.Execute(ctx, op.Tool, op.Operation, args)
		if err != nil {
			s.logger.Debug("bridge.serve.error", "tool", op.Tool, "operation", op.Operation, "error", err)
			return mcp.NewToolResultError(err.Error()), nil
		}
		if !res.Success {
			return mcp.NewToolResultError(res.Error), nil
		}
		text, err := renderPayload(res.Payload)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(text), nil
	}
}

// MCPServer returns the underlying mcp-go server.
func (s *Server) MCPServer() *server.MCPServer { return s.mcpServer }

// ServeStdio serves on the process's stdin and stdout until EOF.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

func renderPayload(v any) (string, error) {
	switch p := v.(type) {
	case nil:
		return "", nil
	case string:
		return p, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("bridge: encode result: %w", err)
	}
	return string(b), nil
}

func sanitizeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		}
		return '_'
	}, s)
}
