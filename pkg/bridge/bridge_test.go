package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.uber.org/goleak"

	"github.com/bodhya/bodhya/pkg/config"
	"github.com/bodhya/bodhya/pkg/core"
	"github.com/bodhya/bodhya/pkg/errors"
	"github.com/bodhya/bodhya/pkg/resilience"
	"github.com/bodhya/bodhya/pkg/telemetry"
)

const helperEnv = "BODHYA_BRIDGE_HELPER"

// TestHelperProcess is not a real test. It is re-executed by the tests below
// to play the part of an external provider.
func TestHelperProcess(t *testing.T) {
	switch os.Getenv(helperEnv) {
	case "":
		return
	case "mcp":
		srv := mcpserver.NewMCPServer("helper-mcp", "1.0.0")
		srv.AddTool(mcpgo.NewTool("ping", mcpgo.WithDescription("answers ok")), func(ctx context.Context, _ mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
			return &mcpgo.CallToolResult{
				Content: []mcpgo.Content{mcpgo.TextContent{Type: "text", Text: "ok"}},
			}, nil
		})
		if err := mcpserver.ServeStdio(srv); err != nil {
			os.Exit(1)
		}
	case "fake":
		runFakeProvider()
	}
	os.Exit(0)
}

// runFakeProvider speaks the line protocol directly. Each tool name triggers
// a different misbehaviour.
func runFakeProvider() {
	silent := os.Getenv("FAKE_SILENT") == "1"
	out := bufio.NewWriter(os.Stdout)
	write := func(v any) {
		b, _ := json.Marshal(v)
		out.Write(append(b, '\n'))
		out.Flush()
	}
	respond := func(id json.RawMessage, result any) {
		write(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
	}
	text := func(s string, isErr bool) map[string]any {
		return map[string]any{"content": []any{map[string]any{"type": "text", "text": s}}, "isError": isErr}
	}

	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
			Params struct {
				Name      string         `json:"name"`
				Arguments map[string]any `json:"arguments"`
			} `json:"params"`
		}
		if err := json.Unmarshal(sc.Bytes(), &req); err != nil {
			continue
		}
		if silent {
			continue
		}
		switch req.Method {
		case "initialize":
			respond(req.ID, map[string]any{
				"protocolVersion": mcpgo.LATEST_PROTOCOL_VERSION,
				"capabilities":    map[string]any{},
				"serverInfo":      map[string]any{"name": "fake", "version": "0.1"},
			})
		case "tools/list":
			write(map[string]any{"jsonrpc": "2.0", "method": "notifications/message", "params": map[string]any{"level": "info"}})
			var tools []any
			for _, name := range []string{"echo", "env", "exit", "hang", "iserror", "malformed", "rpcerror", "unmatched"} {
				tools = append(tools, map[string]any{
					"name":        name,
					"description": "fake " + name,
					"inputSchema": map[string]any{
						"type":       "object",
						"properties": map[string]any{"text": map[string]any{"type": "string"}},
					},
				})
			}
			respond(req.ID, map[string]any{"tools": tools})
		case "tools/call":
			switch req.Params.Name {
			case "echo":
				respond(req.ID, text(fmt.Sprint(req.Params.Arguments["text"]), false))
			case "env":
				respond(req.ID, text(os.Getenv("FAKE_TOKEN"), false))
			case "iserror":
				respond(req.ID, text("bad input", true))
			case "rpcerror":
				write(map[string]any{"jsonrpc": "2.0", "id": req.ID, "error": map[string]any{"code": -32000, "message": "boom"}})
			case "malformed":
				out.WriteString("this is not json\n")
				out.Flush()
			case "unmatched":
				write(map[string]any{"jsonrpc": "2.0", "id": 9999, "result": text("stray", false)})
			case "exit":
				os.Exit(3)
			case "hang":
			}
		}
	}
}

func helperConfig(t *testing.T, mode string, env map[string]string) config.MCPServerConfig {
	t.Helper()
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable: %v", err)
	}
	bindings := map[string]string{helperEnv: mode}
	for k, v := range env {
		bindings[k] = v
	}
	return config.MCPServerConfig{
		Name:      "helper",
		Transport: "stdio",
		Command:   []string{exe, "-test.run=^TestHelperProcess$"},
		Env:       bindings,
	}
}

func connectHelper(t *testing.T, mode string, env map[string]string, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithLogger(telemetry.Discard()), WithGracePeriod(500 * time.Millisecond)}, opts...)
	c, err := Connect(context.Background(), helperConfig(t, mode, env), opts...)
	if err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	return c
}

func TestStdioMCPServerProvider(t *testing.T) {
	defer goleak.VerifyNone(t)

	c := connectHelper(t, "mcp", nil)
	defer c.Close()

	tools := c.Tools()
	if len(tools) != 1 || tools[0].Name != "ping" {
		t.Fatalf("Tools = %+v, want ping", tools)
	}
	if c.ServerInfo().Name != "helper-mcp" {
		t.Fatalf("ServerInfo = %+v", c.ServerInfo())
	}
	res, err := c.Call(context.Background(), "ping", nil)
	if err != nil {
		t.Fatalf("Call error: %v", err)
	}
	if res.Text != "ok" || res.Value() != "ok" {
		t.Fatalf("Call result = %+v", res)
	}
}

func TestPipeEchoAndEnvExpansion(t *testing.T) {
	defer goleak.VerifyNone(t)

	lookup := func(name string) (string, bool) {
		if name == "BODHYA_TEST_SECRET" {
			return "s3cret", true
		}
		return "", false
	}
	c := connectHelper(t, "fake", map[string]string{"FAKE_TOKEN": "tok-${BODHYA_TEST_SECRET}"}, WithLookupEnv(lookup))
	defer c.Close()

	if got := len(c.Tools()); got != 8 {
		t.Fatalf("discovered %d tools, want 8", got)
	}
	res, err := c.Call(context.Background(), "echo", map[string]any{"text": "hello"})
	if err != nil || res.Text != "hello" {
		t.Fatalf("echo = %+v, %v", res, err)
	}
	res, err = c.Call(context.Background(), "env", nil)
	if err != nil || res.Text != "tok-s3cret" {
		t.Fatalf("env = %+v, %v", res, err)
	}
}

func TestPipeProviderErrors(t *testing.T) {
	defer goleak.VerifyNone(t)

	c := connectHelper(t, "fake", nil)
	defer c.Close()
	ctx := context.Background()

	_, err := c.Call(ctx, "rpcerror", nil)
	if !errors.HasCode(err, errors.CodeToolInvocation) || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("rpcerror = %v, want TOOL_INVOCATION with provider message", err)
	}
	res, err := c.Call(ctx, "iserror", nil)
	if !errors.HasCode(err, errors.CodeToolInvocation) || res == nil || !res.IsError {
		t.Fatalf("iserror = %+v, %v", res, err)
	}
	if _, err := c.Call(ctx, "echo", map[string]any{"text": "still alive"}); err != nil {
		t.Fatalf("connection unusable after tool errors: %v", err)
	}
}

func TestPipeMalformedFrameInvalidates(t *testing.T) {
	defer goleak.VerifyNone(t)

	c := connectHelper(t, "fake", nil)
	defer c.Close()
	ctx := context.Background()

	if _, err := c.Call(ctx, "malformed", nil); !errors.HasCode(err, errors.CodeProtocol) {
		t.Fatalf("malformed = %v, want PROTOCOL_ERROR", err)
	}
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatalf("connection not invalidated")
	}
	if _, err := c.Call(ctx, "echo", map[string]any{"text": "x"}); !errors.HasCode(err, errors.CodeProviderUnavailable) {
		t.Fatalf("call after invalidation = %v, want PROVIDER_UNAVAILABLE", err)
	}
}

func TestPipeUnmatchedResponse(t *testing.T) {
	defer goleak.VerifyNone(t)

	c := connectHelper(t, "fake", nil)
	defer c.Close()

	if _, err := c.Call(context.Background(), "unmatched", nil); !errors.HasCode(err, errors.CodeProtocol) {
		t.Fatalf("unmatched = %v, want PROTOCOL_ERROR", err)
	}
}

func TestPipeProviderExit(t *testing.T) {
	defer goleak.VerifyNone(t)

	c := connectHelper(t, "fake", nil)
	defer c.Close()
	ctx := context.Background()

	if _, err := c.Call(ctx, "exit", nil); !errors.HasCode(err, errors.CodeProviderUnavailable) {
		t.Fatalf("exit = %v, want PROVIDER_UNAVAILABLE", err)
	}
	if _, err := c.Call(ctx, "echo", map[string]any{"text": "x"}); !errors.HasCode(err, errors.CodeProviderUnavailable) {
		t.Fatalf("call after exit = %v, want PROVIDER_UNAVAILABLE", err)
	}
	if c.Err() == nil {
		t.Fatalf("Err() = nil after exit")
	}
}

func TestPipeCallCanceled(t *testing.T) {
	defer goleak.VerifyNone(t)

	c := connectHelper(t, "fake", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	if _, err := c.Call(ctx, "hang", nil); !errors.HasCode(err, errors.CodeTimeout) {
		t.Fatalf("hang = %v, want TIMEOUT", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("canceled call did not return promptly")
	}
	// The provider keeps running until Close.
	if _, err := c.Call(context.Background(), "echo", map[string]any{"text": "after"}); err != nil {
		t.Fatalf("echo after canceled call: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	select {
	case <-c.Done():
	default:
		t.Fatalf("Done not closed after Close")
	}
}

func TestHandshakeTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := helperConfig(t, "fake", map[string]string{"FAKE_SILENT": "1"})
	_, err := Connect(context.Background(), cfg,
		WithLogger(telemetry.Discard()),
		WithHandshakeTimeout(200*time.Millisecond),
		WithGracePeriod(500*time.Millisecond))
	if !errors.HasCode(err, errors.CodeTimeout) {
		t.Fatalf("Connect = %v, want TIMEOUT", err)
	}
}

func TestConnectRejectsDisabledAndMissingCommand(t *testing.T) {
	off := false
	if _, err := Connect(context.Background(), config.MCPServerConfig{Name: "x", Command: []string{"true"}, Enabled: &off}); !errors.HasCode(err, errors.CodeInvalidInput) {
		t.Fatalf("disabled = %v, want INVALID_INPUT", err)
	}
	if _, err := Connect(context.Background(), config.MCPServerConfig{Name: "x"}); !errors.HasCode(err, errors.CodeConfig) {
		t.Fatalf("no command = %v, want CONFIG_ERROR", err)
	}
	if _, err := Connect(context.Background(), config.MCPServerConfig{Name: "x", Command: []string{"/nonexistent/provider"}}); !errors.HasCode(err, errors.CodeProviderUnavailable) {
		t.Fatalf("bad command = %v, want PROVIDER_UNAVAILABLE", err)
	}
}

type staticExecutor struct{}

func (staticExecutor) Execute(_ context.Context, tool, operation string, params map[string]any) (*core.ToolResult, error) {
	if tool == "files" && operation == "read" {
		return &core.ToolResult{Success: true, Payload: "content of " + fmt.Sprint(params["path"])}, nil
	}
	return &core.ToolResult{Success: false, Error: "unsupported"}, nil
}

func TestServerOverStreamableHTTP(t *testing.T) {
	ops := []ServedOperation{
		{Tool: "files", Operation: "read", Description: "read a file", Schema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"path": map[string]any{"type": "string"}},
			"required":   []string{"path"},
		}},
		{Tool: "files", Operation: "write"},
	}
	srv, err := NewServer("bodhya-test", "0.0.1", staticExecutor{}, ops, telemetry.Discard())
	if err != nil {
		t.Fatalf("NewServer error: %v", err)
	}
	httpServer := mcpserver.NewTestStreamableHTTPServer(srv.MCPServer())
	defer httpServer.Close()

	c, err := Connect(context.Background(),
		config.MCPServerConfig{Name: "remote", Transport: "http", URL: httpServer.URL},
		WithLogger(telemetry.Discard()),
		WithRetry(resilience.DefaultRetryConfig().WithMaxAttempts(1)))
	if err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	defer c.Close()

	tools := c.Tools()
	if len(tools) != 2 || tools[0].Name != "files_read" || tools[1].Name != "files_write" {
		t.Fatalf("Tools = %+v", tools)
	}
	if req, _ := tools[0].InputSchema["required"].([]any); len(req) != 1 || req[0] != "path" {
		t.Fatalf("schema not preserved: %+v", tools[0].InputSchema)
	}

	res, err := c.Call(context.Background(), "files_read", map[string]any{"path": "a.txt"})
	if err != nil || res.Text != "content of a.txt" {
		t.Fatalf("files_read = %+v, %v", res, err)
	}
	if _, err := c.Call(context.Background(), "files_write", nil); !errors.HasCode(err, errors.CodeToolInvocation) {
		t.Fatalf("files_write = %v, want TOOL_INVOCATION", err)
	}
}

func TestExpandEnv(t *testing.T) {
	lookup := func(name string) (string, bool) {
		v, ok := map[string]string{"HOME": "/home/dev", "TOKEN": "abc"}[name]
		return v, ok
	}
	got := ExpandEnv([]string{"PATH=/bin", "TOKEN=old"}, map[string]string{
		"TOKEN":  "${TOKEN}-new",
		"CONFIG": "$HOME/.cfg",
		"EMPTY":  "${MISSING}",
	}, lookup)
	want := []string{"PATH=/bin", "CONFIG=/home/dev/.cfg", "EMPTY=", "TOKEN=abc-new"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("ExpandEnv = %v, want %v", got, want)
	}
}

func TestDecodeFrame(t *testing.T) {
	cases := []struct {
		line    string
		kind    frameKind
		id      int64
		wantErr bool
	}{
		{`{"jsonrpc":"2.0","id":3,"result":{}}`, frameResponse, 3, false},
		{`{"jsonrpc":"2.0","id":4,"error":{"code":1,"message":"x"}}`, frameResponse, 4, false},
		{`{"jsonrpc":"2.0","method":"notifications/progress"}`, frameNotification, 0, false},
		{`{"jsonrpc":"2.0","id":7,"method":"ping"}`, frameRequest, 0, false},
		{`not json`, 0, 0, true},
		{`{"jsonrpc":"1.0","id":1,"result":{}}`, 0, 0, true},
		{`{"jsonrpc":"2.0","result":{}}`, 0, 0, true},
		{`{"jsonrpc":"2.0","id":"abc","result":{}}`, 0, 0, true},
		{`{"jsonrpc":"2.0","id":5}`, 0, 0, true},
	}
	for _, tc := range cases {
		_, kind, id, err := decodeFrame([]byte(tc.line))
		if tc.wantErr {
			if !errors.HasCode(err, errors.CodeProtocol) {
				t.Errorf("decodeFrame(%s) error = %v, want PROTOCOL_ERROR", tc.line, err)
			}
			continue
		}
		if err != nil || kind != tc.kind || id != tc.id {
			t.Errorf("decodeFrame(%s) = %v, %d, %v", tc.line, kind, id, err)
		}
	}
}
