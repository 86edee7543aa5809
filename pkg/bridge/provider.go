// Copyright 2026 © The Bodhya Authors
// SPDX-License-Identifier: Apache-2.0

// Package bridge connects external tool providers and exposes local tools to
// other agents.
//
// A provider is any process or endpoint speaking the tool subset of MCP:
// initialize, tools/list and tools/call over JSON-RPC 2.0. Two transports are
// supported:
//
//   - stdio: the configured command is spawned and frames are exchanged as
//     single lines on its stdin and stdout
//   - http: the streamable HTTP transport of mcp-go
//
// Discovery runs once per connection. When the process exits or the stream
// breaks, the connection is invalidated and every later call fails with
// PROVIDER_UNAVAILABLE. There is no implicit reconnect.
package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/bodhya/bodhya/pkg/config"
	"github.com/bodhya/bodhya/pkg/errors"
	"github.com/bodhya/bodhya/pkg/resilience"
	"github.com/bodhya/bodhya/pkg/telemetry"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultGracePeriod      = 2 * time.Second
)

// Tool is one operation discovered on a provider.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// CallResult is the decoded outcome of a tools/call.
type CallResult struct {
	Text       string `json:"text,omitempty"`
	Structured any    `json:"structured,omitempty"`
	IsError    bool   `json:"is_error,omitempty"`
}

// Value returns the structured content when present, otherwise the text.
func (r *CallResult) Value() any {
	if r == nil {
		return nil
	}
	if r.Structured != nil {
		return r.Structured
	}
	return r.Text
}

// Provider is a connected external tool provider.
type Provider interface {
	Name() string
	Tools() []Tool
	Call(ctx context.Context, tool string, args map[string]any) (*CallResult, error)
	Done() <-chan struct{}
	Err() error
	Close() error
}

type transport interface {
	initialize(ctx context.Context, info mcp.Implementation) (*mcp.InitializeResult, error)
	listTools(ctx context.Context) ([]Tool, error)
	callTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)
	done() <-chan struct{}
	failed() error
	close() error
}

// Option configures Connect.
type Option func(*options)

type options struct {
	logger           *slog.Logger
	handshakeTimeout time.Duration
	grace            time.Duration
	clientInfo       mcp.Implementation
	lookupEnv        func(string) (string, bool)
	retry            resilience.RetryConfig
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithHandshakeTimeout bounds initialize plus discovery.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.handshakeTimeout = d
		}
	}
}

// WithGracePeriod sets how long Close waits after interrupting a process
// before killing it.
func WithGracePeriod(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.grace = d
		}
	}
}

// WithClientInfo sets the implementation reported during the handshake.
func WithClientInfo(name, version string) Option {
	return func(o *options) {
		o.clientInfo = mcp.Implementation{Name: name, Version: version}
	}
}

// WithLookupEnv replaces os.LookupEnv for ${VAR} expansion.
func WithLookupEnv(fn func(string) (string, bool)) Option {
	return func(o *options) {
		if fn != nil {
			o.lookupEnv = fn
		}
	}
}

// WithRetry sets the retry policy for HTTP connection setup.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(o *options) { o.retry = cfg }
}

// Client is a connected provider.
type Client struct {
	name       string
	transport  string
	t          transport
	tools      []Tool
	serverInfo mcp.Implementation
	logger     *slog.Logger
}

// Connect starts or dials the provider described by cfg, performs the
// handshake and discovers its tools.
func Connect(ctx context.Context, cfg config.MCPServerConfig, opts ...Option) (*Client, error) {
	o := options{
		logger:           slog.Default(),
		handshakeTimeout: defaultHandshakeTimeout,
		grace:            defaultGracePeriod,
		clientInfo:       mcp.Implementation{Name: "bodhya", Version: "dev"},
		lookupEnv:        os.LookupEnv,
		retry:            resilience.DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if !cfg.IsEnabled() {
		return nil, errors.Newf(errors.CodeInvalidInput, "provider %q is disabled", cfg.Name)
	}
	logger := telemetry.Component(o.logger, "bridge").With(telemetry.AttrProvider, cfg.Name)

	var (
		t   transport
		err error
	)
	switch cfg.TransportName() {
	case "stdio":
		if len(cfg.Command) == 0 {
			return nil, errors.Newf(errors.CodeConfig, "provider %q has no command", cfg.Name)
		}
		env := ExpandEnv(os.Environ(), cfg.Env, o.lookupEnv)
		t, err = startPipe(cfg.Name, cfg.Command, env, o.grace, logger)
	case "http":
		err = o.retry.Do(ctx, func(ctx context.Context) error {
			h, herr := startHTTP(ctx, cfg.Name, cfg.URL, logger)
			if herr == nil {
				t = h
			}
			return herr
		})
	default:
		return nil, errors.Newf(errors.CodeConfig, "provider %q: unknown transport %q", cfg.Name, cfg.Transport)
	}
	if err != nil {
		telemetry.Metrics().RecordProviderFailure(ctx, cfg.Name, "connect")
		return nil, err
	}

	c := &Client{name: cfg.Name, transport: cfg.TransportName(), t: t, logger: logger}
	err = resilience.WithTimeout(ctx, o.handshakeTimeout, func(ctx context.Context) error {
		return c.handshake(ctx, o.clientInfo)
	})
	if err != nil {
		_ = t.close()
		telemetry.Metrics().RecordProviderFailure(ctx, cfg.Name, "handshake")
		if e, ok := errors.As(err); ok {
			e.WithContext("provider", cfg.Name)
		}
		return nil, err
	}
	logger.Info("bridge.provider.connected",
		telemetry.AttrTransport, c.transport,
		"server", c.serverInfo.Name,
		"tools", len(c.tools))
	return c, nil
}

func (c *Client) handshake(ctx context.Context, info mcp.Implementation) error {
	res, err := c.t.initialize(ctx, info)
	if err != nil {
		return err
	}
	c.serverInfo = res.ServerInfo
	tools, err := c.t.listTools(ctx)
	if err != nil {
		return err
	}
	sort.SliceStable(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	c.tools = tools
	return nil
}

// Name returns the configured provider name.
func (c *Client) Name() string { return c.name }

// ServerInfo returns the implementation reported by the provider.
func (c *Client) ServerInfo() mcp.Implementation { return c.serverInfo }

// Tools returns the tools discovered during the handshake.
func (c *Client) Tools() []Tool {
	out := make([]Tool, len(c.tools))
	copy(out, c.tools)
	return out
}

// Call invokes a tool. A result flagged isError is returned together with a
// TOOL_INVOCATION error carrying the provider's message.
func (c *Client) Call(ctx context.Context, tool string, args map[string]any) (*CallResult, error) {
	if err := c.t.failed(); err != nil {
		return nil, unavailable(c.name, err)
	}
	if args == nil {
		args = map[string]any{}
	}
	raw, err := c.t.callTool(ctx, tool, args)
	if err != nil {
		if errors.HasCode(err, errors.CodeProtocol) || errors.HasCode(err, errors.CodeProviderUnavailable) {
			telemetry.Metrics().RecordProviderFailure(ctx, c.name, string(errors.CodeOf(err)))
		}
		return nil, err
	}
	res := &CallResult{Text: textContent(raw.Content), Structured: raw.StructuredContent, IsError: raw.IsError}
	if res.IsError {
		msg := res.Text
		if msg == "" {
			msg = "provider reported an error"
		}
		return res, errors.Newf(errors.CodeToolInvocation, "%s", msg).
			WithContext("provider", c.name).
			WithContext("tool", tool)
	}
	return res, nil
}

// Done is closed when the connection is invalidated.
func (c *Client) Done() <-chan struct{} { return c.t.done() }

// Err returns the reason the connection was invalidated, or nil.
func (c *Client) Err() error { return c.t.failed() }

// Close terminates the provider and waits for it.
func (c *Client) Close() error {
	err := c.t.close()
	c.logger.Debug("bridge.provider.closed")
	return err
}

// After invalidation every call reports PROVIDER_UNAVAILABLE, keeping the
// original cause.
func unavailable(name string, cause error) error {
	if errors.HasCode(cause, errors.CodeProviderUnavailable) {
		return cause
	}
	return errors.New(errors.CodeProviderUnavailable, "provider "+name+" is unavailable", cause)
}

// ExpandEnv returns base plus bindings, with ${VAR} and $VAR references in
// binding values expanded through lookup. Bindings override base entries.
func ExpandEnv(base []string, bindings map[string]string, lookup func(string) (string, bool)) []string {
	if len(bindings) == 0 {
		return base
	}
	keys := make([]string, 0, len(bindings))
	for k := range bindings {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(base)+len(keys))
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if _, overridden := bindings[k]; !overridden {
			out = append(out, kv)
		}
	}
	for _, k := range keys {
		v := os.Expand(bindings[k], func(name string) string {
			val, _ := lookup(name)
			return val
		})
		out = append(out, k+"="+v)
	}
	return out
}

func textContent(items []mcp.Content) string {
	var parts []string
	for _, item := range items {
		switch c := item.(type) {
		case mcp.TextContent:
			parts = append(parts, c.Text)
		case *mcp.TextContent:
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func contextError(ctx context.Context, method string) error {
	if ctx.Err() == context.DeadlineExceeded {
		return errors.New(errors.CodeTimeout, method+" timed out", ctx.Err()).WithRecoverable(true)
	}
	return errors.New(errors.CodeCanceled, method+" canceled", ctx.Err())
}

// pipe transport methods that decode into mcp-go types.

func (p *pipeTransport) initialize(ctx context.Context, info mcp.Implementation) (*mcp.InitializeResult, error) {
	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = info
	raw, err := p.call(ctx, methodInitialize, req.Params)
	if err != nil {
		return nil, err
	}
	var res mcp.InitializeResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, errors.New(errors.CodeProtocol, "decode initialize result", err)
	}
	if err := p.notify(methodInitialized, nil); err != nil {
		return nil, err
	}
	return &res, nil
}

func (p *pipeTransport) listTools(ctx context.Context) ([]Tool, error) {
	var out []Tool
	cursor := ""
	for {
		var params any
		if cursor != "" {
			params = map[string]any{"cursor": cursor}
		}
		raw, err := p.call(ctx, methodListTools, params)
		if err != nil {
			return nil, err
		}
		var page struct {
			Tools      []Tool `json:"tools"`
			NextCursor string `json:"nextCursor,omitempty"`
		}
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, errors.New(errors.CodeProtocol, "decode tools/list result", err)
		}
		for _, t := range page.Tools {
			if t.Name == "" {
				return nil, errors.Newf(errors.CodeProtocol, "tools/list returned a tool without a name")
			}
		}
		out = append(out, page.Tools...)
		if page.NextCursor == "" {
			return out, nil
		}
		cursor = page.NextCursor
	}
}

func (p *pipeTransport) callTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	raw, err := p.call(ctx, methodCallTool, map[string]any{"name": name, "arguments": args})
	if err != nil {
		return nil, err
	}
	res, err := mcp.ParseCallToolResult(&raw)
	if err != nil {
		return nil, errors.New(errors.CodeProtocol, "decode tools/call result", err)
	}
	return res, nil
}
