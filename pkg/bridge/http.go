package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/bodhya/bodhya/pkg/errors"
)

// httpTransport adapts the mcp-go streamable HTTP client to the transport
// contract. Any transport-level failure invalidates the connection.
type httpTransport struct {
	name   string
	url    string
	client *client.Client
	logger *slog.Logger

	mu        sync.Mutex
	failure   error
	dead      chan struct{}
	closeOnce sync.Once
}

func startHTTP(ctx context.Context, name, url string, logger *slog.Logger) (*httpTransport, error) {
	c, err := client.NewStreamableHttpClient(url)
	if err != nil {
		return nil, errors.New(errors.CodeProviderUnavailable, "create http client", err).WithContext("url", url)
	}
	if err := c.Start(ctx); err != nil {
		_ = c.Close()
		return nil, errors.New(errors.CodeProviderUnavailable, "start http client", err).
			WithContext("url", url).
			WithRecoverable(true)
	}
	return &httpTransport{
		name:   name,
		url:    url,
		client: c,
		logger: logger,
		dead:   make(chan struct{}),
	}, nil
}

func (h *httpTransport) initialize(ctx context.Context, info mcp.Implementation) (*mcp.InitializeResult, error) {
	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = info
	res, err := h.client.Initialize(ctx, req)
	if err != nil {
		return nil, h.fail(ctx, methodInitialize, err)
	}
	return res, nil
}

func (h *httpTransport) listTools(ctx context.Context) ([]Tool, error) {
	var (
		out    []Tool
		cursor mcp.Cursor
	)
	for {
		req := mcp.ListToolsRequest{}
		req.Params.Cursor = cursor
		res, err := h.client.ListTools(ctx, req)
		if err != nil {
			return nil, h.fail(ctx, methodListTools, err)
		}
		for _, t := range res.Tools {
			tool, err := toolFromMCP(t)
			if err != nil {
				return nil, err
			}
			out = append(out, tool)
		}
		if res.NextCursor == "" {
			return out, nil
		}
		cursor = res.NextCursor
	}
}

func (h *httpTransport) callTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	if err := h.failed(); err != nil {
		return nil, err
	}
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	res, err := h.client.CallTool(ctx, req)
	if err != nil {
		return nil, h.fail(ctx, methodCallTool, err)
	}
	return res, nil
}

// fail maps a client error. Context errors belong to the caller; anything
// else is treated as a lost connection.
func (h *httpTransport) fail(ctx context.Context, method string, err error) error {
	if ctx.Err() != nil {
		return contextError(ctx, method)
	}
	if e, ok := errors.As(err); ok {
		return e
	}
	failure := errors.New(errors.CodeProviderUnavailable, "http transport failure", err).
		WithContext("provider", h.name).
		WithContext("method", method)
	h.mu.Lock()
	if h.failure == nil {
		h.failure = failure
		close(h.dead)
		h.logger.Warn("bridge.provider.lost", "provider", h.name, "error", err)
	}
	h.mu.Unlock()
	return failure
}

func (h *httpTransport) failed() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.failure
}

func (h *httpTransport) done() <-chan struct{} { return h.dead }

func (h *httpTransport) close() error {
	var err error
	h.closeOnce.Do(func() {
		err = h.client.Close()
		h.mu.Lock()
		if h.failure == nil {
			h.failure = errors.Newf(errors.CodeProviderUnavailable, "provider %q closed", h.name)
			close(h.dead)
		}
		h.mu.Unlock()
	})
	return err
}

// toolFromMCP converts a discovered tool, keeping its full input schema.
func toolFromMCP(t mcp.Tool) (Tool, error) {
	raw := t.RawInputSchema
	if raw == nil {
		b, err := json.Marshal(t.InputSchema)
		if err != nil {
			return Tool{}, errors.New(errors.CodeProtocol, "encode tool schema", err).WithContext("tool", t.Name)
		}
		raw = b
	}
	var schema map[string]any
	if err := json.Unmarshal(raw, &schema); err != nil {
		return Tool{}, errors.New(errors.CodeProtocol, "decode tool schema", err).WithContext("tool", t.Name)
	}
	return Tool{Name: t.Name, Description: t.Description, InputSchema: schema}, nil
}
