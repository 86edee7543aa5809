// Copyright 2026 © The Bodhya Authors
// SPDX-License-Identifier: Apache-2.0

// Package tools unifies built-in and external tools behind one dispatch
// interface keyed by tool name and operation.
package tools

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/bodhya/bodhya/pkg/core"
	"github.com/bodhya/bodhya/pkg/errors"
	"github.com/bodhya/bodhya/pkg/telemetry"
)

// OriginBuiltin tags tools implemented in-process.
const OriginBuiltin = "builtin"

// OperationSpec declares one operation and its JSON-schema-shaped parameters.
type OperationSpec struct {
	Description string         `json:"description,omitempty"`
	Schema      map[string]any `json:"schema,omitempty"`
}

// Required returns the required parameter names from the schema.
func (o OperationSpec) Required() []string {
	switch req := o.Schema["required"].(type) {
	case []string:
		return req
	case []any:
		out := make([]string, 0, len(req))
		for _, r := range req {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Descriptor describes a registered tool. It is immutable once registered.
type Descriptor struct {
	Name        string                   `json:"name"`
	Description string                   `json:"description,omitempty"`
	Operations  map[string]OperationSpec `json:"operations"`
	Origin      string                   `json:"origin"`
}

// OperationNames returns the declared operations in sorted order.
func (d Descriptor) OperationNames() []string {
	names := make([]string, 0, len(d.Operations))
	for name := range d.Operations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (d Descriptor) clone() Descriptor {
	ops := make(map[string]OperationSpec, len(d.Operations))
	for k, v := range d.Operations {
		ops[k] = v
	}
	d.Operations = ops
	return d
}

// Handler executes the operations of one tool.
type Handler interface {
	Invoke(ctx context.Context, operation string, params map[string]any) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, operation string, params map[string]any) (any, error)

// Invoke calls f.
func (f HandlerFunc) Invoke(ctx context.Context, operation string, params map[string]any) (any, error) {
	return f(ctx, operation, params)
}

type entry struct {
	desc    Descriptor
	handler Handler
}

// Registry holds tools by name. It is populated at startup and read
// concurrently afterwards.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]entry
	closers []io.Closer

	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *telemetry.EngineMetrics
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *telemetry.EngineMetrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		tools:   make(map[string]entry),
		logger:  slog.Default(),
		tracer:  otel.Tracer("bodhya/tools"),
		metrics: telemetry.Metrics(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = telemetry.Component(r.logger, "tools")
	return r
}

// Register adds a tool. A duplicate name fails with TOOL_CONFLICT.
func (r *Registry) Register(desc Descriptor, h Handler) error {
	return r.register(desc, h, false)
}

// RegisterOrReplace adds a tool, replacing any tool with the same name.
func (r *Registry) RegisterOrReplace(desc Descriptor, h Handler) error {
	return r.register(desc, h, true)
}

func (r *Registry) register(desc Descriptor, h Handler, replace bool) error {
	if desc.Name == "" {
		return errors.Newf(errors.CodeInvalidInput, "tool name is required")
	}
	if len(desc.Operations) == 0 {
		return errors.Newf(errors.CodeInvalidInput, "tool %q declares no operations", desc.Name)
	}
	if h == nil {
		return errors.Newf(errors.CodeInvalidInput, "tool %q has no handler", desc.Name)
	}
	if desc.Origin == "" {
		desc.Origin = OriginBuiltin
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.tools[desc.Name]; ok && !replace {
		return errors.Newf(errors.CodeToolConflict, "tool %q already registered", desc.Name).
			WithContext("existing_origin", existing.desc.Origin).
			WithContext("origin", desc.Origin)
	}
	r.tools[desc.Name] = entry{desc: desc.clone(), handler: h}
	r.logger.Debug("tools.register", telemetry.AttrToolName, desc.Name, telemetry.AttrToolOrigin, desc.Origin)
	return nil
}

// Unregister removes a tool and reports whether it existed.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tools[name]
	delete(r.tools, name)
	return ok
}

// Get returns a copy of the named descriptor.
func (r *Registry) Get(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	if !ok {
		return Descriptor{}, false
	}
	return e.desc.clone(), true
}

// List returns all descriptors sorted by name.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	out := make([]Descriptor, 0, len(r.tools))
	for _, e := range r.tools {
		out = append(out, e.desc.clone())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Execute dispatches an operation. The error return is reserved for unknown
// tools or operations, missing parameters, PATH_VIOLATION, LIMIT_EXCEEDED
// and cancellation; every other handler failure is reported in the result.
func (r *Registry) Execute(ctx context.Context, tool, operation string, params map[string]any) (*core.ToolResult, error) {
	r.mu.RLock()
	e, ok := r.tools[tool]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Newf(errors.CodeNotFound, "unknown tool %q", tool).WithTool(tool, operation)
	}

	ctx, span := r.tracer.Start(ctx, "tools.execute", trace.WithAttributes(
		telemetry.ToolAttributes(tool, operation, e.desc.Origin)...))
	defer span.End()

	spec, ok := e.desc.Operations[operation]
	if !ok {
		err := errors.Newf(errors.CodeInvalidInput, "tool %q has no operation %q", tool, operation).
			WithTool(tool, operation).
			WithContext("operations", e.desc.OperationNames())
		return nil, r.fail(ctx, span, tool, operation, err)
	}
	if params == nil {
		params = map[string]any{}
	}
	for _, name := range spec.Required() {
		if v, ok := params[name]; !ok || v == nil {
			err := errors.Newf(errors.CodeInvalidInput, "missing required parameter %q", name).WithTool(tool, operation)
			return nil, r.fail(ctx, span, tool, operation, err)
		}
	}

	payload, err := e.handler.Invoke(ctx, operation, params)
	if err != nil {
		if mustPropagate(ctx, err) {
			return nil, r.fail(ctx, span, tool, operation, tagged(err, tool, operation))
		}
		r.metrics.RecordToolCall(ctx, tool, operation, err)
		span.SetAttributes(attribute.Bool(telemetry.AttrToolSuccess, false))
		span.SetStatus(codes.Error, err.Error())
		r.logger.DebugContext(ctx, "tools.execute.failed",
			telemetry.AttrToolName, tool, telemetry.AttrToolOperation, operation, "error", err)
		return &core.ToolResult{Success: false, Error: tagged(err, tool, operation).Error()}, nil
	}

	r.metrics.RecordToolCall(ctx, tool, operation, nil)
	span.SetAttributes(attribute.Bool(telemetry.AttrToolSuccess, true))
	return &core.ToolResult{Success: true, Payload: payload}, nil
}

func (r *Registry) fail(ctx context.Context, span trace.Span, tool, operation string, err error) error {
	r.metrics.RecordToolCall(ctx, tool, operation, err)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// mustPropagate reports errors that end the caller's step instead of being
// folded into a result.
func mustPropagate(ctx context.Context, err error) bool {
	if errors.HasCode(err, errors.CodePathViolation) || errors.HasCode(err, errors.CodeLimitExceeded) {
		return true
	}
	return ctx.Err() != nil && (errors.HasCode(err, errors.CodeCanceled) || errors.HasCode(err, errors.CodeTimeout) ||
		stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded))
}

// tagged attaches the tool and operation to err.
func tagged(err error, tool, operation string) *errors.Error {
	if e, ok := errors.As(err); ok {
		if e.Tool == "" {
			e.WithTool(tool, operation)
		}
		return e
	}
	return errors.New(errors.CodeToolInvocation, fmt.Sprintf("%s failed", operation), err).WithTool(tool, operation)
}

// AddCloser registers a resource closed by Close, typically a provider.
func (r *Registry) AddCloser(c io.Closer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closers = append(r.closers, c)
}

// Close closes every registered provider in reverse order.
func (r *Registry) Close() error {
	r.mu.Lock()
	closers := r.closers
	r.closers = nil
	r.mu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

var _ core.ToolExecutor = (*Registry)(nil)
