package tools

import (
	"context"

	"github.com/bodhya/bodhya/pkg/core"
	"github.com/bodhya/bodhya/pkg/errors"
	"github.com/bodhya/bodhya/pkg/sandbox"
)

// Built-in tool names.
const (
	ToolFilesystem = "filesystem"
	ToolShell      = "shell"
	ToolEdit       = "edit"
	ToolSearch     = "search"
)

type sandboxKey struct{}

// WithSandbox scopes built-in tools in ctx to sb.
func WithSandbox(ctx context.Context, sb *sandbox.Sandbox) context.Context {
	return context.WithValue(ctx, sandboxKey{}, sb)
}

func sandboxFrom(ctx context.Context, def *sandbox.Sandbox) *sandbox.Sandbox {
	if sb, ok := ctx.Value(sandboxKey{}).(*sandbox.Sandbox); ok && sb != nil {
		return sb
	}
	return def
}

// Scoped is a ToolExecutor bound to one execution's sandbox, so built-in
// tools use that execution's working root and limit counters.
type Scoped struct {
	reg *Registry
	sb  *sandbox.Sandbox
}

// Bind returns an executor that runs built-in tools against sb.
func (r *Registry) Bind(sb *sandbox.Sandbox) *Scoped {
	return &Scoped{reg: r, sb: sb}
}

// Sandbox returns the bound sandbox.
func (s *Scoped) Sandbox() *sandbox.Sandbox { return s.sb }

// Execute dispatches through the registry with the bound sandbox.
func (s *Scoped) Execute(ctx context.Context, tool, operation string, params map[string]any) (*core.ToolResult, error) {
	return s.reg.Execute(WithSandbox(ctx, s.sb), tool, operation, params)
}

func object(required []string, props map[string]any) map[string]any {
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func prop(typ, desc string) map[string]any {
	return map[string]any{"type": typ, "description": desc}
}

// RegisterBuiltins registers the filesystem, shell, edit and search tools.
// Calls made through a Scoped executor use its sandbox instead of def.
func RegisterBuiltins(r *Registry, def *sandbox.Sandbox) error {
	builtins := []struct {
		desc Descriptor
		fn   func(ctx context.Context, sb *sandbox.Sandbox, op string, params map[string]any) (any, error)
	}{
		{filesystemDescriptor(), filesystemOp},
		{shellDescriptor(), shellOp},
		{editDescriptor(), editOp},
		{searchDescriptor(), searchOp},
	}
	for _, b := range builtins {
		fn := b.fn
		h := HandlerFunc(func(ctx context.Context, op string, params map[string]any) (any, error) {
			sb := sandboxFrom(ctx, def)
			if sb == nil {
				return nil, errors.Newf(errors.CodeInternal, "no sandbox configured")
			}
			return fn(ctx, sb, op, params)
		})
		b.desc.Origin = OriginBuiltin
		if err := r.Register(b.desc, h); err != nil {
			return err
		}
	}
	return nil
}

func filesystemDescriptor() Descriptor {
	path := prop("string", "path relative to the working root")
	return Descriptor{
		Name:        ToolFilesystem,
		Description: "Read, write and list files inside the working root",
		Operations: map[string]OperationSpec{
			"read": {Description: "Read a file", Schema: object([]string{"path"}, map[string]any{"path": path})},
			"write": {Description: "Write a file, creating parent directories", Schema: object([]string{"path", "content"}, map[string]any{
				"path":    path,
				"content": prop("string", "new file content"),
			})},
			"list": {Description: "List files matching a glob", Schema: object(nil, map[string]any{
				"pattern": prop("string", "glob relative to the root, or a directory"),
			})},
			"exists": {Description: "Report whether a path exists", Schema: object([]string{"path"}, map[string]any{"path": path})},
		},
	}
}

func filesystemOp(_ context.Context, sb *sandbox.Sandbox, op string, params map[string]any) (any, error) {
	path, err := stringParam(params, "path")
	if err != nil {
		return nil, err
	}
	switch op {
	case "read":
		return sb.Read(path)
	case "write":
		content, err := stringParam(params, "content")
		if err != nil {
			return nil, err
		}
		if err := sb.Write(path, content); err != nil {
			return nil, err
		}
		return map[string]any{"path": path, "bytes": len(content)}, nil
	case "list":
		pattern, err := stringParam(params, "pattern")
		if err != nil {
			return nil, err
		}
		return sb.List(pattern)
	case "exists":
		return sb.Exists(path)
	}
	return nil, errors.Newf(errors.CodeInvalidInput, "unknown operation %q", op)
}

func shellDescriptor() Descriptor {
	return Descriptor{
		Name:        ToolShell,
		Description: "Run a command in the working root without a shell",
		Operations: map[string]OperationSpec{
			"run": {Description: "Run a command and capture its output", Schema: object([]string{"command"}, map[string]any{
				"command": prop("string", "executable name or path"),
				"args":    map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"timeout": prop("number", "timeout in seconds"),
			})},
		},
	}
}

func shellOp(ctx context.Context, sb *sandbox.Sandbox, _ string, params map[string]any) (any, error) {
	command, err := stringParam(params, "command")
	if err != nil {
		return nil, err
	}
	args, err := stringsParam(params, "args")
	if err != nil {
		return nil, err
	}
	timeout, err := durationParam(params, "timeout")
	if err != nil {
		return nil, err
	}
	return sb.Run(ctx, command, args, timeout)
}

func editDescriptor() Descriptor {
	path := prop("string", "file to edit")
	dry := prop("boolean", "compute the result without writing")
	return Descriptor{
		Name:        ToolEdit,
		Description: "Edit a file in place",
		Operations: map[string]OperationSpec{
			string(sandbox.EditReplace): {Description: "Replace text", Schema: object([]string{"path", "old", "new"}, map[string]any{
				"path":    path,
				"old":     prop("string", "text to replace"),
				"new":     prop("string", "replacement"),
				"count":   prop("integer", "0 requires a unique match, n replaces the first n, -1 replaces all"),
				"dry_run": dry,
			})},
			string(sandbox.EditPatch): {Description: "Apply a unified diff", Schema: object([]string{"path", "diff"}, map[string]any{
				"path":    path,
				"diff":    prop("string", "unified diff for this file"),
				"dry_run": dry,
			})},
			string(sandbox.EditInsertAtLine): {Description: "Insert text before a 1-indexed line", Schema: object([]string{"path", "line", "text"}, map[string]any{
				"path":    path,
				"line":    prop("integer", "1-indexed line"),
				"text":    prop("string", "text to insert"),
				"dry_run": dry,
			})},
			string(sandbox.EditDeleteLines): {Description: "Delete an inclusive 1-indexed line range", Schema: object([]string{"path", "start", "end"}, map[string]any{
				"path":    path,
				"start":   prop("integer", "first line"),
				"end":     prop("integer", "last line"),
				"dry_run": dry,
			})},
		},
	}
}

func editOp(_ context.Context, sb *sandbox.Sandbox, op string, params map[string]any) (any, error) {
	path, err := stringParam(params, "path")
	if err != nil {
		return nil, err
	}
	e := sandbox.EditOp{Kind: sandbox.EditKind(op)}
	if e.DryRun, err = boolParam(params, "dry_run", false); err != nil {
		return nil, err
	}
	switch e.Kind {
	case sandbox.EditReplace:
		if e.Old, err = stringParam(params, "old"); err != nil {
			return nil, err
		}
		if e.New, err = stringParam(params, "new"); err != nil {
			return nil, err
		}
		if e.Count, err = intParam(params, "count", 0); err != nil {
			return nil, err
		}
	case sandbox.EditPatch:
		if e.Diff, err = stringParam(params, "diff"); err != nil {
			return nil, err
		}
	case sandbox.EditInsertAtLine:
		if e.Line, err = intParam(params, "line", 0); err != nil {
			return nil, err
		}
		if e.Text, err = stringParam(params, "text"); err != nil {
			return nil, err
		}
	case sandbox.EditDeleteLines:
		if e.Start, err = intParam(params, "start", 0); err != nil {
			return nil, err
		}
		if e.End, err = intParam(params, "end", 0); err != nil {
			return nil, err
		}
	}
	return sb.Edit(path, e)
}

func searchDescriptor() Descriptor {
	return Descriptor{
		Name:        ToolSearch,
		Description: "Search file contents with a regular expression",
		Operations: map[string]OperationSpec{
			"search": {Description: "Find matching lines", Schema: object([]string{"pattern"}, map[string]any{
				"pattern":        prop("string", "regular expression"),
				"path":           prop("string", "directory or file to search"),
				"recursive":      prop("boolean", "descend into subdirectories (default true)"),
				"case_sensitive": prop("boolean", "match case (default false)"),
				"file_filter":    prop("string", "glob on the file base name"),
				"context_lines":  prop("integer", "lines of context around each match"),
				"max_results":    prop("integer", "maximum matches"),
			})},
		},
	}
}

func searchOp(ctx context.Context, sb *sandbox.Sandbox, _ string, params map[string]any) (any, error) {
	var (
		opts sandbox.SearchOptions
		err  error
	)
	if opts.Pattern, err = stringParam(params, "pattern"); err != nil {
		return nil, err
	}
	if opts.Path, err = stringParam(params, "path"); err != nil {
		return nil, err
	}
	if opts.Recursive, err = boolParam(params, "recursive", true); err != nil {
		return nil, err
	}
	if opts.CaseSensitive, err = boolParam(params, "case_sensitive", false); err != nil {
		return nil, err
	}
	if opts.FileFilter, err = stringParam(params, "file_filter"); err != nil {
		return nil, err
	}
	if opts.ContextLines, err = intParam(params, "context_lines", 0); err != nil {
		return nil, err
	}
	if opts.MaxResults, err = intParam(params, "max_results", 0); err != nil {
		return nil, err
	}
	return sb.Search(ctx, opts)
}
