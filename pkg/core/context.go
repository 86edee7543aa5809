package core

import (
	"context"
	"log/slog"
	"time"

	"github.com/bodhya/bodhya/pkg/errors"
)

// ExecutionLimits bounds a single agent invocation.
type ExecutionLimits struct {
	MaxIterations        int           `json:"max_iterations"`
	MaxFileWrites        int           `json:"max_file_writes"`
	MaxCommandExecutions int           `json:"max_command_executions"`
	Timeout              time.Duration `json:"timeout"`
}

// DefaultExecutionLimits returns 3 iterations, 20 writes, 10 commands and 300s.
func DefaultExecutionLimits() ExecutionLimits {
	return ExecutionLimits{
		MaxIterations:        3,
		MaxFileWrites:        20,
		MaxCommandExecutions: 10,
		Timeout:              300 * time.Second,
	}
}

// Validate rejects non-positive limits.
func (l ExecutionLimits) Validate() error {
	switch {
	case l.MaxIterations < 1:
		return errors.Newf(errors.CodeInvalidInput, "max_iterations must be >= 1, got %d", l.MaxIterations)
	case l.MaxFileWrites < 0:
		return errors.Newf(errors.CodeInvalidInput, "max_file_writes must be >= 0, got %d", l.MaxFileWrites)
	case l.MaxCommandExecutions < 0:
		return errors.Newf(errors.CodeInvalidInput, "max_command_executions must be >= 0, got %d", l.MaxCommandExecutions)
	case l.Timeout < 0:
		return errors.Newf(errors.CodeInvalidInput, "timeout must be >= 0, got %s", l.Timeout)
	}
	return nil
}

// ExecutionContext is the per-invocation bundle handed to an agent. A fresh
// one is built for every task and never shared.
type ExecutionContext struct {
	TaskID     string
	WorkDir    string
	Tools      ToolExecutor
	Models     ModelGenerator
	Limits     ExecutionLimits
	Engagement EngagementMode
	Settings   map[string]any
	Logger     *slog.Logger
}

// HasModels reports whether a model registry handle is available.
func (c *ExecutionContext) HasModels() bool {
	return c != nil && c.Models != nil
}

// Log returns the context logger or the default one.
func (c *ExecutionContext) Log() *slog.Logger {
	if c == nil || c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

// Setting returns an agent setting as a string.
func (c *ExecutionContext) Setting(key string) string {
	if c == nil {
		return ""
	}
	if v, ok := c.Settings[key].(string); ok {
		return v
	}
	return ""
}

type taskIDKey struct{}

// WithTaskID attaches a task id to the context.
func WithTaskID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, taskIDKey{}, id)
}

// TaskID returns the task id if present.
func TaskID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(taskIDKey{}).(string)
	return id, ok
}
