package controller

import (
	"context"
	stderrors "errors"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/bodhya/bodhya/pkg/core"
	"github.com/bodhya/bodhya/pkg/errors"
	"github.com/bodhya/bodhya/pkg/sandbox"
	"github.com/bodhya/bodhya/pkg/storage"
	"github.com/bodhya/bodhya/pkg/telemetry"
)

// Execute validates the engagement mode, routes the task, builds a fresh
// execution context and runs the agent under the task timeout. The run is
// recorded in history when a store is configured.
func (c *Controller) Execute(ctx context.Context, task *core.Task) (*core.AgentResult, error) {
	if task == nil {
		return nil, errors.Newf(errors.CodeInvalidInput, "task is required")
	}
	ctx = core.WithTaskID(ctx, task.ID())
	ctx, span := c.tracer.Start(ctx, "controller.execute", trace.WithAttributes(
		telemetry.TaskAttributes(task.ID(), task.DomainHint(), "")...))
	defer span.End()

	start := time.Now()
	rec := storage.TaskRecord{
		TaskID:      task.ID(),
		Domain:      task.DomainHint(),
		Description: task.Description(),
		Status:      core.TaskStatusRunning,
		StartedAt:   start,
	}
	fail := func(err error) (*core.AgentResult, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		rec.Status = core.TaskStatusFailed
		rec.Error = err.Error()
		c.finish(ctx, rec, start)
		c.events.Emit(ctx, core.NewEvent(core.EventTaskFailed, rec.AgentID, task.ID(), map[string]any{"error": err.Error()}))
		return nil, err
	}

	mode, err := c.engagement.ModeFor(task)
	if err != nil {
		return fail(err)
	}
	reg, err := c.route(ctx, task)
	if err != nil {
		return fail(err)
	}
	rec.AgentID = reg.agent.ID()
	if rec.Domain == "" {
		rec.Domain = reg.cap.Domain
	}
	c.events.Emit(ctx, core.NewEvent(core.EventTaskRouted, rec.AgentID, task.ID(), map[string]any{"domain": rec.Domain}))
	span.SetAttributes(
		attribute.String(telemetry.AttrAgentID, rec.AgentID),
		attribute.String(telemetry.AttrEngagement, mode.String()))

	execCtx, err := c.newExecutionContext(task, reg, mode)
	if err != nil {
		return fail(err)
	}
	c.save(ctx, rec)
	c.events.Emit(ctx, core.NewEvent(core.EventTaskStarted, rec.AgentID, task.ID(), map[string]any{"engagement": mode.String()}))

	runCtx := ctx
	if execCtx.Limits.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, execCtx.Limits.Timeout)
		defer cancel()
	}

	c.logger.InfoContext(ctx, "controller.execute.start", telemetry.AttrTaskID, task.ID(),
		telemetry.AttrAgentID, rec.AgentID, telemetry.AttrEngagement, mode.String())
	res, err := reg.agent.Handle(runCtx, task, execCtx)
	if err != nil {
		err = deadlineError(runCtx, err)
		if res != nil {
			rec.Iterations = iterationsOf(res)
		}
		c.logger.WarnContext(ctx, "controller.execute.failed", telemetry.AttrTaskID, task.ID(),
			telemetry.AttrAgentID, rec.AgentID, "error", err)
		_, err = fail(err)
		return res, err
	}
	if res == nil {
		return fail(errors.Newf(errors.CodeInvalidOutput, "agent %q returned no result", rec.AgentID))
	}

	rec.Iterations = iterationsOf(res)
	rec.Result = res.Content
	rec.Status = core.TaskStatusCompleted
	if !res.Success {
		rec.Status = core.TaskStatusFailed
		rec.Error = res.Error
	}
	c.finish(ctx, rec, start)
	typ := core.EventTaskCompleted
	if !res.Success {
		typ = core.EventTaskFailed
	}
	c.events.Emit(ctx, core.NewEvent(typ, rec.AgentID, task.ID(), map[string]any{
		"iterations": rec.Iterations, "error": rec.Error}))
	c.logger.InfoContext(ctx, "controller.execute.done", telemetry.AttrTaskID, task.ID(),
		telemetry.AttrAgentID, rec.AgentID, "success", res.Success, "duration", time.Since(start))
	return res, nil
}

func (c *Controller) newExecutionContext(task *core.Task, reg *registration, mode core.EngagementMode) (*core.ExecutionContext, error) {
	limits := c.limits
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	execCtx := &core.ExecutionContext{
		TaskID:     task.ID(),
		Limits:     limits,
		Engagement: mode,
		Settings:   reg.settings,
		Logger:     c.logger.With(telemetry.AttrTaskID, task.ID(), telemetry.AttrAgentID, reg.agent.ID()),
	}
	if c.tools != nil {
		ws, err := c.taskWorkspace(limits)
		if err != nil {
			return nil, err
		}
		execCtx.WorkDir = ws.Root()
		execCtx.Tools = c.tools.Bind(ws)
	}
	if c.models != nil {
		if len(reg.pins) > 0 {
			execCtx.Models = c.models.Pinned(mode, reg.pins)
		} else {
			execCtx.Models = c.models.For(mode)
		}
	}
	return execCtx, nil
}

// taskWorkspace returns a sandbox with fresh limit counters.
func (c *Controller) taskWorkspace(limits core.ExecutionLimits) (*sandbox.Sandbox, error) {
	if c.workspace != nil {
		return c.workspace.WithLimits(sandbox.LimitsFrom(limits)), nil
	}
	root := "."
	if c.cfg != nil && c.cfg.Tools.WorkDir != "" {
		root = c.cfg.Tools.WorkDir
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.New(errors.CodeConfig, "create work dir", err).WithContext("work_dir", root)
	}
	opts := []sandbox.Option{sandbox.WithLimits(sandbox.LimitsFrom(limits)), sandbox.WithLogger(c.logger)}
	if c.shellTimeout > 0 {
		opts = append(opts, sandbox.WithShellTimeout(c.shellTimeout))
	}
	return sandbox.New(root, opts...)
}

func (c *Controller) save(ctx context.Context, rec storage.TaskRecord) {
	if c.history == nil {
		return
	}
	if err := c.history.Save(context.WithoutCancel(ctx), rec); err != nil {
		c.logger.WarnContext(ctx, "controller.history.save_failed", telemetry.AttrTaskID, rec.TaskID, "error", err)
	}
}

func (c *Controller) finish(ctx context.Context, rec storage.TaskRecord, start time.Time) {
	rec.CompletedAt = time.Now()
	rec.DurationMS = rec.CompletedAt.Sub(start).Milliseconds()
	c.save(ctx, rec)
}

// deadlineError reports an agent failure caused by the task timeout as
// TIMEOUT.
func deadlineError(ctx context.Context, err error) error {
	if stderrors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.HasCode(err, errors.CodeTimeout) {
		return errors.New(errors.CodeTimeout, "task exceeded its time limit", err)
	}
	return err
}

func iterationsOf(res *core.AgentResult) int {
	switch n := res.Metadata["iterations"].(type) {
	case int:
		return n
	case float64:
		return int(n)
	}
	return 0
}

// Outcome is the result of one task in ExecuteAll.
type Outcome struct {
	TaskID string
	Result *core.AgentResult
	Err    error
}

// ExecuteAll runs independent tasks with at most concurrency in flight and
// returns outcomes in input order. Task failures are reported per outcome;
// the error is non-nil only when ctx ended before every task started.
func (c *Controller) ExecuteAll(ctx context.Context, tasks []*core.Task, concurrency int) ([]Outcome, error) {
	if concurrency < 1 {
		concurrency = 1
	}
	out := make([]Outcome, len(tasks))
	var g errgroup.Group
	g.SetLimit(concurrency)
	for i, task := range tasks {
		if err := ctx.Err(); err != nil {
			for j := i; j < len(tasks); j++ {
				out[j] = Outcome{TaskID: taskID(tasks[j]), Err: errors.New(errors.CodeCanceled, "not started", err)}
			}
			_ = g.Wait()
			return out, errors.New(errors.CodeCanceled, "execute all", err)
		}
		g.Go(func() error {
			res, err := c.Execute(ctx, task)
			out[i] = Outcome{TaskID: taskID(task), Result: res, Err: err}
			return nil
		})
	}
	return out, g.Wait()
}

func taskID(t *core.Task) string {
	if t == nil {
		return ""
	}
	return t.ID()
}
