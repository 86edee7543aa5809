package executor

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/bodhya/bodhya/pkg/core"
	"github.com/bodhya/bodhya/pkg/errors"
	"github.com/bodhya/bodhya/pkg/sandbox"
	"github.com/bodhya/bodhya/pkg/telemetry"
)

// Tool names the executor dispatches to.
const (
	toolFilesystem = "filesystem"
	toolShell      = "shell"
)

// Executor runs plans. It holds no per-run state and may be shared.
type Executor struct {
	refiner Refiner
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *telemetry.EngineMetrics
}

// Option configures an Executor.
type Option func(*Executor)

// WithRefiner fixes the refiner. Without it, runs whose context carries a
// model handle use a ModelRefiner and the rest a HeuristicRefiner.
func WithRefiner(r Refiner) Option {
	return func(e *Executor) { e.refiner = r }
}

// WithLogger sets the logger used when the execution context has none.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *telemetry.EngineMetrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// New creates an executor.
func New(opts ...Option) *Executor {
	e := &Executor{
		tracer:  otel.Tracer("bodhya/executor"),
		metrics: telemetry.Metrics(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExecuteWithRetry persists the plan, validates it and refines it until
// validation passes or MaxIterations passes have run. Validation failures
// never produce an error: they are reported in the summary. The error is
// reserved for terminal failures (limit or path violations, the overall
// timeout, cancellation, and tool misconfiguration), in which case the
// summary still carries every completed iteration and TerminalError.
func (e *Executor) ExecuteWithRetry(ctx context.Context, plan Plan, execCtx *core.ExecutionContext) (*ExecutionSummary, error) {
	if execCtx == nil || execCtx.Tools == nil {
		return nil, errors.Newf(errors.CodeInvalidInput, "execution context with tools is required")
	}
	if err := plan.Check(); err != nil {
		return nil, err
	}
	limits := execCtx.Limits
	if limits.MaxIterations < 1 {
		limits.MaxIterations = core.DefaultExecutionLimits().MaxIterations
	}
	if limits.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, limits.Timeout)
		defer cancel()
	}

	logger := e.logger
	if execCtx.Logger != nil || logger == nil {
		logger = execCtx.Log()
	}
	logger = telemetry.Component(logger, "executor").With(telemetry.AttrTaskID, execCtx.TaskID)

	ctx, span := e.tracer.Start(ctx, "executor.run", trace.WithAttributes(
		attribute.String(telemetry.AttrTaskID, execCtx.TaskID),
		attribute.Int(telemetry.AttrMaxIterations, limits.MaxIterations)))
	defer span.End()

	r := run{
		e:       e,
		tools:   execCtx.Tools,
		refiner: e.refinerFor(execCtx, logger),
		logger:  logger,
		max:     limits.MaxIterations,
		b:       newSummaryBuilder(),
	}
	summary, err := r.loop(ctx, plan.Clone())

	e.metrics.RecordExecution(ctx, summary.Success, summary.Iterations)
	span.SetAttributes(
		attribute.String(telemetry.AttrState, string(summary.FinalState)),
		attribute.Int("bodhya.executor.iterations", summary.Iterations))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	logger.InfoContext(ctx, "executor.finished",
		"success", summary.Success,
		"iterations", summary.Iterations,
		"terminal_error", string(summary.TerminalError))
	return summary, err
}

func (e *Executor) refinerFor(execCtx *core.ExecutionContext, logger *slog.Logger) Refiner {
	if e.refiner != nil {
		return e.refiner
	}
	if execCtx.HasModels() {
		return &ModelRefiner{Models: execCtx.Models, Fallback: HeuristicRefiner{}, Logger: logger}
	}
	return HeuristicRefiner{}
}

// run is the state of one ExecuteWithRetry call. It is owned by the calling
// goroutine.
type run struct {
	e       *Executor
	tools   core.ToolExecutor
	refiner Refiner
	logger  *slog.Logger
	max     int
	b       *summaryBuilder
	state   State
}

func (r *run) to(ctx context.Context, next State) {
	r.logger.DebugContext(ctx, "executor.state", "from", string(r.state), "to", string(next))
	r.state = next
}

func (r *run) loop(ctx context.Context, current Plan) (*ExecutionSummary, error) {
	r.state = StateGenerate
	for iteration := 1; ; iteration++ {
		analysis, err := r.iterate(ctx, iteration, current)
		if err != nil {
			return r.terminate(ctx, current, err)
		}
		if analysis == nil {
			r.to(ctx, StateDone)
			return r.b.finish(StateDone, current, ""), nil
		}
		if iteration >= r.max {
			r.to(ctx, StateFailed)
			r.logger.WarnContext(ctx, "executor.exhausted", "iterations", iteration, "category", string(analysis.Category))
			return r.b.finish(StateFailed, current, ""), nil
		}

		r.to(ctx, StateRefine)
		next, err := r.refiner.Refine(ctx, current, *analysis)
		if err != nil {
			return r.terminate(ctx, current, err)
		}
		current = next
	}
}

// iterate runs Persist, Validate and, on failure, Analyze. It returns a nil
// analysis when validation passed.
func (r *run) iterate(ctx context.Context, iteration int, plan Plan) (*Analysis, error) {
	ctx, span := r.e.tracer.Start(ctx, "executor.iteration",
		trace.WithAttributes(telemetry.IterationAttributes(iteration, r.max)...))
	defer span.End()
	start := time.Now()

	analysis, err := r.persistAndValidate(ctx, plan)
	if err != nil {
		// A terminated pass still counts as an attempted iteration.
		r.b.record(IterationRecord{Iteration: iteration, Errors: []string{err.Error()}, Duration: time.Since(start)})
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	rec := IterationRecord{Iteration: iteration, Duration: time.Since(start)}
	category := "passed"
	if analysis != nil {
		rec.Category = analysis.Category
		rec.Errors = analysis.Messages
		category = string(analysis.Category)
	}
	r.b.record(rec)
	span.SetAttributes(attribute.String(telemetry.AttrCategory, category))
	r.e.metrics.RecordIteration(ctx, category)
	r.logger.InfoContext(ctx, "executor.iteration",
		"iteration", iteration,
		"max_iterations", r.max,
		"category", category,
		"errors", len(rec.Errors),
		"duration", rec.Duration)
	return analysis, nil
}

func (r *run) persistAndValidate(ctx context.Context, plan Plan) (*Analysis, error) {
	r.to(ctx, StatePersist)
	for _, f := range plan.Files {
		res, err := r.tools.Execute(ctx, toolFilesystem, "write", map[string]any{"path": f.Path, "content": f.Content})
		if err != nil {
			return nil, err
		}
		if !res.Success {
			r.to(ctx, StateAnalyze)
			a := Analysis{Category: CategoryUnknown, Messages: []string{res.Error}, Output: res.Error}
			a.Suggestions = suggestions(a)
			return &a, nil
		}
		r.b.wrote(f.Path)
	}

	r.to(ctx, StateValidate)
	for _, c := range plan.Validate {
		params := map[string]any{"command": c.Name, "args": append([]string(nil), c.Args...)}
		if c.Timeout > 0 {
			params["timeout"] = c.Timeout.String()
		}
		res, err := r.tools.Execute(ctx, toolShell, "run", params)
		if err != nil {
			return nil, err
		}
		out, decodeErr := commandOutput(res.Payload)
		switch {
		case !res.Success:
			r.b.ran(commandLine(c))
			r.to(ctx, StateAnalyze)
			a := Analyze(res.Error, false)
			return &a, nil
		case decodeErr != nil:
			return nil, decodeErr
		}
		r.b.ran(out.String())
		if !out.Success() {
			r.to(ctx, StateAnalyze)
			a := Analyze(out.Combined(), out.TimedOut)
			return &a, nil
		}
	}
	return nil, nil
}

func (r *run) terminate(ctx context.Context, plan Plan, err error) (*ExecutionSummary, error) {
	switch ctx.Err() {
	case context.DeadlineExceeded:
		if !errors.HasCode(err, errors.CodeTimeout) {
			err = errors.New(errors.CodeTimeout, "task exceeded its time limit", err)
		}
	case context.Canceled:
		if !errors.HasCode(err, errors.CodeCanceled) {
			err = errors.New(errors.CodeCanceled, "task canceled", err)
		}
	}
	code := errors.CodeOf(err)
	if ctx.Err() == context.DeadlineExceeded {
		code = errors.CodeTimeout
	}
	if code == "" {
		code = errors.CodeInternal
	}
	r.to(ctx, StateFailed)
	r.logger.WarnContext(ctx, "executor.terminated", "state", string(r.state), "code", string(code), "error", err)
	return r.b.finish(StateFailed, plan, code), err
}

func commandLine(c Command) string {
	out := sandbox.CommandOutput{Command: c.Name, Args: c.Args}
	return out.String()
}

// commandOutput accepts the in-process payload or its JSON form from other
// executors.
func commandOutput(payload any) (*sandbox.CommandOutput, error) {
	switch p := payload.(type) {
	case *sandbox.CommandOutput:
		return p, nil
	case sandbox.CommandOutput:
		return &p, nil
	case nil:
		return nil, errors.Newf(errors.CodeInvalidOutput, "shell returned no output")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.New(errors.CodeInvalidOutput, "encode shell output", err)
	}
	var out sandbox.CommandOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, errors.New(errors.CodeInvalidOutput, "decode shell output", err)
	}
	return &out, nil
}
