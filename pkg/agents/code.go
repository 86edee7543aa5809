package agents

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/bodhya/bodhya/pkg/core"
	"github.com/bodhya/bodhya/pkg/errors"
	"github.com/bodhya/bodhya/pkg/executor"
)

// CodeAgentID is the id of the code agent.
const CodeAgentID = "code"

// CodeAgent writes files and drives them to passing validation.
//
// The plan comes from the task payload ("files" and "validate") or, when the
// execution context carries models, from the coder role. Settings:
// "default_path" names the generated file and "validate" is a command line
// run after every write.
type CodeAgent struct {
	exec        *executor.Executor
	defaultPath string
}

// CodeOption configures a CodeAgent.
type CodeOption func(*CodeAgent)

// WithExecutor sets the executor.
func WithExecutor(e *executor.Executor) CodeOption {
	return func(a *CodeAgent) { a.exec = e }
}

// WithDefaultPath sets the file generated when the task names none.
func WithDefaultPath(p string) CodeOption {
	return func(a *CodeAgent) { a.defaultPath = p }
}

// NewCodeAgent creates the code agent.
func NewCodeAgent(opts ...CodeOption) *CodeAgent {
	a := &CodeAgent{defaultPath: "main.go"}
	for _, opt := range opts {
		opt(a)
	}
	if a.exec == nil {
		a.exec = executor.New()
	}
	return a
}

func (a *CodeAgent) ID() string { return CodeAgentID }

func (a *CodeAgent) Capability() core.AgentCapability {
	return core.AgentCapability{
		Domain:      "code",
		Intents:     []string{"generate", "implement", "fix", "refactor", "test", "code", "function"},
		Description: "Writes source files and iterates until validation passes",
	}
}

// Handle builds the plan and runs it. Exhausted iterations produce a failed
// result without an error; terminal executor failures return both.
func (a *CodeAgent) Handle(ctx context.Context, task *core.Task, execCtx *core.ExecutionContext) (*core.AgentResult, error) {
	if execCtx == nil || execCtx.Tools == nil {
		return nil, errors.Newf(errors.CodeInvalidInput, "code agent requires tools")
	}
	plan, source, err := a.plan(ctx, task, execCtx)
	if err != nil {
		return nil, err
	}
	execCtx.Log().InfoContext(ctx, "agents.code.plan", "source", source,
		"files", len(plan.Files), "validate", len(plan.Validate))

	summary, err := a.exec.ExecuteWithRetry(ctx, plan, execCtx)
	if summary == nil {
		return nil, err
	}
	res := codeResult(task, summary, source)
	if err != nil {
		res.Success = false
		res.Error = err.Error()
		return res, err
	}
	return res, nil
}

func (a *CodeAgent) plan(ctx context.Context, task *core.Task, execCtx *core.ExecutionContext) (executor.Plan, string, error) {
	payload := task.Payload()
	plan, err := executor.PlanFromPayload(payload)
	if err != nil {
		return executor.Plan{}, "", err
	}
	if len(plan.Validate) == 0 {
		if line := execCtx.Setting("validate"); line != "" {
			fields := strings.Fields(line)
			plan.Validate = []executor.Command{{Name: fields[0], Args: fields[1:]}}
		}
	}
	if len(plan.Files) > 0 {
		return plan, "payload", nil
	}

	if !execCtx.HasModels() {
		return executor.Plan{}, "", errors.Newf(errors.CodeInvalidInput, "task has no files and no model is configured")
	}
	path := task.PayloadString("path")
	if path == "" {
		path = execCtx.Setting("default_path")
	}
	if path == "" {
		path = a.defaultPath
	}
	prompt, err := render("code_generate.tmpl", map[string]any{
		"Task":     task.Description(),
		"Path":     path,
		"Validate": validateLine(plan.Validate),
		"Existing": existing(ctx, execCtx.Tools, path),
	})
	if err != nil {
		return executor.Plan{}, "", err
	}
	out, err := execCtx.Models.Generate(ctx, core.RoleCoder, "code", prompt)
	if err != nil {
		return executor.Plan{}, "", err
	}
	content := executor.NormalizeContent(out)
	if strings.TrimSpace(content) == "" {
		return executor.Plan{}, "", errors.Newf(errors.CodeInvalidOutput, "model returned no content for %s", path)
	}
	plan.Files = []executor.Artifact{{Path: path, Content: content}}
	return plan, "model", nil
}

// existing returns the current content of path, or "" when it cannot be read.
func existing(ctx context.Context, tools core.ToolExecutor, path string) string {
	res, err := tools.Execute(ctx, "filesystem", "read", map[string]any{"path": path})
	if err != nil || !res.Success {
		return ""
	}
	s, _ := res.Payload.(string)
	return s
}

func validateLine(cmds []executor.Command) string {
	lines := make([]string, 0, len(cmds))
	for _, c := range cmds {
		lines = append(lines, strings.TrimSpace(c.Name+" "+strings.Join(c.Args, " ")))
	}
	return strings.Join(lines, " && ")
}

func codeResult(task *core.Task, s *executor.ExecutionSummary, source string) *core.AgentResult {
	var b strings.Builder
	if s.Success {
		fmt.Fprintf(&b, "Validation passed after %d iteration(s).\n", s.Iterations)
	} else {
		fmt.Fprintf(&b, "Validation failed after %d iteration(s).\n", s.Iterations)
	}
	if len(s.FilesModified) > 0 {
		b.WriteString("\nFiles:\n")
		for _, f := range s.FilesModified {
			b.WriteString("- " + f + "\n")
		}
	}
	if len(s.CommandsExecuted) > 0 {
		b.WriteString("\nCommands:\n")
		for _, c := range s.CommandsExecuted {
			b.WriteString("- " + c + "\n")
		}
	}
	for _, rec := range s.History {
		if len(rec.Errors) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\nIteration %d (%s):\n", rec.Iteration, rec.Category)
		for _, e := range rec.Errors {
			b.WriteString("  " + e + "\n")
		}
	}

	res := core.NewAgentResult(task.ID(), b.String())
	res.Success = s.Success
	if !s.Success {
		res.Error = fmt.Sprintf("validation did not pass within %d iteration(s)", s.Iterations)
		if s.TerminalError != "" {
			res.Error = fmt.Sprintf("stopped by %s after %d iteration(s)", s.TerminalError, s.Iterations)
		}
	}
	files := make([]string, 0, len(s.FinalContent))
	for f := range s.FinalContent {
		files = append(files, f)
	}
	sort.Strings(files)
	return res.
		WithMetadata("iterations", s.Iterations).
		WithMetadata("source", source).
		WithMetadata("files", files).
		WithMetadata("summary", s)
}
