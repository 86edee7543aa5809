package agents

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/bodhya/bodhya/pkg/controller"
	"github.com/bodhya/bodhya/pkg/core"
	"github.com/bodhya/bodhya/pkg/errors"
	"github.com/bodhya/bodhya/pkg/executor"
	"github.com/bodhya/bodhya/pkg/sandbox"
	"github.com/bodhya/bodhya/pkg/storage"
	"github.com/bodhya/bodhya/pkg/telemetry"
	"github.com/bodhya/bodhya/pkg/tools"
)

type reply struct {
	out string
	err error
}

type call struct {
	role   core.ModelRole
	domain string
	prompt string
}

// scriptModel answers Generate calls in order; the last reply repeats.
type scriptModel struct {
	mu      sync.Mutex
	replies []reply
	calls   []call
}

func (m *scriptModel) Generate(_ context.Context, role core.ModelRole, domain, prompt string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call{role, domain, prompt})
	r := m.replies[len(m.replies)-1]
	if len(m.calls) <= len(m.replies) {
		r = m.replies[len(m.calls)-1]
	}
	return r.out, r.err
}

func skipWithoutShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("uses unix commands")
	}
}

func newExecContext(t *testing.T, limits *sandbox.Limits) (*core.ExecutionContext, *sandbox.Sandbox) {
	t.Helper()
	sb, err := sandbox.New(t.TempDir(), sandbox.WithLimits(limits))
	if err != nil {
		t.Fatalf("sandbox.New error: %v", err)
	}
	reg := tools.NewRegistry(tools.WithLogger(telemetry.Discard()))
	if err := tools.RegisterBuiltins(reg, sb); err != nil {
		t.Fatalf("RegisterBuiltins error: %v", err)
	}
	return &core.ExecutionContext{
		TaskID:  "t1",
		WorkDir: sb.Root(),
		Tools:   reg.Bind(sb),
		Limits:  core.DefaultExecutionLimits(),
		Logger:  telemetry.Discard(),
	}, sb
}

func TestCodeAgentRunsPayloadPlan(t *testing.T) {
	skipWithoutShell(t)
	execCtx, sb := newExecContext(t, nil)
	task := core.NewTaskWithPayload("implement greeting", "code", map[string]any{
		"files":    []any{map[string]any{"path": "pkg/hello.txt", "content": "hi there"}},
		"validate": []any{[]any{"sh", "-c", "grep -q hi pkg/hello.txt"}},
	})

	res, err := NewCodeAgent().Handle(context.Background(), task, execCtx)
	if err != nil || !res.Success {
		t.Fatalf("Handle = %+v, %v", res, err)
	}
	if res.Metadata["iterations"] != 1 || res.Metadata["source"] != "payload" {
		t.Errorf("metadata = %v", res.Metadata)
	}
	if diff := cmp.Diff([]string{"pkg/hello.txt"}, res.Metadata["files"]); diff != "" {
		t.Errorf("files (-want +got):\n%s", diff)
	}
	if got, _ := sb.Read("pkg/hello.txt"); got != "hi there" {
		t.Errorf("file content = %q", got)
	}
}

func TestCodeAgentGeneratesAndRefinesWithModel(t *testing.T) {
	skipWithoutShell(t)
	execCtx, sb := newExecContext(t, nil)
	models := &scriptModel{replies: []reply{{out: "```\nbroken\n```"}, {out: "fixed"}}}
	execCtx.Models = models
	task := core.NewTaskWithPayload("generate a marker file", "", map[string]any{
		"path":     "out.txt",
		"validate": []any{[]any{"sh", "-c", "grep -q fixed out.txt || { echo 'error: marker missing' >&2; exit 1; }"}},
	})

	res, err := NewCodeAgent().Handle(context.Background(), task, execCtx)
	if err != nil || !res.Success {
		t.Fatalf("Handle = %+v, %v", res, err)
	}
	if res.Metadata["iterations"] != 2 || res.Metadata["source"] != "model" {
		t.Errorf("metadata = %v", res.Metadata)
	}
	if len(models.calls) != 2 {
		t.Fatalf("model calls = %d, want generate and refine", len(models.calls))
	}
	first := models.calls[0]
	if first.role != core.RoleCoder || first.domain != "code" ||
		!strings.Contains(first.prompt, "out.txt") || !strings.Contains(first.prompt, "sh -c") {
		t.Errorf("generate call = %+v", first)
	}
	if !strings.Contains(models.calls[1].prompt, "error: marker missing") {
		t.Errorf("refine prompt lacks the failure: %q", models.calls[1].prompt)
	}
	if got, _ := sb.Read("out.txt"); got != "fixed\n" {
		t.Errorf("out.txt = %q", got)
	}
}

func TestCodeAgentReportsExhaustedIterations(t *testing.T) {
	skipWithoutShell(t)
	execCtx, _ := newExecContext(t, nil)
	execCtx.Limits.MaxIterations = 2
	task := core.NewTaskWithPayload("fix it", "code", map[string]any{
		"files":    []any{map[string]any{"path": "a.txt", "content": "a"}},
		"validate": []any{[]any{"sh", "-c", "echo 'error: still wrong' >&2; exit 1"}},
	})

	res, err := NewCodeAgent().Handle(context.Background(), task, execCtx)
	if err != nil {
		t.Fatalf("exhaustion must not be an error: %v", err)
	}
	if res.Success || res.Metadata["iterations"] != 2 || res.Error != "validation did not pass within 2 iteration(s)" {
		t.Fatalf("result = %+v", res)
	}
	summary := res.Metadata["summary"].(*executor.ExecutionSummary)
	if len(summary.History) != 2 || summary.History[1].Errors[0] != "error: still wrong" {
		t.Errorf("history = %+v", summary.History)
	}
}

func TestCodeAgentStopsOnLimit(t *testing.T) {
	execCtx, _ := newExecContext(t, sandbox.NewLimits(0, 0))
	task := core.NewTaskWithPayload("write", "code", map[string]any{
		"files": []any{map[string]any{"path": "a.txt", "content": "a"}},
	})

	res, err := NewCodeAgent().Handle(context.Background(), task, execCtx)
	if !errors.HasCode(err, errors.CodeLimitExceeded) {
		t.Fatalf("error = %v, want LIMIT_EXCEEDED", err)
	}
	if res == nil || res.Success || !strings.Contains(res.Error, "LIMIT_EXCEEDED") {
		t.Fatalf("result = %+v", res)
	}
}

func TestCodeAgentNeedsFilesOrModel(t *testing.T) {
	execCtx, _ := newExecContext(t, nil)
	_, err := NewCodeAgent().Handle(context.Background(), core.NewTask("generate something"), execCtx)
	if !errors.HasCode(err, errors.CodeInvalidInput) {
		t.Fatalf("error = %v, want INVALID_INPUT", err)
	}
	if _, err := NewCodeAgent().Handle(context.Background(), core.NewTask("x"), &core.ExecutionContext{}); !errors.HasCode(err, errors.CodeInvalidInput) {
		t.Fatalf("no tools error = %v", err)
	}
}

func TestMailAgentTemplateWithoutModel(t *testing.T) {
	res, err := NewMailAgent().Handle(context.Background(), core.NewTask("Meeting invitation for next Tuesday"), &core.ExecutionContext{})
	if err != nil || !res.Success {
		t.Fatalf("Handle = %+v, %v", res, err)
	}
	if !strings.HasPrefix(res.Content, "Subject: Regarding: Meeting invitation for next Tuesday\n\n") {
		t.Errorf("content = %q", res.Content)
	}
	if res.Metadata["fallback"] != true {
		t.Errorf("metadata = %v", res.Metadata)
	}
}

func TestMailAgentDraftsAndRefines(t *testing.T) {
	execCtx, sb := newExecContext(t, nil)
	models := &scriptModel{replies: []reply{
		{out: "Subject: Tuesday sync\n\nHi team,\nLet's meet."},
		{out: "Refined Email:\nSubject: Tuesday sync\n\nHi team, let's meet on Tuesday.\n\nChanges Made:\n- Merged sentences\n- Named the day"},
	}}
	execCtx.Models = models
	task := core.NewTaskWithPayload("invite the team to a sync", "mail", map[string]any{
		"context": "weekly planning",
		"tone":    "friendly",
		"output":  "drafts/sync.txt",
	})

	res, err := NewMailAgent().Handle(context.Background(), task, execCtx)
	if err != nil {
		t.Fatalf("Handle error: %v", err)
	}
	want := "Subject: Tuesday sync\n\nHi team, let's meet on Tuesday.\n\nRefinements:\n- Merged sentences\n- Named the day"
	if res.Content != want {
		t.Errorf("content = %q", res.Content)
	}
	if res.Metadata["fallback"] != false || res.Metadata["subject"] != "Tuesday sync" {
		t.Errorf("metadata = %v", res.Metadata)
	}
	first := models.calls[0]
	if first.role != core.RoleWriter || first.domain != "mail" ||
		!strings.Contains(first.prompt, "weekly planning") || !strings.Contains(first.prompt, "Tone: friendly") {
		t.Errorf("draft call = %+v", first)
	}
	if got, _ := sb.Read("drafts/sync.txt"); got != "Subject: Tuesday sync\n\nHi team, let's meet on Tuesday.\n" {
		t.Errorf("written draft = %q", got)
	}
}

func TestMailAgentModelFailures(t *testing.T) {
	unavailable := errors.Newf(errors.CodeModelUnavailable, "down")

	// The unrefined draft survives a refinement failure.
	models := &scriptModel{replies: []reply{{out: "Subject: Hello\n\nBody text"}, {err: unavailable}}}
	res, err := NewMailAgent().Handle(context.Background(), core.NewTask("say hello"), &core.ExecutionContext{Models: models})
	if err != nil || res.Content != "Subject: Hello\n\nBody text" || res.Metadata["fallback"] != false {
		t.Fatalf("refine failure = %+v, %v", res, err)
	}

	models = &scriptModel{replies: []reply{{err: unavailable}}}
	res, err = NewMailAgent().Handle(context.Background(), core.NewTask("say hello"), &core.ExecutionContext{Models: models})
	if err != nil || res.Metadata["fallback"] != true {
		t.Fatalf("draft failure = %+v, %v", res, err)
	}

	models = &scriptModel{replies: []reply{{err: errors.Newf(errors.CodeInternal, "boom")}}}
	if _, err := NewMailAgent().Handle(context.Background(), core.NewTask("say hello"), &core.ExecutionContext{Models: models}); !errors.HasCode(err, errors.CodeInternal) {
		t.Fatalf("internal failure error = %v", err)
	}
}

func TestParseDraft(t *testing.T) {
	cases := []struct {
		in   string
		want Draft
	}{
		{"Subject: Hi\n\nHello Bob,\n\nThanks.\n", Draft{Subject: "Hi", Body: "Hello Bob,\n\nThanks."}},
		{"**Subject**: Hi\n**Body**:\nHello", Draft{Subject: "Hi", Body: "Hello"}},
		{"just some text", Draft{Subject: "Email Draft", Body: "just some text"}},
	}
	for _, tc := range cases {
		if diff := cmp.Diff(tc.want, ParseDraft(tc.in)); diff != "" {
			t.Errorf("ParseDraft(%q) (-want +got):\n%s", tc.in, diff)
		}
	}

	d, changes := ParseRefined("no sections here")
	if d.Subject != "Email Draft" || changes != nil {
		t.Errorf("ParseRefined = %+v, %v", d, changes)
	}
}

func TestControllerRoutesBuiltinAgents(t *testing.T) {
	skipWithoutShell(t)
	sb, err := sandbox.New(t.TempDir())
	if err != nil {
		t.Fatalf("sandbox.New error: %v", err)
	}
	reg := tools.NewRegistry(tools.WithLogger(telemetry.Discard()))
	if err := tools.RegisterBuiltins(reg, sb); err != nil {
		t.Fatalf("RegisterBuiltins error: %v", err)
	}
	history := storage.NewMemoryHistoryStore()
	c := controller.New(controller.WithTools(reg), controller.WithWorkspace(sb),
		controller.WithHistory(history), controller.WithLogger(telemetry.Discard()))
	for _, a := range Builtin() {
		if err := c.Register(a); err != nil {
			t.Fatalf("Register error: %v", err)
		}
	}

	task := core.NewTaskWithPayload("generate function", "code", map[string]any{
		"files":    []any{map[string]any{"path": "f.txt", "content": "func"}},
		"validate": []any{[]any{"true"}},
	})
	res, err := c.Execute(context.Background(), task)
	if err != nil || !res.Success {
		t.Fatalf("Execute = %+v, %v", res, err)
	}
	rec, err := history.Get(context.Background(), task.ID())
	if err != nil || rec.AgentID != CodeAgentID || rec.Status != core.TaskStatusCompleted || rec.Iterations != 1 {
		t.Fatalf("record = %+v, %v", rec, err)
	}

	res, err = c.Execute(context.Background(), core.NewTask("draft a reply to Sam"))
	if err != nil || !strings.HasPrefix(res.Content, "Subject: Regarding: draft a reply to Sam") {
		t.Fatalf("mail Execute = %+v, %v", res, err)
	}
}
