package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/bodhya/bodhya/pkg/errors"
)

// setupEnv points the config at a scratch home and returns a scratch
// working directory.
func setupEnv(t *testing.T) string {
	t.Helper()
	t.Setenv("BODHYA_PATHS_HOME", t.TempDir())
	t.Setenv("BODHYA_MODELS_MANIFEST_PATH", "")
	t.Setenv("BODHYA_ENGAGEMENT_MODE", "minimum")
	return t.TempDir()
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := newRootCmd(&globalOptions{})
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetIn(strings.NewReader(""))
	root.SetArgs(append([]string{"--log-level", "error"}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

func TestRunPayloadTaskRecordsHistory(t *testing.T) {
	work := setupEnv(t)
	payload := `{"files":[{"path":"hello.txt","content":"hello\n"}]}`

	out, _, err := execute(t, "--workdir", work, "--json", "run", "--domain", "code", "--payload", payload, "write the greeting file")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	var res runOutput
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if !res.Success {
		t.Fatalf("task failed: %+v", res)
	}
	data, err := os.ReadFile(filepath.Join(work, "hello.txt"))
	if err != nil {
		t.Fatalf("read written file: %v", err)
	}
	if string(data) != "hello\n" {
		t.Fatalf("file content = %q", data)
	}

	out, _, err = execute(t, "--json", "history", "list", "--domain", "code")
	if err != nil {
		t.Fatalf("history list: %v", err)
	}
	var recs []struct {
		TaskID  string `json:"task_id"`
		AgentID string `json:"agent_id"`
		Status  string `json:"status"`
	}
	if err := json.Unmarshal([]byte(out), &recs); err != nil {
		t.Fatalf("decode history %q: %v", out, err)
	}
	want := []struct {
		TaskID  string `json:"task_id"`
		AgentID string `json:"agent_id"`
		Status  string `json:"status"`
	}{{TaskID: res.TaskID, AgentID: "code", Status: "completed"}}
	if diff := cmp.Diff(want, recs); diff != "" {
		t.Fatalf("history mismatch (-want +got):\n%s", diff)
	}

	out, _, err = execute(t, "history", "show", res.TaskID)
	if err != nil {
		t.Fatalf("history show: %v", err)
	}
	if !strings.Contains(out, "completed") || !strings.Contains(out, "write the greeting file") {
		t.Fatalf("history show output:\n%s", out)
	}
}

func TestRunWithoutMatchingAgent(t *testing.T) {
	work := setupEnv(t)
	_, _, err := execute(t, "--workdir", work, "run", "xyzzy plugh")
	if !errors.HasCode(err, errors.CodeAgentNotFound) {
		t.Fatalf("err = %v, want AGENT_NOT_FOUND", err)
	}
	if got := exitCode(err); got != 1 {
		t.Fatalf("exit code = %d, want 1", got)
	}
}

func TestRunRequiresDescription(t *testing.T) {
	setupEnv(t)
	_, _, err := execute(t, "run")
	if !errors.HasCode(err, errors.CodeInvalidInput) {
		t.Fatalf("err = %v, want INVALID_INPUT", err)
	}
	if got := exitCode(err); got != 2 {
		t.Fatalf("exit code = %d, want 2", got)
	}
}

func TestRunTasksFile(t *testing.T) {
	work := setupEnv(t)
	tasks := filepath.Join(t.TempDir(), "tasks.yaml")
	content := `- description: write a.txt
  domain: code
  payload:
    files:
      - path: a.txt
        content: "a"
- description: write b.txt
  domain: code
  payload:
    files:
      - path: b.txt
        content: "b"
`
	if err := os.WriteFile(tasks, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	out, _, err := execute(t, "--workdir", work, "--json", "run", "--tasks", tasks, "--concurrency", "2")
	if err != nil {
		t.Fatalf("run --tasks: %v", err)
	}
	var res []runOutput
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if len(res) != 2 || !res[0].Success || !res[1].Success {
		t.Fatalf("results = %+v", res)
	}
	for _, name := range []string{"a.txt", "b.txt"} {
		if _, err := os.Stat(filepath.Join(work, name)); err != nil {
			t.Fatalf("%s not written: %v", name, err)
		}
	}
}

func TestBuildTasks(t *testing.T) {
	tasks, err := buildTasks(&runOptions{Domain: "mail", Payload: `{"tone":"formal"}`, Engagement: "min"}, []string{"reply", "to", "Ana"})
	if err != nil {
		t.Fatalf("buildTasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("got %d tasks", len(tasks))
	}
	task := tasks[0]
	if task.Description() != "reply to Ana" || task.DomainHint() != "mail" {
		t.Fatalf("task = %q/%q", task.Description(), task.DomainHint())
	}
	want := map[string]any{"tone": "formal", "engagement": "min"}
	if diff := cmp.Diff(want, task.Payload()); diff != "" {
		t.Fatalf("payload mismatch (-want +got):\n%s", diff)
	}

	if _, err := buildTasks(&runOptions{Payload: `[1,2]`}, []string{"x"}); !errors.HasCode(err, errors.CodeInvalidInput) {
		t.Fatalf("array payload err = %v, want INVALID_INPUT", err)
	}
	if _, err := buildTasks(&runOptions{TasksFile: "t.yaml"}, []string{"x"}); !errors.HasCode(err, errors.CodeInvalidInput) {
		t.Fatalf("description with --tasks err = %v, want INVALID_INPUT", err)
	}
}

func TestToolsCallAndList(t *testing.T) {
	work := setupEnv(t)

	_, _, err := execute(t, "--workdir", work, "tools", "call", "filesystem", "write", "--params", `{"path":"notes/a.txt","content":"note"}`)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	out, _, err := execute(t, "--workdir", work, "tools", "call", "filesystem", "read", "--params", `{"path":"notes/a.txt"}`)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if out != "note\n" {
		t.Fatalf("read output = %q", out)
	}

	_, _, err = execute(t, "--workdir", work, "tools", "call", "filesystem", "read", "--params", `{"path":"../outside.txt"}`)
	if !errors.HasCode(err, errors.CodePathViolation) {
		t.Fatalf("escape err = %v, want PATH_VIOLATION", err)
	}

	_, _, err = execute(t, "--workdir", work, "tools", "call", "nope", "run")
	if !errors.HasCode(err, errors.CodeNotFound) {
		t.Fatalf("unknown tool err = %v, want NOT_FOUND", err)
	}

	out, _, err = execute(t, "--workdir", work, "--json", "tools", "list", "--builtin")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var descs []struct {
		Name   string `json:"name"`
		Origin string `json:"origin"`
	}
	if err := json.Unmarshal([]byte(out), &descs); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	names := map[string]bool{}
	for _, d := range descs {
		names[d.Name] = true
	}
	for _, want := range []string{"filesystem", "shell"} {
		if !names[want] {
			t.Errorf("tools list is missing %q: %v", want, descs)
		}
	}
}

func TestModelsWithoutManifest(t *testing.T) {
	setupEnv(t)
	_, _, err := execute(t, "models", "list")
	if !errors.HasCode(err, errors.CodeConfig) {
		t.Fatalf("err = %v, want CONFIG_ERROR", err)
	}
	var buf bytes.Buffer
	printError(&buf, err, false)
	if !strings.Contains(buf.String(), "Hint: set models.manifest_path") {
		t.Fatalf("printed error lacks hint:\n%s", buf.String())
	}
}

func TestModelsListAndPlan(t *testing.T) {
	setupEnv(t)
	manifest := filepath.Join(t.TempDir(), "models.yaml")
	content := `backends:
  local:
    type: static
    location: local
    config:
      responses: ["ok"]
models:
  - id: coder-small
    role: coder
    domain: code
    display_name: Coder Small
    backend: local
    source_url: https://example.invalid/coder-small.gguf
    checksum: sha256:` + strings.Repeat("ab", 32) + `
    size_bytes: 2048
`
	if err := os.WriteFile(manifest, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("BODHYA_MODELS_MANIFEST_PATH", manifest)

	out, _, err := execute(t, "models", "list")
	if err != nil {
		t.Fatalf("models list: %v", err)
	}
	if !strings.Contains(out, "coder-small") || !strings.Contains(out, "2.0 KiB") {
		t.Fatalf("models list output:\n%s", out)
	}

	out, _, err = execute(t, "--json", "models", "plan", "coder-small")
	if err != nil {
		t.Fatalf("models plan: %v", err)
	}
	var plan struct {
		ModelID          string `json:"model_id"`
		AlreadyInstalled bool   `json:"already_installed"`
	}
	if err := json.Unmarshal([]byte(out), &plan); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if plan.ModelID != "coder-small" || plan.AlreadyInstalled {
		t.Fatalf("plan = %+v", plan)
	}

	// Declining the prompt downloads nothing.
	_, _, err = execute(t, "models", "install", "coder-small")
	if !errors.HasCode(err, errors.CodeInvalidInput) {
		t.Fatalf("unconfirmed install err = %v, want INVALID_INPUT", err)
	}
}

func TestPrintErrorJSON(t *testing.T) {
	err := errors.Newf(errors.CodePathViolation, "path escapes root").WithContext("path", "../x")
	var buf bytes.Buffer
	printError(&buf, err, true)

	var got map[string]errorBody
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	want := map[string]errorBody{"error": {
		Code:    "PATH_VIOLATION",
		Message: "[PATH_VIOLATION] path escapes root",
		Hint:    "agents may only touch files under the working directory",
		Context: map[string]any{"path": "../x"},
	}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("error JSON mismatch (-want +got):\n%s", diff)
	}

	buf.Reset()
	printError(&buf, exitStatus(1), false)
	if buf.Len() != 0 {
		t.Fatalf("exit status printed %q", buf.String())
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{errors.Newf(errors.CodeInvalidInput, "bad"), 2},
		{NewInvalidArgumentError("x", "bad"), 2},
		{errors.Newf(errors.CodeCanceled, "stop"), 130},
		{errors.Newf(errors.CodeTimeout, "slow"), 1},
		{exitStatus(3), 3},
		{os.ErrNotExist, 1},
	}
	for _, tt := range tests {
		if got := exitCode(tt.err); got != tt.want {
			t.Errorf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestVersion(t *testing.T) {
	out, _, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "bodhya "+version) {
		t.Fatalf("version output = %q", out)
	}
}

func TestDoctorWithoutManifestIsDegraded(t *testing.T) {
	work := setupEnv(t)
	out, _, err := execute(t, "--workdir", work, "--json", "doctor")
	if err != nil {
		t.Fatalf("doctor: %v", err)
	}
	var got struct {
		Status string `json:"status"`
		Checks []struct {
			Component string `json:"component"`
			Status    string `json:"status"`
		} `json:"checks"`
	}
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if got.Status != "degraded" {
		t.Fatalf("overall = %s, want degraded", got.Status)
	}
	status := map[string]string{}
	for _, c := range got.Checks {
		status[c.Component] = c.Status
	}
	want := map[string]string{
		"config":    "healthy",
		"workspace": "healthy",
		"tools":     "healthy",
		"history":   "healthy",
		"models":    "degraded",
	}
	if diff := cmp.Diff(want, status); diff != "" {
		t.Fatalf("checks mismatch (-want +got):\n%s", diff)
	}
}
