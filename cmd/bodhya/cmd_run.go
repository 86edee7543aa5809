package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/bodhya/bodhya/pkg/controller"
	"github.com/bodhya/bodhya/pkg/core"
)

type runOptions struct {
	Domain      string
	Payload     string
	Engagement  string
	TasksFile   string
	Concurrency int
}

// taskSpec is one entry of a --tasks file.
type taskSpec struct {
	Description string         `yaml:"description" json:"description"`
	Domain      string         `yaml:"domain" json:"domain"`
	Payload     map[string]any `yaml:"payload" json:"payload"`
}

type runOutput struct {
	TaskID  string         `json:"task_id"`
	Success bool           `json:"success"`
	Content string         `json:"content,omitempty"`
	Error   string         `json:"error,omitempty"`
	Meta    map[string]any `json:"metadata,omitempty"`
}

func newRunCmd(g *globalOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run [description]",
		Short: "Route a task to an agent and execute it",
		Long: `Route a natural-language task to the best matching agent and execute it.

The payload is a JSON object passed to the agent, inline or as @file. The
code agent reads "files" ([{path, content}]) and "validate" ([{command, args}]);
the mail agent reads "context", "tone" and "output".

With --tasks, a YAML or JSON list of {description, domain, payload} is run
with at most --concurrency tasks in flight.`,
		Example: `  bodhya run "draft an email declining the meeting"
  bodhya run --domain code --payload @plan.json "fix the build"
  bodhya run --tasks tasks.yaml --concurrency 2`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTasks(cmd, g, opts, args)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.Domain, "domain", "d", "", "route directly to the agent for this domain")
	f.StringVarP(&opts.Payload, "payload", "p", "", "task payload as JSON or @file")
	f.StringVarP(&opts.Engagement, "engagement", "e", "", "engagement for this task: minimum, medium or maximum (never above the configured mode)")
	f.StringVar(&opts.TasksFile, "tasks", "", "run every task in a YAML or JSON file")
	f.IntVar(&opts.Concurrency, "concurrency", 1, "tasks in flight with --tasks")
	return cmd
}

func runTasks(cmd *cobra.Command, g *globalOptions, opts *runOptions, args []string) error {
	tasks, err := buildTasks(opts, args)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	return withApp(ctx, g, cmd.ErrOrStderr(), func(a *app) error {
		if !g.JSON {
			a.events = progressEvents(cmd.ErrOrStderr())
		}
		ctrl, err := a.controller(ctx)
		if err != nil {
			return err
		}
		if len(tasks) == 1 {
			res, err := ctrl.Execute(ctx, tasks[0])
			if res == nil {
				return err
			}
			if werr := writeResults(cmd.OutOrStdout(), g.JSON, []controller.Outcome{{TaskID: tasks[0].ID(), Result: res, Err: err}}); werr != nil {
				return werr
			}
			if err != nil {
				return err
			}
			if !res.Success {
				return exitStatus(1)
			}
			return nil
		}

		outcomes, err := ctrl.ExecuteAll(ctx, tasks, opts.Concurrency)
		if werr := writeResults(cmd.OutOrStdout(), g.JSON, outcomes); werr != nil {
			return werr
		}
		if err != nil {
			return err
		}
		for _, o := range outcomes {
			if o.Err != nil || o.Result == nil || !o.Result.Success {
				return exitStatus(1)
			}
		}
		return nil
	})
}

func buildTasks(opts *runOptions, args []string) ([]*core.Task, error) {
	if opts.TasksFile != "" {
		if len(args) > 0 {
			return nil, NewInvalidArgumentError("description", "a description cannot be combined with --tasks")
		}
		return loadTaskFile(opts.TasksFile, opts.Engagement)
	}
	desc := strings.TrimSpace(strings.Join(args, " "))
	if desc == "" {
		return nil, NewInvalidArgumentError("description", "a task description is required")
	}
	payload, err := parsePayload(opts.Payload)
	if err != nil {
		return nil, err
	}
	if opts.Engagement != "" {
		payload = withEngagement(payload, opts.Engagement)
	}
	return []*core.Task{core.NewTaskWithPayload(desc, opts.Domain, payload)}, nil
}

// parsePayload reads a JSON object given inline or as @file.
func parsePayload(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	data := []byte(raw)
	if path, ok := strings.CutPrefix(raw, "@"); ok {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, NewInvalidArgumentError("payload", fmt.Sprintf("read %s: %v", path, err))
		}
		data = b
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, NewInvalidArgumentError("payload", "payload must be a JSON object: "+err.Error())
	}
	return payload, nil
}

func loadTaskFile(path, engagement string) ([]*core.Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewInvalidArgumentError("tasks", fmt.Sprintf("read %s: %v", path, err))
	}
	var specs []taskSpec
	// YAML is a superset of JSON.
	if err := yaml.Unmarshal(data, &specs); err != nil {
		return nil, NewInvalidArgumentError("tasks", fmt.Sprintf("parse %s: %v", path, err))
	}
	if len(specs) == 0 {
		return nil, NewInvalidArgumentError("tasks", path+" has no tasks")
	}
	tasks := make([]*core.Task, 0, len(specs))
	for i, s := range specs {
		if strings.TrimSpace(s.Description) == "" {
			return nil, NewInvalidArgumentError("tasks", fmt.Sprintf("task %d has no description", i+1))
		}
		payload := s.Payload
		if engagement != "" {
			payload = withEngagement(payload, engagement)
		}
		tasks = append(tasks, core.NewTaskWithPayload(s.Description, s.Domain, payload))
	}
	return tasks, nil
}

// progressEvents reports routing and completion on w.
func progressEvents(w io.Writer) core.EventEmitter {
	var mu sync.Mutex
	return core.EventFunc(func(_ context.Context, e core.Event) {
		mu.Lock()
		defer mu.Unlock()
		switch e.Type {
		case core.EventTaskRouted:
			fmt.Fprintf(w, "[%s] routed to %s\n", e.TaskID, e.Agent)
		case core.EventTaskStarted:
			fmt.Fprintf(w, "[%s] running (engagement %v)\n", e.TaskID, e.Payload["engagement"])
		case core.EventTaskCompleted:
			fmt.Fprintf(w, "[%s] completed after %v iteration(s)\n", e.TaskID, e.Payload["iterations"])
		case core.EventTaskFailed:
			fmt.Fprintf(w, "[%s] failed\n", e.TaskID)
		}
	})
}

func withEngagement(payload map[string]any, mode string) map[string]any {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["engagement"] = mode
	return payload
}

func writeResults(w io.Writer, asJSON bool, outcomes []controller.Outcome) error {
	outs := make([]runOutput, 0, len(outcomes))
	for _, o := range outcomes {
		out := runOutput{TaskID: o.TaskID}
		if o.Result != nil {
			out.Success = o.Result.Success
			out.Content = o.Result.Content
			out.Error = o.Result.Error
			out.Meta = o.Result.Metadata
		}
		if o.Err != nil {
			out.Success = false
			out.Error = o.Err.Error()
		}
		outs = append(outs, out)
	}
	if asJSON {
		if len(outs) == 1 {
			return printJSON(w, outs[0])
		}
		return printJSON(w, outs)
	}

	for i, out := range outs {
		if len(outs) > 1 {
			if i > 0 {
				fmt.Fprintln(w)
			}
			status := "ok"
			if !out.Success {
				status = "failed"
			}
			fmt.Fprintf(w, "== %s (%s)\n", out.TaskID, status)
		}
		if out.Content != "" {
			fmt.Fprintln(w, strings.TrimRight(out.Content, "\n"))
		}
		// A single task's error is reported by the caller.
		if out.Error != "" && (len(outs) > 1 || outcomes[i].Err == nil) {
			fmt.Fprintf(w, "error: %s\n", out.Error)
		}
	}
	return nil
}
