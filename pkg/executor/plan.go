// Copyright 2026 © The Bodhya Authors
// SPDX-License-Identifier: Apache-2.0

// Package executor runs the bounded persist, validate, analyze and refine
// loop that agents use to converge generated artifacts on passing
// validation.
package executor

import (
	"encoding/json"
	"time"

	"github.com/bodhya/bodhya/pkg/errors"
)

// Artifact is one file the plan writes.
type Artifact struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Command is one validation command, run without a shell.
type Command struct {
	Name    string        `json:"command"`
	Args    []string      `json:"args,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Plan is the artifact set and the validation that must pass.
type Plan struct {
	Files    []Artifact `json:"files"`
	Validate []Command  `json:"validate,omitempty"`
}

// Clone returns a deep copy.
func (p Plan) Clone() Plan {
	out := Plan{
		Files:    append([]Artifact(nil), p.Files...),
		Validate: make([]Command, len(p.Validate)),
	}
	for i, c := range p.Validate {
		c.Args = append([]string(nil), c.Args...)
		out.Validate[i] = c
	}
	return out
}

// Check rejects empty plans, artifacts without a path and unnamed commands.
func (p Plan) Check() error {
	if len(p.Files) == 0 {
		return errors.Newf(errors.CodeInvalidInput, "plan has no files")
	}
	for i, f := range p.Files {
		if f.Path == "" {
			return errors.Newf(errors.CodeInvalidInput, "plan file %d has no path", i)
		}
	}
	for i, c := range p.Validate {
		if c.Name == "" {
			return errors.Newf(errors.CodeInvalidInput, "validation command %d has no name", i)
		}
	}
	return nil
}

// PlanFromPayload decodes a plan from a task payload with "files" and
// "validate" keys. Files are objects {path, content}; commands are objects
// {command, args, timeout} where timeout is in seconds, or argv lists.
func PlanFromPayload(payload map[string]any) (Plan, error) {
	var raw struct {
		Files    []Artifact        `json:"files"`
		Validate []json.RawMessage `json:"validate"`
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Plan{}, errors.New(errors.CodeInvalidInput, "encode task payload", err)
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Plan{}, errors.New(errors.CodeInvalidInput, "decode plan files", err)
	}
	plan := Plan{Files: raw.Files}
	for _, msg := range raw.Validate {
		cmd, err := decodeCommand(msg)
		if err != nil {
			return Plan{}, err
		}
		plan.Validate = append(plan.Validate, cmd)
	}
	return plan, nil
}

func decodeCommand(msg json.RawMessage) (Command, error) {
	var argv []string
	if err := json.Unmarshal(msg, &argv); err == nil {
		if len(argv) == 0 {
			return Command{}, errors.Newf(errors.CodeInvalidInput, "empty validation command")
		}
		return Command{Name: argv[0], Args: argv[1:]}, nil
	}
	var obj struct {
		Command string   `json:"command"`
		Args    []string `json:"args"`
		Timeout float64  `json:"timeout"`
	}
	if err := json.Unmarshal(msg, &obj); err != nil {
		return Command{}, errors.New(errors.CodeInvalidInput, "decode validation command", err)
	}
	return Command{
		Name:    obj.Command,
		Args:    obj.Args,
		Timeout: time.Duration(obj.Timeout * float64(time.Second)),
	}, nil
}
