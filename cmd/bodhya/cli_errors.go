// Copyright 2026 © The Bodhya Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"

	"github.com/bodhya/bodhya/pkg/errors"
)

// CLIError wraps an engine error with a hint for the user.
type CLIError struct {
	Err  *errors.Error
	Hint string
}

// NewCLIError creates a new CLI error.
func NewCLIError(e *errors.Error, hint string) *CLIError {
	return &CLIError{Err: e, Hint: hint}
}

// Error returns the formatted error message with hints.
func (e *CLIError) Error() string {
	if e.Err == nil {
		return "unknown error"
	}
	msg := e.Err.Error()
	if e.Hint != "" {
		msg += "\n  Hint: " + e.Hint
	}
	return msg
}

func (e *CLIError) Unwrap() error {
	if e.Err == nil {
		return nil
	}
	return e.Err
}

// NewConfigError creates a configuration error with CLI hints.
func NewConfigError(err error, configPath string) *CLIError {
	e, ok := errors.As(err)
	if !ok {
		e = errors.New(errors.CodeConfig, "configuration error", err)
	}
	if configPath != "" {
		e = e.WithContext("config_path", configPath)
	}
	hint := "check your configuration file syntax and BODHYA_* variables"
	if configPath != "" {
		hint = fmt.Sprintf("check %s for syntax errors", configPath)
	}
	return NewCLIError(e, hint)
}

// NewInvalidArgumentError creates an invalid argument error with CLI hints.
func NewInvalidArgumentError(arg, reason string) *CLIError {
	e := errors.Newf(errors.CodeInvalidInput, "invalid argument: %s", reason).
		WithContext("argument", arg)
	return NewCLIError(e, "run 'bodhya help' for usage information")
}

// NewNotFoundError creates a not found error with CLI hints.
func NewNotFoundError(resource, name string) *CLIError {
	e := errors.Newf(errors.CodeNotFound, "%s '%s' not found", resource, name).
		WithContext("resource", resource).
		WithContext("name", name)
	return NewCLIError(e, fmt.Sprintf("run 'bodhya %s list' to see what is available", resource))
}

// hintFor suggests a next step for common engine failures.
func hintFor(code errors.ErrorCode) string {
	switch code {
	case errors.CodeAgentNotFound:
		return "name a domain with --domain or run 'bodhya agents' to see what each agent handles"
	case errors.CodeNoEligibleBackend, errors.CodeModelUnavailable:
		return "install a local model with 'bodhya models install <id>' or raise --engagement"
	case errors.CodeEngagementViolation:
		return "the configured engagement mode forbids this; change engagement_mode in the config"
	case errors.CodePathViolation:
		return "agents may only touch files under the working directory"
	case errors.CodeLimitExceeded:
		return "raise limits.max_file_writes or limits.max_command_executions"
	case errors.CodeChecksumMismatch, errors.CodeNetwork:
		return "the download left no partial file behind; it is safe to retry"
	case errors.CodeTimeout:
		return "raise limits.timeout or split the task"
	}
	return ""
}

type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Hint    string         `json:"hint,omitempty"`
	Context map[string]any `json:"context,omitempty"`
}

// printError writes err to w, as {"error":{...}} when asJSON is set.
func printError(w io.Writer, err error, asJSON bool) {
	var st exitStatus
	if stderrors.As(err, &st) {
		return
	}
	body := errorBody{Code: "UNKNOWN", Message: err.Error()}
	var ce *CLIError
	if stderrors.As(err, &ce) && ce.Err != nil {
		e := ce.Err
		body = errorBody{Code: string(e.Code), Message: e.Message, Hint: ce.Hint, Context: e.Context}
		if e.Err != nil {
			body.Message += ": " + e.Err.Error()
		}
	} else if e, ok := errors.As(err); ok {
		body = errorBody{Code: string(e.Code), Message: e.Error(), Hint: hintFor(e.Code), Context: e.Context}
	}

	if asJSON {
		_ = json.NewEncoder(w).Encode(map[string]errorBody{"error": body})
		return
	}
	fmt.Fprintf(w, "Error [%s]: %s\n", body.Code, body.Message)
	if body.Hint != "" {
		fmt.Fprintf(w, "  Hint: %s\n", body.Hint)
	}
}

// exitStatus ends the process with a code after the command has already
// reported the failure.
type exitStatus int

func (e exitStatus) Error() string { return fmt.Sprintf("exit status %d", int(e)) }

// exitCode maps errors to process exit codes: 2 for usage errors, 130 for
// interrupts, 1 otherwise.
func exitCode(err error) int {
	var st exitStatus
	if stderrors.As(err, &st) {
		return int(st)
	}
	switch errors.CodeOf(err) {
	case errors.CodeInvalidInput:
		return 2
	case errors.CodeCanceled:
		return 130
	}
	return 1
}
