// SPDX-License-Identifier: Apache-2.0

// Package errors provides the typed error taxonomy shared by Bodhya components.
//
// Every failure that crosses a component boundary is an *Error carrying an
// ErrorCode. Callers branch on codes with HasCode instead of matching strings.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
)

// ErrorCode classifies Bodhya errors for routing, retry decisions and monitoring.
type ErrorCode string

const (
	// CodeInternal indicates an internal system error.
	CodeInternal ErrorCode = "INTERNAL_ERROR"

	// CodeInvalidInput indicates the input was invalid.
	CodeInvalidInput ErrorCode = "INVALID_INPUT"

	// CodeNotFound indicates a resource was not found.
	CodeNotFound ErrorCode = "NOT_FOUND"

	// CodeConfig indicates invalid or unreadable configuration.
	CodeConfig ErrorCode = "CONFIG_ERROR"

	// CodeTimeout indicates an operation exceeded its time limit.
	CodeTimeout ErrorCode = "TIMEOUT"

	// CodeCanceled indicates the caller canceled the operation.
	CodeCanceled ErrorCode = "CANCELED"

	// CodePathViolation indicates a path escaped the working root.
	CodePathViolation ErrorCode = "PATH_VIOLATION"

	// CodeLimitExceeded indicates an execution limit was reached.
	CodeLimitExceeded ErrorCode = "LIMIT_EXCEEDED"

	// CodeToolConflict indicates a tool name is already registered.
	CodeToolConflict ErrorCode = "TOOL_CONFLICT"

	// CodeToolInvocation indicates a tool reported a failure.
	CodeToolInvocation ErrorCode = "TOOL_INVOCATION"

	// CodeProtocol indicates a malformed or unmatched provider response.
	CodeProtocol ErrorCode = "PROTOCOL_ERROR"

	// CodeProviderUnavailable indicates an external provider is gone.
	CodeProviderUnavailable ErrorCode = "PROVIDER_UNAVAILABLE"

	// CodeChecksumMismatch indicates downloaded content failed verification.
	CodeChecksumMismatch ErrorCode = "CHECKSUM_MISMATCH"

	// CodeNetwork indicates a transport failure while downloading.
	CodeNetwork ErrorCode = "NETWORK_ERROR"

	// CodeAgentNotFound indicates no agent can handle a task.
	CodeAgentNotFound ErrorCode = "AGENT_NOT_FOUND"

	// CodeNoEligibleBackend indicates no model backend satisfies the request.
	CodeNoEligibleBackend ErrorCode = "NO_ELIGIBLE_BACKEND"

	// CodeEngagementViolation indicates an operation is not allowed under the engagement mode.
	CodeEngagementViolation ErrorCode = "ENGAGEMENT_VIOLATION"

	// CodeModelUnavailable indicates the inference backend could not be reached.
	CodeModelUnavailable ErrorCode = "MODEL_UNAVAILABLE"

	// CodeInvalidOutput indicates the inference backend returned unusable output.
	CodeInvalidOutput ErrorCode = "INVALID_OUTPUT"
)

// Error is a typed error with context for observability.
// It implements the error interface and can be unwrapped with errors.As().
type Error struct {
	Code        ErrorCode
	Message     string
	Err         error
	Tool        string
	Operation   string
	Context     map[string]interface{}
	Recoverable bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	prefix := fmt.Sprintf("[%s]", e.Code)
	if e.Tool != "" {
		if e.Operation != "" {
			prefix += fmt.Sprintf(" %s.%s:", e.Tool, e.Operation)
		} else {
			prefix += fmt.Sprintf(" %s:", e.Tool)
		}
	}
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %v", prefix, e.Message, e.Err)
	}
	return fmt.Sprintf("%s %s", prefix, e.Message)
}

// Unwrap implements errors.Unwrap for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Err
}

// MarshalJSON implements json.Marshaler for structured logging and CLI output.
func (e *Error) MarshalJSON() ([]byte, error) {
	out := struct {
		Code        string                 `json:"code"`
		Message     string                 `json:"message"`
		Cause       string                 `json:"cause,omitempty"`
		Tool        string                 `json:"tool,omitempty"`
		Operation   string                 `json:"operation,omitempty"`
		Context     map[string]interface{} `json:"context,omitempty"`
		Recoverable bool                   `json:"recoverable"`
	}{
		Code:        string(e.Code),
		Message:     e.Message,
		Tool:        e.Tool,
		Operation:   e.Operation,
		Context:     e.Context,
		Recoverable: e.Recoverable,
	}
	if e.Err != nil {
		out.Cause = e.Err.Error()
	}
	return json.Marshal(out)
}

// New creates a new Error with the given code, message, and cause.
func New(code ErrorCode, msg string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: msg,
		Err:     cause,
		Context: make(map[string]interface{}),
	}
}

// Newf creates a new Error without a cause using a format string.
func Newf(code ErrorCode, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...), nil)
}

// WithContext adds a key-value pair to the error context.
// Returns the error for method chaining.
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithTool tags the error with the tool and operation that produced it.
func (e *Error) WithTool(tool, operation string) *Error {
	e.Tool = tool
	e.Operation = operation
	return e
}

// WithRecoverable sets whether the error can be recovered from.
// Returns the error for method chaining.
func (e *Error) WithRecoverable(recoverable bool) *Error {
	e.Recoverable = recoverable
	return e
}

// As returns the outermost *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if stderrors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// CodeOf returns the code of the outermost *Error in err's chain, or the
// empty code when err carries none.
func CodeOf(err error) ErrorCode {
	if e, ok := As(err); ok {
		return e.Code
	}
	return ""
}

// HasCode reports whether any *Error in err's chain carries code.
func HasCode(err error, code ErrorCode) bool {
	for err != nil {
		e, ok := As(err)
		if !ok {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Err
	}
	return false
}

// IsTerminal reports whether err must end an execution without retry.
func IsTerminal(err error) bool {
	for _, code := range []ErrorCode{
		CodePathViolation,
		CodeLimitExceeded,
		CodeAgentNotFound,
		CodeNoEligibleBackend,
		CodeEngagementViolation,
	} {
		if HasCode(err, code) {
			return true
		}
	}
	return false
}

// Wrap converts any error to an *Error, preserving an existing one.
func Wrap(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return e
	}
	return New(CodeInternal, "wrapped error", err)
}
