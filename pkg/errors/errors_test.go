// SPDX-License-Identifier: Apache-2.0

package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	cause := errors.New("connection reset")
	e := New(CodeNetwork, "download interrupted", cause)

	if e.Code != CodeNetwork {
		t.Errorf("expected CodeNetwork, got %v", e.Code)
	}
	if e.Message != "download interrupted" {
		t.Errorf("unexpected message %q", e.Message)
	}
	if !errors.Is(e, cause) {
		t.Errorf("expected errors.Is to work with wrapped error")
	}
}

func TestWithToolFormatsPrefix(t *testing.T) {
	e := New(CodePathViolation, "path escapes working root", nil).WithTool("filesystem", "write")
	got := e.Error()
	if !strings.HasPrefix(got, "[PATH_VIOLATION] filesystem.write:") {
		t.Fatalf("unexpected error string %q", got)
	}
}

func TestWithContext(t *testing.T) {
	e := New(CodeLimitExceeded, "limit reached", nil)
	e.WithContext("limit", "file_writes").WithContext("max", 20)

	if e.Context["limit"] != "file_writes" {
		t.Errorf("expected context limit to be set")
	}
	if e.Context["max"] != 20 {
		t.Errorf("expected context max to be set")
	}
}

func TestWithRecoverable(t *testing.T) {
	e := New(CodeNetwork, "network error", nil)
	if e.Recoverable {
		t.Errorf("expected recoverable to be false by default")
	}
	e.WithRecoverable(true)
	if !e.Recoverable {
		t.Errorf("expected recoverable to be true")
	}
}

func TestHasCodeWalksChain(t *testing.T) {
	inner := New(CodeProviderUnavailable, "provider exited", nil)
	outer := New(CodeToolInvocation, "call failed", inner)
	wrapped := fmt.Errorf("agent step: %w", outer)

	if !HasCode(wrapped, CodeToolInvocation) {
		t.Fatalf("expected outer code in chain")
	}
	if !HasCode(wrapped, CodeProviderUnavailable) {
		t.Fatalf("expected inner code in chain")
	}
	if HasCode(wrapped, CodeTimeout) {
		t.Fatalf("unexpected timeout code")
	}
	if CodeOf(wrapped) != CodeToolInvocation {
		t.Fatalf("expected outermost code, got %s", CodeOf(wrapped))
	}
}

func TestIsTerminal(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"path violation", New(CodePathViolation, "escape", nil), true},
		{"limit exceeded", fmt.Errorf("wrap: %w", New(CodeLimitExceeded, "cap", nil)), true},
		{"agent not found", New(CodeAgentNotFound, "none", nil), true},
		{"protocol", New(CodeProtocol, "bad frame", nil), false},
		{"plain", errors.New("boom"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTerminal(tt.err); got != tt.want {
				t.Fatalf("IsTerminal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMarshalJSON(t *testing.T) {
	e := New(CodeChecksumMismatch, "checksum mismatch", errors.New("sha256 differs")).
		WithContext("model", "m1")

	data, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["code"] != "CHECKSUM_MISMATCH" {
		t.Fatalf("unexpected code %v", out["code"])
	}
	if out["cause"] != "sha256 differs" {
		t.Fatalf("unexpected cause %v", out["cause"])
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil) != nil {
		t.Fatalf("expected nil")
	}
	orig := New(CodeTimeout, "slow", nil)
	if Wrap(orig) != orig {
		t.Fatalf("expected same error")
	}
	if Wrap(errors.New("x")).Code != CodeInternal {
		t.Fatalf("expected internal code")
	}
}
