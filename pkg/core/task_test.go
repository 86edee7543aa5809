package core

import (
	"encoding/json"
	"testing"
)

func TestTaskIsImmutable(t *testing.T) {
	payload := map[string]any{"files": "main.go"}
	task := NewTaskWithPayload("generate function", "code", payload)
	if task.ID() == "" {
		t.Fatalf("expected generated id")
	}
	payload["files"] = "other.go"
	if task.PayloadString("files") != "main.go" {
		t.Fatalf("task payload changed through caller map")
	}
	got := task.Payload()
	got["files"] = "mutated"
	if task.PayloadString("files") != "main.go" {
		t.Fatalf("task payload changed through accessor copy")
	}
}

func TestTaskJSONRoundTripKeepsID(t *testing.T) {
	task := NewTaskWithDomain("mail", "draft a reply")
	data, err := json.Marshal(task)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Task
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.ID() != task.ID() || back.DomainHint() != "mail" {
		t.Fatalf("unexpected task %+v", back)
	}
}

func TestParseEngagementMode(t *testing.T) {
	tests := []struct {
		in   string
		want EngagementMode
		ok   bool
	}{
		{"", EngagementMinimum, true},
		{"min", EngagementMinimum, true},
		{"MEDIUM", EngagementMedium, true},
		{"max", EngagementMaximum, true},
		{"full", "", false},
	}
	for _, tt := range tests {
		got, err := ParseEngagementMode(tt.in)
		if (err == nil) != tt.ok {
			t.Fatalf("ParseEngagementMode(%q) err = %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("ParseEngagementMode(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if EngagementMinimum.AllowsRemote() {
		t.Fatalf("minimum must not allow remote backends")
	}
}

func TestDefaultExecutionLimits(t *testing.T) {
	l := DefaultExecutionLimits()
	if l.MaxIterations != 3 || l.MaxFileWrites != 20 || l.MaxCommandExecutions != 10 || l.Timeout.Seconds() != 300 {
		t.Fatalf("unexpected defaults %+v", l)
	}
	if err := l.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	l.MaxIterations = 0
	if err := l.Validate(); err == nil {
		t.Fatalf("expected error for zero iterations")
	}
}
