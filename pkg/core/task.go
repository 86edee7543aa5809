// Copyright 2026 © The Bodhya Authors
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TaskStatus describes the lifecycle state of a task run.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// Task is a unit of work submitted to the controller. It is immutable once
// created; the payload accessors return copies.
type Task struct {
	id          string
	description string
	domainHint  string
	payload     map[string]any
	createdAt   time.Time
}

// NewTask creates a task with a generated ID.
func NewTask(description string) *Task {
	return NewTaskWithPayload(description, "", nil)
}

// NewTaskWithDomain creates a task carrying a routing domain hint.
func NewTaskWithDomain(domain, description string) *Task {
	return NewTaskWithPayload(description, domain, nil)
}

// NewTaskWithPayload creates a task with a domain hint and structured payload.
func NewTaskWithPayload(description, domainHint string, payload map[string]any) *Task {
	return &Task{
		id:          uuid.NewString(),
		description: description,
		domainHint:  strings.TrimSpace(domainHint),
		payload:     copyPayload(payload),
		createdAt:   time.Now().UTC(),
	}
}

func (t *Task) ID() string           { return t.id }
func (t *Task) Description() string  { return t.description }
func (t *Task) DomainHint() string   { return t.domainHint }
func (t *Task) CreatedAt() time.Time { return t.createdAt }

// Payload returns a shallow copy of the task payload.
func (t *Task) Payload() map[string]any {
	return copyPayload(t.payload)
}

// PayloadValue returns a single payload entry.
func (t *Task) PayloadValue(key string) (any, bool) {
	v, ok := t.payload[key]
	return v, ok
}

// PayloadString returns a payload entry as a string when it is one.
func (t *Task) PayloadString(key string) string {
	if v, ok := t.payload[key].(string); ok {
		return v
	}
	return ""
}

type taskJSON struct {
	ID          string         `json:"id"`
	Description string         `json:"description"`
	DomainHint  string         `json:"domain_hint,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// MarshalJSON exposes the task shape at the API boundary.
func (t *Task) MarshalJSON() ([]byte, error) {
	return json.Marshal(taskJSON{
		ID:          t.id,
		Description: t.description,
		DomainHint:  t.domainHint,
		Payload:     t.payload,
		CreatedAt:   t.createdAt,
	})
}

// UnmarshalJSON restores a task, generating an ID when absent.
func (t *Task) UnmarshalJSON(data []byte) error {
	var raw taskJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.ID == "" {
		raw.ID = uuid.NewString()
	}
	if raw.CreatedAt.IsZero() {
		raw.CreatedAt = time.Now().UTC()
	}
	*t = Task{
		id:          raw.ID,
		description: raw.Description,
		domainHint:  strings.TrimSpace(raw.DomainHint),
		payload:     raw.Payload,
		createdAt:   raw.CreatedAt,
	}
	return nil
}

func copyPayload(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
