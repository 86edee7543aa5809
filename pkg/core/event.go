package core

import (
	"context"
	"time"
)

// EventType identifies a task lifecycle event.
type EventType string

const (
	EventTaskRouted    EventType = "task.routed"
	EventTaskStarted   EventType = "task.started"
	EventTaskCompleted EventType = "task.completed"
	EventTaskFailed    EventType = "task.failed"
)

// Event is one task lifecycle event.
type Event struct {
	Type      EventType      `json:"type"`
	Agent     string         `json:"agent,omitempty"`
	TaskID    string         `json:"task_id"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// EventEmitter receives events. Emit is called synchronously from the task
// goroutine and must not block.
type EventEmitter interface {
	Emit(ctx context.Context, event Event)
}

// EventFunc adapts a function to EventEmitter.
type EventFunc func(ctx context.Context, event Event)

// Emit calls f.
func (f EventFunc) Emit(ctx context.Context, event Event) { f(ctx, event) }

// NoopEventEmitter drops every event.
type NoopEventEmitter struct{}

// Emit implements EventEmitter.
func (NoopEventEmitter) Emit(_ context.Context, _ Event) {}

// NewEvent builds an event stamped with the current UTC time.
func NewEvent(eventType EventType, agent string, taskID string, payload map[string]any) Event {
	return Event{
		Type:      eventType,
		Agent:     agent,
		TaskID:    taskID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}
