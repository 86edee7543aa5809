// Copyright 2026 © The Bodhya Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Span attribute keys used across the engine.
const (
	AttrTaskID     = "bodhya.task.id"
	AttrTaskDomain = "bodhya.task.domain"
	AttrAgentID    = "bodhya.agent.id"
	AttrEngagement = "bodhya.engagement"

	AttrToolName      = "bodhya.tool.name"
	AttrToolOperation = "bodhya.tool.operation"
	AttrToolOrigin    = "bodhya.tool.origin"
	AttrToolSuccess   = "bodhya.tool.success"

	AttrIteration     = "bodhya.executor.iteration"
	AttrMaxIterations = "bodhya.executor.max_iterations"
	AttrCategory      = "bodhya.executor.category"
	AttrState         = "bodhya.executor.state"

	AttrModelID   = "bodhya.model.id"
	AttrModelRole = "bodhya.model.role"
	AttrBackend   = "bodhya.model.backend"

	AttrProvider  = "bodhya.provider.name"
	AttrTransport = "bodhya.provider.transport"
)

// TaskAttributes describes a routed task.
func TaskAttributes(taskID, domain, agentID string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.String(AttrTaskID, taskID)}
	if domain != "" {
		attrs = append(attrs, attribute.String(AttrTaskDomain, domain))
	}
	if agentID != "" {
		attrs = append(attrs, attribute.String(AttrAgentID, agentID))
	}
	return attrs
}

// ToolAttributes describes one tool invocation.
func ToolAttributes(tool, operation, origin string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrToolName, tool),
		attribute.String(AttrToolOperation, operation),
		attribute.String(AttrToolOrigin, origin),
	}
}

// IterationAttributes describes one executor iteration.
func IterationAttributes(iteration, maxIterations int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int(AttrIteration, iteration),
		attribute.Int(AttrMaxIterations, maxIterations),
	}
}

// ModelAttributes describes a resolved model backend.
func ModelAttributes(modelID, role, backend string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrModelID, modelID),
		attribute.String(AttrModelRole, role),
		attribute.String(AttrBackend, backend),
	}
}
