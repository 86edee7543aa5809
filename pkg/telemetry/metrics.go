// SPDX-License-Identifier: Apache-2.0

// Package telemetry provides logging, tracing and metrics for the Bodhya engine.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/bodhya/bodhya/pkg/errors"
)

// EngineMetrics holds the counters emitted by the orchestration engine.
// A nil *EngineMetrics is valid and records nothing.
type EngineMetrics struct {
	toolCalls        metric.Int64Counter
	iterations       metric.Int64Counter
	executions       metric.Int64Counter
	downloadBytes    metric.Int64Counter
	downloads        metric.Int64Counter
	routes           metric.Int64Counter
	providerFailures metric.Int64Counter
}

var (
	defaultMetrics     *EngineMetrics
	defaultMetricsOnce sync.Once
)

// Metrics returns the process-wide engine metrics bound to the global meter
// provider. If instrument creation fails it returns nil.
func Metrics() *EngineMetrics {
	defaultMetricsOnce.Do(func() {
		m, err := NewEngineMetrics(otel.Meter("bodhya/engine"))
		if err == nil {
			defaultMetrics = m
		}
	})
	return defaultMetrics
}

// NewEngineMetrics creates the engine instruments on meter.
func NewEngineMetrics(meter metric.Meter) (*EngineMetrics, error) {
	var (
		m   EngineMetrics
		err error
	)
	if m.toolCalls, err = meter.Int64Counter("bodhya.tools.invocations",
		metric.WithDescription("Tool invocations by tool, operation and outcome")); err != nil {
		return nil, err
	}
	if m.iterations, err = meter.Int64Counter("bodhya.executor.iterations",
		metric.WithDescription("Executor iterations by failure category")); err != nil {
		return nil, err
	}
	if m.executions, err = meter.Int64Counter("bodhya.executor.runs",
		metric.WithDescription("Executor runs by final status")); err != nil {
		return nil, err
	}
	if m.downloadBytes, err = meter.Int64Counter("bodhya.models.download.bytes",
		metric.WithDescription("Bytes streamed while downloading models"),
		metric.WithUnit("By")); err != nil {
		return nil, err
	}
	if m.downloads, err = meter.Int64Counter("bodhya.models.downloads",
		metric.WithDescription("Model downloads by outcome")); err != nil {
		return nil, err
	}
	if m.routes, err = meter.Int64Counter("bodhya.controller.routes",
		metric.WithDescription("Routing decisions by agent or error code")); err != nil {
		return nil, err
	}
	if m.providerFailures, err = meter.Int64Counter("bodhya.bridge.provider.failures",
		metric.WithDescription("External provider connection failures by provider")); err != nil {
		return nil, err
	}
	return &m, nil
}

// RecordToolCall counts one tool invocation.
func (m *EngineMetrics) RecordToolCall(ctx context.Context, tool, operation string, err error) {
	if m == nil {
		return
	}
	m.toolCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("operation", operation),
		attribute.String("outcome", outcome(err)),
	))
}

// RecordIteration counts one executor iteration.
func (m *EngineMetrics) RecordIteration(ctx context.Context, category string) {
	if m == nil {
		return
	}
	m.iterations.Add(ctx, 1, metric.WithAttributes(attribute.String("category", category)))
}

// RecordExecution counts one finished executor run.
func (m *EngineMetrics) RecordExecution(ctx context.Context, success bool, iterations int) {
	if m == nil {
		return
	}
	status := "failed"
	if success {
		status = "done"
	}
	m.executions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
		attribute.Int("iterations", iterations),
	))
}

// RecordDownloadBytes adds streamed bytes for a model.
func (m *EngineMetrics) RecordDownloadBytes(ctx context.Context, model string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.downloadBytes.Add(ctx, n, metric.WithAttributes(attribute.String("model", model)))
}

// RecordDownload counts a finished download attempt.
func (m *EngineMetrics) RecordDownload(ctx context.Context, model string, err error) {
	if m == nil {
		return
	}
	m.downloads.Add(ctx, 1, metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("outcome", outcome(err)),
	))
}

// RecordRoute counts a routing decision.
func (m *EngineMetrics) RecordRoute(ctx context.Context, agent string, err error) {
	if m == nil {
		return
	}
	m.routes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("agent", agent),
		attribute.String("outcome", outcome(err)),
	))
}

// RecordProviderFailure counts a provider connect, handshake or transport
// failure.
func (m *EngineMetrics) RecordProviderFailure(ctx context.Context, provider, reason string) {
	if m == nil {
		return
	}
	m.providerFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("reason", reason),
	))
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if code := errors.CodeOf(err); code != "" {
		return string(code)
	}
	return "error"
}
