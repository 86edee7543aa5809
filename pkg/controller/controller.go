// Copyright 2026 © The Bodhya Authors
// SPDX-License-Identifier: Apache-2.0

// Package controller routes tasks to domain agents and runs them with a
// fresh, bounded execution context.
//
// Agents are registered once at startup. Routing scores each enabled agent
// by its declared capability; a task never falls back to a default agent.
package controller

import (
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/bodhya/bodhya/pkg/config"
	"github.com/bodhya/bodhya/pkg/core"
	"github.com/bodhya/bodhya/pkg/errors"
	"github.com/bodhya/bodhya/pkg/sandbox"
	"github.com/bodhya/bodhya/pkg/storage"
	"github.com/bodhya/bodhya/pkg/telemetry"
	"github.com/bodhya/bodhya/pkg/tools"
)

// ModelSource hands out model generators bound to an engagement mode.
// *models.Registry implements it.
type ModelSource interface {
	For(mode core.EngagementMode) core.ModelGenerator
	Pinned(mode core.EngagementMode, pins map[core.ModelRole]string) core.ModelGenerator
}

// AgentInfo describes a registered agent.
type AgentInfo struct {
	ID         string               `json:"id"`
	Capability core.AgentCapability `json:"capability"`
	Enabled    bool                 `json:"enabled"`
}

type registration struct {
	agent    core.Agent
	cap      core.AgentCapability
	enabled  bool
	settings map[string]any
	pins     map[core.ModelRole]string
}

// Controller owns the agent registry and runs tasks.
type Controller struct {
	mu     sync.RWMutex
	agents []*registration
	byID   map[string]*registration

	cfg          *config.Config
	tools        *tools.Registry
	workspace    *sandbox.Sandbox
	models       ModelSource
	history      storage.HistoryStore
	engagement   *EngagementManager
	limits       core.ExecutionLimits
	shellTimeout time.Duration

	events  core.EventEmitter
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *telemetry.EngineMetrics
}

// Option configures a Controller.
type Option func(*Controller)

// WithConfig takes limits, engagement mode and per-agent settings from cfg.
func WithConfig(cfg *config.Config) Option {
	return func(c *Controller) {
		if cfg == nil {
			return
		}
		c.cfg = cfg
		c.limits = cfg.ExecutionLimits()
		c.engagement = NewEngagementManager(cfg.Engagement())
		c.shellTimeout = cfg.Tools.ShellTimeout
	}
}

// WithTools sets the tool registry agents dispatch through.
func WithTools(r *tools.Registry) Option {
	return func(c *Controller) { c.tools = r }
}

// WithWorkspace sets the sandbox whose root every task works in. Each task
// gets a copy with its own limit counters.
func WithWorkspace(sb *sandbox.Sandbox) Option {
	return func(c *Controller) { c.workspace = sb }
}

// WithModels sets the model source. Without it agents run without models.
func WithModels(m ModelSource) Option {
	return func(c *Controller) { c.models = m }
}

// WithHistory records every run in h.
func WithHistory(h storage.HistoryStore) Option {
	return func(c *Controller) { c.history = h }
}

// WithLimits overrides the execution limits.
func WithLimits(l core.ExecutionLimits) Option {
	return func(c *Controller) { c.limits = l }
}

// WithEngagement overrides the engagement mode.
func WithEngagement(mode core.EngagementMode) Option {
	return func(c *Controller) { c.engagement = NewEngagementManager(mode) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithEvents sets the receiver of task lifecycle events.
func WithEvents(e core.EventEmitter) Option {
	return func(c *Controller) {
		if e != nil {
			c.events = e
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *telemetry.EngineMetrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// New creates a controller.
func New(opts ...Option) *Controller {
	c := &Controller{
		byID:       make(map[string]*registration),
		engagement: NewEngagementManager(core.EngagementMinimum),
		limits:     core.DefaultExecutionLimits(),
		events:     core.NoopEventEmitter{},
		logger:     slog.Default(),
		tracer:     otel.Tracer("bodhya/controller"),
		metrics:    telemetry.Metrics(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = telemetry.Component(c.logger, "controller")
	return c
}

// Register adds an agent. Ids must be unique. The enabled flag, settings
// and role pins come from the configuration when one was given.
func (c *Controller) Register(agent core.Agent) error {
	if agent == nil || agent.ID() == "" {
		return errors.Newf(errors.CodeInvalidInput, "agent with an id is required")
	}
	reg := &registration{agent: agent, cap: agent.Capability(), enabled: true}
	if c.cfg != nil {
		reg.enabled = c.cfg.AgentEnabled(agent.ID())
		reg.settings = c.cfg.AgentSettings(agent.ID())
		for role, id := range c.cfg.Agents[agent.ID()].Models {
			r, err := core.ParseModelRole(role)
			if err != nil {
				return errors.New(errors.CodeConfig, "invalid model pin", err).WithContext("agent", agent.ID())
			}
			if reg.pins == nil {
				reg.pins = map[core.ModelRole]string{}
			}
			reg.pins[r] = id
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.byID[agent.ID()]; ok {
		return errors.Newf(errors.CodeInvalidInput, "agent %q already registered", agent.ID())
	}
	c.agents = append(c.agents, reg)
	c.byID[agent.ID()] = reg
	c.logger.Debug("controller.register", telemetry.AttrAgentID, agent.ID(),
		"domain", reg.cap.Domain, "enabled", reg.enabled)
	return nil
}

// SetEnabled toggles an agent. It reports false for unknown ids.
func (c *Controller) SetEnabled(id string, enabled bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	reg, ok := c.byID[id]
	if ok {
		reg.enabled = enabled
	}
	return ok
}

// Agents lists registered agents in registration order.
func (c *Controller) Agents() []AgentInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]AgentInfo, 0, len(c.agents))
	for _, r := range c.agents {
		out = append(out, AgentInfo{ID: r.agent.ID(), Capability: r.cap, Enabled: r.enabled})
	}
	return out
}

// Engagement returns the engagement manager.
func (c *Controller) Engagement() *EngagementManager { return c.engagement }
