package controller

import (
	"context"
	"strings"
	"unicode"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/bodhya/bodhya/pkg/core"
	"github.com/bodhya/bodhya/pkg/errors"
	"github.com/bodhya/bodhya/pkg/telemetry"
)

// keywordScore is added for every intent or domain word in the description.
const keywordScore = 10

// Route picks the agent for task. A domain hint must match an enabled
// agent's domain exactly (ignoring case). Without a hint, agents are scored
// by keyword overlap and the first registered agent wins ties. No match is
// AGENT_NOT_FOUND.
func (c *Controller) Route(ctx context.Context, task *core.Task) (core.Agent, error) {
	reg, err := c.route(ctx, task)
	if err != nil {
		return nil, err
	}
	return reg.agent, nil
}

func (c *Controller) route(ctx context.Context, task *core.Task) (*registration, error) {
	if task == nil {
		return nil, errors.Newf(errors.CodeInvalidInput, "task is required")
	}
	ctx, span := c.tracer.Start(ctx, "controller.route", trace.WithAttributes(
		telemetry.TaskAttributes(task.ID(), task.DomainHint(), "")...))
	defer span.End()

	reg, score, err := c.selectAgent(task)
	agentID := ""
	if reg != nil {
		agentID = reg.agent.ID()
	}
	c.metrics.RecordRoute(ctx, agentID, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.InfoContext(ctx, "controller.route.miss", telemetry.AttrTaskID, task.ID(),
			"domain_hint", task.DomainHint(), "error", err)
		return nil, err
	}
	span.SetAttributes(attribute.String(telemetry.AttrAgentID, agentID), attribute.Int("bodhya.route.score", score))
	c.logger.InfoContext(ctx, "controller.route", telemetry.AttrTaskID, task.ID(),
		telemetry.AttrAgentID, agentID, "score", score)
	return reg, nil
}

func (c *Controller) selectAgent(task *core.Task) (*registration, int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if hint := task.DomainHint(); hint != "" {
		for _, r := range c.agents {
			if r.enabled && strings.EqualFold(r.cap.Domain, hint) {
				return r, 0, nil
			}
		}
		return nil, 0, errors.Newf(errors.CodeAgentNotFound, "no enabled agent for domain %q", hint)
	}

	words := tokenize(task.Description())
	var best *registration
	bestScore := 0
	for _, r := range c.agents {
		if !r.enabled {
			continue
		}
		// Strictly greater keeps the earliest registration on ties.
		if s := Score(r.cap, words); s > bestScore {
			best, bestScore = r, s
		}
	}
	if best == nil {
		return nil, 0, errors.Newf(errors.CodeAgentNotFound, "no agent matches task %q", task.Description())
	}
	return best, bestScore, nil
}

// Score returns the keyword score of a capability against description
// tokens. Each distinct intent or domain word present scores once.
func Score(capability core.AgentCapability, words map[string]bool) int {
	seen := map[string]bool{}
	score := 0
	for _, kw := range append([]string{capability.Domain}, capability.Intents...) {
		for _, w := range tokenList(kw) {
			if seen[w] {
				continue
			}
			seen[w] = true
			if words[w] {
				score += keywordScore
			}
		}
	}
	return score
}

func tokenize(s string) map[string]bool {
	out := map[string]bool{}
	for _, w := range tokenList(s) {
		out[w] = true
	}
	return out
}

func tokenList(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
