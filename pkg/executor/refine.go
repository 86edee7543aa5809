package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bodhya/bodhya/pkg/core"
	"github.com/bodhya/bodhya/pkg/errors"
)

// Refiner produces the next artifact set after a failed validation. It must
// not modify plan.
type Refiner interface {
	Refine(ctx context.Context, plan Plan, analysis Analysis) (Plan, error)
}

// RefinerFunc adapts a function to Refiner.
type RefinerFunc func(ctx context.Context, plan Plan, analysis Analysis) (Plan, error)

// Refine calls f.
func (f RefinerFunc) Refine(ctx context.Context, plan Plan, analysis Analysis) (Plan, error) {
	return f(ctx, plan, analysis)
}

// HeuristicRefiner applies mechanical fixes that commonly break generated
// files: markdown fences around code, CRLF line endings and a missing
// final newline.
type HeuristicRefiner struct{}

// Refine normalizes every artifact.
func (HeuristicRefiner) Refine(_ context.Context, plan Plan, _ Analysis) (Plan, error) {
	next := plan.Clone()
	for i := range next.Files {
		next.Files[i].Content = NormalizeContent(next.Files[i].Content)
	}
	return next, nil
}

// NormalizeContent strips a surrounding markdown fence, converts CRLF and
// ensures a trailing newline.
func NormalizeContent(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = StripFences(s)
	if s != "" && !strings.HasSuffix(s, "\n") {
		s += "\n"
	}
	return s
}

// StripFences returns the body of the first fenced block when s contains
// one, otherwise s unchanged.
func StripFences(s string) string {
	start := strings.Index(s, "```")
	if start < 0 {
		return s
	}
	body := s[start+3:]
	nl := strings.IndexByte(body, '\n')
	if nl < 0 {
		return s
	}
	body = body[nl+1:]
	end := strings.Index(body, "```")
	if end < 0 {
		return s
	}
	return body[:end]
}

// ModelRefiner asks the coder role for corrected files and falls back when
// no model can answer.
type ModelRefiner struct {
	Models   core.ModelGenerator
	Domain   string
	Fallback Refiner
	Logger   *slog.Logger
}

// Refine rewrites each artifact through the model. Unavailable models,
// missing backends and unusable output fall back to the heuristic refiner.
func (m *ModelRefiner) Refine(ctx context.Context, plan Plan, analysis Analysis) (Plan, error) {
	fallback := m.Fallback
	if fallback == nil {
		fallback = HeuristicRefiner{}
	}
	domain := m.Domain
	if domain == "" {
		domain = "code"
	}

	next := plan.Clone()
	for i, f := range next.Files {
		out, err := m.Models.Generate(ctx, core.RoleCoder, domain, refinePrompt(f, analysis))
		if err != nil {
			if ctx.Err() != nil || !shouldFallBack(err) {
				return Plan{}, err
			}
			m.logger().WarnContext(ctx, "executor.refine.fallback", "path", f.Path, "error", err)
			return fallback.Refine(ctx, plan, analysis)
		}
		next.Files[i].Content = NormalizeContent(out)
	}
	return next, nil
}

func (m *ModelRefiner) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

func shouldFallBack(err error) bool {
	return errors.HasCode(err, errors.CodeModelUnavailable) ||
		errors.HasCode(err, errors.CodeNoEligibleBackend) ||
		errors.HasCode(err, errors.CodeInvalidOutput)
}

func refinePrompt(f Artifact, a Analysis) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The file %s failed validation with a %s failure.\n\n", f.Path, a.Category)
	if len(a.Messages) > 0 {
		b.WriteString("Errors:\n")
		for _, m := range a.Messages {
			b.WriteString("- " + m + "\n")
		}
		b.WriteString("\n")
	}
	if len(a.Suggestions) > 0 {
		b.WriteString("Hints:\n")
		for _, s := range a.Suggestions {
			b.WriteString("- " + s + "\n")
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Current content of %s:\n```\n%s```\n\n", f.Path, f.Content)
	b.WriteString("Reply with the complete corrected file content only.")
	return b.String()
}
