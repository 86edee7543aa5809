package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/bodhya/bodhya/pkg/core"
	"github.com/bodhya/bodhya/pkg/errors"
)

// MailAgentID is the id of the mail agent.
const MailAgentID = "mail"

// refineGoals is sent with every refinement request.
const refineGoals = "improve clarity, tone, and conciseness"

// Draft is an email draft.
type Draft struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// String renders the draft as "Subject: ..." followed by the body.
func (d Draft) String() string {
	return "Subject: " + d.Subject + "\n\n" + d.Body
}

// ParseDraft reads a "Subject:" line and the body after it. Text without a
// subject becomes the body of an "Email Draft".
func ParseDraft(text string) Draft {
	var d Draft
	var body []string
	inBody := false
	for _, line := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		trimmed := strings.TrimSpace(line)
		if s, ok := cutLabel(trimmed, "Subject"); ok && d.Subject == "" && !inBody {
			d.Subject = s
			continue
		}
		if _, ok := cutLabel(trimmed, "Body"); ok && !inBody {
			inBody = true
			continue
		}
		if !inBody && trimmed == "" {
			continue
		}
		inBody = true
		body = append(body, strings.TrimRight(line, " \t"))
	}
	d.Body = strings.TrimSpace(strings.Join(body, "\n"))
	if d.Subject == "" {
		d.Subject = "Email Draft"
		if d.Body == "" {
			d.Body = strings.TrimSpace(text)
		}
	}
	return d
}

// cutLabel strips "Label:" or "**Label**:" from line.
func cutLabel(line, label string) (string, bool) {
	for _, p := range []string{label + ":", "**" + label + "**:"} {
		if rest, ok := strings.CutPrefix(line, p); ok {
			return strings.TrimSpace(rest), true
		}
	}
	return "", false
}

// ParseRefined reads the "Refined Email:" and "Changes Made:" sections. When
// the first is missing the whole text is taken as the email.
func ParseRefined(text string) (Draft, []string) {
	var email []string
	var changes []string
	section := ""
	for _, line := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		trimmed := strings.TrimSpace(line)
		if _, ok := cutLabel(trimmed, "Refined Email"); ok {
			section = "email"
			continue
		}
		if _, ok := cutLabel(trimmed, "Changes Made"); ok {
			section = "changes"
			continue
		}
		switch section {
		case "email":
			email = append(email, line)
		case "changes":
			if c, ok := strings.CutPrefix(trimmed, "-"); ok && strings.TrimSpace(c) != "" {
				changes = append(changes, strings.TrimSpace(c))
			}
		}
	}
	if len(email) == 0 {
		return ParseDraft(text), changes
	}
	return ParseDraft(strings.Join(email, "\n")), changes
}

// TemplateDraft is the draft produced without a model.
func TemplateDraft(purpose string) Draft {
	return Draft{
		Subject: "Regarding: " + strings.TrimSpace(purpose),
		Body:    "Dear Recipient,\n\nI am writing regarding " + strings.TrimSpace(purpose) + ".\n\nBest regards",
	}
}

// MailAgent drafts emails with the writer role and refines them once.
//
// Payload keys: "context" (background for the draft), "tone" and "output"
// (a path the final draft is written to through the filesystem tool).
type MailAgent struct{}

// NewMailAgent creates the mail agent.
func NewMailAgent() *MailAgent { return &MailAgent{} }

func (a *MailAgent) ID() string { return MailAgentID }

func (a *MailAgent) Capability() core.AgentCapability {
	return core.AgentCapability{
		Domain:      "mail",
		Intents:     []string{"email", "mail", "draft", "reply", "write"},
		Description: "Drafts and refines emails",
	}
}

// Handle drafts the email. Without a usable model it returns a template
// draft and marks the result with "fallback".
func (a *MailAgent) Handle(ctx context.Context, task *core.Task, execCtx *core.ExecutionContext) (*core.AgentResult, error) {
	logger := execCtx.Log()
	draft, changes, err := a.compose(ctx, task, execCtx)
	fallback := false
	if err != nil {
		if !modelFallback(err) || ctx.Err() != nil {
			return nil, err
		}
		logger.WarnContext(ctx, "agents.mail.fallback", "error", err)
		draft, changes, fallback = TemplateDraft(task.Description()), nil, true
	}

	if out := task.PayloadString("output"); out != "" {
		if execCtx == nil || execCtx.Tools == nil {
			return nil, errors.Newf(errors.CodeInvalidInput, "output path given but no tools are available")
		}
		res, err := execCtx.Tools.Execute(ctx, "filesystem", "write", map[string]any{"path": out, "content": draft.String() + "\n"})
		if err != nil {
			return nil, err
		}
		if !res.Success {
			return nil, errors.Newf(errors.CodeToolInvocation, "write draft: %s", res.Error)
		}
	}

	content := draft.String()
	if len(changes) > 0 {
		content += "\n\nRefinements:\n- " + strings.Join(changes, "\n- ")
	}
	return core.NewAgentResult(task.ID(), content).
		WithMetadata("subject", draft.Subject).
		WithMetadata("changes", changes).
		WithMetadata("fallback", fallback), nil
}

func (a *MailAgent) compose(ctx context.Context, task *core.Task, execCtx *core.ExecutionContext) (Draft, []string, error) {
	if !execCtx.HasModels() {
		return Draft{}, nil, errors.Newf(errors.CodeNoEligibleBackend, "no model configured")
	}
	background := task.PayloadString("context")
	if background == "" {
		background = "General correspondence"
	}
	prompt, err := render("mail_draft.tmpl", map[string]any{
		"Context": background,
		"Purpose": task.Description(),
		"Tone":    task.PayloadString("tone"),
	})
	if err != nil {
		return Draft{}, nil, err
	}
	out, err := execCtx.Models.Generate(ctx, core.RoleWriter, "mail", prompt)
	if err != nil {
		return Draft{}, nil, err
	}
	if strings.TrimSpace(out) == "" {
		return Draft{}, nil, errors.Newf(errors.CodeInvalidOutput, "writer returned an empty draft")
	}
	draft := ParseDraft(out)

	prompt, err = render("mail_refine.tmpl", map[string]any{"Goals": refineGoals, "Draft": draft.String()})
	if err != nil {
		return Draft{}, nil, err
	}
	out, err = execCtx.Models.Generate(ctx, core.RoleWriter, "mail", prompt)
	if err != nil {
		// The unrefined draft is still a usable answer.
		if modelFallback(err) && ctx.Err() == nil {
			execCtx.Log().WarnContext(ctx, "agents.mail.refine_skipped", "error", err)
			return draft, nil, nil
		}
		return Draft{}, nil, fmt.Errorf("refine draft: %w", err)
	}
	refined, changes := ParseRefined(out)
	return refined, changes, nil
}
