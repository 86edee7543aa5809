package core

import (
	"strings"

	"github.com/bodhya/bodhya/pkg/errors"
)

// ModelRole is the logical purpose a model serves.
type ModelRole string

const (
	RolePlanner    ModelRole = "planner"
	RoleCoder      ModelRole = "coder"
	RoleReviewer   ModelRole = "reviewer"
	RoleWriter     ModelRole = "writer"
	RoleSummarizer ModelRole = "summarizer"
	RoleGeneral    ModelRole = "general"
)

var knownRoles = []ModelRole{RolePlanner, RoleCoder, RoleReviewer, RoleWriter, RoleSummarizer, RoleGeneral}

// ParseModelRole parses a role name case-insensitively.
func ParseModelRole(s string) (ModelRole, error) {
	want := ModelRole(strings.ToLower(strings.TrimSpace(s)))
	for _, r := range knownRoles {
		if r == want {
			return r, nil
		}
	}
	return "", errors.Newf(errors.CodeInvalidInput, "unknown model role %q", s)
}

// EngagementMode controls whether non-local model backends may be used.
type EngagementMode string

const (
	EngagementMinimum EngagementMode = "minimum"
	EngagementMedium  EngagementMode = "medium"
	EngagementMaximum EngagementMode = "maximum"
)

// ParseEngagementMode accepts the long and short forms; empty means Minimum.
func ParseEngagementMode(s string) (EngagementMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "minimum", "min":
		return EngagementMinimum, nil
	case "medium", "med":
		return EngagementMedium, nil
	case "maximum", "max":
		return EngagementMaximum, nil
	default:
		return "", errors.Newf(errors.CodeInvalidInput, "invalid engagement mode %q", s)
	}
}

// AllowsRemote reports whether remote backends are eligible.
func (m EngagementMode) AllowsRemote() bool {
	return m == EngagementMedium || m == EngagementMaximum
}

func (m EngagementMode) String() string {
	if m == "" {
		return string(EngagementMinimum)
	}
	return string(m)
}
