package controller

import (
	"github.com/bodhya/bodhya/pkg/core"
	"github.com/bodhya/bodhya/pkg/errors"
)

// Operation is an action whose admissibility depends on the engagement mode.
type Operation string

const (
	OperationLocalModel     Operation = "local_model_call"
	OperationRemoteModel    Operation = "remote_model_call"
	OperationRemoteFallback Operation = "remote_fallback"
)

// Strategy summarizes how a mode uses models.
type Strategy struct {
	PreferLocal         bool `json:"prefer_local"`
	AllowRemoteFallback bool `json:"allow_remote_fallback"`
	RemoteForComplex    bool `json:"remote_for_complex"`
}

// EngagementManager enforces the configured engagement mode.
type EngagementManager struct {
	mode core.EngagementMode
}

// NewEngagementManager creates a manager. An empty mode means Minimum.
func NewEngagementManager(mode core.EngagementMode) *EngagementManager {
	if mode == "" {
		mode = core.EngagementMinimum
	}
	return &EngagementManager{mode: mode}
}

// Mode returns the configured mode.
func (m *EngagementManager) Mode() core.EngagementMode { return m.mode }

// ValidateOperation returns ENGAGEMENT_VIOLATION when op is not allowed.
// Local model calls are always allowed.
func (m *EngagementManager) ValidateOperation(op Operation) error {
	if _, err := core.ParseEngagementMode(string(m.mode)); err != nil {
		return errors.New(errors.CodeEngagementViolation, "unknown engagement mode", err)
	}
	switch op {
	case OperationLocalModel:
		return nil
	case OperationRemoteModel, OperationRemoteFallback:
		if m.mode.AllowsRemote() {
			return nil
		}
		return errors.Newf(errors.CodeEngagementViolation, "%s is not allowed in %s engagement mode", op, m.mode).
			WithContext("engagement", m.mode.String())
	}
	return errors.Newf(errors.CodeInvalidInput, "unknown operation %q", op)
}

// Strategy returns the model usage strategy of the mode.
func (m *EngagementManager) Strategy() Strategy {
	switch m.mode {
	case core.EngagementMedium:
		return Strategy{PreferLocal: true, AllowRemoteFallback: true}
	case core.EngagementMaximum:
		return Strategy{AllowRemoteFallback: true, RemoteForComplex: true}
	}
	return Strategy{PreferLocal: true}
}

// ModeFor returns the engagement mode a task runs under. A task may lower
// the configured mode through its "engagement" payload key; asking for a
// remote-capable mode the configuration does not allow is a violation.
func (m *EngagementManager) ModeFor(task *core.Task) (core.EngagementMode, error) {
	if err := m.ValidateOperation(OperationLocalModel); err != nil {
		return "", err
	}
	requested := task.PayloadString("engagement")
	if requested == "" {
		return m.mode, nil
	}
	mode, err := core.ParseEngagementMode(requested)
	if err != nil {
		return "", err
	}
	if mode.AllowsRemote() {
		if err := m.ValidateOperation(OperationRemoteModel); err != nil {
			return "", err
		}
		if rank(mode) > rank(m.mode) {
			return "", errors.Newf(errors.CodeEngagementViolation, "task requests %s engagement above configured %s", mode, m.mode)
		}
	}
	return mode, nil
}

func rank(m core.EngagementMode) int {
	switch m {
	case core.EngagementMedium:
		return 1
	case core.EngagementMaximum:
		return 2
	}
	return 0
}
