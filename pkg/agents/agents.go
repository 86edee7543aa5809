// Copyright 2026 © The Bodhya Authors
// SPDX-License-Identifier: Apache-2.0

// Package agents provides the built-in domain agents: code generation driven
// by the agentic executor, and email drafting.
package agents

import (
	"embed"
	"strings"
	"text/template"

	"github.com/bodhya/bodhya/pkg/core"
	"github.com/bodhya/bodhya/pkg/errors"
)

//go:embed prompts/*.tmpl
var promptFS embed.FS

var prompts = template.Must(template.ParseFS(promptFS, "prompts/*.tmpl"))

func render(name string, data any) (string, error) {
	var b strings.Builder
	if err := prompts.ExecuteTemplate(&b, name, data); err != nil {
		return "", errors.New(errors.CodeInternal, "render prompt", err).WithContext("template", name)
	}
	return b.String(), nil
}

// Builtin returns the built-in agents in registration order.
func Builtin(opts ...CodeOption) []core.Agent {
	return []core.Agent{NewCodeAgent(opts...), NewMailAgent()}
}

// modelFallback reports model errors after which an agent degrades to its
// model-free behavior.
func modelFallback(err error) bool {
	return errors.HasCode(err, errors.CodeModelUnavailable) ||
		errors.HasCode(err, errors.CodeNoEligibleBackend) ||
		errors.HasCode(err, errors.CodeInvalidOutput)
}
