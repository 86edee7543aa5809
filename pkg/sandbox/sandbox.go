// Copyright 2026 © The Bodhya Authors
// SPDX-License-Identifier: Apache-2.0

// Package sandbox implements the built-in file, shell, edit and search
// operations, all confined to a single working root.
//
// Every path argument is resolved against the root and canonicalized,
// following symlinks, before use. A path that contains a ".." element or
// resolves outside the root fails with a PATH_VIOLATION error and the
// operation is not performed.
package sandbox

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bodhya/bodhya/pkg/errors"
)

// DefaultShellTimeout bounds a single command when the caller gives none.
const DefaultShellTimeout = 300 * time.Second

// Sandbox confines operations to a canonical working root.
type Sandbox struct {
	root         string
	limits       *Limits
	shellTimeout time.Duration
	logger       *slog.Logger
}

// Option configures a Sandbox.
type Option func(*Sandbox)

// WithLimits attaches the counters shared by one execution.
func WithLimits(l *Limits) Option {
	return func(s *Sandbox) { s.limits = l }
}

// WithShellTimeout sets the default per-command timeout.
func WithShellTimeout(d time.Duration) Option {
	return func(s *Sandbox) {
		if d > 0 {
			s.shellTimeout = d
		}
	}
}

// WithLogger sets the sandbox logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sandbox) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a sandbox rooted at root, which must be an existing directory.
func New(root string, opts ...Option) (*Sandbox, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.New(errors.CodeInvalidInput, "resolve working root", err)
	}
	canonical, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, errors.New(errors.CodeInvalidInput, "resolve working root", err).WithContext("root", root)
	}
	info, err := os.Stat(canonical)
	if err != nil {
		return nil, errors.New(errors.CodeInvalidInput, "stat working root", err)
	}
	if !info.IsDir() {
		return nil, errors.Newf(errors.CodeInvalidInput, "working root %q is not a directory", root)
	}
	s := &Sandbox{
		root:         canonical,
		shellTimeout: DefaultShellTimeout,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Root returns the canonical working root.
func (s *Sandbox) Root() string { return s.root }

// Limits returns the attached counters, which may be nil.
func (s *Sandbox) Limits() *Limits { return s.limits }

// WithLimits returns a copy of the sandbox sharing the root but using l.
func (s *Sandbox) WithLimits(l *Limits) *Sandbox {
	cp := *s
	cp.limits = l
	return &cp
}

// Resolve maps path to a canonical absolute path inside the root.
func (s *Sandbox) Resolve(path string) (string, error) {
	if strings.ContainsRune(path, 0) {
		return "", s.violation(path, "path contains NUL byte")
	}
	if path == "" {
		path = "."
	}
	for _, part := range strings.FieldsFunc(filepath.ToSlash(path), func(r rune) bool { return r == '/' }) {
		if part == ".." {
			return "", s.violation(path, "parent directory reference")
		}
	}

	var abs string
	if filepath.IsAbs(path) {
		abs = filepath.Clean(path)
	} else {
		abs = filepath.Join(s.root, path)
	}
	if !within(s.root, abs) {
		return "", s.violation(path, "absolute path outside working root")
	}

	real, err := evalExisting(abs)
	if err != nil {
		return "", s.violation(path, err.Error())
	}
	if !within(s.root, real) {
		return "", s.violation(path, "symlink resolves outside working root")
	}
	return real, nil
}

// Rel returns abs relative to the root using forward slashes.
func (s *Sandbox) Rel(abs string) string {
	rel, err := filepath.Rel(s.root, abs)
	if err != nil {
		return abs
	}
	return filepath.ToSlash(rel)
}

func (s *Sandbox) violation(path, reason string) error {
	return errors.New(errors.CodePathViolation, fmt.Sprintf("path %q escapes working root", path), nil).
		WithContext("root", s.root).
		WithContext("reason", reason)
}

// evalExisting resolves symlinks in the longest existing prefix of abs and
// appends the remaining, not yet created, elements.
func evalExisting(abs string) (string, error) {
	existing := abs
	var rest []string
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		rest = append([]string{filepath.Base(existing)}, rest...)
		existing = parent
	}
	real, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", fmt.Errorf("unresolvable symlink %q", existing)
	}
	return filepath.Join(append([]string{real}, rest...)...), nil
}

func within(root, path string) bool {
	if path == root {
		return true
	}
	if !strings.HasSuffix(root, string(filepath.Separator)) {
		root += string(filepath.Separator)
	}
	return strings.HasPrefix(path, root)
}
