package sandbox

import (
	"os"
	"strings"

	"github.com/bodhya/bodhya/pkg/errors"
)

// EditKind names an in-place edit operation.
type EditKind string

const (
	EditReplace      EditKind = "replace"
	EditPatch        EditKind = "patch"
	EditInsertAtLine EditKind = "insert_at_line"
	EditDeleteLines  EditKind = "delete_lines"
)

// EditOp describes one edit. Only the fields used by Kind are read.
type EditOp struct {
	Kind EditKind

	// replace: Count 0 requires exactly one occurrence, a positive Count
	// replaces up to that many, a negative Count replaces all.
	Old   string
	New   string
	Count int

	// patch
	Diff string

	// insert_at_line (1-indexed, Line may be one past the last line)
	Line int
	Text string

	// delete_lines (1-indexed, inclusive)
	Start int
	End   int

	// DryRun computes the result without writing or consuming a write.
	DryRun bool
}

// EditResult reports the outcome of an edit.
type EditResult struct {
	Path         string `json:"path"`
	Replacements int    `json:"replacements,omitempty"`
	LinesBefore  int    `json:"lines_before"`
	LinesAfter   int    `json:"lines_after"`
	DryRun       bool   `json:"dry_run,omitempty"`
	Content      string `json:"content,omitempty"`
}

// Edit applies op to the file at path.
func (s *Sandbox) Edit(path string, op EditOp) (*EditResult, error) {
	abs, err := s.Resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fileError("read file", path, err)
	}
	original := string(data)

	var (
		updated      string
		replacements int
	)
	switch op.Kind {
	case EditReplace:
		updated, replacements, err = applyReplace(original, op)
	case EditPatch:
		updated, err = ApplyUnifiedDiff(original, op.Diff)
	case EditInsertAtLine:
		updated, err = applyInsert(original, op.Line, op.Text)
	case EditDeleteLines:
		updated, err = applyDelete(original, op.Start, op.End)
	default:
		err = errors.Newf(errors.CodeInvalidInput, "unknown edit operation %q", op.Kind)
	}
	if err != nil {
		if e, ok := errors.As(err); ok {
			e.WithContext("path", path)
		}
		return nil, err
	}

	res := &EditResult{
		Path:         s.Rel(abs),
		Replacements: replacements,
		LinesBefore:  countLines(original),
		LinesAfter:   countLines(updated),
		DryRun:       op.DryRun,
	}
	if op.DryRun {
		res.Content = updated
		return res, nil
	}
	if err := s.limits.ConsumeWrite(); err != nil {
		return nil, err
	}
	info, statErr := os.Stat(abs)
	mode := os.FileMode(0o644)
	if statErr == nil {
		mode = info.Mode().Perm()
	}
	if err := os.WriteFile(abs, []byte(updated), mode); err != nil {
		return nil, fileError("write file", path, err)
	}
	s.logger.Debug("sandbox.edit", "path", res.Path, "kind", op.Kind)
	return res, nil
}

func applyReplace(content string, op EditOp) (string, int, error) {
	if op.Old == "" {
		return "", 0, errors.Newf(errors.CodeInvalidInput, "replace requires non-empty old text")
	}
	n := strings.Count(content, op.Old)
	switch {
	case n == 0:
		return "", 0, errors.Newf(errors.CodeInvalidInput, "old text not found")
	case op.Count == 0 && n > 1:
		return "", 0, errors.Newf(errors.CodeInvalidInput, "old text is ambiguous: %d occurrences", n).
			WithContext("occurrences", n)
	}
	limit := 1
	switch {
	case op.Count < 0:
		limit = -1
	case op.Count > 0:
		limit = op.Count
	}
	replaced := n
	if limit > 0 && limit < n {
		replaced = limit
	}
	return strings.Replace(content, op.Old, op.New, limit), replaced, nil
}

func applyInsert(content string, line int, text string) (string, error) {
	lines, trailing := splitLines(content)
	if line < 1 || line > len(lines)+1 {
		return "", errors.Newf(errors.CodeInvalidInput, "line %d out of range 1..%d", line, len(lines)+1)
	}
	insert, _ := splitLines(text)
	if text == "" {
		insert = []string{""}
	}
	out := make([]string, 0, len(lines)+len(insert))
	out = append(out, lines[:line-1]...)
	out = append(out, insert...)
	out = append(out, lines[line-1:]...)
	if len(lines) == 0 {
		trailing = strings.HasSuffix(text, "\n")
	}
	return joinLines(out, trailing), nil
}

func applyDelete(content string, start, end int) (string, error) {
	lines, trailing := splitLines(content)
	if start < 1 || end < start || end > len(lines) {
		return "", errors.Newf(errors.CodeInvalidInput, "line range %d-%d out of range 1..%d", start, end, len(lines))
	}
	out := make([]string, 0, len(lines)-(end-start+1))
	out = append(out, lines[:start-1]...)
	out = append(out, lines[end:]...)
	return joinLines(out, trailing && len(out) > 0), nil
}

// splitLines splits content into lines and reports whether it ended with a
// newline. An empty string has no lines.
func splitLines(content string) ([]string, bool) {
	if content == "" {
		return nil, false
	}
	trailing := strings.HasSuffix(content, "\n")
	if trailing {
		content = content[:len(content)-1]
	}
	return strings.Split(content, "\n"), trailing
}

func joinLines(lines []string, trailing bool) string {
	out := strings.Join(lines, "\n")
	if trailing {
		out += "\n"
	}
	return out
}

func countLines(content string) int {
	lines, _ := splitLines(content)
	return len(lines)
}
