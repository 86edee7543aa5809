package executor

import (
	"strings"
)

// Category classifies a validation failure.
type Category string

const (
	CategoryNone        Category = ""
	CategoryCompilation Category = "compilation"
	CategoryTestFailure Category = "test_failure"
	CategoryRuntime     Category = "runtime"
	CategoryUnknown     Category = "unknown"
)

// Patterns are matched case-insensitively, in this order.
var (
	compilationPatterns = []string{"error[e", "could not compile", "syntax error", "undefined:", "cannot find", "build failed"}
	testPatterns        = []string{"test result: failed", "--- fail", "fail\t", "assertion", "expected"}
	runtimePatterns     = []string{"panic", "thread '", "segmentation fault", "traceback"}
)

// Classify returns the failure category of captured output. A timed-out
// command is a runtime failure.
func Classify(output string, timedOut bool) Category {
	if timedOut {
		return CategoryRuntime
	}
	text := strings.ToLower(output)
	switch {
	case containsAny(text, compilationPatterns):
		return CategoryCompilation
	case containsAny(text, testPatterns):
		return CategoryTestFailure
	case containsAny(text, runtimePatterns):
		return CategoryRuntime
	}
	return CategoryUnknown
}

func containsAny(text string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(text, p) {
			return true
		}
	}
	return false
}

// maxMessages bounds the error lines kept per iteration.
const maxMessages = 20

// ExtractMessages picks the lines that look like diagnostics. With none it
// falls back to the first non-empty lines.
func ExtractMessages(output string) []string {
	var msgs, fallback []string
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if len(fallback) < 5 {
			fallback = append(fallback, trimmed)
		}
		lower := strings.ToLower(trimmed)
		if strings.HasPrefix(lower, "error") ||
			strings.HasPrefix(trimmed, "--- FAIL") ||
			strings.Contains(lower, "panicked at") ||
			strings.HasPrefix(lower, "panic:") ||
			strings.Contains(lower, "assertion") ||
			strings.Contains(lower, "expected") ||
			strings.Contains(lower, "undefined:") ||
			isFileDiagnostic(trimmed) {
			msgs = append(msgs, trimmed)
			if len(msgs) == maxMessages {
				break
			}
		}
	}
	if len(msgs) == 0 {
		return fallback
	}
	return msgs
}

// isFileDiagnostic matches "path/file.ext:12:3: message".
func isFileDiagnostic(line string) bool {
	colon := strings.Index(line, ":")
	if colon <= 0 || !strings.Contains(line[:colon], ".") {
		return false
	}
	rest := line[colon+1:]
	return len(rest) > 0 && rest[0] >= '0' && rest[0] <= '9'
}

// Analysis is the result of the Analyze step.
type Analysis struct {
	Category    Category `json:"category"`
	Messages    []string `json:"messages"`
	Suggestions []string `json:"suggestions,omitempty"`
	Output      string   `json:"-"`
}

// Analyze classifies output and derives suggestions for refinement.
func Analyze(output string, timedOut bool) Analysis {
	a := Analysis{
		Category: Classify(output, timedOut),
		Messages: ExtractMessages(output),
		Output:   output,
	}
	if timedOut {
		a.Messages = append([]string{"validation command timed out"}, a.Messages...)
	}
	a.Suggestions = suggestions(a)
	return a
}

func suggestions(a Analysis) []string {
	var out []string
	switch a.Category {
	case CategoryCompilation:
		out = append(out, "Check for syntax errors and type mismatches", "Ensure every referenced identifier is defined or imported")
	case CategoryTestFailure:
		out = append(out, "Review the failing assertions against the implementation", "Check edge cases the tests exercise")
	case CategoryRuntime:
		out = append(out, "Handle the failing input instead of panicking", "Check loops and blocking calls for termination")
	default:
		out = append(out, "Review the full validation output")
	}
	for _, m := range a.Messages {
		switch {
		case strings.Contains(m, "cannot find") || strings.Contains(m, "undefined:"):
			out = append(out, "Add the missing definition or import: "+m)
		case strings.Contains(m, "mismatched types"):
			out = append(out, "Fix the type mismatch: "+m)
		}
		if len(out) >= 5 {
			break
		}
	}
	if len(out) > 5 {
		out = out[:5]
	}
	return out
}
