package sandbox

import (
	"strconv"
	"strings"

	"github.com/bodhya/bodhya/pkg/errors"
)

const noNewlineMarker = `\ No newline at end of file`

type hunk struct {
	oldStart, oldLen int
	newStart, newLen int
	oldLines         []string
	newLines         []string
	oldNoEOL         bool
	newNoEOL         bool
	header           string
}

// ApplyUnifiedDiff applies a single-file unified diff to content. Hunks must
// appear in file order. A hunk whose context does not match fails the whole
// patch with INVALID_INPUT; content is never partially patched.
func ApplyUnifiedDiff(content, diff string) (string, error) {
	hunks, err := parseUnifiedDiff(diff)
	if err != nil {
		return "", err
	}
	if len(hunks) == 0 {
		return "", errors.Newf(errors.CodeInvalidInput, "patch contains no hunks")
	}

	lines, trailing := splitLines(content)
	out := make([]string, 0, len(lines))
	cursor := 0
	reachedEOF := false
	markers := false
	newNoEOL := false

	for _, h := range hunks {
		at, ok := locate(lines, h, cursor)
		if !ok {
			return "", errors.Newf(errors.CodeInvalidInput, "hunk %q does not apply", h.header).
				WithContext("hunk", h.header)
		}
		out = append(out, lines[cursor:at]...)
		out = append(out, h.newLines...)
		cursor = at + len(h.oldLines)
		reachedEOF = cursor == len(lines)
		if h.oldNoEOL || h.newNoEOL {
			markers = true
		}
		newNoEOL = h.newNoEOL
	}
	out = append(out, lines[cursor:]...)

	if reachedEOF && markers {
		trailing = !newNoEOL
	}
	if len(out) == 0 {
		return "", nil
	}
	return joinLines(out, trailing), nil
}

// locate finds where h's old lines start, trying the header position first
// and then the nearest offset at or after cursor.
func locate(lines []string, h hunk, cursor int) (int, bool) {
	want := h.oldStart - 1
	if h.oldLen == 0 {
		want = h.oldStart
	}
	if want < cursor {
		want = cursor
	}
	if matchAt(lines, h.oldLines, want) {
		return want, true
	}
	for delta := 1; ; delta++ {
		lo, hi := want-delta, want+delta
		if lo < cursor && hi+len(h.oldLines) > len(lines) {
			return 0, false
		}
		if lo >= cursor && matchAt(lines, h.oldLines, lo) {
			return lo, true
		}
		if hi+len(h.oldLines) <= len(lines) && matchAt(lines, h.oldLines, hi) {
			return hi, true
		}
	}
}

func matchAt(lines, want []string, at int) bool {
	if at < 0 || at+len(want) > len(lines) {
		return false
	}
	for i, l := range want {
		if lines[at+i] != l {
			return false
		}
	}
	return true
}

func parseUnifiedDiff(diff string) ([]hunk, error) {
	raw := strings.Split(strings.ReplaceAll(diff, "\r\n", "\n"), "\n")
	var hunks []hunk
	for i := 0; i < len(raw); {
		line := raw[i]
		if !strings.HasPrefix(line, "@@") {
			// File headers and any preamble before the first hunk.
			i++
			continue
		}
		h, err := parseHunkHeader(line)
		if err != nil {
			return nil, err
		}
		i++
		oldSeen, newSeen := 0, 0
		var last byte
		for i < len(raw) && (oldSeen < h.oldLen || newSeen < h.newLen || strings.HasPrefix(raw[i], `\`)) {
			l := raw[i]
			i++
			if l == "" {
				// Editors and models often strip the space of blank context lines.
				l = " "
			}
			switch l[0] {
			case ' ':
				h.oldLines = append(h.oldLines, l[1:])
				h.newLines = append(h.newLines, l[1:])
				oldSeen++
				newSeen++
			case '-':
				h.oldLines = append(h.oldLines, l[1:])
				oldSeen++
			case '+':
				h.newLines = append(h.newLines, l[1:])
				newSeen++
			case '\\':
				if !strings.HasPrefix(l, `\ No newline`) && l != noNewlineMarker {
					return nil, errors.Newf(errors.CodeInvalidInput, "unexpected line in hunk %q: %q", h.header, l)
				}
				switch last {
				case ' ':
					h.oldNoEOL, h.newNoEOL = true, true
				case '-':
					h.oldNoEOL = true
				case '+':
					h.newNoEOL = true
				}
				continue
			default:
				return nil, errors.Newf(errors.CodeInvalidInput, "unexpected line in hunk %q: %q", h.header, l)
			}
			last = l[0]
		}
		if oldSeen != h.oldLen || newSeen != h.newLen {
			return nil, errors.Newf(errors.CodeInvalidInput,
				"hunk %q is truncated: got -%d +%d lines", h.header, oldSeen, newSeen)
		}
		hunks = append(hunks, h)
	}
	return hunks, nil
}

// parseHunkHeader parses "@@ -a,b +c,d @@ optional section".
func parseHunkHeader(line string) (hunk, error) {
	h := hunk{header: line}
	bad := func() (hunk, error) {
		return hunk{}, errors.Newf(errors.CodeInvalidInput, "malformed hunk header %q", line)
	}
	body := strings.TrimPrefix(line, "@@")
	end := strings.Index(body, "@@")
	if end < 0 {
		return bad()
	}
	fields := strings.Fields(body[:end])
	if len(fields) != 2 || !strings.HasPrefix(fields[0], "-") || !strings.HasPrefix(fields[1], "+") {
		return bad()
	}
	var err error
	if h.oldStart, h.oldLen, err = parseRange(fields[0][1:]); err != nil {
		return bad()
	}
	if h.newStart, h.newLen, err = parseRange(fields[1][1:]); err != nil {
		return bad()
	}
	return h, nil
}

func parseRange(s string) (start, length int, err error) {
	startStr, lenStr, hasLen := strings.Cut(s, ",")
	if start, err = strconv.Atoi(startStr); err != nil {
		return 0, 0, err
	}
	length = 1
	if hasLen {
		if length, err = strconv.Atoi(lenStr); err != nil {
			return 0, 0, err
		}
	}
	if start < 0 || length < 0 {
		return 0, 0, strconv.ErrRange
	}
	return start, length, nil
}
