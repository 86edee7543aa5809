package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/bodhya/bodhya/pkg/errors"
)

// DefaultMaxResults caps a search when the caller gives no limit.
const DefaultMaxResults = 500

// SearchOptions controls a search.
type SearchOptions struct {
	Pattern       string
	Path          string // directory or file, relative to the root
	Recursive     bool
	CaseSensitive bool
	FileFilter    string // glob matched against the base name
	ContextLines  int
	MaxResults    int
}

// Match is one matching line. Line and Column are 1-indexed; Column counts
// runes.
type Match struct {
	Path   string   `json:"path"`
	Line   int      `json:"line"`
	Column int      `json:"column"`
	Text   string   `json:"text"`
	Before []string `json:"before,omitempty"`
	After  []string `json:"after,omitempty"`
}

// SearchResult holds the matches of a search.
type SearchResult struct {
	Matches      []Match `json:"matches"`
	FilesScanned int     `json:"files_scanned"`
	Truncated    bool    `json:"truncated,omitempty"`
}

// Search finds lines matching a regular expression. Hidden directories and
// binary files are skipped.
func (s *Sandbox) Search(ctx context.Context, opts SearchOptions) (*SearchResult, error) {
	if opts.Pattern == "" {
		return nil, errors.Newf(errors.CodeInvalidInput, "search pattern is required")
	}
	expr := opts.Pattern
	if !opts.CaseSensitive {
		expr = "(?i)" + expr
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, errors.New(errors.CodeInvalidInput, "invalid search pattern", err).WithContext("pattern", opts.Pattern)
	}
	if opts.FileFilter != "" {
		if _, err := filepath.Match(opts.FileFilter, ""); err != nil {
			return nil, errors.New(errors.CodeInvalidInput, "invalid file filter", err).WithContext("filter", opts.FileFilter)
		}
	}
	if opts.MaxResults <= 0 {
		opts.MaxResults = DefaultMaxResults
	}
	if opts.ContextLines < 0 {
		opts.ContextLines = 0
	}

	start, err := s.Resolve(opts.Path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(start)
	if err != nil {
		return nil, fileError("search", opts.Path, err)
	}

	res := &SearchResult{Matches: []Match{}}
	if !info.IsDir() {
		if err := s.searchFile(start, re, opts, res); err != nil {
			return nil, err
		}
		return res, nil
	}

	err = filepath.WalkDir(start, func(path string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return errors.New(errors.CodeCanceled, "search canceled", err)
		}
		if walkErr != nil {
			// Unreadable entries are skipped.
			return nil
		}
		if d.IsDir() {
			if path == start {
				return nil
			}
			if strings.HasPrefix(d.Name(), ".") || !opts.Recursive {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if opts.FileFilter != "" {
			if ok, _ := filepath.Match(opts.FileFilter, d.Name()); !ok {
				return nil
			}
		}
		if err := s.searchFile(path, re, opts, res); err != nil {
			return err
		}
		if res.Truncated {
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Sandbox) searchFile(path string, re *regexp.Regexp, opts SearchOptions, res *SearchResult) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	if isBinary(data) {
		return nil
	}
	res.FilesScanned++

	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	rel := s.Rel(path)
	for i, line := range lines {
		loc := re.FindStringIndex(line)
		if loc == nil {
			continue
		}
		if len(res.Matches) >= opts.MaxResults {
			res.Truncated = true
			return nil
		}
		m := Match{
			Path:   rel,
			Line:   i + 1,
			Column: utf8.RuneCountInString(line[:loc[0]]) + 1,
			Text:   line,
		}
		if n := opts.ContextLines; n > 0 {
			m.Before = append([]string(nil), lines[max(0, i-n):i]...)
			m.After = append([]string(nil), lines[i+1:min(len(lines), i+1+n)]...)
		}
		res.Matches = append(res.Matches, m)
	}
	return nil
}

// isBinary treats a NUL byte in the first 8KiB as binary content.
func isBinary(data []byte) bool {
	if len(data) > 8192 {
		data = data[:8192]
	}
	return bytes.IndexByte(data, 0) >= 0
}
