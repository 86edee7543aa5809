package sandbox

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bodhya/bodhya/pkg/errors"
)

// Entry is one listed file or directory, relative to the root.
type Entry struct {
	Path  string `json:"path"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size"`
}

// Read returns the contents of a file.
func (s *Sandbox) Read(path string) (string, error) {
	abs, err := s.Resolve(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", fileError("read file", path, err)
	}
	return string(data), nil
}

// Write replaces a file's contents, creating parent directories.
func (s *Sandbox) Write(path, content string) error {
	abs, err := s.Resolve(path)
	if err != nil {
		return err
	}
	if err := s.limits.ConsumeWrite(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fileError("create parent directories", path, err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return fileError("write file", path, err)
	}
	s.logger.Debug("sandbox.write", "path", s.Rel(abs), "bytes", len(content))
	return nil
}

// Exists reports whether path exists inside the root.
func (s *Sandbox) Exists(path string) (bool, error) {
	abs, err := s.Resolve(path)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(abs); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fileError("stat", path, err)
	}
	return true, nil
}

// List returns entries matching pattern, sorted by path. A pattern without
// glob metacharacters that names a directory lists that directory.
func (s *Sandbox) List(pattern string) ([]Entry, error) {
	if pattern == "" {
		pattern = "."
	}
	if !hasMeta(pattern) {
		abs, err := s.Resolve(pattern)
		if err != nil {
			return nil, err
		}
		info, err := os.Stat(abs)
		if err != nil {
			return nil, fileError("list", pattern, err)
		}
		if !info.IsDir() {
			return []Entry{{Path: s.Rel(abs), Size: info.Size()}}, nil
		}
		return s.listDir(abs)
	}

	// Validates the pattern's literal prefix against the root.
	if _, err := s.Resolve(pattern); err != nil {
		return nil, err
	}
	matches, err := filepath.Glob(filepath.Join(s.root, pattern))
	if err != nil {
		return nil, errors.New(errors.CodeInvalidInput, "invalid glob pattern", err).WithContext("pattern", pattern)
	}
	entries := make([]Entry, 0, len(matches))
	for _, m := range matches {
		abs, err := s.Resolve(m)
		if err != nil {
			// Matches reached through symlinks leaving the root are dropped.
			continue
		}
		info, err := os.Stat(abs)
		if err != nil {
			continue
		}
		entries = append(entries, Entry{Path: s.Rel(m), IsDir: info.IsDir(), Size: info.Size()})
	}
	sortEntries(entries)
	return entries, nil
}

func (s *Sandbox) listDir(abs string) ([]Entry, error) {
	dirents, err := os.ReadDir(abs)
	if err != nil {
		return nil, fileError("list", s.Rel(abs), err)
	}
	entries := make([]Entry, 0, len(dirents))
	for _, d := range dirents {
		full := filepath.Join(abs, d.Name())
		info, err := d.Info()
		if err != nil {
			continue
		}
		e := Entry{Path: s.Rel(full), IsDir: d.IsDir(), Size: info.Size()}
		if d.Type()&os.ModeSymlink != 0 {
			target, err := s.Resolve(full)
			if err != nil {
				continue
			}
			if ti, err := os.Stat(target); err == nil {
				e.IsDir, e.Size = ti.IsDir(), ti.Size()
			}
		}
		entries = append(entries, e)
	}
	sortEntries(entries)
	return entries, nil
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
}

func hasMeta(pattern string) bool {
	return strings.ContainsAny(pattern, `*?[\`)
}

func fileError(op, path string, err error) error {
	code := errors.CodeToolInvocation
	if os.IsNotExist(err) {
		code = errors.CodeNotFound
	}
	return errors.New(code, op+" failed", err).WithContext("path", path)
}
