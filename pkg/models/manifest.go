// Copyright 2026 © The Bodhya Authors
// SPDX-License-Identifier: Apache-2.0

// Package models resolves logical model roles to inference backends and
// manages the download, verify and install lifecycle of local weights.
package models

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/bodhya/bodhya/pkg/core"
	"github.com/bodhya/bodhya/pkg/errors"
)

// Backend locations.
const (
	LocationLocal  = "local"
	LocationRemote = "remote"
)

// BackendConfig is one entry of the manifest backends table.
type BackendConfig struct {
	Type     string         `yaml:"type" toml:"type" json:"type"`
	Location string         `yaml:"location" toml:"location" json:"location"`
	Enabled  *bool          `yaml:"enabled,omitempty" toml:"enabled,omitempty" json:"enabled,omitempty"`
	Endpoint string         `yaml:"endpoint,omitempty" toml:"endpoint,omitempty" json:"endpoint,omitempty"`
	Model    string         `yaml:"model,omitempty" toml:"model,omitempty" json:"model,omitempty"`
	APIKey   string         `yaml:"api_key_env,omitempty" toml:"api_key_env,omitempty" json:"api_key_env,omitempty"` // name of the env var holding the key
	Config   map[string]any `yaml:"config,omitempty" toml:"config,omitempty" json:"config,omitempty"`
}

// IsEnabled reports whether the backend may be used. Unset means enabled.
func (b BackendConfig) IsEnabled() bool {
	return b.Enabled == nil || *b.Enabled
}

// IsLocal reports whether inference stays on this machine.
func (b BackendConfig) IsLocal() bool {
	return b.Location == LocationLocal
}

// Entry describes one model in the manifest.
type Entry struct {
	ID           string         `yaml:"id" toml:"id" json:"id"`
	Role         core.ModelRole `yaml:"role" toml:"role" json:"role"`
	Domain       string         `yaml:"domain" toml:"domain" json:"domain"`
	DisplayName  string         `yaml:"display_name" toml:"display_name" json:"display_name"`
	Description  string         `yaml:"description,omitempty" toml:"description,omitempty" json:"description,omitempty"`
	Backend      string         `yaml:"backend" toml:"backend" json:"backend"`
	ModelName    string         `yaml:"model,omitempty" toml:"model,omitempty" json:"model,omitempty"`
	SourceURL    string         `yaml:"source_url,omitempty" toml:"source_url,omitempty" json:"source_url,omitempty"`
	Checksum     string         `yaml:"checksum,omitempty" toml:"checksum,omitempty" json:"checksum,omitempty"`
	SizeBytes    int64          `yaml:"size_bytes,omitempty" toml:"size_bytes,omitempty" json:"size_bytes,omitempty"`
	SizeGB       float64        `yaml:"size_gb,omitempty" toml:"size_gb,omitempty" json:"-"`
	Quantization string         `yaml:"quantization,omitempty" toml:"quantization,omitempty" json:"quantization,omitempty"`
}

// Digest returns the lowercase hex SHA-256 digest without its prefix.
func (e Entry) Digest() string {
	return strings.ToLower(strings.TrimPrefix(e.Checksum, "sha256:"))
}

// Manifest is the parsed model manifest. Models keep manifest order.
type Manifest struct {
	Models   []Entry                  `yaml:"models" toml:"models"`
	Backends map[string]BackendConfig `yaml:"backends" toml:"backends"`

	index map[string]int
}

// Get returns the entry with the given id.
func (m *Manifest) Get(id string) (Entry, bool) {
	i, ok := m.index[id]
	if !ok {
		return Entry{}, false
	}
	return m.Models[i], true
}

// BackendFor returns the backend configuration of an entry.
func (m *Manifest) BackendFor(e Entry) BackendConfig {
	return m.Backends[e.Backend]
}

// LoadManifest reads a manifest, choosing the format by extension: .toml
// is TOML and anything else is YAML. A malformed entry fails the whole load.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.New(errors.CodeConfig, "read model manifest", err).WithContext("path", path)
	}
	var m *Manifest
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		m, err = ParseTOML(data)
	} else {
		m, err = ParseYAML(data)
	}
	if err != nil {
		if e, ok := errors.As(err); ok {
			return nil, e.WithContext("path", path)
		}
		return nil, err
	}
	return m, nil
}

// ParseYAML parses and validates a YAML manifest. Unknown fields are rejected.
func ParseYAML(data []byte) (*Manifest, error) {
	var raw struct {
		Models   yaml.Node                `yaml:"models"`
		Backends map[string]BackendConfig `yaml:"backends"`
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil {
		return nil, errors.New(errors.CodeConfig, "parse model manifest", err)
	}

	m := &Manifest{Backends: raw.Backends}
	switch raw.Models.Kind {
	case 0:
	case yaml.SequenceNode:
		if err := decodeStrict(&raw.Models, &m.Models); err != nil {
			return nil, err
		}
	case yaml.MappingNode:
		// Keep document order; the map form carries the id as the key.
		for i := 0; i+1 < len(raw.Models.Content); i += 2 {
			var e Entry
			if err := decodeStrict(raw.Models.Content[i+1], &e); err != nil {
				return nil, err
			}
			if key := raw.Models.Content[i].Value; e.ID == "" {
				e.ID = key
			} else if e.ID != key {
				return nil, errors.Newf(errors.CodeConfig, "model %q declares mismatched id %q", key, e.ID)
			}
			m.Models = append(m.Models, e)
		}
	default:
		return nil, errors.Newf(errors.CodeConfig, "models must be a list or a map (line %d)", raw.Models.Line)
	}
	return m, m.validate()
}

// decodeStrict re-encodes a node so the strict decoder sees it; Node.Decode
// ignores KnownFields.
func decodeStrict(node *yaml.Node, out any) error {
	data, err := yaml.Marshal(node)
	if err != nil {
		return errors.New(errors.CodeConfig, "parse model manifest", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return errors.New(errors.CodeConfig, fmt.Sprintf("parse model manifest (line %d)", node.Line), err)
	}
	return nil
}

// ParseTOML parses and validates a TOML manifest. Models are either an
// array of tables ([[models]]) or tables keyed by id ([models.<id>]).
// Undecoded keys are rejected.
func ParseTOML(data []byte) (*Manifest, error) {
	var raw struct {
		Models   toml.Primitive           `toml:"models"`
		Backends map[string]BackendConfig `toml:"backends"`
	}
	md, err := toml.Decode(string(data), &raw)
	if err != nil {
		return nil, errors.New(errors.CodeConfig, "parse model manifest", err)
	}

	m := &Manifest{Backends: raw.Backends}
	if md.IsDefined("models") {
		var list []Entry
		if err := md.PrimitiveDecode(raw.Models, &list); err == nil {
			m.Models = list
		} else {
			var byID map[string]Entry
			if err := md.PrimitiveDecode(raw.Models, &byID); err != nil {
				return nil, errors.New(errors.CodeConfig, "models must be an array of tables or tables keyed by id", err)
			}
			for _, key := range md.Keys() {
				if len(key) != 2 || key[0] != "models" {
					continue
				}
				e := byID[key[1]]
				if e.ID == "" {
					e.ID = key[1]
				} else if e.ID != key[1] {
					return nil, errors.Newf(errors.CodeConfig, "model %q declares mismatched id %q", key[1], e.ID)
				}
				m.Models = append(m.Models, e)
			}
		}
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, errors.Newf(errors.CodeConfig, "unknown manifest field %q", undecoded[0].String())
	}
	return m, m.validate()
}

func (m *Manifest) validate() error {
	if len(m.Models) == 0 {
		return errors.Newf(errors.CodeConfig, "manifest contains no models")
	}
	for name, b := range m.Backends {
		if b.Type == "" {
			return errors.Newf(errors.CodeConfig, "backend %q has no type", name)
		}
		if b.Location != LocationLocal && b.Location != LocationRemote {
			return errors.Newf(errors.CodeConfig, "backend %q has invalid location %q (want local or remote)", name, b.Location)
		}
	}

	m.index = make(map[string]int, len(m.Models))
	for i := range m.Models {
		e := &m.Models[i]
		if err := m.validateEntry(e); err != nil {
			return err
		}
		if _, dup := m.index[e.ID]; dup {
			return errors.Newf(errors.CodeConfig, "duplicate model id %q", e.ID)
		}
		m.index[e.ID] = i
	}
	return nil
}

func (m *Manifest) validateEntry(e *Entry) error {
	fail := func(format string, args ...any) error {
		return errors.Newf(errors.CodeConfig, "model %q: "+format, append([]any{e.ID}, args...)...)
	}
	if e.ID == "" {
		return errors.Newf(errors.CodeConfig, "model entry without id")
	}
	if strings.ContainsAny(e.ID, `/\`) || e.ID == "." || e.ID == ".." {
		return fail("id must not contain path separators")
	}
	role, err := core.ParseModelRole(string(e.Role))
	if err != nil {
		return fail("unknown role %q", e.Role)
	}
	e.Role = role
	if strings.TrimSpace(e.DisplayName) == "" {
		return fail("empty display_name")
	}
	backend, ok := m.Backends[e.Backend]
	if !ok {
		return fail("unknown backend %q", e.Backend)
	}
	if e.SizeBytes == 0 && e.SizeGB > 0 {
		e.SizeBytes = int64(e.SizeGB * 1e9)
	}
	if e.Checksum != "" && !validChecksum(e.Checksum) {
		return fail("invalid checksum %q (want sha256:<hex> or a bare hex digest)", e.Checksum)
	}
	if !backend.IsLocal() {
		return nil
	}
	switch {
	case e.SourceURL == "":
		return fail("empty source_url for a local model")
	case e.SizeBytes <= 0:
		return fail("size must be positive, got %d", e.SizeBytes)
	case e.Checksum == "":
		return fail("missing checksum for a local model")
	}
	return nil
}

// validChecksum accepts a non-empty hex digest with an optional "sha256:"
// prefix. A digest of the wrong length is caught when the download is
// verified.
func validChecksum(s string) bool {
	digest := strings.TrimPrefix(s, "sha256:")
	if digest == "" {
		return false
	}
	for _, c := range digest {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}
