// Package config loads Bodhya configuration from defaults, an optional YAML
// file, an optional profile overlay and BODHYA_ environment variables.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/bodhya/bodhya/pkg/core"
	"github.com/bodhya/bodhya/pkg/errors"
)

// EnvPrefix is the environment variable prefix for overrides.
const EnvPrefix = "BODHYA_"

type Config struct {
	Profile        string                 `koanf:"profile"`
	EngagementMode string                 `koanf:"engagement_mode"`
	Agents         map[string]AgentConfig `koanf:"agents"`
	Models         ModelsConfig           `koanf:"models"`
	Tools          ToolsConfig            `koanf:"tools"`
	Limits         LimitsConfig           `koanf:"limits"`
	Paths          PathsConfig            `koanf:"paths"`
	Log            LogConfig              `koanf:"log"`
	Telemetry      TelemetryConfig        `koanf:"telemetry"`
}

type AgentConfig struct {
	Enabled  *bool             `koanf:"enabled"`
	Models   map[string]string `koanf:"models"` // role -> model id
	Settings map[string]any    `koanf:"settings"`
}

type ModelsConfig struct {
	ManifestPath       string  `koanf:"manifest_path"`
	DefaultTemperature float64 `koanf:"default_temperature"`
	DefaultMaxTokens   int     `koanf:"default_max_tokens"`
}

type ToolsConfig struct {
	WorkDir      string            `koanf:"work_dir"`
	ShellTimeout time.Duration     `koanf:"shell_timeout"`
	MCPServers   []MCPServerConfig `koanf:"mcp_servers"`
}

// MCPServerConfig describes one external tool provider. Env values keep their
// ${VAR} references; expansion happens at connect time.
type MCPServerConfig struct {
	Name      string            `koanf:"name"`
	Transport string            `koanf:"transport"` // stdio, http
	Command   []string          `koanf:"command"`
	URL       string            `koanf:"url"`
	Env       map[string]string `koanf:"env"`
	Enabled   *bool             `koanf:"enabled"`
}

type LimitsConfig struct {
	MaxIterations        int           `koanf:"max_iterations"`
	MaxFileWrites        int           `koanf:"max_file_writes"`
	MaxCommandExecutions int           `koanf:"max_command_executions"`
	Timeout              time.Duration `koanf:"timeout"`
}

type PathsConfig struct {
	Home      string `koanf:"home"`
	Models    string `koanf:"models"`
	Logs      string `koanf:"logs"`
	Cache     string `koanf:"cache"`
	HistoryDB string `koanf:"history_db"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text
}

type TelemetryConfig struct {
	Enabled      bool   `koanf:"enabled"`
	Exporter     string `koanf:"exporter"` // stdout, otlp, none
	OTLPEndpoint string `koanf:"otlp_endpoint"`
	OTLPInsecure bool   `koanf:"otlp_insecure"`
}

// topLevelKeys are config keys whose own name contains an underscore.
var topLevelKeys = map[string]bool{"engagement_mode": true}

// Load reads configuration from path (optional) and the environment.
func Load(path string) (*Config, error) {
	return LoadWithProfile(path, "")
}

// LoadWithProfile reads path, then overlays config.<profile>.yaml from the
// same directory when it exists, then the environment.
func LoadWithProfile(path, profile string) (*Config, error) {
	k := koanf.New(".")
	setDefaults(k)

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, errors.New(errors.CodeConfig, "load config file", err).WithContext("path", path)
		}
	}
	if profile == "" {
		profile = os.Getenv(EnvPrefix + "PROFILE")
	}
	if profile != "" {
		k.Set("profile", profile)
		if path != "" {
			overlay := profilePath(path, profile)
			if _, err := os.Stat(overlay); err == nil {
				if err := k.Load(file.Provider(overlay), yaml.Parser()); err != nil {
					return nil, errors.New(errors.CodeConfig, "load profile overlay", err).WithContext("path", overlay)
				}
			}
		}
	}

	// BODHYA_LIMITS_MAX_ITERATIONS -> limits.max_iterations
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, errors.New(errors.CodeConfig, "load environment", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, errors.New(errors.CodeConfig, "decode config", err)
	}
	cfg.Paths.fill()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(k *koanf.Koanf) {
	defaults := core.DefaultExecutionLimits()
	k.Set("profile", "")
	k.Set("engagement_mode", "minimum")
	k.Set("models.default_temperature", 0.7)
	k.Set("models.default_max_tokens", 2048)
	k.Set("tools.work_dir", ".")
	k.Set("tools.shell_timeout", "300s")
	k.Set("limits.max_iterations", defaults.MaxIterations)
	k.Set("limits.max_file_writes", defaults.MaxFileWrites)
	k.Set("limits.max_command_executions", defaults.MaxCommandExecutions)
	k.Set("limits.timeout", defaults.Timeout.String())
	k.Set("paths.home", defaultHome())
	k.Set("log.level", "info")
	k.Set("log.format", "text")
	k.Set("telemetry.enabled", false)
	k.Set("telemetry.exporter", "stdout")
}

func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	if topLevelKeys[key] {
		return key
	}
	section, rest, ok := strings.Cut(key, "_")
	if !ok {
		return key
	}
	return section + "." + rest
}

func profilePath(path, profile string) string {
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(filepath.Base(path), ext)
	return filepath.Join(filepath.Dir(path), base+"."+profile+ext)
}

func defaultHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".bodhya"
	}
	return filepath.Join(home, ".bodhya")
}

func (p *PathsConfig) fill() {
	if p.Home == "" {
		p.Home = defaultHome()
	}
	if p.Models == "" {
		p.Models = filepath.Join(p.Home, "models")
	}
	if p.Logs == "" {
		p.Logs = filepath.Join(p.Home, "logs")
	}
	if p.Cache == "" {
		p.Cache = filepath.Join(p.Home, "cache")
	}
	if p.HistoryDB == "" {
		p.HistoryDB = filepath.Join(p.Home, "history.db")
	}
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	if _, err := core.ParseEngagementMode(c.EngagementMode); err != nil {
		return errors.New(errors.CodeConfig, "invalid engagement_mode", err)
	}
	if err := c.ExecutionLimits().Validate(); err != nil {
		return errors.New(errors.CodeConfig, "invalid limits", err)
	}
	seen := make(map[string]bool, len(c.Tools.MCPServers))
	for i, s := range c.Tools.MCPServers {
		if s.Name == "" {
			return errors.Newf(errors.CodeConfig, "tools.mcp_servers[%d]: name is required", i)
		}
		if seen[s.Name] {
			return errors.Newf(errors.CodeConfig, "tools.mcp_servers: duplicate name %q", s.Name)
		}
		seen[s.Name] = true
		switch s.TransportName() {
		case "stdio":
			if len(s.Command) == 0 {
				return errors.Newf(errors.CodeConfig, "tools.mcp_servers[%s]: command is required for stdio", s.Name)
			}
		case "http":
			if s.URL == "" {
				return errors.Newf(errors.CodeConfig, "tools.mcp_servers[%s]: url is required for http", s.Name)
			}
		default:
			return errors.Newf(errors.CodeConfig, "tools.mcp_servers[%s]: unknown transport %q", s.Name, s.Transport)
		}
	}
	return nil
}

// Engagement returns the parsed engagement mode.
func (c *Config) Engagement() core.EngagementMode {
	mode, err := core.ParseEngagementMode(c.EngagementMode)
	if err != nil {
		return core.EngagementMinimum
	}
	return mode
}

// ExecutionLimits converts the limits section.
func (c *Config) ExecutionLimits() core.ExecutionLimits {
	return core.ExecutionLimits{
		MaxIterations:        c.Limits.MaxIterations,
		MaxFileWrites:        c.Limits.MaxFileWrites,
		MaxCommandExecutions: c.Limits.MaxCommandExecutions,
		Timeout:              c.Limits.Timeout,
	}
}

// AgentEnabled reports whether an agent is enabled; agents without an entry are.
func (c *Config) AgentEnabled(id string) bool {
	a, ok := c.Agents[id]
	if !ok || a.Enabled == nil {
		return true
	}
	return *a.Enabled
}

// AgentSettings returns the settings map for an agent.
func (c *Config) AgentSettings(id string) map[string]any {
	return c.Agents[id].Settings
}

// IsEnabled reports whether the server should be connected; missing means yes.
func (s MCPServerConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// TransportName returns the normalized transport, defaulting to stdio.
func (s MCPServerConfig) TransportName() string {
	t := strings.ToLower(strings.TrimSpace(s.Transport))
	if t == "" {
		return "stdio"
	}
	return t
}
