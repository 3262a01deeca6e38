package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"idekick/internal/domain"
)

// Config is the top-level application configuration.
type Config struct {
	Session    SessionConfig    `yaml:"session"`
	Completion CompletionConfig `yaml:"completion"`
	Agents     AgentsConfig     `yaml:"agents"`
	Tools      ToolsConfig      `yaml:"tools"`
	External   ExternalConfig   `yaml:"external"`
	Logger     LoggerConfig     `yaml:"logger"`
	Tracer     TracerConfig     `yaml:"tracer"`
}

// SessionConfig holds primary-session settings.
type SessionConfig struct {
	Instructions  string `yaml:"instructions"`
	Model         string `yaml:"model"`
	Speech        bool   `yaml:"speech"`
	AllowAllTools bool   `yaml:"allow_all_tools"` // default scope policy when no selection is set
	DataDir       string `yaml:"data_dir"`
}

// CompletionConfig holds completion-backend settings.
type CompletionConfig struct {
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	ConnTimeout time.Duration `yaml:"conn_timeout"`
	RespTimeout time.Duration `yaml:"resp_timeout"`
	Breaker     BreakerConfig `yaml:"breaker"`
}

// BreakerConfig configures the completion-backend circuit breaker.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// AgentsConfig holds sub-agent (agentic mode) settings.
type AgentsConfig struct {
	Enabled      bool   `yaml:"enabled"`
	BasePrompt   string `yaml:"base_prompt"`
	LaneBuffer   int    `yaml:"lane_buffer"`
	NoTextReply  string `yaml:"no_text_reply"`
	RestoreSaved bool   `yaml:"restore_saved"`
}

// ToolsConfig gates which built-in tools are registered.
type ToolsConfig struct {
	ReadEnabled   bool `yaml:"read_enabled"`
	WriteEnabled  bool `yaml:"write_enabled"`
	PatchEnabled  bool `yaml:"patch_enabled"`
	TreeEnabled   bool `yaml:"tree_enabled"`
	SearchEnabled bool `yaml:"search_enabled"`
	TestsEnabled  bool `yaml:"tests_enabled"`
}

// ExternalConfig holds external tool server settings.
type ExternalConfig struct {
	Enabled           bool                          `yaml:"enabled"`
	Servers           []domain.ExternalServerConfig `yaml:"servers,omitempty"`
	ConnectTimeout    time.Duration                 `yaml:"connect_timeout"`
	CallTimeout       time.Duration                 `yaml:"call_timeout"`
	Workers           int                           `yaml:"workers"`
	MaxCallsPerMinute int                           `yaml:"max_calls_per_minute"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// defaultDataDir returns the persistent data directory under $HOME/.idekick.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".idekick", "data")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Session: SessionConfig{
			Instructions:  "You are idekick, a coding assistant embedded in the IDE.",
			AllowAllTools: true,
			DataDir:       defaultDataDir(),
		},
		Completion: CompletionConfig{
			ConnTimeout: 30 * time.Second,
			RespTimeout: 120 * time.Second,
			Breaker: BreakerConfig{
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Agents: AgentsConfig{
			Enabled:      false,
			BasePrompt:   "You are a specialized sub-agent of the idekick assistant.",
			LaneBuffer:   16,
			NoTextReply:  "(agent completed the task without a text reply)",
			RestoreSaved: true,
		},
		Tools: ToolsConfig{
			ReadEnabled:   true,
			TreeEnabled:   true,
			SearchEnabled: true,
		},
		External: ExternalConfig{
			Enabled:           true,
			ConnectTimeout:    15 * time.Second,
			CallTimeout:       30 * time.Second,
			Workers:           4,
			MaxCallsPerMinute: 60,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "stdout",
		},
	}
}

// Load reads a YAML config file and merges it over Defaults().
// A missing file is not an error: defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration and returns per-entry warnings for
// malformed external server entries. Warnings are diagnostics: the entry is
// skipped, the rest of the configuration keeps running.
func (c *Config) Validate() []string {
	var warnings []string

	seen := make(map[string]bool, len(c.External.Servers))
	valid := c.External.Servers[:0]
	for _, srv := range c.External.Servers {
		if err := srv.Validate(); err != nil {
			warnings = append(warnings, err.Error())
			continue
		}
		if seen[srv.Name] {
			warnings = append(warnings, fmt.Sprintf("duplicate external server %q ignored", srv.Name))
			continue
		}
		seen[srv.Name] = true
		valid = append(valid, srv)
	}
	c.External.Servers = valid

	if c.Completion.ConnTimeout <= 0 {
		c.Completion.ConnTimeout = 30 * time.Second
	}
	if c.Completion.RespTimeout <= 0 {
		c.Completion.RespTimeout = 120 * time.Second
	}
	if c.External.Workers <= 0 {
		c.External.Workers = 4
	}
	if c.External.CallTimeout <= 0 {
		c.External.CallTimeout = 30 * time.Second
	}

	return warnings
}
