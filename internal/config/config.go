package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models tenderline.yml.
type Config struct {
	// Owner is the principal allowed to create tenders.
	Owner  string `yaml:"owner"`
	Tender struct {
		SubmissionWindow time.Duration `yaml:"submission_window"`
		RevealWindow     time.Duration `yaml:"reveal_window"`
		Milestones       int           `yaml:"milestones"`
	} `yaml:"tender"`
	Clock struct {
		// TickInterval estimates how often the logical clock advances. It only
		// converts windows into counter bounds when a tender is created.
		TickInterval time.Duration `yaml:"tick_interval"`
	} `yaml:"clock"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

// WebhookConfig subscribes an endpoint to the event log.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with tl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Owner) == "" {
		return fmt.Errorf("config.owner is required")
	}
	if c.Tender.SubmissionWindow <= 0 {
		return fmt.Errorf("config.tender.submission_window must be positive")
	}
	if c.Tender.RevealWindow <= 0 {
		return fmt.Errorf("config.tender.reveal_window must be positive")
	}
	if c.Tender.Milestones < 1 {
		return fmt.Errorf("config.tender.milestones must be at least 1")
	}
	if c.Clock.TickInterval <= 0 {
		return fmt.Errorf("config.clock.tick_interval must be positive")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "tenderline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(owner string) string {
	return fmt.Sprintf(defaultTemplate, owner)
}

// LoadOptional returns the defaults for owner if the config file does not exist.
func LoadOptional(workspace, owner string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(owner), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config for an owner principal.
func Default(owner string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(GenerateDefault(owner)), &cfg)
	cfg.Owner = owner
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing keys keep
// their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default("")
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Marshal renders cfg as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

const defaultTemplate = `owner: %q

tender:
  submission_window: 48h
  reveal_window: 24h
  milestones: 2

clock:
  tick_interval: 12s

server:
  addr: 127.0.0.1:8080
  base_path: /v0
`
