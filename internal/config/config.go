package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// MaxMilestones is the hard upper bound on milestones per task.
const MaxMilestones = 10

// Config models agentbond.yml.
type Config struct {
	Escrow     EscrowConfig     `yaml:"escrow" json:"escrow"`
	Reputation ReputationConfig `yaml:"reputation" json:"reputation"`
	Server     ServerConfig     `yaml:"server" json:"server"`
	Webhooks   []WebhookConfig  `yaml:"webhooks" json:"webhooks,omitempty"`
}

type EscrowConfig struct {
	// CustodyAccount holds escrowed funds and is the identity the escrow
	// engine presents to the reputation engine.
	CustodyAccount string `yaml:"custody_account" json:"custody_account"`
	FeeCollector   string `yaml:"fee_collector" json:"fee_collector"`
	Arbiter        string `yaml:"arbiter" json:"arbiter"`
	FeeBasisPoints uint64 `yaml:"fee_bps" json:"fee_bps"`
	MaxMilestones  int    `yaml:"max_milestones" json:"max_milestones"`
}

type ReputationConfig struct {
	Admins []string `yaml:"admins" json:"admins"`
}

type ServerConfig struct {
	RateLimitRPS   float64 `yaml:"rate_limit_rps" json:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst" json:"rate_limit_burst"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events" json:"events,omitempty"`
	Secret         string   `yaml:"secret" json:"secret,omitempty"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
}

// TrustedCallers returns the identities allowed to write reputation counters.
func (c *Config) TrustedCallers() []string {
	out := []string{c.Escrow.CustodyAccount}
	return append(out, c.Reputation.Admins...)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	e := c.Escrow
	if strings.TrimSpace(e.CustodyAccount) == "" {
		return fmt.Errorf("config.escrow.custody_account is required")
	}
	if strings.TrimSpace(e.FeeCollector) == "" {
		return fmt.Errorf("config.escrow.fee_collector is required")
	}
	if strings.TrimSpace(e.Arbiter) == "" {
		return fmt.Errorf("config.escrow.arbiter is required")
	}
	if e.CustodyAccount == e.FeeCollector || e.CustodyAccount == e.Arbiter {
		return fmt.Errorf("config.escrow.custody_account must differ from fee_collector and arbiter")
	}
	if e.FeeBasisPoints > 10000 {
		return fmt.Errorf("config.escrow.fee_bps must be at most 10000")
	}
	if e.MaxMilestones < 1 || e.MaxMilestones > MaxMilestones {
		return fmt.Errorf("config.escrow.max_milestones must be between 1 and %d", MaxMilestones)
	}
	for _, admin := range c.Reputation.Admins {
		if strings.TrimSpace(admin) == "" {
			return fmt.Errorf("config.reputation.admins contains an empty identity")
		}
	}
	if c.Server.RateLimitRPS < 0 || c.Server.RateLimitBurst < 0 {
		return fmt.Errorf("config.server rate limits must not be negative")
	}
	for i, hook := range c.Webhooks {
		u, err := url.Parse(strings.TrimSpace(hook.URL))
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("config.webhooks[%d].url must be an absolute URL", i)
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
	return filepath.Join(workspace, "agentbond.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing keys
// keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
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

const defaultTemplate = `escrow:
  custody_account: escrow
  fee_collector: fee-collector
  arbiter: arbiter
  fee_bps: 150
  max_milestones: 10

reputation:
  admins: [admin]

server:
  rate_limit_rps: 5
  rate_limit_burst: 20
`
