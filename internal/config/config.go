// Package config handles fellowtrack configuration from a YAML file,
// with environment overrides for deployment-sensitive values.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "5s" or "250ms", or from plain integer nanoseconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("config: invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("config: invalid duration node: %w", err)
	}
	*d = Duration(n)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the top-level fellowtrack configuration.
type Config struct {
	Database    DatabaseConfig     `yaml:"database"`
	Browser     BrowserConfig      `yaml:"browser"`
	Scrape      ScrapeConfig       `yaml:"scrape"`
	Collect     CollectConfig      `yaml:"collect"`
	Identity    IdentityConfig     `yaml:"identity"`
	Publish     PublishConfig      `yaml:"publish"`
	Sinks       []SinkConfig       `yaml:"sinks"`
	Connections []ConnectionConfig `yaml:"connections"`
	// Workers bounds concurrent connection runs.
	Workers int `yaml:"workers"`
}

// DatabaseConfig locates the snapshot store.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// BrowserConfig controls Chrome lifecycle.
type BrowserConfig struct {
	Remote   string `yaml:"remote"`
	Headless *bool  `yaml:"headless"`
}

// ScrapeConfig controls page extraction and scrolling.
type ScrapeConfig struct {
	ItemSelector    string   `yaml:"item_selector"`
	NameSelector    string   `yaml:"name_selector"`
	SpinnerSelector string   `yaml:"spinner_selector"`
	CookieFile      string   `yaml:"cookie_file"`
	ScrollPause     Duration `yaml:"scroll_pause"`
	SpinnerTimeout  Duration `yaml:"spinner_timeout"`
	NavTimeout      Duration `yaml:"nav_timeout"`
}

// CollectConfig controls pagination termination and retry.
type CollectConfig struct {
	MaxPages     int      `yaml:"max_pages"`
	DrainPages   int      `yaml:"drain_pages"`
	MaxAttempts  int      `yaml:"max_attempts"`
	RetryBackoff Duration `yaml:"retry_backoff"`
}

// IdentityConfig orders the identity key derivation fields.
type IdentityConfig struct {
	Precedence []string `yaml:"precedence"` // profile_url | source_id | display_name
}

// PublishConfig controls sink delivery retry.
type PublishConfig struct {
	MaxAttempts  int      `yaml:"max_attempts"`
	RetryBackoff Duration `yaml:"retry_backoff"`
}

// SinkConfig defines one output backend.
type SinkConfig struct {
	Type string `yaml:"type"` // stdout | csv | webhook
	Path string `yaml:"path"` // for csv
	URL  string `yaml:"url"`  // for webhook
}

// ConnectionConfig defines one tracked connection.
type ConnectionConfig struct {
	ID    string `yaml:"id"`
	Label string `yaml:"label"`
	URL   string `yaml:"url"`
}

// overrides are environment values that beat the file.
type overrides struct {
	DatabasePath  string `env:"FELLOWTRACK_DB"`
	BrowserRemote string `env:"FELLOWTRACK_BROWSER_REMOTE"`
	CookieFile    string `env:"FELLOWTRACK_COOKIE_FILE"`
	WebhookURL    string `env:"FELLOWTRACK_WEBHOOK_URL"`
}

// LoadFile reads a YAML configuration file, applies environment
// overrides, defaults, and validation.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	var ov overrides
	if err := env.Parse(&ov); err != nil {
		return nil, fmt.Errorf("config: parse environment: %w", err)
	}
	cfg.applyOverrides(ov)
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyOverrides(ov overrides) {
	if ov.DatabasePath != "" {
		c.Database.Path = ov.DatabasePath
	}
	if ov.BrowserRemote != "" {
		c.Browser.Remote = ov.BrowserRemote
	}
	if ov.CookieFile != "" {
		c.Scrape.CookieFile = ov.CookieFile
	}
	if ov.WebhookURL != "" {
		for i := range c.Sinks {
			if c.Sinks[i].Type == "webhook" {
				c.Sinks[i].URL = ov.WebhookURL
			}
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Database.Path == "" {
		c.Database.Path = "fellowtrack.db"
	}
	if c.Browser.Headless == nil {
		headless := true
		c.Browser.Headless = &headless
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if len(c.Sinks) == 0 {
		c.Sinks = []SinkConfig{{Type: "stdout"}}
	}
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if len(c.Connections) == 0 {
		return fmt.Errorf("config: no connections configured")
	}
	seen := make(map[string]struct{}, len(c.Connections))
	for i, conn := range c.Connections {
		if conn.ID == "" {
			return fmt.Errorf("config: connection %d has no id", i)
		}
		if conn.URL == "" {
			return fmt.Errorf("config: connection %s has no url", conn.ID)
		}
		if _, dup := seen[conn.ID]; dup {
			return fmt.Errorf("config: duplicate connection id %s", conn.ID)
		}
		seen[conn.ID] = struct{}{}
	}
	if c.Scrape.ItemSelector == "" {
		return fmt.Errorf("config: scrape.item_selector is required")
	}
	for _, f := range c.Identity.Precedence {
		switch f {
		case "profile_url", "source_id", "display_name":
		default:
			return fmt.Errorf("config: unknown identity field %q", f)
		}
	}
	for i, s := range c.Sinks {
		switch s.Type {
		case "stdout":
		case "csv":
			if s.Path == "" {
				return fmt.Errorf("config: sink %d (csv) has no path", i)
			}
		case "webhook":
			if s.URL == "" {
				return fmt.Errorf("config: sink %d (webhook) has no url", i)
			}
		default:
			return fmt.Errorf("config: sink %d has unknown type %q", i, s.Type)
		}
	}
	return nil
}
