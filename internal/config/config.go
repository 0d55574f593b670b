// Package config loads and validates the engine configuration from YAML.
// Everything that can fail at run time is checked here at load time.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/inlet-sync/inlet/internal/persist"
	"github.com/inlet-sync/inlet/internal/schema"
)

// Duration wraps time.Duration with YAML parsing of strings like "90m".
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config holds all engine configuration.
type Config struct {
	DataDir string              `yaml:"data_dir"`
	Store   persist.StoreConfig `yaml:"store"`
	Sync    SyncConfig          `yaml:"sync"`
	Sources []SourceConfig      `yaml:"sources"`
	Notify  NotifyConfig        `yaml:"notify"`
}

// SyncConfig holds engine-wide run defaults. Per-schedule options
// override these.
type SyncConfig struct {
	// BatchSize is the default number of records per pipeline batch.
	BatchSize int `yaml:"batch_size"`
	// LockTTL is the default run-lock safety TTL. Schedules for large
	// full syncs should raise their own lock_ttl instead of this.
	LockTTL Duration `yaml:"lock_ttl"`
	// Workers bounds how many triggered runs execute concurrently.
	Workers int `yaml:"workers"`
}

// SourceConfig describes one external source and its entities.
type SourceConfig struct {
	// Key is the stable identifier used in schedules, locks, and the ledger.
	Key string `yaml:"key"`
	// Kind selects the adapter implementation (httpapi, csvfile, ...).
	Kind string `yaml:"kind"`
	// Settings are adapter-specific (base_url, token_env, path, ...).
	Settings map[string]string `yaml:"settings"`
	// Entities are the record categories this source provides.
	Entities []schema.EntitySpec `yaml:"entities"`
}

// Entity returns the named entity spec, or nil.
func (s *SourceConfig) Entity(name string) *schema.EntitySpec {
	for i := range s.Entities {
		if s.Entities[i].Name == name {
			return &s.Entities[i]
		}
	}
	return nil
}

// NotifyConfig holds alert delivery settings (Slack webhook).
type NotifyConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
	Username   string `yaml:"username"`
	Enabled    bool   `yaml:"enabled"`
}

// Load reads, defaults, and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(expandTilde(path))
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "~/.inlet"
	}
	c.DataDir = expandTilde(c.DataDir)

	if c.Sync.BatchSize <= 0 {
		c.Sync.BatchSize = 500
	}
	if c.Sync.LockTTL <= 0 {
		c.Sync.LockTTL = Duration(time.Hour)
	}
	if c.Sync.Workers <= 0 {
		c.Sync.Workers = 4
	}
	if c.Store.Port == 0 {
		c.Store.Port = 5432
	}
	if c.Store.Schema == "" {
		c.Store.Schema = "public"
	}
	if c.Store.SSLMode == "" {
		c.Store.SSLMode = "require"
	}
}

// Validate checks the configuration for structural problems.
func (c *Config) Validate() error {
	if c.Store.Host == "" {
		return fmt.Errorf("store.host is required")
	}
	if c.Store.Database == "" {
		return fmt.Errorf("store.database is required")
	}
	if len(c.Sources) == 0 {
		return fmt.Errorf("at least one source is required")
	}

	seen := make(map[string]bool, len(c.Sources))
	for i := range c.Sources {
		src := &c.Sources[i]
		if src.Key == "" {
			return fmt.Errorf("sources[%d]: key is required", i)
		}
		if seen[src.Key] {
			return fmt.Errorf("duplicate source key %q", src.Key)
		}
		seen[src.Key] = true
		if src.Kind == "" {
			return fmt.Errorf("source %s: kind is required", src.Key)
		}
		if len(src.Entities) == 0 {
			return fmt.Errorf("source %s: at least one entity is required", src.Key)
		}
		entNames := make(map[string]bool, len(src.Entities))
		for j := range src.Entities {
			ent := &src.Entities[j]
			if err := ent.Validate(); err != nil {
				return fmt.Errorf("source %s: %w", src.Key, err)
			}
			if entNames[ent.Name] {
				return fmt.Errorf("source %s: duplicate entity %s", src.Key, ent.Name)
			}
			entNames[ent.Name] = true
		}
	}
	return nil
}

// Source returns the source config by key, or nil.
func (c *Config) Source(key string) *SourceConfig {
	for i := range c.Sources {
		if c.Sources[i].Key == key {
			return &c.Sources[i]
		}
	}
	return nil
}

// expandTilde expands ~ or ~/ at the start of a path to the home directory.
func expandTilde(path string) string {
	if path == "" {
		return path
	}
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}
