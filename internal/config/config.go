// Package config loads the tool's configuration from YAML and environment
// variables. Precedence, highest first: environment (STONEFORGE_ prefix),
// config file, built-in defaults. Invalid enum values never abort startup;
// they fall back to the default and surface as warnings.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/stoneforge/stoneforge/internal/provider"
	"github.com/stoneforge/stoneforge/internal/types"
)

// EnvPrefix namespaces the environment variables read by Load, e.g.
// STONEFORGE_SYNC_POLL_INTERVAL_MS.
const EnvPrefix = "STONEFORGE"

// ProviderConfig is one external provider's connection record.
type ProviderConfig struct {
	Provider       string `mapstructure:"provider" yaml:"provider,omitempty"`
	Token          string `mapstructure:"token" yaml:"token,omitempty"`
	APIBaseURL     string `mapstructure:"api_base_url" yaml:"api_base_url,omitempty"`
	DefaultProject string `mapstructure:"default_project" yaml:"default_project,omitempty"`
}

// SyncSettings tune the external sync engine.
type SyncSettings struct {
	PollIntervalMs   int                       `mapstructure:"poll_interval_ms" yaml:"poll_interval_ms"`
	DefaultDirection string                    `mapstructure:"default_direction" yaml:"default_direction"`
	ConflictStrategy string                    `mapstructure:"conflict_strategy" yaml:"conflict_strategy"`
	MaxConcurrent    int                       `mapstructure:"max_concurrent" yaml:"max_concurrent"`
	CallTimeoutMs    int                       `mapstructure:"call_timeout_ms" yaml:"call_timeout_ms"`
	Providers        map[string]ProviderConfig `mapstructure:"providers" yaml:"providers,omitempty"`
}

// PollInterval returns the poll interval as a duration.
func (s SyncSettings) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalMs) * time.Millisecond
}

// CallTimeout returns the per-provider call timeout as a duration.
func (s SyncSettings) CallTimeout() time.Duration {
	return time.Duration(s.CallTimeoutMs) * time.Millisecond
}

// Config is the full configuration surface.
type Config struct {
	// DBPath locates the bbolt database file.
	DBPath string `mapstructure:"db_path" yaml:"db_path"`
	// ExportDir is where the JSONL export pair lives.
	ExportDir string `mapstructure:"export_dir" yaml:"export_dir"`
	// Actor is recorded on events when no explicit actor is given.
	Actor string `mapstructure:"actor" yaml:"actor,omitempty"`

	Sync SyncSettings `mapstructure:"sync" yaml:"sync"`

	// Warnings collects non-fatal problems found while loading, such as enum
	// values that were replaced by their defaults.
	Warnings []string `mapstructure:"-" yaml:"-"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db_path", ".stoneforge/stoneforge.db")
	v.SetDefault("export_dir", ".stoneforge")
	v.SetDefault("actor", "")
	v.SetDefault("sync.poll_interval_ms", 30000)
	v.SetDefault("sync.default_direction", string(types.DirectionBidirectional))
	v.SetDefault("sync.conflict_strategy", "LAST_WRITE_WINS")
	v.SetDefault("sync.max_concurrent", 4)
	v.SetDefault("sync.call_timeout_ms", 30000)
}

// Load reads configuration. An empty path searches the standard locations
// (./stoneforge.yaml, ./.stoneforge/config.yaml, ~/.config/stoneforge); a
// missing file there is fine, defaults apply. An explicit path must exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".stoneforge")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/stoneforge")
	}

	if err := v.ReadInConfig(); err != nil {
		if path != "" {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	cfg.normalize()
	return cfg, nil
}

// normalize repairs out-of-range values, recording a warning per repair.
func (c *Config) normalize() {
	if c.Sync.PollIntervalMs <= 0 {
		c.warnf("sync.poll_interval_ms %d is not positive; using 30000", c.Sync.PollIntervalMs)
		c.Sync.PollIntervalMs = 30000
	}
	if dir := types.SyncDirection(c.Sync.DefaultDirection); !dir.IsValid() {
		c.warnf("sync.default_direction %q is not one of push/pull/bidirectional; using bidirectional",
			c.Sync.DefaultDirection)
		c.Sync.DefaultDirection = string(types.DirectionBidirectional)
	}
	// Accept either spelling and canonicalize to the engine's enum.
	canonical := strings.ToUpper(strings.ReplaceAll(c.Sync.ConflictStrategy, "-", "_"))
	switch canonical {
	case "LAST_WRITE_WINS", "LOCAL_WINS", "REMOTE_WINS", "MANUAL":
		c.Sync.ConflictStrategy = canonical
	default:
		c.warnf("sync.conflict_strategy %q is unknown; using LAST_WRITE_WINS", c.Sync.ConflictStrategy)
		c.Sync.ConflictStrategy = "LAST_WRITE_WINS"
	}
	if c.Sync.MaxConcurrent <= 0 {
		c.Sync.MaxConcurrent = 4
	}
	if c.Sync.CallTimeoutMs <= 0 {
		c.Sync.CallTimeoutMs = 30000
	}
	for name, pc := range c.Sync.Providers {
		if pc.Provider == "" {
			pc.Provider = name
			c.Sync.Providers[name] = pc
		}
	}
}

func (c *Config) warnf(format string, args ...any) {
	c.Warnings = append(c.Warnings, fmt.Sprintf(format, args...))
}

// Dump renders the effective configuration as YAML. Provider tokens are
// redacted so the output is safe to paste into bug reports.
func (c *Config) Dump() (string, error) {
	redacted := *c
	if len(c.Sync.Providers) > 0 {
		redacted.Sync.Providers = make(map[string]ProviderConfig, len(c.Sync.Providers))
		for name, pc := range c.Sync.Providers {
			if pc.Token != "" {
				pc.Token = "[redacted]"
			}
			redacted.Sync.Providers[name] = pc
		}
	}
	out, err := yaml.Marshal(&redacted)
	if err != nil {
		return "", fmt.Errorf("rendering config: %w", err)
	}
	return string(out), nil
}

// ProviderConfigs converts the configured provider records into the registry
// form, keyed by provider name.
func (c *Config) ProviderConfigs() map[string]provider.Config {
	if len(c.Sync.Providers) == 0 {
		return nil
	}
	out := make(map[string]provider.Config, len(c.Sync.Providers))
	for name, pc := range c.Sync.Providers {
		key := pc.Provider
		if key == "" {
			key = name
		}
		out[key] = provider.Config{
			Name:           key,
			Token:          pc.Token,
			APIBaseURL:     pc.APIBaseURL,
			DefaultProject: pc.DefaultProject,
		}
	}
	return out
}
