// Package config loads the manager configuration from defaults, an optional
// YAML file, TANKAPI_* environment variables and command-line flags, in
// increasing order of priority.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/ormasoftchile/tankapi/pkg/logging"
)

// EnvPrefix prefixes environment overrides, e.g. TANKAPI_TESTS_DIR.
const EnvPrefix = "TANKAPI"

// Config is the manager configuration.
type Config struct {
	// MessageCheckInterval bounds each wait on the inbound queue, and with it
	// how stale process liveness checks can get.
	MessageCheckInterval time.Duration `mapstructure:"message_check_interval" yaml:"message_check_interval"`
	// TestsDir holds one working directory per session.
	TestsDir string `mapstructure:"tests_dir" yaml:"tests_dir"`
	// LockDir holds the run lock shared by all workers on this host.
	LockDir string `mapstructure:"lock_dir" yaml:"lock_dir"`
	// IgnoreMachineDefaults drops the machine-wide config layer.
	IgnoreMachineDefaults bool `mapstructure:"ignore_machine_defaults" yaml:"ignore_machine_defaults"`
	// JoinTimeout bounds the wait for a worker that reported a terminal status.
	JoinTimeout time.Duration `mapstructure:"join_timeout" yaml:"join_timeout"`
	// DrainTimeout bounds the wait for a dead worker's last output.
	DrainTimeout time.Duration `mapstructure:"drain_timeout" yaml:"drain_timeout"`
	// MetricsAddr enables the Prometheus endpoint when set.
	MetricsAddr string         `mapstructure:"metrics_addr" yaml:"metrics_addr"`
	Frontend    FrontendConfig `mapstructure:"frontend" yaml:"frontend"`
	Logging     logging.Config `mapstructure:"logging" yaml:"logging"`
}

// FrontendConfig selects the front-end collaborator. With no command the
// manager talks to its own stdin/stdout.
type FrontendConfig struct {
	Command []string `mapstructure:"command" yaml:"command"`
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("message_check_interval", time.Second)
	v.SetDefault("tests_dir", "/var/lib/tankapi/tests")
	v.SetDefault("lock_dir", "/var/lock")
	v.SetDefault("ignore_machine_defaults", false)
	v.SetDefault("join_timeout", 30*time.Second)
	v.SetDefault("drain_timeout", time.Second)
	v.SetDefault("metrics_addr", "")
	v.SetDefault("frontend.command", []string{})
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.file.enabled", false)
	v.SetDefault("logging.file.level", "debug")
	v.SetDefault("logging.file.max_size_mb", 1)
	v.SetDefault("logging.file.max_backups", 16)
	v.SetDefault("logging.file.max_age_days", 0)
	v.SetDefault("logging.file.compress", false)
}

// Load reads the configuration. path may be empty; flags may be nil. Flag
// names use dashes in place of the key's underscores and dots.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if flags != nil {
		for _, key := range v.AllKeys() {
			name := strings.NewReplacer("_", "-", ".", "-").Replace(key)
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the manager cannot run with.
func (c *Config) Validate() error {
	if c.MessageCheckInterval <= 0 {
		return fmt.Errorf("message_check_interval must be positive, got %s", c.MessageCheckInterval)
	}
	if c.JoinTimeout <= 0 {
		return fmt.Errorf("join_timeout must be positive, got %s", c.JoinTimeout)
	}
	if c.DrainTimeout < 0 {
		return fmt.Errorf("drain_timeout must not be negative, got %s", c.DrainTimeout)
	}
	if strings.TrimSpace(c.TestsDir) == "" {
		return fmt.Errorf("tests_dir is required")
	}
	if strings.TrimSpace(c.LockDir) == "" {
		return fmt.Errorf("lock_dir is required")
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	return nil
}

// YAML renders the effective configuration.
func (c *Config) YAML() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}
