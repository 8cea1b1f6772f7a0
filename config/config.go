// Package config loads the previewd configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "15s" parse. Bare
// integers are read as seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var seconds int64
	if err := value.Decode(&seconds); err == nil {
		*d = Duration(time.Duration(seconds) * time.Second)
		return nil
	}

	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("invalid duration value %q", value.Value)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the daemon configuration. Zero values are filled with defaults
// by Load.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`

	MinPort int `yaml:"min_port"`
	MaxPort int `yaml:"max_port"`

	ProbeInterval Duration `yaml:"probe_interval"`
	ProbeAttempts int      `yaml:"probe_attempts"`
	GracePeriod   Duration `yaml:"grace_period"`

	LogHistoryCapacity int      `yaml:"log_history_capacity"`
	HeartbeatInterval  Duration `yaml:"heartbeat_interval"`

	InstanceTTL   Duration `yaml:"instance_ttl"`
	MaxUptime     Duration `yaml:"max_uptime"`
	SweepInterval Duration `yaml:"sweep_interval"`

	DatabasePath  string `yaml:"database_path"`
	WorkspaceRoot string `yaml:"workspace_root"`
	SecretKeyPath string `yaml:"secret_key_path"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ListenAddr:         ":8300",
		MinPort:            3001,
		MaxPort:            3100,
		ProbeInterval:      Duration(1 * time.Second),
		ProbeAttempts:      3,
		GracePeriod:        Duration(10 * time.Second),
		LogHistoryCapacity: 1000,
		HeartbeatInterval:  Duration(15 * time.Second),
		InstanceTTL:        Duration(30 * time.Minute),
		MaxUptime:          Duration(2 * time.Hour),
		SweepInterval:      Duration(30 * time.Second),
		DatabasePath:       "previewd.db",
		WorkspaceRoot:      "",
		SecretKeyPath:      "previewd.key",
	}
}

// Load reads the YAML file at path, layering it over the defaults. A missing
// file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.MinPort <= 0 || c.MaxPort <= 0 || c.MinPort > c.MaxPort {
		return fmt.Errorf("invalid port range: min %d, max %d", c.MinPort, c.MaxPort)
	}
	if c.ProbeAttempts <= 0 {
		return fmt.Errorf("probe_attempts must be positive, got %d", c.ProbeAttempts)
	}
	if c.ProbeInterval <= 0 || c.GracePeriod <= 0 {
		return fmt.Errorf("probe_interval and grace_period must be positive")
	}
	if c.LogHistoryCapacity <= 0 {
		return fmt.Errorf("log_history_capacity must be positive, got %d", c.LogHistoryCapacity)
	}
	return nil
}
