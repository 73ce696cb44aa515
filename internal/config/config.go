// Package config provides configuration management for labctl.
//
// This package holds the tool's own settings (timeouts, parallelism, logging),
// not the lab description, which lives in the lab file (see internal/labconfig).
// Settings are loaded from:
//   - Default values
//   - A YAML configuration file
//   - Environment variables (with LABCTL_ prefix)
//
// # Configuration Sources Priority
//
// Later sources override earlier ones:
//  1. Default values (hardcoded)
//  2. Configuration file (./labctl.yaml, ~/.labctl/labctl.yaml, /etc/labctl/labctl.yaml)
//  3. Environment variables (LABCTL_ prefix)
//
// Command-line flags bound by internal/commands override all of these.
//
// # Environment Variables
//
// Use the LABCTL_ prefix and underscores for nested keys:
//   - LABCTL_FLEET_PARALLEL=20
//   - LABCTL_NODE_STOP_TIMEOUT=2m
//   - LABCTL_LOGGING_LEVEL=debug
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"evalgo.org/labctl/internal/docker"
	"evalgo.org/labctl/internal/node"
)

// EnvPrefix is the prefix of environment variable overrides.
const EnvPrefix = "LABCTL"

// Config is the root configuration structure for labctl.
type Config struct {
	Fleet   FleetConfig   `mapstructure:"fleet"`
	SSH     SSHConfig     `mapstructure:"ssh"`
	Runtime RuntimeConfig `mapstructure:"runtime"`
	Node    NodeConfig    `mapstructure:"node"`
	Daemon  DaemonConfig  `mapstructure:"daemon"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// FleetConfig controls how operations fan out over hosts.
type FleetConfig struct {
	// Parallel is the worker pool size (1 runs hosts one after another)
	Parallel int `mapstructure:"parallel"`

	// ExitOnError stops a sequential run at the first failing host
	ExitOnError bool `mapstructure:"exit_on_error"`

	// PollInterval bounds each wait of the coordinator
	PollInterval time.Duration `mapstructure:"poll_interval"`

	// ProgressInterval is how often outstanding hosts are logged
	ProgressInterval time.Duration `mapstructure:"progress_interval"`
}

// SSHConfig contains remote connection settings.
type SSHConfig struct {
	Port           int           `mapstructure:"port"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`

	// KnownHosts enables host key verification when set
	KnownHosts string `mapstructure:"known_hosts"`
}

// RuntimeConfig selects and tunes the container runtime CLI.
type RuntimeConfig struct {
	Binary        string        `mapstructure:"binary"`
	Elevate       bool          `mapstructure:"elevate"`
	DeadSignature string        `mapstructure:"dead_signature"`
	PruneAge      time.Duration `mapstructure:"prune_age"`
}

// NodeConfig holds the lifecycle timeouts.
type NodeConfig struct {
	ReadinessTimeout  time.Duration `mapstructure:"readiness_timeout"`
	ReadinessInterval time.Duration `mapstructure:"readiness_interval"`
	KillTimeout       time.Duration `mapstructure:"kill_timeout"`
	StopTimeout       time.Duration `mapstructure:"stop_timeout"`
	GracefulTimeout   time.Duration `mapstructure:"graceful_timeout"`
	DeadCheckInterval time.Duration `mapstructure:"dead_check_interval"`
	RemoveWaitTimeout time.Duration `mapstructure:"remove_wait_timeout"`
}

// DaemonConfig describes the auto-update daemon.
type DaemonConfig struct {
	// Interval between update checks
	Interval time.Duration `mapstructure:"interval"`

	// LockPath guards against two daemons on one host
	LockPath string `mapstructure:"lock_path"`

	UnitName   string `mapstructure:"unit_name"`
	BinaryPath string `mapstructure:"binary_path"`
	ConfigPath string `mapstructure:"config_path"`

	// SettingsPath receives a copy of these settings on the host
	SettingsPath string `mapstructure:"settings_path"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is one of the logrus levels (debug, info, warn, error)
	Level string `mapstructure:"level"`

	// Format is text or json
	Format string `mapstructure:"format"`
}

var cfg *Config

// Load reads configuration from a file and environment variables into v.
// If cfgFile is empty, labctl.yaml is searched in the standard locations.
// Passing the viper instance lets callers bind command-line flags first.
func Load(v *viper.Viper, cfgFile string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("labctl")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.labctl")
		v.AddConfigPath("/etc/labctl")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !isFileNotFoundError(err) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	loaded := &Config{}
	if err := v.Unmarshal(loaded); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := validate(loaded); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	cfg = loaded
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("fleet.parallel", 10)
	v.SetDefault("fleet.exit_on_error", false)
	v.SetDefault("fleet.poll_interval", "1s")
	v.SetDefault("fleet.progress_interval", "30s")

	v.SetDefault("ssh.port", 22)
	v.SetDefault("ssh.connect_timeout", "10s")
	v.SetDefault("ssh.known_hosts", "")

	v.SetDefault("runtime.binary", "docker")
	v.SetDefault("runtime.elevate", false)
	v.SetDefault("runtime.dead_signature", docker.DefaultDeadSignature)
	v.SetDefault("runtime.prune_age", "24h")

	v.SetDefault("node.readiness_timeout", "2m")
	v.SetDefault("node.readiness_interval", "2s")
	v.SetDefault("node.kill_timeout", "30s")
	v.SetDefault("node.stop_timeout", "60s")
	v.SetDefault("node.graceful_timeout", "2h")
	v.SetDefault("node.dead_check_interval", "10s")
	v.SetDefault("node.remove_wait_timeout", "60s")

	v.SetDefault("daemon.interval", "5m")
	v.SetDefault("daemon.lock_path", "/var/run/labctl-daemon.lock")
	v.SetDefault("daemon.unit_name", "labctl.service")
	v.SetDefault("daemon.binary_path", "/usr/local/bin/labctl")
	v.SetDefault("daemon.config_path", "/etc/labctl/lab.yaml")
	v.SetDefault("daemon.settings_path", "/etc/labctl/labctl.yaml")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

func validate(cfg *Config) error {
	if cfg.Fleet.Parallel < 1 {
		return fmt.Errorf("fleet.parallel must be at least 1, got %d", cfg.Fleet.Parallel)
	}
	if cfg.SSH.Port < 1 || cfg.SSH.Port > 65535 {
		return fmt.Errorf("invalid ssh port: %d", cfg.SSH.Port)
	}
	if cfg.Runtime.Binary == "" {
		return fmt.Errorf("runtime.binary is required")
	}

	durations := map[string]time.Duration{
		"fleet.poll_interval":      cfg.Fleet.PollInterval,
		"fleet.progress_interval":  cfg.Fleet.ProgressInterval,
		"ssh.connect_timeout":      cfg.SSH.ConnectTimeout,
		"runtime.prune_age":        cfg.Runtime.PruneAge,
		"node.readiness_timeout":   cfg.Node.ReadinessTimeout,
		"node.readiness_interval":  cfg.Node.ReadinessInterval,
		"node.kill_timeout":        cfg.Node.KillTimeout,
		"node.stop_timeout":        cfg.Node.StopTimeout,
		"node.graceful_timeout":    cfg.Node.GracefulTimeout,
		"node.dead_check_interval": cfg.Node.DeadCheckInterval,
		"node.remove_wait_timeout": cfg.Node.RemoveWaitTimeout,
		"daemon.interval":          cfg.Daemon.Interval,
	}
	for key, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", key, d)
		}
	}

	if _, err := logrus.ParseLevel(cfg.Logging.Level); err != nil {
		return fmt.Errorf("invalid logging level: %w", err)
	}
	if cfg.Logging.Format != "text" && cfg.Logging.Format != "json" {
		return fmt.Errorf("invalid logging format %q (want text or json)", cfg.Logging.Format)
	}
	return nil
}

// Get returns the most recently loaded configuration.
func Get() *Config {
	return cfg
}

// NodeOptions converts the settings into controller options.
func (c *Config) NodeOptions() node.Options {
	return node.Options{
		ReadinessTimeout:  c.Node.ReadinessTimeout,
		ReadinessInterval: c.Node.ReadinessInterval,
		KillTimeout:       c.Node.KillTimeout,
		StopTimeout:       c.Node.StopTimeout,
		GracefulTimeout:   c.Node.GracefulTimeout,
		DeadCheckInterval: c.Node.DeadCheckInterval,
		RemoveWaitTimeout: c.Node.RemoveWaitTimeout,
		PruneAge:          c.Runtime.PruneAge,
		Docker: docker.Options{
			Binary:        c.Runtime.Binary,
			Elevate:       c.Runtime.Elevate,
			DeadSignature: c.Runtime.DeadSignature,
		},
		Daemon: node.DaemonOptions{
			UnitName:     c.Daemon.UnitName,
			BinaryPath:   c.Daemon.BinaryPath,
			ConfigPath:   c.Daemon.ConfigPath,
			SettingsPath: c.Daemon.SettingsPath,
		},
	}
}

// WriteSettings writes the effective settings of v to labctl.yaml in dir
// and returns the file's path. The daemon reads this copy on the host.
func WriteSettings(v *viper.Viper, dir string) (string, error) {
	path := filepath.Join(dir, "labctl.yaml")
	if err := v.WriteConfigAs(path); err != nil {
		return "", fmt.Errorf("write settings %s: %w", path, err)
	}
	return path, nil
}

// isFileNotFoundError checks if an error is a file not found error.
func isFileNotFoundError(err error) bool {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return errors.Is(pathErr, os.ErrNotExist)
	}
	return false
}
