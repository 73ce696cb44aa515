package node

import (
	"time"

	"evalgo.org/labctl/internal/docker"
)

// Options holds the timeouts and behaviour switches of a Controller.
type Options struct {
	// ReadinessTimeout bounds the standalone readiness wait
	ReadinessTimeout time.Duration

	// ReadinessInterval is the delay between readiness probes
	ReadinessInterval time.Duration

	// KillTimeout bounds signal delivery
	KillTimeout time.Duration

	// StopTimeout is the exit budget after an immediate stop signal
	StopTimeout time.Duration

	// GracefulTimeout is the drain budget when the host sets none
	GracefulTimeout time.Duration

	// DeadCheckInterval is the dead-container polling interval
	DeadCheckInterval time.Duration

	// RemoveWaitTimeout bounds the wait after a force kill
	RemoveWaitTimeout time.Duration

	// PruneAge is the minimum age of images removed before an update
	PruneAge time.Duration

	// InDaemon is set when the controller runs inside the daemon loop. It
	// disables daemon delegation and teardown.
	InDaemon bool

	Docker docker.Options
	Daemon DaemonOptions
}

// DaemonOptions describes where the auto-update daemon is installed.
type DaemonOptions struct {
	UnitName string

	// BinaryPath and ConfigPath are the locations on the target host
	BinaryPath string
	ConfigPath string

	// LocalBinaryPath defaults to the running executable
	LocalBinaryPath string

	// LocalConfigPath is the lab file copied to ConfigPath
	LocalConfigPath string

	// LocalSettingsPath, when set, is copied to SettingsPath and passed to
	// the daemon with --config
	LocalSettingsPath string
	SettingsPath      string

	// Args are extra daemon flags written into the unit's command line
	Args []string
}

// DefaultOptions returns the stock timeouts.
func DefaultOptions() Options {
	return Options{
		ReadinessTimeout:  2 * time.Minute,
		ReadinessInterval: 2 * time.Second,
		KillTimeout:       30 * time.Second,
		StopTimeout:       60 * time.Second,
		GracefulTimeout:   2 * time.Hour,
		DeadCheckInterval: 10 * time.Second,
		RemoveWaitTimeout: 60 * time.Second,
		PruneAge:          24 * time.Hour,
		Docker: docker.Options{
			Binary:        "docker",
			DeadSignature: docker.DefaultDeadSignature,
		},
		Daemon: DaemonOptions{
			UnitName:     "labctl.service",
			BinaryPath:   "/usr/local/bin/labctl",
			ConfigPath:   "/etc/labctl/lab.yaml",
			SettingsPath: "/etc/labctl/labctl.yaml",
		},
	}
}
