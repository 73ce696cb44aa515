package node

import (
	"context"
	"fmt"
	"os"

	"evalgo.org/labctl/internal/systemd"
)

// bootstrapDaemon installs and starts the auto-update daemon on the host.
// The daemon then owns the node's lifecycle.
func (c *Controller) bootstrapDaemon(ctx context.Context) error {
	active, err := c.unit.IsActive(ctx)
	if err != nil {
		return err
	}
	if active {
		c.log.Infof("daemon %s already active, nothing to do", c.unit.Name)
		return nil
	}

	d := c.opts.Daemon
	if d.LocalConfigPath == "" {
		return fmt.Errorf("daemon bootstrap needs the lab config path")
	}
	binary := d.LocalBinaryPath
	if binary == "" {
		if binary, err = os.Executable(); err != nil {
			return fmt.Errorf("locate labctl binary: %w", err)
		}
	}

	c.log.Infof("installing daemon %s", c.unit.Name)
	if err := c.exec.CopyFile(ctx, binary, d.BinaryPath, true); err != nil {
		return fmt.Errorf("copy labctl binary: %w", err)
	}
	if err := c.exec.CopyFile(ctx, d.LocalConfigPath, d.ConfigPath, true); err != nil {
		return fmt.Errorf("copy lab config: %w", err)
	}
	var args []string
	if d.LocalSettingsPath != "" {
		if err := c.exec.CopyFile(ctx, d.LocalSettingsPath, d.SettingsPath, true); err != nil {
			return fmt.Errorf("copy labctl settings: %w", err)
		}
		args = append(args, "--config", d.SettingsPath)
	}
	args = append(args, d.Args...)
	if key := c.host.ServiceAccountKeyPath; key != "" {
		if err := c.exec.CopyFile(ctx, key, key, true); err != nil {
			return fmt.Errorf("copy service account key: %w", err)
		}
	}

	if err := c.unit.Install(ctx, systemd.DaemonUnit(d.BinaryPath, d.ConfigPath, c.host.Hostname, args...)); err != nil {
		return err
	}
	if err := c.unit.Enable(ctx); err != nil {
		return err
	}
	if err := c.unit.Start(ctx); err != nil {
		return err
	}
	c.log.Info("daemon started")
	return nil
}

// teardownDaemon stops and disables the daemon if it is active.
func (c *Controller) teardownDaemon(ctx context.Context) error {
	active, err := c.unit.IsActive(ctx)
	if err != nil {
		return err
	}
	if !active {
		return nil
	}
	c.log.Infof("stopping daemon %s", c.unit.Name)
	if err := c.unit.Stop(ctx); err != nil {
		return err
	}
	return c.unit.Disable(ctx)
}
