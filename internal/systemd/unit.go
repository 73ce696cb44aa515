// Package systemd installs and controls the labctl daemon unit on a host.
package systemd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/coreos/go-systemd/v22/unit"

	"evalgo.org/labctl/internal/hostexec"
)

// UnitDir is where unit files are installed.
const UnitDir = "/etc/systemd/system"

// UnitFile is the content of a daemon unit.
type UnitFile struct {
	Description string
	// Command is the argv started by the unit
	Command []string
}

// ExecStart renders Command as the unit's ExecStart line.
func (u UnitFile) ExecStart() string {
	return hostexec.ShellJoin(u.Command)
}

// Options lists the unit's directives in file order.
func (u UnitFile) Options() []*unit.UnitOption {
	return []*unit.UnitOption{
		unit.NewUnitOption("Unit", "Description", u.Description),
		unit.NewUnitOption("Unit", "After", "network-online.target docker.service"),
		unit.NewUnitOption("Unit", "Wants", "network-online.target"),
		unit.NewUnitOption("Service", "Type", "simple"),
		unit.NewUnitOption("Service", "ExecStart", u.ExecStart()),
		unit.NewUnitOption("Service", "Restart", "always"),
		unit.NewUnitOption("Service", "RestartSec", "10"),
		unit.NewUnitOption("Install", "WantedBy", "multi-user.target"),
	}
}

// Render produces the unit file text.
func (u UnitFile) Render() ([]byte, error) {
	if len(u.Command) == 0 {
		return nil, fmt.Errorf("unit command is empty")
	}
	content, err := io.ReadAll(unit.Serialize(u.Options()))
	if err != nil {
		return nil, fmt.Errorf("render unit: %w", err)
	}
	return content, nil
}

// DaemonUnit returns the unit that runs the labctl daemon loop for host.
// extra is appended to the daemon command line as is.
func DaemonUnit(binaryPath, labConfigPath, hostname string, extra ...string) UnitFile {
	command := []string{binaryPath, "daemon", labConfigPath, "--host", hostname}
	return UnitFile{
		Description: "labctl lab node daemon for " + hostname,
		Command:     append(command, extra...),
	}
}

// Unit controls one systemd unit through an executor. Every command is
// elevated.
type Unit struct {
	Name string
	Exec hostexec.Executor
}

// New returns a handle on unit name.
func New(name string, exec hostexec.Executor) *Unit {
	return &Unit{Name: name, Exec: exec}
}

func (u *Unit) systemctl(ctx context.Context, allowFailure bool, args ...string) (*hostexec.Result, error) {
	return u.Exec.Run(ctx, append([]string{"systemctl"}, args...), hostexec.RunOptions{
		Elevate:      true,
		AllowFailure: allowFailure,
	})
}

// IsActive reports whether the unit is currently active.
func (u *Unit) IsActive(ctx context.Context) (bool, error) {
	res, err := u.systemctl(ctx, true, "is-active", u.Name)
	if err != nil {
		return false, err
	}
	return res.Succeeded() && strings.TrimSpace(res.Stdout) == "active", nil
}

// Install writes the unit file on the host and reloads systemd.
func (u *Unit) Install(ctx context.Context, file UnitFile) error {
	content, err := file.Render()
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp("", "labctl-unit-*")
	if err != nil {
		return fmt.Errorf("create unit file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return fmt.Errorf("write unit file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write unit file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("chmod unit file: %w", err)
	}

	if err := u.Exec.CopyFile(ctx, filepath.Clean(tmp.Name()), u.Path(), true); err != nil {
		return fmt.Errorf("install unit %s: %w", u.Name, err)
	}
	_, err = u.systemctl(ctx, false, "daemon-reload")
	return err
}

// Path is the unit file location on the host.
func (u *Unit) Path() string {
	return path.Join(UnitDir, u.Name)
}

func (u *Unit) Enable(ctx context.Context) error {
	_, err := u.systemctl(ctx, false, "enable", u.Name)
	return err
}

func (u *Unit) Disable(ctx context.Context) error {
	_, err := u.systemctl(ctx, false, "disable", u.Name)
	return err
}

func (u *Unit) Start(ctx context.Context) error {
	_, err := u.systemctl(ctx, false, "start", u.Name)
	return err
}

func (u *Unit) Stop(ctx context.Context) error {
	_, err := u.systemctl(ctx, false, "stop", u.Name)
	return err
}
