// Package docker drives a container runtime CLI through a hostexec.Executor.
//
// Every operation is expressed as a command line for the runtime binary
// (docker by default) so the same code works on the local machine and over
// SSH. Decision-critical queries return errors when the runtime fails;
// cleanup operations are best-effort and only log.
package docker

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"evalgo.org/labctl/internal/hostexec"
	"evalgo.org/labctl/internal/logging"
)

// DefaultDeadSignature is the runtime error text seen when exec is attempted
// on a container whose process has already gone away.
const DefaultDeadSignature = "cannot exec a container that has stopped"

// Inspect formats used by the client.
const (
	FormatRunning = "{{.State.Running}}"
	FormatPid     = "{{.State.Pid}}"
	FormatImageID = "{{.Image}}"
	FormatDigest  = "{{index .RepoDigests 0}}"
)

const stagingDir = "/tmp/labctl-staging"

// ErrRuntimeMissing is returned when the runtime binary is not on PATH.
var ErrRuntimeMissing = errors.New("container runtime not found")

// Options configures a Client.
type Options struct {
	// Binary is the runtime executable (default "docker")
	Binary string

	// Elevate runs every runtime command through sudo
	Elevate bool

	// DeadSignature is the stderr text that identifies a dead container
	DeadSignature string

	// CommandTimeout bounds short queries such as inspect (default 60s)
	CommandTimeout time.Duration
}

// Client runs runtime commands on one host.
type Client struct {
	exec hostexec.Executor
	opts Options
	log  *logrus.Entry
}

// NewClient creates a client bound to exec.
func NewClient(exec hostexec.Executor, opts Options) *Client {
	if opts.Binary == "" {
		opts.Binary = "docker"
	}
	if opts.DeadSignature == "" {
		opts.DeadSignature = DefaultDeadSignature
	}
	if opts.CommandTimeout == 0 {
		opts.CommandTimeout = 60 * time.Second
	}
	return &Client{
		exec: exec,
		opts: opts,
		log:  logging.ForHost(exec.Host()).WithField("component", "docker"),
	}
}

func (c *Client) run(ctx context.Context, opts hostexec.RunOptions, args ...string) (*hostexec.Result, error) {
	opts.Elevate = opts.Elevate || c.opts.Elevate
	return c.exec.Run(ctx, append([]string{c.opts.Binary}, args...), opts)
}

// CheckRuntime verifies the runtime binary is available on the host.
func (c *Client) CheckRuntime(ctx context.Context) error {
	if _, ok := c.exec.LookPath(ctx, c.opts.Binary); !ok {
		return fmt.Errorf("%w: %q on %s", ErrRuntimeMissing, c.opts.Binary, c.exec.Host())
	}
	return nil
}

// Build builds dir and tags the image.
func (c *Client) Build(ctx context.Context, dir, tag string) error {
	c.log.Infof("building image %s from %s", tag, dir)
	_, err := c.run(ctx, hostexec.RunOptions{}, "build", "-t", tag, dir)
	return err
}

// Pull fetches image from its registry.
func (c *Client) Pull(ctx context.Context, image string) error {
	c.log.Infof("pulling image %s", image)
	_, err := c.run(ctx, hostexec.RunOptions{}, "pull", image)
	return err
}

// CreateAndStart removes any container with the same name, creates the new
// one, copies staged files into it and starts it.
func (c *Client) CreateAndStart(ctx context.Context, spec *ContainerSpec) (*hostexec.Result, error) {
	c.RemoveContainer(ctx, spec.Name)

	c.log.Infof("creating container %s from %s", spec.Name, spec.Image)
	if _, err := c.run(ctx, hostexec.RunOptions{}, spec.CreateArgs()...); err != nil {
		return nil, fmt.Errorf("create container %s: %w", spec.Name, err)
	}

	for i, f := range spec.Files() {
		staged := path.Join(stagingDir, spec.Name, strconv.Itoa(i)+"-"+path.Base(f.LocalPath))
		if err := c.exec.CopyFile(ctx, f.LocalPath, staged, c.opts.Elevate); err != nil {
			return nil, fmt.Errorf("stage %s: %w", f.LocalPath, err)
		}
		if _, err := c.run(ctx, hostexec.RunOptions{}, "cp", staged, spec.Name+":"+f.ContainerPath); err != nil {
			return nil, fmt.Errorf("copy %s into %s: %w", f.LocalPath, spec.Name, err)
		}
	}

	c.log.Infof("starting container %s", spec.Name)
	res, err := c.run(ctx, hostexec.RunOptions{}, "start", spec.Name)
	if err != nil {
		return res, fmt.Errorf("start container %s: %w", spec.Name, err)
	}
	return res, nil
}

// Stop asks the runtime to stop containers, giving them timeout to exit.
func (c *Client) Stop(ctx context.Context, names []string, timeout time.Duration) (*hostexec.Result, error) {
	args := append([]string{"stop", "-t", strconv.Itoa(int(timeout.Seconds()))}, names...)
	return c.run(ctx, hostexec.RunOptions{Timeout: timeout + c.opts.CommandTimeout}, args...)
}

// Kill delivers signal to containers.
func (c *Client) Kill(ctx context.Context, names []string, signal string, timeout time.Duration) (*hostexec.Result, error) {
	args := append([]string{"kill", "-s", signal}, names...)
	return c.run(ctx, hostexec.RunOptions{Timeout: timeout}, args...)
}

// Wait blocks until containers exit or timeout passes. A timeout is
// reported through Result.TimedOut, not as an error.
func (c *Client) Wait(ctx context.Context, names []string, timeout time.Duration) (*hostexec.Result, error) {
	args := append([]string{"container", "wait"}, names...)
	return c.run(ctx, hostexec.RunOptions{Timeout: timeout}, args...)
}

// InspectStatus classifies an inspect outcome.
type InspectStatus int

const (
	Found InspectStatus = iota
	NotFound
	Failed
)

func (s InspectStatus) String() string {
	switch s {
	case Found:
		return "found"
	case NotFound:
		return "not found"
	default:
		return "failed"
	}
}

// InspectResult is the outcome of Inspect. Value is set when Found, Detail
// when Failed.
type InspectResult struct {
	Status InspectStatus
	Value  string
	Detail string
}

func (r InspectResult) String() string {
	switch r.Status {
	case Found:
		return "found: " + r.Value
	case NotFound:
		return "not found"
	default:
		return "failed: " + r.Detail
	}
}

// Inspect queries a container, image or volume. A missing object is
// NotFound; any other runtime failure is Failed. The returned error is only
// set for transport problems.
func (c *Client) Inspect(ctx context.Context, resource, format string) (InspectResult, error) {
	args := []string{"inspect", resource}
	if format != "" {
		args = append(args, "--format", format)
	}
	res, err := c.run(ctx, hostexec.RunOptions{AllowFailure: true, Timeout: c.opts.CommandTimeout}, args...)
	if err != nil {
		return InspectResult{}, err
	}
	if res.Succeeded() {
		return InspectResult{Status: Found, Value: strings.TrimSpace(res.Stdout)}, nil
	}
	detail := strings.TrimSpace(res.Stderr)
	if res.TimedOut {
		detail = "inspect timed out"
	}
	if isNoSuchObject(detail) {
		return InspectResult{Status: NotFound, Detail: detail}, nil
	}
	return InspectResult{Status: Failed, Detail: detail}, nil
}

func isNoSuchObject(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "no such object") ||
		strings.Contains(s, "no such container") ||
		strings.Contains(s, "no such image")
}

// inspectValue returns the inspected value, erroring on anything but Found.
func (c *Client) inspectValue(ctx context.Context, resource, format string) (string, error) {
	res, err := c.Inspect(ctx, resource, format)
	if err != nil {
		return "", err
	}
	if res.Status != Found {
		return "", fmt.Errorf("inspect %s %s: %s", resource, format, res)
	}
	return res.Value, nil
}

// IsContainerRunning reports whether name exists and is running. A missing
// container is not running; other inspect failures are errors.
func (c *Client) IsContainerRunning(ctx context.Context, name string) (bool, error) {
	res, err := c.Inspect(ctx, name, FormatRunning)
	if err != nil {
		return false, err
	}
	switch res.Status {
	case Found:
		return res.Value == "true", nil
	case NotFound:
		return false, nil
	default:
		return false, fmt.Errorf("inspect container %s: %s", name, res.Detail)
	}
}

// IsContainerDead probes name with a trivial exec. It only reports true when
// the runtime answers with the dead signature.
func (c *Client) IsContainerDead(ctx context.Context, name string) bool {
	res, err := c.run(ctx, hostexec.RunOptions{AllowFailure: true, Timeout: c.opts.CommandTimeout}, "exec", name, "true")
	if err != nil || res.Succeeded() {
		return false
	}
	return strings.Contains(res.Stderr, c.opts.DeadSignature) || strings.Contains(res.Stdout, c.opts.DeadSignature)
}

// GetRemoteImageDigest returns the registry digest of a local image.
func (c *Client) GetRemoteImageDigest(ctx context.Context, image string) (string, error) {
	return c.inspectValue(ctx, image, FormatDigest)
}

// GetImageIDForContainer returns the image ID a container was created from.
func (c *Client) GetImageIDForContainer(ctx context.Context, name string) (string, error) {
	return c.inspectValue(ctx, name, FormatImageID)
}

// GetProcessIDForContainer returns the host pid of the container's init.
func (c *Client) GetProcessIDForContainer(ctx context.Context, name string) (int, error) {
	value, err := c.inspectValue(ctx, name, FormatPid)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("parse pid %q of %s: %w", value, name, err)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("container %s has no process", name)
	}
	return pid, nil
}

// CleanupDanglingImages prunes unused images older than age. Failures are
// logged.
func (c *Client) CleanupDanglingImages(ctx context.Context, age time.Duration) {
	hours := int(age.Hours())
	if hours < 1 {
		hours = 1
	}
	filter := "until=" + strconv.Itoa(hours) + "h"
	if _, err := c.run(ctx, hostexec.RunOptions{}, "image", "prune", "-f", "--filter", filter); err != nil {
		c.log.WithError(err).Warn("image prune failed")
	}
}

// RemoveContainer deletes name. Failures are logged.
func (c *Client) RemoveContainer(ctx context.Context, name string) {
	res, err := c.run(ctx, hostexec.RunOptions{AllowFailure: true, Timeout: c.opts.CommandTimeout}, "container", "rm", name)
	switch {
	case err != nil:
		c.log.WithError(err).Warnf("remove container %s failed", name)
	case !res.Succeeded() && !isNoSuchObject(res.Stderr):
		c.log.Warnf("remove container %s failed: %s", name, strings.TrimSpace(res.Stderr))
	}
}

// RemoveVolume deletes a named volume. Failures are logged.
func (c *Client) RemoveVolume(ctx context.Context, name string) {
	res, err := c.run(ctx, hostexec.RunOptions{AllowFailure: true, Timeout: c.opts.CommandTimeout}, "volume", "rm", name)
	switch {
	case err != nil:
		c.log.WithError(err).Warnf("remove volume %s failed", name)
	case !res.Succeeded():
		c.log.Warnf("remove volume %s failed: %s", name, strings.TrimSpace(res.Stderr))
	}
}
