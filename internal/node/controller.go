// Package node controls the lab node container on one host: start, stop,
// restart and update, plus the dead-container escalation used while
// stopping and the delegation to the auto-update daemon.
package node

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"evalgo.org/labctl/internal/docker"
	"evalgo.org/labctl/internal/hostexec"
	"evalgo.org/labctl/internal/logging"
	"evalgo.org/labctl/internal/systemd"
	"evalgo.org/labctl/models"
)

// ServiceAccountPath is where the service account key is placed inside the
// container.
const ServiceAccountPath = "/etc/labnode/service_account.json"

// Signals used to stop the node.
const (
	QuiesceSignal   = "INT"
	ImmediateSignal = "TERM"
)

// StopOptions controls Stop.
type StopOptions struct {
	// Wait drains the node even when graceful shutdown is not configured
	Wait bool
}

// UpdateOptions controls Update.
type UpdateOptions struct {
	// Force restarts the node even when the image is unchanged
	Force bool
}

// Controller runs lifecycle operations for one host.
type Controller struct {
	host   models.HostConfig
	exec   hostexec.Executor
	docker *docker.Client
	unit   *systemd.Unit
	prober Prober
	opts   Options
	log    *logrus.Entry

	sleep     func(ctx context.Context, d time.Duration) error
	now       func() time.Time
	parentPID func(ctx context.Context, pid int) (int, error)
}

// New creates a controller for host using exec. The HostConfig is copied
// and never modified.
func New(host models.HostConfig, exec hostexec.Executor, opts Options) *Controller {
	c := &Controller{
		host:   host,
		exec:   exec,
		docker: docker.NewClient(exec, opts.Docker),
		unit:   systemd.New(opts.Daemon.UnitName, exec),
		prober: NewHTTPProber(5 * time.Second),
		opts:   opts,
		log:    logging.ForHost(host.Hostname).WithField("container", host.ContainerName),
		sleep:  sleepContext,
		now:    time.Now,
	}
	c.parentPID = c.lookupParentPID
	return c
}

// WithProber replaces the readiness prober.
func (c *Controller) WithProber(p Prober) *Controller {
	c.prober = p
	return c
}

// Docker exposes the container client bound to this host.
func (c *Controller) Docker() *docker.Client {
	return c.docker
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Start brings the node up. Hosts with auto-update delegate to the daemon
// unless already running inside it.
func (c *Controller) Start(ctx context.Context) error {
	if c.host.AutoUpdate && !c.opts.InDaemon {
		return c.bootstrapDaemon(ctx)
	}
	if err := c.docker.CheckRuntime(ctx); err != nil {
		return err
	}

	running, err := c.docker.IsContainerRunning(ctx, c.host.ContainerName)
	if err != nil {
		return err
	}
	if running {
		c.log.Info("node already running")
		return nil
	}

	if _, err := c.docker.CreateAndStart(ctx, c.containerSpec()); err != nil {
		return err
	}

	if c.host.Standalone() && c.host.Port > 0 {
		return c.waitReady(ctx, readinessURL(c.host.Hostname, c.host.Port))
	}
	c.log.Infof("node started as worker of %s", c.host.ControlServerURL)
	return nil
}

func (c *Controller) containerSpec() *docker.ContainerSpec {
	h := c.host
	spec := docker.NewContainerSpec(h.ContainerName, h.Image).
		WithHostname(h.Hostname).
		WithNetwork(h.Network)

	for _, e := range h.Env {
		spec.WithEnv(e.Name, e.Value)
	}
	if h.Standalone() {
		if h.Port > 0 {
			port := strconv.Itoa(h.Port)
			spec.WithPort(port, port)
		}
	} else {
		spec.WithEnv("CONTROL_SERVER_URL", h.ControlServerURL)
	}
	if h.ServiceAccountKeyPath != "" {
		spec.WithEnv("GOOGLE_APPLICATION_CREDENTIALS", ServiceAccountPath).
			WithFile(h.ServiceAccountKeyPath, ServiceAccountPath)
	}

	for _, m := range h.Mounts {
		spec.WithMount(m)
	}
	for _, p := range h.Ports {
		spec.WithPort(p.HostPort, p.ContainerPort)
	}
	for _, capability := range h.Capabilities {
		spec.WithCapability(capability)
	}
	for _, d := range h.Devices {
		spec.WithDevice(d)
	}
	for _, s := range h.Sysctls {
		spec.WithSysctl(s)
	}
	return spec.WithExtraArgs(h.ExtraArgs...)
}

// Stop shuts the node down and removes the container.
func (c *Controller) Stop(ctx context.Context, opts StopOptions) error {
	if !c.opts.InDaemon {
		if err := c.teardownDaemon(ctx); err != nil {
			return err
		}
	}
	if err := c.docker.CheckRuntime(ctx); err != nil {
		return err
	}

	name := c.host.ContainerName
	running, err := c.docker.IsContainerRunning(ctx, name)
	if err != nil {
		return err
	}
	if !running {
		c.log.Info("node not running")
		c.docker.RemoveContainer(ctx, name)
		return nil
	}

	signal, budget := ImmediateSignal, c.opts.StopTimeout
	if c.host.GracefulShutdown || opts.Wait {
		signal, budget = QuiesceSignal, c.drainBudget()
		c.log.Infof("draining node (up to %s)", budget)
	} else {
		c.log.Info("stopping node")
	}

	if _, err := c.docker.Kill(ctx, []string{name}, signal, c.opts.KillTimeout); err != nil {
		stillRunning, checkErr := c.docker.IsContainerRunning(ctx, name)
		if checkErr != nil || stillRunning {
			return fmt.Errorf("signal %s to %s: %w", signal, name, err)
		}
	}

	if c.hasRoot(ctx) {
		if err := c.awaitExitOrKill(ctx, budget); err != nil {
			return err
		}
	} else {
		res, err := c.docker.Wait(ctx, []string{name}, budget)
		if err != nil {
			return err
		}
		if res.TimedOut {
			c.log.Warnf("node did not exit within %s", budget)
		}
	}

	c.docker.RemoveContainer(ctx, name)
	c.log.Info("node stopped")
	return nil
}

func (c *Controller) drainBudget() time.Duration {
	if c.host.ShutdownTimeout > 0 {
		return c.host.ShutdownTimeout
	}
	return c.opts.GracefulTimeout
}

// hasRoot reports whether elevated commands run as root on the host.
func (c *Controller) hasRoot(ctx context.Context) bool {
	res, err := c.exec.Run(ctx, []string{"id", "-u"}, hostexec.RunOptions{
		Elevate:      true,
		AllowFailure: true,
		Timeout:      c.opts.KillTimeout,
	})
	return err == nil && res.Succeeded() && strings.TrimSpace(res.Stdout) == "0"
}

// Restart stops and starts the node. A failed start leaves it stopped.
func (c *Controller) Restart(ctx context.Context, opts StopOptions) error {
	if err := c.Stop(ctx, opts); err != nil {
		return err
	}
	return c.Start(ctx)
}

// Update pulls the image and restarts the node when the running container
// is not on the latest image.
func (c *Controller) Update(ctx context.Context, opts UpdateOptions) error {
	if err := c.docker.CheckRuntime(ctx); err != nil {
		return err
	}
	if err := c.docker.Pull(ctx, c.host.Image); err != nil {
		return err
	}

	reason, err := c.updateReason(ctx, opts.Force)
	if err != nil {
		return err
	}
	if reason == "" {
		c.log.Info("node is up to date")
		return nil
	}

	c.log.Infof("updating node: %s", reason)
	c.docker.CleanupDanglingImages(ctx, c.opts.PruneAge)
	if err := c.Stop(ctx, StopOptions{}); err != nil {
		return err
	}
	return c.Start(ctx)
}

// updateReason returns why an update is needed, or "" when it is not.
func (c *Controller) updateReason(ctx context.Context, force bool) (string, error) {
	if force {
		return "forced", nil
	}
	running, err := c.docker.IsContainerRunning(ctx, c.host.ContainerName)
	if err != nil {
		return "", err
	}
	if !running {
		return "node not running", nil
	}

	imageID, err := c.docker.GetImageIDForContainer(ctx, c.host.ContainerName)
	if err != nil {
		return "", err
	}
	current, err := c.docker.GetRemoteImageDigest(ctx, imageID)
	if err != nil {
		return "", err
	}
	latest, err := c.docker.GetRemoteImageDigest(ctx, c.host.Image)
	if err != nil {
		return "", err
	}
	if current == latest {
		return "", nil
	}
	return fmt.Sprintf("image changed from %s to %s", current, latest), nil
}
