package node

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/process"

	"evalgo.org/labctl/internal/hostexec"
)

// awaitExitOrKill watches a signalled container. It returns once the
// container has exited, and force-kills it when the runtime reports it dead
// or when budget runs out.
func (c *Controller) awaitExitOrKill(ctx context.Context, budget time.Duration) error {
	name := c.host.ContainerName
	deadline := c.now().Add(budget)

	for {
		running, err := c.docker.IsContainerRunning(ctx, name)
		if err != nil {
			return err
		}
		if !running {
			c.log.Info("node exited")
			return nil
		}
		if c.docker.IsContainerDead(ctx, name) {
			c.log.Warn("container is dead, forcing termination")
			return c.forceKill(ctx)
		}
		if !c.now().Before(deadline) {
			c.log.Warnf("node still running after %s, forcing termination", budget)
			return c.forceKill(ctx)
		}
		if err := c.sleep(ctx, c.opts.DeadCheckInterval); err != nil {
			return err
		}
	}
}

// forceKill kills the parent of the container's init process (the runtime
// shim) and waits for the container to go away.
func (c *Controller) forceKill(ctx context.Context) error {
	name := c.host.ContainerName

	pid, err := c.docker.GetProcessIDForContainer(ctx, name)
	if err != nil {
		return fmt.Errorf("force kill %s: %w", name, err)
	}
	ppid, err := c.parentPID(ctx, pid)
	if err != nil {
		return fmt.Errorf("force kill %s: parent of pid %d: %w", name, pid, err)
	}
	if ppid <= 1 {
		return fmt.Errorf("force kill %s: refusing to kill parent pid %d", name, ppid)
	}

	c.log.Warnf("killing container shim pid %d (container pid %d)", ppid, pid)
	if _, err := c.exec.Run(ctx, []string{"kill", "-9", strconv.Itoa(ppid)}, hostexec.RunOptions{
		Elevate: true,
		Timeout: c.opts.KillTimeout,
	}); err != nil {
		return fmt.Errorf("force kill %s: %w", name, err)
	}

	deadline := c.now().Add(c.opts.RemoveWaitTimeout)
	for {
		running, err := c.docker.IsContainerRunning(ctx, name)
		if err != nil {
			return err
		}
		if !running {
			c.log.Info("container terminated")
			return nil
		}
		if !c.now().Before(deadline) {
			return fmt.Errorf("container %s still running %s after force kill", name, c.opts.RemoveWaitTimeout)
		}
		if err := c.sleep(ctx, c.opts.DeadCheckInterval); err != nil {
			return err
		}
	}
}

// lookupParentPID uses the process table directly on the local host and ps
// over SSH.
func (c *Controller) lookupParentPID(ctx context.Context, pid int) (int, error) {
	if c.exec.IsLocal() {
		proc, err := process.NewProcess(int32(pid)) //nolint:gosec // pids fit in int32
		if err != nil {
			return 0, err
		}
		ppid, err := proc.PpidWithContext(ctx)
		if err != nil {
			return 0, err
		}
		return int(ppid), nil
	}

	res, err := c.exec.Run(ctx, []string{"ps", "-o", "ppid=", "-p", strconv.Itoa(pid)}, hostexec.RunOptions{
		Timeout: c.opts.KillTimeout,
	})
	if err != nil {
		return 0, err
	}
	ppid, err := strconv.Atoi(strings.TrimSpace(res.Stdout))
	if err != nil {
		return 0, fmt.Errorf("parse ppid %q: %w", strings.TrimSpace(res.Stdout), err)
	}
	return ppid, nil
}
