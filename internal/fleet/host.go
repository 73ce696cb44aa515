// Package fleet runs one lifecycle operation over many hosts, either one
// host at a time or through a bounded worker pool, and reports the outcome
// of every host.
package fleet

import (
	"sync"

	"evalgo.org/labctl/internal/hostexec"
	"evalgo.org/labctl/models"
)

// Host pairs a host's configuration with its execution context and the
// outcome of the current run. State only moves forward: once COMPLETED or
// ERROR it no longer changes.
type Host struct {
	Config models.HostConfig

	exec hostexec.Executor

	mu    sync.Mutex
	state models.ExecutionState
	err   error
}

// NewHost wraps an opened executor.
func NewHost(cfg models.HostConfig, exec hostexec.Executor) *Host {
	return &Host{Config: cfg, exec: exec}
}

// FailedHost records a host whose executor could not be built.
func FailedHost(cfg models.HostConfig, err error) *Host {
	return &Host{Config: cfg, state: models.StateError, err: err}
}

func (h *Host) Name() string { return h.Config.Hostname }

// Executor returns the host's execution context, nil for a failed host.
func (h *Host) Executor() hostexec.Executor { return h.exec }

// State returns the current state and captured error.
func (h *Host) State() (models.ExecutionState, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state, h.err
}

// Finished reports whether the host reached COMPLETED or ERROR.
func (h *Host) Finished() bool {
	state, _ := h.State()
	return state.Finished()
}

func (h *Host) start() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != models.StateUnknown {
		return false
	}
	h.state = models.StateRunning
	return true
}

func (h *Host) finish(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state.Finished() {
		return
	}
	if err != nil {
		h.state, h.err = models.StateError, err
		return
	}
	h.state = models.StateCompleted
}

func (h *Host) close() error {
	if h.exec == nil {
		return nil
	}
	return h.exec.Close()
}
