package fleet

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"evalgo.org/labctl/models"
)

// Operation is the per-host unit of work.
type Operation func(ctx context.Context, h *Host) error

// Options configures a Runner.
type Options struct {
	// Parallel is the worker pool size; 1 or less runs hosts in order on
	// the calling goroutine
	Parallel int

	// ExitOnError stops a sequential run at the first failure
	ExitOnError bool

	// PollInterval bounds each coordinator wait (default 1s)
	PollInterval time.Duration

	// ProgressInterval throttles the outstanding-hosts log (default 30s)
	ProgressInterval time.Duration

	// Out receives the roster table (default stdout)
	Out io.Writer
}

// Runner executes an operation over a set of hosts.
type Runner struct {
	opts  Options
	runID string
	log   *logrus.Entry
}

// NewRunner creates a runner with a fresh run id.
func NewRunner(opts Options) *Runner {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = 30 * time.Second
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	runID := uuid.New().String()
	return &Runner{
		opts:  opts,
		runID: runID,
		log:   logrus.WithField("run", runID),
	}
}

// RunID identifies this runner in logs.
func (r *Runner) RunID() string { return r.runID }

// Run executes op for every host that has not finished yet, closes every
// executor, prints the roster and returns a *RunError when any host failed
// or never finished. With ExitOnError in sequential mode the first failure
// is returned instead.
func (r *Runner) Run(ctx context.Context, name string, hosts []*Host, op Operation) error {
	log := r.log.WithField("operation", name)

	var firstErr error
	if r.opts.Parallel <= 1 {
		log.Infof("running %s on %d hosts sequentially", name, len(hosts))
		firstErr = r.runSequential(ctx, log, hosts, op)
	} else {
		log.Infof("running %s on %d hosts with %d workers", name, len(hosts), min(r.opts.Parallel, len(hosts)))
		r.runParallel(ctx, log, hosts, op)
	}

	rows := snapshot(hosts)
	for _, h := range hosts {
		if err := h.close(); err != nil {
			log.WithField("host", h.Name()).WithError(err).Warn("closing execution context failed")
		}
	}
	if err := RenderRoster(r.opts.Out, rows); err != nil {
		log.WithError(err).Warn("rendering roster failed")
	}

	if firstErr != nil {
		return firstErr
	}
	return summarize(rows)
}

// execute runs op on one host and records the outcome. Finished hosts are
// skipped and report their captured error.
func (r *Runner) execute(ctx context.Context, log *logrus.Entry, h *Host, op Operation) (err error) {
	hlog := log.WithField("host", h.Name())
	if !h.start() {
		state, prev := h.State()
		hlog.Debugf("skipping host in state %s", state)
		return prev
	}

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
		h.finish(err)
		if err != nil {
			hlog.WithError(err).Error("host failed")
		} else {
			hlog.Info("host completed")
		}
	}()
	return op(ctx, h)
}

func (r *Runner) runSequential(ctx context.Context, log *logrus.Entry, hosts []*Host, op Operation) error {
	for _, h := range hosts {
		if ctx.Err() != nil {
			log.Warn("run cancelled")
			return nil
		}
		if err := r.execute(ctx, log, h, op); err != nil && r.opts.ExitOnError {
			return fmt.Errorf("%s: %w", h.Name(), err)
		}
	}
	return nil
}

func (r *Runner) runParallel(ctx context.Context, log *logrus.Entry, hosts []*Host, op Operation) {
	if len(hosts) == 0 {
		return
	}
	sem := semaphore.NewWeighted(int64(min(r.opts.Parallel, len(hosts))))
	results := make(chan *Host, len(hosts))

	go func() {
		for _, h := range hosts {
			if err := sem.Acquire(ctx, 1); err != nil {
				return
			}
			go func(h *Host) {
				defer sem.Release(1)
				_ = r.execute(ctx, log, h, op)
				results <- h
			}(h)
		}
	}()

	outstanding := make(map[string]bool, len(hosts))
	for _, h := range hosts {
		outstanding[h.Name()] = true
	}
	progress := rate.Sometimes{Interval: r.opts.ProgressInterval}
	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	for len(outstanding) > 0 {
		select {
		case h := <-results:
			delete(outstanding, h.Name())
		case <-ctx.Done():
			log.Warnf("run cancelled, abandoning %d hosts: %s", len(outstanding), names(outstanding))
			return
		case <-ticker.C:
			progress.Do(func() {
				log.Infof("waiting for %d hosts: %s", len(outstanding), names(outstanding))
			})
		}
	}
}

func names(set map[string]bool) string {
	out := make([]string, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	sort.Strings(out)
	return strings.Join(out, ", ")
}

// HostOutcome is one roster row.
type HostOutcome struct {
	Host    string
	Cluster string
	State   models.ExecutionState
	Err     error
}

func snapshot(hosts []*Host) []HostOutcome {
	rows := make([]HostOutcome, len(hosts))
	for i, h := range hosts {
		state, err := h.State()
		if !state.Finished() {
			state = models.StateUnknown
		}
		rows[i] = HostOutcome{Host: h.Name(), Cluster: h.Config.ClusterName, State: state, Err: err}
	}
	return rows
}
