// Package daemon implements the auto-update loop that runs on a lab host
// under the init system. Every interval it reloads the host's settings from
// the lab file, updates the node and refreshes the service account key.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"

	"evalgo.org/labctl/internal/hostexec"
	"evalgo.org/labctl/internal/logging"
	"evalgo.org/labctl/internal/node"
	"evalgo.org/labctl/internal/secrets"
	"evalgo.org/labctl/models"
)

// ErrAlreadyRunning is returned when another daemon holds the lock.
var ErrAlreadyRunning = errors.New("daemon already running")

// HostLoader returns the current settings of the daemon's host.
type HostLoader func(ctx context.Context) (models.HostConfig, error)

// Session is the per-iteration handle on the node.
type Session interface {
	Update(ctx context.Context, opts node.UpdateOptions) error
	Close() error
}

// SessionFactory opens a Session for host.
type SessionFactory func(host models.HostConfig) (Session, error)

type localSession struct {
	*node.Controller
	exec hostexec.Executor
}

func (s localSession) Close() error { return s.exec.Close() }

// LocalSessions drives the node through a local executor. The controller
// runs with InDaemon set so it never touches the daemon's own unit.
func LocalSessions(opts node.Options) SessionFactory {
	opts.InDaemon = true
	return func(host models.HostConfig) (Session, error) {
		exec := hostexec.NewLocal(host.Hostname, host.SudoPassword)
		return localSession{Controller: node.New(host, exec, opts), exec: exec}, nil
	}
}

// Options configures a Loop.
type Options struct {
	Interval time.Duration
	LockPath string

	// ForceUpdate restarts the node on the first successful iteration even
	// when its image is current
	ForceUpdate bool
}

// Loop is the daemon main loop.
type Loop struct {
	opts     Options
	load     HostLoader
	sessions SessionFactory
	secrets  secrets.Source
	log      *logrus.Entry
	force    bool

	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a loop. src may be nil when no key refresh is wanted.
func New(opts Options, load HostLoader, sessions SessionFactory, src secrets.Source) *Loop {
	return &Loop{
		opts:     opts,
		load:     load,
		sessions: sessions,
		secrets:  src,
		log:      logrus.WithField("component", "daemon"),
		force:    opts.ForceUpdate,
		sleep:    sleepContext,
	}
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

// Run takes the daemon lock and iterates until ctx is cancelled. Iteration
// failures are logged and retried at the next interval.
func (l *Loop) Run(ctx context.Context) error {
	lock := flock.New(l.opts.LockPath)
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("lock %s: %w", l.opts.LockPath, err)
	}
	if !locked {
		return fmt.Errorf("%w: %s is held", ErrAlreadyRunning, l.opts.LockPath)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			l.log.WithError(err).Warn("release daemon lock")
		}
	}()

	l.log.Infof("daemon started, checking every %s", l.opts.Interval)
	for {
		if err := l.Iterate(ctx); err != nil {
			l.log.WithError(err).Error("iteration failed")
		}
		if err := l.sleep(ctx, l.opts.Interval); err != nil {
			l.log.Info("daemon stopping")
			return nil
		}
	}
}

// Iterate runs one update cycle.
func (l *Loop) Iterate(ctx context.Context) error {
	host, err := l.load(ctx)
	if err != nil {
		return fmt.Errorf("load host settings: %w", err)
	}
	log := logging.ForHost(host.Hostname).WithField("component", "daemon")

	session, err := l.sessions(host)
	if err != nil {
		return err
	}
	defer session.Close()

	if err := session.Update(ctx, node.UpdateOptions{Force: l.force}); err != nil {
		return fmt.Errorf("update: %w", err)
	}
	l.force = false

	if l.secrets == nil || host.SecretProject == "" || host.SecretID == "" || host.ServiceAccountKeyPath == "" {
		return nil
	}
	changed, err := secrets.RefreshFile(ctx, l.secrets, host.SecretProject, host.SecretID, host.ServiceAccountKeyPath)
	if err != nil {
		return fmt.Errorf("refresh service account key: %w", err)
	}
	if changed {
		log.Infof("service account key %s refreshed", host.ServiceAccountKeyPath)
	}
	return nil
}
