package hostexec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"evalgo.org/labctl/internal/logging"
)

// waitDelay bounds how long Run waits for output pipes after the command
// was killed. Processes that escaped the kill (sudo children owned by root)
// may hold them open indefinitely.
const waitDelay = 2 * time.Second

// Local runs commands on this machine with os/exec.
type Local struct {
	hostname     string
	sudoPassword string
	log          *logrus.Entry

	mu      sync.Mutex
	closed  bool
	tasks   sync.WaitGroup
	lookups map[string]lookup
}

type lookup struct {
	path  string
	found bool
}

var _ Executor = (*Local)(nil)

// NewLocal creates a local executor. hostname is only used for logging.
func NewLocal(hostname, sudoPassword string) *Local {
	return &Local{
		hostname:     hostname,
		sudoPassword: sudoPassword,
		log:          logging.ForHost(hostname),
		lookups:      make(map[string]lookup),
	}
}

func (l *Local) Host() string  { return l.hostname }
func (l *Local) IsLocal() bool { return true }

func (l *Local) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Run executes args locally.
func (l *Local) Run(ctx context.Context, args []string, opts RunOptions) (*Result, error) {
	if l.isClosed() {
		return nil, ErrClosed
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	runCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	sudo := opts.Elevate && os.Geteuid() != 0
	argv := commandLine(args, opts.Env, sudo, l.sudoPassword)

	stdout := newOutputSink(l.log, "stdout")
	stderr := newOutputSink(l.log, "stderr")

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Stdin = sudoStdin(sudo, l.sudoPassword)
	killProcessGroup(cmd)
	cmd.WaitDelay = waitDelay

	l.log.Debugf("run: %s", ShellJoin(args))
	err := cmd.Run()

	res := &Result{Stdout: stdout.String(), Stderr: stderr.String()}
	switch {
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case runCtx.Err() == context.DeadlineExceeded:
		l.log.Warnf("command timed out after %s: %s", opts.Timeout, ShellJoin(args))
		res.ExitCode = TimeoutExitCode
		res.TimedOut = true
		return res, nil
	case err == nil:
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			// binary missing or not executable
			res.ExitCode = NotFoundExitCode
			if res.Stderr == "" {
				res.Stderr = err.Error()
			}
		}
	}
	return res, Check(l.hostname, args, res, opts)
}

// RunAsync starts args in the background.
func (l *Local) RunAsync(ctx context.Context, args []string, opts RunOptions) *AsyncTask {
	if l.isClosed() {
		return FailedTask(ErrClosed)
	}
	return StartAsync(&l.tasks, func() (*Result, error) {
		return l.Run(ctx, args, opts)
	})
}

// CopyFile copies a regular file. Equal paths are a no-op.
func (l *Local) CopyFile(ctx context.Context, localPath, remotePath string, elevate bool) error {
	if l.isClosed() {
		return ErrClosed
	}
	info, err := os.Stat(localPath)
	if err != nil {
		return fmt.Errorf("stat %s: %w", localPath, err)
	}
	if info.IsDir() {
		return fmt.Errorf("copy %s: directories are not supported", localPath)
	}
	if filepath.Clean(localPath) == filepath.Clean(remotePath) {
		return nil
	}

	if elevate && os.Geteuid() != 0 {
		if _, err := l.Run(ctx, []string{"mkdir", "-p", filepath.Dir(remotePath)}, RunOptions{Elevate: true}); err != nil {
			return err
		}
		_, err := l.Run(ctx, []string{"cp", localPath, remotePath}, RunOptions{Elevate: true})
		return err
	}

	if err := os.MkdirAll(filepath.Dir(remotePath), 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", remotePath, err)
	}
	src, err := os.Open(localPath) //nolint:gosec // caller-provided path
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(remotePath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("create %s: %w", remotePath, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("copy %s to %s: %w", localPath, remotePath, err)
	}
	return dst.Close()
}

// LookPath resolves name with exec.LookPath, once per name.
func (l *Local) LookPath(_ context.Context, name string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if res, ok := l.lookups[name]; ok {
		return res.path, res.found
	}
	path, err := exec.LookPath(name)
	res := lookup{path: path, found: err == nil}
	l.lookups[name] = res
	return res.path, res.found
}

// Close marks the executor closed and waits for async tasks.
func (l *Local) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	l.tasks.Wait()
	return nil
}
