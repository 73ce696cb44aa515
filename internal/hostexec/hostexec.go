// Package hostexec runs command lines on the local machine or on a remote
// host over SSH.
//
// An Executor is the execution context for exactly one host. It is opened
// with credentials, used sequentially by a single goroutine for the length of
// one operation, and closed at the end. Closing is idempotent; every call on a
// closed executor returns ErrClosed.
//
// All output is mirrored to the host-tagged logger line by line so that the
// output of many hosts driven at once stays attributable.
//
// # Failure model
//
//   - A non-zero exit returns a *CommandError unless RunOptions.AllowFailure
//     is set, in which case the Result is returned with a nil error.
//   - A timeout never returns an error: the Result carries TimeoutExitCode
//     and TimedOut, so callers can branch on the value.
//   - Transport problems (SSH session failures, a cancelled context) are
//     returned as plain errors.
package hostexec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/alessio/shellescape"
)

// TimeoutExitCode is the synthetic exit code reported for timed out commands.
// It matches the code used by coreutils timeout(1).
const TimeoutExitCode = 124

// NotFoundExitCode is reported when the executable itself cannot be started.
const NotFoundExitCode = 127

// ErrClosed is returned by every call on a closed executor.
var ErrClosed = errors.New("execution context closed")

// Executor runs commands on one host.
type Executor interface {
	// Host returns the host identity used in logs.
	Host() string

	// IsLocal reports whether commands run on this machine.
	IsLocal() bool

	// Run executes args and waits for completion.
	Run(ctx context.Context, args []string, opts RunOptions) (*Result, error)

	// RunAsync starts args in a tracked goroutine and returns immediately.
	RunAsync(ctx context.Context, args []string, opts RunOptions) *AsyncTask

	// CopyFile transfers one regular file, creating parent directories.
	CopyFile(ctx context.Context, localPath, remotePath string, elevate bool) error

	// LookPath probes for a helper binary on PATH. The answer is memoized
	// per name, whether the binary was found or not.
	LookPath(ctx context.Context, name string) (string, bool)

	// Close releases the connection and waits for async tasks.
	Close() error
}

// RunOptions controls a single command invocation.
type RunOptions struct {
	// Elevate runs the command through sudo unless already root
	Elevate bool

	// Env holds extra KEY=VALUE pairs for the command
	Env []string

	// Timeout bounds the command (zero means no limit beyond ctx)
	Timeout time.Duration

	// AllowFailure returns non-zero exits as a Result instead of an error
	AllowFailure bool
}

// Result is the outcome of one command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
}

// Succeeded reports a zero exit code that was not a timeout.
func (r *Result) Succeeded() bool {
	return r != nil && r.ExitCode == 0 && !r.TimedOut
}

// CommandError is returned when a command exits non-zero and failure was
// not allowed.
type CommandError struct {
	Host    string
	Command string
	Result  *Result
}

func (e *CommandError) Error() string {
	detail := strings.TrimSpace(e.Result.Stderr)
	if detail == "" {
		detail = strings.TrimSpace(e.Result.Stdout)
	}
	if detail == "" {
		return fmt.Sprintf("%s: %q exited with code %d", e.Host, e.Command, e.Result.ExitCode)
	}
	return fmt.Sprintf("%s: %q exited with code %d: %s", e.Host, e.Command, e.Result.ExitCode, detail)
}

// AuthError is returned when no offered credential was accepted.
type AuthError struct {
	Host string
	User string
	Err  error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed for %s@%s: %v", e.User, e.Host, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// IsAuthError reports whether err is (or wraps) an *AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// Check applies the RunOptions failure policy to a finished Result.
func Check(host string, args []string, res *Result, opts RunOptions) error {
	if res == nil || res.TimedOut || res.ExitCode == 0 || opts.AllowFailure {
		return nil
	}
	return &CommandError{Host: host, Command: ShellJoin(args), Result: res}
}

// AsyncTask is a command started by RunAsync.
type AsyncTask struct {
	done   chan struct{}
	result *Result
	err    error
}

// Wait blocks until the task finishes.
func (t *AsyncTask) Wait() (*Result, error) {
	<-t.done
	return t.result, t.err
}

// Done is closed once the task has finished.
func (t *AsyncTask) Done() <-chan struct{} {
	return t.done
}

// StartAsync runs fn in a goroutine tracked by wg.
func StartAsync(wg *sync.WaitGroup, fn func() (*Result, error)) *AsyncTask {
	task := &AsyncTask{done: make(chan struct{})}
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(task.done)
		task.result, task.err = fn()
	}()
	return task
}

// FailedTask returns an already finished task carrying err.
func FailedTask(err error) *AsyncTask {
	task := &AsyncTask{done: make(chan struct{}), err: err}
	close(task.done)
	return task
}

// ShellQuote quotes s for a POSIX shell.
func ShellQuote(s string) string {
	return shellescape.Quote(s)
}

// ShellJoin renders args as a single shell command line.
func ShellJoin(args []string) string {
	return shellescape.QuoteCommand(args)
}

// commandLine prepends the env and sudo wrappers to args.
func commandLine(args []string, env []string, sudo bool, sudoPassword string) []string {
	argv := args
	if len(env) > 0 {
		argv = append(append([]string{"env"}, env...), args...)
	}
	if sudo {
		prefix := []string{"sudo", "-n"}
		if sudoPassword != "" {
			prefix = []string{"sudo", "-S", "-p", ""}
		}
		argv = append(prefix, argv...)
	}
	return argv
}

// sudoStdin feeds the sudo password when one is needed.
func sudoStdin(sudo bool, sudoPassword string) io.Reader {
	if !sudo || sudoPassword == "" {
		return nil
	}
	return strings.NewReader(sudoPassword + "\n")
}
