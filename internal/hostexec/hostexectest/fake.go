// Package hostexectest provides a scripted hostexec.Executor for tests.
package hostexectest

import (
	"context"
	"os"
	"strings"
	"sync"

	"evalgo.org/labctl/internal/hostexec"
)

// Call is one recorded Run invocation.
type Call struct {
	Args []string
	Opts hostexec.RunOptions
}

// Line renders the call as a shell command line.
func (c Call) Line() string {
	return hostexec.ShellJoin(c.Args)
}

// Copy is one recorded CopyFile invocation.
type Copy struct {
	LocalPath  string
	RemotePath string
	Elevate    bool

	// Content is the local file as it was at copy time, nil if unreadable
	Content []byte
}

type script struct {
	prefix  string
	results []hostexec.Result
	next    int
}

// Fake records every command and answers with scripted results. Commands
// with no matching script succeed with empty output.
type Fake struct {
	HostName string
	Local    bool

	// Paths answers LookPath. Missing names are reported as not found.
	Paths map[string]string

	// CopyErr is returned by CopyFile when set.
	CopyErr error

	mu      sync.Mutex
	scripts []*script
	calls   []Call
	copies  []Copy
	closed  bool
	onRun   func(Call)
}

var _ hostexec.Executor = (*Fake)(nil)

// New returns a Fake for host.
func New(host string) *Fake {
	return &Fake{HostName: host, Paths: map[string]string{"docker": "/usr/bin/docker"}}
}

// On scripts the results for commands whose joined command line starts with
// prefix. Results are returned in order and the last one repeats. The
// longest matching prefix wins; on a tie the latest registration wins.
func (f *Fake) On(prefix string, results ...hostexec.Result) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts = append(f.scripts, &script{prefix: prefix, results: results})
	return f
}

// OnRun registers a hook invoked for every Run, before the result is chosen.
func (f *Fake) OnRun(fn func(Call)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onRun = fn
}

// Calls returns a copy of the recorded calls.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Lines returns the recorded calls as command lines.
func (f *Fake) Lines() []string {
	calls := f.Calls()
	lines := make([]string, len(calls))
	for i, c := range calls {
		lines[i] = c.Line()
	}
	return lines
}

// Count returns how many recorded calls start with prefix.
func (f *Fake) Count(prefix string) int {
	n := 0
	for _, line := range f.Lines() {
		if strings.HasPrefix(line, prefix) {
			n++
		}
	}
	return n
}

// Copies returns the recorded CopyFile calls.
func (f *Fake) Copies() []Copy {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Copy(nil), f.copies...)
}

// Closed reports whether Close was called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *Fake) Host() string  { return f.HostName }
func (f *Fake) IsLocal() bool { return f.Local }

func (f *Fake) Run(_ context.Context, args []string, opts hostexec.RunOptions) (*hostexec.Result, error) {
	call := Call{Args: append([]string(nil), args...), Opts: opts}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, hostexec.ErrClosed
	}
	f.calls = append(f.calls, call)
	hook := f.onRun
	f.mu.Unlock()

	if hook != nil {
		hook(call)
	}

	f.mu.Lock()
	res := f.resultFor(call.Line())
	f.mu.Unlock()

	return &res, hostexec.Check(f.HostName, args, &res, opts)
}

func (f *Fake) resultFor(line string) hostexec.Result {
	var best *script
	for _, s := range f.scripts {
		if strings.HasPrefix(line, s.prefix) && (best == nil || len(s.prefix) >= len(best.prefix)) {
			best = s
		}
	}
	if best == nil || len(best.results) == 0 {
		return hostexec.Result{}
	}
	res := best.results[best.next]
	if best.next < len(best.results)-1 {
		best.next++
	}
	return res
}

func (f *Fake) RunAsync(ctx context.Context, args []string, opts hostexec.RunOptions) *hostexec.AsyncTask {
	var wg sync.WaitGroup
	return hostexec.StartAsync(&wg, func() (*hostexec.Result, error) {
		return f.Run(ctx, args, opts)
	})
}

func (f *Fake) CopyFile(_ context.Context, localPath, remotePath string, elevate bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return hostexec.ErrClosed
	}
	content, _ := os.ReadFile(localPath) //nolint:gosec // test helper
	f.copies = append(f.copies, Copy{LocalPath: localPath, RemotePath: remotePath, Elevate: elevate, Content: content})
	return f.CopyErr
}

func (f *Fake) LookPath(_ context.Context, name string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.Paths[name]
	return p, ok
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Out is a successful result with stdout.
func Out(stdout string) hostexec.Result {
	return hostexec.Result{Stdout: stdout}
}

// Fail is a failed result with the given exit code and stderr.
func Fail(code int, stderr string) hostexec.Result {
	return hostexec.Result{ExitCode: code, Stderr: stderr}
}
