package hostexec

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShellQuote(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "''"},
		{"docker", "docker"},
		{"type=bind,src=/a,dst=/b", "type=bind,src=/a,dst=/b"},
		{"c 189:* rmw", "'c 189:* rmw'"},
		{"it's", `'it'"'"'s'`},
		{"{{.State.Running}}", "'{{.State.Running}}'"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ShellQuote(tt.in))
		})
	}
}

func TestShellJoin(t *testing.T) {
	got := ShellJoin([]string{"docker", "inspect", "n1", "--format", "{{.State.Pid}}"})
	assert.Equal(t, "docker inspect n1 --format '{{.State.Pid}}'", got)
}

func TestCommandLine(t *testing.T) {
	assert.Equal(t, []string{"id", "-u"}, commandLine([]string{"id", "-u"}, nil, false, ""))
	assert.Equal(t,
		[]string{"sudo", "-n", "env", "A=1", "id"},
		commandLine([]string{"id"}, []string{"A=1"}, true, ""))
	assert.Equal(t,
		[]string{"sudo", "-S", "-p", "", "id"},
		commandLine([]string{"id"}, nil, true, "secret"))

	assert.Nil(t, sudoStdin(false, "secret"))
	assert.Nil(t, sudoStdin(true, ""))
	assert.NotNil(t, sudoStdin(true, "secret"))
}

func TestCheck(t *testing.T) {
	args := []string{"false"}

	assert.NoError(t, Check("h", args, &Result{ExitCode: 0}, RunOptions{}))
	assert.NoError(t, Check("h", args, &Result{ExitCode: 1}, RunOptions{AllowFailure: true}))
	assert.NoError(t, Check("h", args, &Result{ExitCode: TimeoutExitCode, TimedOut: true}, RunOptions{}))

	err := Check("h", args, &Result{ExitCode: 2, Stderr: "boom\n"}, RunOptions{})
	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, 2, cmdErr.Result.ExitCode)
	assert.Contains(t, err.Error(), "boom")
}

func TestAuthError(t *testing.T) {
	inner := errors.New("no supported methods remain")
	err := error(&AuthError{Host: "h", User: "u", Err: inner})
	assert.True(t, IsAuthError(err))
	assert.True(t, IsAuthError(errors.Join(errors.New("dial"), err)))
	assert.ErrorIs(t, err, inner)
	assert.False(t, IsAuthError(errors.New("other")))
}

func TestLocalRun(t *testing.T) {
	l := NewLocal("localhost", "")
	defer l.Close()
	ctx := context.Background()

	res, err := l.Run(ctx, []string{"sh", "-c", "echo out; echo err >&2"}, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
	assert.True(t, res.Succeeded())

	res, err = l.Run(ctx, []string{"sh", "-c", "exit 3"}, RunOptions{AllowFailure: true})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)

	_, err = l.Run(ctx, []string{"sh", "-c", "exit 3"}, RunOptions{})
	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, 3, cmdErr.Result.ExitCode)

	res, err = l.Run(ctx, []string{"sh", "-c", "echo $LABCTL_T"}, RunOptions{Env: []string{"LABCTL_T=v"}})
	require.NoError(t, err)
	assert.Equal(t, "v\n", res.Stdout)
}

func TestLocalRunTimeout(t *testing.T) {
	l := NewLocal("localhost", "")
	defer l.Close()

	res, err := l.Run(context.Background(), []string{"sleep", "5"}, RunOptions{Timeout: 50 * time.Millisecond})
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Equal(t, TimeoutExitCode, res.ExitCode)
	assert.False(t, res.Succeeded())
}

func TestLocalRunTimeoutKillsChildren(t *testing.T) {
	l := NewLocal("localhost", "")
	defer l.Close()

	start := time.Now()
	res, err := l.Run(context.Background(), []string{"sh", "-c", "sleep 5; true"}, RunOptions{Timeout: 50 * time.Millisecond})
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Equal(t, TimeoutExitCode, res.ExitCode)
	assert.Less(t, time.Since(start), 3*time.Second, "children of a timed out command must not keep Run waiting")
}

func TestLocalRunMissingBinary(t *testing.T) {
	l := NewLocal("localhost", "")
	defer l.Close()

	res, err := l.Run(context.Background(), []string{"labctl-no-such-binary"}, RunOptions{AllowFailure: true})
	require.NoError(t, err)
	assert.Equal(t, NotFoundExitCode, res.ExitCode)
}

func TestLocalRunAsync(t *testing.T) {
	l := NewLocal("localhost", "")

	task := l.RunAsync(context.Background(), []string{"sh", "-c", "echo done"}, RunOptions{})
	res, err := task.Wait()
	require.NoError(t, err)
	assert.Equal(t, "done\n", res.Stdout)

	select {
	case <-task.Done():
	default:
		t.Fatal("task not marked done")
	}
	require.NoError(t, l.Close())
}

func TestLocalClosed(t *testing.T) {
	l := NewLocal("localhost", "")
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	_, err := l.Run(context.Background(), []string{"true"}, RunOptions{})
	assert.ErrorIs(t, err, ErrClosed)

	_, err = l.RunAsync(context.Background(), []string{"true"}, RunOptions{}).Wait()
	assert.ErrorIs(t, err, ErrClosed)

	assert.ErrorIs(t, l.CopyFile(context.Background(), "a", "b", false), ErrClosed)
}

func TestLocalCopyFile(t *testing.T) {
	l := NewLocal("localhost", "")
	defer l.Close()
	ctx := context.Background()

	dir := t.TempDir()
	src := filepath.Join(dir, "key.json")
	require.NoError(t, os.WriteFile(src, []byte(`{"k":1}`), 0o600))

	dst := filepath.Join(dir, "nested", "copy.json")
	require.NoError(t, l.CopyFile(ctx, src, dst, false))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, `{"k":1}`, string(data))

	info, err := os.Stat(dst)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	// same path is a no-op
	require.NoError(t, l.CopyFile(ctx, src, src, false))

	assert.Error(t, l.CopyFile(ctx, dir, filepath.Join(dir, "x"), false))
	assert.Error(t, l.CopyFile(ctx, filepath.Join(dir, "missing"), dst, false))
}

func TestLocalLookPath(t *testing.T) {
	l := NewLocal("localhost", "")
	defer l.Close()
	ctx := context.Background()

	path, ok := l.LookPath(ctx, "sh")
	assert.True(t, ok)
	assert.NotEmpty(t, path)

	_, ok = l.LookPath(ctx, "labctl-no-such-binary")
	assert.False(t, ok)
	assert.Len(t, l.lookups, 2)

	again, ok := l.LookPath(ctx, "sh")
	assert.True(t, ok)
	assert.Equal(t, path, again)
}
