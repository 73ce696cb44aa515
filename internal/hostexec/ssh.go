package hostexec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/user"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/go-homedir"
	"github.com/pkg/sftp"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"evalgo.org/labctl/internal/logging"
)

// SSHOptions describes how to reach and authenticate to a remote host.
type SSHOptions struct {
	// Host is the hostname or address
	Host string

	// Port defaults to 22
	Port int

	// User defaults to the current local user
	User string

	// Password enables password and keyboard-interactive authentication
	Password string

	// KeyPath enables public key authentication with the given private key
	KeyPath string

	// SudoPassword is fed to sudo for elevated commands
	SudoPassword string

	// ConnectTimeout bounds TCP connect plus handshake (default 10s)
	ConnectTimeout time.Duration

	// KnownHostsPath enables host key verification when set
	KnownHostsPath string
}

// SSH runs commands on a remote host over one SSH connection.
type SSH struct {
	host         string
	user         string
	sudoPassword string
	client       *ssh.Client
	sftp         *sftp.Client
	log          *logrus.Entry

	mu      sync.Mutex
	closed  bool
	tasks   sync.WaitGroup
	lookups map[string]lookup
}

var _ Executor = (*SSH)(nil)

// DialSSH opens an authenticated connection. When the server rejects every
// offered credential the returned error is an *AuthError.
//
// With neither Password nor KeyPath set only the "none" method is offered,
// which succeeds on hosts that allow passwordless logins.
func DialSSH(ctx context.Context, opts SSHOptions) (*SSH, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("ssh host is required")
	}
	if opts.Port == 0 {
		opts.Port = 22
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.User == "" {
		current, err := user.Current()
		if err != nil {
			return nil, fmt.Errorf("resolve current user: %w", err)
		}
		opts.User = current.Username
	}

	auth, err := authMethods(opts)
	if err != nil {
		return nil, &AuthError{Host: opts.Host, User: opts.User, Err: err}
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey() //nolint:gosec // lab hosts are commonly re-imaged
	if opts.KnownHostsPath != "" {
		knownHostsPath, err := homedir.Expand(opts.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("expand known hosts path: %w", err)
		}
		hostKeyCallback, err = knownhosts.New(knownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("load known hosts %s: %w", knownHostsPath, err)
		}
	}

	cfg := &ssh.ClientConfig{
		User:            opts.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         opts.ConnectTimeout,
	}

	addr := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	dialer := net.Dialer{Timeout: opts.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Now().Add(opts.ConnectTimeout))

	clientConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, &AuthError{Host: opts.Host, User: opts.User, Err: err}
		}
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	return &SSH{
		host:         opts.Host,
		user:         opts.User,
		sudoPassword: opts.SudoPassword,
		client:       ssh.NewClient(clientConn, chans, reqs),
		log:          logging.ForHost(opts.Host),
		lookups:      make(map[string]lookup),
	}, nil
}

func authMethods(opts SSHOptions) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if opts.KeyPath != "" {
		keyPath, err := homedir.Expand(opts.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("expand key path: %w", err)
		}
		pem, err := os.ReadFile(keyPath) //nolint:gosec // user-provided key path
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("parse private key %s: %w", keyPath, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if opts.Password != "" {
		password := opts.Password
		methods = append(methods,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}
	return methods, nil
}

func (s *SSH) Host() string  { return s.host }
func (s *SSH) IsLocal() bool { return false }

func (s *SSH) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *SSH) needsSudo(elevate bool) bool {
	return elevate && s.user != "root"
}

// Run executes args in a new SSH session.
func (s *SSH) Run(ctx context.Context, args []string, opts RunOptions) (*Result, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	sudo := s.needsSudo(opts.Elevate)
	line := ShellJoin(commandLine(args, opts.Env, sudo, s.sudoPassword))

	s.log.Debugf("run: %s", ShellJoin(args))
	res, err := s.runLine(ctx, line, sudoStdin(sudo, s.sudoPassword), opts.Timeout)
	if err != nil {
		return nil, err
	}
	if res.TimedOut {
		s.log.Warnf("command timed out after %s: %s", opts.Timeout, ShellJoin(args))
	}
	return res, Check(s.host, args, res, opts)
}

func (s *SSH) runLine(ctx context.Context, line string, stdin io.Reader, timeout time.Duration) (*Result, error) {
	session, err := s.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open session on %s: %w", s.host, err)
	}
	defer session.Close()

	stdout := newOutputSink(s.log, "stdout")
	stderr := newOutputSink(s.log, "stderr")
	session.Stdout = stdout
	session.Stderr = stderr
	if stdin != nil {
		session.Stdin = stdin
	}

	done := make(chan error, 1)
	go func() { done <- session.Run(line) }()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case err = <-done:
	case <-expired:
		_ = session.Signal(ssh.SIGKILL)
		return &Result{
			ExitCode: TimeoutExitCode,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			TimedOut: true,
		}, nil
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return nil, ctx.Err()
	}

	res := &Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *ssh.ExitError
		var missing *ssh.ExitMissingError
		switch {
		case errors.As(err, &exitErr):
			res.ExitCode = exitErr.ExitStatus()
		case errors.As(err, &missing):
			res.ExitCode = -1
		default:
			return nil, fmt.Errorf("run on %s: %w", s.host, err)
		}
	}
	return res, nil
}

// RunAsync starts args in the background.
func (s *SSH) RunAsync(ctx context.Context, args []string, opts RunOptions) *AsyncTask {
	if s.isClosed() {
		return FailedTask(ErrClosed)
	}
	return StartAsync(&s.tasks, func() (*Result, error) {
		return s.Run(ctx, args, opts)
	})
}

// sftpClient opens the SFTP subsystem on first use.
func (s *SSH) sftpClient() (*sftp.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sftp == nil {
		client, err := sftp.NewClient(s.client)
		if err != nil {
			return nil, fmt.Errorf("start sftp on %s: %w", s.host, err)
		}
		s.sftp = client
	}
	return s.sftp, nil
}

// CopyFile uploads a local file to remotePath over SFTP. Elevated copies are
// staged in /tmp first and moved into place with sudo.
func (s *SSH) CopyFile(ctx context.Context, localPath, remotePath string, elevate bool) error {
	if s.isClosed() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	info, err := os.Stat(localPath)
	if err != nil {
		return fmt.Errorf("stat %s: %w", localPath, err)
	}
	if info.IsDir() {
		return fmt.Errorf("copy %s: directories are not supported", localPath)
	}

	src, err := os.Open(localPath) //nolint:gosec // caller-provided path
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer src.Close()

	client, err := s.sftpClient()
	if err != nil {
		return err
	}

	target := remotePath
	if s.needsSudo(elevate) {
		target = "/tmp/labctl-" + uuid.NewString()
	}
	if err := client.MkdirAll(path.Dir(target)); err != nil {
		return fmt.Errorf("create %s:%s: %w", s.host, path.Dir(target), err)
	}
	dst, err := client.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("create %s:%s: %w", s.host, target, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("copy %s to %s:%s: %w", localPath, s.host, target, err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("copy %s to %s:%s: %w", localPath, s.host, target, err)
	}
	if err := client.Chmod(target, info.Mode().Perm()); err != nil {
		return fmt.Errorf("chmod %s:%s: %w", s.host, target, err)
	}
	if target == remotePath {
		return nil
	}

	if _, err := s.Run(ctx, []string{"mkdir", "-p", path.Dir(remotePath)}, RunOptions{Elevate: true}); err != nil {
		return err
	}
	_, err = s.Run(ctx, []string{"mv", target, remotePath}, RunOptions{Elevate: true})
	return err
}

// LookPath runs `command -v name` on the remote host, once per name.
func (s *SSH) LookPath(ctx context.Context, name string) (string, bool) {
	s.mu.Lock()
	if res, ok := s.lookups[name]; ok {
		s.mu.Unlock()
		return res.path, res.found
	}
	s.mu.Unlock()

	res := lookup{}
	out, err := s.runLine(ctx, "command -v "+ShellQuote(name), nil, 0)
	if err == nil && out.Succeeded() {
		res = lookup{path: strings.TrimSpace(out.Stdout), found: true}
	}

	s.mu.Lock()
	s.lookups[name] = res
	s.mu.Unlock()
	return res.path, res.found
}

// Close waits for async tasks and closes the SSH connection.
func (s *SSH) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.tasks.Wait()

	s.mu.Lock()
	ftp := s.sftp
	s.mu.Unlock()
	if ftp != nil {
		_ = ftp.Close()
	}
	return s.client.Close()
}
