package fleet

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/term"

	"evalgo.org/labctl/internal/hostexec"
	"evalgo.org/labctl/internal/logging"
	"evalgo.org/labctl/models"
)

// Prompter asks the operator for a password.
type Prompter interface {
	Password(prompt string) (string, error)
}

// TermPrompter reads a password from the controlling terminal without echo.
type TermPrompter struct{}

func (TermPrompter) Password(prompt string) (string, error) {
	fd := int(os.Stdin.Fd()) //nolint:gosec // file descriptors fit in int
	if !term.IsTerminal(fd) {
		return "", errors.New("no terminal to prompt for a password")
	}
	fmt.Fprint(os.Stderr, prompt)
	password, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(password), nil
}

// Dialer opens an SSH executor.
type Dialer func(ctx context.Context, opts hostexec.SSHOptions) (hostexec.Executor, error)

// DialSSH is the production Dialer.
func DialSSH(ctx context.Context, opts hostexec.SSHOptions) (hostexec.Executor, error) {
	return hostexec.DialSSH(ctx, opts)
}

// ConnectorOptions configures a Connector.
type ConnectorOptions struct {
	Port           int
	ConnectTimeout time.Duration
	KnownHostsPath string

	// Prompter is asked for a password when nothing else works. Nil disables
	// prompting.
	Prompter Prompter

	// Dial defaults to DialSSH
	Dial Dialer
}

// Connector builds one executor per host. A password that worked once is
// remembered and offered to later hosts. Connect is not safe for concurrent
// use; hosts are built one after another.
type Connector struct {
	opts    ConnectorOptions
	isLocal func(models.HostConfig) bool

	mu       sync.Mutex
	password string
}

// NewConnector returns a connector.
func NewConnector(opts ConnectorOptions) *Connector {
	if opts.Dial == nil {
		opts.Dial = DialSSH
	}
	return &Connector{
		opts:    opts,
		isLocal: func(h models.HostConfig) bool { return h.IsLocal() },
	}
}

type attempt struct {
	name     string
	keyPath  string
	password string
	prompt   bool
}

// Connect opens an executor for cfg. Local hostnames get a local executor.
// Remote hosts try, in order: the configured key, the configured password,
// no credentials, the remembered password and finally a prompted one.
// Errors other than authentication failures end the sequence.
func (c *Connector) Connect(ctx context.Context, cfg models.HostConfig) (hostexec.Executor, error) {
	log := logging.ForHost(cfg.Hostname)
	if c.isLocal(cfg) {
		log.Debug("using local execution")
		return hostexec.NewLocal(cfg.Hostname, cfg.SudoPassword), nil
	}

	var attempts []attempt
	if cfg.SSHKeyPath != "" {
		attempts = append(attempts, attempt{name: "key", keyPath: cfg.SSHKeyPath})
	}
	if cfg.LoginPassword != "" {
		attempts = append(attempts, attempt{name: "password", password: cfg.LoginPassword})
	}
	attempts = append(attempts, attempt{name: "none"})
	if remembered := c.remembered(); remembered != "" {
		attempts = append(attempts, attempt{name: "remembered password", password: remembered})
	}
	if c.opts.Prompter != nil {
		attempts = append(attempts, attempt{name: "prompted password", prompt: true})
	}

	var lastErr error
	for _, a := range attempts {
		if a.prompt {
			user := cfg.LoginUser
			if user == "" {
				user = "current user"
			}
			password, err := c.opts.Prompter.Password(fmt.Sprintf("Password for %s@%s: ", user, cfg.Hostname))
			if err != nil {
				return nil, errors.Join(lastErr, err)
			}
			a.password = password
		}

		exec, err := c.dial(ctx, cfg, a, log)
		if err == nil {
			if a.password != "" {
				c.remember(a.password)
			}
			return exec, nil
		}
		if !hostexec.IsAuthError(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (c *Connector) dial(ctx context.Context, cfg models.HostConfig, a attempt, log *logrus.Entry) (hostexec.Executor, error) {
	sudo := cfg.SudoPassword
	if sudo == "" {
		sudo = a.password
	}
	log.Debugf("connecting with %s", a.name)
	exec, err := c.opts.Dial(ctx, hostexec.SSHOptions{
		Host:           cfg.Hostname,
		Port:           c.opts.Port,
		User:           cfg.LoginUser,
		Password:       a.password,
		KeyPath:        a.keyPath,
		SudoPassword:   sudo,
		ConnectTimeout: c.opts.ConnectTimeout,
		KnownHostsPath: c.opts.KnownHostsPath,
	})
	if err != nil {
		log.WithError(err).Debugf("%s authentication did not succeed", a.name)
		return nil, err
	}
	log.Infof("connected with %s", a.name)
	return exec, nil
}

func (c *Connector) remembered() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.password
}

func (c *Connector) remember(password string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.password = password
}

// BuildHosts opens an executor for every config, one at a time. A host
// whose executor cannot be built is marked ERROR and the rest continue.
func BuildHosts(ctx context.Context, connector *Connector, configs []models.HostConfig) []*Host {
	hosts := make([]*Host, 0, len(configs))
	for _, cfg := range configs {
		exec, err := connector.Connect(ctx, cfg)
		if err != nil {
			logging.ForHost(cfg.Hostname).WithError(err).Error("cannot connect")
			hosts = append(hosts, FailedHost(cfg, err))
			continue
		}
		hosts = append(hosts, NewHost(cfg, exec))
	}
	return hosts
}
