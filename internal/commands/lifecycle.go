package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"evalgo.org/labctl/internal/config"
	"evalgo.org/labctl/internal/docker"
	"evalgo.org/labctl/internal/fleet"
	"evalgo.org/labctl/internal/hostexec"
	"evalgo.org/labctl/internal/labconfig"
	"evalgo.org/labctl/internal/logging"
	"evalgo.org/labctl/internal/node"
	"evalgo.org/labctl/models"
)

// lifecycleFlags are the flags shared by start, stop, restart and update.
type lifecycleFlags struct {
	overrides   labconfig.Overrides
	parallel    int
	exitOnError bool
	wait        bool
	forceUpdate bool
}

var (
	startFlags   lifecycleFlags
	stopFlags    lifecycleFlags
	restartFlags lifecycleFlags
	updateFlags  lifecycleFlags
)

var startCmd = &cobra.Command{
	Use:   "start lab_config_path [targets...]",
	Short: "Start the lab node on the selected hosts",
	Long: `Start the lab node container on every selected host. Targets are
cluster names or hostnames from the lab file; none selects every host.

Examples:
  labctl start lab.yaml
  labctl start lab.yaml cluster-a lab-host-07 --parallel 20`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFleet(cmd, args, &startFlags, "start", func(ctx context.Context, c *node.Controller) error {
			return c.Start(ctx)
		})
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop lab_config_path [targets...]",
	Short: "Stop the lab node on the selected hosts",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFleet(cmd, args, &stopFlags, "stop", func(ctx context.Context, c *node.Controller) error {
			return c.Stop(ctx, node.StopOptions{Wait: stopFlags.wait})
		})
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart lab_config_path [targets...]",
	Short: "Restart the lab node on the selected hosts",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFleet(cmd, args, &restartFlags, "restart", func(ctx context.Context, c *node.Controller) error {
			return c.Restart(ctx, node.StopOptions{Wait: restartFlags.wait})
		})
	},
}

var updateCmd = &cobra.Command{
	Use:   "update lab_config_path [targets...]",
	Short: "Pull the node image and restart hosts running an outdated one",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFleet(cmd, args, &updateFlags, "update", func(ctx context.Context, c *node.Controller) error {
			return c.Update(ctx, node.UpdateOptions{Force: updateFlags.forceUpdate})
		})
	},
}

func init() {
	addLifecycleFlags(startCmd.Flags(), &startFlags)
	addLifecycleFlags(stopCmd.Flags(), &stopFlags)
	addLifecycleFlags(restartCmd.Flags(), &restartFlags)
	addLifecycleFlags(updateCmd.Flags(), &updateFlags)

	stopCmd.Flags().BoolVar(&stopFlags.wait, "wait", false, "let in-flight work finish before stopping")
	restartCmd.Flags().BoolVar(&restartFlags.wait, "wait", false, "let in-flight work finish before stopping")
	updateCmd.Flags().BoolVar(&updateFlags.forceUpdate, "force_update", false, "restart even when the image is current")
}

// addNodeFlags registers the node setting overrides shared with the daemon.
func addNodeFlags(fs *pflag.FlagSet, o *labconfig.Overrides) {
	fs.StringVar(&o.ContainerName, "name", "", "container name")
	fs.StringVar(&o.ImageName, "image_name", "", "full image reference")
	fs.StringVar(&o.Tag, "tag", "", "replace the image tag")
	fs.IntVar(&o.Port, "port", 0, "node service port")
	fs.StringVar(&o.ServiceAccountKeyPath, "service_account_json_key_path", "", "service account key staged into the container")
}

func addLifecycleFlags(fs *pflag.FlagSet, f *lifecycleFlags) {
	addNodeFlags(fs, &f.overrides)
	fs.StringVar(&f.overrides.LoginUser, "ssh_user", "", "SSH login user")
	fs.StringVar(&f.overrides.SSHKeyPath, "ssh_key", "", "SSH private key")
	fs.IntVar(&f.parallel, "parallel", 0, "hosts driven at once (default from fleet.parallel)")
	fs.BoolVar(&f.exitOnError, "exit_on_error", false, "stop at the first failing host (sequential runs)")
}

// fleetOptions layers explicitly set flags over the configured defaults.
func fleetOptions(fs *pflag.FlagSet, f *lifecycleFlags, base config.FleetConfig, out io.Writer) fleet.Options {
	opts := fleet.Options{
		Parallel:         base.Parallel,
		ExitOnError:      base.ExitOnError,
		PollInterval:     base.PollInterval,
		ProgressInterval: base.ProgressInterval,
		Out:              out,
	}
	if fs.Changed("parallel") {
		opts.Parallel = f.parallel
	}
	if fs.Changed("exit_on_error") {
		opts.ExitOnError = f.exitOnError
	}
	return opts
}

// selectHosts loads the lab file, resolves the targets and applies the
// command-line overrides.
func selectHosts(labPath string, targets []string, overrides labconfig.Overrides) (*labconfig.LabConfig, []models.HostConfig, error) {
	lab, err := labconfig.Load(labPath)
	if err != nil {
		return nil, nil, err
	}
	hosts, err := lab.Select(targets)
	if err != nil {
		return nil, nil, err
	}
	for i := range hosts {
		if err := overrides.Apply(&hosts[i]); err != nil {
			return nil, nil, fmt.Errorf("%s: %w", hosts[i].Hostname, err)
		}
	}
	return lab, hosts, nil
}

func runFleet(cmd *cobra.Command, args []string, f *lifecycleFlags, name string, op func(context.Context, *node.Controller) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lab, hosts, err := selectHosts(args[0], args[1:], f.overrides)
	if err != nil {
		return err
	}

	connector := fleet.NewConnector(fleet.ConnectorOptions{
		Port:           cfg.SSH.Port,
		ConnectTimeout: cfg.SSH.ConnectTimeout,
		KnownHostsPath: cfg.SSH.KnownHosts,
		Prompter:       fleet.TermPrompter{},
	})
	fleetHosts := fleet.BuildHosts(ctx, connector, hosts)

	nodeOpts := cfg.NodeOptions()
	nodeOpts.Daemon.LocalConfigPath = lab.Path()
	if nodeOpts.Daemon.Args, err = f.overrides.DaemonArgs(); err != nil {
		return err
	}
	if anyAutoUpdate(hosts) {
		dir, err := os.MkdirTemp("", "labctl-settings-")
		if err != nil {
			return fmt.Errorf("stage settings: %w", err)
		}
		defer os.RemoveAll(dir)
		if nodeOpts.Daemon.LocalSettingsPath, err = config.WriteSettings(viper.GetViper(), dir); err != nil {
			return err
		}
	}

	runner := fleet.NewRunner(fleetOptions(cmd.Flags(), f, cfg.Fleet, cmd.OutOrStdout()))
	err = runner.Run(ctx, name, fleetHosts, func(ctx context.Context, h *fleet.Host) error {
		return op(ctx, node.New(h.Config, h.Executor(), nodeOpts))
	})

	for _, h := range fleetHosts {
		if _, hostErr := h.State(); hostErr != nil {
			if advice := hint(hostErr); advice != "" {
				logging.ForHost(h.Name()).Warn(advice)
			}
		}
	}
	return err
}

func anyAutoUpdate(hosts []models.HostConfig) bool {
	for _, h := range hosts {
		if h.AutoUpdate {
			return true
		}
	}
	return false
}

// hint turns environment and credential failures into operator advice.
func hint(err error) string {
	switch {
	case hostexec.IsAuthError(err):
		return "authentication failed: pass --ssh_user/--ssh_key or set login_user and ssh_key_path in the lab file"
	case errors.Is(err, docker.ErrRuntimeMissing):
		return "container runtime missing: install it on the host or point runtime.binary at it"
	}
	return ""
}
