package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"evalgo.org/labctl/internal/daemon"
	"evalgo.org/labctl/internal/labconfig"
	"evalgo.org/labctl/internal/secrets"
	"evalgo.org/labctl/models"
)

var daemonFlags struct {
	host        string
	overrides   labconfig.Overrides
	forceUpdate bool
}

var daemonCmd = &cobra.Command{
	Use:   "daemon lab_config_path",
	Short: "Keep the local node up to date (run by systemd)",
	Long: `Run the auto-update loop for this host. Every daemon.interval the lab
file is re-read, the node image is pulled and the node restarted when it
is outdated. The service account key is refreshed from Secret Manager when
secret_project and secret_id are set.

Node flags (--name, --image_name, --tag, --port,
--service_account_json_key_path) are applied on top of the lab file at
every reload. --force_update restarts the node on the first successful
iteration even when its image is current.

Only one daemon may run per host.`,
	Args: cobra.ExactArgs(1),
	RunE: runDaemon,
}

func init() {
	fs := daemonCmd.Flags()
	fs.StringVar(&daemonFlags.host, "host", "", "hostname of this host in the lab file (default: os hostname)")
	addNodeFlags(fs, &daemonFlags.overrides)
	fs.BoolVar(&daemonFlags.forceUpdate, "force_update", false, "restart the node on the first iteration even when the image is current")
}

// daemonHostLoader re-reads the lab file on every call and applies the
// command-line overrides.
func daemonHostLoader(labPath, hostname string, overrides labconfig.Overrides) daemon.HostLoader {
	return func(context.Context) (models.HostConfig, error) {
		lab, err := labconfig.Load(labPath)
		if err != nil {
			return models.HostConfig{}, err
		}
		host, err := lab.Host(hostname)
		if err != nil {
			return models.HostConfig{}, err
		}
		if err := overrides.Apply(&host); err != nil {
			return models.HostConfig{}, fmt.Errorf("%s: %w", hostname, err)
		}
		return host, nil
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hostname := daemonFlags.host
	if hostname == "" {
		var err error
		if hostname, err = os.Hostname(); err != nil {
			return fmt.Errorf("determine hostname: %w", err)
		}
	}

	load := daemonHostLoader(args[0], hostname, daemonFlags.overrides)
	host, err := load(ctx)
	if err != nil {
		return err
	}

	var src secrets.Source
	if host.SecretProject != "" && host.SecretID != "" {
		sm, err := secrets.NewSecretManager(ctx)
		if err != nil {
			logrus.WithError(err).Warn("service account key refresh disabled")
		} else {
			defer sm.Close()
			src = sm
		}
	}

	loop := daemon.New(daemon.Options{
		Interval:    cfg.Daemon.Interval,
		LockPath:    cfg.Daemon.LockPath,
		ForceUpdate: daemonFlags.forceUpdate,
	}, load, daemon.LocalSessions(cfg.NodeOptions()), src)

	err = loop.Run(ctx)
	if errors.Is(err, daemon.ErrAlreadyRunning) {
		return fmt.Errorf("%w (is the %s unit active?)", err, cfg.Daemon.UnitName)
	}
	return err
}
