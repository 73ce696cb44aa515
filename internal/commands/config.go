package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
}

var showConfigCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE:  runShowConfig,
}

var initConfigCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a labctl.yaml with the default settings",
	RunE:  runInitConfig,
}

func init() {
	configCmd.AddCommand(showConfigCmd)
	configCmd.AddCommand(initConfigCmd)
}

func runShowConfig(cmd *cobra.Command, args []string) error {
	data, err := yaml.Marshal(viper.AllSettings())
	if err != nil {
		return err
	}

	fmt.Fprint(cmd.OutOrStdout(), string(data))
	return nil
}

const defaultConfig = `# labctl configuration

fleet:
  parallel: 10
  exit_on_error: false
  poll_interval: 1s
  progress_interval: 30s

ssh:
  port: 22
  connect_timeout: 10s
  known_hosts: ""

runtime:
  binary: docker
  elevate: false
  prune_age: 24h

node:
  readiness_timeout: 2m
  readiness_interval: 2s
  kill_timeout: 30s
  stop_timeout: 60s
  graceful_timeout: 2h
  dead_check_interval: 10s
  remove_wait_timeout: 60s

daemon:
  interval: 5m
  lock_path: /var/run/labctl-daemon.lock
  unit_name: labctl.service
  binary_path: /usr/local/bin/labctl
  config_path: /etc/labctl/lab.yaml
  settings_path: /etc/labctl/labctl.yaml

logging:
  level: info
  format: text
`

func runInitConfig(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat("labctl.yaml"); err == nil {
		return errors.New("labctl.yaml already exists")
	}
	if err := os.WriteFile("labctl.yaml", []byte(defaultConfig), 0o644); err != nil { //nolint:gosec // not secret
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), "✓ Created labctl.yaml")
	return nil
}
