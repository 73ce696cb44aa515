package commands

import (
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"evalgo.org/labctl/internal/labconfig"
	"evalgo.org/labctl/models"
)

var validateCmd = &cobra.Command{
	Use:   "validate lab_config_path [targets...]",
	Short: "Validate a lab file and list the hosts it selects",
	Long: `Validate a lab file without contacting any host. Every host is
resolved with its cluster and lab defaults and checked; the selected hosts
are then listed.

Examples:
  labctl validate lab.yaml
  labctl validate lab.yaml cluster-a`,
	Args: cobra.MinimumNArgs(1),
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	_, hosts, err := selectHosts(args[0], args[1:], labconfig.Overrides{})
	if err != nil {
		fmt.Fprintln(cmd.OutOrStdout(), "✗ Validation failed:")
		fmt.Fprintf(cmd.OutOrStdout(), "  - %v\n", err)
		return fmt.Errorf("validation failed")
	}

	fmt.Fprintf(cmd.OutOrStdout(), "✓ Lab file is valid (%d hosts selected)\n", len(hosts))
	renderHosts(cmd.OutOrStdout(), hosts)
	return nil
}

func renderHosts(w io.Writer, hosts []models.HostConfig) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Host", "Cluster", "Image", "Mode", "Auto Update"})
	table.SetAutoWrapText(false)
	for _, h := range hosts {
		mode := "worker"
		if h.Standalone() {
			mode = "standalone"
			if h.Port > 0 {
				mode += " :" + strconv.Itoa(h.Port)
			}
		}
		table.Append([]string{h.Hostname, h.ClusterName, h.Image, mode, strconv.FormatBool(h.AutoUpdate)})
	}
	table.Render()
}
