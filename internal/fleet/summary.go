package fleet

import (
	"fmt"
	"io"
	"strings"

	"github.com/olekukonko/tablewriter"

	"evalgo.org/labctl/models"
)

// RunError reports the hosts that failed or never finished.
type RunError struct {
	Failed     []HostOutcome
	Unfinished []HostOutcome
}

func (e *RunError) Error() string {
	var parts []string
	if len(e.Failed) > 0 {
		hosts := make([]string, len(e.Failed))
		for i, o := range e.Failed {
			hosts[i] = o.Host
		}
		parts = append(parts, fmt.Sprintf("%d failed (%s)", len(e.Failed), strings.Join(hosts, ", ")))
	}
	if len(e.Unfinished) > 0 {
		hosts := make([]string, len(e.Unfinished))
		for i, o := range e.Unfinished {
			hosts[i] = o.Host
		}
		parts = append(parts, fmt.Sprintf("%d unfinished (%s)", len(e.Unfinished), strings.Join(hosts, ", ")))
	}
	return "fleet run: " + strings.Join(parts, ", ")
}

func summarize(rows []HostOutcome) error {
	runErr := &RunError{}
	for _, row := range rows {
		switch row.State {
		case models.StateCompleted:
		case models.StateError:
			runErr.Failed = append(runErr.Failed, row)
		default:
			runErr.Unfinished = append(runErr.Unfinished, row)
		}
	}
	if len(runErr.Failed) == 0 && len(runErr.Unfinished) == 0 {
		return nil
	}
	return runErr
}

// RenderRoster prints one row per host.
func RenderRoster(w io.Writer, rows []HostOutcome) error {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Host", "Cluster", "State", "Error"})
	table.SetAutoWrapText(false)

	for _, row := range rows {
		msg := ""
		if row.Err != nil {
			msg = firstLine(row.Err.Error())
		}
		table.Append([]string{row.Host, row.Cluster, row.State.String(), msg})
	}

	table.SetBorders(tablewriter.Border{Left: true, Top: false, Right: true, Bottom: false})
	table.SetCenterSeparator("|")
	table.Render()
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
