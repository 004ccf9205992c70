package commands

import (
	"fmt"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/blipee/pulse/pulse/registry"
)

// InstancesCmd inspects the service registry
var InstancesCmd = &cobra.Command{
	Use:   "instances",
	Short: "Inspect registered orchestrator instances",
}

var instancesListCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List instances, most recently started first",
	RunE:    runInstancesList,
}

var (
	instancesLive bool
	instancesJSON bool
)

func init() {
	instancesListCmd.Flags().BoolVar(&instancesLive, "live", false, "Only starting/running instances")
	instancesListCmd.Flags().BoolVar(&instancesJSON, "json", false, "Output as JSON")
	InstancesCmd.AddCommand(instancesListCmd)
}

func runInstancesList(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	st, err := loadStack(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	list, err := st.registry.ListInstances(ctx, instancesLive)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if instancesJSON {
		if list == nil {
			list = []*registry.Instance{}
		}
		return writeJSON(out, list)
	}
	if len(list) == 0 {
		fmt.Fprintln(out, "No instances registered")
		return nil
	}

	rows := pterm.TableData{{"INSTANCE", "STATUS", "HOST", "PID", "LAST HEARTBEAT", "COMPLETED", "FAILED", "UPTIME"}}
	for _, inst := range list {
		rows = append(rows, []string{
			inst.InstanceID,
			string(inst.Status),
			inst.Hostname,
			strconv.Itoa(inst.PID),
			formatTime(inst.LastHeartbeat),
			strconv.FormatInt(inst.JobsCompleted, 10),
			strconv.FormatInt(inst.JobsFailed, 10),
			(time.Duration(inst.UptimeMS) * time.Millisecond).Round(time.Second).String(),
		})
	}
	return renderTable(out, true, rows)
}
