package commands

import (
	"fmt"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/blipee/pulse/pulse/jobs"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the job store database",
	Long: `db - Manage the job store database

Examples:
  pulse db migrate    # Apply pending schema migrations
  pulse db stats      # Job counts per status, instances, log volume`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		// opening the stack migrates
		st, err := loadStack(commandContext(cmd))
		if err != nil {
			return err
		}
		defer st.Close()
		fmt.Fprintf(cmd.OutOrStdout(), "Database is up to date (%s)\n", st.dialect)
		return nil
	},
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show job store statistics",
	RunE:  runDbStats,
}

func init() {
	DbCmd.AddCommand(dbMigrateCmd, dbStatsCmd)
}

func runDbStats(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	st, err := loadStack(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	stats, err := st.jobs.Stats(ctx)
	if err != nil {
		return err
	}
	live, err := st.registry.ListInstances(ctx, true)
	if err != nil {
		return err
	}

	var logCount int64
	if err := st.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM execution_logs`).Scan(&logCount); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Job Store Statistics (%s)\n\n", st.dialect)

	rows := pterm.TableData{}
	for _, status := range jobs.Statuses {
		rows = append(rows, []string{string(status) + ":", strconv.Itoa(stats[status])})
	}
	rows = append(rows,
		[]string{"total:", strconv.Itoa(stats.Total())},
		[]string{"live instances:", strconv.Itoa(len(live))},
		[]string{"execution log entries:", strconv.FormatInt(logCount, 10)},
	)
	return renderTable(out, false, rows)
}
