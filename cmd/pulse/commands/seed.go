package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/blipee/pulse/pulse/jobs"
)

// SeedCmd creates the default recurring jobs. start does the same on boot.
var SeedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Create the weekly full optimization cycle if it doesn't exist",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := commandContext(cmd)
		st, err := loadStack(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		created, err := st.jobs.EnsureSeedJob(ctx)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if !created {
			fmt.Fprintf(out, "Seed job %s already exists\n", jobs.SeedJobID)
			return nil
		}
		job, err := st.jobs.GetJob(ctx, jobs.SeedJobID)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Created seed job %s, first run %s\n", job.ID, formatTime(job.NextRunAt))
		return nil
	},
}
