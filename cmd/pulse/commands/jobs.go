package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/blipee/pulse/errors"
	"github.com/blipee/pulse/internal/util"
	"github.com/blipee/pulse/pulse/execlog"
	"github.com/blipee/pulse/pulse/jobs"
)

// JobsCmd groups job management commands
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Create, inspect and cancel jobs",
	Long: `Manage jobs in the store.

Job types: pattern_analysis, variant_generation, experiment_creation,
experiment_monitoring, full_optimization_cycle.

Examples:
  pulse jobs create --type pattern_analysis --config '{"org":"acme"}'
  pulse jobs create --type experiment_monitoring --schedule recurring --cron "0 9 * * 1"
  pulse jobs ls --status pending
  pulse jobs status <id>
  pulse jobs logs <id> --level warn
  pulse jobs cancel <id>`,
}

var jobsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a job",
	RunE:  runJobsCreate,
}

var jobsListCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List jobs, newest first",
	RunE:    runJobsList,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status ID",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel ID",
	Short: "Cancel a pending or running job",
	Long: `Cancel a job. A running handler is interrupted by its instance on the
next cancellation check and its outcome is discarded.
Cancelling a recurring job ends the series.`,
	Args: cobra.ExactArgs(1),
	RunE: runJobsCancel,
}

var jobsRemoveCmd = &cobra.Command{
	Use:   "rm ID",
	Short: "Delete a job that is not running, with its execution logs",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsRemove,
}

var jobsLogsCmd = &cobra.Command{
	Use:   "logs ID",
	Short: "Show a job's execution log",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsLogs,
}

var (
	createType       string
	createName       string
	createSchedule   string
	createCron       string
	createConfig     string
	createMaxRetries int
	createRunAt      string
	createBy         string

	listStatus   string
	listType     string
	listSchedule string
	listLimit    int
	listOffset   int

	logsLevel string

	jobsJSON bool
)

func init() {
	jobsCreateCmd.Flags().StringVarP(&createType, "type", "t", "", "Job type (required)")
	jobsCreateCmd.Flags().StringVarP(&createName, "name", "n", "", "Display name (default: job type)")
	jobsCreateCmd.Flags().StringVarP(&createSchedule, "schedule", "s", string(jobs.ScheduleOnce), "Schedule type: once, recurring, manual")
	jobsCreateCmd.Flags().StringVar(&createCron, "cron", "", "Cron expression (recurring only)")
	jobsCreateCmd.Flags().StringVarP(&createConfig, "config", "c", "", "Handler config as JSON")
	jobsCreateCmd.Flags().IntVar(&createMaxRetries, "max-retries", -1, "Retries after the first failure (default from config)")
	jobsCreateCmd.Flags().StringVar(&createRunAt, "run-at", "", "First run time, RFC 3339 (default: now, or next cron occurrence)")
	jobsCreateCmd.Flags().StringVar(&createBy, "created-by", "cli", "Recorded creator")
	_ = jobsCreateCmd.MarkFlagRequired("type")

	jobsListCmd.Flags().StringVar(&listStatus, "status", "", "Filter by status")
	jobsListCmd.Flags().StringVar(&listType, "type", "", "Filter by job type")
	jobsListCmd.Flags().StringVar(&listSchedule, "schedule", "", "Filter by schedule type")
	jobsListCmd.Flags().IntVar(&listLimit, "limit", jobs.DefaultListLimit, "Maximum number of jobs")
	jobsListCmd.Flags().IntVar(&listOffset, "offset", 0, "Skip this many jobs")

	jobsLogsCmd.Flags().StringVar(&logsLevel, "level", "", "Minimum level: debug, info, warn, error")

	JobsCmd.PersistentFlags().BoolVar(&jobsJSON, "json", false, "Output as JSON")

	JobsCmd.AddCommand(jobsCreateCmd, jobsListCmd, jobsStatusCmd, jobsCancelCmd, jobsRemoveCmd, jobsLogsCmd)
}

// buildCreateRequest turns the create flags into a store request
func buildCreateRequest() (jobs.CreateRequest, error) {
	req := jobs.CreateRequest{
		JobType:        jobs.JobType(createType),
		Name:           createName,
		ScheduleType:   jobs.ScheduleType(createSchedule),
		CronExpression: createCron,
		CreatedBy:      createBy,
	}
	if createConfig != "" {
		req.Config = json.RawMessage(createConfig)
	}
	if createMaxRetries >= 0 {
		req.MaxRetries = util.Ptr(createMaxRetries)
	}
	if createRunAt != "" {
		at, err := time.Parse(time.RFC3339, createRunAt)
		if err != nil {
			return req, errors.NewValidationError("--run-at must be RFC 3339 (e.g. 2026-10-19T09:00:00Z): %v", err)
		}
		req.NextRunAt = &at
	}
	return req, nil
}

func runJobsCreate(cmd *cobra.Command, args []string) error {
	req, err := buildCreateRequest()
	if err != nil {
		return err
	}

	ctx := commandContext(cmd)
	st, err := loadStack(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	job, err := st.jobs.CreateJob(ctx, req)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jobsJSON {
		return writeJSON(out, job)
	}
	fmt.Fprintf(out, "Created job %s\n", job.ID)
	printJob(out, job, nil)
	return nil
}

func runJobsList(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	st, err := loadStack(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	list, err := st.jobs.ListJobs(ctx, jobs.Filter{
		Status:       jobs.Status(listStatus),
		JobType:      jobs.JobType(listType),
		ScheduleType: jobs.ScheduleType(listSchedule),
		Limit:        listLimit,
		Offset:       listOffset,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jobsJSON {
		if list == nil {
			list = []*jobs.Job{}
		}
		return writeJSON(out, list)
	}
	if len(list) == 0 {
		fmt.Fprintln(out, "No jobs found")
		return nil
	}
	return printJobTable(out, list)
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	st, err := loadStack(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	job, err := st.jobs.GetJob(ctx, args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jobsJSON {
		return writeJSON(out, job)
	}
	return printJob(out, job, st.upcoming(job))
}

func runJobsCancel(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	st, err := loadStack(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	job, err := st.jobs.CancelJob(ctx, args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jobsJSON {
		return writeJSON(out, job)
	}
	fmt.Fprintf(out, "Cancelled job %s\n", job.ID)
	return nil
}

func runJobsRemove(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	st, err := loadStack(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.jobs.DeleteJob(ctx, args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted job %s\n", args[0])
	return nil
}

func runJobsLogs(cmd *cobra.Command, args []string) error {
	minLevel := execlog.Level(logsLevel)
	if logsLevel != "" && !minLevel.IsValid() {
		return errors.NewValidationError("unknown log level %q", logsLevel)
	}

	ctx := commandContext(cmd)
	st, err := loadStack(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	if _, err := st.jobs.GetJob(ctx, args[0]); err != nil {
		return err
	}
	entries, err := st.logs.GetLogs(ctx, args[0], minLevel)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jobsJSON {
		if entries == nil {
			entries = []execlog.Entry{}
		}
		return writeJSON(out, entries)
	}
	if len(entries) == 0 {
		fmt.Fprintln(out, "No log entries")
		return nil
	}
	for _, e := range entries {
		line := fmt.Sprintf("%s  %-5s  %s", e.LoggedAt.Local().Format("2006-01-02 15:04:05.000"), strings.ToUpper(string(e.Level)), e.Message)
		if len(e.Details) > 0 {
			line += "  " + string(e.Details)
		}
		fmt.Fprintln(out, line)
	}
	return nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printJobTable(w io.Writer, list []*jobs.Job) error {
	rows := pterm.TableData{{"ID", "TYPE", "SCHEDULE", "STATUS", "RETRIES", "NEXT RUN", "NAME"}}
	for _, j := range list {
		rows = append(rows, []string{
			j.ID,
			string(j.JobType),
			string(j.ScheduleType),
			string(j.Status),
			fmt.Sprintf("%d/%d", j.RetryCount, j.MaxRetries),
			formatTime(j.NextRunAt),
			j.Name,
		})
	}
	return renderTable(w, true, rows)
}

// upcomingRuns is how many future occurrences status shows for a recurring job
const upcomingRuns = 3

func printJob(w io.Writer, j *jobs.Job, upcoming []time.Time) error {
	rows := pterm.TableData{
		{"ID:", j.ID},
		{"Name:", j.Name},
		{"Type:", string(j.JobType)},
		{"Status:", string(j.Status)},
		{"Schedule:", string(j.ScheduleType)},
	}
	if j.CronExpression != "" {
		rows = append(rows, []string{"Cron:", j.CronExpression})
	}
	rows = append(rows,
		[]string{"Next run:", formatTime(j.NextRunAt)},
		[]string{"Last run:", formatTime(j.LastRunAt)},
		[]string{"Retries:", fmt.Sprintf("%d/%d", j.RetryCount, j.MaxRetries)},
	)
	for i, t := range upcoming {
		label := ""
		if i == 0 {
			label = "Then:"
		}
		rows = append(rows, []string{label, formatTime(&t)})
	}
	if j.ClaimedBy != "" {
		rows = append(rows, []string{"Claimed by:", j.ClaimedBy})
	}
	if j.StartedAt != nil {
		rows = append(rows, []string{"Started:", formatTime(j.StartedAt)})
	}
	if j.CompletedAt != nil {
		rows = append(rows, []string{"Completed:", formatTime(j.CompletedAt)})
	}
	if j.DurationMS != nil {
		rows = append(rows, []string{"Duration:", (time.Duration(*j.DurationMS) * time.Millisecond).String()})
	}
	if j.ErrorMessage != "" {
		rows = append(rows, []string{"Error:", j.ErrorMessage})
	}
	if j.ParentJobID != "" {
		rows = append(rows, []string{"Previous run:", j.ParentJobID})
	}
	rows = append(rows, []string{"Config:", string(j.Config)})
	if len(j.Result) > 0 {
		rows = append(rows, []string{"Result:", string(j.Result)})
	}
	return renderTable(w, false, rows)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
