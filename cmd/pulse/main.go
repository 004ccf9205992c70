package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"

	"github.com/blipee/pulse/cmd/pulse/commands"
	"github.com/blipee/pulse/errors"
	"github.com/blipee/pulse/logger"
)

var rootCmd = &cobra.Command{
	Use:   "pulse",
	Short: "Pulse - background job orchestrator",
	Long: `Pulse - background job orchestrator for the optimization pipeline.

Pulse persists jobs in SQLite or PostgreSQL, claims due jobs atomically across
instances, runs them through registered handlers, retries failures and
reschedules recurring jobs from their cron expression.

Available commands:
  start      - Run an orchestrator instance
  jobs       - Create, inspect and cancel jobs
  instances  - Inspect registered instances
  seed       - Create the default recurring jobs
  db         - Manage the job store database
  config     - Show or validate configuration
  version    - Show version information

Examples:
  pulse start                         # Run with pulse.toml settings
  pulse jobs create --type pattern_analysis
  pulse jobs ls --status running
  pulse instances ls --live
  pulse config show --format yaml`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Configuration problems are reported by the command itself; the logger
		// falls back to info in that case
		lvl := zapcore.InfoLevel
		jsonOutput := false
		if cfg, err := commands.LoadConfig(); err == nil {
			if parsed, err := logger.ParseLevel(cfg.Log.Level); err == nil {
				lvl = parsed
			}
			jsonOutput = cfg.Log.JSON
		}

		verbosity, _ := cmd.Flags().GetCount("verbose")
		if err := logger.Initialize(jsonOutput, logger.VerbosityToLevel(verbosity, lvl)); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase verbosity (-v info, -vv debug)")
	rootCmd.PersistentFlags().StringVar(&commands.ConfigPath, "config", "", "Config file (default: pulse.toml lookup)")

	rootCmd.AddCommand(commands.StartCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.InstancesCmd)
	rootCmd.AddCommand(commands.SeedCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.ConfigCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	err := rootCmd.Execute()
	logger.Cleanup()
	if err != nil {
		for _, hint := range errors.GetAllHints(err) {
			fmt.Fprintf(os.Stderr, "hint: %s\n", hint)
		}
		os.Exit(1)
	}
}
