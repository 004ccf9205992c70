package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/blipee/pulse/config"
)

// ConfigCmd shows and checks the effective configuration
var ConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or validate configuration",
	Long: `Show or validate the effective configuration.

Sources, lowest precedence first: /etc/pulse/pulse.toml, ~/.pulse/pulse.toml,
pulse.toml found from the working directory upwards, PULSE_* environment
variables. --config replaces the file lookup with a single file.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadConfig()
		if err != nil {
			return err
		}
		data, err := config.Render(cfg, configFormat)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if configFormat != "json" {
			for _, f := range sourceFiles() {
				fmt.Fprintf(out, "# source: %s\n", f)
			}
		}
		_, err = out.Write(data)
		return err
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration and exit non-zero if it is invalid",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := LoadConfig(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid")
		return nil
	},
}

var configFormat string

func init() {
	configShowCmd.Flags().StringVarP(&configFormat, "format", "f", "toml", "Output format: toml, json, yaml")
	ConfigCmd.AddCommand(configShowCmd, configValidateCmd)
}

func sourceFiles() []string {
	if ConfigPath != "" {
		return []string{ConfigPath}
	}
	return config.LoadedFiles()
}
