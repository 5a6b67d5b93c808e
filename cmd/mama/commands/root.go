// Package commands implements the MAMA CLI commands using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command with every subcommand registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mama",
		Short: "MAMA - Autonomous Personal Agent",
		Long: `MAMA is a long-running personal AI agent. It answers on chat
gateways (Discord, Telegram, Slack), runs scheduled prompts, and keeps
persistent memory across conversations.

Examples:
  mama setup
  mama start
  mama run "what's on my plate today?"
  mama status`,
		Version: version,
	}

	rootCmd.AddCommand(
		newInitCmd(),
		newSetupCmd(),
		newStartCmd(),
		newStopCmd(),
		newRestartCmd(),
		newStatusCmd(),
		newRunCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}
