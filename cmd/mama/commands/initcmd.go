package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jholhewres/mama/pkg/mama/config"
)

// newInitCmd creates the `mama init` command.
func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the ~/.mama directory tree and a starter config",
		Long: `Creates the per-user state layout (config, logs, memory,
workspace) and writes a starter config.yaml with stock defaults. An
existing config is never overwritten.

Examples:
  mama init
  mama init --config ./mama.yaml`,
		RunE: runInit,
	}
}

func runInit(cmd *cobra.Command, _ []string) error {
	if err := config.EnsureStateDirs(); err != nil {
		return fmt.Errorf("creating state directories: %w", err)
	}

	path := configPath(cmd)
	if _, err := os.Stat(path); err == nil {
		fmt.Printf("Config already exists at %s, leaving it untouched.\n", path)
		return nil
	}

	if err := config.Save(config.DefaultConfig(), path); err != nil {
		return err
	}

	fmt.Printf("Created %s\n", path)
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  1. Run `mama setup` to connect a chat platform")
	fmt.Println("  2. Run `mama start` to launch the agent")
	return nil
}
