package commands

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/jholhewres/mama/pkg/mama/daemon"
)

// newRestartCmd creates the `mama restart` command.
func newRestartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Restart the daemon",
		Long:  "Stops the running daemon (if any) and starts a fresh one in the background.",
		RunE:  runRestart,
	}
}

func runRestart(cmd *cobra.Command, _ []string) error {
	if err := runStop(cmd, nil); err != nil && !errors.Is(err, daemon.ErrNotRunning) {
		return err
	}
	return startDetached(cmd)
}
