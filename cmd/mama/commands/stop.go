package commands

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/mama/pkg/mama/config"
	"github.com/jholhewres/mama/pkg/mama/daemon"
)

// stopTimeout is how long `mama stop` waits for a graceful exit before
// escalating to SIGKILL.
const stopTimeout = 15 * time.Second

// newStopCmd creates the `mama stop` command.
func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running daemon",
		RunE:  runStop,
	}
}

func runStop(_ *cobra.Command, _ []string) error {
	pidPath := config.PIDFilePath()
	pid, err := daemon.ReadPIDFile(pidPath)
	if err != nil {
		if os.IsNotExist(err) {
			return daemon.ErrNotRunning
		}
		return err
	}

	if err := daemon.StopProcess(pid, stopTimeout); err != nil {
		if errors.Is(err, daemon.ErrNotRunning) {
			// Stale PID file from a crash; clean it up.
			_ = daemon.RemovePIDFile(pidPath)
			return daemon.ErrNotRunning
		}
		return err
	}

	_ = daemon.RemovePIDFile(pidPath)
	fmt.Printf("MAMA stopped (pid %d).\n", pid)
	return nil
}
