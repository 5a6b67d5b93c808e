package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/mama/pkg/mama/config"
	"github.com/jholhewres/mama/pkg/mama/daemon"
)

// newStartCmd creates the `mama start` command.
func newStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the MAMA daemon",
		Long: `Starts the agent daemon: chat gateways, scheduler, heartbeat,
and the local HTTP server. Detaches into the background by default;
--foreground keeps it attached to the terminal.

Examples:
  mama start
  mama start --foreground
  mama start --config ./mama.yaml`,
		RunE: runStart,
	}

	cmd.Flags().Bool("foreground", false, "run attached to the terminal instead of detaching")
	return cmd
}

func runStart(cmd *cobra.Command, _ []string) error {
	foreground, _ := cmd.Flags().GetBool("foreground")
	if foreground {
		return runForeground(cmd)
	}
	return startDetached(cmd)
}

// startDetached re-executes the binary as a background process and
// returns once the child is off the ground.
func startDetached(cmd *cobra.Command) error {
	if err := config.EnsureStateDirs(); err != nil {
		return fmt.Errorf("creating state directories: %w", err)
	}
	if pid, err := daemon.ReadPIDFile(config.PIDFilePath()); err == nil && daemon.ProcessAlive(pid) {
		return fmt.Errorf("%w (pid %d)", daemon.ErrAlreadyRunning, pid)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logPath := cfg.Logging.Effective().File

	args := []string{"start", "--foreground"}
	if path, _ := cmd.Root().PersistentFlags().GetString("config"); path != "" {
		args = append(args, "--config", path)
	}
	if verboseFlag(cmd) {
		args = append(args, "--verbose")
	}

	pid, err := daemon.Daemonize(logPath, args...)
	if err != nil {
		return fmt.Errorf("starting daemon: %w", err)
	}

	fmt.Printf("MAMA started in the background (pid %d).\n", pid)
	fmt.Printf("Logs: %s\n", logPath)
	return nil
}

// runForeground owns the full daemon lifecycle: PID file, signal
// handling, and ordered shutdown.
func runForeground(cmd *cobra.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := config.EnsureStateDirs(); err != nil {
		return fmt.Errorf("creating state directories: %w", err)
	}

	logger := newLogger(logLevel(cfg, verboseFlag(cmd)))
	slog.SetDefault(logger)

	config.ResolveSecrets(cfg, logger)

	pidPath := config.PIDFilePath()
	if err := daemon.WritePIDFile(pidPath); err != nil {
		return err
	}
	defer func() { _ = daemon.RemovePIDFile(pidPath) }()

	d, err := daemon.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("building daemon: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := d.Start(ctx); err != nil {
		d.Stop()
		return fmt.Errorf("starting daemon: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, stopping...")

	done := make(chan struct{})
	go func() {
		d.Stop()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(30 * time.Second):
		logger.Warn("shutdown timed out after 30s, forcing exit")
	}
	return nil
}
