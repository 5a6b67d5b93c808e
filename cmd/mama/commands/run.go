package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/jholhewres/mama/pkg/mama/config"
	"github.com/jholhewres/mama/pkg/mama/daemon"
)

// newRunCmd creates the `mama run` command.
func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [prompt]",
		Short: "Run agent turns from the terminal",
		Long: `Runs the agent locally, outside the daemon. With a prompt it
answers once and exits; without one it opens an interactive session.
The terminal maps to the owner role.

Examples:
  mama run "summarize yesterday's notes"
  mama run                  # interactive session
  mama run -v "why did the deploy fail?"`,
		Args: cobra.ArbitraryArgs,
		RunE: runRun,
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := config.EnsureStateDirs(); err != nil {
		return fmt.Errorf("creating state directories: %w", err)
	}

	// Warnings only by default so the response prints clean; --verbose
	// surfaces the full turn cycle.
	level := slog.LevelWarn
	if verboseFlag(cmd) {
		level = slog.LevelDebug
	}
	logger := newLogger(level)

	config.ResolveSecrets(cfg, logger)

	d, err := daemon.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("building agent: %w", err)
	}
	defer d.Stop()

	if len(args) > 0 {
		result, err := d.RunOnce(cmd.Context(), strings.Join(args, " "))
		if err != nil {
			return err
		}
		fmt.Println(result.Response)
		return nil
	}
	return runREPL(cmd.Context(), d)
}

// runREPL drives the interactive session. Each line is one agent turn;
// the session key is stable, so the conversation keeps its context.
func runREPL(ctx context.Context, d *daemon.Daemon) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:            "mama> ",
		HistoryFile:       filepath.Join(config.StateDir(), "repl_history"),
		InterruptPrompt:   "^C",
		EOFPrompt:         "bye",
		HistorySearchFold: true,
	})
	if err != nil {
		return fmt.Errorf("initializing terminal: %w", err)
	}
	defer rl.Close()

	fmt.Println("Interactive session. Type a message, or \"exit\" to leave.")
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				return nil
			}
			continue
		}
		if err == io.EOF {
			return nil
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return nil
		}

		result, err := d.RunOnce(ctx, line)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		fmt.Println(result.Response)
		fmt.Println()
	}
}
