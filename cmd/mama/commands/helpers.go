package commands

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jholhewres/mama/pkg/mama/config"
	"github.com/jholhewres/mama/pkg/mama/daemon"
)

// loadConfig reads the config honoring the --config flag. A missing file
// yields defaults, so every command works before `mama init`.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	return config.Load(path)
}

// configPath resolves the effective config file path for commands that
// write it.
func configPath(cmd *cobra.Command) string {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return path
}

// newLogger builds the CLI logger at the given level. A terminal gets
// human-readable text; a redirected stdout (daemon mode appends to the
// log file) gets JSON lines. Both are wrapped in token redaction.
func newLogger(level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if term.IsTerminal(int(os.Stdout.Fd())) {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(daemon.NewSanitizingHandler(handler))
}

// logLevel maps the config level string and the --verbose flag to a slog
// level. Verbose always wins.
func logLevel(cfg *config.Config, verbose bool) slog.Level {
	if verbose {
		return slog.LevelDebug
	}
	switch cfg.Logging.Effective().Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// verboseFlag reads the global --verbose flag.
func verboseFlag(cmd *cobra.Command) bool {
	v, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	return v
}
