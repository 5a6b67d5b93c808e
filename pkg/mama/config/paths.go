// Package config defines MAMA's configuration schema, file loading, and
// the ~/.mama state directory layout.
package config

import (
	"os"
	"path/filepath"
	"strings"
)

// StateDirName is the per-user state directory under $HOME.
const StateDirName = ".mama"

// StateDir returns the absolute path of the state directory (~/.mama).
// Falls back to the current directory when the home dir cannot be resolved.
func StateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return StateDirName
	}
	return filepath.Join(home, StateDirName)
}

// DefaultConfigPath returns ~/.mama/config.yaml.
func DefaultConfigPath() string {
	return filepath.Join(StateDir(), "config.yaml")
}

// DefaultLogPath returns ~/.mama/logs/mama.log.
func DefaultLogPath() string {
	return filepath.Join(StateDir(), "logs", "mama.log")
}

// DefaultMemoryDir returns ~/.mama/memory, the home of daily markdown logs.
func DefaultMemoryDir() string {
	return filepath.Join(StateDir(), "memory")
}

// DefaultWorkspaceDir returns ~/.mama/workspace, the agent's scratch area.
func DefaultWorkspaceDir() string {
	return filepath.Join(StateDir(), "workspace")
}

// DefaultScheduleDBPath returns ~/.mama/schedules.db.
func DefaultScheduleDBPath() string {
	return filepath.Join(StateDir(), "schedules.db")
}

// DefaultMemoryDBPath returns ~/.mama/memory.db, overridable via MAMA_DB_PATH.
func DefaultMemoryDBPath() string {
	if p := os.Getenv("MAMA_DB_PATH"); p != "" {
		return ExpandHome(p)
	}
	return filepath.Join(StateDir(), "memory.db")
}

// PIDFilePath returns ~/.mama/mama.pid.
func PIDFilePath() string {
	return filepath.Join(StateDir(), "mama.pid")
}

// EnsureStateDirs creates the state directory tree. Idempotent.
func EnsureStateDirs() error {
	dirs := []string{
		StateDir(),
		filepath.Join(StateDir(), "logs"),
		DefaultMemoryDir(),
		DefaultWorkspaceDir(),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// ExpandHome expands a leading ~/ to the user's home directory.
// Paths without the prefix are returned unchanged.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~/") && path != "~" {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	return filepath.Join(home, path[2:])
}
