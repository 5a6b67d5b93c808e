package tools

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// persistentShellState tracks the working directory and extra env vars
// between Bash calls so cd carries over the way it does in a terminal.
type persistentShellState struct {
	mu  sync.Mutex
	cwd string
	env map[string]string
}

const cwdSentinel = "__MAMA_CWD="

// RegisterBashTool wires the Bash tool and widens its timeout to the
// slow ceiling. The command runs on the host as the daemon user; role
// gating decides who gets to call it at all.
func RegisterBashTool(e *Executor) {
	state := &persistentShellState{env: map[string]string{}}

	e.Register(
		MakeToolDefinition("Bash", "Execute a bash command. cd is tracked between calls, the full user environment is inherited, and output is captured. Timeout defaults to 120 seconds, max 600.", map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command": map[string]any{
					"type":        "string",
					"description": "Bash command to execute",
				},
				"working_dir": map[string]any{
					"type":        "string",
					"description": "Override working directory for this command",
				},
				"timeout_seconds": map[string]any{
					"type":        "integer",
					"description": "Timeout in seconds (default 120, max 600)",
				},
			},
			"required": []string{"command"},
		}),
		func(ctx context.Context, args map[string]any) (any, error) {
			command := strArg(args, "command")
			if command == "" {
				return nil, fmt.Errorf("command is required")
			}

			timeout := 120 * time.Second
			if t := floatArg(args, "timeout_seconds", 0); t > 0 {
				if t > 600 {
					t = 600
				}
				timeout = time.Duration(t) * time.Second
			}
			cmdCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			state.mu.Lock()
			wd := state.cwd
			extraEnv := make([]string, 0, len(state.env))
			for k, v := range state.env {
				extraEnv = append(extraEnv, k+"="+v)
			}
			state.mu.Unlock()

			if w := strArg(args, "working_dir"); w != "" {
				wd = e.resolvePath(w)
			} else if wd == "" {
				wd = e.workDir
			}

			wrapped := command
			if wd != "" {
				wrapped = fmt.Sprintf("cd %q && %s", wd, command)
			}
			// Capture pwd on exit so cd persists into the next call.
			wrapped += fmt.Sprintf(" ; __exit=$?; echo \"%s$(pwd)\"; exit $__exit", cwdSentinel)

			cmd := exec.CommandContext(cmdCtx, "bash", "-l", "-c", wrapped)
			// New process group so the timeout kills background children
			// (nohup, &) along with the shell.
			cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
			cmd.Cancel = func() error {
				return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
			}
			cmd.Env = append(os.Environ(), extraEnv...)

			out, err := cmd.CombinedOutput()
			output, newCwd := stripCwdSentinel(string(out))
			if newCwd != "" {
				state.mu.Lock()
				state.cwd = newCwd
				state.mu.Unlock()
			}

			if cmdCtx.Err() == context.DeadlineExceeded {
				return nil, fmt.Errorf("command timed out after %v\n%s", timeout, output)
			}
			if err != nil {
				if exitErr, ok := err.(*exec.ExitError); ok {
					return fmt.Sprintf("Exit code: %d\n%s", exitErr.ExitCode(), output), nil
				}
				return nil, fmt.Errorf("running command: %w", err)
			}
			if strings.TrimSpace(output) == "" {
				return "(no output)", nil
			}
			return output, nil
		},
	)
	e.MarkSlow("Bash")
}

// stripCwdSentinel removes the trailing pwd capture line and returns
// the cleaned output along with the captured directory.
func stripCwdSentinel(out string) (string, string) {
	idx := strings.LastIndex(out, cwdSentinel)
	if idx < 0 {
		return out, ""
	}
	rest := out[idx+len(cwdSentinel):]
	cwd := rest
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		cwd = rest[:nl]
	}
	cleaned := strings.TrimRight(out[:idx], "\n")
	return cleaned, strings.TrimSpace(cwd)
}
