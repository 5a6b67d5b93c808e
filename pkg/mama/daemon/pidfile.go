package daemon

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// ErrAlreadyRunning is returned by WritePIDFile when the PID file points
// at a live process.
var ErrAlreadyRunning = errors.New("daemon already running")

// ErrNotRunning is returned by control operations when no daemon process
// can be found.
var ErrNotRunning = errors.New("daemon not running")

// stopPollInterval is how often StopProcess re-checks a terminating
// process.
const stopPollInterval = 200 * time.Millisecond

// WritePIDFile records the current process ID at path. A stale file
// (process gone) is overwritten; a live one fails with ErrAlreadyRunning.
func WritePIDFile(path string) error {
	if pid, err := ReadPIDFile(path); err == nil && ProcessAlive(pid) {
		return fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
	}
	data := strconv.Itoa(os.Getpid()) + "\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		return fmt.Errorf("writing pid file: %w", err)
	}
	return nil
}

// ReadPIDFile returns the PID recorded at path.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parsing pid file %s: %w", path, err)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("pid file %s holds invalid pid %d", path, pid)
	}
	return pid, nil
}

// RemovePIDFile deletes the PID file. Missing files are not an error.
func RemovePIDFile(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing pid file: %w", err)
	}
	return nil
}

// ProcessAlive reports whether a process with the given PID exists.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return processAlive(pid)
}

// StopProcess asks pid to terminate and waits up to timeout for it to
// exit before escalating to a kill.
func StopProcess(pid int, timeout time.Duration) error {
	if !ProcessAlive(pid) {
		return ErrNotRunning
	}
	if err := terminateProcess(pid); err != nil {
		return fmt.Errorf("signaling pid %d: %w", pid, err)
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !ProcessAlive(pid) {
			return nil
		}
		time.Sleep(stopPollInterval)
	}

	if err := killProcess(pid); err != nil {
		return fmt.Errorf("killing pid %d: %w", pid, err)
	}
	time.Sleep(stopPollInterval)
	if ProcessAlive(pid) {
		return fmt.Errorf("pid %d survived kill", pid)
	}
	return nil
}

// Daemonize re-executes the current binary with the given arguments as a
// detached background process, stdout and stderr appended to logPath.
// Returns the child PID. The caller is expected to exit shortly after.
func Daemonize(logPath string, args ...string) (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("resolving executable: %w", err)
	}

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return 0, fmt.Errorf("opening log file: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(exe, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Stdin = nil
	detachSysProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("starting daemon process: %w", err)
	}
	pid := cmd.Process.Pid
	// The child outlives us. Release so the parent can exit without
	// leaving a zombie reaper behind.
	_ = cmd.Process.Release()
	return pid, nil
}
