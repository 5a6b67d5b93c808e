//go:build windows

package daemon

import (
	"os"
	"os/exec"
)

func processAlive(pid int) bool {
	// FindProcess opens a handle on Windows and fails for dead PIDs.
	_, err := os.FindProcess(pid)
	return err == nil
}

func terminateProcess(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	// No SIGTERM on Windows; Kill is the only stop.
	return p.Kill()
}

func killProcess(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}

func detachSysProcAttr(cmd *exec.Cmd) {}
