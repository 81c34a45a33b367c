//go:build windows

package exec

import (
	"errors"
	"fmt"
	osexec "os/exec"
)

// terminateGroup sends the process tree a close request. Without /F,
// taskkill delivers WM_CLOSE, the closest Windows has to SIGTERM.
func terminateGroup(pid int) error {
	return osexec.Command("taskkill", "/T", "/PID", fmt.Sprintf("%d", pid)).Run()
}

// killGroup force-kills the process tree.
func killGroup(pid int) error {
	return osexec.Command("taskkill", "/F", "/T", "/PID", fmt.Sprintf("%d", pid)).Run()
}

// exitStatus extracts the exit code from a wait error.
func exitStatus(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *osexec.ExitError
	if !errors.As(err, &exitErr) {
		return 1
	}
	return exitErr.ExitCode()
}
