//go:build unix

package exec

import (
	"errors"
	osexec "os/exec"
	"syscall"
)

// terminateGroup asks the process group for the given PID to exit. With
// Setpgid the child is its own group leader, so the negative PID reaches
// the entire subprocess tree.
func terminateGroup(pid int) error {
	return ignoreGone(syscall.Kill(-pid, syscall.SIGTERM))
}

// killGroup force-kills the process group.
func killGroup(pid int) error {
	return ignoreGone(syscall.Kill(-pid, syscall.SIGKILL))
}

// ignoreGone drops ESRCH: a group that already exited is not an error.
func ignoreGone(err error) error {
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

// exitStatus extracts the exit code from a wait error. Processes that died
// on a signal report the shell convention of 128 plus the signal number.
func exitStatus(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *osexec.ExitError
	if !errors.As(err, &exitErr) {
		return 1
	}
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		return 1
	}
	if status.Signaled() {
		return 128 + int(status.Signal())
	}
	return status.ExitStatus()
}
