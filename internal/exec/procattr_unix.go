//go:build unix && !linux

package exec

import (
	osexec "os/exec"
	"syscall"
)

// setProcGroup runs the command in its own process group so the whole
// subprocess tree can be signalled together. Pdeathsig is Linux-only; on
// other Unixes orphan cleanup relies on the SIGTERM/SIGKILL ladder.
func setProcGroup(cmd *osexec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
