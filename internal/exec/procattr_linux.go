//go:build linux

package exec

import (
	osexec "os/exec"
	"syscall"
)

// setProcGroup runs the command in its own process group so the whole
// subprocess tree can be signalled together. Pdeathsig additionally kills
// the child if this process dies without running its cleanup.
func setProcGroup(cmd *osexec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}
