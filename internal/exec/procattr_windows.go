//go:build windows

package exec

import (
	osexec "os/exec"
	"syscall"
)

// setProcGroup starts the command in a new process group so it can be
// terminated as a tree.
func setProcGroup(cmd *osexec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}
