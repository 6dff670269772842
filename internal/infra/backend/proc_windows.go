//go:build windows

package backend

import (
	"os/exec"
	"syscall"
)

// configureProcess hides the console window and detaches the child into
// its own process group so Kill takes down the whole tree.
func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		HideWindow:    true,
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}
