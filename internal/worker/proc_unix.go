//go:build !windows

package worker

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr places the worker in its own process group so the
// whole group can be signalled.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminateGroup(pid int) error { return syscall.Kill(-pid, syscall.SIGTERM) }

func killGroup(pid int) error { return syscall.Kill(-pid, syscall.SIGKILL) }
