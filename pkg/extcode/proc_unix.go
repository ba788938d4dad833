//go:build !windows

package extcode

import (
	"os/exec"
	"syscall"
)

// setProcessGroup puts the shell in its own process group so a timeout can
// kill the whole tree, not just the shell.
func setProcessGroup(c *exec.Cmd) {
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func killProcessGroup(c *exec.Cmd) {
	if c.Process == nil {
		return
	}
	_ = syscall.Kill(-c.Process.Pid, syscall.SIGKILL)
}
