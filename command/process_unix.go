//go:build unix

package command

import (
	"os/exec"
	"syscall"
	"time"
)

// configureProcessGroup puts the child in its own process group so that
// cancellation reaches grandchildren (git spawns helpers, generators spawn python).
func configureProcessGroup(cmd *exec.Cmd, grace time.Duration) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = grace
}

// killProcessGroup reaps anything left in the group after Wait returned.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}
