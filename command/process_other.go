//go:build !unix

package command

import (
	"os/exec"
	"time"
)

func configureProcessGroup(cmd *exec.Cmd, grace time.Duration) {
	cmd.WaitDelay = grace
}

func killProcessGroup(cmd *exec.Cmd) {}
