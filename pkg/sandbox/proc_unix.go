//go:build unix

package sandbox

import (
	"os/exec"
	"syscall"
)

// configureProcessGroup starts the command in its own process group so a
// timeout kills every descendant, not only the direct child.
func configureProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
