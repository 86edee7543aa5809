//go:build !unix

package sandbox

import "os/exec"

func configureProcessGroup(cmd *exec.Cmd) {}
