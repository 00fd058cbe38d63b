//go:build windows

package player

import "os/exec"

func setProcessGroup(cmd *exec.Cmd) {}

// terminateProcess kills the child outright. Windows has no reliable
// graceful termination signal for GUI-less children.
func terminateProcess(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}

func killProcess(cmd *exec.Cmd) {
	terminateProcess(cmd)
}
