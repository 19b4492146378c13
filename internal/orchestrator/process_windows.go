//go:build windows

package orchestrator

import "os/exec"

func setPlatformSpecificAttrs(cmd *exec.Cmd) {}

// Windows has no process groups to signal; termination is always forced.
func terminateProcess(cmd *exec.Cmd) {
	_ = cmd.Process.Kill()
}

func killProcess(cmd *exec.Cmd) {
	_ = cmd.Process.Kill()
}
