//go:build windows

package sandbox

import "os/exec"

func configureSysProc(cmd *exec.Cmd) {}

func terminateSysProc(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}
