//go:build windows

package executor

import "os/exec"

// setProcessGroup is a no-op on Windows; killProcessGroup below only
// kills the immediate child (best-effort, per spec.md section 4.4.4).
func setProcessGroup(cmd *exec.Cmd) {}

func setCredential(cmd *exec.Cmd, uid, gid uint32) {
	// work_user is POSIX-only; Windows silently ignores it.
}

func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	cmd.Process.Kill()
}
