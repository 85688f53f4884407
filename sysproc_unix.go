//go:build !windows

package archbridge

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

const executableSuffix = ""

// configureProcAttr puts the worker in its own process group so the whole
// group can be signalled at once
func configureProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// interruptProcess asks the worker's process group to exit
func interruptProcess(p *os.Process) error {
	if err := unix.Kill(-p.Pid, unix.SIGTERM); err != nil {
		return p.Signal(unix.SIGTERM)
	}
	return nil
}

// killProcessGroup kills every process left in the worker's group
func killProcessGroup(pid int) error {
	return unix.Kill(-pid, unix.SIGKILL)
}

// isNativeExecutable reports whether path can be launched directly
func isNativeExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	return info.Mode().Perm()&0o111 != 0
}
