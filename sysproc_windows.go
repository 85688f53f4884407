//go:build windows

package archbridge

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/sys/windows"
)

const executableSuffix = ".exe"

// configureProcAttr starts the worker without a console window
func configureProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		HideWindow:    true,
		CreationFlags: windows.CREATE_NO_WINDOW,
	}
}

// interruptProcess cannot signal a windowless process: it has no console
// to deliver Ctrl+Break to. Graceful exit relies on the remote Shutdown, and
// a worker that misses it is killed once ExitWait runs out.
func interruptProcess(p *os.Process) error {
	return errInterruptUnsupported
}

// killProcessGroup is a no-op; Windows has no process groups to kill and
// killTree already walked the descendants
func killProcessGroup(pid int) error {
	return nil
}

// isNativeExecutable reports whether path can be launched directly
func isNativeExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	return strings.EqualFold(filepath.Ext(path), ".exe")
}
