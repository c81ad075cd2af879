//go:build unix

package inference

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// startInOwnGroup puts the process in a new process group and makes
// context cancellation kill the whole group, so helpers a wrapper script
// leaves in the background die with it.
func startInOwnGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return killGroup(cmd)
	}
}

// killGroup sends SIGKILL to the process group led by cmd. A group that is
// already gone reports os.ErrProcessDone.
func killGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	if errors.Is(err, syscall.ESRCH) {
		return os.ErrProcessDone
	}
	return err
}
