//go:build !windows

package process

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
)

// configureCommand sets process attributes and reports whether the child
// will lead its own process group.
func configureCommand(cmd *exec.Cmd, spec LaunchSpec) bool {
	attr := &syscall.SysProcAttr{}
	setDeathSignal(attr)
	cmd.SysProcAttr = attr
	if spec.PTY {
		// pty.Start makes the child a session leader, which also gives it a
		// fresh process group.
		return true
	}
	if spec.NewProcessGroup {
		attr.Setpgid = true
		return true
	}
	return false
}

func startPTY(cmd *exec.Cmd, cols, rows uint16) (*os.File, error) {
	return pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
}

func resizePTY(file *os.File, cols, rows uint16) error {
	return pty.Setsize(file, &pty.Winsize{Cols: cols, Rows: rows})
}

func signalProcess(proc *os.Process, groupLeader bool, sig syscall.Signal) error {
	if groupLeader {
		err := syscall.Kill(-proc.Pid, sig)
		if err == nil {
			return nil
		}
		if !errors.Is(err, syscall.ESRCH) {
			return err
		}
	}
	return proc.Signal(sig)
}

func exitStatus(state *os.ProcessState) (int, bool) {
	if state == nil {
		return -1, false
	}
	if status, ok := state.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return 128 + int(status.Signal()), true
	}
	return state.ExitCode(), false
}

// isEndOfOutput treats EIO as EOF: Linux reports it on a PTY master once the
// last slave descriptor is closed.
func isEndOfOutput(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) || errors.Is(err, syscall.EIO)
}
