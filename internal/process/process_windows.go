//go:build windows

package process

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"syscall"
)

func configureCommand(cmd *exec.Cmd, spec LaunchSpec) bool {
	if spec.NewProcessGroup {
		cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
	}
	return false
}

func startPTY(*exec.Cmd, uint16, uint16) (*os.File, error) {
	return nil, ErrNoPTY
}

func resizePTY(*os.File, uint16, uint16) error {
	return ErrNoPTY
}

// signalProcess can only kill on Windows; every signal is treated as a kill.
func signalProcess(proc *os.Process, _ bool, sig syscall.Signal) error {
	if sig == syscall.SIGINT {
		return errors.New("process: interrupt not supported on windows")
	}
	return proc.Kill()
}

func exitStatus(state *os.ProcessState) (int, bool) {
	if state == nil {
		return -1, false
	}
	return state.ExitCode(), false
}

func isEndOfOutput(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed)
}
