//go:build !linux && !windows

package process

import "syscall"

func setDeathSignal(*syscall.SysProcAttr) {}
