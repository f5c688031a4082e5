//go:build windows

package daemon

import (
	"errors"
	"syscall"
	"time"
)

var errUnsupported = errors.New("background mode is not supported on Windows; use run")

func DetachSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}

func IsRunning(pid int) bool { return false }

func Stop(pid int, timeout time.Duration) error { return errUnsupported }
