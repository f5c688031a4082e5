//go:build !windows

package daemon

import (
	"fmt"
	"syscall"
	"time"
)

// DetachSysProcAttr starts the child in its own session so it outlives the
// launching terminal.
func DetachSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}

// IsRunning reports whether a process with the given PID exists.
func IsRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

// Stop sends SIGTERM and escalates to SIGKILL after timeout.
func Stop(pid int, timeout time.Duration) error {
	if !IsRunning(pid) {
		return nil
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("send SIGTERM: %w", err)
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !IsRunning(pid) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && IsRunning(pid) {
		return fmt.Errorf("send SIGKILL: %w", err)
	}
	return nil
}
