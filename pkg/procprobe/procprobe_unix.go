//go:build !windows

package procprobe

import (
	"errors"
	"os"
	"syscall"
)

type systemProber struct{}

// Probe sends signal 0 to pid. ESRCH means the process is gone; EPERM
// means it exists but we can't signal it (still alive); anything else is
// treated as alive per spec §4.4's conservative default.
func (systemProber) Probe(pid int) State {
	if pid <= 0 {
		return Unknown
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return Dead
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return Alive
	}
	if errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH) {
		return Dead
	}
	if errors.Is(err, syscall.EPERM) {
		return Alive
	}
	return Unknown
}
