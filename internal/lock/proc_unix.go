//go:build unix

package lock

import (
	"errors"
	"syscall"
)

// pidAlive probes a pid with signal 0. EPERM still means alive.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}
