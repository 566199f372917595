//go:build unix

package device

import (
	"errors"
	"syscall"
)

// pidAlive probes a pid with signal 0. EPERM means the process exists but
// belongs to another user, which still counts as alive.
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
