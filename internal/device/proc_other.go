//go:build !unix

package device

import "os"

// pidAlive is best-effort on platforms without signal 0: FindProcess alone
// does not probe, so entries are assumed live and left to age out.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	_, err := os.FindProcess(pid)
	return err == nil
}
