package recovery

import "syscall"

// processAlive mirrors internal/reaper's zero-signal liveness check
// (itself grounded on the teacher's internal/driver/adopted.go).
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}
