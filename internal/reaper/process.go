package reaper

import "syscall"

// processAlive reports whether pid refers to a running process, using the
// same kill(pid, 0) liveness probe as the teacher's adopted-process
// tracking (internal/driver/adopted.go): on Unix, FindProcess always
// succeeds, so liveness must be checked with a zero signal instead.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}
