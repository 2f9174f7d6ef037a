package engine

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// AcquirePIDFile enforces the single-instance lock. A live pid in the
// file refuses startup; a stale pid (dead process) is replaced.
func AcquirePIDFile(path string) (release func(), err error) {
	if data, readErr := os.ReadFile(path); readErr == nil {
		pid, convErr := strconv.Atoi(strings.TrimSpace(string(data)))
		if convErr == nil && pidAlive(pid) {
			return nil, fmt.Errorf("another instance is already running (pid %d, lock %s)", pid, path)
		}
		// Stale lock from a crashed run.
		os.Remove(path)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create pid file %s: %w", path, err)
	}
	fmt.Fprintf(f, "%d\n", os.Getpid())
	f.Close()

	return func() { os.Remove(path) }, nil
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
