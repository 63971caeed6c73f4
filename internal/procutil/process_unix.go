//go:build !windows

package procutil

import (
	"os"
	"syscall"
)

// GracefulTerminate asks an engine subprocess to exit with SIGTERM, giving
// the Python runtime a chance to disconnect from the aggregator cleanly.
func GracefulTerminate(p *os.Process) error {
	return p.Signal(syscall.SIGTERM)
}

// TerminateByPID sends SIGTERM to a process known only by its pid, as read
// from a daemon pid file.
func TerminateByPID(pid int) error {
	return syscall.Kill(pid, syscall.SIGTERM)
}

// IsProcessAlive reports whether pid refers to a live process. Signal 0
// probes for existence without delivering anything.
func IsProcessAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
