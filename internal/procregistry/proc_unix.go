//go:build !windows

package procregistry

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

func flockExclusive(f *os.File) error {
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return fmt.Errorf("flock: %w", err)
	}
	return nil
}

func unlockAndClose(f *os.File) {
	if f == nil {
		return
	}
	_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
	f.Close()
}

// pidAlive checks liveness with signal 0
func pidAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	// EPERM means the process exists but belongs to someone else.
	return err == syscall.EPERM
}

// binaryMatches compares the process's command name against the
// recorded binary to tolerate PID reuse. With no /proc (non-Linux)
// the check degrades to PID liveness only.
func binaryMatches(pid int, recordedBinary string) bool {
	if recordedBinary == "" {
		return true
	}

	comm, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid))
	if err != nil {
		return true
	}

	got := strings.TrimSpace(string(comm))
	want := filepath.Base(recordedBinary)
	// comm is truncated to 15 chars by the kernel
	if len(want) > 15 {
		want = want[:15]
	}
	return got == want
}

// terminate asks the process to exit, escalating to SIGKILL if it
// does not go away promptly.
func terminate(pid int) error {
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		if err == syscall.ESRCH {
			return nil
		}
		return fmt.Errorf("failed to signal pid %d: %w", pid, err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if !pidAlive(pid) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("failed to kill pid %d: %w", pid, err)
	}
	return nil
}
