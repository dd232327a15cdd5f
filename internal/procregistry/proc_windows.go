//go:build windows

package procregistry

import (
	"fmt"
	"os"
)

// Advisory locking and signal-based liveness checks are unix
// facilities; on Windows the registry degrades to record files only.

func flockExclusive(f *os.File) error {
	return nil
}

func unlockAndClose(f *os.File) {
	if f != nil {
		f.Close()
	}
}

func pidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	proc.Release()
	return true
}

func binaryMatches(pid int, recordedBinary string) bool {
	return true
}

func terminate(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	defer proc.Release()
	if err := proc.Kill(); err != nil {
		return fmt.Errorf("failed to kill pid %d: %w", pid, err)
	}
	return nil
}
