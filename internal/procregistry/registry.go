// Package procregistry provides the single-instance guard protecting
// component startup. Each long-running component acquires a named
// slot: a JSON record plus an advisory file lock under the state
// root's run directory. Steady-state operation needs no locking;
// this is the only true mutual exclusion in the pipeline.
package procregistry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/iambrandonn/sentinel/internal/fsutil"
)

// ErrAlreadyRunning is returned by Acquire with PolicyAbort when a
// live instance holds the slot.
var ErrAlreadyRunning = errors.New("instance already running")

// Policy decides what Acquire does when a live instance is found
type Policy int

const (
	// PolicyAbort returns ErrAlreadyRunning
	PolicyAbort Policy = iota
	// PolicyReplace terminates the existing instance and takes over
	PolicyReplace
)

// Record describes one registered component instance
type Record struct {
	Name      string    `json:"name"`
	PID       int       `json:"pid"`
	StartTime time.Time `json:"start_time"`
	Binary    string    `json:"binary"`
}

// Guard is a held registry slot. Release must run on every exit path;
// callers defer it immediately after Acquire.
type Guard struct {
	recordPath string
	lockFile   *os.File
	released   bool
}

// Acquire takes the named slot. A stale record (dead PID, or a reused
// PID now running a different binary) is silently replaced. A live
// record is handled per policy.
func Acquire(runDir, name string, policy Policy) (*Guard, error) {
	if err := os.MkdirAll(runDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create run directory: %w", err)
	}

	lockPath := filepath.Join(runDir, name+".lock")
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	recordPath := filepath.Join(runDir, name+".json")

	if err := flockExclusive(lockFile); err != nil {
		// Lock held: another process is mid-startup or running.
		lockFile.Close()

		existing, readErr := readRecord(recordPath)
		if readErr == nil && isLive(existing) {
			if policy == PolicyAbort {
				return nil, fmt.Errorf("%w: %s (pid %d)", ErrAlreadyRunning, name, existing.PID)
			}
			if err := terminate(existing.PID); err != nil {
				return nil, fmt.Errorf("failed to replace running instance: %w", err)
			}
		}

		// Retry the lock once the holder is gone.
		lockFile, err = os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
		if err != nil {
			return nil, fmt.Errorf("failed to reopen lock file: %w", err)
		}
		if err := flockExclusive(lockFile); err != nil {
			lockFile.Close()
			return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, name)
		}
	} else {
		// Lock acquired, but the previous holder may have died without
		// releasing cleanly; a live record here means PID reuse unless
		// the binary identity also matches.
		existing, readErr := readRecord(recordPath)
		if readErr == nil && isLive(existing) && existing.PID != os.Getpid() {
			if policy == PolicyAbort {
				lockFile.Close()
				return nil, fmt.Errorf("%w: %s (pid %d)", ErrAlreadyRunning, name, existing.PID)
			}
			if err := terminate(existing.PID); err != nil {
				lockFile.Close()
				return nil, fmt.Errorf("failed to replace running instance: %w", err)
			}
		}
	}

	binary, err := os.Executable()
	if err != nil {
		binary = ""
	}

	record := Record{
		Name:      name,
		PID:       os.Getpid(),
		StartTime: time.Now().UTC(),
		Binary:    binary,
	}
	if err := fsutil.AtomicWriteJSON(recordPath, record); err != nil {
		unlockAndClose(lockFile)
		return nil, fmt.Errorf("failed to write registry record: %w", err)
	}

	return &Guard{recordPath: recordPath, lockFile: lockFile}, nil
}

// Release removes the record and drops the lock. Safe to call more
// than once.
func (g *Guard) Release() {
	if g.released {
		return
	}
	g.released = true

	os.Remove(g.recordPath)
	unlockAndClose(g.lockFile)
}

// Read returns the registry record for a component, or an error if
// none exists.
func Read(runDir, name string) (Record, error) {
	return readRecord(filepath.Join(runDir, name+".json"))
}

// IsLive reports whether the recorded instance is still running the
// expected program. A dead PID, or a PID now owned by an unrelated
// process (PID reuse across reboots), is not live.
func IsLive(rec Record) bool {
	return isLive(rec)
}

func readRecord(path string) (Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Record{}, fmt.Errorf("failed to read registry record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("failed to parse registry record: %w", err)
	}
	return rec, nil
}

func isLive(rec Record) bool {
	if rec.PID <= 0 {
		return false
	}
	if !pidAlive(rec.PID) {
		return false
	}
	return binaryMatches(rec.PID, rec.Binary)
}
