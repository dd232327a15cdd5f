// Package workspace manages the state root: the directory tree whose
// subdirectories are the pipeline's coordination medium. Each state
// directory has exactly one consumer process by convention: the bot
// consumes notifications, completions, and callbacks; the
// orchestrator consumes approvals.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
)

// State directory names under the state root
const (
	NotificationsDir = "notifications"
	ApprovalsDir     = "approvals"
	CompletionsDir   = "completions"
	CallbacksDir     = "callbacks"
	EventsDir        = "events"
	RunDir           = "run"
)

// EventLogName is the correlation log file inside EventsDir
const EventLogName = "correlation.ndjson"

// GetRequiredDirectories returns the directories that must exist
// under the state root
func GetRequiredDirectories() []string {
	return []string{
		NotificationsDir, // producer → bot
		ApprovalsDir,     // bot → orchestrator
		CompletionsDir,   // orchestrator → bot
		CallbacksDir,     // bot → bot (button token mappings)
		EventsDir,        // append-only correlation log
		RunDir,           // pid files, locks, handled sets
	}
}

// Initialize creates all required state directories with 0700
// permissions. Idempotent.
func Initialize(stateRoot string) error {
	for _, dir := range GetRequiredDirectories() {
		path := filepath.Join(stateRoot, dir)
		if err := os.MkdirAll(path, 0700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", path, err)
		}
	}
	return nil
}

// IsInitialized checks whether a state root has all required
// directories
func IsInitialized(stateRoot string) (bool, error) {
	for _, dir := range GetRequiredDirectories() {
		path := filepath.Join(stateRoot, dir)

		info, err := os.Stat(path)
		if os.IsNotExist(err) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("failed to check directory %s: %w", path, err)
		}
		if !info.IsDir() {
			return false, nil
		}
	}
	return true, nil
}

// Dir returns the absolute path of a named state directory
func Dir(stateRoot, name string) string {
	return filepath.Join(stateRoot, name)
}

// EventLogPath returns the correlation log path under the state root
func EventLogPath(stateRoot string) string {
	return filepath.Join(stateRoot, EventsDir, EventLogName)
}

// HandledSetPath returns the handled-set journal path for a component
func HandledSetPath(stateRoot, component string) string {
	return filepath.Join(stateRoot, RunDir, component+".handled")
}
