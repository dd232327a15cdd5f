// Package idempotency provides the "already handled" set that turns
// at-least-once document consumption into effectively-once downstream
// actions. Keys are <action>:<correlation id>; the set is an
// append-only journal replayed at startup.
package idempotency

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Key builds a handled-set key for an action performed against one
// correlation id.
func Key(action, correlationID string) string {
	return action + ":" + correlationID
}

// HandledSet is an on-disk set of action keys. Safe for concurrent
// use within one process; each set file has a single owning process
// by the same convention that gives state directories one consumer.
type HandledSet struct {
	path string

	mu   sync.Mutex
	file *os.File
	keys map[string]struct{}
}

// Load opens (creating if necessary) a handled set, replaying any
// existing journal into memory.
func Load(path string) (*HandledSet, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create handled-set directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open handled set: %w", err)
	}

	keys := make(map[string]struct{})
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		key := strings.TrimSpace(scanner.Text())
		if key == "" {
			continue
		}
		keys[key] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to replay handled set: %w", err)
	}

	return &HandledSet{
		path: path,
		file: file,
		keys: keys,
	}, nil
}

// Has reports whether a key was already handled
func (s *HandledSet) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.keys[key]
	return ok
}

// MarkHandled records a key durably. Marking an already-present key
// is a no-op.
func (s *HandledSet) MarkHandled(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.keys[key]; ok {
		return nil
	}

	if _, err := s.file.WriteString(key + "\n"); err != nil {
		return fmt.Errorf("failed to journal handled key: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync handled set: %w", err)
	}

	s.keys[key] = struct{}{}
	return nil
}

// Len returns the number of handled keys
func (s *HandledSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}

// Close closes the journal file
func (s *HandledSet) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		return s.file.Close()
	}
	return nil
}
