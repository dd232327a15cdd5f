// Package statedir implements the drop-box protocol the pipeline
// components coordinate through. Each state directory holds whole-file
// JSON documents, has exactly one producer and one consumer, and is
// never locked: atomic publication plus read-act-delete consumption is
// the entire contract.
package statedir

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/iambrandonn/sentinel/internal/fsutil"
)

// QuarantineDirName is the sibling directory malformed documents are
// moved into so they are never retried.
const QuarantineDirName = "quarantine"

// Publish writes doc atomically into dir under the given name. A
// watcher on dir never observes a partial document.
func Publish(dir, name string, doc any) error {
	return fsutil.AtomicWriteJSON(filepath.Join(dir, name), doc)
}

// Entry is one fully-written document awaiting consumption
type Entry struct {
	Dir  string
	Name string
}

// Path returns the document's full path
func (e Entry) Path() string {
	return filepath.Join(e.Dir, e.Name)
}

// Decode unmarshals the document into v
func (e Entry) Decode(v any) error {
	data, err := os.ReadFile(e.Path())
	if err != nil {
		return fmt.Errorf("failed to read document: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse document %s: %w", e.Name, err)
	}
	return nil
}

// Ack deletes the document, completing read-act-delete consumption.
// A missing file is not an error: a crash between act and delete
// means the same document was already acked by a previous life.
func (e Entry) Ack() error {
	err := os.Remove(e.Path())
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	return nil
}

// Quarantine moves the document into the quarantine sibling directory
// so malformed input is preserved for inspection but never retried.
func (e Entry) Quarantine() error {
	qdir := filepath.Join(e.Dir, QuarantineDirName)
	if err := os.MkdirAll(qdir, 0700); err != nil {
		return fmt.Errorf("failed to create quarantine directory: %w", err)
	}
	if err := os.Rename(e.Path(), filepath.Join(qdir, e.Name)); err != nil {
		return fmt.Errorf("failed to quarantine document: %w", err)
	}
	return nil
}

// Consume lists the fully-written documents in dir in arrival order
// (modification time, ties broken by name). Ordering is best-effort;
// consumers must only rely on every document being seen at least
// once. Temp files and subdirectories are skipped. A missing dir
// yields an empty listing.
func Consume(dir string) ([]Entry, error) {
	dirents, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list state directory: %w", err)
	}

	type listed struct {
		entry Entry
		mtime int64
	}

	var docs []listed
	for _, d := range dirents {
		if d.IsDir() || fsutil.IsTempName(d.Name()) {
			continue
		}
		info, err := d.Info()
		if err != nil {
			// Deleted between list and stat; it was consumed elsewhere.
			continue
		}
		docs = append(docs, listed{
			entry: Entry{Dir: dir, Name: d.Name()},
			mtime: info.ModTime().UnixNano(),
		})
	}

	sort.Slice(docs, func(i, j int) bool {
		if docs[i].mtime != docs[j].mtime {
			return docs[i].mtime < docs[j].mtime
		}
		return docs[i].entry.Name < docs[j].entry.Name
	})

	entries := make([]Entry, len(docs))
	for i, d := range docs {
		entries[i] = d.entry
	}
	return entries, nil
}
