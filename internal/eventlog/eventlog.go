// Package eventlog maintains the append-only correlation log. Every
// component writes rows as a side effect of significant transitions;
// no component reads the log for control flow. The only readers are
// the startup dedup-set rebuild and the status command.
package eventlog

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/iambrandonn/sentinel/internal/ndjson"
	"github.com/iambrandonn/sentinel/internal/protocol"
)

// Log appends correlation events to an NDJSON file
type Log struct {
	path      string
	component string
	file      *os.File
	encoder   *ndjson.Encoder
	logger    *slog.Logger
	mu        sync.Mutex
}

// Open opens (creating if necessary) the correlation log for a
// component. The component name is stamped onto every appended row.
func Open(logPath, component string, logger *slog.Logger) (*Log, error) {
	dir := filepath.Dir(logPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	return &Log{
		path:      logPath,
		component: component,
		file:      file,
		encoder:   ndjson.NewEncoder(file, logger),
		logger:    logger,
	}, nil
}

// Append writes one correlation event row. Component and timestamp
// are filled in if the caller left them zero.
func (l *Log) Append(evt protocol.CorrelationEvent) error {
	if evt.Component == "" {
		evt.Component = l.component
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	return l.encoder.Encode(&evt)
}

// Record is Append with failures demoted to a log line. Audit writes
// must never block or fail the pipeline.
func (l *Log) Record(evt protocol.CorrelationEvent) {
	if err := l.Append(evt); err != nil {
		l.logger.Warn("failed to append correlation event",
			"event_type", evt.EventType,
			"error", err)
	}
}

// Close closes the underlying file
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Replay reads every row of a correlation log from the beginning and
// invokes fn for each. Missing file is not an error (empty history).
func Replay(logPath string, logger *slog.Logger, fn func(protocol.CorrelationEvent)) error {
	file, err := os.Open(logPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer file.Close()

	dec := ndjson.NewDecoder(file, logger)
	for {
		var evt protocol.CorrelationEvent
		err := dec.Decode(&evt)
		if err == io.EOF {
			return nil
		}
		if errors.Is(err, ndjson.ErrMalformedRow) {
			// A torn final line from a crash mid-append is expected;
			// skip it rather than failing replay.
			logger.Warn("skipping unreadable event log row", "error", err)
			continue
		}
		if err != nil {
			// Scanner failures repeat on every call; bail out rather
			// than spinning on the same row.
			return fmt.Errorf("failed to read event log: %w", err)
		}
		fn(evt)
	}
}
