package statedir

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher signals when a state directory may have new documents. It
// combines fsnotify create/rename events with a periodic poll tick,
// because producers may live on filesystems that do not deliver
// reliable change events. Signals are coalesced: a pending signal is
// enough, consumers re-list the directory on every wakeup.
type Watcher struct {
	dirs     []string
	interval time.Duration
	logger   *slog.Logger

	fsw  *fsnotify.Watcher
	ch   chan struct{}
	done chan struct{}
}

// NewWatcher watches the given directories, creating them if needed.
// interval is the polling fallback period.
func NewWatcher(dirs []string, interval time.Duration, logger *slog.Logger) (*Watcher, error) {
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create watched directory: %w", err)
		}
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	for _, dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}

	w := &Watcher{
		dirs:     dirs,
		interval: interval,
		logger:   logger,
		fsw:      fsw,
		ch:       make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// C delivers a signal whenever the watched directories may have
// changed. The channel never closes while the watcher is open.
func (w *Watcher) C() <-chan struct{} {
	return w.ch
}

// Close stops the watcher
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}

func (w *Watcher) run() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case evt, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			// Atomic publication lands as a rename; plain writers
			// land as a create. Everything else is noise.
			if evt.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.signal()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("directory watch error", "error", err)
		case <-ticker.C:
			w.signal()
		}
	}
}

func (w *Watcher) signal() {
	select {
	case w.ch <- struct{}{}:
	default:
	}
}
