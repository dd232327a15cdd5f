package crashloop

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/iambrandonn/sentinel/internal/eventlog"
	"github.com/iambrandonn/sentinel/internal/protocol"
	"github.com/iambrandonn/sentinel/internal/transport"
)

const (
	// DefaultRestartDelay paces ordinary restarts
	DefaultRestartDelay = 1 * time.Second
	// DefaultDegradedHold paces restarts while a crash loop is active
	DefaultDegradedHold = 30 * time.Second
	// stopGrace is how long a child gets to exit after SIGTERM
	stopGrace = 5 * time.Second
	// binaryDebounce coalesces the burst of filesystem events a
	// redeploy produces into one restart
	binaryDebounce = 500 * time.Millisecond
)

// Options configures supervision of one component
type Options struct {
	Name    string   // component name, used in logs and alerts
	Command []string // argv of the supervised process
	Binary  string   // executable path to watch for redeploys; empty disables

	Window       time.Duration // crash-loop detection window
	MaxRestarts  int           // restarts within Window that count as a loop
	RestartDelay time.Duration // zero means DefaultRestartDelay
	DegradedHold time.Duration // zero means DefaultDegradedHold

	Transport transport.Transport // degraded alerts; nil disables
	Logger    *slog.Logger
}

// Supervisor keeps one component subprocess alive
type Supervisor struct {
	opts     Options
	detector *Detector
	events   *eventlog.Log
}

// New creates a supervisor. Zero delay options are defaulted.
func New(opts Options, events *eventlog.Log) (*Supervisor, error) {
	if len(opts.Command) == 0 {
		return nil, fmt.Errorf("supervised command is empty")
	}
	if opts.RestartDelay == 0 {
		opts.RestartDelay = DefaultRestartDelay
	}
	if opts.DegradedHold == 0 {
		opts.DegradedHold = DefaultDegradedHold
	}

	return &Supervisor{
		opts:     opts,
		detector: NewDetector(opts.Window, opts.MaxRestarts),
		events:   events,
	}, nil
}

// Run supervises the component until the context is cancelled or the
// component exits cleanly. A clean exit (status 0) ends supervision;
// any other exit restarts the component after a delay. A redeployed
// binary restarts the component without counting as a crash.
func (s *Supervisor) Run(ctx context.Context) error {
	binaryChanged, closeWatch, err := s.watchBinary()
	if err != nil {
		return err
	}
	defer closeWatch()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		cmd := exec.Command(s.opts.Command[0], s.opts.Command[1:]...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			s.opts.Logger.Error("failed to start supervised process",
				"name", s.opts.Name, "error", err)
			if !s.pause(ctx, s.restartDelay()) {
				return ctx.Err()
			}
			s.recordRestart(ctx)
			continue
		}
		s.opts.Logger.Info("supervised process started",
			"name", s.opts.Name, "pid", cmd.Process.Pid)

		exited := make(chan error, 1)
		go func() { exited <- cmd.Wait() }()

		select {
		case <-ctx.Done():
			s.stop(cmd, exited)
			return ctx.Err()

		case <-binaryChanged:
			s.opts.Logger.Info("binary changed, restarting",
				"name", s.opts.Name, "binary", s.opts.Binary)
			s.stop(cmd, exited)
			continue

		case err := <-exited:
			if err == nil {
				s.opts.Logger.Info("supervised process exited cleanly", "name", s.opts.Name)
				return nil
			}
			s.opts.Logger.Warn("supervised process died",
				"name", s.opts.Name, "error", err)
			s.recordRestart(ctx)
			if !s.pause(ctx, s.restartDelay()) {
				return ctx.Err()
			}
		}
	}
}

// recordRestart feeds the detector and raises the single degraded
// alert when a crash loop is first detected.
func (s *Supervisor) recordRestart(ctx context.Context) {
	if !s.detector.Record(time.Now()) {
		return
	}

	s.opts.Logger.Error("crash loop detected",
		"name", s.opts.Name,
		"restarts", s.detector.Count(time.Now()),
		"window", s.opts.Window)

	s.events.Record(protocol.CorrelationEvent{EventType: protocol.EventCrashLoop})

	if s.opts.Transport != nil {
		text := fmt.Sprintf("System degraded: %s restarted %d times in %s and is crash-looping. Restarts are slowed until it stabilizes.",
			s.opts.Name, s.detector.Count(time.Now()), s.opts.Window)
		if _, err := s.opts.Transport.SendMessage(ctx, text, nil); err != nil {
			s.opts.Logger.Warn("failed to send degraded alert", "error", err)
		}
	}
}

func (s *Supervisor) restartDelay() time.Duration {
	if s.detector.Looping(time.Now()) {
		return s.opts.DegradedHold
	}
	return s.opts.RestartDelay
}

// stop terminates the child: SIGTERM, a grace period, then SIGKILL
func (s *Supervisor) stop(cmd *exec.Cmd, exited <-chan error) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(os.Interrupt)

	select {
	case <-exited:
	case <-time.After(stopGrace):
		s.opts.Logger.Warn("supervised process did not stop, killing", "name", s.opts.Name)
		_ = cmd.Process.Kill()
		<-exited
	}
}

// pause sleeps for d unless the context ends first. Returns false on
// cancellation.
func (s *Supervisor) pause(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// watchBinary watches the supervised executable for redeploys. The
// watch is on the parent directory because deploys replace the file
// by rename, which drops an inode-level watch.
func (s *Supervisor) watchBinary() (<-chan struct{}, func(), error) {
	changed := make(chan struct{}, 1)
	if s.opts.Binary == "" {
		return changed, func() {}, nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create binary watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(s.opts.Binary)); err != nil {
		fsw.Close()
		return nil, nil, fmt.Errorf("failed to watch binary directory: %w", err)
	}

	base := filepath.Base(s.opts.Binary)
	go func() {
		var debounce *time.Timer
		for {
			select {
			case evt, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Base(evt.Name) != base {
					continue
				}
				if !evt.Has(fsnotify.Create) && !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Rename) {
					continue
				}
				if debounce == nil {
					debounce = time.AfterFunc(binaryDebounce, func() {
						select {
						case changed <- struct{}{}:
						default:
						}
					})
				} else {
					debounce.Reset(binaryDebounce)
				}

			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				s.opts.Logger.Warn("binary watcher error", "error", err)
			}
		}
	}()

	return changed, func() { fsw.Close() }, nil
}
