package orchestrator

import (
	"fmt"
	"log/slog"
	"math"
	"os/exec"
	"sync"
	"time"

	"github.com/iambrandonn/sentinel/internal/protocol"
)

// MaxCaptureBytes bounds how much of each output stream a Completion
// document preserves.
const MaxCaptureBytes = 64 * 1024

// Result is the outcome of one agent subprocess execution
type Result struct {
	Status   protocol.CompletionStatus
	ExitCode int
	Duration time.Duration
	Stdout   string
	Stderr   string
}

// Runner executes a rendered workflow command as a child process in
// its own process group, with a hard wall-clock timeout.
type Runner struct {
	Timeout time.Duration
	Logger  *slog.Logger
}

// Run starts argv with workdir as working directory and waits for it
// to exit. onStarted is invoked once the process has started; the
// caller deletes the triggering Approval there, so a crash mid-run
// never re-triggers an already-started side effect. On timeout the
// whole process group is killed and the result status is timeout.
func (r *Runner) Run(argv []string, workdir string, onStarted func(pid int)) (Result, error) {
	if len(argv) == 0 {
		return Result{}, fmt.Errorf("empty command")
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = workdir

	stdout := newBoundedBuffer(MaxCaptureBytes)
	stderr := newBoundedBuffer(MaxCaptureBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	configureProcessGroup(cmd)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("failed to start %s: %w", argv[0], err)
	}

	r.Logger.Info("agent subprocess started",
		"command", argv[0],
		"pid", cmd.Process.Pid,
		"workdir", workdir)

	if onStarted != nil {
		onStarted(cmd.Process.Pid)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		result := Result{
			Duration: time.Since(start),
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
		}
		if err == nil {
			result.Status = protocol.StatusSuccess
			result.ExitCode = 0
			return result, nil
		}
		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			return Result{}, fmt.Errorf("failed waiting for %s: %w", argv[0], err)
		}
		result.Status = protocol.StatusFailure
		result.ExitCode = exitErr.ExitCode()
		return result, nil

	case <-time.After(r.Timeout):
	}

	r.Logger.Warn("agent subprocess timed out, killing process group",
		"command", argv[0],
		"pid", cmd.Process.Pid,
		"timeout", r.Timeout)
	killProcessGroup(cmd)

	// Reap the killed process so it does not linger as a zombie.
	<-done

	return Result{
		Status:   protocol.StatusTimeout,
		ExitCode: -1,
		Duration: time.Since(start),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

// RoundDuration converts a duration to seconds with one decimal, the
// precision completion messages display.
func RoundDuration(d time.Duration) float64 {
	return math.Round(d.Seconds()*10) / 10
}

// boundedBuffer keeps at most max bytes and notes truncation
type boundedBuffer struct {
	mu        sync.Mutex
	max       int
	data      []byte
	truncated bool
}

func newBoundedBuffer(max int) *boundedBuffer {
	return &boundedBuffer{max: max}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	remaining := b.max - len(b.data)
	if remaining > 0 {
		if len(p) <= remaining {
			b.data = append(b.data, p...)
		} else {
			b.data = append(b.data, p[:remaining]...)
			b.truncated = true
		}
	} else if len(p) > 0 {
		b.truncated = true
	}
	// Report full consumption so the subprocess never blocks on a
	// full pipe.
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.truncated {
		return string(b.data) + "\n[output truncated]"
	}
	return string(b.data)
}
