package orchestrator

import (
	"strings"
	"testing"
	"time"

	"github.com/iambrandonn/sentinel/internal/protocol"
	"github.com/stretchr/testify/require"
)

func TestRunnerSuccessCapturesOutput(t *testing.T) {
	r := &Runner{Timeout: 30 * time.Second, Logger: testLogger()}

	started := false
	result, err := r.Run([]string{"sh", "-c", "echo out; echo err >&2"}, t.TempDir(), func(pid int) {
		started = true
		require.Greater(t, pid, 0)
	})
	require.NoError(t, err)
	require.True(t, started, "onStarted not invoked")

	require.Equal(t, protocol.StatusSuccess, result.Status)
	require.Equal(t, 0, result.ExitCode)
	require.Equal(t, "out\n", result.Stdout)
	require.Equal(t, "err\n", result.Stderr)
}

func TestRunnerFailureExitCode(t *testing.T) {
	r := &Runner{Timeout: 30 * time.Second, Logger: testLogger()}

	result, err := r.Run([]string{"sh", "-c", "exit 7"}, t.TempDir(), nil)
	require.NoError(t, err)
	require.Equal(t, protocol.StatusFailure, result.Status)
	require.Equal(t, 7, result.ExitCode)
}

func TestRunnerTimeoutKillsGroup(t *testing.T) {
	r := &Runner{Timeout: 200 * time.Millisecond, Logger: testLogger()}

	start := time.Now()
	result, err := r.Run([]string{"sh", "-c", "sleep 60"}, t.TempDir(), nil)
	require.NoError(t, err)

	require.Equal(t, protocol.StatusTimeout, result.Status)
	require.Less(t, time.Since(start), 10*time.Second, "timeout did not take effect")
}

func TestRunnerEmptyCommand(t *testing.T) {
	r := &Runner{Timeout: time.Second, Logger: testLogger()}
	_, err := r.Run(nil, t.TempDir(), nil)
	require.Error(t, err)
}

func TestRunnerRunsInWorkdir(t *testing.T) {
	workdir := t.TempDir()
	r := &Runner{Timeout: 30 * time.Second, Logger: testLogger()}

	result, err := r.Run([]string{"pwd"}, workdir, nil)
	require.NoError(t, err)
	require.Equal(t, workdir, strings.TrimSpace(result.Stdout))
}

func TestBoundedBufferTruncates(t *testing.T) {
	buf := newBoundedBuffer(10)

	n, err := buf.Write([]byte("0123456789overflow"))
	require.NoError(t, err)
	require.Equal(t, 18, n, "writer must report full consumption")

	got := buf.String()
	require.True(t, strings.HasPrefix(got, "0123456789"))
	require.Contains(t, got, "[output truncated]")

	// Further writes are swallowed, not appended.
	_, err = buf.Write([]byte("more"))
	require.NoError(t, err)
	require.NotContains(t, buf.String(), "more")
}

func TestRoundDuration(t *testing.T) {
	require.Equal(t, 21.7, RoundDuration(21700*time.Millisecond))
	require.Equal(t, 0.0, RoundDuration(0))
	require.Equal(t, 0.1, RoundDuration(50*time.Millisecond))
}
