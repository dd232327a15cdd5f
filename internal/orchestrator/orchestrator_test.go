package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/iambrandonn/sentinel/internal/eventlog"
	"github.com/iambrandonn/sentinel/internal/idempotency"
	"github.com/iambrandonn/sentinel/internal/protocol"
	"github.com/iambrandonn/sentinel/internal/statedir"
	"github.com/iambrandonn/sentinel/internal/workflow"
	"github.com/iambrandonn/sentinel/internal/workspace"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	stateRoot string
	events    *eventlog.Log
	handled   *idempotency.HandledSet
	orch      *Orchestrator
}

func newFixture(t *testing.T, workflows []workflow.Workflow, commandTimeout time.Duration) *fixture {
	t.Helper()

	stateRoot := t.TempDir()
	require.NoError(t, workspace.Initialize(stateRoot))

	events, err := eventlog.Open(workspace.EventLogPath(stateRoot), "orchestrator", testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { events.Close() })

	handled, err := idempotency.Load(workspace.HandledSetPath(stateRoot, "orchestrator"))
	require.NoError(t, err)
	t.Cleanup(func() { handled.Close() })

	registry, err := workflow.NewRegistry(workflows)
	require.NoError(t, err)

	orch := New(Options{
		StateRoot:      stateRoot,
		Registry:       registry,
		CommandTimeout: commandTimeout,
		IdleTimeout:    200 * time.Millisecond,
		Logger:         testLogger(),
	}, events, handled)

	return &fixture{stateRoot: stateRoot, events: events, handled: handled, orch: orch}
}

func (f *fixture) publishApproval(t *testing.T, approval protocol.Approval) {
	t.Helper()
	dir := workspace.Dir(f.stateRoot, workspace.ApprovalsDir)
	name := protocol.DocumentName(protocol.KindApproval, approval.WorkspacePath, approval.SessionID, approval.CorrelationID)
	require.NoError(t, statedir.Publish(dir, name, approval))
}

func (f *fixture) completions(t *testing.T) []protocol.Completion {
	t.Helper()
	entries, err := statedir.Consume(workspace.Dir(f.stateRoot, workspace.CompletionsDir))
	require.NoError(t, err)

	var out []protocol.Completion
	for _, e := range entries {
		var c protocol.Completion
		require.NoError(t, e.Decode(&c))
		// Consume lists without deleting; ack so a later call only
		// sees completions published since this one.
		require.NoError(t, e.Ack())
		out = append(out, c)
	}
	return out
}

func approvalFor(workspacePath, corrID string) protocol.Approval {
	return protocol.Approval{
		Decision:      "auto_fix_all",
		WorkspacePath: workspacePath,
		SessionID:     "abc-123",
		CorrelationID: corrID,
		Timestamp:     time.Now().UTC(),
		Metadata: protocol.ApprovalMetadata{
			WorkspaceHash: protocol.WorkspaceHash(workspacePath),
			WorkflowID:    "auto_fix_all",
		},
	}
}

func TestApprovalProducesExactlyOneCompletion(t *testing.T) {
	ws := t.TempDir()
	f := newFixture(t, []workflow.Workflow{
		{ID: "auto_fix_all", Label: "Fix all", Trigger: "always", Command: []string{"true"}},
	}, 30*time.Second)

	f.publishApproval(t, approvalFor(ws, "corr-1"))

	err := f.orch.Run(context.Background())
	require.NoError(t, err, "expected clean idle shutdown")

	completions := f.completions(t)
	require.Len(t, completions, 1)
	require.Equal(t, protocol.StatusSuccess, completions[0].Status)
	require.Equal(t, 0, completions[0].ExitCode)
	require.Equal(t, "corr-1", completions[0].CorrelationID)
	require.Equal(t, "auto_fix_all", completions[0].WorkflowID)

	// The approval was consumed.
	entries, err := statedir.Consume(workspace.Dir(f.stateRoot, workspace.ApprovalsDir))
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestNonZeroExitReportsFailure(t *testing.T) {
	ws := t.TempDir()
	f := newFixture(t, []workflow.Workflow{
		{ID: "auto_fix_all", Label: "Fix all", Trigger: "always", Command: []string{"false"}},
	}, 30*time.Second)

	f.publishApproval(t, approvalFor(ws, "corr-2"))
	require.NoError(t, f.orch.Run(context.Background()))

	completions := f.completions(t)
	require.Len(t, completions, 1)
	require.Equal(t, protocol.StatusFailure, completions[0].Status)
	require.Equal(t, 1, completions[0].ExitCode)
}

func TestTimeoutKillsAndReportsTimeout(t *testing.T) {
	ws := t.TempDir()
	timeout := 300 * time.Millisecond
	f := newFixture(t, []workflow.Workflow{
		{ID: "auto_fix_all", Label: "Fix all", Trigger: "always", Command: []string{"sleep", "60"}},
	}, timeout)

	f.publishApproval(t, approvalFor(ws, "corr-3"))
	require.NoError(t, f.orch.Run(context.Background()))

	completions := f.completions(t)
	require.Len(t, completions, 1)
	require.Equal(t, protocol.StatusTimeout, completions[0].Status)
	// Duration tracks the configured timeout, not the command's
	// nominal runtime.
	require.InDelta(t, timeout.Seconds(), completions[0].DurationSeconds, 1.0)
}

func TestDuplicateApprovalIsConsumedWithoutReExecution(t *testing.T) {
	ws := t.TempDir()
	marker := filepath.Join(t.TempDir(), "ran")
	f := newFixture(t, []workflow.Workflow{
		{ID: "auto_fix_all", Label: "Fix all", Trigger: "always", Command: []string{"touch", marker}},
	}, 30*time.Second)

	f.publishApproval(t, approvalFor(ws, "corr-4"))
	require.NoError(t, f.orch.Run(context.Background()))
	require.FileExists(t, marker)
	require.Len(t, f.completions(t), 1)

	// Same correlation id published again (crash-replay shape): the
	// handled set suppresses a second execution and a second
	// completion.
	require.NoError(t, os.Remove(marker))
	f.publishApproval(t, approvalFor(ws, "corr-4"))
	require.NoError(t, f.orch.Run(context.Background()))

	require.NoFileExists(t, marker)
	require.Empty(t, f.completions(t), "no second completion expected")
}

func TestMalformedApprovalIsQuarantined(t *testing.T) {
	f := newFixture(t, []workflow.Workflow{
		{ID: "auto_fix_all", Label: "Fix all", Trigger: "always", Command: []string{"true"}},
	}, 30*time.Second)

	dir := workspace.Dir(f.stateRoot, workspace.ApprovalsDir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{broken"), 0600))

	require.NoError(t, f.orch.Run(context.Background()))

	require.FileExists(t, filepath.Join(dir, statedir.QuarantineDirName, "bad.json"))
	require.Empty(t, f.completions(t))
}

func TestUnknownWorkflowIsQuarantined(t *testing.T) {
	ws := t.TempDir()
	f := newFixture(t, []workflow.Workflow{
		{ID: "auto_fix_all", Label: "Fix all", Trigger: "always", Command: []string{"true"}},
	}, 30*time.Second)

	approval := approvalFor(ws, "corr-5")
	approval.Decision = "nonexistent"
	approval.Metadata.WorkflowID = "nonexistent"
	f.publishApproval(t, approval)

	require.NoError(t, f.orch.Run(context.Background()))

	entries, err := statedir.Consume(filepath.Join(workspace.Dir(f.stateRoot, workspace.ApprovalsDir), statedir.QuarantineDirName))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Empty(t, f.completions(t))
}

func TestMissingBinaryReportsFailureCompletion(t *testing.T) {
	ws := t.TempDir()
	f := newFixture(t, []workflow.Workflow{
		{ID: "auto_fix_all", Label: "Fix all", Trigger: "always", Command: []string{"/nonexistent/agent-binary"}},
	}, 30*time.Second)

	f.publishApproval(t, approvalFor(ws, "corr-6"))
	require.NoError(t, f.orch.Run(context.Background()))

	completions := f.completions(t)
	require.Len(t, completions, 1)
	require.Equal(t, protocol.StatusFailure, completions[0].Status)
	require.Equal(t, -1, completions[0].ExitCode)
	require.NotEmpty(t, completions[0].Stderr)
}

func TestIdleShutdownWithNoWork(t *testing.T) {
	f := newFixture(t, []workflow.Workflow{
		{ID: "auto_fix_all", Label: "Fix all", Trigger: "always", Command: []string{"true"}},
	}, 30*time.Second)

	start := time.Now()
	require.NoError(t, f.orch.Run(context.Background()))
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestRunHonorsContextCancellation(t *testing.T) {
	f := newFixture(t, []workflow.Workflow{
		{ID: "auto_fix_all", Label: "Fix all", Trigger: "always", Command: []string{"true"}},
	}, 30*time.Second)
	f.orch.opts.IdleTimeout = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	err := f.orch.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
