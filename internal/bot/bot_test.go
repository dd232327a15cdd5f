package bot

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
	"github.com/iambrandonn/sentinel/internal/orchestrator"
	"github.com/iambrandonn/sentinel/internal/protocol"
	"github.com/iambrandonn/sentinel/internal/statedir"
	"github.com/iambrandonn/sentinel/internal/transport"
	"github.com/iambrandonn/sentinel/internal/workflow"
	"github.com/iambrandonn/sentinel/internal/workspace"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	stateRoot string
	fake      *transport.Fake
	events    *eventlog.Log
	handled   *idempotency.HandledSet
	bot       *Bot
}

func newFixture(t *testing.T, workflows []workflow.Workflow) *fixture {
	t.Helper()

	stateRoot := t.TempDir()
	require.NoError(t, workspace.Initialize(stateRoot))

	events, err := eventlog.Open(workspace.EventLogPath(stateRoot), "bot", testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { events.Close() })

	handled, err := idempotency.Load(workspace.HandledSetPath(stateRoot, "bot"))
	require.NoError(t, err)
	t.Cleanup(func() { handled.Close() })

	registry, err := workflow.NewRegistry(workflows)
	require.NoError(t, err)

	fake := transport.NewFake()
	b := New(Options{
		StateRoot:   stateRoot,
		Registry:    registry,
		Transport:   fake,
		IdleTimeout: 400 * time.Millisecond,
		PollTimeout: 1,
		Logger:      testLogger(),
	}, events, handled)

	return &fixture{stateRoot: stateRoot, fake: fake, events: events, handled: handled, bot: b}
}

func (f *fixture) run(t *testing.T) {
	t.Helper()
	require.NoError(t, f.bot.Run(context.Background()), "expected clean idle shutdown")
}

func (f *fixture) publishNotification(t *testing.T, n protocol.Notification) {
	t.Helper()
	dir := workspace.Dir(f.stateRoot, workspace.NotificationsDir)
	name := protocol.DocumentName(protocol.KindNotification, n.WorkspacePath, n.SessionID, protocol.NewCorrelationID())
	require.NoError(t, statedir.Publish(dir, name, n))
}

func (f *fixture) listDocs(t *testing.T, dir string) []statedir.Entry {
	t.Helper()
	entries, err := statedir.Consume(workspace.Dir(f.stateRoot, dir))
	require.NoError(t, err)
	return entries
}

func (f *fixture) approvals(t *testing.T) []protocol.Approval {
	t.Helper()
	var out []protocol.Approval
	for _, e := range f.listDocs(t, workspace.ApprovalsDir) {
		var a protocol.Approval
		require.NoError(t, e.Decode(&a))
		out = append(out, a)
	}
	return out
}

func (f *fixture) eventTypes(t *testing.T) []string {
	t.Helper()
	var types []string
	err := eventlog.Replay(workspace.EventLogPath(f.stateRoot), testLogger(), func(evt protocol.CorrelationEvent) {
		types = append(types, evt.EventType)
	})
	require.NoError(t, err)
	return types
}

func defaultWorkflows() []workflow.Workflow {
	return []workflow.Workflow{
		{ID: "auto_fix_all", Label: "Fix all", Trigger: "always", Command: []string{"true"}},
		{ID: "escalate", Label: "Escalate", Trigger: "error_count > 5", Command: []string{"true"}},
	}
}

func sampleNotification(ws string) protocol.Notification {
	return protocol.Notification{
		WorkspacePath: ws,
		SessionID:     "abc-123",
		ErrorCount:    3,
		Details:       "lint failed in 3 files",
		Timestamp:     time.Now().UTC(),
	}
}

func TestNotificationSendsMessageWithMatchingButtons(t *testing.T) {
	f := newFixture(t, defaultWorkflows())
	f.publishNotification(t, sampleNotification("/tmp/project"))

	f.run(t)

	sent := f.fake.Sent()
	require.Len(t, sent, 1)
	require.Contains(t, sent[0].Text, "3 errors")
	require.Contains(t, sent[0].Text, "abc-123")
	require.Contains(t, sent[0].Text, "lint failed in 3 files")

	// error_count is 3, so only the "always" workflow is offered.
	require.Len(t, sent[0].Buttons, 1)
	require.Equal(t, "Fix all", sent[0].Buttons[0].Label)
	require.NotEmpty(t, sent[0].Buttons[0].Data)

	// One callback mapping per button, waiting for the click.
	require.Len(t, f.listDocs(t, workspace.CallbacksDir), 1)

	// The notification was consumed.
	require.Empty(t, f.listDocs(t, workspace.NotificationsDir))

	require.Contains(t, f.eventTypes(t), protocol.EventNotificationSent)
}

func TestHighErrorCountOffersAllWorkflows(t *testing.T) {
	f := newFixture(t, defaultWorkflows())
	n := sampleNotification("/tmp/project")
	n.ErrorCount = 12
	f.publishNotification(t, n)

	f.run(t)

	sent := f.fake.Sent()
	require.Len(t, sent, 1)
	require.Contains(t, sent[0].Text, "12 errors")
	require.Len(t, sent[0].Buttons, 2)
	require.Len(t, f.listDocs(t, workspace.CallbacksDir), 2)
}

func TestClickPublishesApprovalAndConsumesToken(t *testing.T) {
	f := newFixture(t, defaultWorkflows())
	f.publishNotification(t, sampleNotification("/tmp/project"))

	f.run(t)

	sent := f.fake.Sent()
	require.Len(t, sent, 1)
	token := sent[0].Buttons[0].Data

	f.fake.QueueUpdate(transport.Update{UpdateID: 1, CallbackID: "cb-1", CallbackData: token, MessageID: sent[0].ID})
	f.run(t)

	approvals := f.approvals(t)
	require.Len(t, approvals, 1)
	require.Equal(t, "auto_fix_all", approvals[0].Decision)
	require.Equal(t, "/tmp/project", approvals[0].WorkspacePath)
	require.Equal(t, "abc-123", approvals[0].SessionID)
	require.NotEmpty(t, approvals[0].CorrelationID)
	require.Equal(t, "auto_fix_all", approvals[0].Metadata.WorkflowID)
	require.Equal(t, protocol.WorkspaceHash("/tmp/project"), approvals[0].Metadata.WorkspaceHash)

	// The token is single-use: the mapping was deleted.
	require.Empty(t, f.listDocs(t, workspace.CallbacksDir))

	require.Contains(t, f.fake.Answered(), "cb-1:Queued")
	require.Contains(t, f.eventTypes(t), protocol.EventApprovalPublished)

	// The button message was rewritten with the chosen action.
	edited, ok := f.fake.EditedText(sent[0].ID)
	require.True(t, ok)
	require.Contains(t, edited, "Approved auto_fix_all")
}

func TestReplayedClickDoesNotDuplicateApproval(t *testing.T) {
	f := newFixture(t, defaultWorkflows())
	f.publishNotification(t, sampleNotification("/tmp/project"))
	f.run(t)

	token := f.fake.Sent()[0].Buttons[0].Data
	f.fake.QueueUpdate(transport.Update{UpdateID: 1, CallbackID: "cb-1", CallbackData: token})
	f.fake.QueueUpdate(transport.Update{UpdateID: 2, CallbackID: "cb-2", CallbackData: token})

	f.run(t)

	require.Len(t, f.approvals(t), 1)
	require.Contains(t, f.fake.Answered(), "cb-2:Already handled")

	types := f.eventTypes(t)
	require.Contains(t, types, protocol.EventCallbackReplayed)

	published := 0
	for _, et := range types {
		if et == protocol.EventApprovalPublished {
			published++
		}
	}
	require.Equal(t, 1, published)
}

func TestUnknownTokenAnsweredWithoutApproval(t *testing.T) {
	f := newFixture(t, defaultWorkflows())
	f.fake.QueueUpdate(transport.Update{UpdateID: 1, CallbackID: "cb-1", CallbackData: "nosuchtoken"})

	f.run(t)

	require.Empty(t, f.approvals(t))
	require.Contains(t, f.fake.Answered(), "cb-1:Already handled")
}

func TestCompletionReported(t *testing.T) {
	f := newFixture(t, defaultWorkflows())

	completion := protocol.Completion{
		WorkspacePath:   "/tmp/project",
		WorkflowID:      "auto_fix_all",
		SessionID:       "abc-123",
		Status:          protocol.StatusSuccess,
		ExitCode:        0,
		DurationSeconds: 21.7,
		Summary:         "success",
		CorrelationID:   "corr-1",
		Timestamp:       time.Now().UTC(),
	}
	dir := workspace.Dir(f.stateRoot, workspace.CompletionsDir)
	name := protocol.DocumentName(protocol.KindCompletion, completion.WorkspacePath, completion.SessionID, completion.CorrelationID)
	require.NoError(t, statedir.Publish(dir, name, completion))

	f.run(t)

	sent := f.fake.Sent()
	require.Len(t, sent, 1)
	require.Contains(t, sent[0].Text, "Completed")
	require.Contains(t, sent[0].Text, "21.7s")
	require.Empty(t, sent[0].Buttons)

	require.Empty(t, f.listDocs(t, workspace.CompletionsDir))
	require.Contains(t, f.eventTypes(t), protocol.EventCompletionReported)
}

func TestSendFailureLeavesNotificationForRetry(t *testing.T) {
	f := newFixture(t, defaultWorkflows())
	f.publishNotification(t, sampleNotification("/tmp/project"))

	f.fake.SendErr = os.ErrDeadlineExceeded
	f.run(t)

	// Nothing was consumed and the tokens issued for the failed
	// attempt were withdrawn.
	require.Len(t, f.listDocs(t, workspace.NotificationsDir), 1)
	require.Empty(t, f.listDocs(t, workspace.CallbacksDir))
	require.Empty(t, f.fake.Sent())

	f.fake.SendErr = nil
	f.run(t)

	require.Len(t, f.fake.Sent(), 1)
	require.Empty(t, f.listDocs(t, workspace.NotificationsDir))
	require.Len(t, f.listDocs(t, workspace.CallbacksDir), 1)
}

func TestMalformedNotificationQuarantined(t *testing.T) {
	f := newFixture(t, defaultWorkflows())

	dir := workspace.Dir(f.stateRoot, workspace.NotificationsDir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notification-garbage.json"), []byte("{not json"), 0600))

	f.run(t)

	require.Empty(t, f.fake.Sent())
	require.Empty(t, f.listDocs(t, workspace.NotificationsDir))

	quarantined, err := os.ReadDir(filepath.Join(dir, statedir.QuarantineDirName))
	require.NoError(t, err)
	require.Len(t, quarantined, 1)
	require.Contains(t, f.eventTypes(t), protocol.EventParseError)
}

func TestIdleShutdownLogsExactlyOneEvent(t *testing.T) {
	f := newFixture(t, defaultWorkflows())

	start := time.Now()
	f.run(t)
	require.Less(t, time.Since(start), 5*time.Second)

	shutdowns := 0
	for _, et := range f.eventTypes(t) {
		if et == protocol.EventBotShutdown {
			shutdowns++
		}
	}
	require.Equal(t, 1, shutdowns)
}

// TestApprovalFlowEndToEnd runs the whole pipeline in-process against
// one state root: notification in, message with button out, click in,
// approval consumed by a real orchestrator running the workflow
// command, completion reported back to chat.
func TestApprovalFlowEndToEnd(t *testing.T) {
	workflows := []workflow.Workflow{
		{ID: "auto_fix_all", Label: "Fix all", Trigger: "always", Command: []string{"true"}},
	}
	f := newFixture(t, workflows)

	ws := t.TempDir()
	n := sampleNotification(ws)
	f.publishNotification(t, n)
	f.run(t)

	sent := f.fake.Sent()
	require.Len(t, sent, 1)
	token := sent[0].Buttons[0].Data

	f.fake.QueueUpdate(transport.Update{UpdateID: 1, CallbackID: "cb-1", CallbackData: token})
	f.run(t)
	require.Len(t, f.approvals(t), 1)

	oEvents, err := eventlog.Open(workspace.EventLogPath(f.stateRoot), "orchestrator", testLogger())
	require.NoError(t, err)
	defer oEvents.Close()
	oHandled, err := idempotency.Load(workspace.HandledSetPath(f.stateRoot, "orchestrator"))
	require.NoError(t, err)
	defer oHandled.Close()
	registry, err := workflow.NewRegistry(workflows)
	require.NoError(t, err)

	orch := orchestrator.New(orchestrator.Options{
		StateRoot:      f.stateRoot,
		Registry:       registry,
		CommandTimeout: 30 * time.Second,
		IdleTimeout:    300 * time.Millisecond,
		Logger:         testLogger(),
	}, oEvents, oHandled)
	require.NoError(t, orch.Run(context.Background()))

	// The approval is gone and a completion waits for the bot.
	require.Empty(t, f.listDocs(t, workspace.ApprovalsDir))
	require.Len(t, f.listDocs(t, workspace.CompletionsDir), 1)

	f.run(t)

	sent = f.fake.Sent()
	require.Len(t, sent, 2)
	require.Contains(t, sent[1].Text, "Completed")
	require.Contains(t, sent[1].Text, "auto_fix_all")
	require.Empty(t, f.listDocs(t, workspace.CompletionsDir))
}

func TestContextCancellationStopsRun(t *testing.T) {
	f := newFixture(t, defaultWorkflows())
	f.bot.opts.IdleTimeout = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.bot.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("bot did not stop after cancellation")
	}
}
