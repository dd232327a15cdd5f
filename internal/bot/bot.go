// Package bot implements the operator-facing half of the pipeline: it
// long-polls the chat transport for button clicks, watches the
// notification and completion state directories, renders chat
// messages, and publishes Approval documents. A bot instance is
// started on demand and exits after an idle window, so no polling
// process runs when there is nothing to do.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/iambrandonn/sentinel/internal/eventlog"
	"github.com/iambrandonn/sentinel/internal/idempotency"
	"github.com/iambrandonn/sentinel/internal/protocol"
	"github.com/iambrandonn/sentinel/internal/statedir"
	"github.com/iambrandonn/sentinel/internal/transport"
	"github.com/iambrandonn/sentinel/internal/workflow"
	"github.com/iambrandonn/sentinel/internal/workspace"
)

// WatchInterval is the polling fallback period for the state
// directory watcher.
const WatchInterval = 2 * time.Second

// pollRetryDelay spaces out transport polls after an error so an
// unreachable chat API does not spin the loop.
const pollRetryDelay = 5 * time.Second

// emptyPollDelay paces the loop when the transport returns empty
// batches immediately instead of holding the long poll open.
const emptyPollDelay = 100 * time.Millisecond

// Options configures a Bot
type Options struct {
	StateRoot   string
	Registry    *workflow.Registry
	Transport   transport.Transport
	IdleTimeout time.Duration
	PollTimeout int // seconds, server-side long-poll bound
	Logger      *slog.Logger
}

// Bot is the notification/approval half of the pipeline
type Bot struct {
	opts    Options
	events  *eventlog.Log
	handled *idempotency.HandledSet
}

// New creates a bot. The caller owns the event log and handled set
// lifecycles.
func New(opts Options, events *eventlog.Log, handled *idempotency.HandledSet) *Bot {
	return &Bot{opts: opts, events: events, handled: handled}
}

// Run is the Active state: it processes clicks and documents until
// the context is cancelled or the idle window elapses. Idle shutdown
// logs exactly one bot.shutdown event and returns nil; the next
// notification re-triggers a fresh instance externally.
func (b *Bot) Run(ctx context.Context) error {
	notificationsDir := workspace.Dir(b.opts.StateRoot, workspace.NotificationsDir)
	completionsDir := workspace.Dir(b.opts.StateRoot, workspace.CompletionsDir)

	watcher, err := statedir.NewWatcher([]string{notificationsDir, completionsDir}, WatchInterval, b.opts.Logger)
	if err != nil {
		return fmt.Errorf("failed to watch state directories: %w", err)
	}
	defer watcher.Close()

	pollCtx, stopPolling := context.WithCancel(ctx)
	defer stopPolling()
	updates := make(chan transport.Update, 16)
	go b.pollLoop(pollCtx, updates)

	idle := time.NewTimer(b.opts.IdleTimeout)
	defer idle.Stop()

	// Drain documents that arrived while no bot was running.
	if b.drainDirectories(ctx, notificationsDir, completionsDir) {
		resetTimer(idle, b.opts.IdleTimeout)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-idle.C:
			b.events.Record(protocol.CorrelationEvent{EventType: protocol.EventBotShutdown})
			b.opts.Logger.Info("bot idle, shutting down", "idle_timeout", b.opts.IdleTimeout)
			return nil

		case upd := <-updates:
			if b.handleUpdate(ctx, upd) {
				resetTimer(idle, b.opts.IdleTimeout)
			}

		case <-watcher.C():
			if b.drainDirectories(ctx, notificationsDir, completionsDir) {
				resetTimer(idle, b.opts.IdleTimeout)
			}
		}
	}
}

// pollLoop long-polls the transport and feeds click events into the
// main loop. An empty poll is not activity and does not touch the
// idle window.
func (b *Bot) pollLoop(ctx context.Context, updates chan<- transport.Update) {
	var offset int64

	for {
		if ctx.Err() != nil {
			return
		}

		batch, err := b.opts.Transport.GetUpdates(ctx, offset, b.opts.PollTimeout)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			b.opts.Logger.Warn("transport poll failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollRetryDelay):
			}
			continue
		}

		if len(batch) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(emptyPollDelay):
			}
			continue
		}

		for _, upd := range batch {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
			}
			if upd.CallbackData == "" {
				continue
			}
			select {
			case <-ctx.Done():
				return
			case updates <- upd:
			}
		}
	}
}

// handleUpdate maps one button click through the callback mapping
// table and publishes an Approval. Returns true if the click was real
// activity.
func (b *Bot) handleUpdate(ctx context.Context, upd transport.Update) bool {
	callbacksDir := workspace.Dir(b.opts.StateRoot, workspace.CallbacksDir)
	entry := statedir.Entry{Dir: callbacksDir, Name: protocol.CallbackName(upd.CallbackData)}

	var mapping protocol.CallbackMapping
	if err := entry.Decode(&mapping); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Token already consumed: a second click must be a
			// no-op, not a second approval.
			b.events.Record(protocol.CorrelationEvent{EventType: protocol.EventCallbackReplayed})
			b.answer(ctx, upd.CallbackID, "Already handled")
			return true
		}
		b.opts.Logger.Error("malformed callback mapping", "name", entry.Name, "error", err)
		b.events.Record(protocol.CorrelationEvent{EventType: protocol.EventParseError})
		if qerr := entry.Quarantine(); qerr != nil {
			b.opts.Logger.Warn("failed to quarantine callback mapping", "error", qerr)
		}
		b.answer(ctx, upd.CallbackID, "Something went wrong")
		return true
	}

	approvalKey := idempotency.Key("approval", mapping.CorrelationID)
	if !b.handled.Has(approvalKey) {
		approval := protocol.Approval{
			Decision:      mapping.Action,
			WorkspacePath: mapping.WorkspacePath,
			SessionID:     mapping.SessionID,
			CorrelationID: mapping.CorrelationID,
			Timestamp:     time.Now().UTC(),
			Metadata: protocol.ApprovalMetadata{
				WorkspaceHash: protocol.WorkspaceHash(mapping.WorkspacePath),
				WorkflowID:    mapping.Action,
			},
		}

		approvalsDir := workspace.Dir(b.opts.StateRoot, workspace.ApprovalsDir)
		name := protocol.DocumentName(protocol.KindApproval, mapping.WorkspacePath, mapping.SessionID, mapping.CorrelationID)
		if err := statedir.Publish(approvalsDir, name, approval); err != nil {
			// Leave the mapping in place so the operator can retry
			// the click.
			b.opts.Logger.Error("failed to publish approval", "error", err)
			b.answer(ctx, upd.CallbackID, "Failed, try again")
			return true
		}

		if err := b.handled.MarkHandled(approvalKey); err != nil {
			b.opts.Logger.Warn("failed to mark approval handled", "error", err)
		}

		b.events.Record(protocol.CorrelationEvent{
			EventType:     protocol.EventApprovalPublished,
			Workspace:     mapping.WorkspacePath,
			Session:       mapping.SessionID,
			CorrelationID: mapping.CorrelationID,
		})

		b.opts.Logger.Info("approval published",
			"action", mapping.Action,
			"session", mapping.SessionID,
			"correlation_id", mapping.CorrelationID)
	}

	// Consume the token after the approval exists; a crash between
	// the two leaves the mapping behind, and the handled set
	// suppresses the duplicate approval on the next click.
	if err := entry.Ack(); err != nil {
		b.opts.Logger.Warn("failed to delete callback mapping", "error", err)
	}

	b.answer(ctx, upd.CallbackID, "Queued")

	// Replace the button message so the chat shows what was chosen.
	if upd.MessageID != "" {
		text := fmt.Sprintf("Approved %s for session %s", mapping.Action, mapping.SessionID)
		if err := b.opts.Transport.EditMessage(ctx, upd.MessageID, text); err != nil {
			b.opts.Logger.Warn("failed to edit notification message", "error", err)
		}
	}
	return true
}

// drainDirectories consumes pending notifications and completions.
// Returns true if anything was processed.
func (b *Bot) drainDirectories(ctx context.Context, notificationsDir, completionsDir string) bool {
	processed := false
	if b.drainNotifications(ctx, notificationsDir) {
		processed = true
	}
	if b.drainCompletions(ctx, completionsDir) {
		processed = true
	}
	return processed
}

func (b *Bot) drainNotifications(ctx context.Context, dir string) bool {
	entries, err := statedir.Consume(dir)
	if err != nil {
		b.opts.Logger.Error("failed to list notifications", "error", err)
		return false
	}

	processed := false
	for _, entry := range entries {
		if b.handleNotification(ctx, entry) {
			processed = true
		}
	}
	return processed
}

// handleNotification renders one notification into a chat message
// with approval buttons, writing a callback mapping per button before
// the message is sent so every click resolves.
func (b *Bot) handleNotification(ctx context.Context, entry statedir.Entry) bool {
	key := idempotency.Key("notify", entry.Name)
	if b.handled.Has(key) {
		// Crash between send and delete: already reported.
		if err := entry.Ack(); err != nil {
			b.opts.Logger.Warn("failed to delete consumed notification", "error", err)
		}
		return true
	}

	var notification protocol.Notification
	if err := entry.Decode(&notification); err != nil {
		b.opts.Logger.Error("malformed notification document", "name", entry.Name, "error", err)
		b.events.Record(protocol.CorrelationEvent{EventType: protocol.EventParseError})
		if qerr := entry.Quarantine(); qerr != nil {
			b.opts.Logger.Warn("failed to quarantine notification", "error", qerr)
		}
		return true
	}

	wfCtx := workflow.Context{
		WorkspacePath: notification.WorkspacePath,
		SessionID:     notification.SessionID,
		ErrorCount:    notification.ErrorCount,
		Details:       notification.Details,
	}
	offered := b.opts.Registry.Select(wfCtx)

	callbacksDir := workspace.Dir(b.opts.StateRoot, workspace.CallbacksDir)
	var buttons []transport.Button
	var issuedMappings []string
	for _, wf := range offered {
		mapping := protocol.CallbackMapping{
			Token:         protocol.NewCallbackToken(),
			WorkspacePath: notification.WorkspacePath,
			SessionID:     notification.SessionID,
			Action:        wf.ID,
			CorrelationID: protocol.NewCorrelationID(),
		}
		name := protocol.CallbackName(mapping.Token)
		if err := statedir.Publish(callbacksDir, name, mapping); err != nil {
			b.opts.Logger.Error("failed to publish callback mapping", "error", err)
			return false
		}
		issuedMappings = append(issuedMappings, name)
		buttons = append(buttons, transport.Button{Label: wf.Label, Data: mapping.Token})
	}

	text := RenderNotification(notification)
	if _, err := b.opts.Transport.SendMessage(ctx, text, buttons); err != nil {
		// Unreachable transport: leave the notification unconsumed so
		// it is retried when connectivity returns, and withdraw the
		// tokens issued for this attempt.
		b.opts.Logger.Warn("failed to send notification message", "error", err)
		for _, name := range issuedMappings {
			mappingEntry := statedir.Entry{Dir: callbacksDir, Name: name}
			if err := mappingEntry.Ack(); err != nil {
				b.opts.Logger.Warn("failed to withdraw callback mapping", "error", err)
			}
		}
		return false
	}

	if err := b.handled.MarkHandled(key); err != nil {
		b.opts.Logger.Warn("failed to mark notification handled", "error", err)
	}
	if err := entry.Ack(); err != nil {
		b.opts.Logger.Warn("failed to delete consumed notification", "error", err)
	}

	b.events.Record(protocol.CorrelationEvent{
		EventType: protocol.EventNotificationSent,
		Workspace: notification.WorkspacePath,
		Session:   notification.SessionID,
	})

	b.opts.Logger.Info("notification sent",
		"session", notification.SessionID,
		"error_count", notification.ErrorCount,
		"buttons", len(buttons))
	return true
}

func (b *Bot) drainCompletions(ctx context.Context, dir string) bool {
	entries, err := statedir.Consume(dir)
	if err != nil {
		b.opts.Logger.Error("failed to list completions", "error", err)
		return false
	}

	processed := false
	for _, entry := range entries {
		if b.handleCompletion(ctx, entry) {
			processed = true
		}
	}
	return processed
}

func (b *Bot) handleCompletion(ctx context.Context, entry statedir.Entry) bool {
	var completion protocol.Completion
	if err := entry.Decode(&completion); err != nil {
		b.opts.Logger.Error("malformed completion document", "name", entry.Name, "error", err)
		b.events.Record(protocol.CorrelationEvent{EventType: protocol.EventParseError})
		if qerr := entry.Quarantine(); qerr != nil {
			b.opts.Logger.Warn("failed to quarantine completion", "error", qerr)
		}
		return true
	}

	key := idempotency.Key("completion", completion.CorrelationID)
	if b.handled.Has(key) {
		if err := entry.Ack(); err != nil {
			b.opts.Logger.Warn("failed to delete consumed completion", "error", err)
		}
		return true
	}

	text := RenderCompletion(completion)
	if _, err := b.opts.Transport.SendMessage(ctx, text, nil); err != nil {
		b.opts.Logger.Warn("failed to send completion message", "error", err)
		return false
	}

	if err := b.handled.MarkHandled(key); err != nil {
		b.opts.Logger.Warn("failed to mark completion handled", "error", err)
	}
	if err := entry.Ack(); err != nil {
		b.opts.Logger.Warn("failed to delete consumed completion", "error", err)
	}

	b.events.Record(protocol.CorrelationEvent{
		EventType:     protocol.EventCompletionReported,
		Workspace:     completion.WorkspacePath,
		Session:       completion.SessionID,
		CorrelationID: completion.CorrelationID,
	})
	return true
}

func (b *Bot) answer(ctx context.Context, callbackID, text string) {
	if callbackID == "" {
		return
	}
	if err := b.opts.Transport.AnswerCallback(ctx, callbackID, text); err != nil {
		b.opts.Logger.Warn("failed to answer callback", "error", err)
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
