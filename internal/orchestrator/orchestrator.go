// Package orchestrator consumes Approval documents, executes the
// approved workflow's agent command as a subprocess, and publishes
// Completion documents. It is the sole consumer of the approvals
// state directory.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/iambrandonn/sentinel/internal/eventlog"
	"github.com/iambrandonn/sentinel/internal/idempotency"
	"github.com/iambrandonn/sentinel/internal/protocol"
	"github.com/iambrandonn/sentinel/internal/statedir"
	"github.com/iambrandonn/sentinel/internal/workflow"
	"github.com/iambrandonn/sentinel/internal/workspace"
)

// WatchInterval is the polling fallback period for the approvals
// directory watcher.
const WatchInterval = 2 * time.Second

// Options configures an Orchestrator
type Options struct {
	StateRoot      string
	Registry       *workflow.Registry
	CommandTimeout time.Duration
	IdleTimeout    time.Duration
	Logger         *slog.Logger
}

// Orchestrator is the execution half of the pipeline
type Orchestrator struct {
	opts    Options
	events  *eventlog.Log
	handled *idempotency.HandledSet
	runner  *Runner
}

// New creates an orchestrator. The caller owns the event log and
// handled set lifecycles.
func New(opts Options, events *eventlog.Log, handled *idempotency.HandledSet) *Orchestrator {
	return &Orchestrator{
		opts:    opts,
		events:  events,
		handled: handled,
		runner: &Runner{
			Timeout: opts.CommandTimeout,
			Logger:  opts.Logger,
		},
	}
}

// Run consumes approvals until the context is cancelled or the idle
// window elapses with no work. Returns nil on idle shutdown.
func (o *Orchestrator) Run(ctx context.Context) error {
	approvalsDir := workspace.Dir(o.opts.StateRoot, workspace.ApprovalsDir)

	watcher, err := statedir.NewWatcher([]string{approvalsDir}, WatchInterval, o.opts.Logger)
	if err != nil {
		return fmt.Errorf("failed to watch approvals: %w", err)
	}
	defer watcher.Close()

	idle := time.NewTimer(o.opts.IdleTimeout)
	defer idle.Stop()

	// Drain anything that arrived while no orchestrator was running.
	if processed, err := o.drain(approvalsDir); err != nil {
		return err
	} else if processed {
		resetTimer(idle, o.opts.IdleTimeout)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-idle.C:
			o.opts.Logger.Info("orchestrator idle, shutting down", "idle_timeout", o.opts.IdleTimeout)
			return nil
		case <-watcher.C():
			processed, err := o.drain(approvalsDir)
			if err != nil {
				return err
			}
			if processed {
				resetTimer(idle, o.opts.IdleTimeout)
			}
		}
	}
}

// drain consumes every pending approval. Reports whether any document
// was processed (work resets the idle window).
func (o *Orchestrator) drain(approvalsDir string) (bool, error) {
	entries, err := statedir.Consume(approvalsDir)
	if err != nil {
		return false, fmt.Errorf("failed to list approvals: %w", err)
	}

	processed := false
	for _, entry := range entries {
		var approval protocol.Approval
		if err := entry.Decode(&approval); err != nil {
			o.opts.Logger.Error("malformed approval document", "name", entry.Name, "error", err)
			o.events.Record(protocol.CorrelationEvent{
				EventType: protocol.EventParseError,
			})
			if qerr := entry.Quarantine(); qerr != nil {
				return false, fmt.Errorf("failed to quarantine %s: %w", entry.Name, qerr)
			}
			processed = true
			continue
		}

		if err := o.execute(entry, approval); err != nil {
			return false, err
		}
		processed = true
	}
	return processed, nil
}

// execute runs one approved workflow and publishes its Completion
func (o *Orchestrator) execute(entry statedir.Entry, approval protocol.Approval) error {
	key := idempotency.Key("execute", approval.CorrelationID)
	if o.handled.Has(key) {
		// Reprocessed after a crash between start and delete: the
		// subprocess already ran (or is running); just consume.
		o.opts.Logger.Info("approval already executed, consuming duplicate",
			"correlation_id", approval.CorrelationID)
		return entry.Ack()
	}

	wf, ok := o.lookupWorkflow(approval)
	if !ok {
		o.opts.Logger.Error("approval references unknown workflow",
			"workflow_id", approval.Metadata.WorkflowID,
			"decision", approval.Decision)
		o.events.Record(protocol.CorrelationEvent{
			EventType:     protocol.EventParseError,
			Workspace:     approval.WorkspacePath,
			Session:       approval.SessionID,
			CorrelationID: approval.CorrelationID,
		})
		return entry.Quarantine()
	}

	argv := workflow.RenderCommand(wf, workflow.Context{
		WorkspacePath: approval.WorkspacePath,
		SessionID:     approval.SessionID,
	})

	o.events.Record(protocol.CorrelationEvent{
		EventType:     protocol.EventWorkflowStarted,
		Workspace:     approval.WorkspacePath,
		Session:       approval.SessionID,
		CorrelationID: approval.CorrelationID,
	})

	result, err := o.runner.Run(argv, approval.WorkspacePath, func(pid int) {
		// Mark handled and delete the approval as soon as the
		// subprocess is confirmed started. A crash from here on can
		// lose the completion report but never re-runs the agent.
		if err := o.handled.MarkHandled(key); err != nil {
			o.opts.Logger.Warn("failed to mark approval handled", "error", err)
		}
		if err := entry.Ack(); err != nil {
			o.opts.Logger.Warn("failed to delete consumed approval", "error", err)
		}
	})
	if err != nil {
		// The subprocess never started (bad binary, bad workdir).
		// Report it as a failure completion rather than crashing, so
		// the operator hears about it.
		o.opts.Logger.Error("failed to run workflow command", "workflow", wf.ID, "error", err)
		if herr := o.handled.MarkHandled(key); herr != nil {
			o.opts.Logger.Warn("failed to mark approval handled", "error", herr)
		}
		if aerr := entry.Ack(); aerr != nil {
			o.opts.Logger.Warn("failed to delete consumed approval", "error", aerr)
		}
		result = Result{
			Status:   protocol.StatusFailure,
			ExitCode: -1,
			Stderr:   err.Error(),
		}
	}

	completion := protocol.Completion{
		WorkspacePath:   approval.WorkspacePath,
		WorkflowID:      wf.ID,
		SessionID:       approval.SessionID,
		Status:          result.Status,
		ExitCode:        result.ExitCode,
		DurationSeconds: RoundDuration(result.Duration),
		Summary:         summarize(wf, result),
		Stdout:          result.Stdout,
		Stderr:          result.Stderr,
		CorrelationID:   approval.CorrelationID,
		Timestamp:       time.Now().UTC(),
	}

	completionsDir := workspace.Dir(o.opts.StateRoot, workspace.CompletionsDir)
	name := protocol.DocumentName(protocol.KindCompletion, approval.WorkspacePath, approval.SessionID, approval.CorrelationID)
	if err := statedir.Publish(completionsDir, name, completion); err != nil {
		return fmt.Errorf("failed to publish completion: %w", err)
	}

	o.events.Record(protocol.CorrelationEvent{
		EventType:     protocol.EventWorkflowCompleted,
		Workspace:     approval.WorkspacePath,
		Session:       approval.SessionID,
		CorrelationID: approval.CorrelationID,
	})

	o.opts.Logger.Info("workflow completed",
		"workflow", wf.ID,
		"status", completion.Status,
		"exit_code", completion.ExitCode,
		"duration_s", completion.DurationSeconds)

	return nil
}

// lookupWorkflow resolves the approval's workflow id, falling back to
// the decision field for producers that set only that.
func (o *Orchestrator) lookupWorkflow(approval protocol.Approval) (workflow.Workflow, bool) {
	if approval.Metadata.WorkflowID != "" {
		if wf, ok := o.opts.Registry.Lookup(approval.Metadata.WorkflowID); ok {
			return wf, true
		}
	}
	return o.opts.Registry.Lookup(approval.Decision)
}

func summarize(wf workflow.Workflow, result Result) string {
	switch result.Status {
	case protocol.StatusSuccess:
		return fmt.Sprintf("%s finished in %.1fs", wf.Label, RoundDuration(result.Duration))
	case protocol.StatusTimeout:
		return fmt.Sprintf("%s timed out after %.1fs", wf.Label, RoundDuration(result.Duration))
	default:
		return fmt.Sprintf("%s failed with exit code %d", wf.Label, result.ExitCode)
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
