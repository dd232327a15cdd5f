package protocol

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DocumentKind identifies which state directory a document belongs to
type DocumentKind string

const (
	KindNotification DocumentKind = "notification"
	KindApproval     DocumentKind = "approval"
	KindCompletion   DocumentKind = "completion"
	KindCallback     DocumentKind = "callback"
)

// CompletionStatus is the terminal state of one workflow execution
type CompletionStatus string

const (
	StatusSuccess CompletionStatus = "success"
	StatusFailure CompletionStatus = "failure"
	StatusTimeout CompletionStatus = "timeout"
)

// Notification is written by a producer when a problem is detected.
// Consumed exactly once by the bot; never mutated.
type Notification struct {
	WorkspacePath string    `json:"workspace_path"`
	SessionID     string    `json:"session_id"`
	ErrorCount    int       `json:"error_count"`
	Details       string    `json:"details"`
	Timestamp     time.Time `json:"timestamp"`
}

// ApprovalMetadata carries optional context alongside an approval
type ApprovalMetadata struct {
	WorkspaceHash string `json:"workspace_hash,omitempty"`
	WorkflowID    string `json:"workflow_id,omitempty"`
}

// Approval records an operator decision. Created by the bot on a
// button click; consumed exactly once by the orchestrator.
type Approval struct {
	Decision      string           `json:"decision"`
	WorkspacePath string           `json:"workspace_path"`
	SessionID     string           `json:"session_id"`
	CorrelationID string           `json:"correlation_id"`
	Timestamp     time.Time        `json:"timestamp"`
	Metadata      ApprovalMetadata `json:"metadata"`
}

// Completion records the outcome of one subprocess execution.
// Created by the orchestrator; consumed by the bot.
type Completion struct {
	WorkspacePath   string           `json:"workspace_path"`
	WorkflowID      string           `json:"workflow_id"`
	SessionID       string           `json:"session_id"`
	Status          CompletionStatus `json:"status"`
	ExitCode        int              `json:"exit_code"`
	DurationSeconds float64          `json:"duration_seconds"`
	Summary         string           `json:"summary"`
	Stdout          string           `json:"stdout,omitempty"`
	Stderr          string           `json:"stderr,omitempty"`
	CorrelationID   string           `json:"correlation_id"`
	Timestamp       time.Time        `json:"timestamp"`
}

// CallbackMapping maps a short opaque button token to its full
// context. Created and consumed by the bot; single-use.
type CallbackMapping struct {
	Token         string `json:"token"`
	WorkspacePath string `json:"workspace_path"`
	SessionID     string `json:"session_id"`
	Action        string `json:"action"`
	CorrelationID string `json:"correlation_id"`
}

// CorrelationEvent is one append-only audit row. Written by every
// component on significant transitions; consumed by none.
type CorrelationEvent struct {
	EventType     string    `json:"event_type"`
	Component     string    `json:"component"`
	Workspace     string    `json:"workspace,omitempty"`
	Session       string    `json:"session,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Well-known correlation event types
const (
	EventNotificationSent   = "notification.sent"
	EventApprovalPublished  = "approval.published"
	EventCallbackReplayed   = "callback.replayed"
	EventWorkflowStarted    = "workflow.started"
	EventWorkflowCompleted  = "workflow.completed"
	EventCompletionReported = "completion.reported"
	EventBotShutdown        = "bot.shutdown"
	EventParseError         = "parse_error"
	EventCrashLoop          = "crash_loop"
)

// WorkspaceHash returns a short filesystem-safe fragment derived from
// a workspace path, used in document filenames so concurrent
// workspaces never collide.
func WorkspaceHash(workspacePath string) string {
	hash := sha256.Sum256([]byte(workspacePath))
	return hex.EncodeToString(hash[:4])
}

// NewCorrelationID generates an opaque id threading one workflow
// instance through notification, approval, and completion.
func NewCorrelationID() string {
	return "corr-" + uuid.New().String()
}

// NewCallbackToken generates a short single-use token small enough to
// ride inside a chat button payload.
func NewCallbackToken() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// DocumentName builds the canonical filename for a document:
// <kind>-<workspace hash>-<session>-<correlation>.json
// The session and correlation fragments come from untrusted producer
// documents and are sanitized so they cannot carry path elements.
func DocumentName(kind DocumentKind, workspacePath, sessionID, correlationID string) string {
	return fmt.Sprintf("%s-%s-%s-%s.json", kind, WorkspaceHash(workspacePath), safeFragment(sessionID), safeFragment(correlationID))
}

// safeFragment reduces a string to filename-safe runes. Anything
// outside [A-Za-z0-9._-] becomes a dash, which removes path
// separators; a fragment of only dots falls back to a hash so ".."
// can never stand alone.
func safeFragment(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}

	out := b.String()
	if strings.Trim(out, ".-") == "" {
		return WorkspaceHash(s)
	}
	return out
}

// CallbackName builds the filename for a callback mapping, keyed by
// token since that is the only field the click event carries.
func CallbackName(token string) string {
	return fmt.Sprintf("%s-%s.json", KindCallback, token)
}
