package bot

import (
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/iambrandonn/sentinel/internal/protocol"
)

// maxDetailsChars bounds how much of a producer's details field is
// forwarded to chat; transports reject oversized messages.
const maxDetailsChars = 1500

// RenderNotification formats the chat message for a new notification.
// The error count appears verbatim so operators can triage from the
// message alone.
func RenderNotification(n protocol.Notification) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d errors in session %s\n", n.ErrorCount, n.SessionID)
	fmt.Fprintf(&sb, "Workspace: %s\n", n.WorkspacePath)

	details := strings.TrimSpace(n.Details)
	if details != "" {
		if len(details) > maxDetailsChars {
			// Back up to a rune boundary so the cut never leaves a
			// partial UTF-8 sequence before the ellipsis.
			cut := maxDetailsChars
			for cut > 0 && !utf8.RuneStart(details[cut]) {
				cut--
			}
			details = details[:cut] + "…"
		}
		sb.WriteString("\n")
		sb.WriteString(details)
	}
	return sb.String()
}

// RenderCompletion formats the outcome report for a finished
// workflow. Status wording is stable: "Completed", "Failed", or
// "Timed out".
func RenderCompletion(c protocol.Completion) string {
	workspace := filepath.Base(c.WorkspacePath)
	duration := fmt.Sprintf("%.1fs", c.DurationSeconds)

	var sb strings.Builder
	switch c.Status {
	case protocol.StatusSuccess:
		fmt.Fprintf(&sb, "Completed %s in %s (%s, session %s)", c.WorkflowID, duration, workspace, c.SessionID)
	case protocol.StatusTimeout:
		fmt.Fprintf(&sb, "Timed out: %s after %s (%s, session %s)", c.WorkflowID, duration, workspace, c.SessionID)
	default:
		fmt.Fprintf(&sb, "Failed: %s exited %d after %s (%s, session %s)", c.WorkflowID, c.ExitCode, duration, workspace, c.SessionID)
	}

	summary := strings.TrimSpace(c.Summary)
	if summary != "" && summary != string(c.Status) {
		sb.WriteString("\n")
		sb.WriteString(summary)
	}
	return sb.String()
}
