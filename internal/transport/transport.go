// Package transport abstracts the chat bot API the operator interacts
// with. The pipeline only needs four calls: send a message with
// buttons, edit a message, acknowledge a button click, and long-poll
// for click events. Credentials come from configuration.
package transport

import "context"

// Button is one inline button attached to a message. Data is the
// opaque callback payload the click event echoes back.
type Button struct {
	Label string
	Data  string
}

// Update is one inbound event from the chat transport. The operator
// never types commands, so only button clicks are modeled.
type Update struct {
	UpdateID     int64
	CallbackID   string
	CallbackData string
	MessageID    string
}

// Transport is the outbound/inbound chat surface
type Transport interface {
	// SendMessage sends text (with optional buttons) to the operator
	// and returns the transport's message id.
	SendMessage(ctx context.Context, text string, buttons []Button) (string, error)

	// EditMessage replaces the text of a previously sent message.
	EditMessage(ctx context.Context, messageID, text string) error

	// AnswerCallback acknowledges a button click so the operator's
	// client stops showing a spinner.
	AnswerCallback(ctx context.Context, callbackID, text string) error

	// GetUpdates long-polls for click events past the given offset.
	// timeoutSeconds bounds the server-side wait.
	GetUpdates(ctx context.Context, offset int64, timeoutSeconds int) ([]Update, error)
}
