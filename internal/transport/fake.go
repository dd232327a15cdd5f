package transport

import (
	"context"
	"fmt"
	"sync"
)

// SentMessage records one outbound message for assertions
type SentMessage struct {
	ID      string
	Text    string
	Buttons []Button
}

// Fake is an in-memory Transport for tests. Updates are scripted via
// QueueUpdate; outbound traffic is recorded.
type Fake struct {
	mu sync.Mutex

	nextMessageID int64
	sent          []SentMessage
	edits         map[string]string
	answered      []string
	pending       []Update

	// SendErr, when set, fails the next SendMessage calls until
	// cleared. Used to exercise retry and unconsumed-document paths.
	SendErr error
}

// NewFake creates an empty fake transport
func NewFake() *Fake {
	return &Fake{edits: make(map[string]string)}
}

// SendMessage implements Transport
func (f *Fake) SendMessage(ctx context.Context, text string, buttons []Button) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.SendErr != nil {
		return "", f.SendErr
	}

	f.nextMessageID++
	id := fmt.Sprintf("%d", f.nextMessageID)
	f.sent = append(f.sent, SentMessage{ID: id, Text: text, Buttons: buttons})
	return id, nil
}

// EditMessage implements Transport
func (f *Fake) EditMessage(ctx context.Context, messageID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits[messageID] = text
	return nil
}

// AnswerCallback implements Transport
func (f *Fake) AnswerCallback(ctx context.Context, callbackID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answered = append(f.answered, callbackID+":"+text)
	return nil
}

// GetUpdates implements Transport. Returns queued updates past the
// offset without blocking; an empty queue yields an empty slice.
func (f *Fake) GetUpdates(ctx context.Context, offset int64, timeoutSeconds int) ([]Update, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []Update
	for _, u := range f.pending {
		if u.UpdateID >= offset {
			out = append(out, u)
		}
	}
	return out, nil
}

// QueueUpdate scripts an inbound button click
func (f *Fake) QueueUpdate(u Update) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, u)
}

// Sent returns a copy of all recorded outbound messages
func (f *Fake) Sent() []SentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SentMessage(nil), f.sent...)
}

// Answered returns the recorded callback acknowledgements
func (f *Fake) Answered() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.answered...)
}

// EditedText returns the last edit applied to a message id
func (f *Fake) EditedText(messageID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	text, ok := f.edits[messageID]
	return text, ok
}
