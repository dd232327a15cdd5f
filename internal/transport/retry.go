package transport

import (
	"context"
	"log/slog"
	"time"
)

// Backoff holds exponential backoff parameters for transport retries
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// DefaultBackoff matches the configured retry defaults
var DefaultBackoff = Backoff{
	Initial:    time.Second,
	Max:        60 * time.Second,
	Multiplier: 2.0,
}

// Retrier wraps a Transport, retrying outbound calls with exponential
// backoff. Inbound polling (GetUpdates) is not retried here; the poll
// loop is already a retry loop. A permanently unreachable transport
// surfaces as an error after MaxAttempts so the caller can leave the
// triggering document unconsumed.
type Retrier struct {
	inner       Transport
	backoff     Backoff
	maxAttempts int
	logger      *slog.Logger
}

// NewRetrier wraps a transport with retry behavior
func NewRetrier(inner Transport, backoff Backoff, maxAttempts int, logger *slog.Logger) *Retrier {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Retrier{
		inner:       inner,
		backoff:     backoff,
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

// SendMessage implements Transport
func (r *Retrier) SendMessage(ctx context.Context, text string, buttons []Button) (string, error) {
	var messageID string
	err := r.retry(ctx, "sendMessage", func() error {
		var err error
		messageID, err = r.inner.SendMessage(ctx, text, buttons)
		return err
	})
	return messageID, err
}

// EditMessage implements Transport
func (r *Retrier) EditMessage(ctx context.Context, messageID, text string) error {
	return r.retry(ctx, "editMessageText", func() error {
		return r.inner.EditMessage(ctx, messageID, text)
	})
}

// AnswerCallback implements Transport
func (r *Retrier) AnswerCallback(ctx context.Context, callbackID, text string) error {
	return r.retry(ctx, "answerCallbackQuery", func() error {
		return r.inner.AnswerCallback(ctx, callbackID, text)
	})
}

// GetUpdates implements Transport, passing straight through
func (r *Retrier) GetUpdates(ctx context.Context, offset int64, timeoutSeconds int) ([]Update, error) {
	return r.inner.GetUpdates(ctx, offset, timeoutSeconds)
}

func (r *Retrier) retry(ctx context.Context, method string, fn func() error) error {
	delay := r.backoff.Initial
	var lastErr error

	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if attempt == r.maxAttempts {
			break
		}

		r.logger.Warn("transport call failed, retrying",
			"method", method,
			"attempt", attempt,
			"delay", delay,
			"error", lastErr)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay = time.Duration(float64(delay) * r.backoff.Multiplier)
		if delay > r.backoff.Max {
			delay = r.backoff.Max
		}
	}
	return lastErr
}
