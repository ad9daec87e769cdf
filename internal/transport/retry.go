package transport

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/trustline/server/internal/model"
)

const (
	retryBase     = 500 * time.Millisecond
	retryCap      = 8 * time.Second
	retryAttempts = 4
)

// RetrySender wraps a Sender with capped exponential backoff for
// transient provider failures. This is the only automatic retry in the
// system: sending a message is safe to repeat, unlike credential
// issuance, whose side effects are ambiguous on failure.
type RetrySender struct {
	inner Sender
}

// NewRetrySender wraps the sender with retry behavior.
func NewRetrySender(inner Sender) *RetrySender {
	return &RetrySender{inner: inner}
}

// Send delivers the message, retrying transient failures with capped
// exponential backoff. Non-transient errors (provider rejections) are
// returned immediately.
func (s *RetrySender) Send(ctx context.Context, phone, text string) (string, error) {
	backoff := retry.WithCappedDuration(retryCap, retry.NewExponential(retryBase))
	backoff = retry.WithMaxRetries(retryAttempts, backoff)

	var messageID string
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		id, err := s.inner.Send(ctx, phone, text)
		if err != nil {
			if errors.Is(err, model.ErrUpstreamUnavailable) {
				return retry.RetryableError(err)
			}
			return err
		}
		messageID = id
		return nil
	})
	if err != nil {
		return "", err
	}
	return messageID, nil
}
