package channel

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/trustline/server/internal/model"
)

// Store is the slice of the session store the tracker needs. Transitions
// are applied with a compare-and-set on the prior channel type; the
// tracker never caches trust state.
type Store interface {
	Get(ctx context.Context, phone string) (model.Session, error)
	GetByLastMessageID(ctx context.Context, messageID string) (model.Session, error)
	ApplyChannelTransition(ctx context.Context, phone string, prior, next model.ChannelType, revoke bool) (model.Session, error)
}

// Tracker classifies message channels and drives channel-trust
// transitions against the session store.
type Tracker struct {
	store         Store
	trustedPrefix string
}

// NewTracker creates a Tracker. trustedPrefix identifies the rich,
// provider-verified transport in channel indicators (e.g. "rcs").
func NewTracker(store Store, trustedPrefix string) *Tracker {
	return &Tracker{store: store, trustedPrefix: trustedPrefix}
}

// Classify maps a provider channel indicator to trusted or untrusted.
func (t *Tracker) Classify(indicator string) model.ChannelType {
	if strings.HasPrefix(indicator, t.trustedPrefix) {
		return model.ChannelTrusted
	}
	return model.ChannelUntrusted
}

// HandleStatusCallback applies the transition implied by an asynchronous
// delivery-status callback for the given message id. Returns the session
// as stored after the callback is accounted for. Unknown message ids
// return ErrNotFound (stale callbacks for already-rotated message ids).
func (t *Tracker) HandleStatusCallback(ctx context.Context, messageID, channelPrefix string) (model.Session, error) {
	sess, err := t.store.GetByLastMessageID(ctx, messageID)
	if err != nil {
		return model.Session{}, fmt.Errorf("status callback: %w", err)
	}
	return t.apply(ctx, sess, t.Classify(channelPrefix))
}

// CheckInbound runs the proactive trust check for the message currently
// being processed: a trust-required session observed on a non-trusted
// channel is revoked before any authenticated action happens for this
// message, rather than waiting for the asynchronous callback. Returns
// ErrDowngraded when the session is, or just became, compromised.
func (t *Tracker) CheckInbound(ctx context.Context, sess model.Session, indicator string) (model.Session, error) {
	if sess.ChannelDowngradeDetected {
		return sess, fmt.Errorf("inbound on %q: %w", sess.ChannelType, model.ErrDowngraded)
	}

	observed := t.Classify(indicator)
	if sess.TrustRequired && sess.ChannelType == model.ChannelTrusted && observed != model.ChannelTrusted {
		updated, err := t.apply(ctx, sess, observed)
		if err != nil {
			return model.Session{}, err
		}
		log.Printf("channel downgrade detected for %s (inbound indicator %q)", maskPhone(sess.PhoneNumber), indicator)
		return updated, fmt.Errorf("inbound downgrade to %q: %w", observed, model.ErrDowngraded)
	}

	return t.apply(ctx, sess, observed)
}

// apply runs the transition function and persists the result with a CAS
// on the prior channel type. When the guard misses (a concurrent handler
// already moved the state) the row is re-read once and returned as is;
// there is no retry loop.
func (t *Tracker) apply(ctx context.Context, sess model.Session, observed model.ChannelType) (model.Session, error) {
	next, revoke, ok := Transition(sess.ChannelType, sess.ChannelDowngradeDetected, sess.TrustRequired, observed)
	if !ok {
		return sess, nil
	}

	updated, err := t.store.ApplyChannelTransition(ctx, sess.PhoneNumber, sess.ChannelType, next, revoke)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return t.store.Get(ctx, sess.PhoneNumber)
		}
		return model.Session{}, err
	}
	if revoke {
		log.Printf("session for %s revoked on %s -> %s transition", maskPhone(sess.PhoneNumber), sess.ChannelType, next)
	}
	return updated, nil
}

// maskPhone masks a phone number for logging (e.g. +49******89).
func maskPhone(phone string) string {
	if len(phone) <= 4 {
		return "****"
	}
	return phone[:2] + strings.Repeat("*", len(phone)-4) + phone[len(phone)-2:]
}
