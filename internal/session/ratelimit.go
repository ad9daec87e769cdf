package session

import (
	"context"
	"fmt"
	"time"

	"github.com/trustline/server/internal/model"
)

const (
	// DefaultAttemptWindow is the rolling window for authentication
	// attempts. The window is measured from the most recent attempt, not
	// a fixed clock boundary.
	DefaultAttemptWindow = time.Hour

	// DefaultMaxAttempts is the attempt cap inside one window.
	DefaultMaxAttempts = 3
)

// AttemptStore is the slice of the session store the rate limiter needs.
type AttemptStore interface {
	Get(ctx context.Context, phone string) (model.Session, error)
	RecordAttempt(ctx context.Context, phone string, window time.Duration, maxAttempts int) (attempts int, lastAttemptAt time.Time, allowed bool, err error)
}

// AttemptResult reports the outcome of a rate-limit check.
type AttemptResult struct {
	Limited           bool
	RemainingAttempts int
	// ResetAt is when the window reopens; only set when limited.
	ResetAt *time.Time
}

// RateLimiter tracks authentication attempts per phone number in a
// rolling window. Counting is delegated to one atomic conditional store
// update, so two concurrent attempts for the same number cannot both
// pass on a stale counter.
type RateLimiter struct {
	store       AttemptStore
	window      time.Duration
	maxAttempts int
}

// NewRateLimiter creates a rate limiter over the given store.
func NewRateLimiter(store AttemptStore, window time.Duration, maxAttempts int) *RateLimiter {
	return &RateLimiter{store: store, window: window, maxAttempts: maxAttempts}
}

// CheckAndRecordAttempt records one attempt for the phone number and
// reports whether it is allowed. Requires an existing session row
// (created by the pending upsert on first contact); ErrNotFound otherwise.
func (rl *RateLimiter) CheckAndRecordAttempt(ctx context.Context, phone string) (AttemptResult, error) {
	attempts, _, allowed, err := rl.store.RecordAttempt(ctx, phone, rl.window, rl.maxAttempts)
	if err != nil {
		return AttemptResult{}, fmt.Errorf("check attempt: %w", err)
	}

	if allowed {
		remaining := rl.maxAttempts - attempts
		if remaining < 0 {
			remaining = 0
		}
		return AttemptResult{Limited: false, RemainingAttempts: remaining}, nil
	}

	// The conditional update matched no row: either the budget is
	// exhausted or there is no session. Re-read to tell them apart and
	// to compute when the window reopens.
	sess, err := rl.store.Get(ctx, phone)
	if err != nil {
		return AttemptResult{}, fmt.Errorf("check attempt: %w", err)
	}

	result := AttemptResult{Limited: true, RemainingAttempts: 0}
	if sess.LastAttemptAt != nil {
		resetAt := sess.LastAttemptAt.Add(rl.window)
		result.ResetAt = &resetAt
	}
	return result, nil
}
