package session

import (
	"context"
	"log"
	"time"

	"github.com/trustline/server/internal/repo"
	"go.uber.org/multierr"
)

const (
	// expiredGrace is how long an expired session row is kept before the
	// sweep deletes it permanently.
	expiredGrace = 30 * 24 * time.Hour

	// downgradedGrace is the shorter window for downgrade-flagged rows.
	downgradedGrace = 24 * time.Hour
)

// Sweeper runs the periodic maintenance pass, out of the request path:
// delete rows expired beyond the grace window, clear OTP fields past
// their own expiry, delete downgrade-flagged rows idle beyond theirs.
type Sweeper struct {
	store    repo.SessionStore
	interval time.Duration
}

// NewSweeper creates a sweeper with the given cadence.
func NewSweeper(store repo.SessionStore, interval time.Duration) *Sweeper {
	return &Sweeper{store: store, interval: interval}
}

// Run sweeps on the configured interval until the context is canceled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.SweepOnce(ctx); err != nil {
				log.Printf("session sweep: %v", err)
			}
		}
	}
}

// SweepOnce runs one maintenance pass. All three steps are attempted
// even when one fails; errors are aggregated.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	now := time.Now()
	var errs error

	expired, err := s.store.DeleteExpiredBefore(ctx, now.Add(-expiredGrace))
	errs = multierr.Append(errs, err)

	codes, err := s.store.ClearAllExpiredCodes(ctx)
	errs = multierr.Append(errs, err)

	downgraded, err := s.store.DeleteDowngradedBefore(ctx, now.Add(-downgradedGrace))
	errs = multierr.Append(errs, err)

	if expired+codes+downgraded > 0 {
		log.Printf("session sweep: deleted %d expired, cleared %d codes, deleted %d downgraded", expired, codes, downgraded)
	}
	return errs
}
