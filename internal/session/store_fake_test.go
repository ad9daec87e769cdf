package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/trustline/server/internal/model"
	"github.com/trustline/server/internal/repo"
)

// fakeStore is an in-memory SessionStore honoring the same conditional
// semantics as the SQL implementation: every security-critical operation
// re-checks its guard under the lock, so tests exercise the real
// contracts (single-use codes, CAS channel transitions, atomic counting).
type fakeStore struct {
	mu   sync.Mutex
	rows map[string]*model.Session
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[string]*model.Session)}
}

func (f *fakeStore) snapshot(phone string) (model.Session, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[phone]
	if !ok {
		return model.Session{}, false
	}
	return *row, true
}

func (f *fakeStore) Get(_ context.Context, phone string) (model.Session, error) {
	sess, ok := f.snapshot(phone)
	if !ok {
		return model.Session{}, fmt.Errorf("get session: %w", model.ErrNotFound)
	}
	return sess, nil
}

func (f *fakeStore) GetByLastMessageID(_ context.Context, messageID string) (model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.LastMessageID != nil && *row.LastMessageID == messageID {
			return *row, nil
		}
	}
	return model.Session{}, fmt.Errorf("get session by message id: %w", model.ErrNotFound)
}

func (f *fakeStore) UpsertPending(_ context.Context, p repo.UpsertPendingParams) (model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	row, ok := f.rows[p.PhoneNumber]
	if !ok {
		row = &model.Session{
			ID:                  uuid.New(),
			PhoneNumber:         p.PhoneNumber,
			Email:               p.Email,
			AuthMethod:          p.AuthMethod,
			TrustRequired:       p.TrustRequired,
			SessionDurationDays: p.DurationDays,
			ChannelType:         model.ChannelPending,
			Metadata:            p.Metadata,
			CreatedAt:           now,
			UpdatedAt:           now,
		}
		f.rows[p.PhoneNumber] = row
		return *row, nil
	}
	if p.Email != nil {
		row.Email = p.Email
	}
	row.AuthMethod = p.AuthMethod
	row.TrustRequired = p.TrustRequired
	row.SessionDurationDays = p.DurationDays
	row.AuthAttempts++
	row.ChannelType = model.ChannelPending
	row.ChannelDowngradeDetected = false
	if len(p.Metadata) > 0 {
		row.Metadata = p.Metadata
	}
	row.UpdatedAt = now
	return *row, nil
}

func (f *fakeStore) CreateAuthenticated(_ context.Context, p repo.CreateAuthenticatedParams) (model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	row, ok := f.rows[p.PhoneNumber]
	if !ok {
		row = &model.Session{
			ID:                  uuid.New(),
			PhoneNumber:         p.PhoneNumber,
			SessionDurationDays: p.DurationDays,
			ChannelType:         model.ChannelPending,
			TrustRequired:       true,
			CreatedAt:           now,
		}
		f.rows[p.PhoneNumber] = row
	}
	email, userID, token := p.Email, p.UserID, p.SessionToken
	row.Email = &email
	row.UserID = &userID
	row.SessionToken = &token
	row.AuthMethod = p.AuthMethod
	authAt := now
	expiresAt := now.Add(time.Duration(row.SessionDurationDays) * 24 * time.Hour)
	row.AuthenticatedAt = &authAt
	row.ExpiresAt = &expiresAt
	row.AuthAttempts = 0
	row.PendingCodeHash = nil
	row.CodeExpiresAt = nil
	row.ChannelDowngradeDetected = false
	row.UpdatedAt = now
	return *row, nil
}

func (f *fakeStore) Invalidate(_ context.Context, phone string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[phone]
	if !ok {
		return fmt.Errorf("invalidate session: %w", model.ErrNotFound)
	}
	row.SessionToken = nil
	row.AuthenticatedAt = nil
	row.ExpiresAt = nil
	row.UpdatedAt = time.Now()
	return nil
}

func (f *fakeStore) InvalidateExpired(_ context.Context, phone string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[phone]
	if !ok || row.ExpiresAt == nil || row.ExpiresAt.After(time.Now()) {
		return nil
	}
	row.SessionToken = nil
	row.AuthenticatedAt = nil
	row.ExpiresAt = nil
	row.UpdatedAt = time.Now()
	return nil
}

func (f *fakeStore) Refresh(_ context.Context, phone string) (model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	row, ok := f.rows[phone]
	if !ok || row.SessionToken == nil || row.ExpiresAt == nil || !row.ExpiresAt.After(now) || row.ChannelDowngradeDetected {
		return model.Session{}, fmt.Errorf("refresh session: %w", model.ErrNotFound)
	}
	expiresAt := now.Add(time.Duration(row.SessionDurationDays) * 24 * time.Hour)
	row.ExpiresAt = &expiresAt
	row.UpdatedAt = now
	return *row, nil
}

func (f *fakeStore) SetLastMessageID(_ context.Context, phone, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[phone]
	if !ok {
		return fmt.Errorf("set last message id: %w", model.ErrNotFound)
	}
	row.LastMessageID = &messageID
	row.UpdatedAt = time.Now()
	return nil
}

func (f *fakeStore) RecordAttempt(_ context.Context, phone string, window time.Duration, maxAttempts int) (int, time.Time, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[phone]
	if !ok {
		return 0, time.Time{}, false, nil
	}
	now := time.Now()
	windowOpen := row.LastAttemptAt != nil && row.LastAttemptAt.After(now.Add(-window))
	switch {
	case !windowOpen:
		row.AuthAttempts = 1
	case row.AuthAttempts < maxAttempts:
		row.AuthAttempts++
	default:
		return 0, time.Time{}, false, nil
	}
	row.LastAttemptAt = &now
	row.UpdatedAt = now
	return row.AuthAttempts, now, true, nil
}

func (f *fakeStore) IssueCode(_ context.Context, phone, codeHash string, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[phone]
	if !ok {
		return fmt.Errorf("issue code: %w", model.ErrNotFound)
	}
	row.PendingCodeHash = &codeHash
	row.CodeExpiresAt = &expiresAt
	row.UpdatedAt = time.Now()
	return nil
}

func (f *fakeStore) ConsumeCode(_ context.Context, phone, codeHash string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[phone]
	if !ok || row.PendingCodeHash == nil || *row.PendingCodeHash != codeHash ||
		row.CodeExpiresAt == nil || !row.CodeExpiresAt.After(time.Now()) {
		return false, nil
	}
	row.PendingCodeHash = nil
	row.CodeExpiresAt = nil
	row.UpdatedAt = time.Now()
	return true, nil
}

func (f *fakeStore) ClearExpiredCode(_ context.Context, phone string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[phone]
	if !ok || row.PendingCodeHash == nil || row.CodeExpiresAt == nil || row.CodeExpiresAt.After(time.Now()) {
		return nil
	}
	row.PendingCodeHash = nil
	row.CodeExpiresAt = nil
	row.UpdatedAt = time.Now()
	return nil
}

func (f *fakeStore) ApplyChannelTransition(_ context.Context, phone string, prior, next model.ChannelType, revoke bool) (model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[phone]
	if !ok || row.ChannelType != prior || row.ChannelDowngradeDetected {
		return model.Session{}, fmt.Errorf("apply channel transition: %w", model.ErrNotFound)
	}
	row.ChannelType = next
	if revoke {
		row.ChannelDowngradeDetected = true
		row.SessionToken = nil
		row.AuthenticatedAt = nil
		row.ExpiresAt = nil
	}
	row.UpdatedAt = time.Now()
	return *row, nil
}

func (f *fakeStore) DeleteExpiredBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for phone, row := range f.rows {
		if row.ExpiresAt != nil && row.ExpiresAt.Before(cutoff) {
			delete(f.rows, phone)
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) ClearAllExpiredCodes(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	var n int64
	for _, row := range f.rows {
		if row.PendingCodeHash != nil && row.CodeExpiresAt != nil && !row.CodeExpiresAt.After(now) {
			row.PendingCodeHash = nil
			row.CodeExpiresAt = nil
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) DeleteDowngradedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for phone, row := range f.rows {
		if row.ChannelDowngradeDetected && row.UpdatedAt.Before(cutoff) {
			delete(f.rows, phone)
			n++
		}
	}
	return n, nil
}

// mutate edits the underlying row directly, for backdating timestamps.
func (f *fakeStore) mutate(phone string, fn func(*model.Session)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if row, ok := f.rows[phone]; ok {
		fn(row)
	}
}

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

var _ repo.SessionStore = (*fakeStore)(nil)
