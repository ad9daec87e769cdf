package channel

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustline/server/internal/model"
)

// memStore is a minimal Store honoring the CAS guard on transitions.
type memStore struct {
	mu   sync.Mutex
	rows map[string]*model.Session
}

func newMemStore(rows ...*model.Session) *memStore {
	s := &memStore{rows: make(map[string]*model.Session)}
	for _, row := range rows {
		s.rows[row.PhoneNumber] = row
	}
	return s
}

func (s *memStore) Get(_ context.Context, phone string) (model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[phone]
	if !ok {
		return model.Session{}, fmt.Errorf("get: %w", model.ErrNotFound)
	}
	return *row, nil
}

func (s *memStore) GetByLastMessageID(_ context.Context, messageID string) (model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.rows {
		if row.LastMessageID != nil && *row.LastMessageID == messageID {
			return *row, nil
		}
	}
	return model.Session{}, fmt.Errorf("get by message id: %w", model.ErrNotFound)
}

func (s *memStore) ApplyChannelTransition(_ context.Context, phone string, prior, next model.ChannelType, revoke bool) (model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[phone]
	if !ok || row.ChannelType != prior || row.ChannelDowngradeDetected {
		return model.Session{}, fmt.Errorf("transition: %w", model.ErrNotFound)
	}
	row.ChannelType = next
	if revoke {
		row.ChannelDowngradeDetected = true
		row.SessionToken = nil
		row.AuthenticatedAt = nil
		row.ExpiresAt = nil
	}
	return *row, nil
}

func trustedSession(phone, messageID string) *model.Session {
	token := "tok"
	return &model.Session{
		PhoneNumber:   phone,
		SessionToken:  &token,
		ChannelType:   model.ChannelTrusted,
		TrustRequired: true,
		LastMessageID: &messageID,
	}
}

func TestHandleStatusCallbackDowngrade(t *testing.T) {
	store := newMemStore(trustedSession("+15553000", "msg-1"))
	tracker := NewTracker(store, "rcs")

	sess, err := tracker.HandleStatusCallback(context.Background(), "msg-1", "sms")
	require.NoError(t, err)
	assert.True(t, sess.ChannelDowngradeDetected)
	assert.Equal(t, model.ChannelUntrusted, sess.ChannelType)
	assert.Nil(t, sess.SessionToken)
}

func TestHandleStatusCallbackTrustedPrefixMatch(t *testing.T) {
	row := trustedSession("+15553001", "msg-2")
	row.ChannelType = model.ChannelPending
	store := newMemStore(row)
	tracker := NewTracker(store, "rcs")

	sess, err := tracker.HandleStatusCallback(context.Background(), "msg-2", "rcs-business-messaging")
	require.NoError(t, err)
	assert.Equal(t, model.ChannelTrusted, sess.ChannelType)
	assert.False(t, sess.ChannelDowngradeDetected)
}

func TestHandleStatusCallbackUnknownMessageID(t *testing.T) {
	store := newMemStore()
	tracker := NewTracker(store, "rcs")

	_, err := tracker.HandleStatusCallback(context.Background(), "msg-unknown", "sms")
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestCheckInboundBlocksUntrustedMessage(t *testing.T) {
	store := newMemStore(trustedSession("+15553002", "msg-3"))
	tracker := NewTracker(store, "rcs")

	sess, _ := store.Get(context.Background(), "+15553002")
	updated, err := tracker.CheckInbound(context.Background(), sess, "sms")
	require.ErrorIs(t, err, model.ErrDowngraded)
	assert.True(t, updated.ChannelDowngradeDetected)
	assert.Nil(t, updated.SessionToken)
}

func TestCheckInboundDowngradedSessionStaysBlocked(t *testing.T) {
	row := trustedSession("+15553003", "msg-4")
	row.ChannelType = model.ChannelUntrusted
	row.ChannelDowngradeDetected = true
	row.SessionToken = nil
	store := newMemStore(row)
	tracker := NewTracker(store, "rcs")

	sess, _ := store.Get(context.Background(), "+15553003")
	_, err := tracker.CheckInbound(context.Background(), sess, "rcs")
	require.ErrorIs(t, err, model.ErrDowngraded, "a trusted indicator does not rehabilitate a downgraded session")
}

func TestCheckInboundPendingSessionObservesChannel(t *testing.T) {
	row := trustedSession("+15553004", "msg-5")
	row.ChannelType = model.ChannelPending
	store := newMemStore(row)
	tracker := NewTracker(store, "rcs")

	sess, _ := store.Get(context.Background(), "+15553004")
	updated, err := tracker.CheckInbound(context.Background(), sess, "sms")
	require.NoError(t, err, "pending sessions may arrive on any channel")
	assert.Equal(t, model.ChannelUntrusted, updated.ChannelType)
	assert.False(t, updated.ChannelDowngradeDetected)
}

func TestApplyLosingCASReturnsStoredState(t *testing.T) {
	row := trustedSession("+15553005", "msg-6")
	store := newMemStore(row)
	tracker := NewTracker(store, "rcs")

	// Simulate a concurrent handler winning the transition: the caller
	// holds a stale snapshot claiming the channel is still pending.
	stale := *row
	stale.ChannelType = model.ChannelPending

	updated, err := tracker.CheckInbound(context.Background(), stale, "rcs")
	require.NoError(t, err)
	assert.Equal(t, model.ChannelTrusted, updated.ChannelType, "stale CAS re-reads the stored state")
}

func TestClassify(t *testing.T) {
	tracker := NewTracker(newMemStore(), "rcs")
	assert.Equal(t, model.ChannelTrusted, tracker.Classify("rcs"))
	assert.Equal(t, model.ChannelTrusted, tracker.Classify("rcs-business"))
	assert.Equal(t, model.ChannelUntrusted, tracker.Classify("sms"))
	assert.Equal(t, model.ChannelUntrusted, tracker.Classify(""))
}
