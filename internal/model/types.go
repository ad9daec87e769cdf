package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ChannelType classifies the transport a phone-number conversation is
// currently carried on.
type ChannelType string

const (
	ChannelUnknown   ChannelType = "unknown"
	ChannelPending   ChannelType = "pending"
	ChannelTrusted   ChannelType = "trusted"
	ChannelUntrusted ChannelType = "untrusted"
)

// AuthMethod is how the phone number proved ownership of its email identity.
type AuthMethod string

const (
	AuthMagicLink   AuthMethod = "magic_link"
	AuthOneTimeCode AuthMethod = "one_time_code"
)

// Session is the authoritative per-phone-number record. Exactly one row
// exists per phone number; all writes are upserts or conditional updates.
type Session struct {
	ID          uuid.UUID
	PhoneNumber string

	// Identity binding. Email may be known before UserID (pre-auth).
	UserID *string
	Email  *string

	// Authentication state. SessionToken is present only while authenticated.
	SessionToken    *string
	AuthMethod      AuthMethod
	AuthenticatedAt *time.Time
	ExpiresAt       *time.Time

	// Rate-limit counters.
	AuthAttempts  int
	LastAttemptAt *time.Time

	// One-time-code material. The plaintext code is never stored, only
	// its salted SHA-256 hash (hex). Both fields are set and cleared together.
	PendingCodeHash *string
	CodeExpiresAt   *time.Time

	// Channel trust state. ChannelDowngradeDetected is sticky: once true
	// the session stays compromised until a fresh authentication cycle.
	ChannelType              ChannelType
	ChannelDowngradeDetected bool
	TrustRequired            bool
	LastMessageID            *string

	SessionDurationDays int
	Metadata            json.RawMessage

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Authenticated reports whether the session holds a live credential at
// the given instant. A downgrade-flagged session is never authenticated.
func (s *Session) Authenticated(now time.Time) bool {
	if s == nil || s.ChannelDowngradeDetected {
		return false
	}
	return s.SessionToken != nil && s.ExpiresAt != nil && s.ExpiresAt.After(now)
}

// Expired reports whether the session's credential deadline has passed.
func (s *Session) Expired(now time.Time) bool {
	return s != nil && s.ExpiresAt != nil && !s.ExpiresAt.After(now)
}

// UserContext is the resolved authorization view of an authenticated
// session, backed by the identity provider's token claims.
type UserContext struct {
	UserID       string
	Email        string
	Organization string
	Role         string
}
