package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/trustline/server/internal/channel"
	"github.com/trustline/server/internal/identity"
	"github.com/trustline/server/internal/model"
	"github.com/trustline/server/internal/repo"
	"github.com/trustline/server/internal/transport"
)

// Manager composes the session store, rate limiter, code store and
// channel trust tracker into the operations the messaging dispatcher
// needs. Store failures surface to the caller; only GetSession and
// GetUserContext degrade to "unauthenticated" where documented.
type Manager struct {
	store    repo.SessionStore
	cache    *Cache
	limiter  *RateLimiter
	codes    *CodeStore
	tracker  *channel.Tracker
	identity identity.Provider
	sender   transport.Sender

	durationDays int
	codeTTL      time.Duration
}

// ManagerConfig carries the policy knobs for a Manager.
type ManagerConfig struct {
	SessionDurationDays int
	CodeTTL             time.Duration
	AttemptWindow       time.Duration
	MaxAttempts         int
	TrustedPrefix       string
	OTPSalt             string
}

// NewManager wires a Manager over the given store and collaborators.
func NewManager(store repo.SessionStore, provider identity.Provider, sender transport.Sender, cfg ManagerConfig) *Manager {
	if cfg.AttemptWindow == 0 {
		cfg.AttemptWindow = DefaultAttemptWindow
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	return &Manager{
		store:        store,
		cache:        NewCache(),
		limiter:      NewRateLimiter(store, cfg.AttemptWindow, cfg.MaxAttempts),
		codes:        NewCodeStore(store, cfg.OTPSalt),
		tracker:      channel.NewTracker(store, cfg.TrustedPrefix),
		identity:     provider,
		sender:       sender,
		durationDays: cfg.SessionDurationDays,
		codeTTL:      cfg.CodeTTL,
	}
}

// GetSession returns the session for the phone number, or nil when no
// row exists or the session is past its expiry. An expired session is
// lazily invalidated as a side effect rather than returned stale.
func (m *Manager) GetSession(ctx context.Context, phone string) (*model.Session, error) {
	now := time.Now()
	if cached, ok := m.cache.Get(phone); ok && !cached.Expired(now) {
		sess := cached
		return &sess, nil
	}

	sess, err := m.store.Get(ctx, phone)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	if sess.Expired(now) {
		if err := m.store.InvalidateExpired(ctx, phone); err != nil {
			return nil, err
		}
		m.cache.Invalidate(phone)
		return nil, nil
	}

	m.cache.Put(sess)
	return &sess, nil
}

// CreateSession upserts the session into authenticated state: token
// bound, authenticated_at = now, expiry from the captured duration
// policy, attempt budget reset so a prior failed cycle is not inherited.
func (m *Manager) CreateSession(ctx context.Context, phone, email, userID, token string, method model.AuthMethod) (*model.Session, error) {
	sess, err := m.store.CreateAuthenticated(ctx, repo.CreateAuthenticatedParams{
		PhoneNumber:  phone,
		Email:        email,
		UserID:       userID,
		SessionToken: token,
		AuthMethod:   method,
		DurationDays: m.durationDays,
	})
	if err != nil {
		return nil, err
	}
	m.cache.Put(sess)
	log.Printf("session for %s authenticated via %s", maskPhone(phone), method)
	return &sess, nil
}

// UpsertPendingSession is the idempotent pre-authentication upsert: the
// row is created on first contact, and repeat contact increments the
// attempt counter. The channel resets to pending and any prior downgrade
// flag is cleared, starting a fresh authentication cycle.
func (m *Manager) UpsertPendingSession(ctx context.Context, phone string, email *string, method model.AuthMethod, trustRequired bool, durationDays int, metadata json.RawMessage) (*model.Session, error) {
	if durationDays <= 0 {
		durationDays = m.durationDays
	}
	sess, err := m.store.UpsertPending(ctx, repo.UpsertPendingParams{
		PhoneNumber:   phone,
		Email:         email,
		AuthMethod:    method,
		TrustRequired: trustRequired,
		DurationDays:  durationDays,
		Metadata:      metadata,
	})
	if err != nil {
		return nil, err
	}
	m.cache.Put(sess)
	return &sess, nil
}

// InvalidateSession clears the authentication fields (logout). Same
// effect as downgrade revocation, different trigger. Missing rows are
// not an error.
func (m *Manager) InvalidateSession(ctx context.Context, phone string) error {
	m.cache.Invalidate(phone)
	if err := m.store.Invalidate(ctx, phone); err != nil && !errors.Is(err, model.ErrNotFound) {
		return err
	}
	return nil
}

// RefreshSession extends the expiry from now by the captured duration.
// Returns nil for sessions that are not currently authenticated;
// refreshing those is not meaningful.
func (m *Manager) RefreshSession(ctx context.Context, phone string) (*model.Session, error) {
	sess, err := m.store.Refresh(ctx, phone)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	m.cache.Put(sess)
	return &sess, nil
}

// GetUserContext resolves the bound identity's authorization attributes
// by validating the session token. Returns nil when the token is absent,
// expired, or rejected; a provider rejection also invalidates the local
// session so a revoked token cannot linger as authenticated.
func (m *Manager) GetUserContext(ctx context.Context, phone string) (*model.UserContext, error) {
	sess, err := m.GetSession(ctx, phone)
	if err != nil {
		return nil, err
	}
	if sess == nil || sess.SessionToken == nil {
		return nil, nil
	}

	claims, err := m.identity.ValidateToken(ctx, *sess.SessionToken)
	if err != nil {
		if errors.Is(err, model.ErrInvalidCredential) || errors.Is(err, model.ErrExpired) {
			if invErr := m.InvalidateSession(ctx, phone); invErr != nil {
				return nil, invErr
			}
			return nil, nil
		}
		return nil, err
	}

	return &model.UserContext{
		UserID:       claims.Subject,
		Email:        claims.Email,
		Organization: claims.Organization,
		Role:         claims.Role,
	}, nil
}

// CheckAndRecordAttempt applies the per-phone rolling-window rate limit.
// A limited attempt returns ErrRateLimited together with the result, so
// callers can surface ResetAt to the user.
func (m *Manager) CheckAndRecordAttempt(ctx context.Context, phone string) (AttemptResult, error) {
	// Counting bypasses the cache; the decision comes from the atomic
	// store update alone.
	result, err := m.limiter.CheckAndRecordAttempt(ctx, phone)
	if err != nil {
		return AttemptResult{}, err
	}
	m.cache.Invalidate(phone)
	if result.Limited {
		return result, fmt.Errorf("attempt for %s: %w", maskPhone(phone), model.ErrRateLimited)
	}
	return result, nil
}

// RequestCredential records an attempt and asks the identity provider
// to send a one-time credential (magic link) to the email address. The
// rate limit is checked before the provider is contacted. A provider
// failure is surfaced, never retried: it is ambiguous whether the
// provider already sent the credential.
func (m *Manager) RequestCredential(ctx context.Context, phone, email string) (AttemptResult, error) {
	result, err := m.CheckAndRecordAttempt(ctx, phone)
	if err != nil {
		return result, err
	}
	if err := m.identity.IssueCredential(ctx, email); err != nil {
		return result, fmt.Errorf("request credential: %w", err)
	}
	return result, nil
}

// CompleteVerification exchanges a credential for the bound identity
// and promotes the session to authenticated state. For the one-time-code
// method the candidate is consumed locally first, so a replayed code
// never reaches the provider.
func (m *Manager) CompleteVerification(ctx context.Context, phone, email, credential string, method model.AuthMethod) (*model.Session, error) {
	if method == model.AuthOneTimeCode {
		if err := m.VerifyCode(ctx, phone, credential); err != nil {
			return nil, err
		}
	}
	cred, err := m.identity.VerifyCredential(ctx, email, credential)
	if err != nil {
		return nil, fmt.Errorf("complete verification: %w", err)
	}
	return m.CreateSession(ctx, phone, email, cred.UserID, cred.Token, method)
}

// IssueCode generates a one-time code, stores its hash with the
// configured TTL, and returns the plaintext for delivery. Any prior
// pending code is replaced.
func (m *Manager) IssueCode(ctx context.Context, phone string) (string, error) {
	code, err := GenerateCode()
	if err != nil {
		return "", err
	}
	if err := m.codes.Issue(ctx, phone, code, m.codeTTL); err != nil {
		return "", err
	}
	m.cache.Invalidate(phone)
	return code, nil
}

// VerifyCode checks and consumes the pending code; see CodeStore.Verify
// for the failure reasons. The decision always comes from the store.
func (m *Manager) VerifyCode(ctx context.Context, phone, candidate string) error {
	err := m.codes.Verify(ctx, phone, candidate)
	m.cache.Invalidate(phone)
	return err
}

// SendMessage delivers an outbound message and records its id on the
// session for later correlation with the delivery-status callback.
func (m *Manager) SendMessage(ctx context.Context, phone, text string) (string, error) {
	messageID, err := m.sender.Send(ctx, phone, text)
	if err != nil {
		return "", fmt.Errorf("send to %s: %w", maskPhone(phone), err)
	}
	if err := m.store.SetLastMessageID(ctx, phone, messageID); err != nil {
		return "", err
	}
	m.cache.Invalidate(phone)
	return messageID, nil
}

// HandleStatusCallback feeds an asynchronous delivery-status report into
// the channel trust tracker. Stale message ids are ignored.
func (m *Manager) HandleStatusCallback(ctx context.Context, messageID, channelPrefix string) (*model.Session, error) {
	sess, err := m.tracker.HandleStatusCallback(ctx, messageID, channelPrefix)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	m.cache.Put(sess)
	return &sess, nil
}

// CheckInboundTrust runs the proactive per-message trust check before
// any authenticated action for the message. ErrDowngraded means the
// session was, or just became, compromised; the revocation has already
// been applied. The check reads the store directly, never the cache.
func (m *Manager) CheckInboundTrust(ctx context.Context, phone, channelIndicator string) (*model.Session, error) {
	sess, err := m.store.Get(ctx, phone)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	updated, err := m.tracker.CheckInbound(ctx, sess, channelIndicator)
	if err != nil {
		if errors.Is(err, model.ErrDowngraded) {
			m.cache.Put(updated)
			return &updated, err
		}
		return nil, err
	}
	m.cache.Put(updated)
	return &updated, nil
}

// maskPhone masks a phone number for logging (e.g. +49******89).
func maskPhone(phone string) string {
	if len(phone) <= 4 {
		return "****"
	}
	return phone[:2] + strings.Repeat("*", len(phone)-4) + phone[len(phone)-2:]
}
