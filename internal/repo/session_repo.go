package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/trustline/server/internal/model"
)

// SessionStore defines the repository operations for the per-phone-number
// session row. Per-phone serialization for the security-critical
// operations (attempt counting, code consumption, channel transitions)
// is a property of the SQL statements themselves: each is a single
// conditional UPDATE whose WHERE clause re-checks the assumed state, so
// concurrent callers cannot both act on a stale read.
type SessionStore interface {
	Get(ctx context.Context, phone string) (model.Session, error)
	GetByLastMessageID(ctx context.Context, messageID string) (model.Session, error)

	UpsertPending(ctx context.Context, p UpsertPendingParams) (model.Session, error)
	CreateAuthenticated(ctx context.Context, p CreateAuthenticatedParams) (model.Session, error)
	Invalidate(ctx context.Context, phone string) error
	InvalidateExpired(ctx context.Context, phone string) error
	Refresh(ctx context.Context, phone string) (model.Session, error)
	SetLastMessageID(ctx context.Context, phone, messageID string) error

	// RecordAttempt applies the rolling-window counter in one statement.
	// allowed=false with a nil error means the budget is exhausted.
	RecordAttempt(ctx context.Context, phone string, window time.Duration, maxAttempts int) (attempts int, lastAttemptAt time.Time, allowed bool, err error)

	IssueCode(ctx context.Context, phone, codeHash string, expiresAt time.Time) error
	// ConsumeCode clears the pending code iff it matches codeHash and is
	// not yet expired. consumed=false with a nil error means no live
	// matching code existed (already used, replaced, or expired).
	ConsumeCode(ctx context.Context, phone, codeHash string) (consumed bool, err error)
	ClearExpiredCode(ctx context.Context, phone string) error

	// ApplyChannelTransition moves channel_type from prior to next iff the
	// row still holds prior and is not downgrade-flagged. revoke nulls the
	// authentication fields and sets the sticky downgrade flag in the same
	// update. Returns ErrNotFound when the guard did not match.
	ApplyChannelTransition(ctx context.Context, phone string, prior, next model.ChannelType, revoke bool) (model.Session, error)

	// Maintenance sweep, out of the request path.
	DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error)
	ClearAllExpiredCodes(ctx context.Context) (int64, error)
	DeleteDowngradedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// UpsertPendingParams are the inputs for the pre-authentication upsert.
type UpsertPendingParams struct {
	PhoneNumber   string
	Email         *string
	AuthMethod    model.AuthMethod
	TrustRequired bool
	DurationDays  int
	Metadata      json.RawMessage
}

// CreateAuthenticatedParams are the inputs for promoting a session to
// authenticated state.
type CreateAuthenticatedParams struct {
	PhoneNumber  string
	Email        string
	UserID       string
	SessionToken string
	AuthMethod   model.AuthMethod
	DurationDays int
}

type sessionStore struct {
	db *sql.DB
}

// NewSessionStore creates a SessionStore backed by PostgreSQL.
func NewSessionStore(db *sql.DB) SessionStore {
	return &sessionStore{db: db}
}

const sessionColumns = `id, phone_number, user_id, email, session_token, auth_method,
	authenticated_at, expires_at, auth_attempts, last_attempt_at,
	pending_code, code_expires_at, channel_type, channel_downgrade_detected,
	trust_required, last_message_id, session_duration_days, metadata,
	created_at, updated_at`

// Get retrieves the session row for the phone number.
func (s *sessionStore) Get(ctx context.Context, phone string) (model.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE phone_number = $1
	`, phone)
	return scanSession(row, "get session")
}

// GetByLastMessageID correlates a delivery-status callback to the session
// that sent the message.
func (s *sessionStore) GetByLastMessageID(ctx context.Context, messageID string) (model.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE last_message_id = $1
	`, messageID)
	return scanSession(row, "get session by message id")
}

// UpsertPending creates the row on first contact or, when it already
// exists, increments the attempt counter, resets the channel to pending
// and clears any prior downgrade flag (a fresh authentication cycle).
func (s *sessionStore) UpsertPending(ctx context.Context, p UpsertPendingParams) (model.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO sessions (phone_number, email, auth_method, trust_required, session_duration_days, channel_type, metadata)
		VALUES ($1, $2, $3, $4, $5, 'pending', $6)
		ON CONFLICT (phone_number) DO UPDATE SET
			email = COALESCE(EXCLUDED.email, sessions.email),
			auth_method = EXCLUDED.auth_method,
			trust_required = EXCLUDED.trust_required,
			session_duration_days = EXCLUDED.session_duration_days,
			auth_attempts = sessions.auth_attempts + 1,
			channel_type = 'pending',
			channel_downgrade_detected = FALSE,
			metadata = COALESCE(EXCLUDED.metadata, sessions.metadata),
			updated_at = now()
		RETURNING `+sessionColumns+`
	`, p.PhoneNumber, p.Email, p.AuthMethod, p.TrustRequired, p.DurationDays, nullJSON(p.Metadata))
	return scanSession(row, "upsert pending session")
}

// CreateAuthenticated upserts into authenticated state: fresh token,
// authenticated_at = now, expiry from the row's captured duration policy,
// attempt counter and OTP fields reset.
func (s *sessionStore) CreateAuthenticated(ctx context.Context, p CreateAuthenticatedParams) (model.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO sessions (phone_number, email, user_id, session_token, auth_method,
			authenticated_at, expires_at, auth_attempts, channel_type, session_duration_days)
		VALUES ($1, $2, $3, $4, $5, now(), now() + ($6 * interval '1 day'), 0, 'pending', $6)
		ON CONFLICT (phone_number) DO UPDATE SET
			email = EXCLUDED.email,
			user_id = EXCLUDED.user_id,
			session_token = EXCLUDED.session_token,
			auth_method = EXCLUDED.auth_method,
			authenticated_at = now(),
			expires_at = now() + (sessions.session_duration_days * interval '1 day'),
			auth_attempts = 0,
			pending_code = NULL,
			code_expires_at = NULL,
			channel_downgrade_detected = FALSE,
			updated_at = now()
		RETURNING `+sessionColumns+`
	`, p.PhoneNumber, p.Email, p.UserID, p.SessionToken, p.AuthMethod, p.DurationDays)
	return scanSession(row, "create authenticated session")
}

// Invalidate unconditionally clears the authentication fields (logout).
func (s *sessionStore) Invalidate(ctx context.Context, phone string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET session_token = NULL, authenticated_at = NULL, expires_at = NULL, updated_at = now()
		WHERE phone_number = $1
	`, phone)
	if err != nil {
		return storeErr("invalidate session", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("invalidate session: %w", model.ErrNotFound)
	}
	return nil
}

// InvalidateExpired clears the authentication fields only if the expiry
// deadline has passed, so a lazy-expiry sweep cannot race a refresh.
func (s *sessionStore) InvalidateExpired(ctx context.Context, phone string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET session_token = NULL, authenticated_at = NULL, expires_at = NULL, updated_at = now()
		WHERE phone_number = $1 AND expires_at IS NOT NULL AND expires_at <= now()
	`, phone)
	if err != nil {
		return storeErr("invalidate expired session", err)
	}
	return nil
}

// Refresh extends the expiry from now, only while still authenticated.
func (s *sessionStore) Refresh(ctx context.Context, phone string) (model.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE sessions
		SET expires_at = now() + (session_duration_days * interval '1 day'), updated_at = now()
		WHERE phone_number = $1
		  AND session_token IS NOT NULL
		  AND expires_at > now()
		  AND NOT channel_downgrade_detected
		RETURNING `+sessionColumns+`
	`, phone)
	return scanSession(row, "refresh session")
}

// SetLastMessageID records the outbound message id for later correlation
// with its delivery-status callback.
func (s *sessionStore) SetLastMessageID(ctx context.Context, phone, messageID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET last_message_id = $2, updated_at = now() WHERE phone_number = $1
	`, phone, messageID)
	if err != nil {
		return storeErr("set last message id", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("set last message id: %w", model.ErrNotFound)
	}
	return nil
}

// RecordAttempt increments the rolling-window attempt counter in a single
// conditional update. The counter restarts at 1 when the window since the
// previous attempt has elapsed; otherwise the row only matches while the
// counter is under the cap. Zero rows affected with an existing session
// means the caller is limited.
func (s *sessionStore) RecordAttempt(ctx context.Context, phone string, window time.Duration, maxAttempts int) (int, time.Time, bool, error) {
	windowSecs := int64(window / time.Second)
	var attempts int
	var lastAttemptAt time.Time
	err := s.db.QueryRowContext(ctx, `
		UPDATE sessions
		SET auth_attempts = CASE
				WHEN last_attempt_at IS NULL OR last_attempt_at <= now() - ($2 * interval '1 second') THEN 1
				ELSE auth_attempts + 1
			END,
			last_attempt_at = now(),
			updated_at = now()
		WHERE phone_number = $1
		  AND (last_attempt_at IS NULL
			OR last_attempt_at <= now() - ($2 * interval '1 second')
			OR auth_attempts < $3)
		RETURNING auth_attempts, last_attempt_at
	`, phone, windowSecs, maxAttempts).Scan(&attempts, &lastAttemptAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, time.Time{}, false, nil
		}
		return 0, time.Time{}, false, storeErr("record attempt", err)
	}
	return attempts, lastAttemptAt, true, nil
}

// IssueCode stores the code hash, unconditionally replacing any prior
// pending code. At most one code is ever pending per phone number.
func (s *sessionStore) IssueCode(ctx context.Context, phone, codeHash string, expiresAt time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET pending_code = $2, code_expires_at = $3, updated_at = now()
		WHERE phone_number = $1
	`, phone, codeHash, expiresAt)
	if err != nil {
		return storeErr("issue code", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("issue code: %w", model.ErrNotFound)
	}
	return nil
}

// ConsumeCode clears the code fields iff the stored hash matches and the
// code is still live. Under concurrent verifies for the same code, at
// most one caller observes consumed=true.
func (s *sessionStore) ConsumeCode(ctx context.Context, phone, codeHash string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET pending_code = NULL, code_expires_at = NULL, updated_at = now()
		WHERE phone_number = $1
		  AND pending_code = $2
		  AND code_expires_at > now()
	`, phone, codeHash)
	if err != nil {
		return false, storeErr("consume code", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// ClearExpiredCode drops the code fields once past their own expiry.
func (s *sessionStore) ClearExpiredCode(ctx context.Context, phone string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET pending_code = NULL, code_expires_at = NULL, updated_at = now()
		WHERE phone_number = $1
		  AND pending_code IS NOT NULL
		  AND code_expires_at <= now()
	`, phone)
	if err != nil {
		return storeErr("clear expired code", err)
	}
	return nil
}

// ApplyChannelTransition performs the compare-and-set channel update. The
// guard on the prior channel_type means two concurrent callbacks for the
// same session cannot both apply a transition from the same state, and
// the sticky downgrade flag blocks any further transitions.
func (s *sessionStore) ApplyChannelTransition(ctx context.Context, phone string, prior, next model.ChannelType, revoke bool) (model.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE sessions
		SET channel_type = $3,
			channel_downgrade_detected = channel_downgrade_detected OR $4,
			session_token = CASE WHEN $4 THEN NULL ELSE session_token END,
			authenticated_at = CASE WHEN $4 THEN NULL ELSE authenticated_at END,
			expires_at = CASE WHEN $4 THEN NULL ELSE expires_at END,
			updated_at = now()
		WHERE phone_number = $1
		  AND channel_type = $2
		  AND NOT channel_downgrade_detected
		RETURNING `+sessionColumns+`
	`, phone, prior, next, revoke)
	return scanSession(row, "apply channel transition")
}

// DeleteExpiredBefore permanently removes rows whose expiry passed before
// the cutoff (the 30-day grace window).
func (s *sessionStore) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM sessions
		WHERE expires_at IS NOT NULL AND expires_at < $1
	`, cutoff)
	if err != nil {
		return 0, storeErr("delete expired sessions", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// ClearAllExpiredCodes clears OTP fields past their own expiry, across
// all rows.
func (s *sessionStore) ClearAllExpiredCodes(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET pending_code = NULL, code_expires_at = NULL, updated_at = now()
		WHERE pending_code IS NOT NULL AND code_expires_at <= now()
	`)
	if err != nil {
		return 0, storeErr("clear expired codes", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// DeleteDowngradedBefore removes downgrade-flagged rows idle since before
// the cutoff (the 1-day grace window).
func (s *sessionStore) DeleteDowngradedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM sessions
		WHERE channel_downgrade_detected AND updated_at < $1
	`, cutoff)
	if err != nil {
		return 0, storeErr("delete downgraded sessions", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner, op string) (model.Session, error) {
	var (
		sess            model.Session
		idStr           string
		userID          sql.NullString
		email           sql.NullString
		sessionToken    sql.NullString
		authMethod      string
		authenticatedAt sql.NullTime
		expiresAt       sql.NullTime
		lastAttemptAt   sql.NullTime
		pendingCode     sql.NullString
		codeExpiresAt   sql.NullTime
		channelType     string
		lastMessageID   sql.NullString
		metadata        []byte
	)

	err := row.Scan(
		&idStr,
		&sess.PhoneNumber,
		&userID,
		&email,
		&sessionToken,
		&authMethod,
		&authenticatedAt,
		&expiresAt,
		&sess.AuthAttempts,
		&lastAttemptAt,
		&pendingCode,
		&codeExpiresAt,
		&channelType,
		&sess.ChannelDowngradeDetected,
		&sess.TrustRequired,
		&lastMessageID,
		&sess.SessionDurationDays,
		&metadata,
		&sess.CreatedAt,
		&sess.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Session{}, fmt.Errorf("%s: %w", op, model.ErrNotFound)
		}
		return model.Session{}, storeErr(op, err)
	}

	sess.ID, err = uuid.Parse(idStr)
	if err != nil {
		return model.Session{}, fmt.Errorf("%s: parse session id: %w", op, err)
	}

	sess.AuthMethod = model.AuthMethod(authMethod)
	sess.ChannelType = model.ChannelType(channelType)
	sess.UserID = nullableString(userID)
	sess.Email = nullableString(email)
	sess.SessionToken = nullableString(sessionToken)
	sess.PendingCodeHash = nullableString(pendingCode)
	sess.LastMessageID = nullableString(lastMessageID)
	sess.AuthenticatedAt = nullableTime(authenticatedAt)
	sess.ExpiresAt = nullableTime(expiresAt)
	sess.LastAttemptAt = nullableTime(lastAttemptAt)
	sess.CodeExpiresAt = nullableTime(codeExpiresAt)
	if len(metadata) > 0 {
		sess.Metadata = json.RawMessage(metadata)
	}

	return sess, nil
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, model.ErrStoreUnavailable, err)
}

func nullableString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullableTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

func nullJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
