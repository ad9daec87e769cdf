package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	"github.com/trustline/server/internal/model"
)

// CodeStateStore is the slice of the session store the code store needs.
type CodeStateStore interface {
	Get(ctx context.Context, phone string) (model.Session, error)
	IssueCode(ctx context.Context, phone, codeHash string, expiresAt time.Time) error
	ConsumeCode(ctx context.Context, phone, codeHash string) (bool, error)
	ClearExpiredCode(ctx context.Context, phone string) error
}

// CodeStore holds at most one pending short numeric code per phone
// number. Codes are stored as salted SHA-256 hashes, never plaintext.
type CodeStore struct {
	store CodeStateStore
	salt  string
}

// NewCodeStore creates a code store. salt is mixed into every code hash.
func NewCodeStore(store CodeStateStore, salt string) *CodeStore {
	return &CodeStore{store: store, salt: salt}
}

// Issue stores the code for the phone number with the given TTL,
// unconditionally replacing any prior pending code.
func (c *CodeStore) Issue(ctx context.Context, phone, code string, ttl time.Duration) error {
	expiresAt := time.Now().Add(ttl)
	if err := c.store.IssueCode(ctx, phone, hashCode(phone, code, c.salt), expiresAt); err != nil {
		return fmt.Errorf("issue code: %w", err)
	}
	return nil
}

// Verify checks the candidate against the pending code. A nil return
// means the code was valid and has been consumed; it will never verify
// again, even from concurrent calls. Failure reasons:
//   - ErrNotFound: no code pending (never issued, replaced, or already used)
//   - ErrExpired: the code outlived its TTL (cleared as a side effect)
//   - ErrInvalidCredential: candidate does not match
func (c *CodeStore) Verify(ctx context.Context, phone, candidate string) error {
	sess, err := c.store.Get(ctx, phone)
	if err != nil {
		return fmt.Errorf("verify code: %w", err)
	}

	if sess.PendingCodeHash == nil {
		return fmt.Errorf("verify code: no pending code: %w", model.ErrNotFound)
	}
	if sess.CodeExpiresAt == nil || !sess.CodeExpiresAt.After(time.Now()) {
		if err := c.store.ClearExpiredCode(ctx, phone); err != nil {
			return fmt.Errorf("verify code: %w", err)
		}
		return fmt.Errorf("verify code: %w", model.ErrExpired)
	}

	// Fixed-time comparison over equal-length hex digests.
	candidateHash := hashCode(phone, candidate, c.salt)
	if subtle.ConstantTimeCompare([]byte(candidateHash), []byte(*sess.PendingCodeHash)) != 1 {
		return fmt.Errorf("verify code: %w", model.ErrInvalidCredential)
	}

	// Conditional clear keyed on the stored hash: of any concurrent
	// verifies holding the same candidate, exactly one consumes.
	consumed, err := c.store.ConsumeCode(ctx, phone, candidateHash)
	if err != nil {
		return fmt.Errorf("verify code: %w", err)
	}
	if !consumed {
		return fmt.Errorf("verify code: already consumed: %w", model.ErrNotFound)
	}
	return nil
}

// GenerateCode returns a random 6-digit numeric code.
func GenerateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// hashCode returns SHA-256(phone:code:salt) as hex.
func hashCode(phone, code, salt string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%s", phone, code, salt)))
	return hex.EncodeToString(sum[:])
}
