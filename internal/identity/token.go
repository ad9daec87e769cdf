package identity

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/trustline/server/internal/model"
)

// Claims are the subject claims carried by an identity-provider token.
// Subject is the provider's user id.
type Claims struct {
	Email        string `json:"email,omitempty"`
	Organization string `json:"org,omitempty"`
	Role         string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// TokenValidator verifies provider-issued HS256 bearer tokens locally.
type TokenValidator struct {
	secret []byte
}

// NewTokenValidator creates a validator for the shared provider secret.
func NewTokenValidator(secret string) *TokenValidator {
	return &TokenValidator{secret: []byte(secret)}
}

// Validate parses and verifies the token, returning its claims. Expired,
// malformed, or wrongly-signed tokens fail with ErrInvalidCredential.
func (v *TokenValidator) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w: %v", model.ErrInvalidCredential, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("token claims: %w", model.ErrInvalidCredential)
	}
	return claims, nil
}
