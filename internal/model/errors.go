package model

import "errors"

// Error taxonomy shared by the session core and its collaborators.
// Callers classify with errors.Is; wrapping with fmt.Errorf("...: %w")
// preserves the category.
var (
	// ErrNotFound: no session / no pending code for the phone number.
	ErrNotFound = errors.New("not found")

	// ErrExpired: session or code past its deadline.
	ErrExpired = errors.New("expired")

	// ErrRateLimited: the attempt budget for the window is exhausted.
	ErrRateLimited = errors.New("rate limited")

	// ErrDowngraded: channel trust was violated. Terminal for the
	// current session; never retried.
	ErrDowngraded = errors.New("channel downgraded")

	// ErrInvalidCredential: the identity provider rejected a code,
	// magic-link hash, or bearer token.
	ErrInvalidCredential = errors.New("invalid credential")

	// ErrStoreUnavailable: transient backing-store failure.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrUpstreamUnavailable: transient transport / identity-provider failure.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)
