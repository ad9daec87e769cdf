package middleware

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
)

// SignatureHeader carries the provider's hex HMAC-SHA256 of the raw body.
const SignatureHeader = "X-Webhook-Signature"

// VerifySignature authenticates webhook requests against the shared
// provider secret. The body is read in full, verified, and restored for
// the next handler. An unauthenticated transport-provider webhook would
// let anyone spoof delivery-status callbacks and flip channel trust.
func VerifySignature(secret string) func(http.Handler) http.Handler {
	key := []byte(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sig := r.Header.Get(SignatureHeader)
			if sig == "" {
				respondUnauthorized(w, "missing webhook signature")
				return
			}

			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
			if err != nil {
				respondUnauthorized(w, "unreadable body")
				return
			}
			_ = r.Body.Close()
			r.Body = io.NopCloser(bytes.NewReader(body))

			mac := hmac.New(sha256.New, key)
			mac.Write(body)

			provided, err := hex.DecodeString(sig)
			if err != nil || !hmac.Equal(provided, mac.Sum(nil)) {
				respondUnauthorized(w, "invalid webhook signature")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func respondUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
