package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/trustline/server/internal/model"
)

// Credential is the result of verifying a one-time credential (a short
// code or a magic-link hash) with the provider.
type Credential struct {
	UserID    string `json:"user_id"`
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
}

// Provider is the identity-provider capability the session core consumes.
type Provider interface {
	// IssueCredential asks the provider to send a one-time credential
	// (magic link) to the email address. Never retried automatically: a
	// failed call is ambiguous about whether the provider already acted.
	IssueCredential(ctx context.Context, email string) error

	// VerifyCredential exchanges a code or magic-link hash for the bound
	// identity and a bearer token.
	VerifyCredential(ctx context.Context, email, credential string) (Credential, error)

	// ValidateToken checks a bearer token and returns its subject claims.
	ValidateToken(ctx context.Context, token string) (*Claims, error)
}

// HTTPClient talks to the identity provider over HTTP. Token validation
// is local: provider tokens are HS256 JWTs signed with a shared secret.
type HTTPClient struct {
	baseURL   string
	client    *http.Client
	validator *TokenValidator
}

// NewHTTPClient creates a provider client for the given base URL.
func NewHTTPClient(baseURL string, validator *TokenValidator) *HTTPClient {
	return &HTTPClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		client:    &http.Client{Timeout: 10 * time.Second},
		validator: validator,
	}
}

// IssueCredential requests a magic link for the email address.
func (c *HTTPClient) IssueCredential(ctx context.Context, email string) error {
	body := map[string]string{"email": email}
	resp, err := c.post(ctx, "/credentials", body)
	if err != nil {
		return err
	}
	defer drain(resp)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fmt.Errorf("issue credential: status %d: %w", resp.StatusCode, model.ErrInvalidCredential)
	default:
		return fmt.Errorf("issue credential: status %d: %w", resp.StatusCode, model.ErrUpstreamUnavailable)
	}
}

// VerifyCredential exchanges the credential for identity and token.
func (c *HTTPClient) VerifyCredential(ctx context.Context, email, credential string) (Credential, error) {
	body := map[string]string{"email": email, "credential": credential}
	resp, err := c.post(ctx, "/credentials/verify", body)
	if err != nil {
		return Credential{}, err
	}
	defer drain(resp)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var cred Credential
		if err := json.NewDecoder(resp.Body).Decode(&cred); err != nil {
			return Credential{}, fmt.Errorf("verify credential: decode response: %w", err)
		}
		return cred, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return Credential{}, fmt.Errorf("verify credential: status %d: %w", resp.StatusCode, model.ErrInvalidCredential)
	default:
		return Credential{}, fmt.Errorf("verify credential: status %d: %w", resp.StatusCode, model.ErrUpstreamUnavailable)
	}
}

// ValidateToken verifies the token signature and expiry locally.
func (c *HTTPClient) ValidateToken(_ context.Context, token string) (*Claims, error) {
	return c.validator.Validate(token)
}

func (c *HTTPClient) post(ctx context.Context, path string, body interface{}) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("identity provider: %w: %v", model.ErrUpstreamUnavailable, err)
	}
	return resp, nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}
