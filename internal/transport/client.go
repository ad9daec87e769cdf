package transport

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

// Sender is the opaque "send a message" capability. Delivery status
// arrives later via a StatusCallback webhook carrying the message id.
type Sender interface {
	Send(ctx context.Context, phone, text string) (messageID string, err error)
}

// StatusCallback is the slice of the provider's delivery-status webhook
// the session core depends on.
type StatusCallback struct {
	MessageID     string `json:"message_id"`
	ChannelPrefix string `json:"channel_prefix"`
}

// InboundMessage is the slice of the provider's inbound-message webhook
// the session core depends on.
type InboundMessage struct {
	From      string `json:"from"`
	MessageID string `json:"message_id"`
	Channel   string `json:"channel"`
	Text      string `json:"text,omitempty"`
}

// HTTPSender posts outbound messages to the transport provider.
type HTTPSender struct {
	baseURL string
	client  *http.Client
}

// NewHTTPSender creates a sender for the given provider base URL.
func NewHTTPSender(baseURL string) *HTTPSender {
	return &HTTPSender{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Send delivers one message and returns the provider message id.
func (s *HTTPSender) Send(ctx context.Context, phone, text string) (string, error) {
	payload, err := json.Marshal(map[string]string{"to": phone, "text": text})
	if err != nil {
		return "", fmt.Errorf("encode message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("send message: %w: %v", model.ErrUpstreamUnavailable, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var out struct {
			MessageID string `json:"message_id"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return "", fmt.Errorf("send message: decode response: %w", err)
		}
		return out.MessageID, nil
	case resp.StatusCode >= 500:
		return "", fmt.Errorf("send message: status %d: %w", resp.StatusCode, model.ErrUpstreamUnavailable)
	default:
		return "", fmt.Errorf("send message: rejected with status %d", resp.StatusCode)
	}
}
