package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHandleStatusCallbackRejectsBadPayloads(t *testing.T) {
	h := NewWebhookHandler(nil)

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{not json`},
		{"missing message id", `{"channel_prefix":"rcs"}`},
		{"missing channel prefix", `{"message_id":"m1"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/webhooks/status", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()

			h.HandleStatusCallback(rec, req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestHandleInboundMessageRejectsBadPayloads(t *testing.T) {
	h := NewWebhookHandler(nil)

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{not json`},
		{"missing sender", `{"channel":"sms","text":"hi"}`},
		{"blank sender", `{"from":"   ","channel":"sms"}`},
		{"missing channel", `{"from":"+15550000","text":"hi"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/webhooks/message", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()

			h.HandleInboundMessage(rec, req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestMaskPhone(t *testing.T) {
	assert.Equal(t, "+1*******89", maskPhone("+1555000089"))
	assert.Equal(t, "****", maskPhone("+49"))
}
