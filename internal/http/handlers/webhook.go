package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/trustline/server/internal/model"
	"github.com/trustline/server/internal/session"
	"github.com/trustline/server/internal/transport"
)

// WebhookHandler feeds transport-provider webhooks into the session core.
type WebhookHandler struct {
	manager *session.Manager
}

// NewWebhookHandler creates a webhook handler over the session manager.
func NewWebhookHandler(manager *session.Manager) *WebhookHandler {
	return &WebhookHandler{manager: manager}
}

// statusResponse is the JSON response to the transport provider. The
// provider only cares about the 2xx; the body helps local debugging.
type statusResponse struct {
	Status string `json:"status"`
}

// HandleStatusCallback handles POST /webhooks/status: an asynchronous
// delivery-status report carrying (message_id, channel_prefix).
func (h *WebhookHandler) HandleStatusCallback(w http.ResponseWriter, r *http.Request) {
	var cb transport.StatusCallback
	if err := json.NewDecoder(r.Body).Decode(&cb); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if cb.MessageID == "" || cb.ChannelPrefix == "" {
		respondWithError(w, http.StatusBadRequest, "message_id and channel_prefix are required")
		return
	}

	sess, err := h.manager.HandleStatusCallback(r.Context(), cb.MessageID, cb.ChannelPrefix)
	if err != nil {
		log.Printf("status callback for message %s failed: %v", cb.MessageID, err)
		respondWithError(w, http.StatusInternalServerError, "failed to process status callback")
		return
	}

	// Stale callbacks (message id already rotated) are acknowledged so
	// the provider stops redelivering them.
	status := "ignored"
	if sess != nil {
		status = string(sess.ChannelType)
	}
	respondJSON(w, http.StatusOK, statusResponse{Status: status})
}

// inboundResponse tells the dispatcher whether the session may continue
// acting as authenticated for this message.
type inboundResponse struct {
	Status        string `json:"status"`
	Authenticated bool   `json:"authenticated"`
}

// HandleInboundMessage handles POST /webhooks/message: the proactive
// trust check for the message currently being processed. A trust-required
// session observed off its trusted channel is revoked here, before the
// dispatcher evaluates the message.
func (h *WebhookHandler) HandleInboundMessage(w http.ResponseWriter, r *http.Request) {
	var msg transport.InboundMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	msg.From = strings.TrimSpace(msg.From)
	if msg.From == "" || msg.Channel == "" {
		respondWithError(w, http.StatusBadRequest, "from and channel are required")
		return
	}

	sess, err := h.manager.CheckInboundTrust(r.Context(), msg.From, msg.Channel)
	if err != nil {
		if errors.Is(err, model.ErrDowngraded) {
			respondJSON(w, http.StatusOK, inboundResponse{Status: "downgraded", Authenticated: false})
			return
		}
		log.Printf("inbound trust check for %s failed: %v", maskPhone(msg.From), err)
		respondWithError(w, http.StatusInternalServerError, "failed to process inbound message")
		return
	}

	resp := inboundResponse{Status: "ok"}
	if sess == nil {
		// First contact from this phone number: the row starts pending.
		created, err := h.manager.UpsertPendingSession(r.Context(), msg.From, nil, model.AuthOneTimeCode, true, 0, nil)
		if err != nil {
			log.Printf("pending upsert for %s failed: %v", maskPhone(msg.From), err)
			respondWithError(w, http.StatusInternalServerError, "failed to process inbound message")
			return
		}
		resp.Status = string(created.ChannelType)
	} else {
		resp.Authenticated = sess.Authenticated(time.Now())
	}
	respondJSON(w, http.StatusOK, resp)
}

// respondJSON writes a JSON response with the given status code.
func respondJSON(w http.ResponseWriter, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

// respondWithError sends a JSON error response
func respondWithError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, map[string]string{"error": message})
}

// maskPhone masks a phone number for logging (e.g. +49******89).
func maskPhone(phone string) string {
	if len(phone) <= 4 {
		return "****"
	}
	return phone[:2] + strings.Repeat("*", len(phone)-4) + phone[len(phone)-2:]
}
