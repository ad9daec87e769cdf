package transport

import (
	"context"
	"log"
	"strings"

	"github.com/google/uuid"
)

// LogSender logs outbound messages instead of delivering them, so the
// service runs in dev mode without a transport provider. Message ids
// are generated locally; status callbacks never arrive for them.
type LogSender struct{}

// Send logs the message and returns a locally generated id.
func (LogSender) Send(_ context.Context, phone, text string) (string, error) {
	id := uuid.NewString()
	log.Printf("DEV transport: to %s (message %s): %s", maskPhone(phone), id, text)
	return id, nil
}

func maskPhone(phone string) string {
	if len(phone) <= 4 {
		return "****"
	}
	return phone[:2] + strings.Repeat("*", len(phone)-4) + phone[len(phone)-2:]
}
