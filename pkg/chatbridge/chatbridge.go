// Package chatbridge implements the HTTP half of spec.md §6's chat-bridge
// contract: an inbound POST handler the bridge process calls into, and an
// outbound HTTP client the core uses to push replies back out to it. The
// bridge process itself (a JS WhatsApp/Telegram/etc. adapter) is an
// external collaborator, out of scope per spec.md §1.
package chatbridge

import "time"

// InboundMessage is the JSON body a bridge process POSTs into the core.
type InboundMessage struct {
	ID       string    `json:"id"`
	Text     string    `json:"text"`
	SenderID string    `json:"sender_id"`
	Bridge   string    `json:"bridge"`
	SentAt   time.Time `json:"sent_at"`
}

// OutboundMessage is the JSON body the core POSTs out to a bridge process.
type OutboundMessage struct {
	ID          string `json:"id"`
	Text        string `json:"text"`
	RecipientID string `json:"recipient_id"`
}
