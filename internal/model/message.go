package model

import (
	"time"

	"github.com/google/uuid"
)

// Message is a single outbound email owned by a tenant (API key).
type Message struct {
	ID             uuid.UUID  `json:"id" db:"id"`
	APIKeyID       uuid.UUID  `json:"api_key_id" db:"api_key_id"`
	IdempotencyKey *string    `json:"idempotency_key,omitempty" db:"idempotency_key"`
	Type           string     `json:"type" db:"type"`
	Status         string     `json:"status" db:"status"`
	FromAddress    string     `json:"from_address" db:"from_address"`
	ToAddress      string     `json:"to_address" db:"to_address"`
	Subject        *string    `json:"subject,omitempty" db:"subject"`
	Body           *string    `json:"body,omitempty" db:"body"`
	HTMLBody       *string    `json:"html_body,omitempty" db:"html_body"`
	Metadata       JSONMap    `json:"metadata,omitempty" db:"metadata"`
	Attempts       int        `json:"attempts" db:"attempts"`
	FailureReason  *string    `json:"failure_reason,omitempty" db:"failure_reason"`
	ClaimedAt      *time.Time `json:"-" db:"claimed_at"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	SentAt         *time.Time `json:"sent_at,omitempty" db:"sent_at"`
	DeliveredAt    *time.Time `json:"delivered_at,omitempty" db:"delivered_at"`
	FailedAt       *time.Time `json:"failed_at,omitempty" db:"failed_at"`
}

// Message type constants.
const (
	MessageTypeEmail = "email"
	MessageTypeSMS   = "sms"
)

// Message status constants. Terminal: Sent, Delivered, Bounced, Failed, Rejected.
const (
	MessageStatusQueued     = "queued"
	MessageStatusProcessing = "processing"
	MessageStatusSent       = "sent"
	MessageStatusDelivered  = "delivered"
	MessageStatusBounced    = "bounced"
	MessageStatusFailed     = "failed"
	MessageStatusRejected   = "rejected"
)

// IsTerminalMessageStatus reports whether status is one from which no further
// transition is permitted.
func IsTerminalMessageStatus(status string) bool {
	switch status {
	case MessageStatusSent, MessageStatusDelivered, MessageStatusBounced, MessageStatusFailed, MessageStatusRejected:
		return true
	default:
		return false
	}
}

// Webhook event names. The core emits message.sent, message.bounced and
// message.failed; the remaining names are reserved and never emitted.
const (
	EventMessageSent      = "message.sent"
	EventMessageBounced   = "message.bounced"
	EventMessageFailed    = "message.failed"
	EventMessageQueued    = "message.queued"
	EventMessageDelivered = "message.delivered"
	EventMessageOpened    = "message.opened"
	EventMessageClicked   = "message.clicked"
	EventComplaintReceived = "complaint.received"
)
