package model

import (
	"time"

	"github.com/google/uuid"
)

// Webhook is a per-tenant registration for event delivery.
type Webhook struct {
	ID            uuid.UUID `json:"id" db:"id"`
	APIKeyID      uuid.UUID `json:"api_key_id" db:"api_key_id"`
	URL           string    `json:"url" db:"url"`
	Events        []string  `json:"events" db:"events"`
	SigningSecret string    `json:"-" db:"secret"`
	Active        bool      `json:"active" db:"active"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

// WebhookDelivery is one attempt record per (webhook, event) occurrence.
type WebhookDelivery struct {
	ID            uuid.UUID  `json:"id" db:"id"`
	WebhookID     uuid.UUID  `json:"webhook_id" db:"webhook_id"`
	MessageID     *uuid.UUID `json:"message_id,omitempty" db:"message_id"`
	Event         string     `json:"event" db:"event"`
	Payload       JSONMap    `json:"payload" db:"payload"`
	Status        string     `json:"status" db:"status"`
	Attempts      int        `json:"attempts" db:"attempts"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty" db:"last_attempt_at"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
}

// WebhookDelivery status constants.
const (
	WebhookDeliveryPending   = "pending"
	WebhookDeliveryDelivered = "delivered"
	WebhookDeliveryFailed    = "failed"
)
