package model

import (
	"time"

	"github.com/google/uuid"
)

// SuppressionEntry marks a (tenant, email) pair that must never be sent to
// again. Unique per (api_key_id, email); email is stored lowercased.
type SuppressionEntry struct {
	ID        uuid.UUID `json:"id" db:"id"`
	APIKeyID  uuid.UUID `json:"api_key_id" db:"api_key_id"`
	Email     string    `json:"email" db:"email"`
	Reason    string    `json:"reason" db:"reason"`
	Details   *string   `json:"details,omitempty" db:"details"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

const (
	SuppressionHardBounce  = "hard_bounce"
	SuppressionSoftBounce  = "soft_bounce"
	SuppressionComplaint   = "complaint"
	SuppressionUnsubscribe = "unsubscribe"
	SuppressionManual      = "manual"
)
