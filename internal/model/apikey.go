package model

import (
	"time"

	"github.com/google/uuid"
)

// APIKey is the tenant: it authenticates requests and owns every other
// entity (domains, messages, suppressions, webhooks).
type APIKey struct {
	ID                 uuid.UUID  `json:"id" db:"id"`
	Name               string     `json:"name" db:"name"`
	KeyHash            string     `json:"-" db:"key_hash"`
	KeyPrefix          string     `json:"key_prefix" db:"key_prefix"`
	RateLimitPerSecond int        `json:"rate_limit_per_second" db:"rate_limit_per_second"`
	CreatedAt          time.Time  `json:"created_at" db:"created_at"`
	LastUsedAt         *time.Time `json:"last_used_at,omitempty" db:"last_used_at"`
}
