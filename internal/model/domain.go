package model

import (
	"time"

	"github.com/google/uuid"
)

// Domain is a sending domain owned by one tenant.
type Domain struct {
	ID             uuid.UUID  `json:"id" db:"id"`
	APIKeyID       uuid.UUID  `json:"api_key_id" db:"api_key_id"`
	Name           string     `json:"name" db:"name"`
	Status         string     `json:"status" db:"status"`
	DKIMPrivateKey *string    `json:"-" db:"dkim_private_key"`
	DKIMSelector   string     `json:"dkim_selector" db:"dkim_selector"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	VerifiedAt     *time.Time `json:"verified_at,omitempty" db:"verified_at"`
}

// Domain status constants. verified is the only gate checked by the core;
// the transition into it is driven by the (out-of-scope) DNS verifier.
const (
	DomainStatusPending  = "pending"
	DomainStatusVerified = "verified"
	DomainStatusFailed   = "failed"
)

// IsVerified reports whether the domain may be used as a signing sender.
func (d *Domain) IsVerified() bool {
	return d.Status == DomainStatusVerified
}
