package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/mailcore-dev/mailcore/internal/model"
)

// APIKeyRepository defines persistence operations for tenants (API keys).
type APIKeyRepository interface {
	Create(ctx context.Context, key *model.APIKey) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.APIKey, error)
	GetByHash(ctx context.Context, keyHash string) (*model.APIKey, error)
	Delete(ctx context.Context, id uuid.UUID) error
	UpdateLastUsed(ctx context.Context, keyHash string, usedAt time.Time) error
}

// DomainRepository defines persistence operations for sending domains.
type DomainRepository interface {
	Create(ctx context.Context, domain *model.Domain) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.Domain, error)
	GetByAPIKeyAndID(ctx context.Context, apiKeyID, id uuid.UUID) (*model.Domain, error)
	GetByAPIKeyAndName(ctx context.Context, apiKeyID uuid.UUID, name string) (*model.Domain, error)
	GetVerifiedByName(ctx context.Context, name string) (*model.Domain, error)
	List(ctx context.Context, apiKeyID uuid.UUID, limit, offset int) ([]model.Domain, int, error)
	Update(ctx context.Context, domain *model.Domain) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// MessageRepository defines persistence operations for outbound messages,
// including the atomic claim used by the Email Worker.
type MessageRepository interface {
	Create(ctx context.Context, msg *model.Message) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.Message, error)
	GetByAPIKeyAndIdempotencyKey(ctx context.Context, apiKeyID uuid.UUID, key string) (*model.Message, error)
	GetByAPIKeyAndID(ctx context.Context, apiKeyID, id uuid.UUID) (*model.Message, error)
	List(ctx context.Context, apiKeyID uuid.UUID, limit, offset int) ([]model.Message, int, error)
	Update(ctx context.Context, msg *model.Message) error

	// ClaimNext atomically selects one queued message, ordered by created_at
	// ascending, marks it processing, and returns it. It returns nil, nil
	// when no row is ready.
	ClaimNext(ctx context.Context) (*model.Message, error)

	// ResetStaleProcessing resets processing rows whose claim is older than
	// olderThan back to queued. It returns the number of rows reset.
	ResetStaleProcessing(ctx context.Context, olderThan time.Duration) (int64, error)
}

// SuppressionRepository defines persistence operations for the suppression list.
type SuppressionRepository interface {
	Create(ctx context.Context, entry *model.SuppressionEntry) error
	Upsert(ctx context.Context, entry *model.SuppressionEntry) error
	GetByAPIKeyAndEmail(ctx context.Context, apiKeyID uuid.UUID, email string) (*model.SuppressionEntry, error)
	ListByAPIKeyID(ctx context.Context, apiKeyID uuid.UUID, limit, offset int) ([]model.SuppressionEntry, int, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// WebhookRepository defines persistence operations for webhook registrations.
type WebhookRepository interface {
	Create(ctx context.Context, webhook *model.Webhook) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.Webhook, error)
	GetByAPIKeyAndID(ctx context.Context, apiKeyID, id uuid.UUID) (*model.Webhook, error)
	ListByAPIKeyID(ctx context.Context, apiKeyID uuid.UUID) ([]model.Webhook, error)
	Update(ctx context.Context, webhook *model.Webhook) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// WebhookDeliveryRepository defines persistence operations for webhook delivery
// attempts, including the atomic claim used by the Webhook Dispatcher.
type WebhookDeliveryRepository interface {
	Create(ctx context.Context, delivery *model.WebhookDelivery) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.WebhookDelivery, error)
	Update(ctx context.Context, delivery *model.WebhookDelivery) error
	ListByWebhookID(ctx context.Context, webhookID uuid.UUID, limit, offset int) ([]model.WebhookDelivery, int, error)
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)

	// ClaimNext atomically selects one pending delivery whose last attempt
	// (if any) is older than the reclaim guard, increments its attempts and
	// sets last_attempt_at, and returns it with status still pending. It
	// returns nil, nil when no row is ready.
	ClaimNext(ctx context.Context, reclaimGuard time.Duration) (*model.WebhookDelivery, error)
}
