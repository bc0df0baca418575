package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mailcore-dev/mailcore/internal/model"
)

type webhookRepository struct {
	pool *pgxpool.Pool
}

// NewWebhookRepository creates a new WebhookRepository backed by PostgreSQL.
func NewWebhookRepository(pool *pgxpool.Pool) WebhookRepository {
	return &webhookRepository{pool: pool}
}

const webhookColumns = `id, api_key_id, url, events, secret, active, created_at, updated_at`

func scanWebhookPtr(row pgxRow) (*model.Webhook, error) {
	w := &model.Webhook{}
	err := row.Scan(
		&w.ID, &w.APIKeyID, &w.URL, &w.Events, &w.SigningSecret, &w.Active, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (r *webhookRepository) Create(ctx context.Context, webhook *model.Webhook) error {
	query := fmt.Sprintf(`
		INSERT INTO webhooks (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING %s`, webhookColumns, webhookColumns)

	row := r.pool.QueryRow(ctx, query,
		webhook.ID, webhook.APIKeyID, webhook.URL, webhook.Events,
		webhook.SigningSecret, webhook.Active, webhook.CreatedAt, webhook.UpdatedAt,
	)
	scanned, err := scanWebhookPtr(row)
	if err != nil {
		return classifyWriteError("create webhook", err)
	}
	*webhook = *scanned
	return nil
}

func (r *webhookRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Webhook, error) {
	query := fmt.Sprintf(`SELECT %s FROM webhooks WHERE id = $1`, webhookColumns)

	w, err := scanWebhookPtr(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if isNoRows(err) {
			return nil, notFound("webhook")
		}
		return nil, fmt.Errorf("get webhook by id: %w", err)
	}
	return w, nil
}

func (r *webhookRepository) GetByAPIKeyAndID(ctx context.Context, apiKeyID, id uuid.UUID) (*model.Webhook, error) {
	query := fmt.Sprintf(`SELECT %s FROM webhooks WHERE api_key_id = $1 AND id = $2`, webhookColumns)

	w, err := scanWebhookPtr(r.pool.QueryRow(ctx, query, apiKeyID, id))
	if err != nil {
		if isNoRows(err) {
			return nil, notFound("webhook")
		}
		return nil, fmt.Errorf("get webhook by tenant and id: %w", err)
	}
	return w, nil
}

func (r *webhookRepository) ListByAPIKeyID(ctx context.Context, apiKeyID uuid.UUID) ([]model.Webhook, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM webhooks WHERE api_key_id = $1
		ORDER BY created_at DESC`, webhookColumns)

	rows, err := r.pool.Query(ctx, query, apiKeyID)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	defer rows.Close()

	webhooks, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Webhook, error) {
		w, err := scanWebhookPtr(row)
		if err != nil {
			return model.Webhook{}, err
		}
		return *w, nil
	})
	if err != nil {
		return nil, fmt.Errorf("collect webhooks: %w", err)
	}
	return webhooks, nil
}

func (r *webhookRepository) Update(ctx context.Context, webhook *model.Webhook) error {
	query := fmt.Sprintf(`
		UPDATE webhooks
		SET url = $2, events = $3, secret = $4, active = $5, updated_at = $6
		WHERE id = $1
		RETURNING %s`, webhookColumns)

	row := r.pool.QueryRow(ctx, query,
		webhook.ID, webhook.URL, webhook.Events, webhook.SigningSecret, webhook.Active, webhook.UpdatedAt,
	)
	scanned, err := scanWebhookPtr(row)
	if err != nil {
		if isNoRows(err) {
			return notFound("webhook")
		}
		return fmt.Errorf("update webhook: %w", err)
	}
	*webhook = *scanned
	return nil
}

func (r *webhookRepository) Delete(ctx context.Context, id uuid.UUID) error {
	query := `DELETE FROM webhooks WHERE id = $1`

	result, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	if result.RowsAffected() == 0 {
		return notFound("webhook")
	}
	return nil
}

// --- WebhookDeliveryRepository ---

type webhookDeliveryRepository struct {
	pool *pgxpool.Pool
}

// NewWebhookDeliveryRepository creates a new WebhookDeliveryRepository backed by PostgreSQL.
func NewWebhookDeliveryRepository(pool *pgxpool.Pool) WebhookDeliveryRepository {
	return &webhookDeliveryRepository{pool: pool}
}

const webhookDeliveryColumns = `id, webhook_id, message_id, event, payload, status, attempts, last_attempt_at, created_at`

func scanWebhookDelivery(row pgxRow) (*model.WebhookDelivery, error) {
	d := &model.WebhookDelivery{}
	err := row.Scan(
		&d.ID, &d.WebhookID, &d.MessageID, &d.Event, &d.Payload,
		&d.Status, &d.Attempts, &d.LastAttemptAt, &d.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (r *webhookDeliveryRepository) Create(ctx context.Context, delivery *model.WebhookDelivery) error {
	query := fmt.Sprintf(`
		INSERT INTO webhook_deliveries (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING %s`, webhookDeliveryColumns, webhookDeliveryColumns)

	row := r.pool.QueryRow(ctx, query,
		delivery.ID, delivery.WebhookID, delivery.MessageID, delivery.Event, delivery.Payload,
		delivery.Status, delivery.Attempts, delivery.LastAttemptAt, delivery.CreatedAt,
	)
	scanned, err := scanWebhookDelivery(row)
	if err != nil {
		return classifyWriteError("create webhook delivery", err)
	}
	*delivery = *scanned
	return nil
}

func (r *webhookDeliveryRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.WebhookDelivery, error) {
	query := fmt.Sprintf(`SELECT %s FROM webhook_deliveries WHERE id = $1`, webhookDeliveryColumns)

	d, err := scanWebhookDelivery(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if isNoRows(err) {
			return nil, notFound("webhook delivery")
		}
		return nil, fmt.Errorf("get webhook delivery by id: %w", err)
	}
	return d, nil
}

func (r *webhookDeliveryRepository) Update(ctx context.Context, delivery *model.WebhookDelivery) error {
	query := fmt.Sprintf(`
		UPDATE webhook_deliveries
		SET status = $2, attempts = $3, last_attempt_at = $4
		WHERE id = $1
		RETURNING %s`, webhookDeliveryColumns)

	row := r.pool.QueryRow(ctx, query,
		delivery.ID, delivery.Status, delivery.Attempts, delivery.LastAttemptAt,
	)
	scanned, err := scanWebhookDelivery(row)
	if err != nil {
		if isNoRows(err) {
			return notFound("webhook delivery")
		}
		return fmt.Errorf("update webhook delivery: %w", err)
	}
	*delivery = *scanned
	return nil
}

func (r *webhookDeliveryRepository) ListByWebhookID(ctx context.Context, webhookID uuid.UUID, limit, offset int) ([]model.WebhookDelivery, int, error) {
	countQuery := `SELECT COUNT(*) FROM webhook_deliveries WHERE webhook_id = $1`
	var total int
	if err := r.pool.QueryRow(ctx, countQuery, webhookID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count webhook deliveries: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT %s FROM webhook_deliveries WHERE webhook_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`, webhookDeliveryColumns)

	rows, err := r.pool.Query(ctx, query, webhookID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list webhook deliveries: %w", err)
	}
	defer rows.Close()

	deliveries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.WebhookDelivery, error) {
		d, err := scanWebhookDelivery(row)
		if err != nil {
			return model.WebhookDelivery{}, err
		}
		return *d, nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("collect webhook deliveries: %w", err)
	}

	return deliveries, total, nil
}

func (r *webhookDeliveryRepository) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	query := `DELETE FROM webhook_deliveries WHERE created_at < $1`

	result, err := r.pool.Exec(ctx, query, before)
	if err != nil {
		return 0, fmt.Errorf("delete old webhook deliveries: %w", err)
	}
	return result.RowsAffected(), nil
}

// ClaimNext atomically selects one pending delivery whose last attempt (if
// any) predates the reclaim guard, bumps its attempt counter and
// last_attempt_at, and returns it. Status stays pending: the Webhook
// Dispatcher moves it to delivered or failed once the HTTP outcome is
// known, and last_attempt_at alone prevents a second dispatcher from
// re-claiming it before the guard elapses.
func (r *webhookDeliveryRepository) ClaimNext(ctx context.Context, reclaimGuard time.Duration) (*model.WebhookDelivery, error) {
	query := fmt.Sprintf(`
		UPDATE webhook_deliveries
		SET attempts = attempts + 1, last_attempt_at = now()
		WHERE id = (
			SELECT id FROM webhook_deliveries
			WHERE status = '%s'
				AND (last_attempt_at IS NULL OR last_attempt_at < now() - $1::interval)
			ORDER BY created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING %s`, model.WebhookDeliveryPending, webhookDeliveryColumns)

	d, err := scanWebhookDelivery(r.pool.QueryRow(ctx, query, reclaimGuard.String()))
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim next webhook delivery: %w", err)
	}
	return d, nil
}
