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

type messageRepository struct {
	pool *pgxpool.Pool
}

// NewMessageRepository creates a new MessageRepository backed by PostgreSQL.
func NewMessageRepository(pool *pgxpool.Pool) MessageRepository {
	return &messageRepository{pool: pool}
}

const messageColumns = `id, api_key_id, idempotency_key, type, status,
	from_address, to_address, subject, body, html_body, metadata,
	attempts, failure_reason, claimed_at,
	created_at, sent_at, delivered_at, failed_at`

func scanMessage(row pgxRow) (*model.Message, error) {
	m := &model.Message{}
	err := row.Scan(
		&m.ID, &m.APIKeyID, &m.IdempotencyKey, &m.Type, &m.Status,
		&m.FromAddress, &m.ToAddress, &m.Subject, &m.Body, &m.HTMLBody, &m.Metadata,
		&m.Attempts, &m.FailureReason, &m.ClaimedAt,
		&m.CreatedAt, &m.SentAt, &m.DeliveredAt, &m.FailedAt,
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (r *messageRepository) Create(ctx context.Context, msg *model.Message) error {
	query := fmt.Sprintf(`
		INSERT INTO messages (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		RETURNING %s`, messageColumns, messageColumns)

	row := r.pool.QueryRow(ctx, query,
		msg.ID, msg.APIKeyID, msg.IdempotencyKey, msg.Type, msg.Status,
		msg.FromAddress, msg.ToAddress, msg.Subject, msg.Body, msg.HTMLBody, msg.Metadata,
		msg.Attempts, msg.FailureReason, msg.ClaimedAt,
		msg.CreatedAt, msg.SentAt, msg.DeliveredAt, msg.FailedAt,
	)
	scanned, err := scanMessage(row)
	if err != nil {
		return classifyWriteError("create message", err)
	}
	*msg = *scanned
	return nil
}

func (r *messageRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Message, error) {
	query := fmt.Sprintf(`SELECT %s FROM messages WHERE id = $1`, messageColumns)

	m, err := scanMessage(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if isNoRows(err) {
			return nil, notFound("message")
		}
		return nil, fmt.Errorf("get message by id: %w", err)
	}
	return m, nil
}

func (r *messageRepository) GetByAPIKeyAndIdempotencyKey(ctx context.Context, apiKeyID uuid.UUID, key string) (*model.Message, error) {
	query := fmt.Sprintf(`SELECT %s FROM messages WHERE api_key_id = $1 AND idempotency_key = $2`, messageColumns)

	m, err := scanMessage(r.pool.QueryRow(ctx, query, apiKeyID, key))
	if err != nil {
		if isNoRows(err) {
			return nil, notFound("message")
		}
		return nil, fmt.Errorf("get message by idempotency key: %w", err)
	}
	return m, nil
}

func (r *messageRepository) GetByAPIKeyAndID(ctx context.Context, apiKeyID, id uuid.UUID) (*model.Message, error) {
	query := fmt.Sprintf(`SELECT %s FROM messages WHERE api_key_id = $1 AND id = $2`, messageColumns)

	m, err := scanMessage(r.pool.QueryRow(ctx, query, apiKeyID, id))
	if err != nil {
		if isNoRows(err) {
			return nil, notFound("message")
		}
		return nil, fmt.Errorf("get message by tenant and id: %w", err)
	}
	return m, nil
}

func (r *messageRepository) List(ctx context.Context, apiKeyID uuid.UUID, limit, offset int) ([]model.Message, int, error) {
	countQuery := `SELECT COUNT(*) FROM messages WHERE api_key_id = $1`
	var total int
	if err := r.pool.QueryRow(ctx, countQuery, apiKeyID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count messages: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT %s FROM messages WHERE api_key_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`, messageColumns)

	rows, err := r.pool.Query(ctx, query, apiKeyID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Message, error) {
		m, err := scanMessage(row)
		if err != nil {
			return model.Message{}, err
		}
		return *m, nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("collect messages: %w", err)
	}

	return messages, total, nil
}

func (r *messageRepository) Update(ctx context.Context, msg *model.Message) error {
	query := fmt.Sprintf(`
		UPDATE messages
		SET status = $2, attempts = $3, failure_reason = $4, claimed_at = $5,
			sent_at = $6, delivered_at = $7, failed_at = $8
		WHERE id = $1
		RETURNING %s`, messageColumns)

	row := r.pool.QueryRow(ctx, query,
		msg.ID, msg.Status, msg.Attempts, msg.FailureReason, msg.ClaimedAt,
		msg.SentAt, msg.DeliveredAt, msg.FailedAt,
	)
	scanned, err := scanMessage(row)
	if err != nil {
		if isNoRows(err) {
			return notFound("message")
		}
		return fmt.Errorf("update message: %w", err)
	}
	*msg = *scanned
	return nil
}

// ClaimNext atomically selects the oldest queued message, marks it
// processing, and returns it. attempts is not touched here: the Email
// Worker owns that counter and increments it on every failed send, so a
// message claimed and successfully sent on the first try still reports
// attempts=0.
func (r *messageRepository) ClaimNext(ctx context.Context) (*model.Message, error) {
	query := fmt.Sprintf(`
		UPDATE messages
		SET status = '%s', claimed_at = now()
		WHERE id = (
			SELECT id FROM messages
			WHERE status = '%s'
			ORDER BY created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING %s`, model.MessageStatusProcessing, model.MessageStatusQueued, messageColumns)

	m, err := scanMessage(r.pool.QueryRow(ctx, query))
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim next message: %w", err)
	}
	return m, nil
}

// ResetStaleProcessing resets processing rows whose claim has outlived
// olderThan back to queued, recovering messages orphaned by a worker crash
// mid-send.
func (r *messageRepository) ResetStaleProcessing(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := fmt.Sprintf(`
		UPDATE messages
		SET status = '%s', claimed_at = NULL
		WHERE status = '%s' AND claimed_at < now() - $1::interval`,
		model.MessageStatusQueued, model.MessageStatusProcessing)

	result, err := r.pool.Exec(ctx, query, olderThan.String())
	if err != nil {
		return 0, fmt.Errorf("reset stale processing messages: %w", err)
	}
	return result.RowsAffected(), nil
}
