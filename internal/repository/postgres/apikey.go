package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mailcore-dev/mailcore/internal/model"
)

type apiKeyRepository struct {
	pool *pgxpool.Pool
}

// NewAPIKeyRepository creates a new APIKeyRepository backed by PostgreSQL.
func NewAPIKeyRepository(pool *pgxpool.Pool) APIKeyRepository {
	return &apiKeyRepository{pool: pool}
}

const apiKeyColumns = `id, name, key_hash, key_prefix, rate_limit_per_second, created_at, last_used_at`

func scanAPIKey(row pgxRow, key *model.APIKey) error {
	return row.Scan(
		&key.ID, &key.Name, &key.KeyHash, &key.KeyPrefix, &key.RateLimitPerSecond, &key.CreatedAt, &key.LastUsedAt,
	)
}

func (r *apiKeyRepository) Create(ctx context.Context, key *model.APIKey) error {
	query := fmt.Sprintf(`
		INSERT INTO api_keys (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING %s`, apiKeyColumns, apiKeyColumns)

	row := r.pool.QueryRow(ctx, query,
		key.ID, key.Name, key.KeyHash, key.KeyPrefix, key.RateLimitPerSecond, key.CreatedAt, key.LastUsedAt,
	)
	if err := scanAPIKey(row, key); err != nil {
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (r *apiKeyRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.APIKey, error) {
	query := fmt.Sprintf(`SELECT %s FROM api_keys WHERE id = $1`, apiKeyColumns)

	key := &model.APIKey{}
	if err := scanAPIKey(r.pool.QueryRow(ctx, query, id), key); err != nil {
		if isNoRows(err) {
			return nil, notFound("api key")
		}
		return nil, fmt.Errorf("get api key by id: %w", err)
	}
	return key, nil
}

func (r *apiKeyRepository) GetByHash(ctx context.Context, keyHash string) (*model.APIKey, error) {
	query := fmt.Sprintf(`SELECT %s FROM api_keys WHERE key_hash = $1`, apiKeyColumns)

	key := &model.APIKey{}
	if err := scanAPIKey(r.pool.QueryRow(ctx, query, keyHash), key); err != nil {
		if isNoRows(err) {
			return nil, notFound("api key")
		}
		return nil, fmt.Errorf("get api key by hash: %w", err)
	}
	return key, nil
}

func (r *apiKeyRepository) Delete(ctx context.Context, id uuid.UUID) error {
	query := `DELETE FROM api_keys WHERE id = $1`

	result, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete api key: %w", err)
	}
	if result.RowsAffected() == 0 {
		return notFound("api key")
	}
	return nil
}

func (r *apiKeyRepository) UpdateLastUsed(ctx context.Context, keyHash string, usedAt time.Time) error {
	query := `UPDATE api_keys SET last_used_at = $2 WHERE key_hash = $1`

	result, err := r.pool.Exec(ctx, query, keyHash, usedAt)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	if result.RowsAffected() == 0 {
		return notFound("api key")
	}
	return nil
}
