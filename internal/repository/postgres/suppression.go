package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mailcore-dev/mailcore/internal/model"
)

type suppressionRepository struct {
	pool *pgxpool.Pool
}

// NewSuppressionRepository creates a new SuppressionRepository backed by PostgreSQL.
func NewSuppressionRepository(pool *pgxpool.Pool) SuppressionRepository {
	return &suppressionRepository{pool: pool}
}

const suppressionColumns = `id, api_key_id, email, reason, details, created_at`

func scanSuppression(row pgxRow) (*model.SuppressionEntry, error) {
	e := &model.SuppressionEntry{}
	err := row.Scan(&e.ID, &e.APIKeyID, &e.Email, &e.Reason, &e.Details, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (r *suppressionRepository) Create(ctx context.Context, entry *model.SuppressionEntry) error {
	entry.Email = normalizeEmail(entry.Email)

	query := fmt.Sprintf(`
		INSERT INTO suppressions (%s)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING %s`, suppressionColumns, suppressionColumns)

	scanned, err := scanSuppression(r.pool.QueryRow(ctx, query,
		entry.ID, entry.APIKeyID, entry.Email, entry.Reason, entry.Details, entry.CreatedAt,
	))
	if err != nil {
		return classifyWriteError("create suppression", err)
	}
	*entry = *scanned
	return nil
}

// Upsert inserts a suppression, or on a (api_key_id, email) conflict updates
// the reason and details in place. Used by the Email Worker's hard-bounce
// path, where a recipient may already be suppressed for an unrelated reason.
func (r *suppressionRepository) Upsert(ctx context.Context, entry *model.SuppressionEntry) error {
	entry.Email = normalizeEmail(entry.Email)

	query := fmt.Sprintf(`
		INSERT INTO suppressions (%s)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (api_key_id, email) DO UPDATE
		SET reason = EXCLUDED.reason, details = EXCLUDED.details
		RETURNING %s`, suppressionColumns, suppressionColumns)

	scanned, err := scanSuppression(r.pool.QueryRow(ctx, query,
		entry.ID, entry.APIKeyID, entry.Email, entry.Reason, entry.Details, entry.CreatedAt,
	))
	if err != nil {
		return classifyWriteError("upsert suppression", err)
	}
	*entry = *scanned
	return nil
}

func (r *suppressionRepository) GetByAPIKeyAndEmail(ctx context.Context, apiKeyID uuid.UUID, email string) (*model.SuppressionEntry, error) {
	query := fmt.Sprintf(`SELECT %s FROM suppressions WHERE api_key_id = $1 AND email = $2`, suppressionColumns)

	entry, err := scanSuppression(r.pool.QueryRow(ctx, query, apiKeyID, normalizeEmail(email)))
	if err != nil {
		if isNoRows(err) {
			return nil, notFound("suppression entry")
		}
		return nil, fmt.Errorf("get suppression entry by email: %w", err)
	}
	return entry, nil
}

func (r *suppressionRepository) ListByAPIKeyID(ctx context.Context, apiKeyID uuid.UUID, limit, offset int) ([]model.SuppressionEntry, int, error) {
	countQuery := `SELECT COUNT(*) FROM suppressions WHERE api_key_id = $1`
	var total int
	if err := r.pool.QueryRow(ctx, countQuery, apiKeyID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count suppression entries: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT %s FROM suppressions WHERE api_key_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`, suppressionColumns)

	rows, err := r.pool.Query(ctx, query, apiKeyID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list suppression entries: %w", err)
	}
	defer rows.Close()

	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.SuppressionEntry, error) {
		e, err := scanSuppression(row)
		if err != nil {
			return model.SuppressionEntry{}, err
		}
		return *e, nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("collect suppression entries: %w", err)
	}

	return entries, total, nil
}

func (r *suppressionRepository) Delete(ctx context.Context, id uuid.UUID) error {
	query := `DELETE FROM suppressions WHERE id = $1`

	result, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete suppression entry: %w", err)
	}
	if result.RowsAffected() == 0 {
		return notFound("suppression entry")
	}
	return nil
}

// normalizeEmail lowercases and trims a recipient address, matching the
// normalization applied at every other suppression-checking site so the
// invariant holds regardless of what a caller passes in.
func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
