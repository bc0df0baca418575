package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mailcore-dev/mailcore/internal/model"
)

type domainRepository struct {
	pool *pgxpool.Pool
}

// NewDomainRepository creates a new DomainRepository backed by PostgreSQL.
func NewDomainRepository(pool *pgxpool.Pool) DomainRepository {
	return &domainRepository{pool: pool}
}

const domainColumns = `id, api_key_id, name, status, dkim_private_key, dkim_selector, created_at, verified_at`

func scanDomain(row pgx.Row) (*model.Domain, error) {
	d := &model.Domain{}
	err := row.Scan(
		&d.ID, &d.APIKeyID, &d.Name, &d.Status,
		&d.DKIMPrivateKey, &d.DKIMSelector, &d.CreatedAt, &d.VerifiedAt,
	)
	return d, err
}

func (r *domainRepository) Create(ctx context.Context, domain *model.Domain) error {
	query := fmt.Sprintf(`
		INSERT INTO domains (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING %s`, domainColumns, domainColumns)

	row := r.pool.QueryRow(ctx, query,
		domain.ID, domain.APIKeyID, domain.Name, domain.Status,
		domain.DKIMPrivateKey, domain.DKIMSelector, domain.CreatedAt, domain.VerifiedAt,
	)
	scanned, err := scanDomain(row)
	if err != nil {
		return classifyWriteError("create domain", err)
	}
	*domain = *scanned
	return nil
}

func (r *domainRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Domain, error) {
	query := fmt.Sprintf(`SELECT %s FROM domains WHERE id = $1`, domainColumns)

	d, err := scanDomain(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if isNoRows(err) {
			return nil, notFound("domain")
		}
		return nil, fmt.Errorf("get domain by id: %w", err)
	}
	return d, nil
}

func (r *domainRepository) GetByAPIKeyAndID(ctx context.Context, apiKeyID, id uuid.UUID) (*model.Domain, error) {
	query := fmt.Sprintf(`SELECT %s FROM domains WHERE api_key_id = $1 AND id = $2`, domainColumns)

	d, err := scanDomain(r.pool.QueryRow(ctx, query, apiKeyID, id))
	if err != nil {
		if isNoRows(err) {
			return nil, notFound("domain")
		}
		return nil, fmt.Errorf("get domain by tenant and id: %w", err)
	}
	return d, nil
}

func (r *domainRepository) GetByAPIKeyAndName(ctx context.Context, apiKeyID uuid.UUID, name string) (*model.Domain, error) {
	query := fmt.Sprintf(`SELECT %s FROM domains WHERE api_key_id = $1 AND name = $2`, domainColumns)

	d, err := scanDomain(r.pool.QueryRow(ctx, query, apiKeyID, name))
	if err != nil {
		if isNoRows(err) {
			return nil, notFound("domain")
		}
		return nil, fmt.Errorf("get domain by tenant and name: %w", err)
	}
	return d, nil
}

func (r *domainRepository) GetVerifiedByName(ctx context.Context, name string) (*model.Domain, error) {
	query := fmt.Sprintf(`SELECT %s FROM domains WHERE name = $1 AND status = 'verified' LIMIT 1`, domainColumns)

	d, err := scanDomain(r.pool.QueryRow(ctx, query, name))
	if err != nil {
		if isNoRows(err) {
			return nil, notFound("domain")
		}
		return nil, fmt.Errorf("get verified domain by name: %w", err)
	}
	return d, nil
}

func (r *domainRepository) List(ctx context.Context, apiKeyID uuid.UUID, limit, offset int) ([]model.Domain, int, error) {
	countQuery := `SELECT COUNT(*) FROM domains WHERE api_key_id = $1`
	var total int
	if err := r.pool.QueryRow(ctx, countQuery, apiKeyID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count domains: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT %s FROM domains WHERE api_key_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`, domainColumns)

	rows, err := r.pool.Query(ctx, query, apiKeyID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list domains: %w", err)
	}
	defer rows.Close()

	domains, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Domain, error) {
		var d model.Domain
		err := row.Scan(
			&d.ID, &d.APIKeyID, &d.Name, &d.Status,
			&d.DKIMPrivateKey, &d.DKIMSelector, &d.CreatedAt, &d.VerifiedAt,
		)
		return d, err
	})
	if err != nil {
		return nil, 0, fmt.Errorf("collect domains: %w", err)
	}

	return domains, total, nil
}

func (r *domainRepository) Update(ctx context.Context, domain *model.Domain) error {
	query := fmt.Sprintf(`
		UPDATE domains
		SET name = $2, status = $3, dkim_private_key = $4, dkim_selector = $5, verified_at = $6
		WHERE id = $1
		RETURNING %s`, domainColumns)

	row := r.pool.QueryRow(ctx, query,
		domain.ID, domain.Name, domain.Status,
		domain.DKIMPrivateKey, domain.DKIMSelector, domain.VerifiedAt,
	)
	scanned, err := scanDomain(row)
	if err != nil {
		if isNoRows(err) {
			return notFound("domain")
		}
		return fmt.Errorf("update domain: %w", err)
	}
	*domain = *scanned
	return nil
}

func (r *domainRepository) Delete(ctx context.Context, id uuid.UUID) error {
	query := `DELETE FROM domains WHERE id = $1`

	result, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete domain: %w", err)
	}
	if result.RowsAffected() == 0 {
		return notFound("domain")
	}
	return nil
}
