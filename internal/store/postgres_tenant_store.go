package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/devrev/riptide-persistence/internal/model"
	"github.com/jackc/pgx/v5"
)

// TenantSchema creates the tenants table
const TenantSchema = `
CREATE TABLE IF NOT EXISTS tenants (
	tenant_id  TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	status     TEXT NOT NULL,
	quotas     JSONB NOT NULL,
	policy     JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	version    BIGINT NOT NULL
)`

// PostgresTenantStore implements TenantStore using PostgreSQL
type PostgresTenantStore struct {
	pool pgPool
}

// NewPostgresTenantStore creates a tenant store over an open pool
func NewPostgresTenantStore(pool pgPool) *PostgresTenantStore {
	return &PostgresTenantStore{pool: pool}
}

// EnsureSchema creates the tenants table if it is missing
func (s *PostgresTenantStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, TenantSchema); err != nil {
		return fmt.Errorf("failed to create tenants table: %w", err)
	}
	return nil
}

// GetTenant retrieves tenant configuration
func (s *PostgresTenantStore) GetTenant(ctx context.Context, tenantID string) (*model.Tenant, error) {
	query := `
		SELECT tenant_id, name, status, quotas, policy, created_at, updated_at, version
		FROM tenants
		WHERE tenant_id = $1
	`

	tenant, err := scanTenant(s.pool.QueryRow(ctx, query, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}
	return tenant, nil
}

// CreateTenant inserts a new tenant
func (s *PostgresTenantStore) CreateTenant(ctx context.Context, tenant *model.Tenant) error {
	quotas, policy, err := encodeTenantColumns(tenant)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO tenants (tenant_id, name, status, quotas, policy, created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err = s.pool.Exec(ctx, query,
		tenant.TenantID,
		tenant.Name,
		string(tenant.Status),
		quotas,
		policy,
		tenant.CreatedAt,
		tenant.UpdatedAt,
		tenant.Version,
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("failed to create tenant: %w", err)
	}
	return nil
}

// UpdateTenant writes tenant configuration with optimistic locking
func (s *PostgresTenantStore) UpdateTenant(ctx context.Context, tenant *model.Tenant) error {
	quotas, policy, err := encodeTenantColumns(tenant)
	if err != nil {
		return err
	}

	query := `
		UPDATE tenants
		SET name = $2, status = $3, quotas = $4, policy = $5, updated_at = $6, version = $7
		WHERE tenant_id = $1 AND version = $8
	`

	result, err := s.pool.Exec(ctx, query,
		tenant.TenantID,
		tenant.Name,
		string(tenant.Status),
		quotas,
		policy,
		tenant.UpdatedAt,
		tenant.Version,
		tenant.Version-1,
	)
	if err != nil {
		return fmt.Errorf("failed to update tenant: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}

// DeleteTenant removes a tenant
func (s *PostgresTenantStore) DeleteTenant(ctx context.Context, tenantID string) error {
	result, err := s.pool.Exec(ctx, `DELETE FROM tenants WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return fmt.Errorf("failed to delete tenant: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListTenants returns every tenant ordered by id
func (s *PostgresTenantStore) ListTenants(ctx context.Context) ([]*model.Tenant, error) {
	query := `
		SELECT tenant_id, name, status, quotas, policy, created_at, updated_at, version
		FROM tenants
		ORDER BY tenant_id
	`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	tenants := make([]*model.Tenant, 0)
	for rows.Next() {
		tenant, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		tenants = append(tenants, tenant)
	}
	return tenants, rows.Err()
}

// Close releases the pool
func (s *PostgresTenantStore) Close() {
	s.pool.Close()
}

func encodeTenantColumns(tenant *model.Tenant) ([]byte, []byte, error) {
	quotas, err := json.Marshal(tenant.Quotas)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode quotas: %w", err)
	}
	policy, err := json.Marshal(tenant.Policy)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode policy: %w", err)
	}
	return quotas, policy, nil
}

func scanTenant(row pgx.Row) (*model.Tenant, error) {
	var (
		tenant         model.Tenant
		status         string
		quotas, policy []byte
	)
	if err := row.Scan(
		&tenant.TenantID,
		&tenant.Name,
		&status,
		&quotas,
		&policy,
		&tenant.CreatedAt,
		&tenant.UpdatedAt,
		&tenant.Version,
	); err != nil {
		return nil, err
	}

	tenant.Status = model.TenantStatus(status)
	if err := json.Unmarshal(quotas, &tenant.Quotas); err != nil {
		return nil, fmt.Errorf("failed to decode quotas: %w", err)
	}
	if err := json.Unmarshal(policy, &tenant.Policy); err != nil {
		return nil, fmt.Errorf("failed to decode policy: %w", err)
	}
	return &tenant, nil
}
