package store

import (
	"context"
	"sort"
	"sync"

	"github.com/devrev/riptide-persistence/internal/model"
)

// MemoryTenantStore keeps tenants in process
type MemoryTenantStore struct {
	mu      sync.RWMutex
	tenants map[string]*model.Tenant
}

// NewMemoryTenantStore creates an empty tenant store
func NewMemoryTenantStore() *MemoryTenantStore {
	return &MemoryTenantStore{tenants: make(map[string]*model.Tenant)}
}

func copyTenant(t *model.Tenant) *model.Tenant {
	c := *t
	c.Quotas = make(map[string]int64, len(t.Quotas))
	for k, v := range t.Quotas {
		c.Quotas[k] = v
	}
	c.Policy.Rules = make([]model.AccessRule, len(t.Policy.Rules))
	for i, r := range t.Policy.Rules {
		c.Policy.Rules[i] = model.AccessRule{Pattern: r.Pattern, Actions: append([]string(nil), r.Actions...)}
	}
	return &c
}

func (s *MemoryTenantStore) GetTenant(ctx context.Context, tenantID string) (*model.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tenants[tenantID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyTenant(t), nil
}

func (s *MemoryTenantStore) CreateTenant(ctx context.Context, tenant *model.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tenants[tenant.TenantID]; ok {
		return ErrAlreadyExists
	}
	s.tenants[tenant.TenantID] = copyTenant(tenant)
	return nil
}

func (s *MemoryTenantStore) UpdateTenant(ctx context.Context, tenant *model.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.tenants[tenant.TenantID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != tenant.Version-1 {
		return ErrVersionConflict
	}
	s.tenants[tenant.TenantID] = copyTenant(tenant)
	return nil
}

func (s *MemoryTenantStore) DeleteTenant(ctx context.Context, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tenants[tenantID]; !ok {
		return ErrNotFound
	}
	delete(s.tenants, tenantID)
	return nil
}

// ListTenants returns tenants ordered by id
func (s *MemoryTenantStore) ListTenants(ctx context.Context) ([]*model.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.Tenant, 0, len(s.tenants))
	for _, t := range s.tenants {
		out = append(out, copyTenant(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out, nil
}
