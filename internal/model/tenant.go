package model

import "time"

// TenantStatus is the lifecycle state of a tenant
type TenantStatus string

const (
	TenantActive    TenantStatus = "active"
	TenantSuspended TenantStatus = "suspended"
	TenantDisabled  TenantStatus = "disabled"
	TenantPending   TenantStatus = "pending"
)

// Resource names used for quotas and usage counters
const (
	ResourceCacheBytes        = "cache_bytes"
	ResourceSessions          = "sessions"
	ResourceRequestsPerMinute = "requests_per_minute"
	ResourceOperations        = "operations"
	ResourceDataTransfer      = "data_transfer_bytes"
)

// Resources lists every metered resource
var Resources = []string{
	ResourceCacheBytes,
	ResourceSessions,
	ResourceRequestsPerMinute,
	ResourceOperations,
	ResourceDataTransfer,
}

// Access actions
const (
	ActionRead   = "read"
	ActionWrite  = "write"
	ActionDelete = "delete"
	ActionAdmin  = "admin"
	ActionAny    = "*"
)

// AccessRule grants actions on resources matching Pattern.
// Pattern is "*", an exact resource, or a prefix ending in "*".
type AccessRule struct {
	Pattern string   `json:"pattern" yaml:"pattern"`
	Actions []string `json:"actions" yaml:"actions"`
}

// AccessPolicy is evaluated top to bottom; the first matching rule decides
type AccessPolicy struct {
	Rules []AccessRule `json:"rules" yaml:"rules"`
}

// Tenant is the persisted tenant configuration
type Tenant struct {
	TenantID  string           `json:"tenant_id"`
	Name      string           `json:"name"`
	Status    TenantStatus     `json:"status"`
	Quotas    map[string]int64 `json:"quotas"`
	Policy    AccessPolicy     `json:"policy"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
	Version   int64            `json:"version"`
}

// TenantContext is the live isolation and accounting view of a tenant
type TenantContext struct {
	Tenant
	Usage map[string]int64 `json:"usage"`
}

// BillingSnapshot aggregates usage since the billing period started
type BillingSnapshot struct {
	TenantID        string           `json:"tenant_id"`
	PeriodStart     time.Time        `json:"period_start"`
	PeriodEnd       time.Time        `json:"period_end"`
	Operations      int64            `json:"operations"`
	BytesWritten    int64            `json:"bytes_written"`
	BytesRead       int64            `json:"bytes_read"`
	SessionsCreated int64            `json:"sessions_created"`
	QuotaViolations int64            `json:"quota_violations"`
	Usage           map[string]int64 `json:"usage"`
}
