package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/riptide-persistence/internal/config"
	perrors "github.com/devrev/riptide-persistence/internal/errors"
	"github.com/devrev/riptide-persistence/internal/metrics"
	"github.com/devrev/riptide-persistence/internal/model"
	"github.com/devrev/riptide-persistence/internal/store"
	"github.com/devrev/riptide-persistence/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const maxUpdateAttempts = 3

// DefaultAccessPolicy is given to tenants created without rules
var DefaultAccessPolicy = model.AccessPolicy{
	Rules: []model.AccessRule{
		{Pattern: "*", Actions: []string{model.ActionRead, model.ActionWrite, model.ActionDelete}},
	},
}

// TenantParams describes a tenant to create
type TenantParams struct {
	TenantID string
	Name     string
	// Quotas override the configured defaults per resource
	Quotas map[string]int64
	Policy model.AccessPolicy
}

// TenantUpdate changes tenant settings; nil fields are left alone
type TenantUpdate struct {
	Name   *string
	Quotas map[string]int64
	Policy *model.AccessPolicy
}

// minuteWindow counts events over the trailing minute in one-second buckets
type minuteWindow struct {
	mu      sync.Mutex
	buckets [60]int64
	stamps  [60]int64
}

func (w *minuteWindow) add(now time.Time, n int64) {
	sec := now.Unix()
	i := sec % 60
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stamps[i] != sec {
		w.stamps[i] = sec
		w.buckets[i] = 0
	}
	w.buckets[i] += n
}

func (w *minuteWindow) total(now time.Time) int64 {
	sec := now.Unix()
	w.mu.Lock()
	defer w.mu.Unlock()
	var sum int64
	for i := range w.buckets {
		if sec-w.stamps[i] < 60 {
			sum += w.buckets[i]
		}
	}
	return sum
}

type billingCounters struct {
	operations      atomic.Int64
	bytesWritten    atomic.Int64
	bytesRead       atomic.Int64
	sessionsCreated atomic.Int64
	violations      atomic.Int64
	periodStart     atomic.Pointer[time.Time]
}

// tenantState is the live accounting view of one tenant.
// usage holds one counter per known resource and is never written after creation.
type tenantState struct {
	tenant  atomic.Pointer[model.Tenant]
	usage   map[string]*atomic.Int64
	rpm     minuteWindow
	billing billingCounters
	slots   chan struct{}
}

func newTenantState(t *model.Tenant, slots int, now time.Time) *tenantState {
	ts := &tenantState{
		usage: make(map[string]*atomic.Int64, len(model.Resources)),
		slots: make(chan struct{}, slots),
	}
	for _, r := range model.Resources {
		ts.usage[r] = &atomic.Int64{}
	}
	ts.tenant.Store(t)
	start := now.UTC()
	ts.billing.periodStart.Store(&start)
	return ts
}

// TenantService owns tenant configuration, quotas, access policy and usage metering.
// Usage counters are per-tenant atomics; a quota check reads a snapshot and usage
// is recorded after the mutation, so concurrent operations may overshoot a quota
// by at most (max concurrent ops - 1) times the largest single operation.
type TenantService struct {
	store   store.TenantStore
	events  EventSink
	metrics *metrics.Metrics
	tracer  tracing.SpanManager
	logger  *zap.Logger
	now     func() time.Time

	cfg atomic.Pointer[config.TenantConfig]

	mu      sync.RWMutex
	tenants map[string]*tenantState
}

// NewTenantService creates a tenant service over a tenant store
func NewTenantService(cfg config.TenantConfig, ts store.TenantStore, events EventSink, m *metrics.Metrics, tracer tracing.SpanManager, logger *zap.Logger) *TenantService {
	if events == nil {
		events = NopEventSink()
	}
	if tracer == nil {
		tracer = tracing.Noop()
	}
	s := &TenantService{
		store:   ts,
		events:  events,
		metrics: m,
		tracer:  tracer,
		logger:  logger,
		now:     time.Now,
		tenants: make(map[string]*tenantState),
	}
	s.ApplyConfig(cfg)
	return s
}

// ApplyConfig swaps in reloaded defaults. Concurrency limits apply to tenants loaded afterwards.
func (s *TenantService) ApplyConfig(cfg config.TenantConfig) {
	if cfg.MaxConcurrentOps < 1 {
		cfg.MaxConcurrentOps = 1
	}
	s.cfg.Store(&cfg)
}

func (s *TenantService) emit(ctx context.Context, eventType, aggregateID string, payload interface{}) {
	if err := s.events.Emit(ctx, eventType, aggregateID, payload); err != nil {
		s.logger.Warn("Failed to record domain event",
			zap.String("event_type", eventType),
			zap.String("aggregate_id", aggregateID),
			zap.Error(err))
	}
}

func cloneTenant(t *model.Tenant) *model.Tenant {
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

// state returns the live view of a tenant, loading it from the store on first use
func (s *TenantService) state(ctx context.Context, tenantID string) (*tenantState, error) {
	s.mu.RLock()
	ts, ok := s.tenants[tenantID]
	s.mu.RUnlock()
	if ok {
		return ts, nil
	}

	t, err := s.store.GetTenant(ctx, tenantID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, perrors.NotFound("tenant", tenantID)
		}
		return nil, perrors.Tenant("failed to load tenant", err).WithDetail("tenant_id", tenantID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ts, ok := s.tenants[tenantID]; ok {
		return ts, nil
	}
	ts = newTenantState(t, s.cfg.Load().MaxConcurrentOps, s.now())
	s.tenants[tenantID] = ts
	return ts, nil
}

func (s *TenantService) view(ts *tenantState) *model.TenantContext {
	tc := &model.TenantContext{
		Tenant: *cloneTenant(ts.tenant.Load()),
		Usage:  make(map[string]int64, len(ts.usage)),
	}
	for r, c := range ts.usage {
		tc.Usage[r] = c.Load()
	}
	tc.Usage[model.ResourceRequestsPerMinute] = ts.rpm.total(s.now())
	return tc
}

// CreateTenant persists a new active tenant
func (s *TenantService) CreateTenant(ctx context.Context, params TenantParams) (*model.TenantContext, error) {
	if !validJobID.MatchString(params.TenantID) {
		return nil, perrors.InvalidArgument(fmt.Sprintf("invalid tenant id %q", params.TenantID), nil)
	}
	if err := validateQuotas(params.Quotas); err != nil {
		return nil, err
	}
	if err := validatePolicy(params.Policy); err != nil {
		return nil, err
	}

	cfg := s.cfg.Load()
	quotas := make(map[string]int64, len(cfg.DefaultQuotas)+len(params.Quotas))
	for r, v := range cfg.DefaultQuotas {
		quotas[r] = v
	}
	for r, v := range params.Quotas {
		quotas[r] = v
	}
	policy := params.Policy
	if len(policy.Rules) == 0 {
		policy = DefaultAccessPolicy
	}

	now := s.now().UTC()
	t := cloneTenant(&model.Tenant{
		TenantID:  params.TenantID,
		Name:      params.Name,
		Status:    model.TenantActive,
		Quotas:    quotas,
		Policy:    policy,
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
	})

	if err := s.store.CreateTenant(ctx, t); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil, perrors.Tenant(fmt.Sprintf("tenant %s already exists", params.TenantID), err).
				WithDetail("tenant_id", params.TenantID)
		}
		return nil, perrors.Tenant("failed to create tenant", err).WithDetail("tenant_id", params.TenantID)
	}

	ts := newTenantState(t, cfg.MaxConcurrentOps, now)
	s.mu.Lock()
	s.tenants[t.TenantID] = ts
	s.mu.Unlock()

	s.emit(ctx, model.EventTenantCreated, t.TenantID, map[string]string{"name": t.Name})
	s.logger.Info("Created tenant",
		zap.String("tenant_id", t.TenantID),
		zap.Int("quotas", len(quotas)),
		zap.Int("policy_rules", len(policy.Rules)))
	return s.view(ts), nil
}

func validateQuotas(quotas map[string]int64) error {
	for r, v := range quotas {
		if v < 0 {
			return perrors.InvalidArgument(fmt.Sprintf("quota for %s must not be negative", r), nil)
		}
	}
	return nil
}

func validatePolicy(p model.AccessPolicy) error {
	for i, r := range p.Rules {
		if r.Pattern == "" {
			return perrors.InvalidArgument(fmt.Sprintf("policy rule %d has an empty pattern", i), nil)
		}
		if star := strings.IndexByte(r.Pattern, '*'); star >= 0 && star != len(r.Pattern)-1 {
			return perrors.InvalidArgument(fmt.Sprintf("policy pattern %q may only end with *", r.Pattern), nil)
		}
		if len(r.Actions) == 0 {
			return perrors.InvalidArgument(fmt.Sprintf("policy rule %q has no actions", r.Pattern), nil)
		}
	}
	return nil
}

// GetTenant returns the tenant with a snapshot of its usage
func (s *TenantService) GetTenant(ctx context.Context, tenantID string) (*model.TenantContext, error) {
	ts, err := s.state(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return s.view(ts), nil
}

// ListTenants returns every stored tenant ordered by id
func (s *TenantService) ListTenants(ctx context.Context) ([]*model.TenantContext, error) {
	stored, err := s.store.ListTenants(ctx)
	if err != nil {
		return nil, perrors.Tenant("failed to list tenants", err)
	}
	out := make([]*model.TenantContext, 0, len(stored))
	for _, t := range stored {
		ts, err := s.state(ctx, t.TenantID)
		if err != nil {
			if perrors.Is(err, perrors.ErrCodeNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, s.view(ts))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out, nil
}

// modify applies fn to a copy of the tenant and stores it with optimistic versioning
func (s *TenantService) modify(ctx context.Context, tenantID string, fn func(t *model.Tenant) error) (*model.Tenant, error) {
	ts, err := s.state(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	for attempt := 1; ; attempt++ {
		current := ts.tenant.Load()
		next := cloneTenant(current)
		if err := fn(next); err != nil {
			return nil, err
		}
		next.Version = current.Version + 1
		next.UpdatedAt = s.now().UTC()

		err := s.store.UpdateTenant(ctx, next)
		if err == nil {
			ts.tenant.Store(next)
			return cloneTenant(next), nil
		}
		if errors.Is(err, store.ErrNotFound) {
			s.forget(tenantID)
			return nil, perrors.NotFound("tenant", tenantID)
		}
		if !errors.Is(err, store.ErrVersionConflict) || attempt >= maxUpdateAttempts {
			return nil, perrors.Tenant("failed to update tenant", err).
				WithDetail("tenant_id", tenantID).
				WithDetail("attempts", attempt)
		}

		// another node updated the row; pick up its version and retry
		fresh, gerr := s.store.GetTenant(ctx, tenantID)
		if gerr != nil {
			return nil, perrors.Tenant("failed to reload tenant", gerr).WithDetail("tenant_id", tenantID)
		}
		ts.tenant.Store(fresh)
	}
}

// UpdateTenant changes name, quotas or policy
func (s *TenantService) UpdateTenant(ctx context.Context, tenantID string, upd TenantUpdate) (*model.Tenant, error) {
	if err := validateQuotas(upd.Quotas); err != nil {
		return nil, err
	}
	if upd.Policy != nil {
		if err := validatePolicy(*upd.Policy); err != nil {
			return nil, err
		}
	}

	t, err := s.modify(ctx, tenantID, func(t *model.Tenant) error {
		if upd.Name != nil {
			t.Name = *upd.Name
		}
		for r, v := range upd.Quotas {
			t.Quotas[r] = v
		}
		if upd.Policy != nil {
			t.Policy = *upd.Policy
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Updated tenant", zap.String("tenant_id", tenantID), zap.Int64("version", t.Version))
	return t, nil
}

// SuspendTenant blocks all further operations of a tenant
func (s *TenantService) SuspendTenant(ctx context.Context, tenantID, reason string) error {
	_, err := s.modify(ctx, tenantID, func(t *model.Tenant) error {
		t.Status = model.TenantSuspended
		return nil
	})
	if err != nil {
		return err
	}
	s.emit(ctx, model.EventTenantSuspended, tenantID, map[string]string{"reason": reason})
	s.logger.Warn("Tenant suspended", zap.String("tenant_id", tenantID), zap.String("reason", reason))
	return nil
}

// ActivateTenant lifts a suspension
func (s *TenantService) ActivateTenant(ctx context.Context, tenantID string) error {
	_, err := s.modify(ctx, tenantID, func(t *model.Tenant) error {
		t.Status = model.TenantActive
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("Tenant activated", zap.String("tenant_id", tenantID))
	return nil
}

// DeleteTenant removes the tenant record and its live counters
func (s *TenantService) DeleteTenant(ctx context.Context, tenantID string) error {
	if err := s.store.DeleteTenant(ctx, tenantID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return perrors.NotFound("tenant", tenantID)
		}
		return perrors.Tenant("failed to delete tenant", err).WithDetail("tenant_id", tenantID)
	}
	s.forget(tenantID)
	s.logger.Info("Deleted tenant", zap.String("tenant_id", tenantID))
	return nil
}

func (s *TenantService) forget(tenantID string) {
	s.mu.Lock()
	delete(s.tenants, tenantID)
	s.mu.Unlock()
	for _, r := range model.Resources {
		s.metrics.TenantUsage.DeleteLabelValues(tenantID, r)
	}
}

func (s *TenantService) activeState(ctx context.Context, tenantID string) (*tenantState, error) {
	ts, err := s.state(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if status := ts.tenant.Load().Status; status != model.TenantActive {
		return nil, perrors.Tenant(fmt.Sprintf("tenant %s is %s", tenantID, status), nil).
			WithDetail("tenant_id", tenantID).
			WithDetail("status", string(status))
	}
	return ts, nil
}

// CheckQuota fails fast when amount more of resource would exceed the tenant's quota.
// A resource without a quota is unlimited.
func (s *TenantService) CheckQuota(ctx context.Context, tenantID, resource string, amount int64) (err error) {
	ctx, span := s.tracer.Start(ctx, "tenant", "check_quota",
		attribute.String("tenant.id", tenantID),
		attribute.String("tenant.resource", resource),
		attribute.Int64("tenant.amount", amount))
	defer func() { s.tracer.End(span, err) }()

	ts, err := s.activeState(ctx, tenantID)
	if err != nil {
		return err
	}
	limit, ok := ts.tenant.Load().Quotas[resource]
	if !ok {
		return nil
	}

	var current int64
	if resource == model.ResourceRequestsPerMinute {
		current = ts.rpm.total(s.now())
	} else if c, ok := ts.usage[resource]; ok {
		current = c.Load()
	}
	if amount <= 0 || current+amount <= limit {
		return nil
	}

	ts.billing.violations.Add(1)
	s.metrics.TenantQuotaViolationsTotal.WithLabelValues(tenantID, resource).Inc()
	s.logger.Warn("Quota exceeded",
		zap.String("tenant_id", tenantID),
		zap.String("resource", resource),
		zap.Int64("current", current),
		zap.Int64("requested", amount),
		zap.Int64("limit", limit))
	s.emit(ctx, model.EventQuotaExceeded, tenantID, map[string]interface{}{
		"resource": resource, "limit": limit, "current": current, "requested": amount,
	})
	return perrors.QuotaExceeded(resource, limit, current)
}

// RecordUsage applies delta to a usage counter after a mutation succeeded. Counters never go below zero.
func (s *TenantService) RecordUsage(ctx context.Context, tenantID, resource string, delta int64) error {
	ts, err := s.state(ctx, tenantID)
	if err != nil {
		return err
	}

	var value int64
	if resource == model.ResourceRequestsPerMinute {
		now := s.now()
		ts.rpm.add(now, delta)
		value = ts.rpm.total(now)
	} else {
		c, ok := ts.usage[resource]
		if !ok {
			return perrors.InvalidArgument(fmt.Sprintf("unknown resource %q", resource), nil)
		}
		value = addFloor(c, delta)
	}

	switch resource {
	case model.ResourceOperations:
		ts.billing.operations.Add(delta)
		if delta > 0 {
			s.metrics.TenantOperationsTotal.WithLabelValues(tenantID).Add(float64(delta))
		}
	case model.ResourceCacheBytes:
		if delta > 0 {
			ts.billing.bytesWritten.Add(delta)
		}
	case model.ResourceDataTransfer:
		ts.billing.bytesRead.Add(delta)
	case model.ResourceSessions:
		if delta > 0 {
			ts.billing.sessionsCreated.Add(delta)
		}
	}

	s.metrics.TenantUsage.WithLabelValues(tenantID, resource).Set(float64(value))
	return nil
}

// addFloor adds delta to c without letting it drop below zero and returns the new value
func addFloor(c *atomic.Int64, delta int64) int64 {
	for {
		old := c.Load()
		next := old + delta
		if next < 0 {
			next = 0
		}
		if c.CompareAndSwap(old, next) {
			return next
		}
	}
}

// EnforceAccess evaluates the tenant's policy; the first matching rule decides and no match denies
func (s *TenantService) EnforceAccess(ctx context.Context, tenantID, resource, action string) error {
	ts, err := s.activeState(ctx, tenantID)
	if err != nil {
		return err
	}
	for _, rule := range ts.tenant.Load().Policy.Rules {
		if !matchResource(rule.Pattern, resource) {
			continue
		}
		for _, a := range rule.Actions {
			if a == action || a == model.ActionAny {
				return nil
			}
		}
		break
	}

	s.metrics.TenantAccessDeniedTotal.WithLabelValues(tenantID).Inc()
	s.logger.Debug("Access denied by policy",
		zap.String("tenant_id", tenantID),
		zap.String("resource", resource),
		zap.String("action", action))
	return perrors.InvalidTenantAccess(tenantID, resource, action)
}

func matchResource(pattern, resource string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(resource, pattern[:len(pattern)-1])
	}
	return pattern == resource
}

// Acquire takes one of the tenant's concurrency slots; call release when the operation finishes
func (s *TenantService) Acquire(ctx context.Context, tenantID string) (release func(), err error) {
	ts, err := s.state(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	select {
	case ts.slots <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-ts.slots }) }, nil
	case <-ctx.Done():
		return nil, ctxErr(ctx)
	}
}

func (s *TenantService) snapshot(ts *tenantState, tenantID string, end time.Time) *model.BillingSnapshot {
	usage := s.view(ts).Usage
	return &model.BillingSnapshot{
		TenantID:        tenantID,
		PeriodStart:     *ts.billing.periodStart.Load(),
		PeriodEnd:       end.UTC(),
		Operations:      ts.billing.operations.Load(),
		BytesWritten:    ts.billing.bytesWritten.Load(),
		BytesRead:       ts.billing.bytesRead.Load(),
		SessionsCreated: ts.billing.sessionsCreated.Load(),
		QuotaViolations: ts.billing.violations.Load(),
		Usage:           usage,
	}
}

// GetBillingSnapshot aggregates usage since the period started without resetting anything
func (s *TenantService) GetBillingSnapshot(ctx context.Context, tenantID string) (*model.BillingSnapshot, error) {
	ts, err := s.state(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return s.snapshot(ts, tenantID, s.now()), nil
}

// RolloverBilling closes the current billing period and returns it.
// Only billing counters reset; usage counters keep their values.
func (s *TenantService) RolloverBilling(ctx context.Context, tenantID string) (*model.BillingSnapshot, error) {
	ts, err := s.state(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	closed := &model.BillingSnapshot{
		TenantID:        tenantID,
		PeriodStart:     *ts.billing.periodStart.Swap(&now),
		PeriodEnd:       now,
		Operations:      ts.billing.operations.Swap(0),
		BytesWritten:    ts.billing.bytesWritten.Swap(0),
		BytesRead:       ts.billing.bytesRead.Swap(0),
		SessionsCreated: ts.billing.sessionsCreated.Swap(0),
		QuotaViolations: ts.billing.violations.Swap(0),
		Usage:           s.view(ts).Usage,
	}
	s.logger.Info("Billing period closed",
		zap.String("tenant_id", tenantID),
		zap.Time("period_start", closed.PeriodStart),
		zap.Int64("operations", closed.Operations))
	return closed, nil
}

// RolloverDue closes billing periods older than the configured billing period
func (s *TenantService) RolloverDue(ctx context.Context) ([]*model.BillingSnapshot, error) {
	period := s.cfg.Load().BillingPeriod
	if period <= 0 {
		return nil, nil
	}
	s.mu.RLock()
	ids := make([]string, 0, len(s.tenants))
	for id, ts := range s.tenants {
		if s.now().Sub(*ts.billing.periodStart.Load()) >= period {
			ids = append(ids, id)
		}
	}
	s.mu.RUnlock()
	sort.Strings(ids)

	var closed []*model.BillingSnapshot
	for _, id := range ids {
		snap, err := s.RolloverBilling(ctx, id)
		if err != nil {
			return closed, err
		}
		closed = append(closed, snap)
	}
	return closed, nil
}

// policyFile is the YAML layout read by LoadPolicies
type policyFile struct {
	Tenants map[string]model.AccessPolicy `yaml:"tenants"`
}

// LoadPolicies reads per-tenant access policies from a YAML file
func LoadPolicies(path string) (map[string]model.AccessPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, perrors.Configuration(fmt.Sprintf("failed to read policy file %s", path), err)
	}
	var pf policyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, perrors.Configuration(fmt.Sprintf("failed to parse policy file %s", path), err)
	}
	for id, p := range pf.Tenants {
		if err := validatePolicy(p); err != nil {
			return nil, perrors.Configuration(fmt.Sprintf("invalid policy for tenant %s", id), err)
		}
	}
	return pf.Tenants, nil
}

// ApplyPolicies replaces the policies of the named tenants; unknown tenants are skipped
func (s *TenantService) ApplyPolicies(ctx context.Context, policies map[string]model.AccessPolicy) (int, error) {
	ids := make([]string, 0, len(policies))
	for id := range policies {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	applied := 0
	for _, id := range ids {
		policy := policies[id]
		if _, err := s.UpdateTenant(ctx, id, TenantUpdate{Policy: &policy}); err != nil {
			if perrors.Is(err, perrors.ErrCodeNotFound) {
				s.logger.Warn("Policy names an unknown tenant", zap.String("tenant_id", id))
				continue
			}
			return applied, err
		}
		applied++
	}
	return applied, nil
}
