package store

import (
	"context"
	"testing"
	"time"

	"github.com/devrev/riptide-persistence/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var tenantColumns = []string{"tenant_id", "name", "status", "quotas", "policy", "created_at", "updated_at", "version"}

func TestPostgresTenantStore_GetTenant(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewPostgresTenantStore(mock)
	now := time.Unix(1700000000, 0).UTC()

	mock.ExpectQuery("SELECT tenant_id, name, status").
		WithArgs("acme").
		WillReturnRows(pgxmock.NewRows(tenantColumns).AddRow(
			"acme", "Acme", "active",
			[]byte(`{"cache_bytes":10000000}`),
			[]byte(`{"rules":[{"pattern":"cache:*","actions":["read","write"]}]}`),
			now, now, int64(3),
		))

	tenant, err := store.GetTenant(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, model.TenantActive, tenant.Status)
	assert.Equal(t, int64(10_000_000), tenant.Quotas[model.ResourceCacheBytes])
	require.Len(t, tenant.Policy.Rules, 1)
	assert.Equal(t, "cache:*", tenant.Policy.Rules[0].Pattern)
	assert.Equal(t, int64(3), tenant.Version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTenantStore_GetTenantMissing(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT tenant_id").WithArgs("ghost").WillReturnError(pgx.ErrNoRows)

	_, err = NewPostgresTenantStore(mock).GetTenant(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTenantStore_CreateDuplicate(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	tenant := &model.Tenant{TenantID: "acme", Status: model.TenantActive, Version: 1}
	mock.ExpectExec("INSERT INTO tenants").
		WithArgs("acme", "", "active", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), int64(1)).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	err = NewPostgresTenantStore(mock).CreateTenant(context.Background(), tenant)
	assert.ErrorIs(t, err, ErrAlreadyExists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTenantStore_UpdateVersionConflict(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	tenant := &model.Tenant{TenantID: "acme", Status: model.TenantSuspended, Version: 5}
	mock.ExpectExec("UPDATE tenants").
		WithArgs("acme", "", "suspended", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), int64(5), int64(4)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err = NewPostgresTenantStore(mock).UpdateTenant(context.Background(), tenant)
	assert.ErrorIs(t, err, ErrVersionConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTenantStore_ListAndDelete(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewPostgresTenantStore(mock)
	now := time.Unix(1700000000, 0).UTC()

	mock.ExpectQuery("SELECT tenant_id").
		WillReturnRows(pgxmock.NewRows(tenantColumns).
			AddRow("a", "A", "active", []byte(`{}`), []byte(`{"rules":null}`), now, now, int64(1)).
			AddRow("b", "B", "pending", []byte(`{}`), []byte(`{"rules":null}`), now, now, int64(1)))
	mock.ExpectExec("DELETE FROM tenants").WithArgs("c").WillReturnResult(pgxmock.NewResult("DELETE", 0))

	tenants, err := store.ListTenants(context.Background())
	require.NoError(t, err)
	require.Len(t, tenants, 2)
	assert.Equal(t, model.TenantPending, tenants[1].Status)

	assert.ErrorIs(t, store.DeleteTenant(context.Background(), "c"), ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresOutboxStore_AppendAndClaim(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewPostgresOutboxStore(mock, "")
	require.NoError(t, err)
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()

	event := &model.DomainEvent{
		ID:          "evt-1",
		Type:        model.EventSessionCreated,
		AggregateID: "sess-1",
		Payload:     []byte(`{"tenant_id":"acme"}`),
		Metadata:    map[string]string{"tenant_id": "acme"},
		CreatedAt:   now,
	}
	mock.ExpectExec("INSERT INTO outbox_events").
		WithArgs("evt-1", model.EventSessionCreated, "sess-1", event.Payload, []byte(`{"tenant_id":"acme"}`), now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, store.Append(ctx, event))

	cols := []string{"id", "event_type", "aggregate_id", "payload", "metadata", "created_at", "retry_count", "last_error"}
	mock.ExpectQuery("UPDATE outbox_events SET next_attempt_at").
		WithArgs(10, 5, int64(30000)).
		WillReturnRows(pgxmock.NewRows(cols).
			AddRow("evt-2", model.EventTenantCreated, "acme", []byte(`{}`), []byte(`null`), now.Add(time.Second), 0, "").
			AddRow("evt-1", model.EventSessionCreated, "sess-1", event.Payload, []byte(`{"tenant_id":"acme"}`), now, 1, "timeout"))

	records, err := store.ClaimPending(ctx, 10, 5, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "evt-1", records[0].Event.ID)
	assert.Equal(t, 1, records[0].RetryCount)
	assert.Equal(t, "acme", records[0].Event.Metadata["tenant_id"])
	assert.Equal(t, "evt-2", records[1].Event.ID)

	mock.ExpectExec("UPDATE outbox_events SET published_at").WithArgs("evt-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, store.MarkPublished(ctx, "evt-1"))

	next := now.Add(2 * time.Second)
	mock.ExpectExec("UPDATE outbox_events SET retry_count").WithArgs("evt-2", next, "redis down").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, store.MarkFailed(ctx, "evt-2", next, "redis down"))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewPostgresOutboxStore_RejectsBadTable(t *testing.T) {
	_, err := NewPostgresOutboxStore(nil, "outbox; DROP TABLE tenants")
	require.Error(t, err)
}

func TestMemoryTenantStore_OptimisticUpdate(t *testing.T) {
	s := NewMemoryTenantStore()
	ctx := context.Background()

	tenant := &model.Tenant{TenantID: "acme", Status: model.TenantActive, Quotas: map[string]int64{"sessions": 1}, Version: 1}
	require.NoError(t, s.CreateTenant(ctx, tenant))
	assert.ErrorIs(t, s.CreateTenant(ctx, tenant), ErrAlreadyExists)

	tenant.Quotas["sessions"] = 99
	stored, err := s.GetTenant(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Quotas["sessions"], "store keeps its own copy")

	stored.Version = 2
	require.NoError(t, s.UpdateTenant(ctx, stored))
	assert.ErrorIs(t, s.UpdateTenant(ctx, stored), ErrVersionConflict)

	require.NoError(t, s.DeleteTenant(ctx, "acme"))
	_, err = s.GetTenant(ctx, "acme")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryOutboxStore_ClaimRespectsLeaseAndRetries(t *testing.T) {
	s := NewMemoryOutboxStore()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, &model.DomainEvent{ID: "a", CreatedAt: now.Add(-2 * time.Second)}))
	require.NoError(t, s.Append(ctx, &model.DomainEvent{ID: "b", CreatedAt: now.Add(-time.Second)}))

	claimed, err := s.ClaimPending(ctx, 10, 3, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, "a", claimed[0].Event.ID)

	claimed, err = s.ClaimPending(ctx, 10, 3, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, claimed, "leased rows are skipped")

	require.NoError(t, s.MarkPublished(ctx, "a"))
	require.NoError(t, s.MarkFailed(ctx, "b", now, "boom"))
	assert.Equal(t, 1, s.Pending())

	rec, ok := s.Get("b")
	require.True(t, ok)
	assert.Equal(t, 1, rec.RetryCount)
	assert.Equal(t, "boom", rec.LastError)
}
