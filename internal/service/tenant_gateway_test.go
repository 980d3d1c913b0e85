package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/devrev/riptide-persistence/internal/config"
	perrors "github.com/devrev/riptide-persistence/internal/errors"
	"github.com/devrev/riptide-persistence/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type gatewayFixture struct {
	gw      *TenantGateway
	tenants *tenantFixture
	cache   *cacheFixture
	state   *stateFixture
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	tenants := newTenantFixture(t, config.TenantConfig{MaxConcurrentOps: 4})
	cache := newCacheFixture(t, testCacheConfig(), LocalCacheConfig{})
	state := newStateFixture(t, testStateConfig(), "")
	return &gatewayFixture{
		gw:      NewTenantGateway(tenants.svc, cache.svc, state.svc, zap.NewNop()),
		tenants: tenants,
		cache:   cache,
		state:   state,
	}
}

func (f *gatewayFixture) usage(t *testing.T, tenantID, resource string) int64 {
	t.Helper()
	tc, err := f.tenants.svc.GetTenant(context.Background(), tenantID)
	require.NoError(t, err)
	return tc.Usage[resource]
}

func TestGatewayCacheQuotaLifecycle(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()
	_, err := f.tenants.svc.CreateTenant(ctx, TenantParams{
		TenantID: "t1",
		Quotas:   map[string]int64{model.ResourceCacheBytes: 10_000_000},
	})
	require.NoError(t, err)

	_, err = f.gw.PutArtifact(ctx, "t1", "a", bytes.Repeat([]byte("a"), 6_000_000), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(6_000_000), f.usage(t, "t1", model.ResourceCacheBytes))

	_, err = f.gw.PutArtifact(ctx, "t1", "b", bytes.Repeat([]byte("b"), 8_000_000), 0)
	require.Error(t, err)
	pe, ok := perrors.AsPersistenceError(err)
	require.True(t, ok)
	assert.Equal(t, perrors.ErrCodeQuotaExceeded, pe.Code)
	assert.Equal(t, model.ResourceCacheBytes, pe.Details["resource"])
	assert.Equal(t, int64(10_000_000), pe.Details["limit"])
	assert.Equal(t, int64(6_000_000), pe.Details["current"])

	// the rejected write left nothing behind
	_, found, err := f.gw.GetArtifact(ctx, "t1", "b")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, int64(6_000_000), f.usage(t, "t1", model.ResourceCacheBytes))

	freed, err := f.gw.DeleteArtifact(ctx, "t1", "a")
	require.NoError(t, err)
	assert.Equal(t, int64(6_000_000), freed)
	assert.Zero(t, f.usage(t, "t1", model.ResourceCacheBytes))

	_, err = f.gw.PutArtifact(ctx, "t1", "b", bytes.Repeat([]byte("b"), 8_000_000), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(8_000_000), f.usage(t, "t1", model.ResourceCacheBytes))
}

func TestGatewayOverwriteChargesGrowthOnly(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()
	_, err := f.tenants.svc.CreateTenant(ctx, TenantParams{
		TenantID: "t1",
		Quotas:   map[string]int64{model.ResourceCacheBytes: 100},
	})
	require.NoError(t, err)

	_, err = f.gw.PutArtifact(ctx, "t1", "k", bytes.Repeat([]byte("x"), 80), 0)
	require.NoError(t, err)
	_, err = f.gw.PutArtifact(ctx, "t1", "k", bytes.Repeat([]byte("y"), 90), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(90), f.usage(t, "t1", model.ResourceCacheBytes))

	_, err = f.gw.PutArtifact(ctx, "t1", "k", []byte("z"), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), f.usage(t, "t1", model.ResourceCacheBytes))

	value, found, err := f.gw.GetArtifact(ctx, "t1", "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("z"), value)
	assert.Equal(t, int64(1), f.usage(t, "t1", model.ResourceDataTransfer))
}

func TestGatewayIsolatesTenants(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()
	for _, id := range []string{"t1", "t2"} {
		_, err := f.tenants.svc.CreateTenant(ctx, TenantParams{TenantID: id})
		require.NoError(t, err)
	}

	_, err := f.gw.PutArtifact(ctx, "t1", "shared-name", []byte("secret"), 0)
	require.NoError(t, err)
	_, found, err := f.gw.GetArtifact(ctx, "t2", "shared-name")
	require.NoError(t, err)
	assert.False(t, found)

	session, err := f.gw.StartSession(ctx, "t1", json.RawMessage(`{"n":1}`))
	require.NoError(t, err)
	_, err = f.gw.GetSession(ctx, "t2", session.ID)
	assert.True(t, perrors.Is(err, perrors.ErrCodeInvalidTenantAccess))
	assert.True(t, perrors.Is(f.gw.EndSession(ctx, "t2", session.ID), perrors.ErrCodeInvalidTenantAccess))

	result, err := f.gw.ClearArtifacts(ctx, "t2")
	require.NoError(t, err)
	assert.Zero(t, result.Keys)
	_, found, err = f.gw.GetArtifact(ctx, "t1", "shared-name")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestGatewayPolicyDeniesBeforeMutation(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()
	_, err := f.tenants.svc.CreateTenant(ctx, TenantParams{
		TenantID: "reader",
		Policy: model.AccessPolicy{Rules: []model.AccessRule{
			{Pattern: "cache:*", Actions: []string{model.ActionRead}},
		}},
	})
	require.NoError(t, err)

	_, err = f.gw.PutArtifact(ctx, "reader", "k", []byte("v"), 0)
	assert.True(t, perrors.Is(err, perrors.ErrCodeInvalidTenantAccess))
	assert.Zero(t, f.usage(t, "reader", model.ResourceOperations))
	assert.Zero(t, f.cache.svc.Stats().Sets)

	_, err = f.gw.StartSession(ctx, "reader", nil)
	assert.True(t, perrors.Is(err, perrors.ErrCodeInvalidTenantAccess))
}

func TestGatewaySessionQuotaReleasedOnClose(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()
	_, err := f.tenants.svc.CreateTenant(ctx, TenantParams{
		TenantID: "t1",
		Quotas:   map[string]int64{model.ResourceSessions: 1},
	})
	require.NoError(t, err)

	first, err := f.gw.StartSession(ctx, "t1", nil)
	require.NoError(t, err)
	_, err = f.gw.StartSession(ctx, "t1", nil)
	assert.True(t, perrors.Is(err, perrors.ErrCodeQuotaExceeded))

	updated, err := f.gw.UpdateSession(ctx, "t1", first.ID, json.RawMessage(`{"page":2}`))
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)

	cp, err := f.gw.CheckpointSession(ctx, "t1", first.ID, model.CheckpointManual)
	require.NoError(t, err)
	assert.Equal(t, first.ID, cp.JobID)

	require.NoError(t, f.gw.EndSession(ctx, "t1", first.ID))
	assert.Zero(t, f.usage(t, "t1", model.ResourceSessions))

	_, err = f.gw.StartSession(ctx, "t1", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), f.usage(t, "t1", model.ResourceSessions))
}

func TestGatewayBatchQuota(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()
	_, err := f.tenants.svc.CreateTenant(ctx, TenantParams{
		TenantID: "t1",
		Quotas:   map[string]int64{model.ResourceCacheBytes: 10},
	})
	require.NoError(t, err)

	results, err := f.gw.PutArtifacts(ctx, "t1", map[string][]byte{
		"a": []byte("1234"),
		"b": []byte("5678"),
	}, 0)
	require.NoError(t, err)
	assert.NoError(t, results["a"])
	assert.NoError(t, results["b"])
	assert.Equal(t, int64(8), f.usage(t, "t1", model.ResourceCacheBytes))

	_, err = f.gw.PutArtifacts(ctx, "t1", map[string][]byte{"c": []byte("123")}, 0)
	assert.True(t, perrors.Is(err, perrors.ErrCodeQuotaExceeded))

	got, err := f.gw.GetArtifacts(ctx, "t1", []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"a": []byte("1234"), "b": []byte("5678")}, got)

	result, err := f.gw.ClearArtifacts(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.Keys)
	assert.Zero(t, f.usage(t, "t1", model.ResourceCacheBytes))
}

func TestGatewayConcurrentWritesOvershootIsBounded(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()
	const (
		limit    = 100
		size     = 40
		writers  = 16
		maxSlots = 4
	)
	_, err := f.tenants.svc.CreateTenant(ctx, TenantParams{
		TenantID: "t1",
		Quotas:   map[string]int64{model.ResourceCacheBytes: limit},
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var stored atomic.Int64
	start := make(chan struct{})
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := f.gw.PutArtifact(ctx, "t1", fmt.Sprintf("k%d", i), bytes.Repeat([]byte("x"), size), 0)
			if err == nil {
				stored.Add(1)
				return
			}
			assert.True(t, perrors.Is(err, perrors.ErrCodeQuotaExceeded))
		}(i)
	}
	close(start)
	wg.Wait()

	usage := f.usage(t, "t1", model.ResourceCacheBytes)
	assert.Equal(t, stored.Load()*size, usage)
	assert.GreaterOrEqual(t, stored.Load(), int64(limit/size))
	assert.LessOrEqual(t, usage, int64(limit+(maxSlots-1)*size))
}

func TestGatewayConcurrentEndSessionReleasesOnce(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()
	_, err := f.tenants.svc.CreateTenant(ctx, TenantParams{
		TenantID: "t1",
		Quotas:   map[string]int64{model.ResourceSessions: 2},
	})
	require.NoError(t, err)

	first, err := f.gw.StartSession(ctx, "t1", nil)
	require.NoError(t, err)
	_, err = f.gw.StartSession(ctx, "t1", nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.gw.EndSession(ctx, "t1", first.ID))
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), f.usage(t, "t1", model.ResourceSessions))
	_, err = f.gw.StartSession(ctx, "t1", nil)
	require.NoError(t, err)
	_, err = f.gw.StartSession(ctx, "t1", nil)
	assert.True(t, perrors.Is(err, perrors.ErrCodeQuotaExceeded))
}
