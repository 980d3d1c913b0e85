package service

import (
	"context"
	"encoding/json"
	"time"

	perrors "github.com/devrev/riptide-persistence/internal/errors"
	"github.com/devrev/riptide-persistence/internal/model"
	"go.uber.org/zap"
)

// Resource names checked against tenant access policies
const (
	cacheResourcePrefix   = "cache:"
	sessionResourcePrefix = "session:"
)

// TenantGateway runs cache and session operations on behalf of a tenant.
// Every operation goes access check -> concurrency slot -> quota check -> mutation -> usage record.
// The slot is held across the whole sequence, which bounds quota overshoot by the tenant's
// concurrency limit.
type TenantGateway struct {
	tenants *TenantService
	cache   *CacheService
	state   *StateService
	logger  *zap.Logger
}

// NewTenantGateway wires session closure into session usage accounting
func NewTenantGateway(tenants *TenantService, cache *CacheService, state *StateService, logger *zap.Logger) *TenantGateway {
	g := &TenantGateway{tenants: tenants, cache: cache, state: state, logger: logger}
	if state != nil {
		state.OnSessionClosed(g.sessionClosed)
	}
	return g
}

func (g *TenantGateway) sessionClosed(session *model.SessionState) {
	if err := g.tenants.RecordUsage(context.Background(), session.TenantID, model.ResourceSessions, -1); err != nil {
		g.logger.Warn("Failed to release session usage",
			zap.String("tenant_id", session.TenantID),
			zap.String("session_id", session.ID),
			zap.Error(err))
	}
}

// begin checks access, takes a slot and counts the request against the rate quota
func (g *TenantGateway) begin(ctx context.Context, tenantID, resource, action string) (func(), error) {
	if err := g.tenants.EnforceAccess(ctx, tenantID, resource, action); err != nil {
		return nil, err
	}
	release, err := g.tenants.Acquire(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if err := g.tenants.CheckQuota(ctx, tenantID, model.ResourceRequestsPerMinute, 1); err != nil {
		release()
		return nil, err
	}
	if err := g.tenants.CheckQuota(ctx, tenantID, model.ResourceOperations, 1); err != nil {
		release()
		return nil, err
	}
	return release, nil
}

// record applies usage deltas; failures are logged because the mutation already happened
func (g *TenantGateway) record(ctx context.Context, tenantID string, deltas map[string]int64) {
	for resource, delta := range deltas {
		if delta == 0 {
			continue
		}
		if err := g.tenants.RecordUsage(ctx, tenantID, resource, delta); err != nil {
			g.logger.Warn("Failed to record tenant usage",
				zap.String("tenant_id", tenantID),
				zap.String("resource", resource),
				zap.Int64("delta", delta),
				zap.Error(err))
		}
	}
}

// PutArtifact stores value under the tenant's key. Overwrites are charged only for growth.
func (g *TenantGateway) PutArtifact(ctx context.Context, tenantID, key string, value []byte, ttl time.Duration) (SetResult, error) {
	release, err := g.begin(ctx, tenantID, cacheResourcePrefix+key, model.ActionWrite)
	if err != nil {
		return SetResult{}, err
	}
	defer release()

	storageKey := g.cache.Key(tenantID, key)
	sizes, err := g.cache.StoredSizes(ctx, []string{storageKey})
	if err != nil {
		return SetResult{}, err
	}
	if growth := int64(len(value)) - sizes[0]; growth > 0 {
		if err := g.tenants.CheckQuota(ctx, tenantID, model.ResourceCacheBytes, growth); err != nil {
			return SetResult{}, err
		}
	}

	result, err := g.cache.Set(ctx, storageKey, value, ttl)
	if err != nil {
		return SetResult{}, err
	}
	g.record(ctx, tenantID, map[string]int64{
		model.ResourceCacheBytes:        result.Size - result.PreviousSize,
		model.ResourceOperations:        1,
		model.ResourceRequestsPerMinute: 1,
	})
	return result, nil
}

// GetArtifact reads the tenant's key; a miss is (nil, false, nil)
func (g *TenantGateway) GetArtifact(ctx context.Context, tenantID, key string) ([]byte, bool, error) {
	release, err := g.begin(ctx, tenantID, cacheResourcePrefix+key, model.ActionRead)
	if err != nil {
		return nil, false, err
	}
	defer release()

	value, found, err := g.cache.Get(ctx, g.cache.Key(tenantID, key))
	if err != nil {
		return nil, false, err
	}
	g.record(ctx, tenantID, map[string]int64{
		model.ResourceOperations:        1,
		model.ResourceRequestsPerMinute: 1,
		model.ResourceDataTransfer:      int64(len(value)),
	})
	return value, found, nil
}

// DeleteArtifact removes the tenant's key and returns the bytes released from its quota
func (g *TenantGateway) DeleteArtifact(ctx context.Context, tenantID, key string) (int64, error) {
	release, err := g.begin(ctx, tenantID, cacheResourcePrefix+key, model.ActionDelete)
	if err != nil {
		return 0, err
	}
	defer release()

	freed, err := g.cache.Delete(ctx, g.cache.Key(tenantID, key))
	if err != nil {
		return 0, err
	}
	g.record(ctx, tenantID, map[string]int64{
		model.ResourceCacheBytes:        -freed,
		model.ResourceOperations:        1,
		model.ResourceRequestsPerMinute: 1,
	})
	return freed, nil
}

// PutArtifacts stores several keys in one round trip. The quota is checked against the
// combined growth; per-key failures are reported in the results.
func (g *TenantGateway) PutArtifacts(ctx context.Context, tenantID string, entries map[string][]byte, ttl time.Duration) (map[string]error, error) {
	release, err := g.begin(ctx, tenantID, cacheResourcePrefix+"*", model.ActionWrite)
	if err != nil {
		return nil, err
	}
	defer release()

	keys := make([]string, 0, len(entries))
	batch := make([]BatchSetEntry, 0, len(entries))
	callerKeys := make(map[string]string, len(entries))
	for key, value := range entries {
		k := g.cache.Key(tenantID, key)
		keys = append(keys, k)
		callerKeys[k] = key
		batch = append(batch, BatchSetEntry{Key: k, Value: value, TTL: ttl})
	}

	sizes, err := g.cache.StoredSizes(ctx, keys)
	if err != nil {
		return nil, err
	}
	previous := make(map[string]int64, len(keys))
	var growth int64
	for i, k := range keys {
		previous[k] = sizes[i]
		growth += int64(len(batch[i].Value)) - sizes[i]
	}
	if growth > 0 {
		if err := g.tenants.CheckQuota(ctx, tenantID, model.ResourceCacheBytes, growth); err != nil {
			return nil, err
		}
	}

	results, err := g.cache.SetBatch(ctx, batch)
	if err != nil {
		return nil, err
	}
	out := make(map[string]error, len(results))
	var delta int64
	for _, r := range results {
		out[callerKeys[r.Key]] = r.Err
		if r.Err == nil {
			delta += r.Size - previous[r.Key]
		}
	}
	g.record(ctx, tenantID, map[string]int64{
		model.ResourceCacheBytes:        delta,
		model.ResourceOperations:        1,
		model.ResourceRequestsPerMinute: 1,
	})
	return out, nil
}

// GetArtifacts reads several keys in one round trip; missing keys are absent from the result
func (g *TenantGateway) GetArtifacts(ctx context.Context, tenantID string, keys []string) (map[string][]byte, error) {
	release, err := g.begin(ctx, tenantID, cacheResourcePrefix+"*", model.ActionRead)
	if err != nil {
		return nil, err
	}
	defer release()

	storageKeys := make([]string, len(keys))
	for i, key := range keys {
		storageKeys[i] = g.cache.Key(tenantID, key)
	}
	results, err := g.cache.GetBatch(ctx, storageKeys)
	if err != nil {
		return nil, err
	}

	out := make(map[string][]byte, len(results))
	var transferred int64
	for i, r := range results {
		if r.Err != nil {
			return nil, r.Err
		}
		if r.Found {
			out[keys[i]] = r.Value
			transferred += int64(len(r.Value))
		}
	}
	g.record(ctx, tenantID, map[string]int64{
		model.ResourceOperations:        1,
		model.ResourceRequestsPerMinute: 1,
		model.ResourceDataTransfer:      transferred,
	})
	return out, nil
}

// ClearArtifacts removes every cached artifact of the tenant
func (g *TenantGateway) ClearArtifacts(ctx context.Context, tenantID string) (InvalidateResult, error) {
	release, err := g.begin(ctx, tenantID, cacheResourcePrefix+"*", model.ActionDelete)
	if err != nil {
		return InvalidateResult{}, err
	}
	defer release()

	result, err := g.cache.Clear(ctx, tenantID)
	if err != nil {
		return InvalidateResult{}, err
	}
	g.record(ctx, tenantID, map[string]int64{
		model.ResourceCacheBytes:        -result.Bytes,
		model.ResourceOperations:        1,
		model.ResourceRequestsPerMinute: 1,
	})
	return result, nil
}

// StartSession creates a session counted against the tenant's session quota
func (g *TenantGateway) StartSession(ctx context.Context, tenantID string, data json.RawMessage) (*model.SessionState, error) {
	release, err := g.begin(ctx, tenantID, sessionResourcePrefix+"*", model.ActionWrite)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := g.tenants.CheckQuota(ctx, tenantID, model.ResourceSessions, 1); err != nil {
		return nil, err
	}
	session, err := g.state.CreateSession(ctx, tenantID, data)
	if err != nil {
		return nil, err
	}
	g.record(ctx, tenantID, map[string]int64{
		model.ResourceSessions:          1,
		model.ResourceOperations:        1,
		model.ResourceRequestsPerMinute: 1,
	})
	return session, nil
}

// owned loads a session and rejects sessions of other tenants
func (g *TenantGateway) owned(ctx context.Context, tenantID, sessionID string) (*model.SessionState, error) {
	session, err := g.state.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.TenantID != tenantID {
		return nil, perrors.InvalidTenantAccess(tenantID, sessionResourcePrefix+sessionID, model.ActionRead)
	}
	return session, nil
}

// GetSession returns one of the tenant's sessions
func (g *TenantGateway) GetSession(ctx context.Context, tenantID, sessionID string) (*model.SessionState, error) {
	release, err := g.begin(ctx, tenantID, sessionResourcePrefix+sessionID, model.ActionRead)
	if err != nil {
		return nil, err
	}
	defer release()

	session, err := g.owned(ctx, tenantID, sessionID)
	if err != nil {
		return nil, err
	}
	g.record(ctx, tenantID, map[string]int64{
		model.ResourceOperations:        1,
		model.ResourceRequestsPerMinute: 1,
	})
	return session, nil
}

// UpdateSession replaces the payload of one of the tenant's sessions
func (g *TenantGateway) UpdateSession(ctx context.Context, tenantID, sessionID string, data json.RawMessage) (*model.SessionState, error) {
	release, err := g.begin(ctx, tenantID, sessionResourcePrefix+sessionID, model.ActionWrite)
	if err != nil {
		return nil, err
	}
	defer release()

	if _, err := g.owned(ctx, tenantID, sessionID); err != nil {
		return nil, err
	}
	session, err := g.state.UpdateSession(ctx, sessionID, data)
	if err != nil {
		return nil, err
	}
	g.record(ctx, tenantID, map[string]int64{
		model.ResourceOperations:        1,
		model.ResourceRequestsPerMinute: 1,
	})
	return session, nil
}

// EndSession terminates one of the tenant's sessions. Its session usage is released
// through the state service's close hook, which also covers idle expiry.
func (g *TenantGateway) EndSession(ctx context.Context, tenantID, sessionID string) error {
	release, err := g.begin(ctx, tenantID, sessionResourcePrefix+sessionID, model.ActionDelete)
	if err != nil {
		return err
	}
	defer release()

	if _, err := g.owned(ctx, tenantID, sessionID); err != nil {
		return err
	}
	if err := g.state.TerminateSession(ctx, sessionID); err != nil {
		return err
	}
	g.record(ctx, tenantID, map[string]int64{
		model.ResourceOperations:        1,
		model.ResourceRequestsPerMinute: 1,
	})
	return nil
}

// CheckpointSession writes a checkpoint of one of the tenant's sessions
func (g *TenantGateway) CheckpointSession(ctx context.Context, tenantID, sessionID string, kind model.CheckpointKind) (*model.Checkpoint, error) {
	release, err := g.begin(ctx, tenantID, sessionResourcePrefix+sessionID, model.ActionWrite)
	if err != nil {
		return nil, err
	}
	defer release()

	if _, err := g.owned(ctx, tenantID, sessionID); err != nil {
		return nil, err
	}
	cp, err := g.state.CreateCheckpoint(ctx, kind, sessionID)
	if err != nil {
		return nil, err
	}
	g.record(ctx, tenantID, map[string]int64{
		model.ResourceOperations:        1,
		model.ResourceRequestsPerMinute: 1,
	})
	return cp, nil
}
