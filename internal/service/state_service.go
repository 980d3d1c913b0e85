package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/riptide-persistence/internal/config"
	perrors "github.com/devrev/riptide-persistence/internal/errors"
	"github.com/devrev/riptide-persistence/internal/metrics"
	"github.com/devrev/riptide-persistence/internal/model"
	"github.com/devrev/riptide-persistence/internal/store"
	"github.com/devrev/riptide-persistence/internal/tracing"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// SnapshotJobID names the checkpoint job holding every live session
const SnapshotJobID = "sessions"

const sessionLockStripes = 64

// sessionSettings is the hot-reloadable part of the state configuration
type sessionSettings struct {
	ttl                time.Duration
	idleTimeout        time.Duration
	retention          time.Duration
	maxMemoryBytes     int64
	spillThreshold     float64
	checkpointInterval time.Duration
	sweepInterval      time.Duration
}

func newSessionSettings(cfg config.StateConfig) *sessionSettings {
	st := &sessionSettings{
		ttl:                cfg.SessionTTL,
		idleTimeout:        cfg.SessionIdleTimeout,
		retention:          cfg.SessionRetention,
		maxMemoryBytes:     cfg.MaxMemoryBytes,
		spillThreshold:     cfg.SpilloverThreshold,
		checkpointInterval: cfg.CheckpointInterval,
		sweepInterval:      cfg.SweepInterval,
	}
	if st.idleTimeout <= 0 {
		st.idleTimeout = st.ttl
	}
	if st.sweepInterval <= 0 {
		st.sweepInterval = time.Minute
	}
	return st
}

func (st *sessionSettings) spillLimit() int64 {
	return int64(float64(st.maxMemoryBytes) * st.spillThreshold)
}

type sessionEntry struct {
	state *model.SessionState
	size  int64
}

// spilledSession is what stays in memory for a session whose body is on disk
type spilledSession struct {
	tenantID     string
	status       model.SessionStatus
	lastActivity time.Time
	closedAt     *time.Time
}

// StateDeps are the collaborators of a StateService
type StateDeps struct {
	KV          store.KVStore
	Spillover   *SpilloverService
	Checkpoints *CheckpointService
	Events      EventSink
	Metrics     *metrics.Metrics
	Tracer      tracing.SpanManager
	Logger      *zap.Logger
	// KeyPrefix namespaces session keys as <prefix>:session:<id>
	KeyPrefix string
	Timeout   time.Duration
	Clock     func() time.Time
}

// StateService owns session lifecycle, spillover and session checkpoints
type StateService struct {
	kv          store.KVStore
	spill       *SpilloverService
	checkpoints *CheckpointService
	events      EventSink
	metrics     *metrics.Metrics
	tracer      tracing.SpanManager
	logger      *zap.Logger
	keyPrefix   string
	timeout     time.Duration
	now         func() time.Time

	settings             atomic.Pointer[sessionSettings]
	checkpointOnShutdown bool

	mu       sync.Mutex
	sessions map[string]*sessionEntry
	spilled  map[string]spilledSession
	memBytes int64

	spillMu sync.Mutex

	// sessionLocks serialize status and payload transitions of one session
	sessionLocks [sessionLockStripes]sync.Mutex

	closedMu sync.Mutex
	onClosed []func(*model.SessionState)

	started  atomic.Bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewStateService creates a state service
func NewStateService(cfg config.StateConfig, deps StateDeps) *StateService {
	if deps.Events == nil {
		deps.Events = NopEventSink()
	}
	if deps.Tracer == nil {
		deps.Tracer = tracing.Noop()
	}
	if deps.KeyPrefix == "" {
		deps.KeyPrefix = "riptide"
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}

	s := &StateService{
		kv:                   deps.KV,
		spill:                deps.Spillover,
		checkpoints:          deps.Checkpoints,
		events:               deps.Events,
		metrics:              deps.Metrics,
		tracer:               deps.Tracer,
		logger:               deps.Logger,
		keyPrefix:            deps.KeyPrefix,
		timeout:              deps.Timeout,
		now:                  deps.Clock,
		checkpointOnShutdown: cfg.CheckpointOnShutdown,
		sessions:             make(map[string]*sessionEntry),
		spilled:              make(map[string]spilledSession),
		stopCh:               make(chan struct{}),
		doneCh:               make(chan struct{}),
	}
	s.settings.Store(newSessionSettings(cfg))
	return s
}

// ApplyConfig swaps in reloaded session and checkpoint settings
func (s *StateService) ApplyConfig(cfg config.StateConfig) {
	s.settings.Store(newSessionSettings(cfg))
	if s.checkpoints != nil {
		s.checkpoints.ApplyRetention(cfg.CheckpointMaxAge, cfg.CheckpointMaxCount)
	}
	s.logger.Info("State configuration applied",
		zap.Duration("session_ttl", cfg.SessionTTL),
		zap.Int64("max_memory_bytes", cfg.MaxMemoryBytes),
		zap.Float64("spillover_threshold", cfg.SpilloverThreshold))
}

// OnSessionClosed registers fn to run when a session leaves the active state
func (s *StateService) OnSessionClosed(fn func(*model.SessionState)) {
	s.closedMu.Lock()
	defer s.closedMu.Unlock()
	s.onClosed = append(s.onClosed, fn)
}

func (s *StateService) sessionKey(id string) string {
	return s.keyPrefix + ":session:" + id
}

// lockSession holds the transition lock of id until the returned func is called
func (s *StateService) lockSession(id string) func() {
	h := fnv.New32a()
	h.Write([]byte(id))
	mu := &s.sessionLocks[h.Sum32()%sessionLockStripes]
	mu.Lock()
	return mu.Unlock
}

// CreateSession starts an active session owned by tenantID
func (s *StateService) CreateSession(ctx context.Context, tenantID string, data json.RawMessage) (session *model.SessionState, err error) {
	if tenantID == "" {
		return nil, perrors.InvalidArgument("tenant id is required", nil)
	}
	if len(data) > 0 && !json.Valid(data) {
		return nil, perrors.Serialization("session payload is not valid JSON", nil)
	}

	ctx, span := s.tracer.Start(ctx, "state", "create_session", attribute.String("tenant.id", tenantID))
	defer func() { s.tracer.End(span, err) }()
	ctx, cancel := withOperationTimeout(ctx, s.timeout)
	defer cancel()

	now := s.now().UTC()
	session = &model.SessionState{
		ID:           uuid.New().String(),
		TenantID:     tenantID,
		Status:       model.SessionActive,
		Data:         append(json.RawMessage(nil), data...),
		CreatedAt:    now,
		LastActivity: now,
		Version:      1,
	}
	if err := s.persist(ctx, session); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.putLocked(session)
	s.mu.Unlock()

	s.metrics.SessionsCreatedTotal.Inc()
	s.refreshGauges()
	s.emit(ctx, model.EventSessionCreated, session.ID, map[string]string{"tenant_id": tenantID})
	s.logger.Debug("Session created", zap.String("session_id", session.ID), zap.String("tenant_id", tenantID))

	s.rebalance(ctx, session.ID)
	return session.Clone(), nil
}

// GetSession returns a session from memory, the spill directory or the backing store, in that order.
// Sessions found outside memory are promoted back into it.
func (s *StateService) GetSession(ctx context.Context, id string) (*model.SessionState, error) {
	ctx, cancel := withOperationTimeout(ctx, s.timeout)
	defer cancel()

	session, err := s.load(ctx, id, true)
	if err != nil {
		return nil, err
	}
	return session.Clone(), nil
}

// load finds a session and makes it resident. touch marks an active session as recently used.
func (s *StateService) load(ctx context.Context, id string, touch bool) (*model.SessionState, error) {
	s.mu.Lock()
	if e, ok := s.sessions[id]; ok {
		if touch && e.state.Status == model.SessionActive {
			// states handed out earlier may still be read without the lock
			touched := e.state.Clone()
			touched.LastActivity = s.now().UTC()
			e.state = touched
		}
		session := e.state
		s.mu.Unlock()
		return session, nil
	}
	_, isSpilled := s.spilled[id]
	s.mu.Unlock()

	if isSpilled && s.spill != nil {
		session, err := s.spill.Load(ctx, id)
		switch {
		case perrors.Is(err, perrors.ErrCodeDataIntegrity):
			// the backing store still holds the last persisted copy
			s.discardSpill(id, err)
		case err != nil:
			return nil, err
		case session != nil:
			return s.promote(ctx, session, touch), nil
		}
	}

	raw, err := s.kv.Get(ctx, s.sessionKey(id))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.mu.Lock()
			delete(s.spilled, id)
			s.mu.Unlock()
			return nil, perrors.NotFound("session", id)
		}
		if cerr := ctxErr(ctx); cerr != nil {
			return nil, cerr
		}
		return nil, perrors.State("failed to load session", err).WithDetail("session_id", id)
	}
	var session model.SessionState
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, perrors.Serialization("failed to decode session", err).WithDetail("session_id", id)
	}
	return s.promote(ctx, &session, touch), nil
}

// readSpilled reads a spilled session without promoting it.
// A corrupt file is discarded and the backing store copy is returned instead.
func (s *StateService) readSpilled(ctx context.Context, id string) (*model.SessionState, error) {
	session, err := s.spill.Load(ctx, id)
	if !perrors.Is(err, perrors.ErrCodeDataIntegrity) {
		return session, err
	}
	s.discardSpill(id, err)

	session, err = s.load(ctx, id, false)
	if perrors.Is(err, perrors.ErrCodeNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return session.Clone(), nil
}

// discardSpill drops a spill file that failed verification
func (s *StateService) discardSpill(id string, cause error) {
	s.logger.Warn("Discarding corrupt spill file", zap.String("session_id", id), zap.Error(cause))
	if err := s.spill.Remove(id); err != nil {
		s.logger.Warn("Failed to remove spill file", zap.String("session_id", id), zap.Error(err))
	}
	s.mu.Lock()
	delete(s.spilled, id)
	s.mu.Unlock()
}

func (s *StateService) promote(ctx context.Context, session *model.SessionState, touch bool) *model.SessionState {
	s.mu.Lock()
	if e, ok := s.sessions[session.ID]; ok {
		// lost a race with another loader
		s.mu.Unlock()
		return e.state
	}
	if touch && session.Status == model.SessionActive {
		session.LastActivity = s.now().UTC()
	}
	_, wasSpilled := s.spilled[session.ID]
	s.putLocked(session)
	s.mu.Unlock()

	if wasSpilled && s.spill != nil {
		if err := s.spill.Remove(session.ID); err != nil {
			s.logger.Warn("Failed to remove spill file", zap.String("session_id", session.ID), zap.Error(err))
		}
		s.metrics.SpilloverPromotesTotal.Inc()
		s.logger.Debug("Session promoted from spillover", zap.String("session_id", session.ID))
	}
	s.refreshGauges()
	s.rebalance(ctx, session.ID)
	return session
}

// putLocked makes session resident, replacing any previous copy
func (s *StateService) putLocked(session *model.SessionState) {
	if old, ok := s.sessions[session.ID]; ok {
		s.memBytes -= old.size
	}
	delete(s.spilled, session.ID)
	size := session.EstimatedSize()
	s.sessions[session.ID] = &sessionEntry{state: session, size: size}
	s.memBytes += size
}

func (s *StateService) dropLocked(id string) {
	if e, ok := s.sessions[id]; ok {
		s.memBytes -= e.size
		delete(s.sessions, id)
	}
	delete(s.spilled, id)
}

// UpdateSession replaces the payload of an active session
func (s *StateService) UpdateSession(ctx context.Context, id string, data json.RawMessage) (updated *model.SessionState, err error) {
	if len(data) > 0 && !json.Valid(data) {
		return nil, perrors.Serialization("session payload is not valid JSON", nil).WithDetail("session_id", id)
	}

	ctx, span := s.tracer.Start(ctx, "state", "update_session", attribute.String("session.id", id))
	defer func() { s.tracer.End(span, err) }()
	ctx, cancel := withOperationTimeout(ctx, s.timeout)
	defer cancel()

	unlock := s.lockSession(id)
	current, err := s.load(ctx, id, false)
	if err != nil {
		unlock()
		return nil, err
	}
	if current.Status.Terminal() {
		unlock()
		return nil, perrors.State(fmt.Sprintf("session %s is %s", id, current.Status), nil).
			WithDetail("session_id", id).
			WithDetail("status", string(current.Status))
	}

	updated = current.Clone()
	updated.Data = append(json.RawMessage(nil), data...)
	updated.LastActivity = s.now().UTC()
	updated.Version++
	if err := s.persist(ctx, updated); err != nil {
		unlock()
		return nil, err
	}

	s.mu.Lock()
	s.putLocked(updated)
	s.mu.Unlock()
	unlock()
	s.refreshGauges()

	s.rebalance(ctx, id)
	return updated.Clone(), nil
}

// TerminateSession closes a session. Terminating a terminated session is a no-op.
func (s *StateService) TerminateSession(ctx context.Context, id string) (err error) {
	ctx, span := s.tracer.Start(ctx, "state", "terminate_session", attribute.String("session.id", id))
	defer func() { s.tracer.End(span, err) }()
	ctx, cancel := withOperationTimeout(ctx, s.timeout)
	defer cancel()

	unlock := s.lockSession(id)
	defer unlock()
	current, err := s.load(ctx, id, false)
	if err != nil {
		return err
	}
	switch current.Status {
	case model.SessionTerminated:
		return nil
	case model.SessionExpired:
		return perrors.State(fmt.Sprintf("session %s is expired", id), nil).WithDetail("session_id", id)
	}

	closed, err := s.close(ctx, current, model.SessionTerminated)
	if err != nil {
		return err
	}
	s.emit(ctx, model.EventSessionTerminated, id, map[string]string{"tenant_id": closed.TenantID})
	s.logger.Debug("Session terminated", zap.String("session_id", id))
	return nil
}

// close moves an active session to a terminal status and keeps it for the retention window.
// Callers hold the session lock and have loaded current under it, so hooks run once per session.
func (s *StateService) close(ctx context.Context, current *model.SessionState, status model.SessionStatus) (*model.SessionState, error) {
	now := s.now().UTC()
	closed := current.Clone()
	closed.Status = status
	closed.ClosedAt = &now
	closed.Version++
	if err := s.persist(ctx, closed); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.putLocked(closed)
	s.mu.Unlock()
	s.refreshGauges()

	s.closedMu.Lock()
	callbacks := append([]func(*model.SessionState){}, s.onClosed...)
	s.closedMu.Unlock()
	for _, fn := range callbacks {
		fn(closed.Clone())
	}
	return closed, nil
}

// persist writes the session to the backing store with a TTL matching its status
func (s *StateService) persist(ctx context.Context, session *model.SessionState) error {
	data, err := json.Marshal(session)
	if err != nil {
		return perrors.Serialization("failed to encode session", err).WithDetail("session_id", session.ID)
	}
	st := s.settings.Load()
	ttl := st.ttl
	if session.Status.Terminal() && st.retention > 0 {
		ttl = st.retention
	}
	if err := s.kv.Set(ctx, s.sessionKey(session.ID), data, ttl); err != nil {
		if cerr := ctxErr(ctx); cerr != nil {
			return cerr
		}
		return perrors.State("failed to persist session", err).WithDetail("session_id", session.ID)
	}
	return nil
}

// ListActiveSessions returns active sessions of tenantID, or of every tenant when tenantID is empty
func (s *StateService) ListActiveSessions(ctx context.Context, tenantID string) ([]*model.SessionState, error) {
	var out []*model.SessionState
	var spilledIDs []string

	s.mu.Lock()
	for _, e := range s.sessions {
		if e.state.Status == model.SessionActive && (tenantID == "" || e.state.TenantID == tenantID) {
			out = append(out, e.state.Clone())
		}
	}
	for id, meta := range s.spilled {
		if meta.status == model.SessionActive && (tenantID == "" || meta.tenantID == tenantID) {
			spilledIDs = append(spilledIDs, id)
		}
	}
	s.mu.Unlock()

	for _, id := range spilledIDs {
		session, err := s.readSpilled(ctx, id)
		if err != nil {
			return nil, err
		}
		if session != nil && session.Status == model.SessionActive {
			out = append(out, session)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// SessionCount returns the number of active sessions owned by tenantID
func (s *StateService) SessionCount(tenantID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, e := range s.sessions {
		if e.state.Status == model.SessionActive && e.state.TenantID == tenantID {
			n++
		}
	}
	for _, meta := range s.spilled {
		if meta.status == model.SessionActive && meta.tenantID == tenantID {
			n++
		}
	}
	return n
}

// MemoryUsage returns tracked session bytes and the spill limit
func (s *StateService) MemoryUsage() (used, limit int64) {
	s.mu.Lock()
	used = s.memBytes
	s.mu.Unlock()
	return used, s.settings.Load().spillLimit()
}

// CleanupExpired expires idle active sessions and removes terminal sessions past retention
func (s *StateService) CleanupExpired(ctx context.Context) (expired, removed int, err error) {
	st := s.settings.Load()
	now := s.now()

	type candidate struct {
		id       string
		status   model.SessionStatus
		activity time.Time
		closedAt *time.Time
	}
	var candidates []candidate

	s.mu.Lock()
	for id, e := range s.sessions {
		candidates = append(candidates, candidate{id, e.state.Status, e.state.LastActivity, e.state.ClosedAt})
	}
	for id, meta := range s.spilled {
		candidates = append(candidates, candidate{id, meta.status, meta.lastActivity, meta.closedAt})
	}
	s.mu.Unlock()

	for _, c := range candidates {
		if err := ctxErr(ctx); err != nil {
			return expired, removed, err
		}

		switch {
		case c.status == model.SessionActive && now.Sub(c.activity) > st.idleTimeout:
			if s.expireIdle(ctx, c.id, now, st.idleTimeout) {
				s.metrics.SessionsExpiredTotal.Inc()
				expired++
			}

		case c.status.Terminal() && c.closedAt != nil && now.Sub(*c.closedAt) > st.retention:
			unlock := s.lockSession(c.id)
			err := s.remove(ctx, c.id)
			unlock()
			if err != nil {
				s.logger.Warn("Failed to remove session", zap.String("session_id", c.id), zap.Error(err))
				continue
			}
			s.metrics.SessionsRemovedTotal.Inc()
			removed++
		}
	}

	if expired > 0 || removed > 0 {
		s.logger.Info("Session sweep completed", zap.Int("expired", expired), zap.Int("removed", removed))
	}
	return expired, removed, nil
}

// expireIdle closes id as expired when it is still active and idle under its session lock
func (s *StateService) expireIdle(ctx context.Context, id string, now time.Time, idleTimeout time.Duration) bool {
	unlock := s.lockSession(id)
	defer unlock()

	current, err := s.load(ctx, id, false)
	if err != nil {
		s.logger.Warn("Failed to load idle session", zap.String("session_id", id), zap.Error(err))
		return false
	}
	// touched or closed since the candidate list was taken
	if current.Status != model.SessionActive || now.Sub(current.LastActivity) <= idleTimeout {
		return false
	}
	if _, err := s.close(ctx, current, model.SessionExpired); err != nil {
		s.logger.Warn("Failed to expire session", zap.String("session_id", id), zap.Error(err))
		return false
	}
	return true
}

func (s *StateService) remove(ctx context.Context, id string) error {
	if err := s.kv.Delete(ctx, s.sessionKey(id)); err != nil && !errors.Is(err, store.ErrNotFound) {
		return perrors.State("failed to delete session", err).WithDetail("session_id", id)
	}
	if s.spill != nil {
		if err := s.spill.Remove(id); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.dropLocked(id)
	s.mu.Unlock()
	s.refreshGauges()
	return nil
}

// rebalance spills least recently active sessions until tracked memory is under the threshold.
// keep is never chosen. A zero memory limit disables spilling.
func (s *StateService) rebalance(ctx context.Context, keep string) {
	if s.spill == nil {
		return
	}
	limit := s.settings.Load().spillLimit()
	if limit <= 0 {
		return
	}

	s.spillMu.Lock()
	defer s.spillMu.Unlock()

	s.mu.Lock()
	if s.memBytes < limit {
		s.mu.Unlock()
		return
	}
	candidates := make([]*model.SessionState, 0, len(s.sessions))
	for id, e := range s.sessions {
		if id != keep {
			candidates = append(candidates, e.state)
		}
	}
	over := s.memBytes - limit
	s.mu.Unlock()

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].LastActivity.Before(candidates[j].LastActivity)
	})

	var freed int64
	spilled := 0
	for _, session := range candidates {
		if freed > over {
			break
		}
		if _, err := s.spill.Spill(ctx, session); err != nil {
			s.logger.Warn("Failed to spill session", zap.String("session_id", session.ID), zap.Error(err))
			return
		}

		s.mu.Lock()
		e, ok := s.sessions[session.ID]
		if !ok || e.state.Version != session.Version {
			// changed while spilling; the file is stale
			s.mu.Unlock()
			s.spill.Remove(session.ID)
			continue
		}
		s.memBytes -= e.size
		freed += e.size
		delete(s.sessions, session.ID)
		s.spilled[session.ID] = spilledSession{
			tenantID:     session.TenantID,
			status:       session.Status,
			lastActivity: session.LastActivity,
			closedAt:     session.ClosedAt,
		}
		s.mu.Unlock()
		spilled++
	}

	if spilled > 0 {
		s.refreshGauges()
		s.logger.Info("Spilled sessions to disk", zap.Int("sessions", spilled), zap.Int64("freed_bytes", freed))
	}
}

// CreateCheckpoint checkpoints one session under its own id
func (s *StateService) CreateCheckpoint(ctx context.Context, kind model.CheckpointKind, sessionID string) (*model.Checkpoint, error) {
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(session)
	if err != nil {
		return nil, perrors.Serialization("failed to encode session", err).WithDetail("session_id", sessionID)
	}
	cp, err := s.checkpoints.Save(ctx, sessionID, kind, payload)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, model.EventCheckpointCreated, sessionID, map[string]interface{}{
		"kind": string(kind), "sequence": cp.Sequence,
	})
	return cp, nil
}

// RestoreSession reloads a session from its newest valid checkpoint; nil when it has none
func (s *StateService) RestoreSession(ctx context.Context, sessionID string) (*model.SessionState, error) {
	cp, err := s.checkpoints.RestoreLatest(ctx, sessionID)
	if err != nil || cp == nil {
		return nil, err
	}
	var session model.SessionState
	if err := json.Unmarshal(cp.Payload, &session); err != nil {
		return nil, perrors.Serialization("failed to decode checkpointed session", err).WithDetail("session_id", sessionID)
	}
	unlock := s.lockSession(session.ID)
	if err := s.persist(ctx, &session); err != nil {
		unlock()
		return nil, err
	}
	s.mu.Lock()
	s.putLocked(&session)
	s.mu.Unlock()
	unlock()
	s.refreshGauges()
	s.rebalance(ctx, session.ID)
	return session.Clone(), nil
}

type sessionSnapshot struct {
	Sessions []*model.SessionState `json:"sessions"`
}

// CreateSnapshot checkpoints every session not yet removed under SnapshotJobID
func (s *StateService) CreateSnapshot(ctx context.Context, kind model.CheckpointKind) (*model.Checkpoint, error) {
	var snap sessionSnapshot
	var spilledIDs []string

	s.mu.Lock()
	for _, e := range s.sessions {
		snap.Sessions = append(snap.Sessions, e.state.Clone())
	}
	for id := range s.spilled {
		spilledIDs = append(spilledIDs, id)
	}
	s.mu.Unlock()

	for _, id := range spilledIDs {
		session, err := s.readSpilled(ctx, id)
		if err != nil {
			return nil, err
		}
		if session != nil {
			snap.Sessions = append(snap.Sessions, session)
		}
	}
	sort.Slice(snap.Sessions, func(i, j int) bool { return snap.Sessions[i].ID < snap.Sessions[j].ID })

	payload, err := json.Marshal(snap)
	if err != nil {
		return nil, perrors.Serialization("failed to encode session snapshot", err)
	}
	cp, err := s.checkpoints.Save(ctx, SnapshotJobID, kind, payload)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, model.EventCheckpointCreated, SnapshotJobID, map[string]interface{}{
		"kind": string(kind), "sequence": cp.Sequence, "sessions": len(snap.Sessions),
	})
	return cp, nil
}

// ReconcileSpill adopts spill files left by a previous run and removes the ones that fail verification
func (s *StateService) ReconcileSpill(ctx context.Context) (adopted int, err error) {
	if s.spill == nil {
		return 0, nil
	}
	ids, err := s.spill.List()
	if err != nil {
		return 0, err
	}

	discarded := 0
	for _, id := range ids {
		s.mu.Lock()
		_, resident := s.sessions[id]
		_, known := s.spilled[id]
		s.mu.Unlock()
		if resident || known {
			continue
		}

		session, err := s.spill.Load(ctx, id)
		switch {
		case perrors.Is(err, perrors.ErrCodeDataIntegrity):
			s.discardSpill(id, err)
			discarded++
			continue
		case err != nil:
			s.logger.Warn("Skipping unreadable spill file", zap.String("session_id", id), zap.Error(err))
			continue
		case session == nil:
			continue
		}

		s.mu.Lock()
		if _, ok := s.sessions[id]; !ok {
			s.spilled[id] = spilledSession{
				tenantID:     session.TenantID,
				status:       session.Status,
				lastActivity: session.LastActivity,
				closedAt:     session.ClosedAt,
			}
			adopted++
		}
		s.mu.Unlock()
	}

	if adopted > 0 || discarded > 0 {
		s.refreshGauges()
		s.logger.Info("Reconciled spill directory", zap.Int("adopted", adopted), zap.Int("discarded", discarded))
	}
	return adopted, nil
}

// RestoreSessions adopts leftover spill files, then loads the newest session snapshot.
// Sessions already known are left alone.
func (s *StateService) RestoreSessions(ctx context.Context) (int, error) {
	if _, err := s.ReconcileSpill(ctx); err != nil {
		return 0, err
	}
	cp, err := s.checkpoints.RestoreLatest(ctx, SnapshotJobID)
	if err != nil {
		return 0, err
	}
	if cp == nil {
		return 0, nil
	}

	var snap sessionSnapshot
	if err := json.Unmarshal(cp.Payload, &snap); err != nil {
		return 0, perrors.Serialization("failed to decode session snapshot", err)
	}

	restored := 0
	for _, session := range snap.Sessions {
		s.mu.Lock()
		_, resident := s.sessions[session.ID]
		_, spilled := s.spilled[session.ID]
		s.mu.Unlock()
		if resident || spilled {
			continue
		}
		if err := s.persist(ctx, session); err != nil {
			return restored, err
		}
		s.mu.Lock()
		s.putLocked(session)
		s.mu.Unlock()
		restored++
	}
	s.refreshGauges()
	s.rebalance(ctx, "")

	s.logger.Info("Restored sessions from checkpoint",
		zap.Int("sessions", restored),
		zap.Uint64("sequence", cp.Sequence))
	return restored, nil
}

// Start runs the idle sweep and scheduled checkpoints until Stop or ctx is done
func (s *StateService) Start(ctx context.Context) {
	s.started.Store(true)
	go s.run(ctx)
}

func (s *StateService) run(ctx context.Context) {
	defer close(s.doneCh)

	st := s.settings.Load()
	sweep := time.NewTicker(st.sweepInterval)
	defer sweep.Stop()

	var checkpointC <-chan time.Time
	if st.checkpointInterval > 0 && s.checkpoints != nil {
		t := time.NewTicker(st.checkpointInterval)
		defer t.Stop()
		checkpointC = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-sweep.C:
			if _, _, err := s.CleanupExpired(ctx); err != nil {
				s.logger.Warn("Session sweep failed", zap.Error(err))
			}
		case <-checkpointC:
			if _, err := s.CreateSnapshot(ctx, model.CheckpointScheduled); err != nil {
				s.logger.Error("Scheduled checkpoint failed", zap.Error(err))
			}
			if _, err := s.checkpoints.Cleanup(ctx, 0); err != nil {
				s.logger.Warn("Checkpoint cleanup failed", zap.Error(err))
			}
		}
	}
}

// Shutdown stops background work, waits for in-flight writes and writes a shutdown checkpoint when configured
func (s *StateService) Shutdown(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.started.Load() {
			select {
			case <-s.doneCh:
			case <-ctx.Done():
				err = ctxErr(ctx)
				return
			}
		}
		if s.checkpointOnShutdown && s.checkpoints != nil {
			if _, cerr := s.CreateSnapshot(ctx, model.CheckpointShutdown); cerr != nil {
				err = cerr
				return
			}
		}
		s.logger.Info("State service stopped")
	})
	return err
}

func (s *StateService) refreshGauges() {
	s.mu.Lock()
	active := 0
	for _, e := range s.sessions {
		if e.state.Status == model.SessionActive {
			active++
		}
	}
	for _, meta := range s.spilled {
		if meta.status == model.SessionActive {
			active++
		}
	}
	mem := s.memBytes
	s.mu.Unlock()

	s.metrics.SessionsActive.Set(float64(active))
	s.metrics.SessionMemoryBytes.Set(float64(mem))
}

func (s *StateService) emit(ctx context.Context, eventType, aggregateID string, payload interface{}) {
	if err := s.events.Emit(ctx, eventType, aggregateID, payload); err != nil {
		s.logger.Warn("Failed to record domain event",
			zap.String("event_type", eventType),
			zap.String("aggregate_id", aggregateID),
			zap.Error(err))
	}
}
