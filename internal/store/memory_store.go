package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	perrors "github.com/devrev/riptide-persistence/internal/errors"
	"github.com/devrev/riptide-persistence/internal/model"
	"go.uber.org/zap"
)

// MemoryStore implements Backend in process. It backs tests and single-node runs.
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[string]*memoryItem
	keys   KeySpace
	nodeID string
	now    func() time.Time
	logger *zap.Logger

	subMu sync.RWMutex
	subs  map[*memorySubscription]struct{}

	closed   bool
	stopChan chan struct{}
	stopOnce sync.Once
	peerOf   *MemoryStore
}

type memoryItem struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

func (i *memoryItem) expired(now time.Time) bool {
	return !i.expiresAt.IsZero() && !now.Before(i.expiresAt)
}

// MemoryOption customises a MemoryStore
type MemoryOption func(*MemoryStore)

// WithClock replaces time.Now, letting tests move lease expiry forward
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// WithCleanupInterval starts a background sweep of expired keys
func WithCleanupInterval(d time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		if d > 0 {
			go s.cleanup(d)
		}
	}
}

// NewMemoryStore creates an in-memory backend
func NewMemoryStore(prefix, nodeID string, logger *zap.Logger, opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		data:     make(map[string]*memoryItem),
		keys:     KeySpace{Prefix: prefix},
		nodeID:   nodeID,
		now:      time.Now,
		logger:   logger,
		subs:     make(map[*memorySubscription]struct{}),
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Peer returns a store sharing data and pub/sub with s but publishing as another node
func (s *MemoryStore) Peer(nodeID string) *MemoryStore {
	return &MemoryStore{
		data:     s.data,
		keys:     s.keys,
		nodeID:   nodeID,
		now:      s.now,
		logger:   s.logger,
		subs:     s.subs,
		stopChan: make(chan struct{}),
		peerOf:   s,
	}
}

func (s *MemoryStore) root() *MemoryStore {
	if s.peerOf != nil {
		return s.peerOf
	}
	return s
}

func (s *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

func (s *MemoryStore) checkCtx(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return perrors.NewPersistenceError(perrors.ErrCodeTimeout, "memory store operation canceled", err)
	}
	r := s.root()
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return perrors.Connection("memory store closed", ErrClosed)
	}
	return nil
}

// getLocked returns a live item; callers hold at least the read lock
func (s *MemoryStore) getLocked(key string) (*memoryItem, bool) {
	item, ok := s.root().data[key]
	if !ok || item.expired(s.now()) {
		return nil, false
	}
	return item, true
}

// Get retrieves a value
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := s.checkCtx(ctx); err != nil {
		return nil, err
	}
	r := s.root()
	r.mu.RLock()
	defer r.mu.RUnlock()

	item, ok := s.getLocked(key)
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), item.value...), nil
}

// Set stores a value with TTL
func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.checkCtx(ctx); err != nil {
		return err
	}
	r := s.root()
	r.mu.Lock()
	defer r.mu.Unlock()

	r.data[key] = &memoryItem{value: append([]byte(nil), value...), expiresAt: s.expiry(ttl)}
	return nil
}

// Swap replaces a value and returns the old one
func (s *MemoryStore) Swap(ctx context.Context, key string, value []byte, ttl time.Duration) ([]byte, error) {
	if err := s.checkCtx(ctx); err != nil {
		return nil, err
	}
	r := s.root()
	r.mu.Lock()
	defer r.mu.Unlock()

	var old []byte
	if item, ok := s.getLocked(key); ok {
		old = item.value
	}
	r.data[key] = &memoryItem{value: append([]byte(nil), value...), expiresAt: s.expiry(ttl)}
	return old, nil
}

// GetDelete removes a key and returns what it held
func (s *MemoryStore) GetDelete(ctx context.Context, key string) ([]byte, error) {
	if err := s.checkCtx(ctx); err != nil {
		return nil, err
	}
	r := s.root()
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := s.getLocked(key)
	delete(r.data, key)
	if !ok {
		return nil, nil
	}
	return item.value, nil
}

// Delete removes a key
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := s.checkCtx(ctx); err != nil {
		return err
	}
	r := s.root()
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.data, key)
	return nil
}

// Expire refreshes a key TTL
func (s *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.checkCtx(ctx); err != nil {
		return err
	}
	r := s.root()
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := s.getLocked(key)
	if !ok {
		return ErrNotFound
	}
	item.expiresAt = s.expiry(ttl)
	return nil
}

// TTL returns the remaining lifetime of a key; zero means no expiry
func (s *MemoryStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	if err := s.checkCtx(ctx); err != nil {
		return 0, err
	}
	r := s.root()
	r.mu.RLock()
	defer r.mu.RUnlock()

	item, ok := s.getLocked(key)
	if !ok {
		return 0, ErrNotFound
	}
	if item.expiresAt.IsZero() {
		return 0, nil
	}
	return item.expiresAt.Sub(s.now()), nil
}

// GetBatch reads several keys
func (s *MemoryStore) GetBatch(ctx context.Context, keys []string) ([]KeyResult, error) {
	if err := s.checkCtx(ctx); err != nil {
		return nil, err
	}
	r := s.root()
	r.mu.RLock()
	defer r.mu.RUnlock()

	results := make([]KeyResult, len(keys))
	for i, key := range keys {
		results[i].Key = key
		if item, ok := s.getLocked(key); ok {
			results[i].Value = append([]byte(nil), item.value...)
			results[i].Found = true
		}
	}
	return results, nil
}

// SetBatch writes several keys
func (s *MemoryStore) SetBatch(ctx context.Context, entries []KeyValue) ([]error, error) {
	if err := s.checkCtx(ctx); err != nil {
		return nil, err
	}
	r := s.root()
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range entries {
		r.data[e.Key] = &memoryItem{value: append([]byte(nil), e.Value...), expiresAt: s.expiry(e.TTL)}
	}
	return make([]error, len(entries)), nil
}

// Ping reports whether the store is open
func (s *MemoryStore) Ping(ctx context.Context) error {
	return s.checkCtx(ctx)
}

// HealthCheck reports whether the store is open
func (s *MemoryStore) HealthCheck(ctx context.Context) error {
	return s.checkCtx(ctx)
}

// NodeID returns the id this store publishes under
func (s *MemoryStore) NodeID() string {
	return s.nodeID
}

// Close stops the cleanup sweep and closes every subscription
func (s *MemoryStore) Close() error {
	r := s.root()
	r.stopOnce.Do(func() {
		close(r.stopChan)

		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()

		r.subMu.Lock()
		for sub := range r.subs {
			sub.closeLocked()
			delete(r.subs, sub)
		}
		r.subMu.Unlock()
	})
	return nil
}

// Publish delivers payload to every subscription whose pattern matches channel.
// Slow subscribers drop events; delivery is at most once.
func (s *MemoryStore) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := s.checkCtx(ctx); err != nil {
		return err
	}
	event := model.CoordinationEvent{Channel: channel, Payload: append([]byte(nil), payload...), NodeID: s.nodeID}

	r := s.root()
	r.subMu.RLock()
	defer r.subMu.RUnlock()

	for sub := range r.subs {
		if !MatchPattern(sub.pattern, channel) {
			continue
		}
		select {
		case sub.events <- event:
		default:
			s.logger.Warn("Dropping coordination event, subscriber is slow",
				zap.String("channel", channel))
		}
	}
	return nil
}

// Subscribe opens a pattern subscription
func (s *MemoryStore) Subscribe(ctx context.Context, pattern string) (Subscription, error) {
	if err := s.checkCtx(ctx); err != nil {
		return nil, err
	}
	r := s.root()
	sub := &memorySubscription{
		pattern: pattern,
		events:  make(chan model.CoordinationEvent, 256),
		owner:   r,
	}

	r.subMu.Lock()
	r.subs[sub] = struct{}{}
	r.subMu.Unlock()
	return sub, nil
}

type memorySubscription struct {
	pattern string
	events  chan model.CoordinationEvent
	owner   *MemoryStore
	closed  bool
}

func (m *memorySubscription) Events() <-chan model.CoordinationEvent {
	return m.events
}

func (m *memorySubscription) Close() error {
	m.owner.subMu.Lock()
	defer m.owner.subMu.Unlock()
	if _, ok := m.owner.subs[m]; ok {
		delete(m.owner.subs, m)
		m.closeLocked()
	}
	return nil
}

func (m *memorySubscription) closeLocked() {
	if !m.closed {
		m.closed = true
		close(m.events)
	}
}

// Keys returns live keys matching pattern in sorted order
func (s *MemoryStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	if err := s.checkCtx(ctx); err != nil {
		return nil, err
	}
	r := s.root()
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := s.now()
	var keys []string
	for k, item := range r.data {
		if item.expired(now) {
			continue
		}
		if MatchPattern(pattern, k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// DeleteMany removes keys and returns how many existed
func (s *MemoryStore) DeleteMany(ctx context.Context, keys []string) (int64, error) {
	if err := s.checkCtx(ctx); err != nil {
		return 0, err
	}
	r := s.root()
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for _, k := range keys {
		if _, ok := s.getLocked(k); ok {
			n++
		}
		delete(r.data, k)
	}
	return n, nil
}

// RegisterNode writes node metadata and a heartbeat, both leased for ttl
func (s *MemoryStore) RegisterNode(ctx context.Context, nodeID string, metadata map[string]string, ttl time.Duration) error {
	if err := s.checkCtx(ctx); err != nil {
		return err
	}
	now := s.now().UTC()
	info, err := json.Marshal(model.NodeInfo{NodeID: nodeID, Metadata: metadata, RegisteredAt: now})
	if err != nil {
		return perrors.Serialization("failed to encode node metadata", err)
	}

	r := s.root()
	r.mu.Lock()
	defer r.mu.Unlock()

	r.data[s.keys.NodeKey(nodeID)] = &memoryItem{value: info, expiresAt: s.expiry(ttl)}
	r.data[s.keys.HeartbeatKey(nodeID)] = &memoryItem{value: []byte(strconv.FormatInt(now.UnixMilli(), 10)), expiresAt: s.expiry(ttl)}
	return nil
}

// Heartbeat extends the node lease
func (s *MemoryStore) Heartbeat(ctx context.Context, nodeID string, ttl time.Duration) error {
	if err := s.checkCtx(ctx); err != nil {
		return err
	}
	r := s.root()
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := s.getLocked(s.keys.NodeKey(nodeID))
	if !ok {
		return perrors.Coordination(fmt.Sprintf("node %s is not registered", nodeID), ErrNotFound)
	}
	node.expiresAt = s.expiry(ttl)
	r.data[s.keys.HeartbeatKey(nodeID)] = &memoryItem{
		value:     []byte(strconv.FormatInt(s.now().UnixMilli(), 10)),
		expiresAt: s.expiry(ttl),
	}
	return nil
}

// ListNodes returns nodes whose heartbeat lease is live
func (s *MemoryStore) ListNodes(ctx context.Context) ([]model.NodeInfo, error) {
	hbKeys, err := s.Keys(ctx, s.keys.HeartbeatPattern())
	if err != nil {
		return nil, err
	}

	r := s.root()
	r.mu.RLock()
	defer r.mu.RUnlock()

	nodes := make([]model.NodeInfo, 0, len(hbKeys))
	for _, k := range hbKeys {
		id, ok := s.keys.NodeIDFromHeartbeatKey(k)
		if !ok {
			continue
		}
		beat, ok := s.getLocked(k)
		if !ok {
			continue
		}
		info := model.NodeInfo{NodeID: id}
		if raw, ok := s.getLocked(s.keys.NodeKey(id)); ok {
			if err := json.Unmarshal(raw.value, &info); err != nil {
				continue
			}
		}
		if ms, err := strconv.ParseInt(string(beat.value), 10, 64); err == nil {
			info.LastHeartbeat = time.UnixMilli(ms).UTC()
		}
		nodes = append(nodes, info)
	}
	return nodes, nil
}

// UnregisterNode removes a node's registration
func (s *MemoryStore) UnregisterNode(ctx context.Context, nodeID string) error {
	_, err := s.DeleteMany(ctx, []string{s.keys.NodeKey(nodeID), s.keys.HeartbeatKey(nodeID)})
	return err
}

// TryAcquireLeadership claims the lease when free or already held by nodeID
func (s *MemoryStore) TryAcquireLeadership(ctx context.Context, nodeID string, ttl time.Duration) (bool, error) {
	if err := s.checkCtx(ctx); err != nil {
		return false, err
	}
	r := s.root()
	r.mu.Lock()
	defer r.mu.Unlock()

	key := s.keys.LeaderKey()
	if item, ok := s.getLocked(key); ok && string(item.value) != nodeID {
		return false, nil
	}
	r.data[key] = &memoryItem{value: []byte(nodeID), expiresAt: s.expiry(ttl)}
	return true, nil
}

// ReleaseLeadership gives up the lease if nodeID holds it
func (s *MemoryStore) ReleaseLeadership(ctx context.Context, nodeID string) error {
	if err := s.checkCtx(ctx); err != nil {
		return err
	}
	r := s.root()
	r.mu.Lock()
	defer r.mu.Unlock()

	key := s.keys.LeaderKey()
	if item, ok := s.getLocked(key); ok && string(item.value) == nodeID {
		delete(r.data, key)
	}
	return nil
}

// GetLeader returns the current lease holder, or "" when none
func (s *MemoryStore) GetLeader(ctx context.Context) (string, error) {
	if err := s.checkCtx(ctx); err != nil {
		return "", err
	}
	r := s.root()
	r.mu.RLock()
	defer r.mu.RUnlock()

	if item, ok := s.getLocked(s.keys.LeaderKey()); ok {
		return string(item.value), nil
	}
	return "", nil
}

// cleanup periodically removes expired entries
func (s *MemoryStore) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			now := s.now()
			for key, item := range s.data {
				if item.expired(now) {
					delete(s.data, key)
				}
			}
			s.mu.Unlock()
		case <-s.stopChan:
			return
		}
	}
}

// Len returns the number of live keys
func (s *MemoryStore) Len() int {
	r := s.root()
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := s.now()
	n := 0
	for _, item := range r.data {
		if !item.expired(now) {
			n++
		}
	}
	return n
}
