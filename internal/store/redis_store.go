package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	perrors "github.com/devrev/riptide-persistence/internal/errors"
	"github.com/devrev/riptide-persistence/internal/model"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// acquireLeaderScript claims the lease when it is free or already ours
var acquireLeaderScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current == false or current == ARGV[1] then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
	return 1
end
return 0
`)

// releaseLeaderScript deletes the lease only if we still hold it
var releaseLeaderScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// heartbeatScript refreshes the heartbeat only while the node key exists
var heartbeatScript = redis.NewScript(`
if redis.call('PEXPIRE', KEYS[1], ARGV[2]) == 0 then
	return 0
end
redis.call('SET', KEYS[2], ARGV[1], 'PX', ARGV[2])
return 1
`)

const scanBatch = 500

// RedisConfig holds Redis adapter configuration
type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// ChannelPrefix namespaces coordination keys
	ChannelPrefix string
	NodeID        string
}

// RedisStore implements Backend over a pooled go-redis client
type RedisStore struct {
	client *redis.Client
	keys   KeySpace
	nodeID string
	logger *zap.Logger

	closeOnce sync.Once
}

// wireEvent is the pub/sub envelope carrying the publisher id
type wireEvent struct {
	NodeID  string `json:"node_id"`
	Payload []byte `json:"payload"`
}

// NewRedisStore connects to Redis and verifies the connection
func NewRedisStore(cfg RedisConfig, logger *zap.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, perrors.Connection("failed to connect to Redis", err).WithDetail("addr", cfg.Addr)
	}

	logger.Info("Connected to Redis",
		zap.String("addr", cfg.Addr),
		zap.Int("pool_size", cfg.PoolSize))

	return NewRedisStoreWithClient(client, cfg.ChannelPrefix, cfg.NodeID, logger), nil
}

// NewRedisStoreWithClient wraps an existing client
func NewRedisStoreWithClient(client *redis.Client, prefix, nodeID string, logger *zap.Logger) *RedisStore {
	return &RedisStore{
		client: client,
		keys:   KeySpace{Prefix: prefix},
		nodeID: nodeID,
		logger: logger,
	}
}

// classify maps client errors onto the error taxonomy
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return perrors.NewPersistenceError(perrors.ErrCodeTimeout, fmt.Sprintf("redis %s timed out", op), err)
	}
	if errors.Is(err, redis.ErrClosed) {
		return perrors.Connection(fmt.Sprintf("redis %s on closed client", op), ErrClosed)
	}
	return perrors.Connection(fmt.Sprintf("redis %s failed", op), err)
}

// Get retrieves a value
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classify("get", err)
	}
	return data, nil
}

// Set stores a value with TTL; zero TTL means no expiry
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return classify("set", s.client.Set(ctx, key, value, ttl).Err())
}

// Swap atomically replaces a value inside MULTI/EXEC and returns the old one
func (s *RedisStore) Swap(ctx context.Context, key string, value []byte, ttl time.Duration) ([]byte, error) {
	var get *redis.StringCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		get = pipe.Get(ctx, key)
		pipe.Set(ctx, key, value, ttl)
		return nil
	})
	if err != nil && err != redis.Nil {
		return nil, classify("swap", err)
	}

	old, err := get.Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, classify("swap", err)
	}
	return old, nil
}

// GetDelete removes a key and returns what it held
func (s *RedisStore) GetDelete(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.GetDel(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, classify("getdel", err)
	}
	return data, nil
}

// Delete removes a key
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return classify("del", s.client.Del(ctx, key).Err())
}

// Expire refreshes a key TTL
func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ok, err := s.client.Expire(ctx, key, ttl).Result()
	if err != nil {
		return classify("expire", err)
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// TTL returns the remaining lifetime of a key; zero means no expiry
func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := s.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, classify("pttl", err)
	}
	// -2 and -1 come back unscaled: missing key and no expiry
	switch {
	case d == -2:
		return 0, ErrNotFound
	case d < 0:
		return 0, nil
	}
	return d, nil
}

// GetBatch pipelines GETs and returns one result per key
func (s *RedisStore) GetBatch(ctx context.Context, keys []string) ([]KeyResult, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.Get(ctx, key)
	}
	_, execErr := pipe.Exec(ctx)

	results := make([]KeyResult, len(keys))
	failed := 0
	for i, cmd := range cmds {
		results[i].Key = keys[i]
		data, err := cmd.Bytes()
		switch {
		case err == redis.Nil:
		case err != nil:
			results[i].Err = classify("get", err)
			failed++
		default:
			results[i].Value = data
			results[i].Found = true
		}
	}

	if execErr != nil && execErr != redis.Nil && failed == len(keys) {
		return results, classify("pipeline", execErr)
	}
	return results, nil
}

// SetBatch pipelines SETs and returns one error slot per entry
func (s *RedisStore) SetBatch(ctx context.Context, entries []KeyValue) ([]error, error) {
	if len(entries) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StatusCmd, len(entries))
	for i, e := range entries {
		cmds[i] = pipe.Set(ctx, e.Key, e.Value, e.TTL)
	}
	_, execErr := pipe.Exec(ctx)

	errs := make([]error, len(entries))
	failed := 0
	for i, cmd := range cmds {
		if err := cmd.Err(); err != nil {
			errs[i] = classify("set", err)
			failed++
		}
	}

	if execErr != nil && failed == len(entries) {
		return errs, classify("pipeline", execErr)
	}
	return errs, nil
}

// Ping checks the Redis connection
func (s *RedisStore) Ping(ctx context.Context) error {
	return classify("ping", s.client.Ping(ctx).Err())
}

// HealthCheck verifies the backing store answers
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.Ping(ctx)
}

// NodeID returns the id this adapter publishes under
func (s *RedisStore) NodeID() string {
	return s.nodeID
}

// Close closes the Redis client
func (s *RedisStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.client.Close()
	})
	return err
}

// Publish sends payload on channel tagged with this node id
func (s *RedisStore) Publish(ctx context.Context, channel string, payload []byte) error {
	msg, err := json.Marshal(wireEvent{NodeID: s.nodeID, Payload: payload})
	if err != nil {
		return perrors.Serialization("failed to encode coordination event", err)
	}
	return classify("publish", s.client.Publish(ctx, channel, msg).Err())
}

// Subscribe opens a pattern subscription
func (s *RedisStore) Subscribe(ctx context.Context, pattern string) (Subscription, error) {
	ps := s.client.PSubscribe(ctx, pattern)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, classify("psubscribe", err)
	}

	sub := &redisSubscription{
		pubsub: ps,
		events: make(chan model.CoordinationEvent, 256),
		done:   make(chan struct{}),
	}
	go sub.pump(s.logger)
	return sub, nil
}

type redisSubscription struct {
	pubsub    *redis.PubSub
	events    chan model.CoordinationEvent
	done      chan struct{}
	closeOnce sync.Once
}

func (r *redisSubscription) pump(logger *zap.Logger) {
	defer close(r.events)
	ch := r.pubsub.Channel()
	for {
		select {
		case <-r.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			event := model.CoordinationEvent{Channel: msg.Channel}
			var w wireEvent
			if err := json.Unmarshal([]byte(msg.Payload), &w); err == nil {
				event.NodeID = w.NodeID
				event.Payload = w.Payload
			} else {
				event.Payload = []byte(msg.Payload)
			}
			select {
			case r.events <- event:
			case <-r.done:
				return
			default:
				logger.Warn("Dropping coordination event, subscriber is slow",
					zap.String("channel", msg.Channel))
			}
		}
	}
}

func (r *redisSubscription) Events() <-chan model.CoordinationEvent {
	return r.events
}

func (r *redisSubscription) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.done)
		err = r.pubsub.Close()
	})
	return err
}

// Keys enumerates keys matching pattern with SCAN so the server is never blocked
func (s *RedisStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, scanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, classify("scan", err)
	}
	return keys, nil
}

// DeleteMany removes keys in chunks and returns the number deleted
func (s *RedisStore) DeleteMany(ctx context.Context, keys []string) (int64, error) {
	var deleted int64
	for start := 0; start < len(keys); start += scanBatch {
		end := start + scanBatch
		if end > len(keys) {
			end = len(keys)
		}
		n, err := s.client.Del(ctx, keys[start:end]...).Result()
		deleted += n
		if err != nil {
			return deleted, classify("del", err)
		}
	}
	return deleted, nil
}

// RegisterNode writes node metadata and its first heartbeat, both leased for ttl
func (s *RedisStore) RegisterNode(ctx context.Context, nodeID string, metadata map[string]string, ttl time.Duration) error {
	now := time.Now().UTC()
	info, err := json.Marshal(model.NodeInfo{
		NodeID:       nodeID,
		Metadata:     metadata,
		RegisteredAt: now,
	})
	if err != nil {
		return perrors.Serialization("failed to encode node metadata", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.keys.NodeKey(nodeID), info, ttl)
		pipe.Set(ctx, s.keys.HeartbeatKey(nodeID), strconv.FormatInt(now.UnixMilli(), 10), ttl)
		return nil
	})
	return classify("register", err)
}

// Heartbeat extends the node lease. A lapsed registration is reported as a Coordination error.
func (s *RedisStore) Heartbeat(ctx context.Context, nodeID string, ttl time.Duration) error {
	keys := []string{s.keys.NodeKey(nodeID), s.keys.HeartbeatKey(nodeID)}
	n, err := heartbeatScript.Run(ctx, s.client, keys, strconv.FormatInt(time.Now().UnixMilli(), 10), ttl.Milliseconds()).Int()
	if err != nil {
		return classify("heartbeat", err)
	}
	if n == 0 {
		return perrors.Coordination(fmt.Sprintf("node %s is not registered", nodeID), ErrNotFound)
	}
	return nil
}

// ListNodes returns nodes whose heartbeat lease is live
func (s *RedisStore) ListNodes(ctx context.Context) ([]model.NodeInfo, error) {
	hbKeys, err := s.Keys(ctx, s.keys.HeartbeatPattern())
	if err != nil {
		return nil, err
	}
	if len(hbKeys) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(hbKeys))
	lookup := make([]string, 0, len(hbKeys)*2)
	for _, k := range hbKeys {
		id, ok := s.keys.NodeIDFromHeartbeatKey(k)
		if !ok {
			continue
		}
		ids = append(ids, id)
		lookup = append(lookup, s.keys.NodeKey(id), k)
	}

	values, err := s.client.MGet(ctx, lookup...).Result()
	if err != nil {
		return nil, classify("mget", err)
	}

	nodes := make([]model.NodeInfo, 0, len(ids))
	for i, id := range ids {
		raw, _ := values[2*i].(string)
		beat, _ := values[2*i+1].(string)
		if beat == "" {
			// lease lapsed between SCAN and MGET
			continue
		}

		info := model.NodeInfo{NodeID: id}
		if raw != "" {
			if err := json.Unmarshal([]byte(raw), &info); err != nil {
				s.logger.Warn("Skipping node with unreadable metadata", zap.String("node_id", id), zap.Error(err))
				continue
			}
		}
		if ms, err := strconv.ParseInt(beat, 10, 64); err == nil {
			info.LastHeartbeat = time.UnixMilli(ms).UTC()
		}
		nodes = append(nodes, info)
	}
	return nodes, nil
}

// UnregisterNode removes a node's registration immediately
func (s *RedisStore) UnregisterNode(ctx context.Context, nodeID string) error {
	return classify("del", s.client.Del(ctx, s.keys.NodeKey(nodeID), s.keys.HeartbeatKey(nodeID)).Err())
}

// TryAcquireLeadership claims or renews the leader lease
func (s *RedisStore) TryAcquireLeadership(ctx context.Context, nodeID string, ttl time.Duration) (bool, error) {
	n, err := acquireLeaderScript.Run(ctx, s.client, []string{s.keys.LeaderKey()}, nodeID, ttl.Milliseconds()).Int()
	if err != nil {
		return false, classify("acquire leader", err)
	}
	return n == 1, nil
}

// ReleaseLeadership gives up the lease if this node holds it
func (s *RedisStore) ReleaseLeadership(ctx context.Context, nodeID string) error {
	_, err := releaseLeaderScript.Run(ctx, s.client, []string{s.keys.LeaderKey()}, nodeID).Int()
	return classify("release leader", err)
}

// GetLeader returns the current lease holder, or "" when none
func (s *RedisStore) GetLeader(ctx context.Context) (string, error) {
	leader, err := s.client.Get(ctx, s.keys.LeaderKey()).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", classify("get leader", err)
	}
	return leader, nil
}
