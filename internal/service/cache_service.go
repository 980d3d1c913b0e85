package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/devrev/riptide-persistence/internal/config"
	perrors "github.com/devrev/riptide-persistence/internal/errors"
	"github.com/devrev/riptide-persistence/internal/logging"
	"github.com/devrev/riptide-persistence/internal/metrics"
	"github.com/devrev/riptide-persistence/internal/model"
	"github.com/devrev/riptide-persistence/internal/store"
	"github.com/devrev/riptide-persistence/internal/tracing"
	"github.com/devrev/riptide-persistence/internal/util"
	"github.com/devrev/riptide-persistence/internal/util/workerpool"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Invalidator tells peer nodes that cached keys changed
type Invalidator interface {
	Publish(ctx context.Context, msg model.InvalidationMessage) error
}

// SetResult reports the logical payload size written and the size it replaced
type SetResult struct {
	Size         int64
	PreviousSize int64
	Compression  model.CompressionAlgorithm
}

// BatchGetResult is one key of a batch read
type BatchGetResult struct {
	Key   string
	Value []byte
	Found bool
	Err   error
}

// BatchSetEntry is one key of a batch write
type BatchSetEntry struct {
	Key   string
	Value []byte
	TTL   time.Duration
}

// BatchSetResult is the outcome of one batch write
type BatchSetResult struct {
	Key  string
	Size int64
	Err  error
}

// InvalidateResult reports what a pattern invalidation removed
type InvalidateResult struct {
	Keys  int64
	Bytes int64
}

// cacheSettings is the hot-reloadable part of the cache configuration
type cacheSettings struct {
	prefix        string
	version       string
	defaultTTL    time.Duration
	policy        util.CompressionPolicy
	slowThreshold time.Duration
	maxEntryBytes int64
}

func newCacheSettings(cfg config.CacheConfig) *cacheSettings {
	return &cacheSettings{
		prefix:     cfg.KeyPrefix,
		version:    cfg.Version,
		defaultTTL: cfg.DefaultTTL,
		policy: util.CompressionPolicy{
			Algorithm: model.CompressionAlgorithm(cfg.CompressionAlgorithm),
			Threshold: cfg.CompressionThreshold,
			MinGain:   cfg.CompressionMinGain,
		},
		slowThreshold: cfg.SlowOpThreshold,
		maxEntryBytes: cfg.MaxEntryBytes,
	}
}

// CacheService is the TTL artifact cache with integrity verification and compression.
// It does not retry backing store calls; callers own retry policy.
type CacheService struct {
	kv          store.KVStore
	coord       store.Coordinator
	invalidator Invalidator
	local       *LocalCache
	pool        *workerpool.WorkerPool
	settings    atomic.Pointer[cacheSettings]
	metrics     *metrics.Metrics
	tracer      tracing.SpanManager
	logger      *zap.Logger
	timeout     time.Duration
	now         func() time.Time

	hits             atomic.Uint64
	misses           atomic.Uint64
	sets             atomic.Uint64
	deletes          atomic.Uint64
	slowOps          atomic.Uint64
	integrityErrors  atomic.Uint64
	compressedWrites atomic.Uint64
	bytesSaved       atomic.Int64
}

// CacheDeps are the collaborators of a CacheService
type CacheDeps struct {
	KV          store.KVStore
	Coordinator store.Coordinator
	// Invalidator is optional; without it peers are not notified
	Invalidator Invalidator
	Local       *LocalCache
	Pool        *workerpool.WorkerPool
	Metrics     *metrics.Metrics
	Tracer      tracing.SpanManager
	Logger      *zap.Logger
	// Timeout bounds each backing store call; expiry surfaces as a Timeout error
	Timeout time.Duration
}

// NewCacheService creates a cache service
func NewCacheService(cfg config.CacheConfig, deps CacheDeps) *CacheService {
	if deps.Local == nil {
		deps.Local = NewLocalCache(LocalCacheConfig{}, deps.Logger)
	}
	if deps.Tracer == nil {
		deps.Tracer = tracing.Noop()
	}
	s := &CacheService{
		kv:          deps.KV,
		coord:       deps.Coordinator,
		invalidator: deps.Invalidator,
		local:       deps.Local,
		pool:        deps.Pool,
		metrics:     deps.Metrics,
		tracer:      deps.Tracer,
		logger:      deps.Logger,
		timeout:     deps.Timeout,
		now:         time.Now,
	}
	s.settings.Store(newCacheSettings(cfg))
	return s
}

// ApplyConfig swaps in reloaded cache settings
func (s *CacheService) ApplyConfig(cfg config.CacheConfig) {
	s.settings.Store(newCacheSettings(cfg))
	s.logger.Info("Applied cache configuration",
		zap.Duration("default_ttl", cfg.DefaultTTL),
		zap.String("compression", cfg.CompressionAlgorithm),
		zap.Int("compression_threshold", cfg.CompressionThreshold))
}

// Key builds the storage key <prefix>:<namespace>:v<version>:<digest16> for a caller key
func (s *CacheService) Key(namespace, key string) string {
	st := s.settings.Load()
	return fmt.Sprintf("%s:%s:v%s:%s", st.prefix, namespace, st.version, util.ShortDigest(key, 16))
}

// NamespacePattern matches every key of a namespace
func (s *CacheService) NamespacePattern(namespace string) string {
	return fmt.Sprintf("%s:%s:*", s.settings.Load().prefix, namespace)
}

// Get returns the payload stored under key. A miss is (nil, false, nil).
// Envelopes read from the backing store are verified; a near-cache hit returns the
// payload that was verified or written when it was cached.
func (s *CacheService) Get(ctx context.Context, key string) (value []byte, found bool, err error) {
	ctx, span := s.tracer.Start(ctx, "cache", "get", attribute.String("cache.key", key))
	start := time.Now()
	defer func() {
		s.observe("get", key, start)
		s.tracer.End(span, err)
	}()
	ctx, cancel := withOperationTimeout(ctx, s.timeout)
	defer cancel()

	if v, ok := s.local.Get(key); ok {
		s.recordHit()
		return v, true, nil
	}

	raw, err := s.kv.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		s.recordMiss()
		return nil, false, nil
	}
	if err != nil {
		return nil, false, s.backendError(ctx, "cache get failed", key, err)
	}

	entry, payload, err := s.open(ctx, key, raw)
	if err != nil {
		return nil, false, err
	}
	if entry == nil {
		s.recordMiss()
		return nil, false, nil
	}

	s.local.Put(key, payload, s.localExpiry(entry))
	s.recordHit()
	return payload, true, nil
}

// open decodes and verifies an envelope read from the backing store.
// An expired entry yields (nil, nil, nil); an envelope that no longer decodes is corrupt.
func (s *CacheService) open(ctx context.Context, key string, raw []byte) (*model.CacheEntry, []byte, error) {
	entry, err := model.DecodeCacheEntry(raw)
	if err != nil {
		return nil, nil, s.integrityFailure(ctx, key, "unknown", "undecodable", err)
	}
	if entry.Expired(s.now()) {
		return nil, nil, nil
	}

	payload := entry.Data
	if entry.Compression != model.CompressionNone && entry.Compression != "" {
		payload, err = util.Decompress(entry.Compression, entry.Data)
		if err != nil {
			return nil, nil, s.integrityFailure(ctx, key, entry.Digest, "undecodable", err)
		}
	}

	if actual := util.ContentDigest(payload); actual != entry.Digest || int64(len(payload)) != entry.Size {
		return nil, nil, s.integrityFailure(ctx, key, entry.Digest, actual, nil)
	}
	return entry, payload, nil
}

// backendError classifies a failed backing store call; an expired operation is a Timeout
func (s *CacheService) backendError(ctx context.Context, msg, key string, err error) error {
	if cerr := ctxErr(ctx); cerr != nil {
		s.metrics.CacheErrorsTotal.WithLabelValues("timeout").Inc()
		return cerr
	}
	s.metrics.CacheErrorsTotal.WithLabelValues("backend").Inc()
	pe := perrors.Cache(msg, err)
	if key != "" {
		pe = pe.WithDetail("key", key)
	}
	return pe
}

// integrityFailure evicts the entry and reports the violation
func (s *CacheService) integrityFailure(ctx context.Context, key, expected, actual string, cause error) error {
	s.integrityErrors.Add(1)
	s.metrics.CacheIntegrityErrorsTotal.Inc()
	s.local.Remove(key)

	fields := append(logging.Integrity("cache entry "+key),
		zap.String("expected_digest", expected),
		zap.String("actual_digest", actual))
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	s.logger.Error("Cache entry failed integrity check, evicting", fields...)

	if err := s.kv.Delete(ctx, key); err != nil {
		s.logger.Warn("Failed to evict corrupted cache entry", zap.String("key", key), zap.Error(err))
	}

	pe := perrors.DataIntegrity("cache entry "+key, expected, actual)
	pe.Cause = cause
	return pe
}

// Set stores value under key for ttl; ttl <= 0 uses the default
func (s *CacheService) Set(ctx context.Context, key string, value []byte, ttl time.Duration) (result SetResult, err error) {
	ctx, span := s.tracer.Start(ctx, "cache", "set",
		attribute.String("cache.key", key),
		attribute.Int("cache.size", len(value)))
	start := time.Now()
	defer func() {
		s.observe("set", key, start)
		s.tracer.End(span, err)
	}()
	ctx, cancel := withOperationTimeout(ctx, s.timeout)
	defer cancel()

	st := s.settings.Load()
	if ttl <= 0 {
		ttl = st.defaultTTL
	}

	raw, entry, err := s.seal(st, key, value, ttl)
	if err != nil {
		return SetResult{}, err
	}

	old, err := s.kv.Swap(ctx, key, raw, ttl)
	if err != nil {
		return SetResult{}, s.backendError(ctx, "cache set failed", key, err)
	}

	s.local.Put(key, value, s.localExpiry(entry))
	s.sets.Add(1)
	s.metrics.CacheSetsTotal.Inc()
	s.metrics.CacheEntryBytes.Observe(float64(entry.Size))
	s.notify(ctx, model.InvalidationMessage{Keys: []string{key}})

	return SetResult{
		Size:         entry.Size,
		PreviousSize: s.storedSize(key, old),
		Compression:  entry.Compression,
	}, nil
}

// seal builds and encodes the envelope for value
func (s *CacheService) seal(st *cacheSettings, key string, value []byte, ttl time.Duration) ([]byte, *model.CacheEntry, error) {
	if st.maxEntryBytes > 0 && int64(len(value)) > st.maxEntryBytes {
		return nil, nil, perrors.InvalidArgument(
			fmt.Sprintf("cache entry of %d bytes exceeds limit %d", len(value), st.maxEntryBytes), nil).
			WithDetail("key", key)
	}

	data, alg, err := st.policy.Apply(value)
	if err != nil {
		s.metrics.CacheErrorsTotal.WithLabelValues("compression").Inc()
		return nil, nil, perrors.Compression("failed to compress cache entry", err).WithDetail("key", key)
	}
	if alg != model.CompressionNone {
		s.compressedWrites.Add(1)
		s.bytesSaved.Add(int64(len(value) - len(data)))
		s.metrics.CacheCompressionRatio.Observe(float64(len(data)) / float64(len(value)))
	}

	now := s.now().UTC()
	ttlSeconds := int64(ttl / time.Second)
	if ttl > 0 && ttlSeconds == 0 {
		ttlSeconds = 1
	}
	entry := &model.CacheEntry{
		Data:         data,
		Size:         int64(len(value)),
		CreatedAt:    now,
		LastAccessed: now,
		TTLSeconds:   ttlSeconds,
		Compression:  alg,
		Digest:       util.ContentDigest(value),
	}

	raw, err := entry.Encode()
	if err != nil {
		s.metrics.CacheErrorsTotal.WithLabelValues("serialization").Inc()
		return nil, nil, perrors.Serialization("failed to encode cache entry", err).WithDetail("key", key)
	}
	return raw, entry, nil
}

// storedSize reads the logical size from a raw envelope, 0 when unreadable or absent
func (s *CacheService) storedSize(key string, raw []byte) int64 {
	if raw == nil {
		return 0
	}
	entry, err := model.DecodeCacheEntry(raw)
	if err != nil {
		s.logger.Warn("Replaced cache entry was unreadable", zap.String("key", key), zap.Error(err))
		return 0
	}
	return entry.Size
}

// StoredSizes returns the logical size held under each key, 0 for misses
func (s *CacheService) StoredSizes(ctx context.Context, keys []string) ([]int64, error) {
	results, err := s.kv.GetBatch(ctx, keys)
	if err != nil {
		return nil, s.backendError(ctx, "cache size lookup failed", "", err)
	}
	sizes := make([]int64, len(keys))
	for i, r := range results {
		if r.Found {
			sizes[i] = s.storedSize(r.Key, r.Value)
		}
	}
	return sizes, nil
}

// GetBatch reads keys in one round trip and reports per-key results
func (s *CacheService) GetBatch(ctx context.Context, keys []string) (results []BatchGetResult, err error) {
	ctx, span := s.tracer.Start(ctx, "cache", "get_batch", attribute.Int("cache.keys", len(keys)))
	defer func() { s.tracer.End(span, err) }()
	ctx, cancel := withOperationTimeout(ctx, s.timeout)
	defer cancel()

	results = make([]BatchGetResult, len(keys))
	pending := make([]string, 0, len(keys))
	index := make([]int, 0, len(keys))
	for i, key := range keys {
		results[i].Key = key
		if v, ok := s.local.Get(key); ok {
			results[i].Value, results[i].Found = v, true
			continue
		}
		pending = append(pending, key)
		index = append(index, i)
	}

	if len(pending) > 0 {
		fetched, err := s.kv.GetBatch(ctx, pending)
		if err != nil {
			return nil, s.backendError(ctx, "cache batch get failed", "", err)
		}
		for j, r := range fetched {
			res := &results[index[j]]
			switch {
			case r.Err != nil:
				res.Err = perrors.Cache("cache get failed", r.Err).WithDetail("key", r.Key)
			case r.Found:
				entry, payload, err := s.open(ctx, r.Key, r.Value)
				if err != nil {
					res.Err = err
				} else if entry != nil {
					res.Value, res.Found = payload, true
					s.local.Put(r.Key, payload, s.localExpiry(entry))
				}
			}
		}
	}

	for _, r := range results {
		switch {
		case r.Err != nil:
			s.metrics.CacheBatchKeysTotal.WithLabelValues("get", "error").Inc()
		case r.Found:
			s.recordHit()
			s.metrics.CacheBatchKeysTotal.WithLabelValues("get", "hit").Inc()
		default:
			s.recordMiss()
			s.metrics.CacheBatchKeysTotal.WithLabelValues("get", "miss").Inc()
		}
	}
	return results, nil
}

// SetBatch writes entries in one round trip and reports per-key results
func (s *CacheService) SetBatch(ctx context.Context, entries []BatchSetEntry) (results []BatchSetResult, err error) {
	ctx, span := s.tracer.Start(ctx, "cache", "set_batch", attribute.Int("cache.keys", len(entries)))
	defer func() { s.tracer.End(span, err) }()
	ctx, cancel := withOperationTimeout(ctx, s.timeout)
	defer cancel()

	st := s.settings.Load()
	results = make([]BatchSetResult, len(entries))
	sealed := make([]*model.CacheEntry, len(entries))
	writes := make([]store.KeyValue, 0, len(entries))
	index := make([]int, 0, len(entries))

	for i, e := range entries {
		results[i].Key = e.Key
		ttl := e.TTL
		if ttl <= 0 {
			ttl = st.defaultTTL
		}
		raw, entry, err := s.seal(st, e.Key, e.Value, ttl)
		if err != nil {
			results[i].Err = err
			continue
		}
		sealed[i] = entry
		writes = append(writes, store.KeyValue{Key: e.Key, Value: raw, TTL: ttl})
		index = append(index, i)
	}

	if len(writes) > 0 {
		errs, err := s.kv.SetBatch(ctx, writes)
		if err != nil {
			return nil, s.backendError(ctx, "cache batch set failed", "", err)
		}
		written := make([]string, 0, len(writes))
		for j, werr := range errs {
			i := index[j]
			if werr != nil {
				results[i].Err = perrors.Cache("cache set failed", werr).WithDetail("key", entries[i].Key)
				continue
			}
			results[i].Size = sealed[i].Size
			s.local.Put(entries[i].Key, entries[i].Value, s.localExpiry(sealed[i]))
			s.sets.Add(1)
			s.metrics.CacheSetsTotal.Inc()
			written = append(written, entries[i].Key)
		}
		if len(written) > 0 {
			s.notify(ctx, model.InvalidationMessage{Keys: written})
		}
	}

	for _, r := range results {
		outcome := "ok"
		if r.Err != nil {
			outcome = "error"
		}
		s.metrics.CacheBatchKeysTotal.WithLabelValues("set", outcome).Inc()
	}
	return results, nil
}

// Delete removes key and returns the logical size it held
func (s *CacheService) Delete(ctx context.Context, key string) (freed int64, err error) {
	ctx, span := s.tracer.Start(ctx, "cache", "delete", attribute.String("cache.key", key))
	defer func() { s.tracer.End(span, err) }()
	ctx, cancel := withOperationTimeout(ctx, s.timeout)
	defer cancel()

	old, err := s.kv.GetDelete(ctx, key)
	if err != nil {
		return 0, s.backendError(ctx, "cache delete failed", key, err)
	}
	s.local.Remove(key)

	if old == nil {
		return 0, nil
	}
	s.deletes.Add(1)
	s.metrics.CacheDeletesTotal.Inc()
	s.notify(ctx, model.InvalidationMessage{Keys: []string{key}})
	return s.storedSize(key, old), nil
}

// InvalidatePattern deletes every key matching pattern and tells peers to do the same
func (s *CacheService) InvalidatePattern(ctx context.Context, pattern string) (result InvalidateResult, err error) {
	ctx, span := s.tracer.Start(ctx, "cache", "invalidate_pattern", attribute.String("cache.pattern", pattern))
	defer func() { s.tracer.End(span, err) }()
	ctx, cancel := withOperationTimeout(ctx, s.timeout)
	defer cancel()

	keys, err := s.coord.Keys(ctx, pattern)
	if err != nil {
		if cerr := ctxErr(ctx); cerr != nil {
			return InvalidateResult{}, cerr
		}
		return InvalidateResult{}, perrors.Cache("failed to enumerate keys", err).WithDetail("pattern", pattern)
	}

	if len(keys) > 0 {
		sizes, err := s.StoredSizes(ctx, keys)
		if err != nil {
			return InvalidateResult{}, err
		}
		n, err := s.coord.DeleteMany(ctx, keys)
		if err != nil {
			return InvalidateResult{}, perrors.Cache("failed to delete keys", err).WithDetail("pattern", pattern)
		}
		result.Keys = n
		for _, size := range sizes {
			result.Bytes += size
		}
	}

	s.local.RemoveMatching(func(k string) bool { return store.MatchPattern(pattern, k) })
	s.deletes.Add(uint64(result.Keys))
	s.metrics.CacheInvalidationsTotal.WithLabelValues("local").Inc()
	s.notify(ctx, model.InvalidationMessage{Pattern: pattern})

	s.logger.Info("Invalidated cache pattern",
		zap.String("pattern", pattern),
		zap.Int64("keys", result.Keys),
		zap.Int64("bytes", result.Bytes))
	return result, nil
}

// Clear invalidates every key in a namespace
func (s *CacheService) Clear(ctx context.Context, namespace string) (InvalidateResult, error) {
	return s.InvalidatePattern(ctx, s.NamespacePattern(namespace))
}

// HandleInvalidation applies a peer's invalidation to the local near-cache
func (s *CacheService) HandleInvalidation(msg model.InvalidationMessage) {
	for _, k := range msg.Keys {
		s.local.Remove(k)
	}
	if msg.Pattern != "" {
		s.local.RemoveMatching(func(k string) bool { return store.MatchPattern(msg.Pattern, k) })
	}
	s.metrics.CacheInvalidationsTotal.WithLabelValues("peer").Inc()
}

// Loader computes an artifact for warming
type Loader func(ctx context.Context, key string) ([]byte, error)

// Warm loads and stores every key that is not already cached and returns how many were written
func (s *CacheService) Warm(ctx context.Context, keys []string, ttl time.Duration, load Loader) (int, error) {
	if s.pool == nil {
		return 0, perrors.Configuration("cache warming needs a worker pool", nil)
	}

	var warmed atomic.Int64
	tasks := make([]workerpool.Task, len(keys))
	for i, key := range keys {
		key := key
		tasks[i] = workerpool.Task{
			ID: "warm:" + key,
			Fn: func(ctx context.Context) error {
				if _, found, err := s.Get(ctx, key); err != nil || found {
					return err
				}
				value, err := load(ctx, key)
				if err != nil {
					return fmt.Errorf("failed to load %s: %w", key, err)
				}
				if _, err := s.Set(ctx, key, value, ttl); err != nil {
					return err
				}
				warmed.Add(1)
				return nil
			},
		}
	}

	errs := s.pool.RunAll(ctx, tasks)
	n := int(warmed.Load())
	if err := errors.Join(errs...); err != nil {
		s.logger.Warn("Cache warming finished with errors", zap.Int("warmed", n), zap.Error(err))
		return n, err
	}
	s.logger.Info("Cache warmed", zap.Int("keys", len(keys)), zap.Int("warmed", n))
	return n, nil
}

// Stats returns a snapshot of cache counters
func (s *CacheService) Stats() model.CacheStats {
	hits, misses := s.hits.Load(), s.misses.Load()
	stats := model.CacheStats{
		Hits:             hits,
		Misses:           misses,
		Sets:             s.sets.Load(),
		Deletes:          s.deletes.Load(),
		SlowOperations:   s.slowOps.Load(),
		IntegrityErrors:  s.integrityErrors.Load(),
		CompressedWrites: s.compressedWrites.Load(),
		BytesSaved:       s.bytesSaved.Load(),
	}
	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total)
	}
	stats.LocalEntries, stats.LocalBytes = s.local.Stats()
	return stats
}

// MaintainLocal rebalances and reports the near-cache
func (s *CacheService) MaintainLocal() {
	s.local.AdjustWeights()
	_, bytes := s.local.Stats()
	s.metrics.CacheLocalBytes.Set(float64(bytes))
}

func (s *CacheService) notify(ctx context.Context, msg model.InvalidationMessage) {
	if s.invalidator == nil {
		return
	}
	if err := s.invalidator.Publish(ctx, msg); err != nil {
		s.logger.Warn("Failed to publish cache invalidation",
			zap.Strings("keys", msg.Keys),
			zap.String("pattern", msg.Pattern),
			zap.Error(err))
	}
}

func (s *CacheService) localExpiry(entry *model.CacheEntry) time.Time {
	if entry.TTLSeconds <= 0 {
		return time.Time{}
	}
	return entry.CreatedAt.Add(entry.TTL())
}

func (s *CacheService) recordHit() {
	s.hits.Add(1)
	s.metrics.CacheHitsTotal.Inc()
}

func (s *CacheService) recordMiss() {
	s.misses.Add(1)
	s.metrics.CacheMissesTotal.Inc()
}

// observe times an access; slow accesses are counted and logged, never failed
func (s *CacheService) observe(op, key string, start time.Time) {
	elapsed := time.Since(start)
	switch op {
	case "get":
		s.metrics.CacheGetDuration.Observe(elapsed.Seconds())
	case "set":
		s.metrics.CacheSetDuration.Observe(elapsed.Seconds())
	}

	threshold := s.settings.Load().slowThreshold
	if threshold > 0 && elapsed > threshold {
		s.slowOps.Add(1)
		s.metrics.CacheSlowOperationsTotal.Inc()
		s.logger.Warn("Slow cache operation",
			zap.String("operation", op),
			zap.String("key", key),
			zap.Duration("elapsed", elapsed),
			zap.Duration("target", threshold))
	}
}
