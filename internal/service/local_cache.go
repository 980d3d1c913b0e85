package service

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// LocalCache is an in-process near-cache of verified payloads with adaptive LRU/LFU eviction.
// Entries are dropped on local writes and on peer invalidations.
type LocalCache struct {
	config          LocalCacheConfig
	entries         map[string]*localEntry
	logger          *zap.Logger
	mu              sync.RWMutex
	currentSize     int64
	frequencyWeight float64
	recencyWeight   float64
	now             func() time.Time
}

// LocalCacheConfig holds near-cache configuration
type LocalCacheConfig struct {
	MaxSize         int64
	FrequencyWeight float64
	RecencyWeight   float64
	AdaptiveWindow  time.Duration
}

type localEntry struct {
	key         string
	value       []byte
	expiresAt   time.Time
	accessCount int64
	lastAccess  time.Time
	score       float64
}

// per-entry bookkeeping overhead
const localEntryOverhead = 64

func (e *localEntry) size() int64 {
	return int64(len(e.key) + len(e.value) + localEntryOverhead)
}

// NewLocalCache creates a near-cache; MaxSize <= 0 disables it
func NewLocalCache(cfg LocalCacheConfig, logger *zap.Logger) *LocalCache {
	if cfg.FrequencyWeight == 0 && cfg.RecencyWeight == 0 {
		cfg.FrequencyWeight, cfg.RecencyWeight = 0.5, 0.5
	}
	if cfg.AdaptiveWindow <= 0 {
		cfg.AdaptiveWindow = time.Minute
	}
	return &LocalCache{
		config:          cfg,
		entries:         make(map[string]*localEntry),
		logger:          logger,
		frequencyWeight: cfg.FrequencyWeight,
		recencyWeight:   cfg.RecencyWeight,
		now:             time.Now,
	}
}

// Enabled reports whether the near-cache stores anything
func (c *LocalCache) Enabled() bool {
	return c.config.MaxSize > 0
}

// Get returns a live payload
func (c *LocalCache) Get(key string) ([]byte, bool) {
	if !c.Enabled() {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, found := c.entries[key]
	if !found {
		return nil, false
	}
	now := c.now()
	if !entry.expiresAt.IsZero() && !now.Before(entry.expiresAt) {
		c.removeLocked(entry)
		return nil, false
	}

	entry.accessCount++
	entry.lastAccess = now
	entry.score = c.calculateScore(entry, now)
	return entry.value, true
}

// Put stores a payload until expiresAt; zero means no local expiry
func (c *LocalCache) Put(key string, value []byte, expiresAt time.Time) {
	if !c.Enabled() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if existing, found := c.entries[key]; found {
		c.currentSize -= existing.size()
		existing.value = value
		existing.expiresAt = expiresAt
		existing.accessCount++
		existing.lastAccess = now
		existing.score = c.calculateScore(existing, now)
		c.currentSize += existing.size()
		return
	}

	entry := &localEntry{
		key:         key,
		value:       value,
		expiresAt:   expiresAt,
		accessCount: 1,
		lastAccess:  now,
	}
	if entry.size() > c.config.MaxSize {
		return
	}
	for c.currentSize+entry.size() > c.config.MaxSize && len(c.entries) > 0 {
		c.evictLowestScore()
	}
	entry.score = c.calculateScore(entry, now)

	c.entries[key] = entry
	c.currentSize += entry.size()
}

// Remove drops a key
func (c *LocalCache) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, found := c.entries[key]; found {
		c.removeLocked(entry)
	}
}

// RemoveMatching drops every key accepted by match and returns how many went
func (c *LocalCache) RemoveMatching(match func(key string) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for key, entry := range c.entries {
		if match(key) {
			c.removeLocked(entry)
			n++
		}
	}
	return n
}

func (c *LocalCache) removeLocked(entry *localEntry) {
	delete(c.entries, entry.key)
	c.currentSize -= entry.size()
}

// calculateScore computes adaptive score for eviction (higher is better)
func (c *LocalCache) calculateScore(entry *localEntry, now time.Time) float64 {
	frequencyScore := float64(entry.accessCount)
	recencyScore := now.Sub(entry.lastAccess).Seconds()
	return c.frequencyWeight*frequencyScore - c.recencyWeight*recencyScore
}

// evictLowestScore evicts the entry with lowest score
func (c *LocalCache) evictLowestScore() {
	var lowest *localEntry
	for _, entry := range c.entries {
		if lowest == nil || entry.score < lowest.score {
			lowest = entry
		}
	}
	if lowest == nil {
		return
	}

	c.removeLocked(lowest)
	c.logger.Debug("Evicted local cache entry",
		zap.String("key", lowest.key),
		zap.Float64("score", lowest.score))
}

// AdjustWeights shifts between LRU and LFU behaviour based on how hot the working set is
func (c *LocalCache) AdjustWeights() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) == 0 {
		return
	}

	now := c.now()
	recentThreshold := now.Add(-c.config.AdaptiveWindow)
	var recentAccesses int
	for _, entry := range c.entries {
		if entry.lastAccess.After(recentThreshold) {
			recentAccesses++
		}
	}

	hotnessRatio := float64(recentAccesses) / float64(len(c.entries))
	switch {
	case hotnessRatio > 0.7:
		c.recencyWeight, c.frequencyWeight = 0.7, 0.3
	case hotnessRatio < 0.3:
		c.recencyWeight, c.frequencyWeight = 0.3, 0.7
	default:
		c.recencyWeight, c.frequencyWeight = 0.5, 0.5
	}

	for _, entry := range c.entries {
		entry.score = c.calculateScore(entry, now)
	}

	c.logger.Debug("Adjusted local cache weights",
		zap.Float64("recency_weight", c.recencyWeight),
		zap.Float64("frequency_weight", c.frequencyWeight),
		zap.Float64("hotness_ratio", hotnessRatio))
}

// Clear drops everything
func (c *LocalCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*localEntry)
	c.currentSize = 0
}

// Stats returns entry count and bytes held
func (c *LocalCache) Stats() (entries int, bytes int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries), c.currentSize
}
