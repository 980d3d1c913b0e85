package service

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func newTestLocalCache(maxSize int64) (*LocalCache, *time.Time) {
	c := NewLocalCache(LocalCacheConfig{MaxSize: maxSize}, zap.NewNop())
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	return c, &now
}

func TestLocalCacheDisabled(t *testing.T) {
	c := NewLocalCache(LocalCacheConfig{}, zap.NewNop())
	c.Put("k", []byte("v"), time.Time{})

	_, ok := c.Get("k")
	assert.False(t, ok)
	assert.False(t, c.Enabled())
}

func TestLocalCacheExpiry(t *testing.T) {
	c, now := newTestLocalCache(1 << 10)
	c.Put("k", []byte("v"), now.Add(time.Minute))

	v, ok := c.Get("k")
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), v)

	*now = now.Add(2 * time.Minute)
	_, ok = c.Get("k")
	assert.False(t, ok)

	entries, bytes := c.Stats()
	assert.Zero(t, entries)
	assert.Zero(t, bytes)
}

func TestLocalCacheEvictsColdEntries(t *testing.T) {
	// room for two entries of a one-byte key and a ten-byte value
	c, _ := newTestLocalCache(160)
	value := []byte(strings.Repeat("x", 10))

	c.Put("a", value, time.Time{})
	c.Put("b", value, time.Time{})
	c.Get("a")
	c.Get("a")
	c.Put("c", value, time.Time{})

	_, ok := c.Get("a")
	assert.True(t, ok)
	_, ok = c.Get("b")
	assert.False(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
}

func TestLocalCacheSkipsOversizedValues(t *testing.T) {
	c, _ := newTestLocalCache(100)
	c.Put("big", make([]byte, 200), time.Time{})

	entries, _ := c.Stats()
	assert.Zero(t, entries)
}

func TestLocalCacheOverwriteTracksSize(t *testing.T) {
	c, _ := newTestLocalCache(1 << 10)
	c.Put("k", []byte("12345"), time.Time{})
	_, before := c.Stats()

	c.Put("k", []byte("1"), time.Time{})
	_, after := c.Stats()
	assert.Equal(t, before-4, after)
}

func TestLocalCacheRemoveMatching(t *testing.T) {
	c, _ := newTestLocalCache(1 << 10)
	c.Put("riptide:t1:v1:a", []byte("1"), time.Time{})
	c.Put("riptide:t1:v1:b", []byte("2"), time.Time{})
	c.Put("riptide:t2:v1:a", []byte("3"), time.Time{})

	n := c.RemoveMatching(func(k string) bool { return strings.HasPrefix(k, "riptide:t1:") })
	assert.Equal(t, 2, n)

	entries, _ := c.Stats()
	assert.Equal(t, 1, entries)

	c.Clear()
	entries, bytes := c.Stats()
	assert.Zero(t, entries)
	assert.Zero(t, bytes)
}

func TestLocalCacheAdjustWeights(t *testing.T) {
	c, now := newTestLocalCache(1 << 10)
	c.Put("a", []byte("1"), time.Time{})
	c.Put("b", []byte("2"), time.Time{})

	c.AdjustWeights()
	assert.Equal(t, 0.7, c.recencyWeight)
	assert.Equal(t, 0.3, c.frequencyWeight)

	*now = now.Add(time.Hour)
	c.AdjustWeights()
	assert.Equal(t, 0.3, c.recencyWeight)
	assert.Equal(t, 0.7, c.frequencyWeight)
}
