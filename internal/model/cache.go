package model

import (
	"encoding/json"
	"time"
)

// CompressionAlgorithm tags how a cache payload is stored
type CompressionAlgorithm string

const (
	CompressionNone      CompressionAlgorithm = "none"
	CompressionFast      CompressionAlgorithm = "fast"
	CompressionHighRatio CompressionAlgorithm = "high-ratio"
)

// Valid reports whether the tag names a known algorithm
func (c CompressionAlgorithm) Valid() bool {
	switch c {
	case CompressionNone, CompressionFast, CompressionHighRatio:
		return true
	default:
		return false
	}
}

// CacheEntry is the envelope stored in the backing store for every cached artifact.
// Digest is computed over the uncompressed payload.
type CacheEntry struct {
	Data         []byte               `json:"data"`
	Size         int64                `json:"size"`
	CreatedAt    time.Time            `json:"created_at"`
	LastAccessed time.Time            `json:"last_accessed"`
	TTLSeconds   int64                `json:"ttl_seconds"`
	Compression  CompressionAlgorithm `json:"compression"`
	Digest       string               `json:"digest"`
}

// TTL returns the entry time-to-live
func (e *CacheEntry) TTL() time.Duration {
	return time.Duration(e.TTLSeconds) * time.Second
}

// Expired reports whether the entry outlived its TTL at the given instant
func (e *CacheEntry) Expired(now time.Time) bool {
	return e.TTLSeconds > 0 && now.After(e.CreatedAt.Add(e.TTL()))
}

// RemainingTTL returns the time left before expiry, never negative
func (e *CacheEntry) RemainingTTL(now time.Time) time.Duration {
	left := e.CreatedAt.Add(e.TTL()).Sub(now)
	if left < 0 {
		return 0
	}
	return left
}

// Encode serializes the envelope
func (e *CacheEntry) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeCacheEntry parses an envelope previously produced by Encode
func DecodeCacheEntry(raw []byte) (*CacheEntry, error) {
	var entry CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// CacheStats is a point-in-time view of cache counters
type CacheStats struct {
	Hits             uint64  `json:"hits"`
	Misses           uint64  `json:"misses"`
	Sets             uint64  `json:"sets"`
	Deletes          uint64  `json:"deletes"`
	SlowOperations   uint64  `json:"slow_operations"`
	IntegrityErrors  uint64  `json:"integrity_errors"`
	CompressedWrites uint64  `json:"compressed_writes"`
	BytesSaved       int64   `json:"bytes_saved"`
	HitRate          float64 `json:"hit_rate"`
	LocalEntries     int     `json:"local_entries"`
	LocalBytes       int64   `json:"local_bytes"`
}
