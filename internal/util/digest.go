package util

import (
	"crypto/sha256"
	"encoding/hex"
)

// ContentDigest returns the hex SHA-256 digest of data
func ContentDigest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ShortDigest returns the first n hex characters of the SHA-256 digest of s
func ShortDigest(s string, n int) string {
	d := ContentDigest([]byte(s))
	if n <= 0 || n >= len(d) {
		return d
	}
	return d[:n]
}
