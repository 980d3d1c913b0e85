package util

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// ChecksumSize is the length of the CRC32 trailer appended to framed payloads
const ChecksumSize = 4

var crc32Table = crc32.MakeTable(crc32.IEEE)

// ComputeChecksum computes a CRC32 (IEEE) checksum for the given data
func ComputeChecksum(data []byte) uint32 {
	return crc32.Checksum(data, crc32Table)
}

// ValidateChecksum validates data against an expected checksum
func ValidateChecksum(data []byte, expected uint32) bool {
	return ComputeChecksum(data) == expected
}

// FormatChecksum renders a checksum the way it appears in logs and error details
func FormatChecksum(sum uint32) string {
	return fmt.Sprintf("%08x", sum)
}

// AppendChecksum frames data with a little-endian CRC32 trailer.
// Format: [data][checksum (4 bytes)]
func AppendChecksum(data []byte) []byte {
	result := make([]byte, len(data)+ChecksumSize)
	copy(result, data)
	binary.LittleEndian.PutUint32(result[len(data):], ComputeChecksum(data))
	return result
}

// StripChecksum splits a framed payload and verifies its trailer.
// It returns the data, the stored and recomputed checksums, and whether they matched.
func StripChecksum(framed []byte) (data []byte, expected, actual uint32, ok bool) {
	if len(framed) < ChecksumSize {
		return nil, 0, 0, false
	}

	n := len(framed) - ChecksumSize
	data = framed[:n]
	expected = binary.LittleEndian.Uint32(framed[n:])
	actual = ComputeChecksum(data)
	return data, expected, actual, expected == actual
}
