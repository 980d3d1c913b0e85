package util

import (
	"fmt"
	"sync"

	"github.com/devrev/riptide-persistence/internal/model"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

// EncodeAll and DecodeAll are safe for concurrent use, so one pair serves the process
func zstdCodec() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBestCompression))
		if zstdErr != nil {
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil)
	})
	return zstdEncoder, zstdDecoder, zstdErr
}

// Compress encodes data with the given algorithm
func Compress(alg model.CompressionAlgorithm, data []byte) ([]byte, error) {
	switch alg {
	case model.CompressionNone:
		return data, nil
	case model.CompressionFast:
		return s2.Encode(nil, data), nil
	case model.CompressionHighRatio:
		enc, _, err := zstdCodec()
		if err != nil {
			return nil, fmt.Errorf("failed to initialize zstd: %w", err)
		}
		return enc.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
	default:
		return nil, fmt.Errorf("unknown compression algorithm %q", alg)
	}
}

// Decompress reverses Compress
func Decompress(alg model.CompressionAlgorithm, data []byte) ([]byte, error) {
	switch alg {
	case model.CompressionNone, "":
		return data, nil
	case model.CompressionFast:
		return s2.Decode(nil, data)
	case model.CompressionHighRatio:
		_, dec, err := zstdCodec()
		if err != nil {
			return nil, fmt.Errorf("failed to initialize zstd: %w", err)
		}
		return dec.DecodeAll(data, nil)
	default:
		return nil, fmt.Errorf("unknown compression algorithm %q", alg)
	}
}

// CompressionPolicy decides whether a payload is worth compressing
type CompressionPolicy struct {
	Algorithm model.CompressionAlgorithm
	// Threshold is the minimum payload size, in bytes, considered for compression
	Threshold int
	// MinGain is the fraction the compressed form must save, e.g. 0.1 for 10%
	MinGain float64
}

// Apply returns the bytes to store and the algorithm tag that describes them.
// Payloads at or under the threshold, or that do not shrink by MinGain, are stored as-is.
func (p CompressionPolicy) Apply(data []byte) ([]byte, model.CompressionAlgorithm, error) {
	if p.Algorithm == model.CompressionNone || p.Algorithm == "" || len(data) <= p.Threshold {
		return data, model.CompressionNone, nil
	}

	compressed, err := Compress(p.Algorithm, data)
	if err != nil {
		return nil, model.CompressionNone, err
	}

	if float64(len(compressed)) >= float64(len(data))*(1-p.MinGain) {
		return data, model.CompressionNone, nil
	}
	return compressed, p.Algorithm, nil
}
