package voxel

import (
	"encoding/binary"
	"fmt"

	"github.com/pierrec/lz4/v3"
)

// CompressForWire takes an inner chunk payload (as produced by
// Chunk.SerializeCompressed) and conditionally LZ4-block-compresses it
// compression is only used when the raw
// size is at least 1024 bytes and the compressed size plus a savings
// margin is no larger than the raw size. It returns the bytes that
// belong in ChunkData.Payload and whether the caller should set the
// compressed flag bit.
func CompressForWire(raw []byte) (payload []byte, compressed bool) {
	if len(raw) < compressionMinSize {
		return raw, false
	}

	bound := lz4.CompressBlockBound(len(raw))
	dst := make([]byte, bound)
	var hashTable [1 << 16]int
	n, err := lz4.CompressBlock(raw, dst, hashTable[:])
	if err != nil || n == 0 {
		return raw, false
	}

	body := dst[:n]
	if len(body)+savingsThreshold(len(raw)) > len(raw) {
		return raw, false
	}

	out := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(out, uint32(len(raw)))
	copy(out[4:], body)
	return out, true
}

// DecompressFromWire reverses CompressForWire. compressed must match
// the ChunkData.flags compressed bit the payload was sent with.
func DecompressFromWire(payload []byte, compressed bool) ([]byte, error) {
	if !compressed {
		return payload, nil
	}
	if len(payload) < 4 {
		return nil, fmt.Errorf("voxel: compressed payload shorter than its size prefix")
	}
	rawLen := binary.LittleEndian.Uint32(payload)
	out := make([]byte, rawLen)
	n, err := lz4.UncompressBlock(payload[4:], out)
	if err != nil {
		return nil, fmt.Errorf("voxel: lz4 block decompress: %w", err)
	}
	return out[:n], nil
}

const compressionMinSize = 1024

// savingsThreshold is max(64 bytes, 8% of raw).
func savingsThreshold(rawLen int) int {
	const minSavings = 64
	pct := rawLen * 8 / 100
	if pct > minSavings {
		return pct
	}
	return minSavings
}
