package plan

import (
	"math"
)

// Chunk size bounds. Sizes are always powers of two so provider part
// boundaries stay aligned across re-plans.
const (
	MinChunkSize = 256 * 1024
	MaxChunkSize = 16 * 1024 * 1024

	baseChunkSize = 1024 * 1024
)

// ProposeChunkSize maps the current network diagnostics to a chunk size.
// Faster links get bigger chunks; high latency also pushes the size up so
// fewer round trips are paid. The result is clamped to
// [MinChunkSize, MaxChunkSize] and rounded to the nearest power of two.
func ProposeChunkSize(speedBPS, latencyMS float64, fileSize int64) int64 {
	speedFactor := speedBPS / float64(1024*1024)
	if speedFactor > 8 {
		speedFactor = 8
	}
	latencyFactor := latencyMS / 100
	if latencyFactor > 4 {
		latencyFactor = 4
	}

	candidate := baseChunkSize * speedFactor * (1 + latencyFactor)

	// A chunk larger than the file itself buys nothing.
	if fileSize > 0 && candidate > float64(fileSize) {
		candidate = float64(fileSize)
	}
	if candidate < MinChunkSize {
		candidate = MinChunkSize
	}
	if candidate > MaxChunkSize {
		candidate = MaxChunkSize
	}

	size := int64(math.Exp2(math.Round(math.Log2(candidate))))
	if size < MinChunkSize {
		size = MinChunkSize
	}
	if size > MaxChunkSize {
		size = MaxChunkSize
	}
	return size
}

// IsValidChunkSize reports whether size is a power of two within the
// supported bounds.
func IsValidChunkSize(size int64) bool {
	return size >= MinChunkSize && size <= MaxChunkSize && size&(size-1) == 0
}
