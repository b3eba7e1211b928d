// Package plan splits a file into the ordered chunk sequence an upload
// session transfers, and re-plans the untouched tail when the adaptive
// tuner changes the chunk size.
package plan

import (
	"fmt"
)

// ChunkStatus is the per-chunk lifecycle state.
type ChunkStatus int

const (
	// StatusPending means the chunk has not been handed to a worker yet.
	StatusPending ChunkStatus = iota
	// StatusUploading means a worker currently owns the chunk.
	StatusUploading
	// StatusCompleted means the provider acknowledged the chunk.
	StatusCompleted
	// StatusFailed means the chunk permanently failed and is waiting for a
	// manual retry or the session failure threshold.
	StatusFailed
)

func (s ChunkStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusUploading:
		return "uploading"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Chunk is one contiguous byte range of the source file, transferred as a
// single HTTP request. End is exclusive.
type Chunk struct {
	Index    int
	Start    int64
	End      int64
	Size     int64
	IsLast   bool
	Hash     string
	Attempts int
	Status   ChunkStatus
}

// Build returns the ordered chunk sequence covering [0, totalSize).
// An empty file yields exactly one zero-size chunk with IsLast set, so the
// session still runs through initialize and finalize.
func Build(totalSize, chunkSize int64) ([]Chunk, error) {
	if totalSize < 0 {
		return nil, fmt.Errorf("total size must not be negative, got %d", totalSize)
	}
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}

	if totalSize == 0 {
		return []Chunk{{Index: 0, Start: 0, End: 0, Size: 0, IsLast: true}}, nil
	}

	n := int((totalSize + chunkSize - 1) / chunkSize)
	chunks := make([]Chunk, 0, n)
	for i := 0; i < n; i++ {
		start := int64(i) * chunkSize
		end := start + chunkSize
		if end > totalSize {
			end = totalSize
		}
		chunks = append(chunks, Chunk{
			Index:  i,
			Start:  start,
			End:    end,
			Size:   end - start,
			IsLast: end == totalSize,
		})
	}
	return chunks, nil
}

// Replan rebuilds chunks[from:] with the new chunk size, keeping everything
// before from untouched. Chunks with attempts, an in-flight worker or a
// terminal status must never be re-planned because their boundaries are
// already registered with the provider; the caller picks from accordingly
// (see FirstReplannable).
func Replan(chunks []Chunk, from int, chunkSize int64) ([]Chunk, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}
	if from < 0 || from > len(chunks) {
		return nil, fmt.Errorf("replan index %d out of range [0, %d]", from, len(chunks))
	}
	if from == len(chunks) {
		return chunks, nil
	}

	tailStart := chunks[from].Start
	totalSize := chunks[len(chunks)-1].End

	replanned := make([]Chunk, 0, from+int((totalSize-tailStart+chunkSize-1)/chunkSize))
	replanned = append(replanned, chunks[:from]...)

	index := from
	for start := tailStart; start < totalSize; start += chunkSize {
		end := start + chunkSize
		if end > totalSize {
			end = totalSize
		}
		replanned = append(replanned, Chunk{
			Index:  index,
			Start:  start,
			End:    end,
			Size:   end - start,
			IsLast: end == totalSize,
		})
		index++
	}
	return replanned, nil
}

// FirstReplannable returns the first index from which the whole tail is
// untouched: pending status and zero attempts. len(chunks) means nothing can
// be re-planned.
func FirstReplannable(chunks []Chunk) int {
	from := len(chunks)
	for i := len(chunks) - 1; i >= 0; i-- {
		if chunks[i].Status != StatusPending || chunks[i].Attempts > 0 {
			break
		}
		from = i
	}
	return from
}
