// Package upload is the client-side upload engine: it plans a file into
// chunks, hashes it in the background, drives a provider adapter through
// initialize → parallel chunk transfer → finalize, and exposes the session
// lifecycle (start, pause, resume, cancel, retry) behind a single
// controller loop that exclusively owns the session record.
package upload

import (
	"fmt"
	"time"

	"github.com/beamup-io/beamup/upload/network"
	"github.com/beamup-io/beamup/upload/plan"
)

// Status is the session lifecycle state.
type Status string

const (
	// StatusPending is a created session that has not started.
	StatusPending Status = "pending"
	// StatusUploading is a live session transferring chunks.
	StatusUploading Status = "uploading"
	// StatusPaused refuses new chunk dispatches; in-flight chunks finish.
	StatusPaused Status = "paused"
	// StatusCompleted is terminal: every chunk accepted, object committed.
	StatusCompleted Status = "completed"
	// StatusFailed is terminal-but-retryable: a fatal error or too many
	// permanent chunk failures.
	StatusFailed Status = "failed"
	// StatusCancelled is terminal: the caller cancelled the session.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are possible, except the
// explicit retry allowed out of StatusFailed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Session is one file upload from plan through finalize. It is mutated only
// by the controller loop; everything other goroutines see is a copy.
type Session struct {
	ID       string
	Filename string
	MimeType string

	TotalSize   int64
	ChunkSize   int64
	Concurrency int
	AutoTune    bool
	Provider    network.ProviderKind

	UploadID string
	FileHash string

	Chunks  []plan.Chunk
	Targets []network.Target

	Completed map[int]struct{}
	Failed    map[int]struct{}
	ETags     map[int]string
	BytesDone int64

	StartTime time.Time
	EndTime   time.Time

	Status        Status
	FinalLocation string
	Err           error
}

// failureThreshold is the number of permanently failed chunks the session
// tolerates: more than ceil(10% of the plan) escalates to StatusFailed.
func (s *Session) failureThreshold() int {
	n := len(s.Chunks)
	return (n + 9) / 10
}

// Progress is a point-in-time view of a session, safe to hand out.
type Progress struct {
	SessionID       string
	Status          Status
	Percent         float64
	BytesDone       int64
	TotalSize       int64
	CompletedChunks int
	TotalChunks     int
	FailedChunks    int
	SpeedBPS        float64
	ETA             string
	FinalURL        string
	Err             error
}

// FormatETA renders the remaining-time estimate the way the progress line
// shows it: seconds under a minute, minutes under an hour, hours above.
// A zero speed means there is nothing to extrapolate from yet.
func FormatETA(remainingBytes int64, speedBPS float64) string {
	if speedBPS <= 0 {
		return "Calculating…"
	}
	secs := int64(float64(remainingBytes) / speedBPS)
	switch {
	case secs < 60:
		return fmt.Sprintf("%ds", secs)
	case secs < 3600:
		return fmt.Sprintf("%dm", secs/60)
	default:
		return fmt.Sprintf("%dh", secs/3600)
	}
}
