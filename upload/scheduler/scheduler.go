// Package scheduler drives chunk transfers through a bounded worker pool.
// A worker owns one chunk for the whole hash → upload → retry cycle and
// holds its concurrency permit for that entire lifetime; the permit is
// released only when the chunk reaches a terminal outcome. Workers report
// back to the session controller through typed events on a single channel.
package scheduler

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"

	"github.com/beamup-io/beamup/upload/hashing"
	"github.com/beamup-io/beamup/upload/netdiag"
	"github.com/beamup-io/beamup/upload/network"
	"github.com/beamup-io/beamup/upload/plan"
)

// EventType discriminates worker events.
type EventType int

const (
	// EventStarted fires when a worker holds a permit and begins work;
	// the chunk is now counted as uploading.
	EventStarted EventType = iota
	// EventCompleted fires when the provider accepted the chunk.
	EventCompleted
	// EventFailed fires when the chunk permanently failed.
	EventFailed
	// EventRequeued fires when the dispatch gate closed before the worker
	// began; the chunk goes back to pending untouched.
	EventRequeued
)

// Event is one worker report. Sample is set on completions when the
// attempt produced a usable measurement.
type Event struct {
	Type     EventType
	Index    int
	ETag     string
	Hash     string
	Attempts int
	Err      error
	Sample   *netdiag.Sample
}

// Config tunes a Scheduler.
type Config struct {
	// Concurrency is the number of chunks in flight at once.
	Concurrency int
	// Policy is the per-chunk retry policy.
	Policy Policy
	// HungThreshold cancels an attempt running this much longer than the
	// rolling average transfer time. 0 disables hung detection.
	HungThreshold time.Duration
}

// Scheduler is the worker pool. The source file is shared read-only; every
// access is offset-based.
type Scheduler struct {
	adapter   network.Adapter
	hasher    *hashing.Service
	source    io.ReaderAt
	totalSize int64
	config    Config
	sem       chan struct{}
	events    chan Event
	stats     transferStats
	logger    log.Logger
}

// transferStats feeds hung detection: the rolling average duration of the
// chunk transfers finished so far.
type transferStats struct {
	mu       sync.Mutex
	total    time.Duration
	finished int64
}

func (t *transferStats) observe(d time.Duration) {
	t.mu.Lock()
	t.total += d
	t.finished++
	t.mu.Unlock()
}

// average returns the mean transfer duration and how many transfers back
// it, so callers can skip hung checks before the first completion.
func (t *transferStats) average() (time.Duration, int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished == 0 {
		return 0, 0
	}
	return t.total / time.Duration(t.finished), t.finished
}

// New creates a Scheduler with permits = config.Concurrency.
func New(
	adapter network.Adapter,
	hasher *hashing.Service,
	source io.ReaderAt,
	totalSize int64,
	config Config,
	logger log.Logger,
) *Scheduler {
	if config.Concurrency < 1 {
		config.Concurrency = 1
	}
	return &Scheduler{
		adapter:   adapter,
		hasher:    hasher,
		source:    source,
		totalSize: totalSize,
		config:    config,
		sem:       make(chan struct{}, config.Concurrency),
		events:    make(chan Event, config.Concurrency*4),
		logger:    logger,
	}
}

// Events is the channel the controller drains worker reports from.
func (s *Scheduler) Events() <-chan Event {
	return s.events
}

// Launch hands one chunk to a worker and returns immediately. ctx is the
// session's cancellation context and aborts in-flight work; gate only
// refuses starts, so a pause leaves running transfers alone. The worker
// always emits exactly one terminal event for the chunk.
func (s *Scheduler) Launch(ctx, gate context.Context, chunk plan.Chunk, target network.Target) {
	go s.runWorker(ctx, gate, chunk, target)
}

func (s *Scheduler) runWorker(ctx, gate context.Context, chunk plan.Chunk, target network.Target) {
	select {
	case s.sem <- struct{}{}:
	case <-gate.Done():
		s.events <- Event{Type: EventRequeued, Index: chunk.Index}
		return
	case <-ctx.Done():
		s.events <- Event{Type: EventRequeued, Index: chunk.Index}
		return
	}
	defer func() { <-s.sem }()

	// The gate may have closed while waiting on the permit.
	if gate.Err() != nil || ctx.Err() != nil {
		s.events <- Event{Type: EventRequeued, Index: chunk.Index}
		return
	}

	s.events <- Event{Type: EventStarted, Index: chunk.Index}
	s.events <- s.transferChunk(ctx, chunk, target)
}

// transferChunk drives the retry loop of a single chunk to a terminal
// event. The worker keeps its permit for the whole loop, retry sleeps
// included.
func (s *Scheduler) transferChunk(ctx context.Context, chunk plan.Chunk, target network.Target) Event {
	var data []byte
	offset := chunk.Start

	var lastErr error
	for attempt := 0; attempt < s.config.Policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Event{Type: EventFailed, Index: chunk.Index, Attempts: attempt,
				Err: &network.Error{Kind: network.KindCancelled, ChunkIndex: chunk.Index, Cause: err}}
		}

		lastErr = nil

		if chunk.Hash == "" {
			res := <-s.hasher.HashChunk(ctx, s.source, chunk.Start, chunk.Size, chunk.Index)
			if res.Err != nil {
				lastErr = &network.Error{Kind: network.KindHash, ChunkIndex: chunk.Index, Cause: res.Err}
			} else {
				chunk.Hash = res.Digest
			}
		}

		if lastErr == nil && data == nil {
			read, err := s.readChunk(chunk)
			if err != nil {
				lastErr = &network.Error{Kind: network.KindTransportTransient, ChunkIndex: chunk.Index, Cause: err}
			} else {
				data = read
			}
		}

		if lastErr == nil {
			event, retryErr := s.attemptUpload(ctx, chunk, target, data, &offset, attempt)
			if retryErr == nil {
				return event
			}
			lastErr = retryErr
		}

		s.logger.Warnf("Chunk %d attempt %d failed: %v", chunk.Index+1, attempt+1, lastErr)

		decision := s.config.Policy.Decide(attempt, lastErr)
		if !decision.Retry {
			return Event{Type: EventFailed, Index: chunk.Index, Attempts: attempt + 1, Err: lastErr}
		}
		select {
		case <-time.After(decision.Delay):
		case <-ctx.Done():
			return Event{Type: EventFailed, Index: chunk.Index, Attempts: attempt + 1,
				Err: &network.Error{Kind: network.KindCancelled, ChunkIndex: chunk.Index, Cause: ctx.Err()}}
		}
	}

	return Event{Type: EventFailed, Index: chunk.Index, Attempts: s.config.Policy.MaxAttempts, Err: lastErr}
}

// attemptUpload runs one adapter call. It returns a terminal completed
// event, or the classified error to feed the retry policy.
func (s *Scheduler) attemptUpload(
	ctx context.Context,
	chunk plan.Chunk,
	target network.Target,
	data []byte,
	offset *int64,
	attempt int,
) (Event, error) {
	meta := network.ChunkMeta{
		Index:     chunk.Index,
		Start:     *offset,
		End:       chunk.End,
		TotalSize: s.totalSize,
		Hash:      chunk.Hash,
	}
	payload := data[*offset-chunk.Start:]

	attemptCtx, cancelAttempt := context.WithCancel(ctx)
	if s.config.HungThreshold > 0 && attempt < s.config.Policy.MaxAttempts-1 {
		go s.detectHungTransfer(attemptCtx, cancelAttempt, chunk.Index)
	}

	start := time.Now()
	receipt, err := s.adapter.UploadChunk(attemptCtx, payload, target, meta)
	elapsed := time.Since(start)
	// Read before cancelAttempt: afterwards attemptCtx is always cancelled.
	attemptCancelled := attemptCtx.Err() == context.Canceled
	cancelAttempt()

	if err == nil {
		s.stats.observe(elapsed)
		s.logger.Debugf("Chunk %d uploaded in %v (attempt %d)", chunk.Index+1, elapsed.Round(time.Millisecond), attempt+1)
		return Event{
			Type:     EventCompleted,
			Index:    chunk.Index,
			ETag:     receipt.ETag,
			Hash:     chunk.Hash,
			Attempts: attempt + 1,
			Sample:   makeSample(len(payload), elapsed, receipt.FirstByte),
		}, nil
	}

	if next, ok := network.IsIncomplete(err); ok {
		if next >= chunk.End {
			// The provider already holds the whole range; count it done.
			s.logger.Debugf("Chunk %d already complete at provider", chunk.Index+1)
			return Event{
				Type:     EventCompleted,
				Index:    chunk.Index,
				Hash:     chunk.Hash,
				Attempts: attempt + 1,
				Sample:   makeSample(len(payload), elapsed, 0),
			}, nil
		}
		if next > chunk.Start {
			*offset = next
		}
		return Event{}, err
	}

	// An attempt cancelled by the hung detector while the session is still
	// live is a transient fault, not a cancellation.
	if attemptCancelled && ctx.Err() == nil {
		return Event{}, &network.Error{
			Kind:       network.KindTransportTransient,
			ChunkIndex: chunk.Index,
			Message:    "transfer hung, cancelled",
			Cause:      err,
		}
	}

	return Event{}, err
}

func (s *Scheduler) detectHungTransfer(ctx context.Context, cancel context.CancelFunc, index int) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			avg, finished := s.stats.average()
			if finished == 0 {
				continue
			}
			elapsed := time.Since(start)
			if elapsed-avg > s.config.HungThreshold {
				s.logger.Warnf("Found hung chunk transfer (chunk %d); canceling request after %s (avg: %s)",
					index+1, elapsed.Round(time.Second), avg.Round(time.Second))
				cancel()
				return
			}
		}
	}
}

func (s *Scheduler) readChunk(chunk plan.Chunk) ([]byte, error) {
	if chunk.Size == 0 {
		return []byte{}, nil
	}
	data := make([]byte, chunk.Size)
	if _, err := s.source.ReadAt(data, chunk.Start); err != nil && err != io.EOF {
		return nil, fmt.Errorf("read chunk %d at offset %d: %w", chunk.Index+1, chunk.Start, err)
	}
	return data, nil
}

func makeSample(payloadSize int, elapsed, firstByte time.Duration) *netdiag.Sample {
	if elapsed <= 0 {
		return nil
	}
	return &netdiag.Sample{
		SpeedBPS:  float64(payloadSize) / elapsed.Seconds(),
		LatencyMS: float64(firstByte.Milliseconds()),
		At:        time.Now(),
	}
}
