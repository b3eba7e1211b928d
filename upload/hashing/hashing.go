// Package hashing computes SHA-256 digests on a background worker pool so
// the session controller's event loop never blocks on CPU-bound work.
//
// Every request gets its own result channel, addressed by chunk index, so
// completions route back to exactly the caller that asked. There is no
// shared listener to attach and detach.
package hashing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/bitrise-io/go-utils/v2/log"
)

// FileIndex marks a whole-file digest request in a Result.
const FileIndex = -1

// DefaultWorkers is the pool size used when the caller passes 0.
const DefaultWorkers = 2

// Result is the outcome of one digest request. Digest is lowercase hex.
type Result struct {
	Index  int
	Digest string
	Err    error
}

type request struct {
	ctx    context.Context
	source io.ReaderAt
	offset int64
	size   int64
	index  int
	done   chan Result
}

// Service is a background digest worker pool.
type Service struct {
	requests chan request
	logger   log.Logger

	mu     sync.RWMutex
	closed bool
}

// NewService starts workers goroutines consuming digest requests.
func NewService(workers int, logger log.Logger) *Service {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	s := &Service{
		// One slot per worker: up to workers requests queue while every
		// worker is busy; further submissions block until a slot frees.
		requests: make(chan request, workers),
		logger:   logger,
	}
	for i := 0; i < workers; i++ {
		go s.worker()
	}
	return s
}

// Close stops the workers once queued requests drain. Pending result
// channels still receive their results; later requests fail immediately.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.requests)
	}
}

// HashChunk requests the digest of the byte range [offset, offset+size) and
// returns the channel the single Result will arrive on.
func (s *Service) HashChunk(ctx context.Context, source io.ReaderAt, offset, size int64, index int) <-chan Result {
	return s.submit(request{ctx: ctx, source: source, offset: offset, size: size, index: index})
}

// HashFile requests the digest of the whole file. The Result carries
// FileIndex so callers can tell it apart from chunk digests on a shared
// select loop.
func (s *Service) HashFile(ctx context.Context, source io.ReaderAt, size int64) <-chan Result {
	return s.submit(request{ctx: ctx, source: source, offset: 0, size: size, index: FileIndex})
}

func (s *Service) submit(req request) <-chan Result {
	req.done = make(chan Result, 1)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		req.done <- Result{Index: req.index, Err: errors.New("hashing service closed")}
		return req.done
	}
	s.requests <- req
	return req.done
}

func (s *Service) worker() {
	for req := range s.requests {
		req.done <- s.process(req)
	}
}

func (s *Service) process(req request) Result {
	if err := req.ctx.Err(); err != nil {
		return Result{Index: req.index, Err: err}
	}

	h := sha256.New()
	r := io.NewSectionReader(req.source, req.offset, req.size)
	if _, err := io.Copy(h, r); err != nil {
		return Result{
			Index: req.index,
			Err:   fmt.Errorf("hash range [%d, %d): %w", req.offset, req.offset+req.size, err),
		}
	}

	digest := hex.EncodeToString(h.Sum(nil))
	s.logger.Debugf("Hashed range [%d, %d) (index %d): %s", req.offset, req.offset+req.size, req.index, digest)
	return Result{Index: req.index, Digest: digest}
}
