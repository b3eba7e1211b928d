package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/gofrs/uuid"

	"github.com/beamup-io/beamup/upload/hashing"
	"github.com/beamup-io/beamup/upload/netdiag"
	"github.com/beamup-io/beamup/upload/network"
	"github.com/beamup-io/beamup/upload/plan"
	"github.com/beamup-io/beamup/upload/scheduler"
)

// Lifecycle call budgets: initialize gets 3 attempts, finalize one retry.
const (
	initializeAttempts = 3
	finalizeAttempts   = 2

	abortTimeout = 10 * time.Second

	// tunerWarmupChunks is how many chunks must complete before the
	// adaptive tuner is consulted.
	tunerWarmupChunks = 5
)

// ErrClosed is returned by controller calls after Close.
var ErrClosed = errors.New("upload controller closed")

type cmdKind int

const (
	cmdStart cmdKind = iota
	cmdPause
	cmdResume
	cmdCancel
	cmdClose
)

type command struct {
	kind  cmdKind
	reply chan error
}

type internalKind int

const (
	internalInitDone internalKind = iota
	internalFinalizeDone
)

type internalEvent struct {
	kind  internalKind
	init  *network.InitResult
	final *network.FinalizeResult
	err   error
}

// Controller owns one upload session. A single goroutine runs the state
// machine; callers talk to it over channels, so the Session record needs
// no lock. The source file is shared read-only with the workers.
type Controller struct {
	logger  log.Logger
	adapter network.Adapter
	hasher  *hashing.Service
	sched   *scheduler.Scheduler
	source  io.ReaderAt
	diag    *netdiag.Window
	options Options

	session *Session

	commands chan command
	internal chan internalEvent
	done     chan struct{}
	closed   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	// gate refuses new chunk starts without touching in-flight transfers;
	// pause closes it, resume replaces it.
	gateCtx    context.Context
	gateCancel context.CancelFunc

	fileHashCh <-chan hashing.Result

	dispatched    map[int]struct{}
	maxDispatched int
	lastChunkErr  error
	initializing  bool
	finalizing    bool
	initialized   bool
	aborted       bool

	progressMu sync.RWMutex
	progress   Progress
}

// NewController validates the parameters, plans the session and starts the
// controller loop idle in StatusPending. Call Start to begin transferring
// and Close when done with the controller.
func NewController(
	source io.ReaderAt,
	params Params,
	adapter network.Adapter,
	options Options,
	logger log.Logger,
) (*Controller, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	chunks, err := plan.Build(params.TotalSize, params.ChunkSize)
	if err != nil {
		return nil, network.NewError(network.KindValidation, "plan chunks", err)
	}

	id, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("generate session id: %w", err)
	}

	session := &Session{
		ID:          id.String(),
		Filename:    params.Filename,
		MimeType:    params.MimeType,
		TotalSize:   params.TotalSize,
		ChunkSize:   params.ChunkSize,
		Concurrency: params.Concurrency,
		AutoTune:    params.AutoTune,
		Provider:    params.Provider,
		Chunks:      chunks,
		Completed:   map[int]struct{}{},
		Failed:      map[int]struct{}{},
		ETags:       map[int]string{},
		Status:      StatusPending,
	}

	ctx, cancel := context.WithCancel(context.Background())
	gateCtx, gateCancel := context.WithCancel(context.Background())

	hasher := hashing.NewService(options.HashWorkers, logger)
	sched := scheduler.New(adapter, hasher, source, params.TotalSize, scheduler.Config{
		Concurrency:   params.Concurrency,
		Policy:        options.policy(),
		HungThreshold: options.HungThreshold,
	}, logger)

	c := &Controller{
		logger:        logger,
		adapter:       adapter,
		hasher:        hasher,
		sched:         sched,
		source:        source,
		diag:          netdiag.NewWindow(),
		options:       options,
		session:       session,
		commands:      make(chan command),
		internal:      make(chan internalEvent, 4),
		done:          make(chan struct{}),
		closed:        make(chan struct{}),
		ctx:           ctx,
		cancel:        cancel,
		gateCtx:       gateCtx,
		gateCancel:    gateCancel,
		dispatched:    map[int]struct{}{},
		maxDispatched: -1,
	}
	c.publishProgress()

	go c.run()
	return c, nil
}

// Start begins (or, from StatusFailed, retries) the session.
func (c *Controller) Start() error { return c.send(cmdStart) }

// Pause stops dispatching new chunks; in-flight transfers run on.
func (c *Controller) Pause() error { return c.send(cmdPause) }

// Resume continues a paused session with the current plan and chunk size.
func (c *Controller) Resume() error { return c.send(cmdResume) }

// Cancel aborts the session cooperatively and tells the provider to drop
// the partial upload. Cancelling a terminal session is a no-op.
func (c *Controller) Cancel() error { return c.send(cmdCancel) }

// RetryFailed re-runs the permanently failed chunks of a failed session.
func (c *Controller) RetryFailed() error { return c.send(cmdStart) }

// Snapshot returns the current progress view.
func (c *Controller) Snapshot() Progress {
	c.progressMu.RLock()
	defer c.progressMu.RUnlock()
	return c.progress
}

// Done is closed when the session reaches a terminal status. A manual
// retry out of StatusFailed arms a fresh channel; grab it again after
// calling Start or RetryFailed.
func (c *Controller) Done() <-chan struct{} {
	c.progressMu.RLock()
	defer c.progressMu.RUnlock()
	return c.done
}

// Wait blocks until the session is terminal or ctx expires, and returns the
// final progress.
func (c *Controller) Wait(ctx context.Context) (Progress, error) {
	select {
	case <-c.Done():
		return c.Snapshot(), nil
	case <-c.closed:
		return c.Snapshot(), ErrClosed
	case <-ctx.Done():
		return c.Snapshot(), ctx.Err()
	}
}

// Close stops the controller loop and the hash workers. The session is not
// cancelled; use Cancel for that first if the upload is still running.
func (c *Controller) Close() {
	_ = c.send(cmdClose)
}

func (c *Controller) send(kind cmdKind) error {
	cmd := command{kind: kind, reply: make(chan error, 1)}
	select {
	case c.commands <- cmd:
		return <-cmd.reply
	case <-c.closed:
		return ErrClosed
	}
}

func (c *Controller) run() {
	for {
		select {
		case cmd := <-c.commands:
			if cmd.kind == cmdClose {
				cmd.reply <- nil
				c.shutdown()
				return
			}
			// Publish before replying so a Snapshot right after the call
			// already sees the transition.
			err := c.handleCommand(cmd.kind)
			c.publishProgress()
			cmd.reply <- err

		case ev := <-c.sched.Events():
			c.handleSchedulerEvent(ev)

		case ev := <-c.internal:
			c.handleInternal(ev)

		case res := <-c.fileHashCh:
			c.fileHashCh = nil
			c.handleFileHash(res)
		}

		c.publishProgress()
	}
}

func (c *Controller) shutdown() {
	close(c.closed)
	c.cancel()
	c.gateCancel()
	c.hasher.Close()
}

func (c *Controller) handleCommand(kind cmdKind) error {
	switch kind {
	case cmdStart:
		return c.start()
	case cmdPause:
		return c.pause()
	case cmdResume:
		return c.resume()
	case cmdCancel:
		return c.cancelSession()
	default:
		return fmt.Errorf("unknown command %d", kind)
	}
}

func (c *Controller) start() error {
	switch c.session.Status {
	case StatusPending:
	case StatusFailed:
		c.resetFailedChunks()
		// The failure transition cancelled the dispatch gate; the retry
		// needs a live one or every launched worker requeues immediately.
		c.gateCtx, c.gateCancel = context.WithCancel(context.Background())
		// The previous terminal state already fired Done; give the retry
		// its own completion signal.
		c.progressMu.Lock()
		c.done = make(chan struct{})
		c.progressMu.Unlock()
	default:
		return fmt.Errorf("start requires a pending or failed session, status is %q", c.session.Status)
	}

	c.session.Status = StatusUploading
	c.session.Err = nil
	if c.session.StartTime.IsZero() {
		c.session.StartTime = time.Now()
	}
	c.logger.Infof("Session %s: uploading %s (%d chunks of up to %d bytes, concurrency %d)",
		c.session.ID, c.session.Filename, len(c.session.Chunks), c.session.ChunkSize, c.session.Concurrency)

	if c.fileHashCh == nil && c.session.FileHash == "" {
		c.fileHashCh = c.hasher.HashFile(c.ctx, c.source, c.session.TotalSize)
	}

	if !c.initialized {
		c.beginInitialize()
		return nil
	}
	c.dispatchPending()
	return nil
}

// resetFailedChunks is the manual-retry path out of StatusFailed: failed
// chunks return to pending with fresh attempt counters, completed chunks
// are kept.
func (c *Controller) resetFailedChunks() {
	for i := range c.session.Chunks {
		chunk := &c.session.Chunks[i]
		if chunk.Status == plan.StatusFailed {
			chunk.Status = plan.StatusPending
			chunk.Attempts = 0
		}
	}
	c.session.Failed = map[int]struct{}{}
	c.lastChunkErr = nil
}

func (c *Controller) pause() error {
	if c.session.Status != StatusUploading {
		return fmt.Errorf("pause requires an uploading session, status is %q", c.session.Status)
	}
	c.session.Status = StatusPaused
	c.gateCancel()
	c.logger.Infof("Session %s: paused", c.session.ID)
	return nil
}

func (c *Controller) resume() error {
	if c.session.Status != StatusPaused {
		return fmt.Errorf("resume requires a paused session, status is %q", c.session.Status)
	}
	c.session.Status = StatusUploading
	c.gateCtx, c.gateCancel = context.WithCancel(context.Background())
	c.logger.Infof("Session %s: resumed", c.session.ID)

	if c.initialized {
		if len(c.session.Failed) > 0 {
			// Failures collected while paused escalate now.
			c.evaluateFailure()
			if c.session.Status != StatusUploading {
				return nil
			}
		}
		c.dispatchPending()
		c.maybeFinalize()
	}
	return nil
}

func (c *Controller) cancelSession() error {
	if c.session.Status.Terminal() {
		return nil
	}

	c.session.Status = StatusCancelled
	c.session.EndTime = time.Now()
	c.session.Err = network.NewError(network.KindCancelled, "session cancelled", nil)
	c.gateCancel()
	c.cancel()
	c.logger.Infof("Session %s: cancelled", c.session.ID)

	if c.session.UploadID != "" && !c.aborted {
		c.aborted = true
		c.abortUpload()
	}

	c.publishProgress()
	close(c.done)
	return nil
}

// abortUpload is best-effort: the session context is already cancelled, so
// the abort rides on its own short-lived context.
func (c *Controller) abortUpload() {
	ctx, cancel := context.WithTimeout(context.Background(), abortTimeout)
	defer cancel()

	if err := c.adapter.Abort(ctx, c.session.UploadID); err != nil {
		c.logger.Warnf("Session %s: abort failed: %v", c.session.ID, err)
		return
	}
	c.logger.Debugf("Session %s: provider upload %s aborted", c.session.ID, c.session.UploadID)
}

func (c *Controller) beginInitialize() {
	if c.initializing {
		return
	}
	c.initializing = true

	info := network.FileInfo{
		Filename:   c.session.Filename,
		TotalSize:  c.session.TotalSize,
		FileHash:   c.session.FileHash,
		ChunkCount: len(c.session.Chunks),
		MimeType:   c.session.MimeType,
	}

	go func() {
		var result *network.InitResult
		err := retry.Times(initializeAttempts).Wait(c.options.lifecycleRetryWait()).TryWithAbort(func(attempt uint) (error, bool) {
			if attempt > 0 {
				c.logger.Debugf("Session %s: initialize attempt %d", c.session.ID, attempt+1)
			}
			res, err := c.adapter.Initialize(c.ctx, info)
			if err != nil {
				if c.ctx.Err() != nil || !network.IsRetryable(err) {
					return err, true
				}
				return err, false
			}
			result = res
			return nil, true
		})
		c.internal <- internalEvent{kind: internalInitDone, init: result, err: err}
	}()
}

func (c *Controller) handleInternal(ev internalEvent) {
	switch ev.kind {
	case internalInitDone:
		c.initializing = false
		c.handleInitDone(ev)
	case internalFinalizeDone:
		c.finalizing = false
		c.handleFinalizeDone(ev)
	}
}

func (c *Controller) handleInitDone(ev internalEvent) {
	if c.session.Status.Terminal() {
		// Cancelled while initializing; drop the provider session if one
		// was created.
		if ev.err == nil && ev.init.UploadID != "" && !c.aborted {
			c.aborted = true
			c.session.UploadID = ev.init.UploadID
			c.abortUpload()
		}
		return
	}

	if ev.err != nil {
		c.failSession(&network.Error{Kind: network.KindInitialize, ChunkIndex: -1, Cause: ev.err})
		return
	}

	c.session.UploadID = ev.init.UploadID
	c.session.Targets = ev.init.Targets
	c.initialized = true
	c.logger.Debugf("Session %s: provider upload %s initialized", c.session.ID, c.session.UploadID)

	if c.session.Status == StatusUploading {
		c.dispatchPending()
		c.maybeFinalize()
	}
}

// dispatchPending hands pending chunks to the scheduler, at most
// Concurrency outstanding at a time. Keeping the hand-off window tight
// leaves the plan's tail untouched for the tuner.
func (c *Controller) dispatchPending() {
	if c.session.Status != StatusUploading || !c.initialized {
		return
	}
	for i := range c.session.Chunks {
		if len(c.dispatched) >= c.session.Concurrency {
			return
		}
		chunk := c.session.Chunks[i]
		if chunk.Status != plan.StatusPending {
			continue
		}
		if _, ok := c.dispatched[chunk.Index]; ok {
			continue
		}
		if _, ok := c.session.Completed[chunk.Index]; ok {
			continue
		}

		c.dispatched[chunk.Index] = struct{}{}
		if chunk.Index > c.maxDispatched {
			c.maxDispatched = chunk.Index
		}
		c.sched.Launch(c.ctx, c.gateCtx, chunk, c.targetFor(chunk.Index))
	}
}

func (c *Controller) targetFor(index int) network.Target {
	if index < len(c.session.Targets) {
		return c.session.Targets[index]
	}
	return network.Target{}
}

func (c *Controller) handleSchedulerEvent(ev scheduler.Event) {
	chunk := c.chunkByIndex(ev.Index)
	if chunk == nil {
		return
	}

	switch ev.Type {
	case scheduler.EventStarted:
		chunk.Status = plan.StatusUploading
		if chunk.Attempts == 0 {
			chunk.Attempts = 1
		}

	case scheduler.EventRequeued:
		delete(c.dispatched, ev.Index)
		chunk.Status = plan.StatusPending

	case scheduler.EventCompleted:
		delete(c.dispatched, ev.Index)
		chunk.Status = plan.StatusCompleted
		chunk.Attempts = ev.Attempts
		chunk.Hash = ev.Hash
		c.session.Completed[ev.Index] = struct{}{}
		delete(c.session.Failed, ev.Index)
		c.session.ETags[ev.Index] = ev.ETag
		c.session.BytesDone += chunk.Size
		if ev.Sample != nil {
			c.diag.Observe(*ev.Sample)
		}
		c.logger.Debugf("Session %s: chunk %d/%d done (%d/%d bytes)",
			c.session.ID, ev.Index+1, len(c.session.Chunks), c.session.BytesDone, c.session.TotalSize)

		c.maybeAutoTune()
		c.dispatchPending()
		c.maybeFinalize()
		c.maybeFailQuiescent()

	case scheduler.EventFailed:
		delete(c.dispatched, ev.Index)
		chunk.Attempts = ev.Attempts

		var terr *network.Error
		if errors.As(ev.Err, &terr) && terr.Kind == network.KindCancelled {
			// Unwound by cancellation, not a real chunk failure.
			chunk.Status = plan.StatusPending
			return
		}

		chunk.Status = plan.StatusFailed
		c.session.Failed[ev.Index] = struct{}{}
		c.lastChunkErr = ev.Err
		c.logger.Warnf("Session %s: chunk %d permanently failed after %d attempts: %v",
			c.session.ID, ev.Index+1, ev.Attempts, ev.Err)

		// Failures reported by in-flight chunks during a pause stay
		// recorded; escalation waits for resume.
		if c.session.Status == StatusUploading {
			c.evaluateFailure()
		}
	}
}

// evaluateFailure escalates the session once failed chunks cross the
// threshold, and otherwise keeps the pipeline moving or settles into
// StatusFailed when nothing dispatchable is left.
func (c *Controller) evaluateFailure() {
	if len(c.session.Failed) > c.session.failureThreshold() {
		c.failSession(&network.Error{
			Kind:       network.KindThreshold,
			ChunkIndex: -1,
			Message:    fmt.Sprintf("too many chunk failures (%d of %d)", len(c.session.Failed), len(c.session.Chunks)),
			Cause:      c.lastChunkErr,
		})
		return
	}
	c.dispatchPending()
	c.maybeFailQuiescent()
}

func (c *Controller) chunkByIndex(index int) *plan.Chunk {
	if index < 0 || index >= len(c.session.Chunks) {
		return nil
	}
	return &c.session.Chunks[index]
}

func (c *Controller) handleFileHash(res hashing.Result) {
	if res.Err != nil {
		c.logger.Warnf("Session %s: file hash failed: %v", c.session.ID, res.Err)
		return
	}
	c.session.FileHash = res.Digest
	c.logger.Debugf("Session %s: file hash %s", c.session.ID, res.Digest)
}

// maybeAutoTune consults the tuner once enough chunks have completed, and
// re-plans the untouched tail when the proposal moved by more than half the
// current chunk size. Adapters with fixed per-part URLs opt out.
func (c *Controller) maybeAutoTune() {
	if c.session.Status != StatusUploading {
		return
	}
	if !c.session.AutoTune || !c.adapter.CanRetarget() {
		return
	}
	if len(c.session.Completed) <= tunerWarmupChunks {
		return
	}

	proposed := plan.ProposeChunkSize(c.diag.MeanSpeed(), c.diag.MeanLatency(), c.session.TotalSize)
	diff := proposed - c.session.ChunkSize
	if diff < 0 {
		diff = -diff
	}
	if diff <= c.session.ChunkSize/2 {
		return
	}

	from := plan.FirstReplannable(c.session.Chunks)
	if from <= c.maxDispatched {
		from = c.maxDispatched + 1
	}
	if from >= len(c.session.Chunks) {
		return
	}

	replanned, err := plan.Replan(c.session.Chunks, from, proposed)
	if err != nil {
		c.logger.Warnf("Session %s: re-plan failed: %v", c.session.ID, err)
		return
	}

	tail := replanned[from:]
	metas := make([]network.ChunkMeta, len(tail))
	for i, chunk := range tail {
		metas[i] = network.ChunkMeta{
			Index:     chunk.Index,
			Start:     chunk.Start,
			End:       chunk.End,
			TotalSize: c.session.TotalSize,
		}
	}
	targets, err := c.adapter.RenewTargets(c.ctx, c.session.UploadID, metas)
	if err != nil {
		c.logger.Warnf("Session %s: target renewal failed, keeping current plan: %v", c.session.ID, err)
		return
	}

	c.logger.Infof("Session %s: tuning chunk size %d -> %d, re-planning %d chunks",
		c.session.ID, c.session.ChunkSize, proposed, len(tail))
	c.session.ChunkSize = proposed
	c.session.Chunks = replanned
	c.session.Targets = append(c.session.Targets[:from], targets...)
}

// maybeFinalize commits the object once every chunk is accepted. Finalize
// runs off-loop with one retry; the outcome comes back as an internal
// event.
func (c *Controller) maybeFinalize() {
	if c.session.Status != StatusUploading || c.finalizing {
		return
	}
	if len(c.session.Completed) != len(c.session.Chunks) {
		return
	}
	c.finalizing = true

	parts := make([]network.Part, 0, len(c.session.ETags))
	for i := range c.session.Chunks {
		parts = append(parts, network.Part{Number: i + 1, ETag: c.session.ETags[i]})
	}
	uploadID := c.session.UploadID

	go func() {
		var result *network.FinalizeResult
		err := retry.Times(finalizeAttempts).Wait(c.options.lifecycleRetryWait()).TryWithAbort(func(attempt uint) (error, bool) {
			res, err := c.adapter.Finalize(c.ctx, uploadID, parts)
			if err != nil {
				if c.ctx.Err() != nil || !network.IsRetryable(err) {
					return err, true
				}
				return err, false
			}
			result = res
			return nil, true
		})
		c.internal <- internalEvent{kind: internalFinalizeDone, final: result, err: err}
	}()
}

func (c *Controller) handleFinalizeDone(ev internalEvent) {
	if c.session.Status.Terminal() {
		return
	}
	if ev.err != nil {
		c.failSession(&network.Error{Kind: network.KindFinalize, ChunkIndex: -1, Cause: ev.err})
		return
	}

	c.session.Status = StatusCompleted
	c.session.EndTime = time.Now()
	c.session.FinalLocation = ev.final.FinalURL
	c.logger.Donef("Session %s: upload complete: %s", c.session.ID, c.session.FinalLocation)
	c.publishProgress()
	close(c.done)
}

// maybeFailQuiescent fails the session when nothing is left to dispatch,
// nothing is in flight, and failed chunks remain below the threshold: the
// session cannot complete, and the failed chunks wait for a manual retry.
func (c *Controller) maybeFailQuiescent() {
	if c.session.Status != StatusUploading || len(c.dispatched) > 0 {
		return
	}
	if len(c.session.Failed) == 0 {
		return
	}
	for _, chunk := range c.session.Chunks {
		if chunk.Status == plan.StatusPending {
			return
		}
	}

	err := c.lastChunkErr
	if err == nil {
		err = fmt.Errorf("%d chunks permanently failed", len(c.session.Failed))
	}
	c.failSession(err)
}

func (c *Controller) failSession(err error) {
	c.session.Status = StatusFailed
	c.session.EndTime = time.Now()
	c.session.Err = err
	c.gateCancel()
	c.logger.Errorf("Session %s: failed: %v", c.session.ID, err)
	c.publishProgress()
	close(c.done)
}

func (c *Controller) publishProgress() {
	s := c.session

	var percent float64
	switch {
	case s.TotalSize > 0:
		percent = 100 * float64(s.BytesDone) / float64(s.TotalSize)
	case len(s.Chunks) > 0 && len(s.Completed) == len(s.Chunks):
		percent = 100
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	var speed float64
	if !s.StartTime.IsZero() {
		end := time.Now()
		if !s.EndTime.IsZero() {
			end = s.EndTime
		}
		if elapsed := end.Sub(s.StartTime).Seconds(); elapsed > 0 {
			speed = float64(s.BytesDone) / elapsed
		}
	}

	p := Progress{
		SessionID:       s.ID,
		Status:          s.Status,
		Percent:         percent,
		BytesDone:       s.BytesDone,
		TotalSize:       s.TotalSize,
		CompletedChunks: len(s.Completed),
		TotalChunks:     len(s.Chunks),
		FailedChunks:    len(s.Failed),
		SpeedBPS:        speed,
		ETA:             FormatETA(s.TotalSize-s.BytesDone, speed),
		FinalURL:        s.FinalLocation,
		Err:             s.Err,
	}
	if s.Status == StatusCompleted {
		p.ETA = "0s"
	}

	c.progressMu.Lock()
	c.progress = p
	c.progressMu.Unlock()
}
