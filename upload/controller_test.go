package upload

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beamup-io/beamup/upload/network"
	"github.com/beamup-io/beamup/upload/scheduler"
)

const testChunkSize = 256 * 1024

// fakeAdapter scripts provider behavior per chunk and records every call.
type fakeAdapter struct {
	uploadFn    func(call int, meta network.ChunkMeta) (*network.ChunkReceipt, error)
	finalizeErr error
	retarget    bool

	mu            sync.Mutex
	uploadCalls   []network.ChunkMeta
	finalizeParts []network.Part
	finalizeCalls int
	abortCalls    []string
	initCalls     int
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		uploadFn: func(call int, meta network.ChunkMeta) (*network.ChunkReceipt, error) {
			return &network.ChunkReceipt{ETag: "etag", FirstByte: time.Millisecond}, nil
		},
	}
}

func (f *fakeAdapter) Kind() network.ProviderKind { return network.ProviderS3 }
func (f *fakeAdapter) CanRetarget() bool          { return f.retarget }

func (f *fakeAdapter) Initialize(ctx context.Context, info network.FileInfo) (*network.InitResult, error) {
	f.mu.Lock()
	f.initCalls++
	f.mu.Unlock()

	targets := make([]network.Target, info.ChunkCount)
	return &network.InitResult{UploadID: "upload-1", Targets: targets}, nil
}

func (f *fakeAdapter) UploadChunk(ctx context.Context, body []byte, target network.Target, meta network.ChunkMeta) (*network.ChunkReceipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, &network.Error{Kind: network.KindCancelled, ChunkIndex: meta.Index, Cause: err}
	}

	f.mu.Lock()
	f.uploadCalls = append(f.uploadCalls, meta)
	call := len(f.uploadCalls)
	f.mu.Unlock()

	return f.uploadFn(call, meta)
}

func (f *fakeAdapter) Finalize(ctx context.Context, uploadID string, parts []network.Part) (*network.FinalizeResult, error) {
	f.mu.Lock()
	f.finalizeCalls++
	f.finalizeParts = append([]network.Part(nil), parts...)
	f.mu.Unlock()

	if f.finalizeErr != nil {
		return nil, f.finalizeErr
	}
	return &network.FinalizeResult{FinalURL: "https://store.example.com/final"}, nil
}

func (f *fakeAdapter) Abort(ctx context.Context, uploadID string) error {
	f.mu.Lock()
	f.abortCalls = append(f.abortCalls, uploadID)
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) RenewTargets(ctx context.Context, uploadID string, chunks []network.ChunkMeta) ([]network.Target, error) {
	return make([]network.Target, len(chunks)), nil
}

func (f *fakeAdapter) aborts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.abortCalls...)
}

func (f *fakeAdapter) uploadsOf(index int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, m := range f.uploadCalls {
		if m.Index == index {
			count++
		}
	}
	return count
}

func (f *fakeAdapter) parts() []network.Part {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]network.Part(nil), f.finalizeParts...)
}

func fastOptions() Options {
	return Options{
		RetryPolicy: &scheduler.Policy{
			MaxAttempts: 5,
			BaseDelay:   5 * time.Millisecond,
			MaxDelay:    50 * time.Millisecond,
		},
		LifecycleRetryWait: 5 * time.Millisecond,
	}
}

func testParams(totalSize int64, concurrency int) Params {
	return Params{
		Filename:    "payload.bin",
		MimeType:    "application/octet-stream",
		TotalSize:   totalSize,
		ChunkSize:   testChunkSize,
		Concurrency: concurrency,
		Provider:    network.ProviderS3,
	}
}

func newTestController(t *testing.T, data []byte, params Params, adapter network.Adapter) *Controller {
	t.Helper()
	controller, err := NewController(bytes.NewReader(data), params, adapter, fastOptions(), log.NewLogger())
	require.NoError(t, err)
	t.Cleanup(controller.Close)
	return controller
}

func waitDone(t *testing.T, c *Controller) Progress {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	progress, err := c.Wait(ctx)
	require.NoError(t, err)
	return progress
}

func TestController_CleanUpload(t *testing.T) {
	// 5 chunks, concurrency 3, every PUT accepted.
	data := bytes.Repeat([]byte("a"), 5*testChunkSize)
	adapter := newFakeAdapter()

	c := newTestController(t, data, testParams(int64(len(data)), 3), adapter)
	require.NoError(t, c.Start())

	progress := waitDone(t, c)

	assert.Equal(t, StatusCompleted, progress.Status)
	assert.Equal(t, 100.0, progress.Percent)
	assert.Equal(t, 5, progress.CompletedChunks)
	assert.Equal(t, 0, progress.FailedChunks)
	assert.Equal(t, "https://store.example.com/final", progress.FinalURL)
	assert.Equal(t, int64(len(data)), progress.BytesDone)

	// Finalize got parts 1..5 strictly ascending.
	parts := adapter.parts()
	require.Len(t, parts, 5)
	for i, part := range parts {
		assert.Equal(t, i+1, part.Number)
		assert.NotEmpty(t, part.ETag)
	}
}

func TestController_EmptyFile(t *testing.T) {
	adapter := newFakeAdapter()
	c := newTestController(t, nil, testParams(0, 1), adapter)
	require.NoError(t, c.Start())

	progress := waitDone(t, c)
	assert.Equal(t, StatusCompleted, progress.Status)
	assert.Equal(t, 100.0, progress.Percent)
	assert.Equal(t, 1, progress.TotalChunks)
}

func TestController_RetryThenSucceed(t *testing.T) {
	data := bytes.Repeat([]byte("b"), 2*testChunkSize)

	var chunk0Attempts int32
	adapter := newFakeAdapter()
	adapter.uploadFn = func(call int, meta network.ChunkMeta) (*network.ChunkReceipt, error) {
		if meta.Index == 0 && atomic.AddInt32(&chunk0Attempts, 1) == 1 {
			return nil, &network.Error{Kind: network.KindTransportTransient, StatusCode: 503, ChunkIndex: 0}
		}
		return &network.ChunkReceipt{ETag: "ok"}, nil
	}

	c := newTestController(t, data, testParams(int64(len(data)), 2), adapter)
	require.NoError(t, c.Start())

	progress := waitDone(t, c)
	assert.Equal(t, StatusCompleted, progress.Status)
	assert.Equal(t, 2, adapter.uploadsOf(0), "chunk 0 needs exactly two attempts")
	assert.Equal(t, 1, adapter.uploadsOf(1))
}

func TestController_ThresholdTrip(t *testing.T) {
	// 10 chunks; chunks 2 and 7 fail permanently with HTTP 400.
	// 2 > ceil(10 * 0.1) = 1, so the session fails with the threshold kind.
	data := bytes.Repeat([]byte("c"), 10*testChunkSize)

	adapter := newFakeAdapter()
	adapter.uploadFn = func(call int, meta network.ChunkMeta) (*network.ChunkReceipt, error) {
		if meta.Index == 2 || meta.Index == 7 {
			return nil, &network.Error{Kind: network.KindTransportFatal, StatusCode: 400, ChunkIndex: meta.Index}
		}
		return &network.ChunkReceipt{ETag: "ok"}, nil
	}

	c := newTestController(t, data, testParams(int64(len(data)), 2), adapter)
	require.NoError(t, c.Start())

	progress := waitDone(t, c)
	assert.Equal(t, StatusFailed, progress.Status)
	assert.Equal(t, 2, progress.FailedChunks)
	require.Error(t, progress.Err)

	var terr *network.Error
	require.ErrorAs(t, progress.Err, &terr)
	assert.Equal(t, network.KindThreshold, terr.Kind)
}

func TestController_SingleFailureBelowThresholdStillFails(t *testing.T) {
	// 20 chunks tolerate ceil(20 * 0.1) = 2 failures; a single fatal chunk
	// stays below the threshold but the session still cannot complete.
	data := bytes.Repeat([]byte("d"), 20*testChunkSize)

	adapter := newFakeAdapter()
	adapter.uploadFn = func(call int, meta network.ChunkMeta) (*network.ChunkReceipt, error) {
		if meta.Index == 4 {
			return nil, &network.Error{Kind: network.KindTransportFatal, StatusCode: 403, ChunkIndex: meta.Index}
		}
		return &network.ChunkReceipt{ETag: "ok"}, nil
	}

	c := newTestController(t, data, testParams(int64(len(data)), 4), adapter)
	require.NoError(t, c.Start())

	progress := waitDone(t, c)
	assert.Equal(t, StatusFailed, progress.Status)
	assert.Equal(t, 1, progress.FailedChunks)
	assert.Equal(t, 19, progress.CompletedChunks)

	var terr *network.Error
	require.ErrorAs(t, progress.Err, &terr)
	assert.NotEqual(t, network.KindThreshold, terr.Kind)
}

func TestController_RetryFromFailed(t *testing.T) {
	data := bytes.Repeat([]byte("e"), 4*testChunkSize)

	var failing atomic.Bool
	failing.Store(true)
	adapter := newFakeAdapter()
	adapter.uploadFn = func(call int, meta network.ChunkMeta) (*network.ChunkReceipt, error) {
		if meta.Index == 1 && failing.Load() {
			return nil, &network.Error{Kind: network.KindTransportFatal, StatusCode: 422, ChunkIndex: 1}
		}
		return &network.ChunkReceipt{ETag: "ok"}, nil
	}

	c := newTestController(t, data, testParams(int64(len(data)), 2), adapter)
	require.NoError(t, c.Start())

	progress := waitDone(t, c)
	require.Equal(t, StatusFailed, progress.Status)
	completedBefore := progress.CompletedChunks

	// The condition clears; a manual retry finishes the session without
	// re-uploading the completed chunks.
	failing.Store(false)
	require.NoError(t, c.RetryFailed())

	progress = waitDone(t, c)
	assert.Equal(t, StatusCompleted, progress.Status)
	assert.Equal(t, 4, progress.CompletedChunks)
	assert.GreaterOrEqual(t, completedBefore, 3)

	for i := 0; i < 4; i++ {
		if i == 1 {
			continue
		}
		assert.Equal(t, 1, adapter.uploadsOf(i), "chunk %d must not be re-uploaded", i)
	}
}

func TestController_PauseThenCancel(t *testing.T) {
	// 8 chunks with concurrency 1; pause after the third completion, then
	// cancel. No chunk may start after the pause, abort fires exactly once.
	data := bytes.Repeat([]byte("f"), 8*testChunkSize)

	completions := make(chan int, 8)
	adapter := newFakeAdapter()
	adapter.uploadFn = func(call int, meta network.ChunkMeta) (*network.ChunkReceipt, error) {
		completions <- meta.Index
		return &network.ChunkReceipt{ETag: "ok"}, nil
	}

	c := newTestController(t, data, testParams(int64(len(data)), 1), adapter)
	require.NoError(t, c.Start())

	for i := 0; i < 3; i++ {
		select {
		case <-completions:
		case <-time.After(10 * time.Second):
			t.Fatal("timed out waiting for completions")
		}
	}
	require.NoError(t, c.Pause())

	// Give any straggler worker time to drain, then check nothing new was
	// dispatched beyond what was already in flight at pause time.
	time.Sleep(100 * time.Millisecond)
	adapter.mu.Lock()
	dispatchedAtPause := len(adapter.uploadCalls)
	adapter.mu.Unlock()

	time.Sleep(200 * time.Millisecond)
	adapter.mu.Lock()
	dispatchedAfterWait := len(adapter.uploadCalls)
	adapter.mu.Unlock()
	assert.Equal(t, dispatchedAtPause, dispatchedAfterWait, "no dispatches while paused")

	require.NoError(t, c.Cancel())

	progress := waitDone(t, c)
	assert.Equal(t, StatusCancelled, progress.Status)
	assert.Equal(t, []string{"upload-1"}, adapter.aborts(), "abort exactly once with the session's upload id")

	// Cancel on a terminal session is a no-op and must not abort again.
	require.NoError(t, c.Cancel())
	assert.Equal(t, []string{"upload-1"}, adapter.aborts())
}

func TestController_PauseResumeCompletes(t *testing.T) {
	data := bytes.Repeat([]byte("g"), 6*testChunkSize)

	completions := make(chan int, 6)
	adapter := newFakeAdapter()
	adapter.uploadFn = func(call int, meta network.ChunkMeta) (*network.ChunkReceipt, error) {
		completions <- meta.Index
		return &network.ChunkReceipt{ETag: "ok"}, nil
	}

	c := newTestController(t, data, testParams(int64(len(data)), 2), adapter)
	require.NoError(t, c.Start())

	select {
	case <-completions:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for first completion")
	}
	require.NoError(t, c.Pause())
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, c.Resume())

	progress := waitDone(t, c)
	assert.Equal(t, StatusCompleted, progress.Status)
	assert.Equal(t, 6, progress.CompletedChunks)
	assert.Equal(t, 0, progress.FailedChunks)
}

func TestController_CancelBeforeStart(t *testing.T) {
	adapter := newFakeAdapter()
	c := newTestController(t, []byte("x"), testParams(1, 1), adapter)

	require.NoError(t, c.Cancel())
	progress := c.Snapshot()
	assert.Equal(t, StatusCancelled, progress.Status)
	// No provider session existed, nothing to abort.
	assert.Empty(t, adapter.aborts())

	assert.Error(t, c.Start(), "cancelled sessions cannot start")
}

func TestController_StateGuards(t *testing.T) {
	adapter := newFakeAdapter()
	c := newTestController(t, []byte("x"), testParams(1, 1), adapter)

	assert.Error(t, c.Pause(), "pause requires uploading")
	assert.Error(t, c.Resume(), "resume requires paused")
}

func TestController_FinalizeFailure(t *testing.T) {
	data := bytes.Repeat([]byte("h"), 2*testChunkSize)

	adapter := newFakeAdapter()
	adapter.finalizeErr = &network.Error{Kind: network.KindTransportFatal, StatusCode: 409}

	c := newTestController(t, data, testParams(int64(len(data)), 2), adapter)
	require.NoError(t, c.Start())

	progress := waitDone(t, c)
	assert.Equal(t, StatusFailed, progress.Status)

	var terr *network.Error
	require.ErrorAs(t, progress.Err, &terr)
	assert.Equal(t, network.KindFinalize, terr.Kind)
}

func TestController_ValidationErrors(t *testing.T) {
	adapter := newFakeAdapter()
	logger := log.NewLogger()

	tests := []struct {
		name   string
		mutate func(*Params)
	}{
		{name: "empty filename", mutate: func(p *Params) { p.Filename = "" }},
		{name: "chunk size not a power of two", mutate: func(p *Params) { p.ChunkSize = 300000 }},
		{name: "chunk size too small", mutate: func(p *Params) { p.ChunkSize = 128 * 1024 }},
		{name: "chunk size too large", mutate: func(p *Params) { p.ChunkSize = 32 * 1024 * 1024 }},
		{name: "zero concurrency", mutate: func(p *Params) { p.Concurrency = 0 }},
		{name: "concurrency too high", mutate: func(p *Params) { p.Concurrency = 9 }},
		{name: "unknown provider", mutate: func(p *Params) { p.Provider = "ftp" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := testParams(1024, 2)
			tt.mutate(&params)

			_, err := NewController(bytes.NewReader([]byte("x")), params, adapter, Options{}, logger)
			require.Error(t, err)

			var terr *network.Error
			require.ErrorAs(t, err, &terr)
			assert.Equal(t, network.KindValidation, terr.Kind)
		})
	}
}

func TestController_ProgressAccounting(t *testing.T) {
	data := bytes.Repeat([]byte("i"), 3*testChunkSize)
	adapter := newFakeAdapter()

	c := newTestController(t, data, testParams(int64(len(data)), 1), adapter)
	require.NoError(t, c.Start())

	progress := waitDone(t, c)
	assert.Equal(t, progress.BytesDone, progress.TotalSize)
	assert.Equal(t, progress.CompletedChunks, progress.TotalChunks)
	assert.Equal(t, "0s", progress.ETA)
}
