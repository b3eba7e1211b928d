package network

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatContentRange(t *testing.T) {
	tests := []struct {
		name string
		meta ChunkMeta
		want string
	}{
		{
			name: "first chunk",
			meta: ChunkMeta{Start: 0, End: 1048576, TotalSize: 2621440},
			want: "bytes 0-1048575/2621440",
		},
		{
			name: "tail after a 308",
			meta: ChunkMeta{Start: 524288, End: 1048576, TotalSize: 2621440},
			want: "bytes 524288-1048575/2621440",
		},
		{
			name: "empty file",
			meta: ChunkMeta{Start: 0, End: 0, TotalSize: 0},
			want: "bytes */0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, formatContentRange(tt.meta))
		})
	}
}

func TestParseRangeHeader(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		want    int64
		wantErr bool
	}{
		{name: "half a mebibyte", value: "bytes=0-524287", want: 524288},
		{name: "single byte", value: "bytes=0-0", want: 1},
		{name: "empty", value: "", wantErr: true},
		{name: "garbage", value: "bytes=junk", wantErr: true},
		{name: "not zero based", value: "bytes=100-200", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseRangeHeader(tt.value)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func newResumableTestAdapter(t *testing.T, apiURL string) *ResumableAdapter {
	t.Helper()
	logger := log.NewLogger()
	return NewGCSAdapter(ResumableAdapterParams{
		APIBaseURL: apiURL,
		APIClient:  retryhttp.NewClient(logger),
	}, logger)
}

func TestResumableAdapter_InitializeFansOutTargets(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/upload/initialize", r.URL.Path)

		var req initializeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gcs", req.StorageType)

		_ = json.NewEncoder(w).Encode(initializeResponse{
			UploadID:     "up-1",
			ResumableURL: "https://storage.example.com/resume/abc",
		})
	}))
	defer server.Close()

	adapter := newResumableTestAdapter(t, server.URL)
	result, err := adapter.Initialize(context.Background(), FileInfo{
		Filename:   "video.mp4",
		TotalSize:  3 * 1024 * 1024,
		ChunkCount: 3,
	})
	require.NoError(t, err)

	assert.Equal(t, "up-1", result.UploadID)
	require.Len(t, result.Targets, 3)
	for _, target := range result.Targets {
		assert.Equal(t, "https://storage.example.com/resume/abc", target.URL)
		assert.Equal(t, http.MethodPut, target.Method)
	}
	assert.True(t, adapter.CanRetarget())
}

func TestResumableAdapter_UploadChunk308(t *testing.T) {
	dataServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "bytes 0-1048575/2621440", r.Header.Get("Content-Range"))
		w.Header().Set("Range", "bytes=0-524287")
		w.WriteHeader(http.StatusPermanentRedirect)
	}))
	defer dataServer.Close()

	adapter := newResumableTestAdapter(t, "http://unused.invalid")

	_, err := adapter.UploadChunk(context.Background(),
		make([]byte, 1048576),
		Target{URL: dataServer.URL, Method: http.MethodPut},
		ChunkMeta{Index: 3, Start: 0, End: 1048576, TotalSize: 2621440},
	)
	require.Error(t, err)

	next, ok := IsIncomplete(err)
	assert.True(t, ok)
	assert.Equal(t, int64(524288), next)
	assert.True(t, IsRetryable(err))
}

func TestResumableAdapter_UploadChunkSuccess(t *testing.T) {
	dataServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "bytes 524288-1048575/2621440", r.Header.Get("Content-Range"))
		w.WriteHeader(http.StatusOK)
	}))
	defer dataServer.Close()

	adapter := newResumableTestAdapter(t, "http://unused.invalid")

	receipt, err := adapter.UploadChunk(context.Background(),
		make([]byte, 524288),
		Target{URL: dataServer.URL, Method: http.MethodPut},
		ChunkMeta{Index: 3, Start: 524288, End: 1048576, TotalSize: 2621440},
	)
	require.NoError(t, err)
	assert.NotNil(t, receipt)
}

func TestResumableAdapter_UploadChunkFatalStatus(t *testing.T) {
	dataServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = fmt.Fprint(w, "signature expired")
	}))
	defer dataServer.Close()

	adapter := newResumableTestAdapter(t, "http://unused.invalid")

	_, err := adapter.UploadChunk(context.Background(), []byte("x"),
		Target{URL: dataServer.URL, Method: http.MethodPut},
		ChunkMeta{Index: 0, Start: 0, End: 1, TotalSize: 1},
	)
	require.Error(t, err)
	assert.False(t, IsRetryable(err))
}

func TestResumableAdapter_AbortNotFoundIsSuccess(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "no such upload", http.StatusNotFound)
	}))
	defer server.Close()

	adapter := newResumableTestAdapter(t, server.URL)
	assert.NoError(t, adapter.Abort(context.Background(), "gone"))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}
