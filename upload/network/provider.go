// Package network holds the control-plane API client and the provider
// adapters the upload engine drives: S3 multipart over presigned URLs,
// S3 multipart over the AWS SDK, and the Google Drive / GCS resumable
// protocol. Adapters never retry on their own; retries belong to the
// chunk scheduler.
package network

import (
	"context"
	"net/http"
	"time"
)

// ProviderKind selects the storage backend.
type ProviderKind string

const (
	// ProviderS3 is S3-compatible multipart upload.
	ProviderS3 ProviderKind = "s3"
	// ProviderGoogleDrive is the Drive resumable upload protocol.
	ProviderGoogleDrive ProviderKind = "google_drive"
	// ProviderGCS is the GCS resumable upload protocol.
	ProviderGCS ProviderKind = "gcs"
)

// DefaultRequestTimeout bounds a single chunk transfer attempt. A timeout
// is a retryable transport error.
const DefaultRequestTimeout = 30 * time.Second

// FileInfo describes the file a session is about to initialize.
type FileInfo struct {
	Filename   string
	TotalSize  int64
	FileHash   string
	ChunkCount int
	MimeType   string
	Params     map[string]string
}

// Target tells a worker where and how to send one chunk. Resumable
// providers hand out the same URL for every chunk and differentiate via
// Content-Range; the direct S3 adapter ignores targets entirely and
// addresses parts through the SDK.
type Target struct {
	URL     string
	Method  string
	Headers map[string]string
}

// InitResult is the provider-side session created by Initialize.
type InitResult struct {
	UploadID  string
	Targets   []Target
	ObjectKey string
}

// ChunkMeta accompanies a chunk transfer. Start may sit past the chunk's
// planned start when re-issuing the tail after a 308.
type ChunkMeta struct {
	Index     int
	Start     int64
	End       int64
	TotalSize int64
	Hash      string
}

// ChunkReceipt is a successful chunk transfer. FirstByte is the measured
// time to first response byte, used for latency sampling; zero when the
// transport could not measure it.
type ChunkReceipt struct {
	ETag      string
	FirstByte time.Duration
}

// Part is one entry of an S3 CompleteMultipartUpload payload. Number is
// 1-based.
type Part struct {
	Number int
	ETag   string
}

// FinalizeResult is the committed object's location.
type FinalizeResult struct {
	FinalURL string
}

// RemoteStatus is the control plane's view of an upload session, for
// callers that observe a session from outside the engine.
type RemoteStatus struct {
	Status          string
	Progress        float64
	CompletedChunks int
	TotalChunks     int
	FailedChunks    int
	FinalURL        string
}

// Adapter is the capability set every provider implements. UploadChunk
// honors ctx cancellation on the in-flight request, as do all calls of the
// direct S3 adapter; the control-plane calls of S3Adapter and
// ResumableAdapter (Initialize, Finalize, Abort) do not observe ctx. Abort
// is idempotent: aborting an unknown upload succeeds.
type Adapter interface {
	Kind() ProviderKind
	Initialize(ctx context.Context, info FileInfo) (*InitResult, error)
	UploadChunk(ctx context.Context, body []byte, target Target, meta ChunkMeta) (*ChunkReceipt, error)
	Finalize(ctx context.Context, uploadID string, parts []Part) (*FinalizeResult, error)
	Abort(ctx context.Context, uploadID string) error

	// CanRetarget reports whether RenewTargets can mint targets for a
	// re-planned chunk tail. Presigned-URL S3 cannot: its part URLs are
	// fixed at initialize.
	CanRetarget() bool
	RenewTargets(ctx context.Context, uploadID string, chunks []ChunkMeta) ([]Target, error)
}

// DefaultHTTPClient builds the data-plane client used for chunk PUTs.
// No client-level timeout: attempts are bounded per request via context.
func DefaultHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 0,
		Transport: &http.Transport{
			MaxIdleConns:        50,
			MaxConnsPerHost:     20,
			IdleConnTimeout:     10 * time.Second,
			TLSHandshakeTimeout: 5 * time.Second,
			Proxy:               http.ProxyFromEnvironment,
		},
	}
}
