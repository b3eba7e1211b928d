package network

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/hashicorp/go-retryablehttp"
)

var rangeHeaderPattern = regexp.MustCompile(`^bytes=0-(\d+)$`)

// ResumableAdapter drives the Google resumable upload protocol shared by
// Drive and GCS: the control plane opens a session and returns one
// resumable URL; every chunk PUTs to that URL with its own Content-Range.
// HTTP 308 means the provider accepted a prefix and wants more; the Range
// response header names the last byte it holds.
//
// The adapter keeps the session's resumable URL after Initialize, so one
// adapter instance serves exactly one session.
type ResumableAdapter struct {
	kind           ProviderKind
	api            apiClient
	httpClient     *http.Client
	requestTimeout time.Duration
	logger         log.Logger

	resumableURL string
}

// ResumableAdapterParams configures a ResumableAdapter. HTTPClient and
// RequestTimeout may be zero to use the defaults.
type ResumableAdapterParams struct {
	APIBaseURL     string
	AccessToken    string
	APIClient      *retryablehttp.Client
	HTTPClient     *http.Client
	RequestTimeout time.Duration
}

// NewDriveAdapter creates a Google Drive resumable adapter.
func NewDriveAdapter(params ResumableAdapterParams, logger log.Logger) *ResumableAdapter {
	return newResumableAdapter(ProviderGoogleDrive, params, logger)
}

// NewGCSAdapter creates a GCS resumable adapter.
func NewGCSAdapter(params ResumableAdapterParams, logger log.Logger) *ResumableAdapter {
	return newResumableAdapter(ProviderGCS, params, logger)
}

func newResumableAdapter(kind ProviderKind, params ResumableAdapterParams, logger log.Logger) *ResumableAdapter {
	httpClient := params.HTTPClient
	if httpClient == nil {
		httpClient = DefaultHTTPClient()
	}
	timeout := params.RequestTimeout
	if timeout == 0 {
		timeout = DefaultRequestTimeout
	}
	return &ResumableAdapter{
		kind:           kind,
		api:            newAPIClient(params.APIClient, params.APIBaseURL, params.AccessToken, logger),
		httpClient:     httpClient,
		requestTimeout: timeout,
		logger:         logger,
	}
}

// Kind ...
func (a *ResumableAdapter) Kind() ProviderKind {
	return a.kind
}

// Initialize opens the resumable session and fans the single resumable URL
// out to one target per chunk. Content-Range is set per attempt from the
// chunk metadata, not here.
func (a *ResumableAdapter) Initialize(ctx context.Context, info FileInfo) (*InitResult, error) {
	resp, err := a.api.initialize(initializeRequest{
		Filename:    info.Filename,
		FileSize:    info.TotalSize,
		FileHash:    info.FileHash,
		ChunkCount:  info.ChunkCount,
		StorageType: string(a.kind),
		Options:     info.Params,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize %s upload: %w", a.kind, err)
	}
	if resp.ResumableURL == "" {
		return nil, NewError(KindInitialize, "control plane returned no resumable URL", nil)
	}

	a.resumableURL = resp.ResumableURL

	return &InitResult{
		UploadID:  resp.UploadID,
		Targets:   a.fanOutTargets(info.ChunkCount),
		ObjectKey: resp.ObjectKey,
	}, nil
}

func (a *ResumableAdapter) fanOutTargets(chunkCount int) []Target {
	targets := make([]Target, chunkCount)
	for i := range targets {
		targets[i] = Target{
			URL:     a.resumableURL,
			Method:  http.MethodPut,
			Headers: map[string]string{"Content-Type": "application/octet-stream"},
		}
	}
	return targets
}

// UploadChunk PUTs the range [meta.Start, meta.End) with its Content-Range.
// 2xx acknowledges the bytes; 308 is a partial acceptance surfaced as an
// incomplete Error whose NextOffset the scheduler re-issues the tail from.
func (a *ResumableAdapter) UploadChunk(ctx context.Context, body []byte, target Target, meta ChunkMeta) (*ChunkReceipt, error) {
	contentRange := formatContentRange(meta)

	resp, firstByte, err := doChunkRequest(ctx, a.httpClient, a.requestTimeout, body, target, func(req *http.Request) {
		req.Header.Set("Content-Range", contentRange)
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			a.logger.Printf(err.Error())
		}
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		etag := strings.Trim(resp.Header.Get("ETag"), `"`)
		return &ChunkReceipt{ETag: etag, FirstByte: firstByte}, nil

	case resp.StatusCode == http.StatusPermanentRedirect:
		next, perr := parseRangeHeader(resp.Header.Get("Range"))
		if perr != nil {
			// No usable Range header: the provider holds nothing of this
			// chunk, resend it whole.
			a.logger.Debugf("308 without Range header for chunk %d: %v", meta.Index, perr)
			next = meta.Start
		}
		return nil, &Error{
			Kind:       KindTransportTransient,
			StatusCode: resp.StatusCode,
			ChunkIndex: meta.Index,
			Message:    fmt.Sprintf("incomplete, next byte %d", next),
			Incomplete: true,
			NextOffset: next,
		}

	default:
		serr := statusError(resp.StatusCode, readErrorBody(resp.Body))
		serr.ChunkIndex = meta.Index
		return nil, serr
	}
}

// Finalize is implicit in this protocol: the 2xx on the last chunk already
// committed the object. The control plane is only consulted for the view
// URL via a metadata lookup.
func (a *ResumableAdapter) Finalize(ctx context.Context, uploadID string, parts []Part) (*FinalizeResult, error) {
	resp, err := a.api.finalize(finalizeRequest{
		UploadID:    uploadID,
		StorageType: string(a.kind),
	})
	if err != nil {
		return nil, fmt.Errorf("finalize %s upload: %w", a.kind, err)
	}
	if !resp.Success {
		return nil, NewError(KindFinalize, "control plane rejected finalize", nil)
	}
	return &FinalizeResult{FinalURL: resp.FinalURL}, nil
}

// Abort cancels the session via the control plane. An unknown upload ID
// counts as success.
func (a *ResumableAdapter) Abort(ctx context.Context, uploadID string) error {
	_, err := a.api.abort(uploadID)
	if err != nil {
		var terr *Error
		if errors.As(err, &terr) && terr.StatusCode == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("abort %s upload: %w", a.kind, err)
	}
	return nil
}

// SessionStatus looks the upload session up on the control plane.
func (a *ResumableAdapter) SessionStatus(ctx context.Context, uploadID string) (*RemoteStatus, error) {
	return remoteStatus(a.api, uploadID)
}

// CanRetarget is true: every chunk targets the same resumable URL, so a
// re-planned tail just gets the URL fanned out again.
func (a *ResumableAdapter) CanRetarget() bool {
	return true
}

// RenewTargets ...
func (a *ResumableAdapter) RenewTargets(ctx context.Context, uploadID string, chunks []ChunkMeta) ([]Target, error) {
	if a.resumableURL == "" {
		return nil, NewError(KindValidation, "session not initialized", nil)
	}
	return a.fanOutTargets(len(chunks)), nil
}

// formatContentRange renders "bytes S-E/T" with E inclusive. A zero-size
// chunk (empty file) renders "bytes */T", which the protocol uses to
// finalize empty objects.
func formatContentRange(meta ChunkMeta) string {
	if meta.End == meta.Start {
		return fmt.Sprintf("bytes */%d", meta.TotalSize)
	}
	return fmt.Sprintf("bytes %d-%d/%d", meta.Start, meta.End-1, meta.TotalSize)
}

// parseRangeHeader extracts N from "bytes=0-N" and returns N+1, the first
// byte the provider does not hold yet.
func parseRangeHeader(value string) (int64, error) {
	if value == "" {
		return 0, fmt.Errorf("empty Range header")
	}
	m := rangeHeaderPattern.FindStringSubmatch(strings.TrimSpace(value))
	if m == nil {
		return 0, fmt.Errorf("malformed Range header %q", value)
	}
	last, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed Range header %q: %w", value, err)
	}
	return last + 1, nil
}
