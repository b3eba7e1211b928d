package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"sort"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/hashicorp/go-retryablehttp"
)

// S3Adapter drives an S3 multipart upload through the control plane: the
// backend opens the multipart upload and mints one presigned PUT URL per
// part; the adapter PUTs each chunk to its URL and collects the ETags the
// backend needs to complete the upload.
type S3Adapter struct {
	api            apiClient
	httpClient     *http.Client
	requestTimeout time.Duration
	logger         log.Logger
}

// S3AdapterParams configures an S3Adapter. HTTPClient and RequestTimeout
// may be zero to use the defaults.
type S3AdapterParams struct {
	APIBaseURL     string
	AccessToken    string
	APIClient      *retryablehttp.Client
	HTTPClient     *http.Client
	RequestTimeout time.Duration
}

// NewS3Adapter creates a presigned-URL S3 adapter.
func NewS3Adapter(params S3AdapterParams, logger log.Logger) *S3Adapter {
	httpClient := params.HTTPClient
	if httpClient == nil {
		httpClient = DefaultHTTPClient()
	}
	timeout := params.RequestTimeout
	if timeout == 0 {
		timeout = DefaultRequestTimeout
	}
	return &S3Adapter{
		api:            newAPIClient(params.APIClient, params.APIBaseURL, params.AccessToken, logger),
		httpClient:     httpClient,
		requestTimeout: timeout,
		logger:         logger,
	}
}

// Kind ...
func (a *S3Adapter) Kind() ProviderKind {
	return ProviderS3
}

// Initialize asks the control plane for an upload ID and per-part presigned
// URLs. The URL count must match the chunk count; parts are addressed by
// position, PartNumber = index + 1.
func (a *S3Adapter) Initialize(ctx context.Context, info FileInfo) (*InitResult, error) {
	resp, err := a.api.initialize(initializeRequest{
		Filename:    info.Filename,
		FileSize:    info.TotalSize,
		FileHash:    info.FileHash,
		ChunkCount:  info.ChunkCount,
		StorageType: string(ProviderS3),
		Options:     info.Params,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize s3 upload: %w", err)
	}

	targets, err := s3Targets(resp, info.ChunkCount)
	if err != nil {
		return nil, err
	}

	return &InitResult{
		UploadID:  resp.UploadID,
		Targets:   targets,
		ObjectKey: resp.ObjectKey,
	}, nil
}

func s3Targets(resp initializeResponse, chunkCount int) ([]Target, error) {
	if len(resp.ChunkURLs) > 0 {
		if len(resp.ChunkURLs) != chunkCount {
			return nil, NewError(KindInitialize,
				fmt.Sprintf("chunk URL count mismatch: got %d, need %d", len(resp.ChunkURLs), chunkCount), nil)
		}
		targets := make([]Target, len(resp.ChunkURLs))
		for i, u := range resp.ChunkURLs {
			targets[i] = Target{URL: u.URL, Method: u.Method, Headers: u.Headers}
		}
		return targets, nil
	}

	if len(resp.PresignedURLs) != chunkCount {
		return nil, NewError(KindInitialize,
			fmt.Sprintf("presigned URL count mismatch: got %d, need %d", len(resp.PresignedURLs), chunkCount), nil)
	}
	targets := make([]Target, len(resp.PresignedURLs))
	for i, u := range resp.PresignedURLs {
		targets[i] = Target{
			URL:     u,
			Method:  http.MethodPut,
			Headers: map[string]string{"Content-Type": "application/octet-stream"},
		}
	}
	return targets, nil
}

// UploadChunk PUTs one part to its presigned URL and returns the part's
// strong ETag with the surrounding quotes stripped.
func (a *S3Adapter) UploadChunk(ctx context.Context, body []byte, target Target, meta ChunkMeta) (*ChunkReceipt, error) {
	resp, firstByte, err := doChunkRequest(ctx, a.httpClient, a.requestTimeout, body, target, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			a.logger.Printf(err.Error())
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		serr := statusError(resp.StatusCode, readErrorBody(resp.Body))
		serr.ChunkIndex = meta.Index
		return nil, serr
	}

	etag := strings.Trim(resp.Header.Get("ETag"), `"`)
	if etag == "" {
		return nil, &Error{
			Kind:       KindTransportTransient,
			StatusCode: resp.StatusCode,
			ChunkIndex: meta.Index,
			Message:    "no ETag in response",
		}
	}

	return &ChunkReceipt{ETag: etag, FirstByte: firstByte}, nil
}

// Finalize reports the collected parts to the control plane, sorted by
// PartNumber ascending, and returns the committed object URL.
func (a *S3Adapter) Finalize(ctx context.Context, uploadID string, parts []Part) (*FinalizeResult, error) {
	sorted := make([]finalizePart, len(parts))
	for i, p := range parts {
		sorted[i] = finalizePart{PartNumber: p.Number, ETag: p.ETag}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PartNumber < sorted[j].PartNumber })

	resp, err := a.api.finalize(finalizeRequest{
		UploadID:    uploadID,
		StorageType: string(ProviderS3),
		Parts:       sorted,
	})
	if err != nil {
		return nil, fmt.Errorf("finalize s3 upload: %w", err)
	}
	if !resp.Success {
		return nil, NewError(KindFinalize, "control plane rejected finalize", nil)
	}
	return &FinalizeResult{FinalURL: resp.FinalURL}, nil
}

// Abort tells the control plane to abort the multipart upload. An unknown
// upload ID counts as success.
func (a *S3Adapter) Abort(ctx context.Context, uploadID string) error {
	_, err := a.api.abort(uploadID)
	if err != nil {
		var terr *Error
		if errors.As(err, &terr) && terr.StatusCode == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("abort s3 upload: %w", err)
	}
	return nil
}

// SessionStatus looks the upload session up on the control plane.
func (a *S3Adapter) SessionStatus(ctx context.Context, uploadID string) (*RemoteStatus, error) {
	return remoteStatus(a.api, uploadID)
}

// CanRetarget is false: part URLs are presigned at initialize for a fixed
// chunk count, so a re-planned tail has no URLs to upload to.
func (a *S3Adapter) CanRetarget() bool {
	return false
}

// RenewTargets ...
func (a *S3Adapter) RenewTargets(ctx context.Context, uploadID string, chunks []ChunkMeta) ([]Target, error) {
	return nil, NewError(KindValidation, "presigned s3 targets are fixed at initialize", nil)
}

// doChunkRequest issues one data-plane request with a per-attempt deadline
// and measures time to first response byte. decorate may mutate the request
// before it is sent.
func doChunkRequest(
	ctx context.Context,
	client *http.Client,
	timeout time.Duration,
	body []byte,
	target Target,
	decorate func(*http.Request),
) (*http.Response, time.Duration, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)

	var firstByte time.Duration
	start := time.Now()
	trace := &httptrace.ClientTrace{
		GotFirstResponseByte: func() {
			firstByte = time.Since(start)
		},
	}
	reqCtx = httptrace.WithClientTrace(reqCtx, trace)

	req, err := http.NewRequestWithContext(reqCtx, target.Method, target.URL, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	for k, v := range target.Headers {
		req.Header.Set(k, v)
	}
	req.ContentLength = int64(len(body))
	if decorate != nil {
		decorate(req)
	}

	resp, err := client.Do(req)
	if err != nil {
		cancel()
		return nil, 0, transportError(ctx, err)
	}

	// The deadline must outlive the body read; tie it to body close.
	resp.Body = &cancelReadCloser{ReadCloser: resp.Body, cancel: cancel}
	return resp, firstByte, nil
}

type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func readErrorBody(body io.Reader) string {
	buf := make([]byte, 1024)
	n, _ := io.ReadAtLeast(body, buf, 1)
	return string(buf[:n])
}
