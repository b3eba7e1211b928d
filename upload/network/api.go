package network

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/hashicorp/go-retryablehttp"
)

// Control-plane validation limits, mirrored client-side so bad sessions
// fail before any network traffic.
const (
	MaxFileSize   = 10 * 1024 * 1024 * 1024
	MaxChunkCount = 10000
)

type initializeRequest struct {
	Filename    string            `json:"filename"`
	FileSize    int64             `json:"fileSize"`
	FileHash    string            `json:"fileHash,omitempty"`
	ChunkCount  int               `json:"chunkCount"`
	StorageType string            `json:"storageType"`
	Options     map[string]string `json:"options,omitempty"`
}

type chunkURL struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
}

type initializeResponse struct {
	UploadID      string     `json:"uploadId"`
	ChunkURLs     []chunkURL `json:"chunkUrls"`
	PresignedURLs []string   `json:"presignedUrls"`
	ResumableURL  string     `json:"resumableUrl"`
	ObjectKey     string     `json:"objectKey"`
}

type finalizePart struct {
	PartNumber int    `json:"partNumber"`
	ETag       string `json:"etag"`
}

type finalizeRequest struct {
	UploadID    string         `json:"uploadId"`
	StorageType string         `json:"storageType"`
	Parts       []finalizePart `json:"parts,omitempty"`
}

type finalizeResponse struct {
	Success  bool   `json:"success"`
	FinalURL string `json:"finalUrl"`
}

type abortRequest struct {
	UploadID string `json:"uploadId"`
}

type abortResponse struct {
	Success bool `json:"success"`
}

type statusResponse struct {
	Status          string  `json:"status"`
	Progress        float64 `json:"progress"`
	CompletedChunks int     `json:"completedChunks"`
	TotalChunks     int     `json:"totalChunks"`
	FailedChunks    int     `json:"failedChunks"`
	FinalURL        string  `json:"finalUrl,omitempty"`
}

// apiClient talks to the backend control plane that brokers provider
// sessions and mints signed URLs. Lifecycle calls ride on retryablehttp;
// chunk payloads never pass through here.
type apiClient struct {
	httpClient  *retryablehttp.Client
	baseURL     string
	accessToken string
	logger      log.Logger
}

func newAPIClient(client *retryablehttp.Client, baseURL string, accessToken string, logger log.Logger) apiClient {
	return apiClient{
		httpClient:  client,
		baseURL:     baseURL,
		accessToken: accessToken,
		logger:      logger,
	}
}

func (c apiClient) initialize(requestBody initializeRequest) (initializeResponse, error) {
	if requestBody.Filename == "" {
		return initializeResponse{}, NewError(KindValidation, "filename must not be empty", nil)
	}
	if requestBody.FileSize > MaxFileSize {
		return initializeResponse{}, NewError(KindValidation,
			fmt.Sprintf("file size %d exceeds the %d byte limit", requestBody.FileSize, int64(MaxFileSize)), nil)
	}
	if requestBody.ChunkCount > MaxChunkCount {
		return initializeResponse{}, NewError(KindValidation,
			fmt.Sprintf("chunk count %d exceeds the %d limit", requestBody.ChunkCount, MaxChunkCount), nil)
	}

	var response initializeResponse
	err := c.post(fmt.Sprintf("%s/api/upload/initialize", c.baseURL), requestBody, &response)
	if err != nil {
		return initializeResponse{}, err
	}
	return response, nil
}

func (c apiClient) finalize(requestBody finalizeRequest) (finalizeResponse, error) {
	var response finalizeResponse
	err := c.post(fmt.Sprintf("%s/api/upload/finalize", c.baseURL), requestBody, &response)
	if err != nil {
		return finalizeResponse{}, err
	}
	return response, nil
}

func (c apiClient) abort(uploadID string) (abortResponse, error) {
	var response abortResponse
	err := c.post(fmt.Sprintf("%s/api/upload/abort", c.baseURL), abortRequest{UploadID: uploadID}, &response)
	if err != nil {
		return abortResponse{}, err
	}
	return response, nil
}

func (c apiClient) status(uploadID string) (statusResponse, error) {
	req, err := retryablehttp.NewRequest(http.MethodGet, fmt.Sprintf("%s/api/upload/status/%s", c.baseURL, uploadID), nil)
	if err != nil {
		return statusResponse{}, err
	}
	c.setCommonHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return statusResponse{}, err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return statusResponse{}, unwrapError(resp)
	}

	var response statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return statusResponse{}, err
	}
	return response, nil
}

func remoteStatus(api apiClient, uploadID string) (*RemoteStatus, error) {
	resp, err := api.status(uploadID)
	if err != nil {
		return nil, fmt.Errorf("look up session status: %w", err)
	}
	return &RemoteStatus{
		Status:          resp.Status,
		Progress:        resp.Progress,
		CompletedChunks: resp.CompletedChunks,
		TotalChunks:     resp.TotalChunks,
		FailedChunks:    resp.FailedChunks,
		FinalURL:        resp.FinalURL,
	}, nil
}

func (c apiClient) post(url string, requestBody interface{}, response interface{}) error {
	body, err := json.Marshal(requestBody)
	if err != nil {
		return err
	}

	req, err := retryablehttp.NewRequest(http.MethodPost, url, body)
	if err != nil {
		return err
	}
	c.setCommonHeaders(req)
	req.Header.Set("Content-type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return unwrapError(resp)
	}

	return json.NewDecoder(resp.Body).Decode(response)
}

func (c apiClient) setCommonHeaders(req *retryablehttp.Request) {
	if c.accessToken != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.accessToken))
	}
}

func (c apiClient) closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		c.logger.Printf(err.Error())
	}
}

func unwrapError(resp *http.Response) error {
	errorResp, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return statusError(resp.StatusCode, string(errorResp))
}
