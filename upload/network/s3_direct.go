package network

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/v2/log"
)

// S3DirectAdapter drives a native S3 multipart upload through the AWS SDK,
// for operators with bucket credentials and no control plane. Parts are
// addressed by PartNumber (index + 1); no presigned URLs are involved, so
// targets are placeholders and re-planning is always possible.
//
// The adapter keeps the object key chosen at Initialize, so one instance
// serves exactly one session.
type S3DirectAdapter struct {
	client         *s3.Client
	bucket         string
	keyPrefix      string
	region         string
	requestTimeout time.Duration
	logger         log.Logger

	objectKey   string
	contentType string
	uploadID    string
}

// S3DirectParams configures an S3DirectAdapter. AccessKeyID and
// SecretAccessKey may be empty to fall back to the ambient credential
// chain. RequestTimeout may be zero to use the default.
type S3DirectParams struct {
	Region          string
	Bucket          string
	KeyPrefix       string
	AccessKeyID     string
	SecretAccessKey string
	RequestTimeout  time.Duration
}

// NewS3DirectAdapter creates a direct S3 adapter.
func NewS3DirectAdapter(ctx context.Context, params S3DirectParams, logger log.Logger) (*S3DirectAdapter, error) {
	if params.Bucket == "" {
		return nil, NewError(KindValidation, "bucket must not be empty", nil)
	}

	cfg, err := loadAWSConfig(ctx, params.Region, params.AccessKeyID, params.SecretAccessKey, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	timeout := params.RequestTimeout
	if timeout == 0 {
		timeout = DefaultRequestTimeout
	}

	return &S3DirectAdapter{
		client:         s3.NewFromConfig(*cfg),
		bucket:         params.Bucket,
		keyPrefix:      params.KeyPrefix,
		region:         params.Region,
		requestTimeout: timeout,
		logger:         logger,
	}, nil
}

// Kind ...
func (a *S3DirectAdapter) Kind() ProviderKind {
	return ProviderS3
}

// Initialize opens the multipart upload. Targets are placeholders; parts
// are addressed through the SDK by chunk index.
func (a *S3DirectAdapter) Initialize(ctx context.Context, info FileInfo) (*InitResult, error) {
	if info.Filename == "" {
		return nil, NewError(KindValidation, "filename must not be empty", nil)
	}
	if info.TotalSize > MaxFileSize {
		return nil, NewError(KindValidation,
			fmt.Sprintf("file size %d exceeds the %d byte limit", info.TotalSize, int64(MaxFileSize)), nil)
	}
	if info.ChunkCount > MaxChunkCount {
		return nil, NewError(KindValidation,
			fmt.Sprintf("chunk count %d exceeds the %d limit", info.ChunkCount, MaxChunkCount), nil)
	}

	a.objectKey = path.Join(a.keyPrefix, info.Filename)
	a.contentType = info.MimeType
	if a.contentType == "" {
		a.contentType = "application/octet-stream"
	}

	resp, err := a.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(a.objectKey),
		ContentType: aws.String(a.contentType),
	})
	if err != nil {
		return nil, classifyS3Error(err, KindInitialize)
	}

	a.uploadID = aws.ToString(resp.UploadId)

	return &InitResult{
		UploadID:  a.uploadID,
		Targets:   make([]Target, info.ChunkCount),
		ObjectKey: a.objectKey,
	}, nil
}

// UploadChunk uploads one part. The chunk hash travels as the part's
// SHA-256 checksum so S3 verifies payload integrity server-side.
func (a *S3DirectAdapter) UploadChunk(ctx context.Context, body []byte, target Target, meta ChunkMeta) (*ChunkReceipt, error) {
	reqCtx, cancel := context.WithTimeout(ctx, a.requestTimeout)
	defer cancel()

	input := &s3.UploadPartInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(a.objectKey),
		UploadId:      aws.String(a.uploadID),
		PartNumber:    aws.Int32(int32(meta.Index + 1)),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
	}
	if checksum, err := base64Checksum(meta.Hash); err == nil && checksum != "" {
		input.ChecksumAlgorithm = types.ChecksumAlgorithmSha256
		input.ChecksumSHA256 = aws.String(checksum)
	}

	start := time.Now()
	resp, err := a.client.UploadPart(reqCtx, input)
	if err != nil {
		if ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
			return nil, &Error{Kind: KindCancelled, ChunkIndex: meta.Index, Cause: err}
		}
		serr := classifyS3Error(err, KindTransportTransient)
		serr.ChunkIndex = meta.Index
		return nil, serr
	}

	return &ChunkReceipt{
		ETag: strings.Trim(aws.ToString(resp.ETag), `"`),
		// The SDK exposes no first-byte hook; total round trip stands in
		// for latency on this adapter.
		FirstByte: time.Since(start),
	}, nil
}

// Finalize completes the multipart upload with the parts sorted by
// PartNumber ascending, as the API requires.
func (a *S3DirectAdapter) Finalize(ctx context.Context, uploadID string, parts []Part) (*FinalizeResult, error) {
	sorted := make([]Part, len(parts))
	copy(sorted, parts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Number < sorted[j].Number })

	completed := make([]types.CompletedPart, len(sorted))
	for i, p := range sorted {
		completed[i] = types.CompletedPart{
			PartNumber: aws.Int32(int32(p.Number)),
			ETag:       aws.String(p.ETag),
		}
	}

	resp, err := a.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(a.bucket),
		Key:      aws.String(a.objectKey),
		UploadId: aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: completed,
		},
	})
	if err != nil {
		return nil, classifyS3Error(err, KindFinalize)
	}

	finalURL := aws.ToString(resp.Location)
	if finalURL == "" {
		finalURL = fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", a.bucket, a.region, a.objectKey)
	}
	return &FinalizeResult{FinalURL: finalURL}, nil
}

// Abort aborts the multipart upload. NoSuchUpload counts as success.
func (a *S3DirectAdapter) Abort(ctx context.Context, uploadID string) error {
	_, err := a.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(a.bucket),
		Key:      aws.String(a.objectKey),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		var apiError smithy.APIError
		if errors.As(err, &apiError) && apiError.ErrorCode() == "NoSuchUpload" {
			return nil
		}
		return fmt.Errorf("abort multipart upload: %w", err)
	}
	return nil
}

// CanRetarget is true: parts are addressed by number, no URLs to renew.
func (a *S3DirectAdapter) CanRetarget() bool {
	return true
}

// RenewTargets ...
func (a *S3DirectAdapter) RenewTargets(ctx context.Context, uploadID string, chunks []ChunkMeta) ([]Target, error) {
	return make([]Target, len(chunks)), nil
}

// base64Checksum converts the engine's lowercase hex digest to the base64
// form the S3 checksum headers expect.
func base64Checksum(hexDigest string) (string, error) {
	if hexDigest == "" {
		return "", nil
	}
	raw, err := hex.DecodeString(hexDigest)
	if err != nil {
		return "", fmt.Errorf("decode hex digest: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func classifyS3Error(err error, fallback ErrorKind) *Error {
	var apiError smithy.APIError
	if errors.As(err, &apiError) {
		switch apiError.ErrorFault() {
		case smithy.FaultClient:
			return &Error{Kind: KindTransportFatal, ChunkIndex: -1, Message: apiError.ErrorMessage(), Cause: err}
		case smithy.FaultServer:
			return &Error{Kind: KindTransportTransient, ChunkIndex: -1, Message: apiError.ErrorMessage(), Cause: err}
		}
	}
	return &Error{Kind: fallback, ChunkIndex: -1, Cause: err}
}

func loadAWSConfig(ctx context.Context, region, accessKeyID, secretKey string, logger log.Logger) (*aws.Config, error) {
	if region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		logger.Debugf("aws credentials provided, using them...")
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, ""),
		))
	} else {
		logger.Debugf("no aws credentials provided, using the default chain...")
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load default aws config: %w", err)
	}

	return &cfg, nil
}
