package main

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/docker/go-units"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/beamup-io/beamup/upload"
	"github.com/beamup-io/beamup/upload/compression"
	"github.com/beamup-io/beamup/upload/network"
)

type uploadFlags struct {
	apiURL      string
	token       string
	storage     string
	chunkSize   string
	concurrency int
	autoTune    bool
	compress    bool
	verbose     bool
	mimeType    string

	s3Region    string
	s3Bucket    string
	s3KeyPrefix string
	s3AccessKey string
	s3SecretKey string
}

func newUploadCmd() *cobra.Command {
	var flags uploadFlags
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "upload <file-or-glob>...",
		Short: "Upload files as independent chunked sessions",
		Args:  cobra.MinimumNArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return bindFlags(cmd, v)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.apiURL = v.GetString("api-url")
			flags.token = v.GetString("token")
			flags.storage = v.GetString("storage")
			flags.chunkSize = v.GetString("chunk-size")
			flags.concurrency = v.GetInt("concurrency")
			flags.autoTune = v.GetBool("auto-tune")
			flags.compress = v.GetBool("compress")
			flags.verbose = v.GetBool("verbose")
			flags.mimeType = v.GetString("mime")
			flags.s3Region = v.GetString("s3-region")
			flags.s3Bucket = v.GetString("s3-bucket")
			flags.s3KeyPrefix = v.GetString("s3-key-prefix")
			flags.s3AccessKey = v.GetString("s3-access-key")
			flags.s3SecretKey = v.GetString("s3-secret-key")
			return runUpload(cmd.Context(), args, flags)
		},
	}

	cmd.Flags().StringVar(&flags.apiURL, "api-url", "", "control plane base URL")
	cmd.Flags().StringVar(&flags.token, "token", "", "control plane access token")
	cmd.Flags().StringVar(&flags.storage, "storage", "s3", "storage backend: s3, google_drive or gcs")
	cmd.Flags().StringVar(&flags.chunkSize, "chunk-size", "1MiB", "chunk size, power of two between 256KiB and 16MiB")
	cmd.Flags().IntVar(&flags.concurrency, "concurrency", 3, "parallel chunk transfers (1-8)")
	cmd.Flags().BoolVar(&flags.autoTune, "auto-tune", false, "adapt chunk size to measured network conditions")
	cmd.Flags().BoolVar(&flags.compress, "compress", false, "zstd-compress files before upload")
	cmd.Flags().BoolVar(&flags.verbose, "verbose", false, "debug logging")
	cmd.Flags().StringVar(&flags.mimeType, "mime", "", "content type (detected from extension when empty)")
	cmd.Flags().StringVar(&flags.s3Region, "s3-region", "", "upload straight to S3: bucket region")
	cmd.Flags().StringVar(&flags.s3Bucket, "s3-bucket", "", "upload straight to S3: bucket name")
	cmd.Flags().StringVar(&flags.s3KeyPrefix, "s3-key-prefix", "", "upload straight to S3: object key prefix")
	cmd.Flags().StringVar(&flags.s3AccessKey, "s3-access-key", "", "upload straight to S3: access key id")
	cmd.Flags().StringVar(&flags.s3SecretKey, "s3-secret-key", "", "upload straight to S3: secret access key")

	return cmd
}

func runUpload(ctx context.Context, args []string, flags uploadFlags) error {
	logger := log.NewLogger()
	logger.EnableDebugLog(flags.verbose)

	chunkSize, err := units.RAMInBytes(flags.chunkSize)
	if err != nil {
		return fmt.Errorf("parse chunk size %q: %w", flags.chunkSize, err)
	}

	paths, err := expandGlobs(args)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return fmt.Errorf("no files matched")
	}

	for _, path := range paths {
		if err := uploadOne(ctx, path, chunkSize, flags, logger); err != nil {
			return fmt.Errorf("upload %s: %w", path, err)
		}
	}
	return nil
}

// Each matched file runs as its own independent session, sequentially.
func uploadOne(ctx context.Context, path string, chunkSize int64, flags uploadFlags, logger log.Logger) error {
	sourcePath := path
	mimeType := flags.mimeType
	if mimeType == "" {
		mimeType = mime.TypeByExtension(filepath.Ext(path))
	}

	if flags.compress {
		archivePath := path + ".zst"
		compressor := compression.NewCompressor(logger)
		if _, err := compressor.CompressFile(path, archivePath); err != nil {
			return err
		}
		defer func() {
			if err := os.Remove(archivePath); err != nil {
				logger.Warnf("failed to remove archive: %s", err)
			}
		}()
		sourcePath = archivePath
		mimeType = compression.MimeType
	}

	file, err := os.Open(sourcePath)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	defer func() {
		if err := file.Close(); err != nil {
			logger.Errorf("failed to close file: %s", err)
		}
	}()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat file: %w", err)
	}

	adapter, err := buildAdapter(ctx, flags, logger)
	if err != nil {
		return err
	}

	params := upload.Params{
		Filename:    filepath.Base(sourcePath),
		MimeType:    mimeType,
		TotalSize:   info.Size(),
		ChunkSize:   chunkSize,
		Concurrency: flags.concurrency,
		AutoTune:    flags.autoTune,
		Provider:    network.ProviderKind(flags.storage),
	}

	controller, err := upload.NewController(file, params, adapter, upload.Options{
		HungThreshold: 30 * time.Second,
	}, logger)
	if err != nil {
		return err
	}
	defer controller.Close()

	if err := controller.Start(); err != nil {
		return err
	}

	progress := reportProgress(ctx, controller, logger)
	if progress.Status != upload.StatusCompleted {
		if progress.Err != nil {
			return progress.Err
		}
		return fmt.Errorf("session ended with status %q", progress.Status)
	}

	logger.Donef("%s -> %s", path, progress.FinalURL)
	return nil
}

func reportProgress(ctx context.Context, controller *upload.Controller, logger log.Logger) upload.Progress {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-controller.Done():
			progress, _ := controller.Wait(ctx)
			return progress

		case <-ctx.Done():
			if err := controller.Cancel(); err != nil {
				logger.Warnf("cancel failed: %s", err)
			}
			progress, _ := controller.Wait(context.Background())
			return progress

		case <-ticker.C:
			p := controller.Snapshot()
			logger.Printf("%.1f%% (%d/%d chunks, %s/s, ETA %s)",
				p.Percent, p.CompletedChunks, p.TotalChunks,
				units.BytesSize(p.SpeedBPS), p.ETA)
		}
	}
}

func buildAdapter(ctx context.Context, flags uploadFlags, logger log.Logger) (network.Adapter, error) {
	if flags.s3Bucket != "" {
		return network.NewS3DirectAdapter(ctx, network.S3DirectParams{
			Region:          flags.s3Region,
			Bucket:          flags.s3Bucket,
			KeyPrefix:       flags.s3KeyPrefix,
			AccessKeyID:     flags.s3AccessKey,
			SecretAccessKey: flags.s3SecretKey,
		}, logger)
	}

	if flags.apiURL == "" {
		return nil, fmt.Errorf("either --api-url or --s3-bucket is required")
	}

	apiClient := retryhttp.NewClient(logger)
	switch network.ProviderKind(flags.storage) {
	case network.ProviderS3:
		return network.NewS3Adapter(network.S3AdapterParams{
			APIBaseURL:  flags.apiURL,
			AccessToken: flags.token,
			APIClient:   apiClient,
		}, logger), nil
	case network.ProviderGoogleDrive:
		return network.NewDriveAdapter(network.ResumableAdapterParams{
			APIBaseURL:  flags.apiURL,
			AccessToken: flags.token,
			APIClient:   apiClient,
		}, logger), nil
	case network.ProviderGCS:
		return network.NewGCSAdapter(network.ResumableAdapterParams{
			APIBaseURL:  flags.apiURL,
			AccessToken: flags.token,
			APIClient:   apiClient,
		}, logger), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", flags.storage)
	}
}

func expandGlobs(patterns []string) ([]string, error) {
	var paths []string
	for _, pattern := range patterns {
		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return nil, fmt.Errorf("expand pattern %q: %w", pattern, err)
		}
		if matches == nil {
			// Not a pattern: treat as a literal path so missing files
			// error out loudly below.
			matches = []string{pattern}
		}
		for _, m := range matches {
			info, err := os.Stat(m)
			if err != nil {
				return nil, err
			}
			if info.IsDir() {
				continue
			}
			paths = append(paths, m)
		}
	}
	return paths, nil
}
